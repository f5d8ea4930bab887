package handlers

import (
	"crypto/hmac"
	"net/http"
)

// AdminMiddleware guards the operator routes with the trigger secret. Unlike
// the trigger endpoint, these routes stay closed when no secret is set.
func (h *Handler) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := h.opts.TriggerSecret
		if secret == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin routes disabled"})
			return
		}
		token := r.Header.Get(triggerTokenHeader)
		if token == "" || !hmac.Equal([]byte(token), []byte(secret)) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
