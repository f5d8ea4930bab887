package handlers

import (
	"net/http"

	"go.uber.org/zap"
)

// PurgeOrphanCitiesHandler deletes city records whose subscription is gone.
// Sweeps collect these lazily; this does it in one pass.
func (h *Handler) PurgeOrphanCitiesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cities, err := h.Store.FindAll(ctx)
	if err != nil {
		h.Logger.Error("failed to list cities", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "purge failed"})
		return
	}

	removed := 0
	for _, c := range cities {
		exists, err := h.Store.SubscriptionExists(ctx, c.Endpoint)
		if err == nil && !exists {
			err = h.Store.RemoveCity(ctx, c.Endpoint)
			if err == nil {
				removed++
			}
		}
		if err != nil {
			h.Logger.Error("failed to purge orphan city", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "purge failed", "removed": removed})
			return
		}
	}

	h.Logger.Info("purged orphan cities", zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}
