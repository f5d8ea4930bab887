package handlers

import (
	"errors"
	"net/http"

	"weather-push-go/internal/models"
	"weather-push-go/internal/push"

	"go.uber.org/zap"
)

type subscribeRequest struct {
	Endpoint string      `json:"endpoint" validate:"required,url,max=2048"`
	Keys     models.Keys `json:"keys"`
}

type endpointRequest struct {
	Endpoint string `json:"endpoint" validate:"required,max=2048"`
}

type updateCityRequest struct {
	Endpoint string   `json:"endpoint" validate:"required,max=2048"`
	City     string   `json:"city" validate:"required,max=120"`
	Lat      *float64 `json:"lat" validate:"omitempty,latitude"`
	Lon      *float64 `json:"lon" validate:"omitempty,longitude"`
	Temp     *float64 `json:"temp"`
	Desc     string   `json:"desc" validate:"max=200"`
}

type searchRequest struct {
	City     string `json:"city" validate:"required,max=120"`
	Endpoint string `json:"endpoint" validate:"required,max=2048"`
}

// GetVAPIDKeyHandler returns the public VAPID key
func (h *Handler) GetVAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"publicKey": h.opts.VAPIDPublicKey,
	})
}

// SubscribePushHandler saves a push subscription, replacing the keys of an
// existing one.
func (h *Handler) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if verr := h.decodeAndValidate(w, r, &req); verr != nil {
		writeValidationError(w, verr)
		return
	}

	if err := h.Store.UpsertSubscription(r.Context(), req.Endpoint, req.Keys); err != nil {
		h.Logger.Error("failed to save subscription", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Subscription failed"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "Subscribed"})
}

// UnsubscribePushHandler forgets the endpoint and its city. Unknown
// endpoints succeed too.
func (h *Handler) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if verr := h.decodeAndValidate(w, r, &req); verr != nil {
		writeValidationError(w, verr)
		return
	}

	ctx := r.Context()
	if err := h.Store.RemoveSubscription(ctx, req.Endpoint); err != nil {
		h.Logger.Error("failed to remove subscription", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Unsubscribe failed"})
		return
	}
	if err := h.Store.RemoveCity(ctx, req.Endpoint); err != nil {
		h.Logger.Error("failed to remove city", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Unsubscribe failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Unsubscribed"})
}

func (h *Handler) CheckSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if verr := h.decodeAndValidate(w, r, &req); verr != nil {
		writeValidationError(w, verr)
		return
	}

	exists, err := h.Store.SubscriptionExists(r.Context(), req.Endpoint)
	if err != nil {
		h.Logger.Error("failed to check subscription", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "check failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

// UpdateCityHandler records the city a device is looking at, with the
// conditions it displayed when both temp and desc are given.
func (h *Handler) UpdateCityHandler(w http.ResponseWriter, r *http.Request) {
	var req updateCityRequest
	if verr := h.decodeAndValidate(w, r, &req); verr != nil {
		writeValidationError(w, verr)
		return
	}
	if (req.Temp == nil) != (req.Desc == "") {
		writeValidationError(w, &ValidationError{Fields: []fieldError{
			{Field: "temp", Message: "temp and desc must be sent together"},
		}})
		return
	}
	if (req.Lat == nil) != (req.Lon == nil) {
		writeValidationError(w, &ValidationError{Fields: []fieldError{
			{Field: "lat", Message: "lat and lon must be sent together"},
		}})
		return
	}

	ctx := r.Context()
	exists, err := h.Store.SubscriptionExists(ctx, req.Endpoint)
	if err != nil {
		h.Logger.Error("failed to check subscription", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "storage unavailable"})
		return
	}
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "subscription not found"})
		return
	}

	var snapshot *models.Weather
	if req.Temp != nil {
		snap := models.NewWeather(*req.Temp, req.Desc)
		snapshot = &snap
	}
	var coords *models.Coords
	if req.Lat != nil {
		coords = &models.Coords{Lat: *req.Lat, Lon: *req.Lon}
	}

	if err := h.Store.UpsertCity(ctx, req.Endpoint, req.City, snapshot, coords, h.now().UTC()); err != nil {
		h.Logger.Error("failed to update city", zap.String("city", req.City), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "storage unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SearchHandler is the manual trigger: push the weather for the searched
// city to the searching device, ignoring the push interval.
func (h *Handler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if verr := h.decodeAndValidate(w, r, &req); verr != nil {
		writeValidationError(w, verr)
		return
	}

	if h.opts.ManualAsync {
		h.Orchestrator.ManualDetached(r.Context(), req.Endpoint, req.City)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	res, err := h.Orchestrator.Manual(r.Context(), req.Endpoint, req.City)
	if err != nil {
		h.Logger.Error("manual push failed", zap.String("city", req.City), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "push failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sent": res.Sent})
}

// TriggerWeatherPushHandler runs a sweep on demand, e.g. from an external
// scheduler.
func (h *Handler) TriggerWeatherPushHandler(w http.ResponseWriter, r *http.Request) {
	if !h.validateTriggerToken(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "invalid trigger token"})
		return
	}

	res, err := h.Orchestrator.Sweep(r.Context())
	if errors.Is(err, push.ErrSweepInProgress) {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if err != nil {
		h.Logger.Error("triggered sweep failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "sweep failed",
			"sent":    res.Sent,
			"removed": res.Removed,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sent": res.Sent, "removed": res.Removed})
}
