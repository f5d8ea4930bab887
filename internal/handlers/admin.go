package handlers

import (
	"errors"
	"net/http"
	"time"

	"weather-push-go/internal/store"

	"go.uber.org/zap"
)

type subscriptionView struct {
	Endpoint   string     `json:"endpoint"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	City       string     `json:"city,omitempty"`
	LastPushAt *time.Time `json:"last_push_at,omitempty"`
}

// ListSubscriptionsHandler lists subscriptions with their current city. Keys
// are never returned. ?endpoint= narrows the list to one device.
func (h *Handler) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subs, err := h.Store.FindSubscriptions(ctx, store.SubscriptionFilter{
		Endpoint: r.URL.Query().Get("endpoint"),
	})
	if err != nil {
		h.Logger.Error("failed to list subscriptions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to get subscriptions"})
		return
	}

	cities, err := h.Store.FindAll(ctx)
	if err != nil {
		h.Logger.Error("failed to list cities", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to get subscriptions"})
		return
	}
	byEndpoint := make(map[string]int, len(cities))
	for i, c := range cities {
		byEndpoint[c.Endpoint] = i
	}

	views := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		v := subscriptionView{Endpoint: s.Endpoint, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
		if i, ok := byEndpoint[s.Endpoint]; ok {
			v.City = cities[i].Name
			v.LastPushAt = cities[i].LastPushAt
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views, "count": len(views)})
}

// LatestCityHandler returns the most recently updated city record.
func (h *Handler) LatestCityHandler(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.FindMostRecent(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cities recorded"})
		return
	}
	if err != nil {
		h.Logger.Error("failed to load latest city", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to get city"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"city": c})
}
