package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"weather-push-go/internal/push"
	"weather-push-go/internal/store"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

type Options struct {
	VAPIDPublicKey string
	TriggerSecret  string
	// ManualAsync answers /search before the push is delivered.
	ManualAsync        bool
	CORSOrigins        []string
	RateLimitPerMinute int
}

type Handler struct {
	Store        store.Store
	Orchestrator *push.Orchestrator
	Logger       *zap.Logger

	opts     Options
	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(s store.Store, orch *push.Orchestrator, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		Store:        s,
		Orchestrator: orch,
		Logger:       logger,
		opts:         opts,
		validate:     newValidator(),
		now:          time.Now,
	}
}

// Routes builds the full HTTP surface with its middleware stack.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(LoggingMiddleware(h.Logger))
	r.Use(RecoveryMiddleware(h.Logger))
	r.Use(MetricsMiddleware)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", triggerTokenHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !containsWildcard(h.opts.CORSOrigins),
		MaxAge:           300,
	}))
	r.Use(NewRateLimiter(h.opts.RateLimitPerMinute).Middleware)

	r.Get("/health", h.HealthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/push", func(r chi.Router) {
		r.Get("/vapid-public-key", h.GetVAPIDKeyHandler)
		r.Post("/subscribe", h.SubscribePushHandler)
		r.Post("/unsubscribe", h.UnsubscribePushHandler)
		r.Post("/check-subscription", h.CheckSubscriptionHandler)
		r.Post("/search", h.SearchHandler)
		r.Get("/trigger-weather-push", h.TriggerWeatherPushHandler)
	})
	r.Post("/api/subscription/update-city", h.UpdateCityHandler)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.AdminMiddleware)
		r.Get("/subscriptions", h.ListSubscriptionsHandler)
		r.Get("/cities/latest", h.LatestCityHandler)
		r.Post("/cities/purge-orphans", h.PurgeOrphanCitiesHandler)
	})

	return r
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is a request body that failed decoding or validation. It
// is answered with 400 and never reaches the orchestrator.
type ValidationError struct {
	Fields []fieldError
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Err.Error()
	}
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return strings.Join(msgs, "; ")
}

func writeValidationError(w http.ResponseWriter, err *ValidationError) {
	body := map[string]any{"error": "invalid request"}
	if len(err.Fields) > 0 {
		body["fields"] = err.Fields
	} else {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusBadRequest, body)
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) *ValidationError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &ValidationError{Err: errors.New("request body is empty")}
		}
		return &ValidationError{Err: fmt.Errorf("malformed JSON: %w", err)}
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ValidationError{Err: err}
		}
		ve := &ValidationError{Err: err}
		for _, fe := range verrs {
			ve.Fields = append(ve.Fields, fieldError{Field: fieldPath(fe), Message: fieldMessage(fe)})
		}
		return ve
	}
	return nil
}

func fieldPath(fe validator.FieldError) string {
	// Namespace is "<struct>.<path>"; drop the struct name.
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "latitude", "longitude":
		return "must be a valid " + fe.Tag()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
