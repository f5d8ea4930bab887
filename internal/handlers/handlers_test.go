package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"weather-push-go/internal/models"
	"weather-push-go/internal/push"
	"weather-push-go/internal/store"
	"weather-push-go/internal/weather"

	"go.uber.org/zap"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads []models.NotificationPayload
}

func (s *fakeSender) Send(_ context.Context, _ models.Subscription, p models.NotificationPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *fakeSender) sent() []models.NotificationPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.NotificationPayload(nil), s.payloads...)
}

type fakeFetcher map[string]models.Weather

func (f fakeFetcher) Fetch(_ context.Context, city string) (models.Weather, error) {
	w, ok := f[city]
	if !ok {
		return models.Weather{}, &weather.FetchError{City: city, Attempts: 1, Err: context.DeadlineExceeded}
	}
	return w, nil
}

type testEnv struct {
	handler http.Handler
	store   *store.MemoryStore
	sender  *fakeSender
	orch    *push.Orchestrator
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	if opts.RateLimitPerMinute == 0 {
		opts.RateLimitPerMinute = 1000
	}
	st := store.NewMemoryStore()
	sender := &fakeSender{}
	orch := push.NewOrchestrator(st, fakeFetcher{"Paris": models.NewWeather(18, "light rain")}, sender, nil, push.Config{
		MinPushInterval: 10 * time.Minute,
		SnapshotMaxAge:  30 * time.Minute,
		SweepBudget:     2 * time.Second,
		Concurrency:     2,
		IconBaseURL:     "https://app.example",
	}, zap.NewNop())
	h := NewHandler(st, orch, opts, zap.NewNop())
	return &testEnv{handler: h.Routes(), store: st, sender: sender, orch: orch}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

const e1 = "https://push.example/send/E1"

func subscribe(t *testing.T, e *testEnv, endpoint string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/push/subscribe",
		`{"endpoint":"`+endpoint+`","keys":{"p256dh":"k1","auth":"a1"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("subscribe: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubscribeUpdateCitySearchEndToEnd(t *testing.T) {
	e := newTestEnv(t, Options{})
	subscribe(t, e, e1)

	rec := e.do(t, http.MethodPost, "/api/subscription/update-city",
		`{"endpoint":"`+e1+`","city":"Madurai","lat":9.9,"lon":78.1,"temp":31.2,"desc":"haze"}`)
	if rec.Code != http.StatusOK || decode(t, rec)["success"] != true {
		t.Fatalf("update-city: %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodPost, "/api/push/search", `{"city":"Madurai","endpoint":"`+e1+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["success"] != true || body["sent"] != float64(1) {
		t.Errorf("search response = %v", body)
	}

	sent := e.sender.sent()
	if len(sent) != 1 {
		t.Fatalf("dispatched %d payloads, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Body, "haze") || !strings.Contains(sent[0].Body, "31.2") {
		t.Errorf("payload body = %q", sent[0].Body)
	}
	if sent[0].Title != "Weather in Madurai" {
		t.Errorf("payload title = %q", sent[0].Title)
	}

	c, err := e.store.FindByEndpoint(context.Background(), e1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Coords == nil || c.Coords.Lat != 9.9 || c.Coords.Lon != 78.1 {
		t.Errorf("coords = %+v", c.Coords)
	}
	if c.LastPushAt == nil {
		t.Error("lastPushAt not recorded")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	e := newTestEnv(t, Options{})
	subscribe(t, e, e1)
	e.do(t, http.MethodPost, "/api/subscription/update-city", `{"endpoint":"`+e1+`","city":"Paris"}`)

	for i := 0; i < 2; i++ {
		rec := e.do(t, http.MethodPost, "/api/push/unsubscribe", `{"endpoint":"`+e1+`"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("unsubscribe #%d: %d %s", i+1, rec.Code, rec.Body.String())
		}
		if decode(t, rec)["message"] == "" {
			t.Error("missing message")
		}
	}

	ctx := context.Background()
	if ok, _ := e.store.SubscriptionExists(ctx, e1); ok {
		t.Error("subscription still stored")
	}
	if _, err := e.store.FindByEndpoint(ctx, e1); err == nil {
		t.Error("city still stored")
	}

	rec := e.do(t, http.MethodPost, "/api/push/check-subscription", `{"endpoint":"`+e1+`"}`)
	if decode(t, rec)["exists"] != false {
		t.Errorf("check-subscription = %s", rec.Body.String())
	}
}

func TestCheckSubscription(t *testing.T) {
	e := newTestEnv(t, Options{})
	subscribe(t, e, e1)

	rec := e.do(t, http.MethodPost, "/api/push/check-subscription", `{"endpoint":"`+e1+`"}`)
	if rec.Code != http.StatusOK || decode(t, rec)["exists"] != true {
		t.Errorf("check-subscription: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"subscribe empty body", "/api/push/subscribe", ""},
		{"subscribe malformed json", "/api/push/subscribe", `{"endpoint":`},
		{"subscribe missing endpoint", "/api/push/subscribe", `{"keys":{"p256dh":"k","auth":"a"}}`},
		{"subscribe endpoint not url", "/api/push/subscribe", `{"endpoint":"nope","keys":{"p256dh":"k","auth":"a"}}`},
		{"subscribe missing keys", "/api/push/subscribe", `{"endpoint":"` + e1 + `"}`},
		{"unsubscribe missing endpoint", "/api/push/unsubscribe", `{}`},
		{"check missing endpoint", "/api/push/check-subscription", `{}`},
		{"update-city missing city", "/api/subscription/update-city", `{"endpoint":"` + e1 + `"}`},
		{"update-city temp without desc", "/api/subscription/update-city", `{"endpoint":"` + e1 + `","city":"Paris","temp":3}`},
		{"update-city desc without temp", "/api/subscription/update-city", `{"endpoint":"` + e1 + `","city":"Paris","desc":"fog"}`},
		{"update-city lat without lon", "/api/subscription/update-city", `{"endpoint":"` + e1 + `","city":"Paris","lat":3}`},
		{"update-city bad latitude", "/api/subscription/update-city", `{"endpoint":"` + e1 + `","city":"Paris","lat":123,"lon":3}`},
		{"search missing city", "/api/push/search", `{"endpoint":"` + e1 + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, Options{})
			subscribe(t, e, e1)

			rec := e.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			if len(e.sender.sent()) != 0 {
				t.Error("invalid request reached the orchestrator")
			}
		})
	}
}

func TestSubscribeReportsFieldErrors(t *testing.T) {
	e := newTestEnv(t, Options{})
	rec := e.do(t, http.MethodPost, "/api/push/subscribe", `{"endpoint":"`+e1+`","keys":{"p256dh":"k"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"keys.auth"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestUpdateCityUnknownEndpoint(t *testing.T) {
	e := newTestEnv(t, Options{})
	rec := e.do(t, http.MethodPost, "/api/subscription/update-city", `{"endpoint":"`+e1+`","city":"Paris"}`)
	if rec.Code != http.StatusNotFound || decode(t, rec)["success"] != false {
		t.Errorf("update-city: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSearchWithoutSnapshotFetchesFreshWeather(t *testing.T) {
	e := newTestEnv(t, Options{})
	subscribe(t, e, e1)

	rec := e.do(t, http.MethodPost, "/api/push/search", `{"city":"Paris","endpoint":"`+e1+`"}`)
	body := decode(t, rec)
	if body["sent"] != float64(1) {
		t.Fatalf("search response = %v", body)
	}
	if got := e.sender.sent()[0].Body; got != "light rain, 18°" {
		t.Errorf("payload body = %q", got)
	}
}

func TestSearchAsync(t *testing.T) {
	e := newTestEnv(t, Options{ManualAsync: true})
	subscribe(t, e, e1)

	rec := e.do(t, http.MethodPost, "/api/push/search", `{"city":"Paris","endpoint":"`+e1+`"}`)
	body := decode(t, rec)
	if body["success"] != true {
		t.Fatalf("search response = %v", body)
	}
	if _, ok := body["sent"]; ok {
		t.Error("async response should not report a sent count")
	}

	e.orch.Wait()
	if len(e.sender.sent()) != 1 {
		t.Errorf("background push sent %d payloads", len(e.sender.sent()))
	}
}

func TestTriggerWeatherPush(t *testing.T) {
	e := newTestEnv(t, Options{TriggerSecret: "s3cret"})
	subscribe(t, e, e1)
	e.do(t, http.MethodPost, "/api/subscription/update-city",
		`{"endpoint":"`+e1+`","city":"Paris","temp":10,"desc":"clear"}`)

	rec := e.do(t, http.MethodGet, "/api/push/trigger-weather-push", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/api/push/trigger-weather-push", "", triggerTokenHeader, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/api/push/trigger-weather-push", "", triggerTokenHeader, "s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger: %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["success"] != true || body["sent"] != float64(1) || body["removed"] != float64(0) {
		t.Errorf("trigger response = %v", body)
	}

	// A second run inside the push interval sends nothing.
	rec = e.do(t, http.MethodGet, "/api/push/trigger-weather-push", "", triggerTokenHeader, "s3cret")
	if body := decode(t, rec); body["sent"] != float64(0) {
		t.Errorf("second trigger response = %v", body)
	}
}

func TestVAPIDPublicKey(t *testing.T) {
	e := newTestEnv(t, Options{VAPIDPublicKey: "BPub"})
	rec := e.do(t, http.MethodGet, "/api/push/vapid-public-key", "")
	if decode(t, rec)["publicKey"] != "BPub" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMiddlewareStack(t *testing.T) {
	e := newTestEnv(t, Options{})
	rec := e.do(t, http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("request id missing")
	}

	rec = e.do(t, http.MethodGet, "/api/push/subscribe", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET on POST route: %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, Options{RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		if rec := e.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, rec.Code)
		}
	}
	if rec := e.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request: %d, want 429", rec.Code)
	}
	// Another client is unaffected.
	if rec := e.do(t, http.MethodGet, "/health", "", "X-Real-IP", "203.0.113.9"); rec.Code != http.StatusOK {
		t.Errorf("other client: %d", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}
