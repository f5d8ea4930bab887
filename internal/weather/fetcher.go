package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"weather-push-go/internal/metrics"
	"weather-push-go/internal/models"

	"go.uber.org/zap"
)

// Fetcher returns current conditions for a city.
type Fetcher interface {
	Fetch(ctx context.Context, city string) (models.Weather, error)
}

// FetchError is returned once every attempt for a city has failed. Callers
// skip the city for the current run.
type FetchError struct {
	City     string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch weather for %q failed after %d attempt(s): %v", e.City, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StatusError is a non-2xx answer from the weather API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("weather api returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Units   string
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// Client talks to the OpenWeather current-conditions endpoint.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Units == "" {
		cfg.Units = "metric"
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type currentResponse struct {
	Main struct {
		Temp *float64 `json:"temp"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
}

// Fetch retries transport errors, 429 and 5xx with exponential backoff.
// Any other failure ends the loop immediately.
func (c *Client) Fetch(ctx context.Context, city string) (models.Weather, error) {
	start := time.Now()
	defer func() { metrics.WeatherFetchDuration.Observe(time.Since(start).Seconds()) }()

	maxAttempts := c.cfg.Retries + 1
	backoff := c.cfg.Backoff

	var lastErr error
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		w, err := c.fetchOnce(ctx, city)
		if err == nil {
			metrics.WeatherFetchTotal.WithLabelValues("ok").Inc()
			return w, nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt == maxAttempts {
			break
		}

		c.logger.Warn("weather fetch failed, retrying",
			zap.String("city", city),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			metrics.WeatherFetchTotal.WithLabelValues("error").Inc()
			return models.Weather{}, &FetchError{City: city, Attempts: attempt, Err: lastErr}
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	metrics.WeatherFetchTotal.WithLabelValues("error").Inc()
	return models.Weather{}, &FetchError{City: city, Attempts: attempt, Err: lastErr}
}

func shouldRetry(err error) bool {
	// Client.Timeout surfaces as DeadlineExceeded too; that attempt is retried.
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	var de *decodeError
	return !errors.As(err, &de)
}

// transportError is a failed round trip while the caller's context was
// still live.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode weather response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (c *Client) fetchOnce(ctx context.Context, city string) (models.Weather, error) {
	q := url.Values{}
	q.Set("q", city)
	q.Set("units", c.cfg.Units)
	q.Set("appid", c.cfg.APIKey)

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/weather?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Weather{}, &decodeError{err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Weather{}, ctxErr
		}
		return models.Weather{}, &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Weather{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var cr currentResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return models.Weather{}, &decodeError{err: err}
	}
	if cr.Main.Temp == nil || len(cr.Weather) == 0 || cr.Weather[0].Description == "" {
		return models.Weather{}, &decodeError{err: errors.New("missing temp or description")}
	}

	return models.NewWeather(*cr.Main.Temp, cr.Weather[0].Description), nil
}
