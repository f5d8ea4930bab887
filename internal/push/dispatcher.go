package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"weather-push-go/internal/metrics"
	"weather-push-go/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
)

// DeliveryClass tells the orchestrator what a failed delivery means for the
// stored subscription.
type DeliveryClass int

const (
	// ClassTransient failures are retried on the next sweep.
	ClassTransient DeliveryClass = iota
	// ClassGone means the endpoint is permanently invalid.
	ClassGone
	ClassOther
)

func (c DeliveryClass) String() string {
	switch c {
	case ClassGone:
		return "gone"
	case ClassTransient:
		return "transient"
	default:
		return "other"
	}
}

type DeliveryError struct {
	Class      DeliveryClass
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("push delivery %s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("push delivery %s: %v", e.Class, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Classify maps a push service status code to a delivery class.
func Classify(status int) DeliveryClass {
	switch {
	case status == http.StatusNotFound, status == http.StatusGone:
		return ClassGone
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return ClassTransient
	default:
		return ClassOther
	}
}

type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	// Subject is a contact e-mail or an https URL.
	Subject string
	// TTL is how long, in seconds, the push service keeps an undelivered message.
	TTL int
}

// Dispatcher encrypts payloads and hands them to the push service. It never
// touches the stores.
type Dispatcher struct {
	vapid      VAPIDConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewDispatcher(cfg VAPIDConfig, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	// webpush-go adds mailto: itself.
	cfg.Subject = strings.TrimPrefix(cfg.Subject, "mailto:")
	return &Dispatcher{
		vapid:      cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (d *Dispatcher) Send(ctx context.Context, sub models.Subscription, payload models.NotificationPayload) error {
	message, err := json.Marshal(models.PushMessage{Data: payload})
	if err != nil {
		return &DeliveryError{Class: ClassOther, Err: err}
	}

	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}

	start := time.Now()
	resp, err := webpush.SendNotificationWithContext(ctx, message, s, &webpush.Options{
		HTTPClient:      d.httpClient,
		Subscriber:      d.vapid.Subject,
		VAPIDPublicKey:  d.vapid.PublicKey,
		VAPIDPrivateKey: d.vapid.PrivateKey,
		TTL:             d.vapid.TTL,
		Topic:           Topic(payload.ID),
		Urgency:         webpush.UrgencyNormal,
	})
	metrics.PushSendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		// Transport failures and bad subscription keys both land here. Only
		// the former are worth another try.
		class := ClassOther
		if ctx.Err() != nil || isNetError(err) {
			class = ClassTransient
		}
		metrics.PushDeliveryFailuresTotal.WithLabelValues(class.String()).Inc()
		return &DeliveryError{Class: class, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	class := Classify(resp.StatusCode)
	metrics.PushDeliveryFailuresTotal.WithLabelValues(class.String()).Inc()
	d.logger.Debug("push service rejected message",
		zap.String("endpoint", shortEndpoint(sub.Endpoint)),
		zap.Int("status", resp.StatusCode),
		zap.String("body", strings.TrimSpace(string(body))),
	)
	return &DeliveryError{
		Class:      class,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("push service returned %s", resp.Status),
	}
}

// LoadVAPIDKeys returns the configured key pair, or generates a fresh one when
// either half is missing. Generated keys are logged so they can be persisted.
func LoadVAPIDKeys(publicKey, privateKey string, logger *zap.Logger) (string, string, error) {
	if publicKey != "" && privateKey != "" {
		return publicKey, privateKey, nil
	}

	logger.Warn("VAPID keys not found in environment, generating new keys")
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", err)
	}
	logger.Info("generated VAPID keys, add them to your .env file to persist them",
		zap.String("VAPID_PUBLIC_KEY", pub),
		zap.String("VAPID_PRIVATE_KEY", priv),
	)
	return pub, priv, nil
}

func shortEndpoint(endpoint string) string {
	return endpoint[:min(50, len(endpoint))]
}

func isNetError(err error) bool {
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
