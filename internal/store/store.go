package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"weather-push-go/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrPartialSnapshot is returned when a weather snapshot has only one of
	// its fields set.
	ErrPartialSnapshot = errors.New("weather snapshot must carry both temp and description")
)

// StorageError means the persistence layer itself failed. It is fatal for
// the current orchestration run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err (or anything it wraps) is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// SubscriptionFilter narrows FindSubscriptions. The zero value matches all.
type SubscriptionFilter struct {
	Endpoint string
}

// SubscriptionStore persists push endpoints and their keys.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, endpoint string, keys models.Keys) error
	RemoveSubscription(ctx context.Context, endpoint string) error
	SubscriptionExists(ctx context.Context, endpoint string) (bool, error)
	GetSubscription(ctx context.Context, endpoint string) (models.Subscription, error)
	FindSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]models.Subscription, error)
}

// LastCityStore persists the last city each endpoint looked at.
type LastCityStore interface {
	UpsertCity(ctx context.Context, endpoint, name string, snapshot *models.Weather, coords *models.Coords, now time.Time) error
	RecordPushSent(ctx context.Context, endpoint string, now time.Time) error
	FindByEndpoint(ctx context.Context, endpoint string) (models.LastCity, error)
	FindAll(ctx context.Context) ([]models.LastCity, error)
	FindMostRecent(ctx context.Context) (models.LastCity, error)
	RemoveCity(ctx context.Context, endpoint string) error
}

// Store is everything the push pipeline persists.
type Store interface {
	SubscriptionStore
	LastCityStore
	Close() error
}

func checkSnapshot(snapshot *models.Weather) error {
	if snapshot != nil && !snapshot.Complete() {
		return ErrPartialSnapshot
	}
	return nil
}
