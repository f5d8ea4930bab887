package store

import (
	"context"
	"testing"
	"time"

	"weather-push-go/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisWeatherCache(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	if _, ok, err := s.GetWeather(ctx, "Paris"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	fetched := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	cw := models.CachedWeather{City: "Paris", Weather: models.NewWeather(17.5, "light rain"), FetchedAt: fetched}
	if err := s.SetWeather(ctx, cw, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Lookups ignore case and extra whitespace.
	got, ok, err := s.GetWeather(ctx, "  paris ")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Weather.Description != "light rain" || *got.Weather.Temp != 17.5 || !got.FetchedAt.Equal(fetched) {
		t.Errorf("cached = %+v", got)
	}

	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.GetWeather(ctx, "Paris"); ok {
		t.Error("entry should have expired")
	}
}

func TestRedisLock(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	release, ok, err := s.AcquireLock(ctx, "push:sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := s.AcquireLock(ctx, "push:sweep", time.Minute); ok {
		t.Fatal("second acquire should fail while held")
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("push:sweep") {
		t.Error("lock key still present after release")
	}

	if _, ok, _ := s.AcquireLock(ctx, "push:sweep", time.Minute); !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestRedisLockReleaseDoesNotStealForeignLock(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	release, ok, _ := s.AcquireLock(ctx, "push:sweep", time.Second)
	if !ok {
		t.Fatal("acquire failed")
	}
	mr.FastForward(2 * time.Second)

	if _, ok, _ := s.AcquireLock(ctx, "push:sweep", time.Minute); !ok {
		t.Fatal("expired lock should be re-acquirable")
	}
	_ = release(ctx)

	if !mr.Exists("push:sweep") {
		t.Error("stale release removed the new owner's lock")
	}
}
