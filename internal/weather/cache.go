package weather

import (
	"context"
	"time"

	"weather-push-go/internal/metrics"
	"weather-push-go/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// flightTimeout bounds a shared lookup once it no longer follows any one
// caller's context.
const flightTimeout = 30 * time.Second

// Cache is the snapshot storage a CachedFetcher reads through.
// store.RedisStore implements it.
type Cache interface {
	GetWeather(ctx context.Context, city string) (models.CachedWeather, bool, error)
	SetWeather(ctx context.Context, cw models.CachedWeather, ttl time.Duration) error
}

// CachedFetcher serves snapshots younger than ttl from the cache and shares
// one upstream call between concurrent lookups of the same city. When the
// upstream call fails, an expired snapshot is served if one is still kept.
type CachedFetcher struct {
	next   Fetcher
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
	now    func() time.Time

	flightTimeout time.Duration
}

func NewCachedFetcher(next Fetcher, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedFetcher {
	return &CachedFetcher{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,

		flightTimeout: flightTimeout,
	}
}

// Fetch joins or starts the lookup for city. The shared lookup is detached
// from ctx, so one caller giving up does not fail the others; each caller
// still stops waiting when its own ctx is done.
func (c *CachedFetcher) Fetch(ctx context.Context, city string) (models.Weather, error) {
	ch := c.group.DoChan(models.CityKey(city), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout)
		defer cancel()
		return c.load(fctx, city)
	})

	select {
	case <-ctx.Done():
		return models.Weather{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Weather{}, res.Err
		}
		return res.Val.(models.Weather), nil
	}
}

func (c *CachedFetcher) load(ctx context.Context, city string) (models.Weather, error) {
	cached, ok, err := c.cache.GetWeather(ctx, city)
	if err != nil {
		c.logger.Warn("weather cache read failed", zap.String("city", city), zap.Error(err))
	}
	if ok && c.now().Sub(cached.FetchedAt) < c.ttl && cached.Weather.Complete() {
		metrics.WeatherFetchTotal.WithLabelValues("cache_hit").Inc()
		return cached.Weather, nil
	}

	w, err := c.next.Fetch(ctx, city)
	if err != nil {
		if ok && cached.Weather.Complete() {
			metrics.WeatherFetchTotal.WithLabelValues("stale").Inc()
			c.logger.Warn("serving stale weather",
				zap.String("city", city),
				zap.Time("fetched_at", cached.FetchedAt),
				zap.Error(err),
			)
			return cached.Weather, nil
		}
		return models.Weather{}, err
	}

	cw := models.CachedWeather{City: city, Weather: w, FetchedAt: c.now().UTC()}
	// Kept past freshness so it can back a failed fetch later.
	if err := c.cache.SetWeather(ctx, cw, 2*c.ttl); err != nil {
		c.logger.Warn("weather cache write failed", zap.String("city", city), zap.Error(err))
	}
	return w, nil
}
