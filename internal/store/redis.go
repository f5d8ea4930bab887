package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"weather-push-go/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const weatherKeyPrefix = "weather:"

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore caches weather snapshots and holds the sweep lock.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(opts *redis.Options) *RedisStore {
	rdb := redis.NewClient(opts)
	return &RedisStore{client: rdb}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// GetWeather returns the cached snapshot for city, if any.
func (s *RedisStore) GetWeather(ctx context.Context, city string) (models.CachedWeather, bool, error) {
	val, err := s.client.Get(ctx, weatherKeyPrefix+models.CityKey(city)).Result()
	if errors.Is(err, redis.Nil) {
		return models.CachedWeather{}, false, nil
	}
	if err != nil {
		return models.CachedWeather{}, false, err
	}

	var cw models.CachedWeather
	if err := json.Unmarshal([]byte(val), &cw); err != nil {
		// A corrupt entry is treated as a miss; the next Set overwrites it.
		return models.CachedWeather{}, false, nil
	}
	return cw, true, nil
}

// SetWeather stores a snapshot. ttl bounds how long a stale value may still
// be served as a fallback.
func (s *RedisStore) SetWeather(ctx context.Context, cw models.CachedWeather, ttl time.Duration) error {
	data, err := json.Marshal(cw)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, weatherKeyPrefix+models.CityKey(cw.City), data, ttl).Err()
}

// AcquireLock takes key for ttl. When acquired, release frees it again
// unless it has expired and been taken by someone else meanwhile.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		return releaseScript.Run(ctx, s.client, []string{key}, token).Err()
	}
	return release, true, nil
}
