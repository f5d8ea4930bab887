package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"weather-push-go/internal/models"
)

// MemoryStore keeps everything in process memory. It backs STORE_DRIVER=memory
// for local runs and the tests of the packages above this one.
type MemoryStore struct {
	mu     sync.RWMutex
	subs   map[string]models.Subscription
	cities map[string]models.LastCity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:   make(map[string]models.Subscription),
		cities: make(map[string]models.LastCity),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertSubscription(_ context.Context, endpoint string, keys models.Keys) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sub, ok := s.subs[endpoint]
	if !ok {
		sub = models.Subscription{Endpoint: endpoint, CreatedAt: now}
	}
	sub.Keys = keys
	sub.UpdatedAt = now
	s.subs[endpoint] = sub
	return nil
}

func (s *MemoryStore) RemoveSubscription(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, endpoint)
	return nil
}

func (s *MemoryStore) SubscriptionExists(_ context.Context, endpoint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[endpoint]
	return ok, nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, endpoint string) (models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[endpoint]
	if !ok {
		return models.Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemoryStore) FindSubscriptions(_ context.Context, filter SubscriptionFilter) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []models.Subscription
	for _, sub := range s.subs {
		if filter.Endpoint != "" && sub.Endpoint != filter.Endpoint {
			continue
		}
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs, nil
}

func (s *MemoryStore) UpsertCity(_ context.Context, endpoint, name string, snapshot *models.Weather, coords *models.Coords, now time.Time) error {
	if err := checkSnapshot(snapshot); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cities[endpoint]
	sameCity := ok && c.Name == name
	if !ok {
		c = models.LastCity{Endpoint: endpoint}
	}

	switch {
	case snapshot != nil:
		w := *snapshot
		t := *snapshot.Temp
		w.Temp = &t
		c.LastData = &w
	case !sameCity:
		c.LastData = nil
	}

	switch {
	case coords != nil:
		cc := *coords
		c.Coords = &cc
	case !sameCity:
		c.Coords = nil
	}

	c.Name = name
	c.UpdatedAt = now
	s.cities[endpoint] = c
	return nil
}

func (s *MemoryStore) RecordPushSent(_ context.Context, endpoint string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cities[endpoint]
	if !ok {
		return nil
	}
	t := now
	c.LastPushAt = &t
	s.cities[endpoint] = c
	return nil
}

func (s *MemoryStore) FindByEndpoint(_ context.Context, endpoint string) (models.LastCity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cities[endpoint]
	if !ok {
		return models.LastCity{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) FindAll(_ context.Context) ([]models.LastCity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cities := make([]models.LastCity, 0, len(s.cities))
	for _, c := range s.cities {
		cities = append(cities, c)
	}
	sort.Slice(cities, func(i, j int) bool { return cities[i].UpdatedAt.After(cities[j].UpdatedAt) })
	return cities, nil
}

func (s *MemoryStore) FindMostRecent(ctx context.Context) (models.LastCity, error) {
	cities, _ := s.FindAll(ctx)
	if len(cities) == 0 {
		return models.LastCity{}, ErrNotFound
	}
	return cities[0], nil
}

func (s *MemoryStore) RemoveCity(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cities, endpoint)
	return nil
}
