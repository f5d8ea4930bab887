package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"weather-push-go/internal/metrics"
	"weather-push-go/internal/models"
	"weather-push-go/internal/store"
	"weather-push-go/internal/weather"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sweepLockKey       = "push:sweep:lock"
	lockReleaseTimeout = 2 * time.Second
)

// ErrSweepInProgress is returned by Sweep while another sweep holds the lock.
var ErrSweepInProgress = errors.New("weather push sweep already in progress")

// Sender delivers one payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub models.Subscription, payload models.NotificationPayload) error
}

// Locker guards against overlapping sweeps. store.RedisStore implements it.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

type Config struct {
	MinPushInterval time.Duration
	// SnapshotMaxAge is how old a client-reported snapshot may be and still
	// back a manual push for the same city.
	SnapshotMaxAge time.Duration
	SweepBudget    time.Duration
	Concurrency    int
	IconBaseURL    string
}

// Result counts what one run did per candidate endpoint.
type Result struct {
	Sent    int `json:"sent"`
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type Orchestrator struct {
	store   store.Store
	fetcher weather.Fetcher
	sender  Sender
	locker  Locker
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	background sync.WaitGroup
}

// NewOrchestrator wires the pipeline. locker may be nil, in which case
// sweeps are not coordinated across processes.
func NewOrchestrator(st store.Store, fetcher weather.Fetcher, sender Sender, locker Locker, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SweepBudget <= 0 {
		cfg.SweepBudget = 8 * time.Second
	}
	return &Orchestrator{
		store:   st,
		fetcher: fetcher,
		sender:  sender,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

type outcome string

const (
	outcomeSent    outcome = "sent"
	outcomeRemoved outcome = "removed"
	outcomeSkipped outcome = "skipped"
	outcomeFailed  outcome = "failed"
)

type tally struct {
	mu      sync.Mutex
	trigger string
	res     Result
}

func (t *tally) add(o outcome) {
	t.mu.Lock()
	switch o {
	case outcomeSent:
		t.res.Sent++
	case outcomeRemoved:
		t.res.Removed++
	case outcomeSkipped:
		t.res.Skipped++
	case outcomeFailed:
		t.res.Failed++
	}
	t.mu.Unlock()
	metrics.PushOutcomesTotal.WithLabelValues(t.trigger, string(o)).Inc()
}

func (t *tally) result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res
}

// weatherMemo fetches each distinct city at most once per run.
type weatherMemo struct {
	fetcher weather.Fetcher
	mu      sync.Mutex
	entries map[string]*memoEntry
}

type memoEntry struct {
	once sync.Once
	w    models.Weather
	err  error
}

func newWeatherMemo(f weather.Fetcher) *weatherMemo {
	return &weatherMemo{fetcher: f, entries: make(map[string]*memoEntry)}
}

func (m *weatherMemo) get(ctx context.Context, city string) (models.Weather, error) {
	key := models.CityKey(city)
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &memoEntry{}
		m.entries[key] = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		e.w, e.err = m.fetcher.Fetch(ctx, city)
	})
	return e.w, e.err
}

// Sweep pushes current weather to every endpoint with a known city that has
// not received a push within MinPushInterval. It stops at SweepBudget and
// reports what was done so far. Only storage failures abort it with an error.
func (o *Orchestrator) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	// The budget covers taking the lock too.
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SweepBudget)
	defer cancel()

	if o.locker != nil {
		release, acquired, err := o.locker.AcquireLock(ctx, sweepLockKey, o.cfg.SweepBudget+30*time.Second)
		switch {
		case err != nil:
			o.logger.Warn("sweep lock unavailable, sweeping without it", zap.Error(err))
		case !acquired:
			return Result{}, ErrSweepInProgress
		default:
			defer func() {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
				defer cancel()
				if err := release(rctx); err != nil {
					o.logger.Warn("failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	cities, err := o.store.FindAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load cities: %w", err)
	}

	memo := newWeatherMemo(o.fetcher)
	o.prefetch(ctx, memo, cities)

	t := &tally{trigger: "sweep"}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, c := range cities {
		g.Go(func() error {
			return o.sweepOne(gctx, c.Endpoint, memo, t)
		})
	}
	err = g.Wait()
	res := t.result()

	if err != nil {
		o.logger.Error("sweep aborted", zap.Error(err), zap.Any("result", res))
		return res, err
	}
	if ctx.Err() != nil {
		o.logger.Warn("sweep budget exhausted, returning partial result",
			zap.Duration("budget", o.cfg.SweepBudget),
			zap.Int("candidates", len(cities)),
			zap.Any("result", res),
		)
		return res, nil
	}

	o.logger.Info("sweep complete",
		zap.Int("candidates", len(cities)),
		zap.Int("sent", res.Sent),
		zap.Int("removed", res.Removed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// prefetch warms the memo for every city that has at least one candidate
// likely to pass the gates, one call per distinct city.
func (o *Orchestrator) prefetch(ctx context.Context, memo *weatherMemo, cities []models.LastCity) {
	now := o.now()
	names := make(map[string]string)
	for _, c := range cities {
		if !c.LastData.Complete() || c.PushedWithin(o.cfg.MinPushInterval, now) {
			continue
		}
		key := models.CityKey(c.Name)
		if _, ok := names[key]; !ok {
			names[key] = c.Name
		}
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for _, name := range names {
		g.Go(func() error {
			if _, err := memo.get(ctx, name); err != nil {
				o.logger.Warn("skipping city this round", zap.String("city", name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) sweepOne(ctx context.Context, endpoint string, memo *weatherMemo, t *tally) error {
	if ctx.Err() != nil {
		return nil
	}

	sub, err := o.store.GetSubscription(ctx, endpoint)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Debug("removing orphaned city record", zap.String("endpoint", shortEndpoint(endpoint)))
		if err := o.store.RemoveCity(ctx, endpoint); err != nil {
			return o.fatal(ctx, err)
		}
		t.add(outcomeSkipped)
		return nil
	}
	if err != nil {
		return o.fatal(ctx, err)
	}

	// Re-read so the gates see a city or push time written after FindAll.
	current, err := o.store.FindByEndpoint(ctx, endpoint)
	if errors.Is(err, store.ErrNotFound) {
		t.add(outcomeSkipped)
		return nil
	}
	if err != nil {
		return o.fatal(ctx, err)
	}

	if !current.LastData.Complete() {
		t.add(outcomeSkipped)
		return nil
	}
	if current.PushedWithin(o.cfg.MinPushInterval, o.now()) {
		t.add(outcomeSkipped)
		return nil
	}

	w, err := memo.get(ctx, current.Name)
	if err != nil {
		t.add(outcomeSkipped)
		return nil
	}

	payload := Build(current.Name, w, endpoint, o.cfg.IconBaseURL)
	return o.deliver(ctx, sub, payload, t)
}

// Manual pushes the weather for city to a single endpoint, ignoring
// MinPushInterval. A recent complete snapshot the client reported for the
// same city is used as is; otherwise the weather is fetched and stored.
func (o *Orchestrator) Manual(ctx context.Context, endpoint, city string) (Result, error) {
	t := &tally{trigger: "manual"}
	if err := o.manual(ctx, endpoint, city, t); err != nil {
		return t.result(), err
	}
	return t.result(), nil
}

func (o *Orchestrator) manual(ctx context.Context, endpoint, city string, t *tally) error {
	sub, err := o.store.GetSubscription(ctx, endpoint)
	if errors.Is(err, store.ErrNotFound) {
		t.add(outcomeSkipped)
		return nil
	}
	if err != nil {
		return err
	}

	lc, err := o.store.FindByEndpoint(ctx, endpoint)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	sameCity := err == nil && models.CityKey(lc.Name) == models.CityKey(city)
	now := o.now()

	var w models.Weather
	switch {
	case sameCity && !lc.LastData.Complete():
		o.logger.Debug("no complete snapshot for city, skipping manual push",
			zap.String("city", city), zap.String("endpoint", shortEndpoint(endpoint)))
		t.add(outcomeSkipped)
		return nil
	case sameCity && now.Sub(lc.UpdatedAt) <= o.cfg.SnapshotMaxAge:
		w = *lc.LastData
	default:
		fresh, err := o.fetcher.Fetch(ctx, city)
		if err != nil {
			o.logger.Warn("manual push skipped, weather unavailable", zap.String("city", city), zap.Error(err))
			t.add(outcomeSkipped)
			return nil
		}
		if err := o.store.UpsertCity(ctx, endpoint, city, &fresh, nil, now); err != nil {
			return err
		}
		w = fresh
	}

	return o.deliver(ctx, sub, Build(city, w, endpoint, o.cfg.IconBaseURL), t)
}

// ManualDetached runs Manual in the background, outliving the caller's
// request. Use Wait to drain pending runs on shutdown.
func (o *Orchestrator) ManualDetached(parent context.Context, endpoint, city string) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("panic in background manual push", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.cfg.SweepBudget)
		defer cancel()

		res, err := o.Manual(ctx, endpoint, city)
		if err != nil {
			o.logger.Error("background manual push failed", zap.String("city", city), zap.Error(err))
			return
		}
		o.logger.Info("background manual push complete", zap.String("city", city), zap.Any("result", res))
	}()
}

// Wait blocks until all background manual pushes have finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// deliver sends one payload and reconciles the outcome into the stores.
func (o *Orchestrator) deliver(ctx context.Context, sub models.Subscription, payload models.NotificationPayload, t *tally) error {
	err := o.sender.Send(ctx, sub, payload)
	if err == nil {
		if err := o.store.RecordPushSent(ctx, sub.Endpoint, o.now()); err != nil {
			return o.fatal(ctx, err)
		}
		t.add(outcomeSent)
		return nil
	}

	var de *DeliveryError
	if errors.As(err, &de) && de.Class == ClassGone {
		if err := o.store.RemoveSubscription(ctx, sub.Endpoint); err != nil {
			return o.fatal(ctx, err)
		}
		if err := o.store.RemoveCity(ctx, sub.Endpoint); err != nil {
			return o.fatal(ctx, err)
		}
		o.logger.Info("removed expired subscription",
			zap.String("endpoint", shortEndpoint(sub.Endpoint)),
			zap.Int("status", de.StatusCode),
		)
		t.add(outcomeRemoved)
		return nil
	}

	o.logger.Warn("push delivery failed",
		zap.String("endpoint", shortEndpoint(sub.Endpoint)),
		zap.String("notification_id", payload.ID),
		zap.Error(err),
	)
	t.add(outcomeFailed)
	return nil
}

// fatal decides whether a store error ends the run. Errors caused by the run
// budget running out are not storage failures.
func (o *Orchestrator) fatal(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
