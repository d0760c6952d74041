package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNoRemote is returned by Ping when the store runs without a remote tier.
var ErrNoRemote = errors.New("cache: no remote tier configured")

// Config tunes the tiered store.
type Config struct {
	// RemoteTimeout bounds every remote call.
	RemoteTimeout time.Duration
	// RetryInterval is how long the remote is skipped after a failure.
	RetryInterval time.Duration
	// FallbackMaxEntries caps the in-process map. Zero means unbounded.
	FallbackMaxEntries int
	// MaxUpdateAttempts bounds compare-and-put retries in Update.
	MaxUpdateAttempts int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RemoteTimeout:      250 * time.Millisecond,
		RetryInterval:      5 * time.Second,
		FallbackMaxEntries: 10000,
		MaxUpdateAttempts:  8,
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits             uint64        `json:"hits"`
	Misses           uint64        `json:"misses"`
	FallbackHits     uint64        `json:"fallback_hits"`
	Sets             uint64        `json:"sets"`
	Errors           uint64        `json:"errors"`
	AvgRemoteLatency time.Duration `json:"avg_remote_latency_ns"`
	FallbackEntries  int           `json:"fallback_entries"`
	RemoteConfigured bool          `json:"remote_configured"`
	RemoteConnected  bool          `json:"remote_connected"`
}

// Tiered is a Store that prefers the shared remote tier and falls back to
// process memory while the remote is unreachable.
type Tiered struct {
	remote   Remote
	fallback *Memory
	cfg      Config
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time

	// downUntil is the unix-nano deadline before which the remote is
	// skipped. Non-zero also marks that the last remote call failed.
	downUntil atomic.Int64

	hits         atomic.Uint64
	misses       atomic.Uint64
	fallbackHits atomic.Uint64
	sets         atomic.Uint64
	errs         atomic.Uint64
	latencyNanos atomic.Int64
	latencyCount atomic.Int64
}

var _ Store = (*Tiered)(nil)

// NewTiered creates a tiered store. remote may be nil, in which case every
// operation is served by the fallback map.
func NewTiered(remote Remote, cfg Config, logger *zap.Logger) *Tiered {
	defaults := DefaultConfig()
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = defaults.RemoteTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	if cfg.MaxUpdateAttempts <= 0 {
		cfg.MaxUpdateAttempts = defaults.MaxUpdateAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tiered{
		remote:   remote,
		fallback: NewMemory(cfg.FallbackMaxEntries),
		cfg:      cfg,
		logger:   logger.Named("cache"),
		metrics:  NewMetrics(),
		now:      time.Now,
	}
	if remote != nil {
		t.metrics.RemoteUp.Set(1)
	}
	return t
}

// RemoteConfigured implements Store.
func (t *Tiered) RemoteConfigured() bool {
	return t.remote != nil
}

func (t *Tiered) remoteAvailable() bool {
	if t.remote == nil {
		return false
	}
	return t.now().UnixNano() >= t.downUntil.Load()
}

// call runs fn against the remote tier with the configured timeout and
// records the outcome. ErrNotFound and ErrConflict are answers, not outages.
// A caller that cancelled its own context says nothing about the remote.
func (t *Tiered) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.RemoteTimeout)
	defer cancel()

	start := t.now()
	err := fn(callCtx)
	elapsed := t.now().Sub(start)
	t.latencyNanos.Add(int64(elapsed))
	t.latencyCount.Add(1)
	t.metrics.RemoteLatency.WithLabelValues(op).Observe(elapsed.Seconds())

	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		t.markUp()
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	t.markDown(op, err)
	return err
}

func (t *Tiered) markDown(op string, err error) {
	t.errs.Add(1)
	t.metrics.RemoteErrors.WithLabelValues(op).Inc()
	t.metrics.RemoteUp.Set(0)
	prev := t.downUntil.Swap(t.now().Add(t.cfg.RetryInterval).UnixNano())
	if prev == 0 {
		t.logger.Warn("remote cache unavailable, serving from fallback",
			zap.String("op", op),
			zap.Duration("retry_in", t.cfg.RetryInterval),
			zap.Error(err),
		)
	}
}

func (t *Tiered) markUp() {
	if t.downUntil.Swap(0) != 0 {
		t.metrics.RemoteUp.Set(1)
		t.logger.Info("remote cache recovered")
	}
}

// Get implements Store. A fallback copy is dropped by the next successful
// remote write of its key, so while it exists it is never older than the
// remote copy and is served first.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := t.fallback.Get(key); ok {
		t.hits.Add(1)
		t.fallbackHits.Add(1)
		t.metrics.OperationsTotal.WithLabelValues("get", "fallback", "hit").Inc()
		return value, true
	}

	if !t.remoteAvailable() {
		t.misses.Add(1)
		t.metrics.OperationsTotal.WithLabelValues("get", "fallback", "miss").Inc()
		return nil, false
	}
	var value []byte
	err := t.call(ctx, "get", func(ctx context.Context) error {
		var err error
		value, _, err = t.remote.Get(ctx, key)
		return err
	})
	if err != nil {
		t.misses.Add(1)
		t.metrics.OperationsTotal.WithLabelValues("get", "remote", "miss").Inc()
		return nil, false
	}
	t.hits.Add(1)
	t.metrics.OperationsTotal.WithLabelValues("get", "remote", "hit").Inc()
	return value, true
}

// Set implements Store.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) Tier {
	t.sets.Add(1)
	if t.remoteAvailable() {
		err := t.call(ctx, "set", func(ctx context.Context) error {
			return t.remote.Put(ctx, key, value, ttl)
		})
		if err == nil {
			t.fallback.Delete(key)
			t.metrics.OperationsTotal.WithLabelValues("set", "remote", "ok").Inc()
			return TierRemote
		}
	}
	t.fallback.Set(key, value, ttl)
	t.observeFallback()
	t.metrics.OperationsTotal.WithLabelValues("set", "fallback", "ok").Inc()
	return TierFallback
}

// Delete implements Store. The fallback copy is always removed; the remote
// copy is removed when the remote is reachable.
func (t *Tiered) Delete(ctx context.Context, key string) {
	if t.remoteAvailable() {
		_ = t.call(ctx, "delete", func(ctx context.Context) error {
			return t.remote.Delete(ctx, key)
		})
	}
	t.fallback.Delete(key)
	t.observeFallback()
}

// Update implements Store. On the remote tier it runs a compare-and-put loop
// so concurrent writers on any instance never lose each other's changes. On
// the fallback tier it runs under the map lock.
func (t *Tiered) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, Tier) {
	if t.remoteAvailable() {
		next, tier, done := t.updateRemote(ctx, key, ttl, fn)
		if done {
			return next, tier
		}
	}

	next, ok, err := t.fallback.Update(key, ttl, fn)
	if err != nil {
		if !errors.Is(err, ErrSkipUpdate) {
			t.logger.Warn("cache update rejected", zap.String("key", key), zap.Error(err))
		}
		return nil, TierNone
	}
	if !ok {
		return nil, TierNone
	}
	t.sets.Add(1)
	t.observeFallback()
	t.metrics.OperationsTotal.WithLabelValues("update", "fallback", "ok").Inc()
	return next, TierFallback
}

// updateRemote returns done=false when the remote failed and the caller
// should retry against the fallback.
func (t *Tiered) updateRemote(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, Tier, bool) {
	for attempt := 0; attempt < t.cfg.MaxUpdateAttempts; attempt++ {
		var (
			current []byte
			rev     uint64
		)
		err := t.call(ctx, "get", func(ctx context.Context) error {
			var err error
			current, rev, err = t.remote.Get(ctx, key)
			return err
		})
		found := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, TierNone, false
		}
		// A value written during an outage is newer than the remote copy and
		// is the base for the first remote write after recovery. rev still
		// guards against concurrent remote writers.
		if pending, ok := t.fallback.Get(key); ok {
			current, found = pending, true
		}

		next, err := fn(current, found)
		if err != nil {
			if !errors.Is(err, ErrSkipUpdate) {
				t.logger.Warn("cache update rejected", zap.String("key", key), zap.Error(err))
			}
			return nil, TierNone, true
		}

		err = t.call(ctx, "update", func(ctx context.Context) error {
			return t.remote.CompareAndPut(ctx, key, next, ttl, rev)
		})
		switch {
		case err == nil:
			t.sets.Add(1)
			t.fallback.Delete(key)
			t.metrics.OperationsTotal.WithLabelValues("update", "remote", "ok").Inc()
			return next, TierRemote, true
		case errors.Is(err, ErrConflict):
			t.metrics.UpdateConflicts.Inc()
			continue
		default:
			return nil, TierNone, false
		}
	}

	t.errs.Add(1)
	t.metrics.OperationsTotal.WithLabelValues("update", "remote", "error").Inc()
	t.logger.Warn("cache update gave up after repeated conflicts",
		zap.String("key", key),
		zap.Int("attempts", t.cfg.MaxUpdateAttempts),
	)
	return nil, TierNone, true
}

// HGet implements Store.
func (t *Tiered) HGet(ctx context.Context, key, field string) ([]byte, bool) {
	fields, ok := t.HGetAll(ctx, key)
	if !ok {
		return nil, false
	}
	v, ok := fields[field]
	return v, ok
}

// HSet implements Store.
func (t *Tiered) HSet(ctx context.Context, key, field string, value []byte, ttl time.Duration) Tier {
	return t.HUpdate(ctx, key, ttl, func(fields map[string][]byte) error {
		fields[field] = value
		return nil
	})
}

// HUpdate implements Store.
func (t *Tiered) HUpdate(ctx context.Context, key string, ttl time.Duration, fn func(fields map[string][]byte) error) Tier {
	_, tier := t.Update(ctx, key, ttl, func(current []byte, found bool) ([]byte, error) {
		fields := decodeHash(current, found)
		if err := fn(fields); err != nil {
			return nil, err
		}
		return json.Marshal(fields)
	})
	return tier
}

// HDel implements Store.
func (t *Tiered) HDel(ctx context.Context, key string, ttl time.Duration, fields ...string) Tier {
	_, tier := t.Update(ctx, key, ttl, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, ErrSkipUpdate
		}
		hash := decodeHash(current, found)
		for _, f := range fields {
			delete(hash, f)
		}
		return json.Marshal(hash)
	})
	return tier
}

// HGetAll implements Store. An empty hash is reported as absent.
func (t *Tiered) HGetAll(ctx context.Context, key string) (map[string][]byte, bool) {
	raw, ok := t.Get(ctx, key)
	if !ok {
		return nil, false
	}
	fields := decodeHash(raw, true)
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

func decodeHash(raw []byte, found bool) map[string][]byte {
	fields := make(map[string][]byte)
	if !found || len(raw) == 0 {
		return fields
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return make(map[string][]byte)
	}
	return fields
}

// Ping checks the remote tier. It bypasses the retry window so health
// checks observe recovery immediately.
func (t *Tiered) Ping(ctx context.Context) error {
	if t.remote == nil {
		return ErrNoRemote
	}
	return t.call(ctx, "ping", t.remote.Ping)
}

// Stats returns a snapshot of the cache counters.
func (t *Tiered) Stats() Stats {
	s := Stats{
		Hits:             t.hits.Load(),
		Misses:           t.misses.Load(),
		FallbackHits:     t.fallbackHits.Load(),
		Sets:             t.sets.Load(),
		Errors:           t.errs.Load(),
		FallbackEntries:  t.fallback.Len(),
		RemoteConfigured: t.remote != nil,
		RemoteConnected:  t.remote != nil && t.downUntil.Load() == 0,
	}
	if n := t.latencyCount.Load(); n > 0 {
		s.AvgRemoteLatency = time.Duration(t.latencyNanos.Load() / n)
	}
	return s
}

// Run sweeps expired fallback entries every interval until ctx is done.
func (t *Tiered) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.fallback.Sweep(); n > 0 {
				t.logger.Debug("swept expired fallback entries", zap.Int("removed", n))
			}
			t.observeFallback()
		}
	}
}

func (t *Tiered) observeFallback() {
	t.metrics.FallbackEntries.Set(float64(t.fallback.Len()))
}
