package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/leadrelay/internal/tenant"
)

func newTestTiered(t *testing.T, remote Remote) (*Tiered, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := DefaultConfig()
	cfg.RetryInterval = time.Minute
	return NewTiered(remote, cfg, zap.New(core)), logs
}

func TestTiered_RemoteRoundTrip(t *testing.T) {
	ctx := context.Background()
	remote := NewFakeRemote()
	store, _ := newTestTiered(t, remote)

	tier := store.Set(ctx, "k", []byte("v"), time.Minute)
	assert.Equal(t, TierRemote, tier)
	assert.True(t, remote.Has("k"))

	got, ok := store.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	store.Delete(ctx, "k")
	_, ok = store.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTiered_NoRemoteUsesFallback(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestTiered(t, nil)

	assert.False(t, store.RemoteConfigured())
	assert.Equal(t, TierFallback, store.Set(ctx, "k", []byte("v"), time.Minute))

	got, ok := store.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	assert.ErrorIs(t, store.Ping(ctx), ErrNoRemote)

	stats := store.Stats()
	assert.False(t, stats.RemoteConfigured)
	assert.Equal(t, uint64(1), stats.FallbackHits)
}

func TestTiered_OutageFallsBackAndLogsOnce(t *testing.T) {
	ctx := context.Background()
	remote := NewFakeRemote()
	store, logs := newTestTiered(t, remote)

	remote.SetDown(true)

	for i := 0; i < 3; i++ {
		tier := store.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
		assert.Equal(t, TierFallback, tier)
	}

	got, ok := store.Get(ctx, "k1")
	require.True(t, ok, "value written during outage must be readable")
	assert.Equal(t, []byte("v"), got)

	assert.Equal(t, 1, logs.FilterMessage("remote cache unavailable, serving from fallback").Len())
	assert.Equal(t, int64(1), remote.Calls(), "remote skipped during retry window")

	stats := store.Stats()
	assert.False(t, stats.RemoteConnected)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Equal(t, 3, stats.FallbackEntries)
}

func TestTiered_RecoversAfterRetryInterval(t *testing.T) {
	ctx := context.Background()
	remote := NewFakeRemote()
	store, logs := newTestTiered(t, remote)
	now := time.Now()
	store.now = func() time.Time { return now }

	remote.SetDown(true)
	assert.Equal(t, TierFallback, store.Set(ctx, "k", []byte("old"), time.Minute))

	remote.SetDown(false)
	assert.Equal(t, TierFallback, store.Set(ctx, "k", []byte("still-old"), time.Minute),
		"remote not retried inside the window")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, TierRemote, store.Set(ctx, "k", []byte("new"), time.Minute))
	assert.Equal(t, 1, logs.FilterMessage("remote cache recovered").Len())

	got, ok := store.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got)
	assert.Equal(t, 0, store.Stats().FallbackEntries, "remote write clears fallback copy")
}

func TestTiered_RemoteMissConsultsFallback(t *testing.T) {
	ctx := context.Background()
	remote := NewFakeRemote()
	store, _ := newTestTiered(t, remote)
	now := time.Now()
	store.now = func() time.Time { return now }

	remote.SetDown(true)
	store.Set(ctx, "k", []byte("v"), time.Minute)
	remote.SetDown(false)
	now = now.Add(2 * time.Minute)

	got, ok := store.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestTiered_UpdateAppliesAtomically(t *testing.T) {
	ctx := context.Background()
	remote := NewFakeRemote()
	store, _ := newTestTiered(t, remote)
	// Each conflict means another writer succeeded, so 20 writers need at
	// most 20 attempts each.
	store.cfg.MaxUpdateAttempts = 25

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Update(ctx, "n", time.Minute, func(current []byte, found bool) ([]byte, error) {
				return append(current, 'x'), nil
			})
		}()
	}
	wg.Wait()

	got, ok := store.Get(ctx, "n")
	require.True(t, ok)
	assert.Len(t, got, 20, "no lost updates")
}

func TestTiered_UpdateSkip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestTiered(t, NewFakeRemote())

	store.Set(ctx, "k", []byte("v"), time.Minute)
	next, tier := store.Update(ctx, "k", time.Minute, func([]byte, bool) ([]byte, error) {
		return nil, ErrSkipUpdate
	})
	assert.Nil(t, next)
	assert.Equal(t, TierNone, tier)

	got, _ := store.Get(ctx, "k")
	assert.Equal(t, []byte("v"), got)
}

func TestTiered_UpdateDuringOutage(t *testing.T) {
	ctx := context.Background()
	remote := NewFakeRemote()
	store, _ := newTestTiered(t, remote)
	remote.SetDown(true)

	next, tier := store.Update(ctx, "k", time.Minute, func(current []byte, found bool) ([]byte, error) {
		assert.False(t, found)
		return []byte("1"), nil
	})
	assert.Equal(t, TierFallback, tier)
	assert.Equal(t, []byte("1"), next)
}

func TestTiered_UpdateUsesFallbackBaseAfterRecovery(t *testing.T) {
	ctx := context.Background()
	remote := NewFakeRemote()
	store, _ := newTestTiered(t, remote)
	now := time.Now()
	store.now = func() time.Time { return now }

	remote.SetDown(true)
	store.Set(ctx, "k", []byte("a"), time.Minute)
	remote.SetDown(false)
	now = now.Add(2 * time.Minute)

	next, tier := store.Update(ctx, "k", time.Minute, func(current []byte, found bool) ([]byte, error) {
		return append(current, 'b'), nil
	})
	assert.Equal(t, TierRemote, tier)
	assert.Equal(t, []byte("ab"), next)
	assert.True(t, remote.Has("k"))
}

func TestTiered_OutageWriteWinsAfterRecovery(t *testing.T) {
	ctx := context.Background()
	remote := NewFakeRemote()
	store, _ := newTestTiered(t, remote)
	now := time.Now()
	store.now = func() time.Time { return now }

	require.Equal(t, TierRemote, store.Set(ctx, "k", []byte("old"), time.Minute))
	remote.SetDown(true)
	require.Equal(t, TierFallback, store.Set(ctx, "k", []byte("new"), time.Minute))
	remote.SetDown(false)
	now = now.Add(2 * time.Minute)

	got, ok := store.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got, "older remote copy must not hide the outage write")

	next, tier := store.Update(ctx, "k", time.Minute, func(current []byte, found bool) ([]byte, error) {
		assert.True(t, found)
		return append(current, '+'), nil
	})
	assert.Equal(t, TierRemote, tier)
	assert.Equal(t, []byte("new+"), next)
	assert.Equal(t, 0, store.Stats().FallbackEntries)

	got, ok = store.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("new+"), got)
}

// cancelAwareRemote fails with the caller's context error, like a real client.
type cancelAwareRemote struct {
	*FakeRemote
}

func (r cancelAwareRemote) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return r.FakeRemote.Get(ctx, key)
}

// hangingRemote never answers a Get before the context ends.
type hangingRemote struct {
	*FakeRemote
}

func (r hangingRemote) Get(ctx context.Context, _ string) ([]byte, uint64, error) {
	<-ctx.Done()
	return nil, 0, ctx.Err()
}

func TestTiered_CallerCancellationIsNotAnOutage(t *testing.T) {
	remote := cancelAwareRemote{NewFakeRemote()}
	store, logs := newTestTiered(t, remote)
	require.Equal(t, TierRemote, store.Set(context.Background(), "k", []byte("v"), time.Minute))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := store.Get(cancelled, "k")
	assert.False(t, ok)

	stats := store.Stats()
	assert.Zero(t, stats.Errors)
	assert.True(t, stats.RemoteConnected)
	assert.Zero(t, logs.FilterMessage("remote cache unavailable, serving from fallback").Len())
	assert.Equal(t, TierRemote, store.Set(context.Background(), "k2", []byte("v"), time.Minute))
}

func TestTiered_RemoteTimeoutIsAnOutage(t *testing.T) {
	store, logs := newTestTiered(t, hangingRemote{NewFakeRemote()})
	store.cfg.RemoteTimeout = 10 * time.Millisecond

	_, ok := store.Get(context.Background(), "k")
	assert.False(t, ok)

	stats := store.Stats()
	assert.Equal(t, uint64(1), stats.Errors)
	assert.False(t, stats.RemoteConnected)
	assert.Equal(t, 1, logs.FilterMessage("remote cache unavailable, serving from fallback").Len())
}

func TestTiered_ExpiredValueAbsentFromBothTiers(t *testing.T) {
	ctx := context.Background()
	remote := NewFakeRemote()
	store, _ := newTestTiered(t, remote)
	now := time.Now()
	clock := func() time.Time { return now }
	store.now = clock
	store.fallback.now = clock
	remote.now = clock

	require.Equal(t, TierRemote, store.Set(ctx, "on-remote", []byte("v"), time.Second))
	remote.SetDown(true)
	require.Equal(t, TierFallback, store.Set(ctx, "on-fallback", []byte("v"), time.Second))
	remote.SetDown(false)

	// Past both the TTL and the retry window.
	now = now.Add(2 * time.Minute)

	for _, key := range []string{"on-remote", "on-fallback"} {
		_, ok := store.Get(ctx, key)
		assert.False(t, ok, key)
	}
	assert.False(t, remote.Has("on-remote"))
	assert.Equal(t, 0, store.Stats().FallbackEntries)
}

func TestTiered_Hash(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestTiered(t, NewFakeRemote())

	assert.Equal(t, TierRemote, store.HSet(ctx, "h", "a", []byte("1"), time.Minute))
	assert.Equal(t, TierRemote, store.HSet(ctx, "h", "b", []byte("2"), time.Minute))

	v, ok := store.HGet(ctx, "h", "a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	all, ok := store.HGetAll(ctx, "h")
	require.True(t, ok)
	assert.Len(t, all, 2)

	store.HDel(ctx, "h", time.Minute, "a")
	_, ok = store.HGet(ctx, "h", "a")
	assert.False(t, ok)

	store.HDel(ctx, "h", time.Minute, "b")
	_, ok = store.HGetAll(ctx, "h")
	assert.False(t, ok, "empty hash reads as absent")

	assert.Equal(t, TierNone, store.HDel(ctx, "missing", time.Minute, "x"))
}

func TestTTLPolicy_For(t *testing.T) {
	p := DefaultTTLPolicy()

	assert.Equal(t, 4*time.Hour, p.For(tenant.ClassContext))
	assert.Equal(t, 4*time.Hour, p.For(tenant.ClassSummary))
	assert.Equal(t, 10*time.Minute, p.For(tenant.ClassLeadByPhone))
	assert.Equal(t, 10*time.Minute, p.For(tenant.ClassPhoneByLead))
	assert.Equal(t, 10*time.Minute, p.For(tenant.ClassOrganization))
	assert.Equal(t, 30*time.Second, p.For(tenant.ClassPerf))
	assert.Equal(t, 4*time.Hour, p.Longest())
}

func TestTier_String(t *testing.T) {
	assert.Equal(t, "remote", TierRemote.String())
	assert.Equal(t, "fallback", TierFallback.String())
	assert.Equal(t, "none", TierNone.String())
}
