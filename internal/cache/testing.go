package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRemoteDown is returned by FakeRemote while it is marked down.
var ErrRemoteDown = errors.New("cache: fake remote down")

// FakeRemote is an in-process Remote for tests. It keeps revisions so
// compare-and-put behaves like the real store, and it can be switched into an
// outage with SetDown.
type FakeRemote struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	rev     uint64
	down    atomic.Bool
	calls   atomic.Int64
	now     func() time.Time
}

type fakeEntry struct {
	value     []byte
	rev       uint64
	expiresAt time.Time
}

// NewFakeRemote returns an empty, reachable fake.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{entries: make(map[string]fakeEntry), now: time.Now}
}

// SetDown toggles the simulated outage.
func (f *FakeRemote) SetDown(down bool) {
	f.down.Store(down)
}

// Calls returns how many calls reached the fake, including failed ones.
func (f *FakeRemote) Calls() int64 {
	return f.calls.Load()
}

// Has reports whether key holds an unexpired value, ignoring outages.
func (f *FakeRemote) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return ok && !f.expired(e)
}

func (f *FakeRemote) check() error {
	f.calls.Add(1)
	if f.down.Load() {
		return ErrRemoteDown
	}
	return nil
}

func (f *FakeRemote) expired(e fakeEntry) bool {
	return !e.expiresAt.IsZero() && !f.now().Before(e.expiresAt)
}

// Get implements Remote.
func (f *FakeRemote) Get(_ context.Context, key string) ([]byte, uint64, error) {
	if err := f.check(); err != nil {
		return nil, 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	if f.expired(e) {
		return nil, e.rev, ErrNotFound
	}
	return cloneBytes(e.value), e.rev, nil
}

// Put implements Remote.
func (f *FakeRemote) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeLocked(key, value, ttl)
	return nil
}

// CompareAndPut implements Remote.
func (f *FakeRemote) CompareAndPut(_ context.Context, key string, value []byte, ttl time.Duration, rev uint64) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var current uint64
	if e, ok := f.entries[key]; ok {
		current = e.rev
	}
	if current != rev {
		return ErrConflict
	}
	f.storeLocked(key, value, ttl)
	return nil
}

func (f *FakeRemote) storeLocked(key string, value []byte, ttl time.Duration) {
	f.rev++
	e := fakeEntry{value: cloneBytes(value), rev: f.rev}
	if ttl > 0 {
		e.expiresAt = f.now().Add(ttl)
	}
	f.entries[key] = e
}

// Delete implements Remote.
func (f *FakeRemote) Delete(_ context.Context, key string) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

// Ping implements Remote.
func (f *FakeRemote) Ping(context.Context) error {
	return f.check()
}
