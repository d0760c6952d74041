// Package cache implements the dual-tier key-value store behind the
// conversation repository.
//
// The remote tier is a NATS JetStream KeyValue bucket shared by every
// leadrelay instance. The fallback tier is an in-process map that only takes
// writes while the remote tier is unreachable. Callers never see an error
// from this package: a failed remote call is logged, counted, and answered
// from the fallback map.
//
// Example:
//
//	store := cache.NewTiered(remote, cache.DefaultConfig(), logger)
//	store.Set(ctx, key, []byte("value"), cache.DefaultTTLPolicy().For(tenant.ClassContext))
//	v, ok := store.Get(ctx, key)
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/leadrelay/internal/tenant"
)

// ErrSkipUpdate can be returned by an UpdateFunc to leave the record untouched.
var ErrSkipUpdate = errors.New("skip update")

// Tier reports where a write landed.
type Tier int

const (
	// TierNone means the write was not applied.
	TierNone Tier = iota
	// TierFallback means the write landed only in the in-process map.
	TierFallback
	// TierRemote means the write was acknowledged by the remote store.
	TierRemote
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierRemote:
		return "remote"
	case TierFallback:
		return "fallback"
	default:
		return "none"
	}
}

// UpdateFunc computes the next value of a record from its current value.
// It may run more than once when concurrent writers race on the remote tier,
// so it must not have side effects.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Store is the cache contract used by the repository and migration manager.
//
// Reads report absence with ok=false. Writes report the tier that accepted
// them. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) Tier
	Delete(ctx context.Context, key string)

	// Update atomically replaces the value at key with fn(current).
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, Tier)

	HGet(ctx context.Context, key, field string) ([]byte, bool)
	HSet(ctx context.Context, key, field string, value []byte, ttl time.Duration) Tier
	HDel(ctx context.Context, key string, ttl time.Duration, fields ...string) Tier
	// HUpdate atomically applies fn to the fields of the hash at key. fn may
	// return ErrSkipUpdate to leave the hash unchanged.
	HUpdate(ctx context.Context, key string, ttl time.Duration, fn func(fields map[string][]byte) error) Tier
	HGetAll(ctx context.Context, key string) (map[string][]byte, bool)

	// RemoteConfigured reports whether a remote tier exists at all.
	RemoteConfigured() bool
}

// TTLPolicy assigns a time-to-live to each data class.
type TTLPolicy struct {
	Context      time.Duration
	Mapping      time.Duration
	Organization time.Duration
	Ephemeral    time.Duration
}

// DefaultTTLPolicy returns the production TTLs: live context in hours,
// identity mappings and organization lookups in minutes, ephemeral caches in
// seconds.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Context:      4 * time.Hour,
		Mapping:      10 * time.Minute,
		Organization: 10 * time.Minute,
		Ephemeral:    30 * time.Second,
	}
}

// For returns the TTL of class.
func (p TTLPolicy) For(class tenant.DataClass) time.Duration {
	switch class {
	case tenant.ClassContext, tenant.ClassSummary, tenant.ClassConversation:
		return p.Context
	case tenant.ClassLeadByPhone, tenant.ClassPhoneByLead, tenant.ClassPhoneConversation:
		return p.Mapping
	case tenant.ClassOrganization:
		return p.Organization
	default:
		return p.Ephemeral
	}
}

// Longest returns the largest TTL in the policy. The remote bucket uses it as
// its maximum message age.
func (p TTLPolicy) Longest() time.Duration {
	longest := p.Context
	for _, d := range []time.Duration{p.Mapping, p.Organization, p.Ephemeral} {
		if d > longest {
			longest = d
		}
	}
	return longest
}
