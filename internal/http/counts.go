package http

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/leadrelay/internal/cache"
)

// CacheHealth reports on the dual-tier cache. cache.Tiered implements it.
type CacheHealth interface {
	Stats() cache.Stats
	Ping(ctx context.Context) error
}

// CacheHealthFromStats summarizes the cache counters.
//
// The cache is "healthy" when the remote tier answers or when no remote tier
// is configured at all (fallback-only deployments). A configured but
// unreachable remote tier is "degraded": requests are still served, from the
// in-process map. The hit ratio is -1 before the first read.
func CacheHealthFromStats(stats cache.Stats, pingErr error) CacheHealthResponse {
	resp := CacheHealthResponse{
		Status:           "healthy",
		RemoteConfigured: stats.RemoteConfigured,
		RemoteConnected:  stats.RemoteConnected,
		HitRatio:         -1,
		AvgLatencyMillis: float64(stats.AvgRemoteLatency) / float64(time.Millisecond),
		FallbackEntries:  stats.FallbackEntries,
		Stats:            stats,
	}
	if reads := stats.Hits + stats.Misses; reads > 0 {
		resp.HitRatio = float64(stats.Hits) / float64(reads)
	}
	if pingErr != nil && !errors.Is(pingErr, cache.ErrNoRemote) {
		resp.Status = "degraded"
		resp.RemoteConnected = false
		resp.Error = pingErr.Error()
	}
	return resp
}
