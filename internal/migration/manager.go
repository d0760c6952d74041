// Package migration moves conversation state held in process memory into the
// shared cache.
//
// A record is removed from the legacy state only after the cache confirmed
// the write, and only if nobody changed the record while it was being
// written. Everything else stays behind for the next pass, so running the
// migration again is always safe and a drained state makes it a no-op.
package migration

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/cache"
	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
)

// ErrRunning is returned when a pass is already in progress.
var ErrRunning = errors.New("migration already running")

// Category names a kind of legacy record.
type Category string

const (
	CategoryContexts      Category = "contexts"
	CategorySummaries     Category = "summaries"
	CategoryLeadMappings  Category = "lead_mappings"
	CategoryConversations Category = "conversations"
)

// Categories returns every category in migration order.
func Categories() []Category {
	return []Category{CategoryConversations, CategoryLeadMappings, CategorySummaries, CategoryContexts}
}

// Target receives migrated records. conversation.Repository implements it.
type Target interface {
	ImportContext(ctx context.Context, org, phone string, msgs []conversation.Message) (cache.Tier, error)
	ImportSummary(ctx context.Context, org, phone string, s conversation.Summary) (cache.Tier, error)
	ImportLeadMapping(ctx context.Context, org, phone, leadID string) (cache.Tier, error)
	ImportConversation(ctx context.Context, meta conversation.Meta) (cache.Tier, error)
}

var _ Target = (*conversation.Repository)(nil)

// Config configures a Manager.
type Config struct {
	// AllowFallback accepts writes that only reached the in-process fallback
	// tier. Leave it off when a remote tier is configured, otherwise records
	// migrated during an outage are lost on restart.
	AllowFallback bool
}

// Report summarizes one migration pass.
type Report struct {
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	// Migrated counts records written and removed from the legacy state.
	Migrated map[Category]int `json:"migrated"`
	// Superseded counts records dropped because the cache already held newer state.
	Superseded map[Category]int `json:"superseded"`
	// Skipped counts records written but kept because they changed during the pass.
	Skipped int `json:"skipped"`
	// Errors counts records whose write failed. They stay in the legacy state.
	Errors      int  `json:"errors"`
	Remaining   int  `json:"remaining"`
	Interrupted bool `json:"interrupted,omitempty"`
}

// Total returns the number of records removed from the legacy state.
func (r Report) Total() int {
	total := 0
	for _, n := range r.Migrated {
		total += n
	}
	for _, n := range r.Superseded {
		total += n
	}
	return total
}

// Manager runs migration passes from a LegacyState into a Target.
type Manager struct {
	legacy  *LegacyState
	target  Target
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	running sync.Mutex
	mu      sync.Mutex
	last    *Report
}

// NewManager creates a manager.
func NewManager(legacy *LegacyState, target Target, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		legacy:  legacy,
		target:  target,
		cfg:     cfg,
		logger:  logger.Named("migration"),
		metrics: NewMetrics(),
	}
}

// Legacy returns the state the manager drains.
func (m *Manager) Legacy() *LegacyState {
	return m.legacy
}

// LastReport returns the report of the most recent completed pass.
func (m *Manager) LastReport() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}

type outcome int

const (
	outcomeMigrated outcome = iota
	outcomeSuperseded
	outcomeSkipped
	outcomeFailed
)

// Run performs one migration pass. It returns ErrRunning if another pass is
// in progress and ctx.Err() if the pass was interrupted; the report is valid
// in both the success and the interrupted case.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	if !m.running.TryLock() {
		return Report{}, ErrRunning
	}
	defer m.running.Unlock()

	start := time.Now()
	report := Report{
		StartedAt:  start.UTC(),
		Migrated:   map[Category]int{},
		Superseded: map[Category]int{},
	}
	m.logger.Info("migration started", zap.Int("legacy_records", m.legacy.Len()))

	var err error
	for _, cat := range Categories() {
		if err = m.runCategory(ctx, cat, &report); err != nil {
			report.Interrupted = true
			break
		}
	}

	elapsed := time.Since(start)
	report.Duration = elapsed.String()
	report.Remaining = m.legacy.Len()
	m.metrics.Runs.Inc()
	m.metrics.Duration.Observe(elapsed.Seconds())
	m.metrics.Remaining.Set(float64(report.Remaining))

	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()

	fields := []zap.Field{
		zap.Int("migrated", report.Total()),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
		zap.Int("remaining", report.Remaining),
		zap.Duration("duration", elapsed),
	}
	if report.Errors > 0 || report.Interrupted {
		m.logger.Warn("migration finished with records left behind", fields...)
	} else {
		m.logger.Info("migration finished", fields...)
	}
	return report, err
}

func (m *Manager) runCategory(ctx context.Context, cat Category, report *Report) error {
	tally := func(result outcome) {
		m.metrics.Records.WithLabelValues(string(cat), result.String()).Inc()
		switch result {
		case outcomeMigrated:
			report.Migrated[cat]++
		case outcomeSuperseded:
			report.Superseded[cat]++
		case outcomeSkipped:
			report.Skipped++
		case outcomeFailed:
			report.Errors++
		}
	}

	switch cat {
	case CategoryContexts:
		return drain(ctx, m, cat, &m.legacy.contexts, tally,
			func(k CustomerKey, _ []conversation.Message) string { return k.Org },
			func(k CustomerKey, v []conversation.Message) (cache.Tier, error) {
				return m.target.ImportContext(ctx, k.Org, k.Phone, v)
			})
	case CategorySummaries:
		return drain(ctx, m, cat, &m.legacy.summaries, tally,
			func(k CustomerKey, _ conversation.Summary) string { return k.Org },
			func(k CustomerKey, v conversation.Summary) (cache.Tier, error) {
				return m.target.ImportSummary(ctx, k.Org, k.Phone, v)
			})
	case CategoryLeadMappings:
		return drain(ctx, m, cat, &m.legacy.leads, tally,
			func(k CustomerKey, _ string) string { return k.Org },
			func(k CustomerKey, v string) (cache.Tier, error) {
				return m.target.ImportLeadMapping(ctx, k.Org, k.Phone, v)
			})
	case CategoryConversations:
		return drain(ctx, m, cat, &m.legacy.conversations, tally,
			func(_ string, v conversation.Meta) string { return v.Org },
			func(_ string, v conversation.Meta) (cache.Tier, error) {
				return m.target.ImportConversation(ctx, v)
			})
	}
	return nil
}

// drain migrates every record of t present when the call starts.
func drain[K comparable, V any](
	ctx context.Context,
	m *Manager,
	cat Category,
	t *table[K, V],
	tally func(outcome),
	orgOf func(K, V) string,
	write func(K, V) (cache.Tier, error),
) error {
	for _, p := range list(m.legacy, t) {
		if err := ctx.Err(); err != nil {
			return err
		}
		tally(m.migrateOne(cat, orgOf(p.key, p.value),
			func() (cache.Tier, error) { return write(p.key, p.value) },
			func() bool { return remove(m.legacy, t, p.key, p.version) },
		))
	}
	return nil
}

func (m *Manager) migrateOne(cat Category, org string, write func() (cache.Tier, error), removeIfUnchanged func() bool) outcome {
	tier, err := write()
	superseded := errors.Is(err, conversation.ErrSuperseded)
	switch {
	case superseded:
	case err != nil:
		m.logger.Warn("legacy record rejected",
			zap.String("category", string(cat)),
			zap.String("org.id", org),
			zap.Error(err),
		)
		return outcomeFailed
	case tier == cache.TierNone, tier == cache.TierFallback && !m.cfg.AllowFallback:
		m.logger.Debug("legacy record not confirmed by cache",
			zap.String("category", string(cat)),
			zap.String("org.id", org),
			zap.Stringer("tier", tier),
		)
		return outcomeFailed
	}

	if !removeIfUnchanged() {
		return outcomeSkipped
	}
	if superseded {
		return outcomeSuperseded
	}
	return outcomeMigrated
}

func (o outcome) String() string {
	switch o {
	case outcomeMigrated:
		return "migrated"
	case outcomeSuperseded:
		return "superseded"
	case outcomeSkipped:
		return "skipped"
	default:
		return "error"
	}
}
