package conversation

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/cache"
	"github.com/fyrsmithlabs/leadrelay/internal/logging"
	"github.com/fyrsmithlabs/leadrelay/internal/phone"
	"github.com/fyrsmithlabs/leadrelay/internal/tenant"
)

const (
	summaryField   = "summary"
	updatedAtField = "updated_at"
	orgNameID      = "name"
)

// DefaultMaxMessages is the context cap used when Config.MaxMessages is unset.
const DefaultMaxMessages = 50

// Config configures a Repository.
type Config struct {
	// MaxMessages caps a context; older messages are evicted first.
	MaxMessages int
	TTL         cache.TTLPolicy
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessages: DefaultMaxMessages,
		TTL:         cache.DefaultTTLPolicy(),
	}
}

// Option configures optional collaborators.
type Option func(*Repository)

// WithArchive sets the long-term store that receives message and summary copies.
func WithArchive(a Archive) Option {
	return func(r *Repository) { r.archive = a }
}

// WithDirectory sets the organization directory consulted on a name miss.
func WithDirectory(d Directory) Option {
	return func(r *Repository) { r.directory = d }
}

// Repository is the conversation state API used by webhook handlers, the
// broadcaster and dashboard actions.
type Repository struct {
	store     cache.Store
	cfg       Config
	archive   Archive
	directory Directory
	logger    *zap.Logger
	now       func() time.Time
}

// NewRepository creates a repository on top of store.
func NewRepository(store cache.Store, cfg Config, logger *zap.Logger, opts ...Option) *Repository {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.TTL == (cache.TTLPolicy{}) {
		cfg.TTL = cache.DefaultTTLPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("conversation"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// customerKey returns the key of a per-customer record and the canonical
// phone number it was built from.
func customerKey(class tenant.DataClass, org, rawPhone string) (string, string, error) {
	if org == "" {
		return "", "", ErrMissingOrganization
	}
	canonical := phone.Normalize(rawPhone)
	if canonical == "" {
		return "", "", ErrMissingPhone
	}
	key, err := tenant.OrgKey(class, org, canonical)
	return key, canonical, err
}

// GetContext returns the message context for a customer, oldest first. It
// returns nil when the call cannot be scoped or nothing is stored.
func (r *Repository) GetContext(ctx context.Context, org, customerPhone string) []Message {
	key, _, err := customerKey(tenant.ClassContext, org, customerPhone)
	if err != nil {
		return nil
	}
	raw, ok := r.store.Get(ctx, key)
	if !ok {
		return nil
	}
	return r.decodeMessages(key, raw)
}

// SetContext replaces the whole message context. Messages beyond the cap are
// dropped from the front.
func (r *Repository) SetContext(ctx context.Context, org, customerPhone string, msgs []Message) error {
	key, _, err := customerKey(tenant.ClassContext, org, customerPhone)
	if err != nil {
		return err
	}
	data, err := json.Marshal(r.capMessages(msgs))
	if err != nil {
		return err
	}
	r.store.Set(ctx, key, data, r.cfg.TTL.For(tenant.ClassContext))
	return nil
}

// AppendMessages atomically appends msgs to the customer's context and
// returns the resulting context. Concurrent appends from both channels are
// all kept. A zero Timestamp is set to the current time.
func (r *Repository) AppendMessages(ctx context.Context, org, customerPhone, leadID string, msgs ...Message) ([]Message, error) {
	key, canonical, err := customerKey(tenant.ClassContext, org, customerPhone)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return r.GetContext(ctx, org, canonical), nil
	}

	now := r.now().UTC()
	stamped := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		stamped[i] = m
	}

	raw, tier := r.store.Update(ctx, key, r.cfg.TTL.For(tenant.ClassContext), func(current []byte, found bool) ([]byte, error) {
		var existing []Message
		if found {
			existing = r.decodeMessages(key, current)
		}
		return json.Marshal(r.capMessages(append(existing, stamped...)))
	})
	if tier == cache.TierNone {
		r.logger.Warn("context append was not stored",
			zap.String("org.id", org),
			logging.MaskedPhone(canonical),
		)
	}

	if r.archive != nil {
		if err := r.archive.SaveMessages(ctx, org, canonical, leadID, stamped); err != nil {
			r.logger.Warn("archiving messages failed",
				zap.String("org.id", org),
				zap.String("lead.id", leadID),
				zap.Error(err),
			)
		}
	}

	if raw == nil {
		return stamped, nil
	}
	return r.decodeMessages(key, raw), nil
}

func (r *Repository) capMessages(msgs []Message) []Message {
	if len(msgs) <= r.cfg.MaxMessages {
		return msgs
	}
	return msgs[len(msgs)-r.cfg.MaxMessages:]
}

func (r *Repository) decodeMessages(key string, raw []byte) []Message {
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		r.logger.Warn("discarding unreadable context", zap.String("key", key), zap.Error(err))
		return nil
	}
	return msgs
}

// GetSummary returns the latest summary for a customer.
func (r *Repository) GetSummary(ctx context.Context, org, customerPhone string) (Summary, bool) {
	key, _, err := customerKey(tenant.ClassSummary, org, customerPhone)
	if err != nil {
		return Summary{}, false
	}
	fields, ok := r.store.HGetAll(ctx, key)
	if !ok {
		return Summary{}, false
	}
	return summaryFromFields(fields)
}

func summaryFromFields(fields map[string][]byte) (Summary, bool) {
	text, ok := fields[summaryField]
	if !ok {
		return Summary{}, false
	}
	s := Summary{Text: string(text)}
	if ts, ok := fields[updatedAtField]; ok {
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, string(ts))
	}
	return s, true
}

// setSummaryFields writes both summary fields of a hash.
func setSummaryFields(fields map[string][]byte, s Summary) {
	fields[summaryField] = []byte(s.Text)
	fields[updatedAtField] = []byte(s.UpdatedAt.UTC().Format(time.RFC3339Nano))
}

// SetSummary stores text as the customer's summary. Last write wins. A zero
// at is replaced with the current time.
func (r *Repository) SetSummary(ctx context.Context, org, customerPhone, text string, at time.Time) error {
	key, canonical, err := customerKey(tenant.ClassSummary, org, customerPhone)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = r.now()
	}
	summary := Summary{Text: text, UpdatedAt: at.UTC()}
	r.store.HUpdate(ctx, key, r.cfg.TTL.For(tenant.ClassSummary), func(fields map[string][]byte) error {
		setSummaryFields(fields, summary)
		return nil
	})

	if r.archive != nil {
		if err := r.archive.SaveSummary(ctx, org, canonical, summary); err != nil {
			r.logger.Warn("archiving summary failed", zap.String("org.id", org), zap.Error(err))
		}
	}
	return nil
}

// GetLeadForPhone returns the active lead for a customer.
func (r *Repository) GetLeadForPhone(ctx context.Context, org, customerPhone string) (string, bool) {
	key, _, err := customerKey(tenant.ClassLeadByPhone, org, customerPhone)
	if err != nil {
		return "", false
	}
	raw, ok := r.store.Get(ctx, key)
	if !ok || len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

// GetPhoneForLead returns the canonical phone number mapped to leadID.
func (r *Repository) GetPhoneForLead(ctx context.Context, org, leadID string) (string, bool) {
	if org == "" || leadID == "" {
		return "", false
	}
	key, err := tenant.OrgKey(tenant.ClassPhoneByLead, org, leadID)
	if err != nil {
		return "", false
	}
	raw, ok := r.store.Get(ctx, key)
	if !ok || len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

// SetLeadForPhone maps the customer to leadID in both directions. The
// forward mapping is written first and stands even if the reverse write only
// reaches the fallback tier.
func (r *Repository) SetLeadForPhone(ctx context.Context, org, customerPhone, leadID string) error {
	if leadID == "" {
		return ErrMissingLead
	}
	forwardKey, canonical, err := customerKey(tenant.ClassLeadByPhone, org, customerPhone)
	if err != nil {
		return err
	}
	reverseKey, err := tenant.OrgKey(tenant.ClassPhoneByLead, org, leadID)
	if err != nil {
		return err
	}
	ttl := r.cfg.TTL.For(tenant.ClassLeadByPhone)

	var previous string
	forward := tierOf(r.store.Update(ctx, forwardKey, ttl, func(current []byte, found bool) ([]byte, error) {
		previous = ""
		if found {
			previous = string(current)
		}
		return []byte(leadID), nil
	}))
	// The customer moved to a new lead; the old lead no longer owns the number.
	if previous != "" && previous != leadID {
		if oldKey, err := tenant.OrgKey(tenant.ClassPhoneByLead, org, previous); err == nil {
			r.store.Update(ctx, oldKey, ttl, matchAndClear(canonical))
		}
	}
	reverse := r.store.Set(ctx, reverseKey, []byte(canonical), ttl)
	if forward != reverse {
		r.logger.Warn("lead mapping written to different tiers",
			zap.String("org.id", org),
			zap.String("lead.id", leadID),
			zap.Stringer("forward", forward),
			zap.Stringer("reverse", reverse),
		)
	}
	return nil
}

// ClearLeadForPhone removes the customer's lead mapping only if it still
// points at expectedLead, so a stale disconnect cannot clear a newer
// registration. It reports whether the mapping was cleared.
func (r *Repository) ClearLeadForPhone(ctx context.Context, org, customerPhone, expectedLead string) bool {
	if expectedLead == "" {
		return false
	}
	forwardKey, canonical, err := customerKey(tenant.ClassLeadByPhone, org, customerPhone)
	if err != nil {
		return false
	}
	ttl := r.cfg.TTL.For(tenant.ClassLeadByPhone)

	// An empty value is a tombstone; reads treat it as absent.
	_, tier := r.store.Update(ctx, forwardKey, ttl, matchAndClear(expectedLead))
	if tier == cache.TierNone {
		r.logger.Debug("lead mapping not cleared, owned by another lead",
			zap.String("org.id", org),
			zap.String("lead.id", expectedLead),
			logging.MaskedPhone(canonical),
		)
		return false
	}

	reverseKey, err := tenant.OrgKey(tenant.ClassPhoneByLead, org, expectedLead)
	if err == nil {
		r.store.Update(ctx, reverseKey, ttl, matchAndClear(canonical))
	}
	return true
}

func tierOf(_ []byte, tier cache.Tier) cache.Tier {
	return tier
}

func matchAndClear(expected string) cache.UpdateFunc {
	return func(current []byte, found bool) ([]byte, error) {
		if !found || string(current) != expected {
			return nil, cache.ErrSkipUpdate
		}
		return []byte{}, nil
	}
}

// SetConversationMeta records which organization, lead and customer a
// provider conversation belongs to, and indexes the conversation by phone.
//
// Conversation metadata is stored under the global scope because provider
// conversation ids are globally unique and webhooks often arrive before the
// organization is known. The metadata itself carries the organization.
func (r *Repository) SetConversationMeta(ctx context.Context, meta Meta) error {
	if meta.ConversationID == "" {
		return ErrMissingConversation
	}
	if meta.Org == "" {
		return ErrMissingOrganization
	}
	meta.Phone = phone.Normalize(meta.Phone)
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = r.now().UTC()
	}
	key, err := tenant.Key(tenant.ClassConversation, tenant.Global, meta.ConversationID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	r.store.Set(ctx, key, data, r.cfg.TTL.For(tenant.ClassConversation))

	if meta.Phone != "" {
		indexKey, _, err := customerKey(tenant.ClassPhoneConversation, meta.Org, meta.Phone)
		if err != nil {
			return err
		}
		r.store.Set(ctx, indexKey, []byte(meta.ConversationID), r.cfg.TTL.For(tenant.ClassPhoneConversation))
	}
	return nil
}

// GetConversationMeta returns the metadata stored for conversationID.
func (r *Repository) GetConversationMeta(ctx context.Context, conversationID string) (Meta, bool) {
	if conversationID == "" {
		return Meta{}, false
	}
	key, err := tenant.Key(tenant.ClassConversation, tenant.Global, conversationID)
	if err != nil {
		return Meta{}, false
	}
	raw, ok := r.store.Get(ctx, key)
	if !ok {
		return Meta{}, false
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		r.logger.Warn("discarding unreadable conversation metadata", zap.String("key", key), zap.Error(err))
		return Meta{}, false
	}
	return meta, true
}

// ResolveLead finds the lead for a customer. The direct mapping is tried
// first; on a miss the metadata of the customer's latest conversation is used.
func (r *Repository) ResolveLead(ctx context.Context, org, customerPhone string) (string, bool) {
	if lead, ok := r.GetLeadForPhone(ctx, org, customerPhone); ok {
		return lead, true
	}
	indexKey, _, err := customerKey(tenant.ClassPhoneConversation, org, customerPhone)
	if err != nil {
		return "", false
	}
	convID, ok := r.store.Get(ctx, indexKey)
	if !ok || len(convID) == 0 {
		return "", false
	}
	meta, ok := r.GetConversationMeta(ctx, string(convID))
	if !ok || meta.Org != org || meta.LeadID == "" {
		return "", false
	}
	return meta.LeadID, true
}

// GetOrganizationName returns the display name of org, consulting the
// directory on a cache miss. It returns "" when the name is unknown.
func (r *Repository) GetOrganizationName(ctx context.Context, org string) string {
	key, err := tenant.OrgKey(tenant.ClassOrganization, org, orgNameID)
	if err != nil {
		return ""
	}
	if raw, ok := r.store.Get(ctx, key); ok {
		return string(raw)
	}
	if r.directory == nil {
		return ""
	}
	name, err := r.directory.OrganizationName(ctx, org)
	if err != nil {
		r.logger.Warn("organization lookup failed", zap.String("org.id", org), zap.Error(err))
		return ""
	}
	if name != "" {
		r.store.Set(ctx, key, []byte(name), r.cfg.TTL.For(tenant.ClassOrganization))
	}
	return name
}

// MarkSeen records id as processed for a short window and reports whether it
// was new. Providers retry webhooks, so handlers use this to drop duplicates.
// Calls that cannot be scoped are always treated as new.
func (r *Repository) MarkSeen(ctx context.Context, org, id string) bool {
	scope := tenant.Global
	if org != "" {
		scope = tenant.Org(org)
	}
	key, err := tenant.Key(tenant.ClassPerf, scope, "seen-"+id)
	if err != nil || id == "" {
		return true
	}
	_, tier := r.store.Update(ctx, key, r.cfg.TTL.For(tenant.ClassPerf), func(_ []byte, found bool) ([]byte, error) {
		if found {
			return nil, cache.ErrSkipUpdate
		}
		return []byte{1}, nil
	})
	return tier != cache.TierNone
}
