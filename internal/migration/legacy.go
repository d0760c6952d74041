package migration

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
	"github.com/fyrsmithlabs/leadrelay/internal/phone"
)

// CustomerKey addresses a per-customer legacy record.
type CustomerKey struct {
	Org   string
	Phone string
}

func customer(org, number string) CustomerKey {
	return CustomerKey{Org: org, Phone: phone.Normalize(number)}
}

type versioned[V any] struct {
	value   V
	version uint64
}

// table is a versioned map. Every write bumps the record version so a
// migration pass can tell whether a record changed after it was read.
type table[K comparable, V any] struct {
	items map[K]versioned[V]
}

type pending[K comparable, V any] struct {
	key     K
	value   V
	version uint64
}

// LegacyState holds conversation state that predates the shared cache, kept
// in process memory. It is safe for concurrent use: request handlers may keep
// writing to it while a migration pass drains it.
type LegacyState struct {
	mu            sync.Mutex
	seq           uint64
	contexts      table[CustomerKey, []conversation.Message]
	summaries     table[CustomerKey, conversation.Summary]
	leads         table[CustomerKey, string]
	conversations table[string, conversation.Meta]
}

// NewLegacyState returns an empty state.
func NewLegacyState() *LegacyState {
	return &LegacyState{
		contexts:      table[CustomerKey, []conversation.Message]{items: map[CustomerKey]versioned[[]conversation.Message]{}},
		summaries:     table[CustomerKey, conversation.Summary]{items: map[CustomerKey]versioned[conversation.Summary]{}},
		leads:         table[CustomerKey, string]{items: map[CustomerKey]versioned[string]{}},
		conversations: table[string, conversation.Meta]{items: map[string]versioned[conversation.Meta]{}},
	}
}

func put[K comparable, V any](s *LegacyState, t *table[K, V], key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t.items[key] = versioned[V]{value: value, version: s.seq}
}

func list[K comparable, V any](s *LegacyState, t *table[K, V]) []pending[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pending[K, V], 0, len(t.items))
	for k, v := range t.items {
		out = append(out, pending[K, V]{key: k, value: v.value, version: v.version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out
}

// remove deletes key only if it still holds version. It reports whether the
// record was removed.
func remove[K comparable, V any](s *LegacyState, t *table[K, V], key K, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := t.items[key]
	if !ok || current.version != version {
		return false
	}
	delete(t.items, key)
	return true
}

// PutContext stores a customer's message context.
func (s *LegacyState) PutContext(org, number string, msgs []conversation.Message) {
	put(s, &s.contexts, customer(org, number), append([]conversation.Message(nil), msgs...))
}

// AppendMessage appends one message to a customer's context.
func (s *LegacyState) AppendMessage(org, number string, m conversation.Message) {
	key := customer(org, number)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	current := s.contexts.items[key].value
	next := make([]conversation.Message, 0, len(current)+1)
	next = append(append(next, current...), m)
	s.contexts.items[key] = versioned[[]conversation.Message]{value: next, version: s.seq}
}

// PutSummary stores a customer's summary.
func (s *LegacyState) PutSummary(org, number string, summary conversation.Summary) {
	put(s, &s.summaries, customer(org, number), summary)
}

// PutLead maps a customer to a lead.
func (s *LegacyState) PutLead(org, number, leadID string) {
	put(s, &s.leads, customer(org, number), leadID)
}

// PutConversation stores conversation metadata.
func (s *LegacyState) PutConversation(meta conversation.Meta) {
	put(s, &s.conversations, meta.ConversationID, meta)
}

// Counts returns the number of records held per category.
func (s *LegacyState) Counts() map[Category]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[Category]int{
		CategoryContexts:      len(s.contexts.items),
		CategorySummaries:     len(s.summaries.items),
		CategoryLeadMappings:  len(s.leads.items),
		CategoryConversations: len(s.conversations.items),
	}
}

// Len returns the total number of records held.
func (s *LegacyState) Len() int {
	total := 0
	for _, n := range s.Counts() {
		total += n
	}
	return total
}

// Snapshot is the JSON form of a LegacyState.
type Snapshot struct {
	Contexts      []SnapshotContext   `json:"contexts,omitempty"`
	Summaries     []SnapshotSummary   `json:"summaries,omitempty"`
	LeadMappings  []SnapshotLead      `json:"lead_mappings,omitempty"`
	Conversations []conversation.Meta `json:"conversations,omitempty"`
}

// SnapshotContext is one customer's message context.
type SnapshotContext struct {
	Org      string                 `json:"org_id"`
	Phone    string                 `json:"phone"`
	Messages []conversation.Message `json:"messages"`
}

// SnapshotSummary is one customer's summary.
type SnapshotSummary struct {
	Org       string    `json:"org_id"`
	Phone     string    `json:"phone"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotLead is one phone to lead mapping.
type SnapshotLead struct {
	Org    string `json:"org_id"`
	Phone  string `json:"phone"`
	LeadID string `json:"lead_id"`
}

// Load adds every record of snap to the state.
func (s *LegacyState) Load(snap Snapshot) {
	for _, c := range snap.Contexts {
		s.PutContext(c.Org, c.Phone, c.Messages)
	}
	for _, sum := range snap.Summaries {
		s.PutSummary(sum.Org, sum.Phone, conversation.Summary{Text: sum.Summary, UpdatedAt: sum.UpdatedAt})
	}
	for _, l := range snap.LeadMappings {
		s.PutLead(l.Org, l.Phone, l.LeadID)
	}
	for _, m := range snap.Conversations {
		s.PutConversation(m)
	}
}

// Snapshot returns the records currently held.
func (s *LegacyState) Snapshot() Snapshot {
	var snap Snapshot
	for _, p := range list(s, &s.contexts) {
		snap.Contexts = append(snap.Contexts, SnapshotContext{Org: p.key.Org, Phone: p.key.Phone, Messages: p.value})
	}
	for _, p := range list(s, &s.summaries) {
		snap.Summaries = append(snap.Summaries, SnapshotSummary{Org: p.key.Org, Phone: p.key.Phone, Summary: p.value.Text, UpdatedAt: p.value.UpdatedAt})
	}
	for _, p := range list(s, &s.leads) {
		snap.LeadMappings = append(snap.LeadMappings, SnapshotLead{Org: p.key.Org, Phone: p.key.Phone, LeadID: p.value})
	}
	for _, p := range list(s, &s.conversations) {
		snap.Conversations = append(snap.Conversations, p.value)
	}
	return snap
}

// ReadSnapshot decodes a JSON snapshot into the state.
func (s *LegacyState) ReadSnapshot(r io.Reader) error {
	var snap Snapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return fmt.Errorf("decoding legacy snapshot: %w", err)
	}
	s.Load(snap)
	return nil
}

// WriteSnapshot encodes the records currently held as JSON.
func (s *LegacyState) WriteSnapshot(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Snapshot())
}

// LoadFile reads a snapshot file into a new state.
func LoadFile(path string) (*LegacyState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening legacy snapshot: %w", err)
	}
	defer f.Close()
	s := NewLegacyState()
	if err := s.ReadSnapshot(f); err != nil {
		return nil, err
	}
	return s, nil
}

// SaveFile atomically replaces path with the records currently held.
func (s *LegacyState) SaveFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("writing legacy snapshot: %w", err)
	}
	if err := s.WriteSnapshot(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
