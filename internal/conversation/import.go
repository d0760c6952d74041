package conversation

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/fyrsmithlabs/leadrelay/internal/cache"
	"github.com/fyrsmithlabs/leadrelay/internal/phone"
	"github.com/fyrsmithlabs/leadrelay/internal/tenant"
)

// The Import methods load state produced outside the repository, such as a
// legacy in-process snapshot. Unlike the regular setters they report the tier
// the write reached and never overwrite newer cached state, so an import can
// run while live traffic is already writing to the cache.

// ImportContext merges msgs into the cached context. Messages already present
// (same id, or same timestamp, role and content) are not duplicated, and the
// result is ordered by timestamp and capped.
func (r *Repository) ImportContext(ctx context.Context, org, customerPhone string, msgs []Message) (cache.Tier, error) {
	key, _, err := customerKey(tenant.ClassContext, org, customerPhone)
	if err != nil {
		return cache.TierNone, err
	}
	_, tier := r.store.Update(ctx, key, r.cfg.TTL.For(tenant.ClassContext), func(current []byte, found bool) ([]byte, error) {
		var existing []Message
		if found {
			existing = r.decodeMessages(key, current)
		}
		return json.Marshal(r.capMessages(mergeMessages(existing, msgs)))
	})
	return tier, nil
}

func mergeMessages(existing, incoming []Message) []Message {
	type fingerprint struct {
		at      time.Time
		role    Role
		content string
	}
	ids := make(map[string]bool, len(existing))
	prints := make(map[fingerprint]bool, len(existing))
	out := make([]Message, 0, len(existing)+len(incoming))
	for _, m := range existing {
		if m.ID != "" {
			ids[m.ID] = true
		}
		prints[fingerprint{m.Timestamp.UTC(), m.Role, m.Content}] = true
		out = append(out, m)
	}
	for _, m := range incoming {
		fp := fingerprint{m.Timestamp.UTC(), m.Role, m.Content}
		if (m.ID != "" && ids[m.ID]) || prints[fp] {
			continue
		}
		if m.ID != "" {
			ids[m.ID] = true
		}
		prints[fp] = true
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ImportSummary stores s unless the cache holds a newer summary.
func (r *Repository) ImportSummary(ctx context.Context, org, customerPhone string, s Summary) (cache.Tier, error) {
	key, _, err := customerKey(tenant.ClassSummary, org, customerPhone)
	if err != nil {
		return cache.TierNone, err
	}
	written := s
	if written.UpdatedAt.IsZero() {
		written.UpdatedAt = r.now()
	}

	var superseded bool
	tier := r.store.HUpdate(ctx, key, r.cfg.TTL.For(tenant.ClassSummary), func(fields map[string][]byte) error {
		current, ok := summaryFromFields(fields)
		superseded = ok && current.UpdatedAt.After(s.UpdatedAt)
		if superseded {
			return cache.ErrSkipUpdate
		}
		setSummaryFields(fields, written)
		return nil
	})
	if superseded {
		return cache.TierNone, ErrSuperseded
	}
	return tier, nil
}

// ImportLeadMapping maps the customer to leadID unless the customer is
// already mapped to some lead.
func (r *Repository) ImportLeadMapping(ctx context.Context, org, customerPhone, leadID string) (cache.Tier, error) {
	if leadID == "" {
		return cache.TierNone, ErrMissingLead
	}
	forwardKey, canonical, err := customerKey(tenant.ClassLeadByPhone, org, customerPhone)
	if err != nil {
		return cache.TierNone, err
	}
	reverseKey, err := tenant.OrgKey(tenant.ClassPhoneByLead, org, leadID)
	if err != nil {
		return cache.TierNone, err
	}
	ttl := r.cfg.TTL.For(tenant.ClassLeadByPhone)

	var taken bool
	_, forward := r.store.Update(ctx, forwardKey, ttl, func(current []byte, found bool) ([]byte, error) {
		taken = found && len(current) > 0 && string(current) != leadID
		if taken {
			return nil, cache.ErrSkipUpdate
		}
		return []byte(leadID), nil
	})
	if taken {
		return cache.TierNone, ErrSuperseded
	}
	if forward == cache.TierNone {
		return forward, nil
	}
	return min(forward, r.store.Set(ctx, reverseKey, []byte(canonical), ttl)), nil
}

// ImportConversation stores meta unless newer metadata is cached for the
// conversation.
func (r *Repository) ImportConversation(ctx context.Context, meta Meta) (cache.Tier, error) {
	if meta.ConversationID == "" {
		return cache.TierNone, ErrMissingConversation
	}
	if meta.Org == "" {
		return cache.TierNone, ErrMissingOrganization
	}
	meta.Phone = phone.Normalize(meta.Phone)
	importedAt := meta.UpdatedAt
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = r.now().UTC()
	}
	key, err := tenant.Key(tenant.ClassConversation, tenant.Global, meta.ConversationID)
	if err != nil {
		return cache.TierNone, err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return cache.TierNone, err
	}

	var newer bool
	_, tier := r.store.Update(ctx, key, r.cfg.TTL.For(tenant.ClassConversation), func(current []byte, found bool) ([]byte, error) {
		newer = false
		var cached Meta
		if found && json.Unmarshal(current, &cached) == nil && cached.UpdatedAt.After(importedAt) {
			newer = true
			return nil, cache.ErrSkipUpdate
		}
		return data, nil
	})
	if newer {
		return cache.TierNone, ErrSuperseded
	}
	if tier == cache.TierNone || meta.Phone == "" {
		return tier, nil
	}
	indexKey, _, err := customerKey(tenant.ClassPhoneConversation, meta.Org, meta.Phone)
	if err != nil {
		return tier, nil
	}
	return min(tier, r.store.Set(ctx, indexKey, []byte(meta.ConversationID), r.cfg.TTL.For(tenant.ClassPhoneConversation))), nil
}
