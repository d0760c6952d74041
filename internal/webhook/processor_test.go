package webhook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/leadrelay/internal/broadcast"
	"github.com/fyrsmithlabs/leadrelay/internal/cache"
	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	frames []broadcast.Frame
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, f broadcast.Frame) broadcast.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
	return broadcast.Delivery{Delivered: 1}
}

func (b *recordingBroadcaster) sent() []broadcast.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast.Frame(nil), b.frames...)
}

func newTestProcessor(t *testing.T) (*Processor, *conversation.Repository, *recordingBroadcaster) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := cache.NewTiered(cache.NewFakeRemote(), cache.DefaultConfig(), logger)
	repo := conversation.NewRepository(store, conversation.DefaultConfig(), logger)
	b := &recordingBroadcaster{}
	return NewProcessor(repo, b, logger), repo, b
}

const customer = "+15551234567"

var eventTime = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func inboundSMS(sid, body string) *MessageReceived {
	return &MessageReceived{
		Envelope: Envelope{
			Identity: Identity{Org: "orgA", Phone: customer},
			ID:       sid,
			Source:   SourceSMS,
			At:       eventTime,
		},
		Body:       body,
		MessageSID: sid,
	}
}

func TestProcessor_InboundSMS(t *testing.T) {
	ctx := context.Background()
	p, repo, b := newTestProcessor(t)
	require.NoError(t, repo.SetLeadForPhone(ctx, "orgA", customer, "L1"))

	res, err := p.Process(ctx, inboundSMS("SM1", "Is it still available?"))
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.True(t, res.Routed)
	assert.Equal(t, "L1", res.Identity.LeadID)
	assert.Equal(t, 1, res.Delivery.Delivered)

	msgs := repo.GetContext(ctx, "orgA", customer)
	require.Len(t, msgs, 1)
	assert.Equal(t, "SM1", msgs[0].ID)
	assert.Equal(t, conversation.RoleCustomer, msgs[0].Role)
	assert.Equal(t, conversation.ChannelSMS, msgs[0].Channel)
	assert.Equal(t, eventTime, msgs[0].Timestamp)

	frames := b.sent()
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, string(KindMessageReceived), f.Type)
	assert.Equal(t, "orgA", f.Org)
	assert.Equal(t, "L1", f.LeadID)
	assert.Equal(t, customer, f.Phone)
	assert.Equal(t, eventTime, f.At)
}

func TestProcessor_DropsProviderRetries(t *testing.T) {
	ctx := context.Background()
	p, repo, b := newTestProcessor(t)

	_, err := p.Process(ctx, inboundSMS("SM1", "hello"))
	require.NoError(t, err)
	res, err := p.Process(ctx, inboundSMS("SM1", "hello"))
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Len(t, repo.GetContext(ctx, "orgA", customer), 1)
	assert.Len(t, b.sent(), 1)

	// Without a provider id nothing can be deduplicated.
	_, err = p.Process(ctx, inboundSMS("", "again"))
	require.NoError(t, err)
	_, err = p.Process(ctx, inboundSMS("", "again"))
	require.NoError(t, err)
	assert.Len(t, repo.GetContext(ctx, "orgA", customer), 3)
}

func TestProcessor_TranscriptPersistsConversationMeta(t *testing.T) {
	ctx := context.Background()
	p, repo, _ := newTestProcessor(t)
	ev := &TranscriptLine{
		Envelope: Envelope{
			Identity:   Identity{Org: "orgA", LeadID: "L1", Phone: customer, ConversationID: "c1"},
			ID:         "evt-1",
			Source:     SourceVoice,
			At:         eventTime,
			ResolvedBy: ExtractorClientEcho,
		},
		Role: conversation.RoleAgent,
		Text: "Hi, this is Sam.",
	}

	_, err := p.Process(ctx, ev)
	require.NoError(t, err)

	meta, ok := repo.GetConversationMeta(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, "orgA", meta.Org)
	assert.Equal(t, "L1", meta.LeadID)
	assert.Equal(t, conversation.ChannelVoice, meta.Channel)

	msgs := repo.GetContext(ctx, "orgA", customer)
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.RoleAgent, msgs[0].Role)
	assert.Equal(t, conversation.ChannelVoice, msgs[0].Channel)

	// The lead can now be resolved from the customer's latest conversation.
	lead, ok := repo.ResolveLead(ctx, "orgA", customer)
	assert.True(t, ok)
	assert.Equal(t, "L1", lead)
}

func TestProcessor_SummaryReady(t *testing.T) {
	ctx := context.Background()
	p, repo, b := newTestProcessor(t)
	ev := &SummaryReady{
		Envelope: Envelope{
			Identity: Identity{Org: "orgA", LeadID: "L1", Phone: customer, ConversationID: "c1"},
			Source:   SourceVoice,
			At:       eventTime,
		},
		Summary: "Wants a test drive on Saturday.",
	}

	_, err := p.Process(ctx, ev)
	require.NoError(t, err)

	s, ok := repo.GetSummary(ctx, "orgA", customer)
	require.True(t, ok)
	assert.Equal(t, "Wants a test drive on Saturday.", s.Text)
	assert.Equal(t, eventTime, s.UpdatedAt)
	require.Len(t, b.sent(), 1)
	assert.Equal(t, string(KindSummaryReady), b.sent()[0].Type)
}

func TestProcessor_EventsWithoutOrganizationAreNotRouted(t *testing.T) {
	ctx := context.Background()
	p, repo, b := newTestProcessor(t)
	ev := &CallStarted{Envelope: Envelope{
		Identity: Identity{ConversationID: "c1", Phone: customer},
		Source:   SourceVoice,
		At:       eventTime,
	}}

	res, err := p.Process(ctx, ev)
	require.NoError(t, err)

	assert.False(t, res.Routed)
	assert.Empty(t, b.sent())
	_, ok := repo.GetConversationMeta(ctx, "c1")
	assert.False(t, ok)
}

func TestProcessor_UnknownEventsAreNotRouted(t *testing.T) {
	p, _, b := newTestProcessor(t)
	ev := &Unknown{
		Envelope: Envelope{Identity: Identity{Org: "orgA"}, Source: SourceVoice, At: eventTime},
		Type:     "ping",
	}

	res, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, res.Kind)
	assert.False(t, res.Routed)
	assert.Empty(t, b.sent())
}

func TestProcessor_OrgWideEventWithoutLead(t *testing.T) {
	p, _, b := newTestProcessor(t)
	ev := &CallEnded{
		Envelope: Envelope{Identity: Identity{Org: "orgA", ConversationID: "c2"}, Source: SourceVoice, At: eventTime},
		Duration: time.Minute,
	}

	res, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, res.Routed)
	f := b.sent()[0]
	assert.Equal(t, "orgA", f.Org)
	assert.False(t, f.Targeted())
}

func TestProcessor_RejectsMalformedIdentifiers(t *testing.T) {
	p, _, b := newTestProcessor(t)
	ev := &Interruption{Envelope: Envelope{
		Identity: Identity{Org: "acme motors"},
		Source:   SourceVoice,
		At:       eventTime,
	}}

	_, err := p.Process(context.Background(), ev)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Empty(t, b.sent())
}
