package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer(t *testing.T, cfg Config, store MetadataLookup) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(cfg, store)
	require.NoError(t, err)
	n.now = func() time.Time { return fixedNow }
	return n
}

func TestNormalizer_ParseSMS(t *testing.T) {
	n := newTestNormalizer(t, Config{Numbers: NumberDirectory{"+15550001111": "orgA"}}, nil)
	p, err := DecodeForm("application/x-www-form-urlencoded",
		[]byte("From=%2B15551234567&To=%2B15550001111&Body=Is+it+available%3F&MessageSid=SM1"))
	require.NoError(t, err)

	ev, err := n.ParseSMS(context.Background(), p, Identity{})
	require.NoError(t, err)

	assert.Equal(t, KindMessageReceived, ev.Kind())
	assert.Equal(t, "orgA", ev.Org)
	assert.Equal(t, "+15551234567", ev.Phone)
	assert.Equal(t, "SM1", ev.ID)
	assert.Equal(t, "Is it available?", ev.Body)
	assert.Equal(t, "+15550001111", ev.To)
	assert.Equal(t, SourceSMS, ev.Source)
	assert.Equal(t, fixedNow, ev.At)
}

func TestNormalizer_ParseSMSHintWins(t *testing.T) {
	n := newTestNormalizer(t, Config{Numbers: NumberDirectory{"+15550001111": "orgA"}}, nil)
	p := PayloadFromMap(map[string]any{"From": "+15551234567", "To": "+15550001111", "Body": "hi"})

	ev, err := n.ParseSMS(context.Background(), p, Identity{Org: "orgB"})
	require.NoError(t, err)
	assert.Equal(t, "orgB", ev.Org)
}

func TestNormalizer_ParseSMSValidation(t *testing.T) {
	n := newTestNormalizer(t, Config{}, nil)

	_, err := n.ParseSMS(context.Background(), PayloadFromMap(map[string]any{"From": "+15551234567"}), Identity{})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Contains(t, err.Error(), "Body")

	_, err = n.ParseSMS(context.Background(), PayloadFromMap(map[string]any{"From": "", "Body": "x"}), Identity{})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizer_ParseSMSStatus(t *testing.T) {
	n := newTestNormalizer(t, Config{Numbers: NumberDirectory{"+15550001111": "orgA"}}, nil)
	p := PayloadFromMap(map[string]any{
		"MessageSid":    "SM9",
		"MessageStatus": "undelivered",
		"ErrorCode":     "30003",
		"From":          "+15550001111",
		"To":            "5551234567",
	})

	ev, err := n.ParseSMSStatus(context.Background(), p, Identity{})
	require.NoError(t, err)
	assert.Equal(t, KindMessageSent, ev.Kind())
	assert.Equal(t, "orgA", ev.Org)
	assert.Equal(t, "+15551234567", ev.Phone)
	assert.Equal(t, "SM9:undelivered", ev.ID)
	assert.Equal(t, "30003", ev.ErrorCode)

	p.Map()["MessageStatus"] = "exploded"
	_, err = n.ParseSMSStatus(context.Background(), p, Identity{})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizer_ParseVoice(t *testing.T) {
	n := newTestNormalizer(t, Config{}, nil)
	ids := `"conversation_id": "c1", "lead_id": "L1", "org_id": "orgA", "phone": "+15551234567"`

	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, ev Event)
	}{
		{
			name: "call started",
			body: `{"type": "conversation_started", "agent_id": "agent-7", "direction": "outbound", ` + ids + `}`,
			check: func(t *testing.T, ev Event) {
				e := ev.(*CallStarted)
				assert.Equal(t, "agent-7", e.AgentID)
				assert.Equal(t, "outbound", e.Direction)
			},
		},
		{
			name: "call ended",
			body: `{"type": "conversation_ended", "duration_secs": 95, "reason": "hangup", ` + ids + `}`,
			check: func(t *testing.T, ev Event) {
				e := ev.(*CallEnded)
				assert.Equal(t, 95*time.Second, e.Duration)
				assert.Equal(t, "hangup", e.Reason)
			},
		},
		{
			name: "customer transcript",
			body: `{"type": "user_transcript", "user_transcription_event": {"user_transcript": "Hello?"}, ` + ids + `}`,
			check: func(t *testing.T, ev Event) {
				e := ev.(*TranscriptLine)
				assert.Equal(t, conversation.RoleCustomer, e.Role)
				assert.Equal(t, "Hello?", e.Text)
			},
		},
		{
			name: "agent response",
			body: `{"event_type": "agent_response", "agent_response_event": {"agent_response": "Hi there"}, ` + ids + `}`,
			check: func(t *testing.T, ev Event) {
				e := ev.(*TranscriptLine)
				assert.Equal(t, conversation.RoleAgent, e.Role)
				assert.Equal(t, "Hi there", e.Text)
			},
		},
		{
			name: "interruption",
			body: `{"type": "interruption", "text": "wait", ` + ids + `}`,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "wait", ev.(*Interruption).Text)
			},
		},
		{
			name: "long silence",
			body: `{"type": "silence_detected", "duration_ms": 7500, ` + ids + `}`,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, 7500*time.Millisecond, ev.(*SilenceDetected).Duration)
			},
		},
		{
			name: "unknown type",
			body: `{"type": "Ping", ` + ids + `}`,
			check: func(t *testing.T, ev Event) {
				e := ev.(*Unknown)
				assert.Equal(t, "ping", e.Type)
				assert.NotEmpty(t, e.Raw)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.ParseVoice(context.Background(), []byte(tt.body), Identity{})
			require.NoError(t, err)
			env := ev.Env()
			assert.Equal(t, SourceVoice, env.Source)
			assert.Equal(t, Identity{Org: "orgA", LeadID: "L1", Phone: "+15551234567", ConversationID: "c1"}, env.Identity)
			assert.Equal(t, ExtractorExplicit, env.ResolvedBy)
			tt.check(t, ev)
		})
	}
}

func TestNormalizer_ParseVoiceRejects(t *testing.T) {
	n := newTestNormalizer(t, Config{SilenceThreshold: 5 * time.Second}, nil)

	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `{`, ErrInvalidPayload},
		{"no type", `{"conversation_id": "c1"}`, ErrInvalidPayload},
		{"empty type", `{"type": ""}`, ErrInvalidPayload},
		{"transcript without text", `{"type": "user_transcript"}`, ErrInvalidPayload},
		{"post call without conversation", `{"type": "post_call_transcription", "data": {}}`, ErrInvalidPayload},
		{"short silence", `{"type": "silence_detected", "duration": 2}`, ErrIgnored},
		{"silence at threshold", `{"type": "silence_detected", "duration": 5}`, ErrIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.ParseVoice(context.Background(), []byte(tt.body), Identity{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNormalizer_EventTimestamp(t *testing.T) {
	n := newTestNormalizer(t, Config{}, nil)

	ev, err := n.ParseVoice(context.Background(), []byte(`{"type": "interruption", "event_timestamp": 1700000000}`), Identity{})
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Env().At)

	ev, err = n.ParseVoice(context.Background(), []byte(`{"type": "interruption"}`), Identity{})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, ev.Env().At)
}

func TestNormalizer_DefaultOrg(t *testing.T) {
	n := newTestNormalizer(t, Config{DefaultOrg: "house"}, nil)

	ev, err := n.ParseVoice(context.Background(), []byte(`{"type": "interruption"}`), Identity{})
	require.NoError(t, err)
	assert.Equal(t, "house", ev.Env().Org)

	ev, err = n.ParseVoice(context.Background(), []byte(`{"type": "interruption", "org_id": "orgA"}`), Identity{})
	require.NoError(t, err)
	assert.Equal(t, "orgA", ev.Env().Org)
}

func TestNormalizer_ParsePostCall(t *testing.T) {
	store := fakeMetadata{
		"c1": {ConversationID: "c1", Org: "orgA", LeadID: "L1", Phone: "+15551234567"},
	}
	n := newTestNormalizer(t, Config{}, store)
	body := []byte(`{
		"type": "post_call_transcription",
		"event_timestamp": 1700000200,
		"data": {
			"conversation_id": "c1",
			"status": "done",
			"metadata": {"start_time_unix_secs": 1700000000, "call_duration_secs": 42},
			"analysis": {"transcript_summary": "Customer wants a test drive."},
			"transcript": [
				{"role": "agent", "message": "Hi, this is Sam."},
				{"role": "user", "message": "", "time_in_call_secs": 1},
				{"role": "user", "message": "Saturday works.", "time_in_call_secs": 3.5}
			]
		}
	}`)

	ev, err := n.ParsePostCall(context.Background(), body, Identity{})
	require.NoError(t, err)

	assert.Equal(t, ExtractorMetadata, ev.ResolvedBy)
	assert.Equal(t, "L1", ev.LeadID)
	assert.Equal(t, "Customer wants a test drive.", ev.Summary)
	assert.Equal(t, 42*time.Second, ev.Duration)
	assert.Equal(t, "done", ev.Status)
	require.Len(t, ev.Transcript, 2)
	assert.Equal(t, conversation.RoleAgent, ev.Transcript[0].Role)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Transcript[0].Timestamp)
	assert.Equal(t, conversation.RoleCustomer, ev.Transcript[1].Role)
	assert.Equal(t, time.Unix(1700000003, 500000000).UTC(), ev.Transcript[1].Timestamp)

	// The same payload through the generic voice endpoint yields the same event.
	generic, err := n.ParseVoice(context.Background(), body, Identity{})
	require.NoError(t, err)
	assert.Equal(t, ev, generic)
}
