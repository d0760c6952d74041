package webhook

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
)

// Kind names a normalized event variant.
type Kind string

const (
	KindMessageReceived Kind = "message_received"
	KindMessageSent     Kind = "message_sent"
	KindCallStarted     Kind = "call_started"
	KindCallEnded       Kind = "call_ended"
	KindTranscriptLine  Kind = "transcript_line"
	KindSummaryReady    Kind = "summary_ready"
	KindInterruption    Kind = "interruption"
	KindSilenceDetected Kind = "silence_detected"
	KindUnknown         Kind = "unknown"
)

// Source names the provider family an event came from.
type Source string

const (
	SourceSMS   Source = "sms"
	SourceVoice Source = "voice"
)

// Identity is the routing information of an event. Any field may be empty.
type Identity struct {
	Org            string `json:"org_id,omitempty"`
	LeadID         string `json:"lead_id,omitempty"`
	Phone          string `json:"phone,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Complete reports whether every routing field is known.
func (id Identity) Complete() bool {
	return id.Org != "" && id.LeadID != "" && id.Phone != "" && id.ConversationID != ""
}

// Envelope carries the fields shared by every event.
type Envelope struct {
	Identity
	// ID is the provider's id for the delivery, used to drop retries.
	ID     string    `json:"id,omitempty"`
	Source Source    `json:"source"`
	At     time.Time `json:"at"`
	// ResolvedBy names the extractor that completed the identity.
	ResolvedBy string `json:"-"`
}

// Env returns the envelope.
func (e *Envelope) Env() *Envelope { return e }

// Event is one of the concrete event types in this package.
type Event interface {
	Kind() Kind
	Env() *Envelope
}

// MessageReceived is an inbound text from a customer.
type MessageReceived struct {
	Envelope
	Body       string `json:"body"`
	To         string `json:"to,omitempty"`
	MessageSID string `json:"message_sid,omitempty"`
}

// MessageSent is an outbound text, or a delivery status update for one.
type MessageSent struct {
	Envelope
	Body       string `json:"body,omitempty"`
	Status     string `json:"status,omitempty"`
	MessageSID string `json:"message_sid,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// CallStarted marks the start of a voice conversation.
type CallStarted struct {
	Envelope
	AgentID   string `json:"agent_id,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// CallEnded marks the end of a voice conversation.
type CallEnded struct {
	Envelope
	Duration time.Duration `json:"duration"`
	Reason   string        `json:"reason,omitempty"`
}

// TranscriptLine is one utterance during a call.
type TranscriptLine struct {
	Envelope
	Role conversation.Role `json:"role"`
	Text string            `json:"text"`
}

// SummaryReady carries the post-call summary and full transcript.
type SummaryReady struct {
	Envelope
	Summary    string                 `json:"summary"`
	Transcript []conversation.Message `json:"transcript,omitempty"`
	Duration   time.Duration          `json:"duration"`
	Status     string                 `json:"status,omitempty"`
}

// Interruption is the customer talking over the agent.
type Interruption struct {
	Envelope
	Text string `json:"text,omitempty"`
}

// SilenceDetected is a pause longer than the configured threshold.
type SilenceDetected struct {
	Envelope
	Duration time.Duration `json:"duration"`
}

// Unknown is any payload whose type tag is not recognised.
type Unknown struct {
	Envelope
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

func (*MessageReceived) Kind() Kind { return KindMessageReceived }
func (*MessageSent) Kind() Kind     { return KindMessageSent }
func (*CallStarted) Kind() Kind     { return KindCallStarted }
func (*CallEnded) Kind() Kind       { return KindCallEnded }
func (*TranscriptLine) Kind() Kind  { return KindTranscriptLine }
func (*SummaryReady) Kind() Kind    { return KindSummaryReady }
func (*Interruption) Kind() Kind    { return KindInterruption }
func (*SilenceDetected) Kind() Kind { return KindSilenceDetected }
func (*Unknown) Kind() Kind         { return KindUnknown }
