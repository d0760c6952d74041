// Package webhook turns provider webhook payloads into normalized events and
// applies them to conversation state.
//
// Voice payloads come in several shapes: identifiers may sit at the top level,
// under "data", only in the echoed client-initiation data, or nowhere at all.
// The Normalizer resolves them through an ordered Chain of extractors so the
// order is explicit and each step is testable alone.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
	"github.com/fyrsmithlabs/leadrelay/internal/phone"
)

var (
	// ErrInvalidPayload marks a payload that cannot be parsed or lacks
	// required fields.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrIgnored marks a valid payload that produces no event.
	ErrIgnored = errors.New("event ignored")
)

// DefaultSilenceThreshold is the shortest silence that produces an event.
const DefaultSilenceThreshold = 5 * time.Second

// Voice payload type tags.
const (
	TagConversationStarted = "conversation_started"
	TagConversationEnded   = "conversation_ended"
	TagUserMessage         = "user_message"
	TagUserTranscript      = "user_transcript"
	TagAgentMessage        = "agent_message"
	TagAgentResponse       = "agent_response"
	TagInterruption        = "interruption"
	TagSilenceDetected     = "silence_detected"
	TagPostCall            = "post_call_transcription"
)

// Config configures a Normalizer.
type Config struct {
	// SilenceThreshold drops silence events at or below this duration.
	SilenceThreshold time.Duration
	// Numbers maps business phone numbers to the organization owning them.
	Numbers NumberDirectory
	// DefaultOrg is used when no organization can be resolved.
	DefaultOrg string
}

// Normalizer parses provider payloads into events.
type Normalizer struct {
	cfg      Config
	chain    Chain
	smsChain Chain
	schemas  schemas
	now      func() time.Time
}

// NewNormalizer creates a normalizer. store may be nil, which disables the
// stored metadata step of the chain.
func NewNormalizer(cfg Config, store MetadataLookup) (*Normalizer, error) {
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Normalizer{
		cfg:      cfg,
		chain:    DefaultChain(store, cfg.Numbers),
		smsChain: Chain{ExplicitFields(), DialledNumber(cfg.Numbers)},
		schemas:  compiled,
		now:      time.Now,
	}, nil
}

// DecodeForm decodes an SMS provider body, which is form encoded or JSON
// depending on the provider's configuration.
func DecodeForm(contentType string, body []byte) (Payload, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" {
		p, err := DecodePayload(body)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	m := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) > 0 {
			m[k] = v[0]
		}
	}
	return Payload{raw: body, root: m}, nil
}

func (n *Normalizer) finishIdentity(id *Identity) {
	if id.Org == "" {
		id.Org = n.cfg.DefaultOrg
	}
}

// ParseSMS parses an inbound text. hint carries identity the caller already
// knows, such as an organization from the request URL.
func (n *Normalizer) ParseSMS(ctx context.Context, p Payload, hint Identity) (*MessageReceived, error) {
	if err := n.schemas.validate(schemaSMSInbound, p); err != nil {
		return nil, err
	}
	id := hint
	fillPhone(&id.Phone, p.String("From"))
	n.smsChain.Resolve(ctx, p, &id)
	n.finishIdentity(&id)

	return &MessageReceived{
		Envelope: Envelope{
			Identity: id,
			ID:       p.String("MessageSid", "SmsSid"),
			Source:   SourceSMS,
			At:       n.now().UTC(),
		},
		Body:       p.String("Body"),
		To:         phone.Normalize(p.String("To")),
		MessageSID: p.String("MessageSid", "SmsSid"),
	}, nil
}

// ParseSMSStatus parses a delivery status callback for an outbound text.
func (n *Normalizer) ParseSMSStatus(ctx context.Context, p Payload, hint Identity) (*MessageSent, error) {
	if err := n.schemas.validate(schemaSMSStatus, p); err != nil {
		return nil, err
	}
	id := hint
	// On a status callback the customer is the recipient.
	fillPhone(&id.Phone, p.String("To"))
	fill(&id.Org, p.String("org_id"))
	fill(&id.LeadID, p.String("lead_id"))
	if id.Org == "" {
		if org, ok := n.cfg.Numbers.Lookup(p.String("From")); ok {
			id.Org = org
		}
	}
	n.finishIdentity(&id)

	status := p.String("MessageStatus")
	return &MessageSent{
		Envelope: Envelope{
			Identity: id,
			ID:       p.String("MessageSid") + ":" + status,
			Source:   SourceSMS,
			At:       n.now().UTC(),
		},
		Status:     status,
		MessageSID: p.String("MessageSid"),
		ErrorCode:  p.String("ErrorCode"),
	}, nil
}

// ParseVoice parses a voice provider event of any type. A silence at or below
// the threshold yields ErrIgnored.
func (n *Normalizer) ParseVoice(ctx context.Context, body []byte, hint Identity) (Event, error) {
	p, err := DecodePayload(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := n.schemas.validate(schemaVoice, p); err != nil {
		return nil, err
	}
	return n.voiceEvent(ctx, p, hint)
}

// ParsePostCall parses the post-call payload, which always yields a
// SummaryReady event.
func (n *Normalizer) ParsePostCall(ctx context.Context, body []byte, hint Identity) (*SummaryReady, error) {
	p, err := DecodePayload(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := n.schemas.validate(schemaPostCall, p); err != nil {
		return nil, err
	}
	env := n.envelope(ctx, p, hint)
	return n.summary(p, env), nil
}

func (n *Normalizer) envelope(ctx context.Context, p Payload, hint Identity) Envelope {
	id := hint
	resolvedBy := n.chain.Resolve(ctx, p, &id)
	n.finishIdentity(&id)
	at, ok := p.Time("event_timestamp", "timestamp", "data.event_timestamp")
	if !ok {
		at = n.now().UTC()
	}
	return Envelope{
		Identity:   id,
		ID:         p.String("event_id", "data.event_id"),
		Source:     SourceVoice,
		At:         at,
		ResolvedBy: resolvedBy,
	}
}

func (n *Normalizer) voiceEvent(ctx context.Context, p Payload, hint Identity) (Event, error) {
	tag := strings.ToLower(p.String("type", "event_type"))
	if tag == TagPostCall {
		if err := n.schemas.validate(schemaPostCall, p); err != nil {
			return nil, err
		}
	}
	env := n.envelope(ctx, p, hint)

	switch tag {
	case TagConversationStarted:
		return &CallStarted{
			Envelope:  env,
			AgentID:   p.String("agent_id", "data.agent_id"),
			Direction: p.String("direction", "data.direction", "metadata.phone_call.direction", "data.metadata.phone_call.direction"),
		}, nil

	case TagConversationEnded:
		return &CallEnded{
			Envelope: env,
			Duration: seconds(p, "duration_secs", "data.duration_secs", "metadata.call_duration_secs", "data.metadata.call_duration_secs"),
			Reason:   p.String("reason", "termination_reason", "data.reason", "metadata.termination_reason", "data.metadata.termination_reason"),
		}, nil

	case TagUserMessage, TagUserTranscript:
		text := p.String(
			"user_transcription_event.user_transcript",
			"user_transcript", "message", "text",
			"data.user_transcript", "data.message", "data.text",
		)
		if text == "" {
			return nil, fmt.Errorf("%w: %s without text", ErrInvalidPayload, tag)
		}
		return &TranscriptLine{Envelope: env, Role: conversation.RoleCustomer, Text: text}, nil

	case TagAgentMessage, TagAgentResponse:
		text := p.String(
			"agent_response_event.agent_response",
			"agent_response", "message", "text",
			"data.agent_response", "data.message", "data.text",
		)
		if text == "" {
			return nil, fmt.Errorf("%w: %s without text", ErrInvalidPayload, tag)
		}
		return &TranscriptLine{Envelope: env, Role: conversation.RoleAgent, Text: text}, nil

	case TagInterruption:
		return &Interruption{
			Envelope: env,
			Text:     p.String("text", "message", "interruption_event.text", "data.text"),
		}, nil

	case TagSilenceDetected:
		d := seconds(p, "duration", "duration_secs", "data.duration", "data.duration_secs")
		if ms, ok := p.Float("duration_ms", "data.duration_ms"); ok {
			d = time.Duration(ms * float64(time.Millisecond))
		}
		if d <= n.cfg.SilenceThreshold {
			return nil, fmt.Errorf("%w: silence of %s", ErrIgnored, d)
		}
		return &SilenceDetected{Envelope: env, Duration: d}, nil

	case TagPostCall:
		return n.summary(p, env), nil

	default:
		return &Unknown{Envelope: env, Type: tag, Raw: p.Raw()}, nil
	}
}

func (n *Normalizer) summary(p Payload, env Envelope) *SummaryReady {
	start, ok := p.Time("data.metadata.start_time_unix_secs", "metadata.start_time_unix_secs")
	if !ok {
		start = env.At
	}
	var transcript []conversation.Message
	for _, turn := range p.Array("data.transcript", "transcript") {
		text := turn.String("message", "text")
		if text == "" {
			continue
		}
		offset := seconds(turn, "time_in_call_secs")
		transcript = append(transcript, conversation.Message{
			Role:      transcriptRole(turn.String("role")),
			Channel:   conversation.ChannelVoice,
			Content:   text,
			Timestamp: start.Add(offset),
		})
	}
	return &SummaryReady{
		Envelope: env,
		Summary: p.String(
			"data.analysis.transcript_summary",
			"analysis.transcript_summary",
			"data.summary", "summary",
		),
		Transcript: transcript,
		Duration:   seconds(p, "data.metadata.call_duration_secs", "metadata.call_duration_secs"),
		Status:     p.String("data.status", "status"),
	}
}

func transcriptRole(role string) conversation.Role {
	switch strings.ToLower(role) {
	case "user", "customer":
		return conversation.RoleCustomer
	case "agent", "assistant":
		return conversation.RoleAgent
	case "human_operator", "operator":
		return conversation.RoleOperator
	default:
		return conversation.RoleSystem
	}
}

func seconds(p Payload, paths ...string) time.Duration {
	f, ok := p.Float(paths...)
	if !ok || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
