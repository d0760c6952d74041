package conversation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMissingOrganization is returned when a call cannot be scoped to an
	// organization.
	ErrMissingOrganization = errors.New("organization id is required")

	// ErrMissingPhone is returned when a phone number normalizes to nothing.
	ErrMissingPhone = errors.New("phone number is required")

	// ErrMissingLead is returned when a lead id is required but empty.
	ErrMissingLead = errors.New("lead id is required")

	// ErrMissingConversation is returned when conversation metadata has no id.
	ErrMissingConversation = errors.New("conversation id is required")
)

// Role is the sender of a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
	RoleOperator Role = "human_operator"
)

// Channel is the transport a message travelled on.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
)

// Message is one entry of a conversation context.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Channel   Channel   `json:"channel"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary is the latest synopsis of a customer's conversations.
type Summary struct {
	Text      string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Meta links a provider conversation id to the lead and customer it belongs
// to.
type Meta struct {
	ConversationID string    `json:"conversation_id"`
	Org            string    `json:"org_id"`
	LeadID         string    `json:"lead_id,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Channel        Channel   `json:"channel,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Archive is the long-term store that receives a copy of every message and
// summary. It is written after the cache and never read on the hot path.
type Archive interface {
	SaveMessages(ctx context.Context, org, phone, leadID string, msgs []Message) error
	SaveSummary(ctx context.Context, org, phone string, summary Summary) error
}

// Directory resolves organization display names.
type Directory interface {
	OrganizationName(ctx context.Context, orgID string) (string, error)
}

// ErrSuperseded is returned by the Import methods when the cache already
// holds newer state for the record, so the imported copy was discarded.
var ErrSuperseded = errors.New("cached state is newer")
