package broadcast

import (
	"time"

	"github.com/google/uuid"
)

// Frame types emitted by the broadcaster itself.
const (
	FrameConnected = "connected"
	FrameKeepalive = "keepalive"
)

// Frame is one JSON event delivered to dashboard subscribers.
//
// A frame with a LeadID goes to that lead's subscriber only. A frame with an
// Org but no LeadID goes to every subscriber of the organization, and a frame
// with neither goes to every subscriber.
type Frame struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Org            string    `json:"org_id,omitempty"`
	LeadID         string    `json:"lead_id,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	At             time.Time `json:"timestamp"`
	Data           any       `json:"data,omitempty"`
}

// NewFrame returns a frame with a fresh id and the current time.
func NewFrame(typ string, data any) Frame {
	return Frame{
		ID:   uuid.NewString(),
		Type: typ,
		At:   time.Now().UTC(),
		Data: data,
	}
}

// Targeted reports whether the frame is addressed to a single lead.
func (f Frame) Targeted() bool {
	return f.LeadID != ""
}
