package http

import (
	"time"

	"github.com/fyrsmithlabs/leadrelay/internal/cache"
	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
	"github.com/fyrsmithlabs/leadrelay/internal/webhook"
)

// WebhookResponse is the JSON body returned by provider webhooks other than
// inbound SMS.
type WebhookResponse struct {
	Success   bool         `json:"success"`
	Kind      webhook.Kind `json:"kind,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`
	Ignored   bool         `json:"ignored,omitempty"`
	Delivered int          `json:"delivered"`
	Error     string       `json:"error,omitempty"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Cache       string `json:"cache"`
	Subscribers int    `json:"subscribers"`
}

// CacheHealthResponse is the response body for GET /api/v1/health/cache.
type CacheHealthResponse struct {
	Status           string      `json:"status"` // "healthy" or "degraded"
	RemoteConfigured bool        `json:"remote_configured"`
	RemoteConnected  bool        `json:"remote_connected"`
	HitRatio         float64     `json:"hit_ratio"`
	AvgLatencyMillis float64     `json:"avg_latency_ms"`
	FallbackEntries  int         `json:"fallback_entries"`
	Stats            cache.Stats `json:"stats"`
	Error            string      `json:"error,omitempty"`
}

// ContextResponse is the response body for GET /api/v1/leads/:lead_id/context.
type ContextResponse struct {
	Success          bool                   `json:"success"`
	LeadID           string                 `json:"lead_id"`
	Phone            string                 `json:"phone"`
	OrganizationName string                 `json:"organization_name,omitempty"`
	Messages         []conversation.Message `json:"messages"`
	Summary          *conversation.Summary  `json:"summary,omitempty"`
}

// SendMessageRequest is the body of POST /api/v1/leads/:lead_id/messages.
type SendMessageRequest struct {
	Phone string `json:"phone"`
	Body  string `json:"body"`
	// Role defaults to human_operator.
	Role conversation.Role `json:"role,omitempty"`
}

// SendMessageResponse is returned after a manual send.
type SendMessageResponse struct {
	Success    bool                 `json:"success"`
	MessageSID string               `json:"message_sid,omitempty"`
	Message    conversation.Message `json:"message"`
	Delivered  int                  `json:"delivered"`
}

// StartCallRequest is the body of POST /api/v1/leads/:lead_id/calls.
type StartCallRequest struct {
	Phone   string            `json:"phone"`
	AgentID string            `json:"agent_id,omitempty"`
	Vars    map[string]string `json:"dynamic_variables,omitempty"`
}

// StartCallResponse is returned once a call was handed to the transport.
type StartCallResponse struct {
	Success     bool      `json:"success"`
	RequestID   string    `json:"request_id"`
	RequestedAt time.Time `json:"requested_at"`
}
