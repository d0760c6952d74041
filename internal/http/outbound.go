package http

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// OutboundSMS asks the messaging transport to send a text.
type OutboundSMS struct {
	ID          string    `json:"id"`
	Org         string    `json:"org_id"`
	LeadID      string    `json:"lead_id"`
	To          string    `json:"to"`
	Body        string    `json:"body"`
	RequestedAt time.Time `json:"requested_at"`
}

// OutboundCall asks the voice transport to place a call. DynamicVariables
// are echoed back by the voice provider, which is how later call events find
// the lead.
type OutboundCall struct {
	ID               string            `json:"id"`
	Org              string            `json:"org_id"`
	LeadID           string            `json:"lead_id"`
	To               string            `json:"to"`
	AgentID          string            `json:"agent_id,omitempty"`
	DynamicVariables map[string]string `json:"dynamic_variables"`
	RequestedAt      time.Time         `json:"requested_at"`
}

// Outbound hands dashboard actions to the telephony and messaging transport.
type Outbound interface {
	SendSMS(ctx context.Context, req OutboundSMS) error
	StartCall(ctx context.Context, req OutboundCall) error
}

// DefaultOutboundSubject prefixes the subjects NATSOutbound publishes on.
const DefaultOutboundSubject = "leadrelay.outbound"

const defaultFlushTimeout = 2 * time.Second

// NATSOutbound publishes outbound requests for a transport worker to
// consume: texts on <prefix>.sms and calls on <prefix>.call.
type NATSOutbound struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSOutbound creates an Outbound on nc.
func NewNATSOutbound(nc *nats.Conn, prefix string) *NATSOutbound {
	if prefix == "" {
		prefix = DefaultOutboundSubject
	}
	return &NATSOutbound{nc: nc, prefix: prefix}
}

// SendSMS implements Outbound.
func (o *NATSOutbound) SendSMS(ctx context.Context, req OutboundSMS) error {
	return o.publish(ctx, o.prefix+".sms", req.ID, req)
}

// StartCall implements Outbound.
func (o *NATSOutbound) StartCall(ctx context.Context, req OutboundCall) error {
	return o.publish(ctx, o.prefix+".call", req.ID, req)
}

func (o *NATSOutbound) publish(ctx context.Context, subject, id string, v any) error {
	if o.nc == nil {
		return errors.New("outbound: no nats connection")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	// Lets a JetStream stream on these subjects drop duplicate requests.
	msg.Header.Set(nats.MsgIdHdr, id)
	if err := o.nc.PublishMsg(msg); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	return o.nc.FlushWithContext(ctx)
}
