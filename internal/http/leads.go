package http

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/broadcast"
	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
	"github.com/fyrsmithlabs/leadrelay/internal/logging"
	"github.com/fyrsmithlabs/leadrelay/internal/phone"
	"github.com/fyrsmithlabs/leadrelay/internal/sanitize"
	"github.com/fyrsmithlabs/leadrelay/internal/webhook"
)

// FrameCallRequested is broadcast when the dashboard starts a call.
const FrameCallRequested = "call_requested"

const orgKey = "leadrelay.org"

// requireLead validates the organization header and lead path parameter of
// dashboard routes. This layer does no authentication: the organization is
// the one the upstream auth layer resolved.
func (s *Server) requireLead(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		org := c.Request().Header.Get(OrgHeader)
		if err := sanitize.ValidateID(org, "org id"); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, OrgHeader+" header is required")
		}
		lead := c.Param("lead_id")
		if err := sanitize.ValidateID(lead, "lead id"); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		c.Set(orgKey, org)
		req := c.Request()
		ctx := logging.WithLead(logging.WithOrg(req.Context(), org), lead)
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func orgOf(c echo.Context) string {
	org, _ := c.Get(orgKey).(string)
	return org
}

// customerPhone resolves the customer of a lead from an explicit phone or
// the lead's current mapping.
func (s *Server) customerPhone(c echo.Context, explicit string) (string, error) {
	if explicit != "" {
		p := phone.Normalize(explicit)
		if p == "" {
			return "", echo.NewHTTPError(http.StatusBadRequest, "phone is not a valid number")
		}
		return p, nil
	}
	p, ok := s.deps.Conversations.GetPhoneForLead(c.Request().Context(), orgOf(c), c.Param("lead_id"))
	if !ok {
		return "", echo.NewHTTPError(http.StatusNotFound, "no customer phone known for lead")
	}
	return p, nil
}

// handleContext returns the lead's conversation context and summary.
func (s *Server) handleContext(c echo.Context) error {
	ctx := c.Request().Context()
	org, leadID := orgOf(c), c.Param("lead_id")
	customer, err := s.customerPhone(c, c.QueryParam("phone"))
	if err != nil {
		return err
	}

	resp := ContextResponse{
		Success:          true,
		LeadID:           leadID,
		Phone:            customer,
		OrganizationName: s.deps.Conversations.GetOrganizationName(ctx, org),
		Messages:         s.deps.Conversations.GetContext(ctx, org, customer),
	}
	if resp.Messages == nil {
		resp.Messages = []conversation.Message{}
	}
	if summary, ok := s.deps.Conversations.GetSummary(ctx, org, customer); ok {
		resp.Summary = &summary
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) requireOutbound() error {
	if s.deps.Outbound == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "outbound transport is not configured")
	}
	return nil
}

// handleSendMessage sends a text on behalf of an operator, records it in the
// customer's context and broadcasts it.
func (s *Server) handleSendMessage(c echo.Context) error {
	ctx := c.Request().Context()
	org, leadID := orgOf(c), c.Param("lead_id")

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Body = strings.TrimSpace(req.Body)
	if req.Body == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "body field is required")
	}
	role := req.Role
	switch role {
	case "":
		role = conversation.RoleOperator
	case conversation.RoleOperator, conversation.RoleAgent, conversation.RoleSystem:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "role must be human_operator, agent or system")
	}
	customer, err := s.customerPhone(c, req.Phone)
	if err != nil {
		return err
	}
	if err := s.requireOutbound(); err != nil {
		return err
	}

	now := s.now().UTC()
	out := OutboundSMS{
		ID:          uuid.NewString(),
		Org:         org,
		LeadID:      leadID,
		To:          customer,
		Body:        req.Body,
		RequestedAt: now,
	}
	if err := s.deps.Outbound.SendSMS(ctx, out); err != nil {
		s.logger.Warn("outbound sms handoff failed", zap.String("lead.id", leadID), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "outbound transport unavailable")
	}

	msg := conversation.Message{
		ID:        out.ID,
		Role:      role,
		Channel:   conversation.ChannelSMS,
		Content:   req.Body,
		Timestamp: now,
	}
	if _, err := s.deps.Conversations.AppendMessages(ctx, org, customer, leadID, msg); err != nil {
		return err
	}

	f := broadcast.NewFrame(string(webhook.KindMessageSent), msg)
	f.Org, f.LeadID, f.Phone = org, leadID, customer
	delivery := s.deps.Broadcaster.Broadcast(ctx, f)

	return c.JSON(http.StatusOK, SendMessageResponse{
		Success:    true,
		MessageSID: out.ID,
		Message:    msg,
		Delivered:  delivery.Delivered,
	})
}

// handleStartCall asks the voice transport to call the customer. The call's
// own events arrive later through the voice webhooks.
func (s *Server) handleStartCall(c echo.Context) error {
	ctx := c.Request().Context()
	org, leadID := orgOf(c), c.Param("lead_id")

	var req StartCallRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	customer, err := s.customerPhone(c, req.Phone)
	if err != nil {
		return err
	}
	if err := s.requireOutbound(); err != nil {
		return err
	}

	vars := make(map[string]string, len(req.Vars)+3)
	for k, v := range req.Vars {
		vars[k] = v
	}
	vars["lead_id"] = leadID
	vars["org_id"] = org
	vars["customer_phone"] = customer

	out := OutboundCall{
		ID:               uuid.NewString(),
		Org:              org,
		LeadID:           leadID,
		To:               customer,
		AgentID:          req.AgentID,
		DynamicVariables: vars,
		RequestedAt:      s.now().UTC(),
	}
	if err := s.deps.Outbound.StartCall(ctx, out); err != nil {
		s.logger.Warn("outbound call handoff failed", zap.String("lead.id", leadID), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "outbound transport unavailable")
	}

	// Call events that carry only the phone resolve the lead through this
	// mapping. The call variables already carry lead_id, so a failure here
	// does not fail the request.
	if err := s.deps.Conversations.SetLeadForPhone(ctx, org, customer, leadID); err != nil {
		s.logger.Warn("recording lead for call failed", zap.String("lead.id", leadID), zap.Error(err))
	}

	f := broadcast.NewFrame(FrameCallRequested, map[string]string{"request_id": out.ID, "agent_id": req.AgentID})
	f.Org, f.LeadID, f.Phone = org, leadID, customer
	s.deps.Broadcaster.Broadcast(ctx, f)

	return c.JSON(http.StatusAccepted, StartCallResponse{
		Success:     true,
		RequestID:   out.ID,
		RequestedAt: out.RequestedAt,
	})
}
