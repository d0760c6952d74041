package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/sanitize"
	"github.com/fyrsmithlabs/leadrelay/internal/webhook"
)

// smsAck is the empty messaging response: acknowledge, send no reply.
const smsAck = "<Response></Response>"

// webhookHint returns the identity the request itself carries. Providers
// cannot send custom headers, so the organization may come from the org_id
// query parameter of the configured webhook URL.
func webhookHint(c echo.Context) (webhook.Identity, error) {
	org := c.QueryParam("org_id")
	if org == "" {
		org = c.Request().Header.Get(OrgHeader)
	}
	if err := sanitize.ValidateOptionalID(org, "org id"); err != nil {
		return webhook.Identity{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return webhook.Identity{Org: org}, nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	return body, nil
}

// webhookError maps normalizer and processor errors to responses. Payload
// errors are the caller's; anything else is ours.
func (s *Server) webhookError(c echo.Context, err error) error {
	if errors.Is(err, webhook.ErrInvalidPayload) {
		s.logger.Info("rejected webhook payload",
			zap.String("route", c.Path()),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}

func (s *Server) process(c echo.Context, ev webhook.Event) (WebhookResponse, error) {
	res, err := s.deps.Processor.Process(c.Request().Context(), ev)
	if err != nil {
		return WebhookResponse{}, s.webhookError(c, err)
	}
	return WebhookResponse{
		Success:   true,
		Kind:      res.Kind,
		Duplicate: res.Duplicate,
		Delivered: res.Delivery.Delivered,
	}, nil
}

// handleSMS accepts an inbound text and answers with an empty messaging
// response.
func (s *Server) handleSMS(c echo.Context) error {
	hint, err := webhookHint(c)
	if err != nil {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	p, err := webhook.DecodeForm(c.Request().Header.Get(echo.HeaderContentType), body)
	if err != nil {
		return s.webhookError(c, err)
	}
	ev, err := s.deps.Normalizer.ParseSMS(c.Request().Context(), p, hint)
	if err != nil {
		return s.webhookError(c, err)
	}
	if _, err := s.process(c, ev); err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMETextXMLCharsetUTF8, []byte(smsAck))
}

// handleSMSStatus accepts a delivery status callback for an outbound text.
func (s *Server) handleSMSStatus(c echo.Context) error {
	hint, err := webhookHint(c)
	if err != nil {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	p, err := webhook.DecodeForm(c.Request().Header.Get(echo.HeaderContentType), body)
	if err != nil {
		return s.webhookError(c, err)
	}
	ev, err := s.deps.Normalizer.ParseSMSStatus(c.Request().Context(), p, hint)
	if err != nil {
		return s.webhookError(c, err)
	}
	resp, err := s.process(c, ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// verifyVoice checks the voice provider signature when a secret is set.
func (s *Server) verifyVoice(c echo.Context, body []byte) error {
	if len(s.config.VoiceSecret) == 0 {
		return nil
	}
	err := webhook.VerifySignature(
		s.config.VoiceSecret,
		c.Request().Header.Get(webhook.SignatureHeader),
		body,
		s.now(),
		s.config.SignatureTolerance,
	)
	if err != nil {
		s.logger.Warn("voice webhook signature rejected", zap.String("route", c.Path()), zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return nil
}

// handleVoice accepts any voice provider event.
func (s *Server) handleVoice(c echo.Context) error {
	hint, err := webhookHint(c)
	if err != nil {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if err := s.verifyVoice(c, body); err != nil {
		return err
	}
	ev, err := s.deps.Normalizer.ParseVoice(c.Request().Context(), body, hint)
	if errors.Is(err, webhook.ErrIgnored) {
		return c.JSON(http.StatusOK, WebhookResponse{Success: true, Ignored: true})
	}
	if err != nil {
		return s.webhookError(c, err)
	}
	resp, err := s.process(c, ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// handlePostCall accepts the post-call transcription payload.
func (s *Server) handlePostCall(c echo.Context) error {
	hint, err := webhookHint(c)
	if err != nil {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if err := s.verifyVoice(c, body); err != nil {
		return err
	}
	ev, err := s.deps.Normalizer.ParsePostCall(c.Request().Context(), body, hint)
	if err != nil {
		return s.webhookError(c, err)
	}
	resp, err := s.process(c, ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
