// Package logging builds the process logger and carries request correlation
// through context.
//
// The logger is zap with:
//   - a Trace level below Debug
//   - stdout and optional OpenTelemetry output
//   - secret redaction at the encoder
//   - level-aware sampling (errors are never sampled)
//
// Library packages take a plain *zap.Logger (Logger.Underlying). Request
// handlers use the context-aware methods so every entry carries trace ids and
// the organization, lead, conversation and request in scope:
//
//	ctx = logging.WithOrg(ctx, orgID)
//	ctx = logging.WithLead(ctx, leadID)
//	logger.Info(ctx, "inbound sms", logging.MaskedPhone(from))
//
// Phone numbers are never logged in full; use MaskedPhone.
package logging
