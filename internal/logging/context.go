package logging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/sanitize"
)

type (
	orgCtxKey          struct{}
	leadCtxKey         struct{}
	conversationCtxKey struct{}
	requestCtxKey      struct{}
	loggerCtxKey       struct{}
)

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if v := OrgFromContext(ctx); v != "" {
		fields = append(fields, zap.String("org.id", v))
	}
	if v := LeadFromContext(ctx); v != "" {
		fields = append(fields, zap.String("lead.id", v))
	}
	if v := ConversationFromContext(ctx); v != "" {
		fields = append(fields, zap.String("conversation.id", v))
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	return fields
}

func withID(ctx context.Context, key any, id, name string) context.Context {
	if err := sanitize.ValidateID(id, name); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, key, id)
}

func stringFrom(ctx context.Context, key any) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithOrg adds the organization id to ctx.
// Panics if orgID is empty or malformed; callers validate input first.
func WithOrg(ctx context.Context, orgID string) context.Context {
	return withID(ctx, orgCtxKey{}, orgID, "org id")
}

// OrgFromContext returns the organization id in ctx.
func OrgFromContext(ctx context.Context) string {
	return stringFrom(ctx, orgCtxKey{})
}

// WithLead adds the lead id to ctx. Panics if leadID is malformed.
func WithLead(ctx context.Context, leadID string) context.Context {
	return withID(ctx, leadCtxKey{}, leadID, "lead id")
}

// LeadFromContext returns the lead id in ctx.
func LeadFromContext(ctx context.Context) string {
	return stringFrom(ctx, leadCtxKey{})
}

// WithConversation adds the provider conversation id to ctx.
// Panics if id is malformed.
func WithConversation(ctx context.Context, id string) context.Context {
	return withID(ctx, conversationCtxKey{}, id, "conversation id")
}

// ConversationFromContext returns the conversation id in ctx.
func ConversationFromContext(ctx context.Context) string {
	return stringFrom(ctx, conversationCtxKey{})
}

// WithRequestID adds the request id to ctx. Panics if requestID is malformed.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestCtxKey{}, requestID, "request id")
}

// RequestIDFromContext returns the request id in ctx.
func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestCtxKey{})
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Wrap(nil)
}
