package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/broadcast"
	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
	"github.com/fyrsmithlabs/leadrelay/internal/logging"
	"github.com/fyrsmithlabs/leadrelay/internal/sanitize"
)

const instrumentationName = "github.com/fyrsmithlabs/leadrelay/internal/webhook"

// Repository is the conversation state used by the processor.
// conversation.Repository implements it.
type Repository interface {
	MetadataLookup
	AppendMessages(ctx context.Context, org, customerPhone, leadID string, msgs ...conversation.Message) ([]conversation.Message, error)
	SetSummary(ctx context.Context, org, customerPhone, text string, at time.Time) error
	SetConversationMeta(ctx context.Context, meta conversation.Meta) error
	ResolveLead(ctx context.Context, org, customerPhone string) (string, bool)
	MarkSeen(ctx context.Context, org, id string) bool
}

// Broadcaster delivers frames to live subscribers. broadcast.Registry
// implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, f broadcast.Frame) broadcast.Delivery
}

// Result reports what the processor did with an event.
type Result struct {
	Kind      Kind               `json:"kind"`
	Duplicate bool               `json:"duplicate,omitempty"`
	Routed    bool               `json:"routed"`
	Delivery  broadcast.Delivery `json:"delivery"`
	Identity  Identity           `json:"identity"`
}

// Processor applies normalized events to conversation state and fans them
// out to subscribers.
type Processor struct {
	repo        Repository
	broadcaster Broadcaster
	logger      *zap.Logger
	tracer      trace.Tracer

	eventCounter   metric.Int64Counter
	resolveCounter metric.Int64Counter
}

// NewProcessor creates a processor.
func NewProcessor(repo Repository, broadcaster Broadcaster, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		repo:        repo,
		broadcaster: broadcaster,
		logger:      logger.Named("webhook"),
		tracer:      otel.Tracer(instrumentationName),
	}
	p.initMetrics(otel.Meter(instrumentationName))
	return p
}

func (p *Processor) initMetrics(meter metric.Meter) {
	var err error
	p.eventCounter, err = meter.Int64Counter(
		"leadrelay.webhook.events_total",
		metric.WithDescription("Normalized webhook events by kind and outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		p.logger.Warn("failed to create event counter", zap.Error(err))
	}
	p.resolveCounter, err = meter.Int64Counter(
		"leadrelay.webhook.identity_resolutions_total",
		metric.WithDescription("Identities completed, by the extractor that completed them"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		p.logger.Warn("failed to create resolution counter", zap.Error(err))
	}
}

func (p *Processor) count(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// Process applies ev. Provider retries of an already processed delivery are
// reported as duplicates and not applied again. Errors are returned only for
// events that cannot be applied at all.
func (p *Processor) Process(ctx context.Context, ev Event) (Result, error) {
	env := ev.Env()
	ctx, span := p.tracer.Start(ctx, "webhook.process",
		trace.WithAttributes(
			attribute.String("event.kind", string(ev.Kind())),
			attribute.String("event.source", string(env.Source)),
			attribute.String("org.id", env.Org),
			attribute.Bool("identity.complete", env.Complete()),
		),
	)
	defer span.End()

	result := Result{Kind: ev.Kind(), Identity: env.Identity}
	if err := validateIdentity(env.Identity); err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.count(ctx, p.eventCounter, attribute.String("kind", string(ev.Kind())), attribute.String("result", "invalid"))
		return result, err
	}
	if env.Org != "" {
		ctx = logging.WithOrg(ctx, env.Org)
	}
	if env.ConversationID != "" {
		ctx = logging.WithConversation(ctx, env.ConversationID)
	}

	if env.ID != "" && !p.repo.MarkSeen(ctx, env.Org, string(env.Source)+":"+env.ID) {
		result.Duplicate = true
		span.SetAttributes(attribute.Bool("event.duplicate", true))
		p.count(ctx, p.eventCounter, attribute.String("kind", string(ev.Kind())), attribute.String("result", "duplicate"))
		return result, nil
	}

	p.completeIdentity(ctx, env)
	result.Identity = env.Identity

	if err := p.apply(ctx, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.count(ctx, p.eventCounter, attribute.String("kind", string(ev.Kind())), attribute.String("result", "error"))
		return result, err
	}

	f, ok := p.frame(ev)
	if ok {
		result.Routed = true
		result.Delivery = p.broadcaster.Broadcast(ctx, f)
		span.SetAttributes(attribute.Int("broadcast.delivered", result.Delivery.Delivered))
	} else {
		p.logger.Debug("event has no route, dropped", zap.String("kind", string(ev.Kind())))
	}
	p.count(ctx, p.eventCounter, attribute.String("kind", string(ev.Kind())), attribute.String("result", "ok"))
	return result, nil
}

// validateIdentity rejects identifiers that cannot be used in keys or logs.
func validateIdentity(id Identity) error {
	for _, f := range []struct{ v, name string }{
		{id.Org, "org id"},
		{id.LeadID, "lead id"},
		{id.ConversationID, "conversation id"},
	} {
		if err := sanitize.ValidateOptionalID(f.v, f.name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return nil
}

// completeIdentity fills the lead from the phone mapping and persists a
// newly recovered identity as conversation metadata.
func (p *Processor) completeIdentity(ctx context.Context, env *Envelope) {
	if env.LeadID == "" && env.Org != "" && env.Phone != "" {
		if lead, ok := p.repo.ResolveLead(ctx, env.Org, env.Phone); ok {
			env.LeadID = lead
			if env.ResolvedBy == "" && env.Complete() {
				env.ResolvedBy = ExtractorLeadMapping
			}
		}
	}
	if env.ResolvedBy != "" {
		p.count(ctx, p.resolveCounter, attribute.String("extractor", env.ResolvedBy))
	}

	// Metadata written here lets later events of the conversation resolve on
	// the stored metadata step.
	if env.Complete() && env.ResolvedBy != ExtractorMetadata {
		err := p.repo.SetConversationMeta(ctx, conversation.Meta{
			ConversationID: env.ConversationID,
			Org:            env.Org,
			LeadID:         env.LeadID,
			Phone:          env.Phone,
			Channel:        channelOf(env.Source),
			UpdatedAt:      env.At,
		})
		if err != nil {
			p.logger.Warn("storing conversation metadata failed",
				zap.String("conversation.id", env.ConversationID),
				zap.Error(err),
			)
		}
	}
}

func channelOf(s Source) conversation.Channel {
	if s == SourceSMS {
		return conversation.ChannelSMS
	}
	return conversation.ChannelVoice
}

// apply writes the state changes carried by ev.
func (p *Processor) apply(ctx context.Context, ev Event) error {
	env := ev.Env()
	switch e := ev.(type) {
	case *MessageReceived:
		return p.append(ctx, env, conversation.Message{
			ID:        e.MessageSID,
			Role:      conversation.RoleCustomer,
			Channel:   conversation.ChannelSMS,
			Content:   e.Body,
			Timestamp: env.At,
		})

	case *TranscriptLine:
		return p.append(ctx, env, conversation.Message{
			ID:        env.ID,
			Role:      e.Role,
			Channel:   conversation.ChannelVoice,
			Content:   e.Text,
			Timestamp: env.At,
		})

	case *SummaryReady:
		if e.Summary == "" {
			return nil
		}
		if env.Org == "" || env.Phone == "" {
			p.logger.Warn("post-call summary without customer, not stored",
				zap.String("conversation.id", env.ConversationID),
			)
			return nil
		}
		return p.repo.SetSummary(ctx, env.Org, env.Phone, e.Summary, env.At)
	}
	return nil
}

func (p *Processor) append(ctx context.Context, env *Envelope, m conversation.Message) error {
	if env.Org == "" || env.Phone == "" {
		p.logger.Debug("message without customer, not stored",
			zap.String("source", string(env.Source)),
			zap.String("conversation.id", env.ConversationID),
		)
		return nil
	}
	_, err := p.repo.AppendMessages(ctx, env.Org, env.Phone, env.LeadID, m)
	if err != nil && !errors.Is(err, conversation.ErrMissingPhone) {
		return err
	}
	return nil
}

// frame builds the broadcast frame for ev. Events without an organization
// cannot be routed without crossing tenants and are dropped.
func (p *Processor) frame(ev Event) (broadcast.Frame, bool) {
	env := ev.Env()
	if env.Org == "" {
		return broadcast.Frame{}, false
	}
	if _, ok := ev.(*Unknown); ok {
		return broadcast.Frame{}, false
	}
	f := broadcast.NewFrame(string(ev.Kind()), ev)
	f.Org = env.Org
	f.LeadID = env.LeadID
	f.Phone = env.Phone
	f.ConversationID = env.ConversationID
	if !env.At.IsZero() {
		f.At = env.At
	}
	return f, true
}
