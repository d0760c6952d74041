// Package broadcast keeps the registry of live dashboard subscribers and fans
// normalized events out to them.
//
// Each lead has at most one subscriber. Registering again for the same lead
// replaces and closes the previous subscriber. A subscriber whose write fails
// is pruned at once; the dashboard is expected to reconnect.
package broadcast

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/logging"
	"github.com/fyrsmithlabs/leadrelay/internal/phone"
)

const (
	// DefaultKeepaliveInterval stays under common proxy idle timeouts.
	DefaultKeepaliveInterval = 25 * time.Second
	// DefaultWriteTimeout bounds a single write to a subscriber.
	DefaultWriteTimeout = 5 * time.Second
)

// Sink is the transport of one subscriber, such as an SSE response or a
// websocket. Send is never called concurrently for the same sink.
type Sink interface {
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Mapper keeps the phone to lead mapping in step with registrations.
// conversation.Repository implements it.
type Mapper interface {
	SetLeadForPhone(ctx context.Context, org, customerPhone, leadID string) error
	ClearLeadForPhone(ctx context.Context, org, customerPhone, expectedLead string) bool
}

// Publisher receives a copy of every broadcast frame.
type Publisher interface {
	PublishFrame(f Frame) error
}

// Config configures a Registry.
type Config struct {
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
}

// Option configures optional collaborators.
type Option func(*Registry)

// WithMapper updates phone mappings on register and unregister.
func WithMapper(m Mapper) Option {
	return func(r *Registry) { r.mapper = m }
}

// WithPublisher mirrors every broadcast frame to p.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

type subKey struct {
	org  string
	lead string
}

// Registry tracks live subscribers.
type Registry struct {
	cfg       Config
	mapper    Mapper
	publisher Publisher
	logger    *zap.Logger
	metrics   *Metrics

	mu   sync.RWMutex
	subs map[subKey]*Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:     cfg,
		logger:  logger.Named("broadcast"),
		metrics: NewMetrics(),
		subs:    make(map[subKey]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscription is one registered subscriber.
type Subscription struct {
	reg    *Registry
	key    subKey
	phone  string
	sink   Sink
	sendMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Org returns the subscriber's organization.
func (s *Subscription) Org() string { return s.key.org }

// LeadID returns the subscriber's lead.
func (s *Subscription) LeadID() string { return s.key.lead }

// Done is closed once the subscription is removed from the registry, whether
// by Close, supersession or pruning.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unregisters the subscription. It is a no-op when a newer
// registration has already replaced it.
func (s *Subscription) Close() {
	s.reg.remove(s, "closed")
}

// send writes f under the subscription's lock so frames reach one
// subscriber in the order they were sent.
func (s *Subscription) send(ctx context.Context, timeout time.Duration, f Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.sink.Send(ctx, f)
}

func (s *Subscription) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.sink.Close()
	})
}

// Register adds a subscriber for leadID, replacing any current one. When
// customerPhone is given the phone is mapped to leadID.
func (r *Registry) Register(ctx context.Context, org, leadID, customerPhone string, sink Sink) *Subscription {
	key := subKey{org: org, lead: leadID}

	r.mu.Lock()
	sub := &Subscription{
		reg:   r,
		key:   key,
		phone: phone.Normalize(customerPhone),
		sink:  sink,
		done:  make(chan struct{}),
	}
	previous := r.subs[key]
	r.subs[key] = sub
	count := len(r.subs)
	r.mu.Unlock()

	r.metrics.Subscribers.Set(float64(count))
	if previous != nil {
		r.metrics.Superseded.Inc()
		r.logger.Debug("subscriber superseded", zap.String("org.id", org), zap.String("lead.id", leadID))
		previous.shutdown()
	}

	if sub.phone != "" && r.mapper != nil && org != "" {
		if err := r.mapper.SetLeadForPhone(ctx, org, sub.phone, leadID); err != nil {
			r.logger.Warn("mapping phone on register failed",
				zap.String("org.id", org),
				zap.String("lead.id", leadID),
				zap.Error(err),
			)
		}
	}

	r.logger.Info("subscriber registered",
		zap.String("org.id", org),
		zap.String("lead.id", leadID),
		logging.MaskedPhone(sub.phone),
		zap.Int("subscribers", count),
	)
	return sub
}

// Unregister removes the current subscriber for leadID, if any.
func (r *Registry) Unregister(org, leadID string) {
	r.mu.RLock()
	sub := r.subs[subKey{org: org, lead: leadID}]
	r.mu.RUnlock()
	if sub != nil {
		r.remove(sub, "unregistered")
	}
}

// remove drops sub if it is still the current subscriber for its lead.
func (r *Registry) remove(sub *Subscription, reason string) bool {
	r.mu.Lock()
	current, ok := r.subs[sub.key]
	removed := ok && current == sub
	if removed {
		delete(r.subs, sub.key)
	}
	count := len(r.subs)
	r.mu.Unlock()

	sub.shutdown()
	if !removed {
		return false
	}
	r.metrics.Subscribers.Set(float64(count))

	// The mapping is cleared only while it still names this lead, so a late
	// disconnect cannot undo a newer registration.
	if sub.phone != "" && r.mapper != nil && sub.key.org != "" {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		r.mapper.ClearLeadForPhone(ctx, sub.key.org, sub.phone, sub.key.lead)
		cancel()
	}
	r.logger.Info("subscriber removed",
		zap.String("org.id", sub.key.org),
		zap.String("lead.id", sub.key.lead),
		zap.String("reason", reason),
		zap.Int("subscribers", count),
	)
	return true
}

// Len returns the number of live subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Has reports whether leadID has a live subscriber.
func (r *Registry) Has(org, leadID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[subKey{org: org, lead: leadID}]
	return ok
}

// Delivery reports the outcome of a broadcast.
type Delivery struct {
	Delivered int `json:"delivered"`
	Pruned    int `json:"pruned"`
}

func scopeOf(f Frame) string {
	switch {
	case f.LeadID != "":
		return "lead"
	case f.Org != "":
		return "org"
	default:
		return "all"
	}
}

func (r *Registry) targets(f Frame) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if f.LeadID != "" && f.Org != "" {
		if sub, ok := r.subs[subKey{org: f.Org, lead: f.LeadID}]; ok {
			return []*Subscription{sub}
		}
		return nil
	}
	var out []*Subscription
	for key, sub := range r.subs {
		switch {
		case f.LeadID != "" && key.lead != f.LeadID:
		case f.LeadID == "" && f.Org != "" && key.org != f.Org:
		default:
			out = append(out, sub)
		}
	}
	return out
}

// Broadcast delivers f to its addressees. A frame for a lead without a
// subscriber is delivered to nobody and is not an error. Subscribers whose
// write fails are pruned.
func (r *Registry) Broadcast(ctx context.Context, f Frame) Delivery {
	if r.publisher != nil {
		result := "ok"
		if err := r.publisher.PublishFrame(f); err != nil {
			result = "error"
			r.logger.Debug("mirroring frame failed", zap.String("type", f.Type), zap.Error(err))
		}
		r.metrics.Mirrored.WithLabelValues(result).Inc()
	}
	return r.deliver(ctx, scopeOf(f), r.targets(f), f)
}

func (r *Registry) deliver(ctx context.Context, scope string, subs []*Subscription, f Frame) Delivery {
	if len(subs) == 0 {
		return Delivery{}
	}
	if len(subs) == 1 {
		return r.deliverOne(ctx, scope, subs[0], f)
	}

	var (
		mu    sync.Mutex
		total Delivery
		wg    sync.WaitGroup
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			d := r.deliverOne(ctx, scope, sub, f)
			mu.Lock()
			total.Delivered += d.Delivered
			total.Pruned += d.Pruned
			mu.Unlock()
		}(sub)
	}
	wg.Wait()
	return total
}

func (r *Registry) deliverOne(ctx context.Context, scope string, sub *Subscription, f Frame) Delivery {
	select {
	case <-sub.done:
		return Delivery{}
	default:
	}
	if err := sub.send(ctx, r.cfg.WriteTimeout, f); err != nil {
		r.metrics.Deliveries.WithLabelValues(scope, "error").Inc()
		r.logger.Debug("subscriber write failed",
			zap.String("org.id", sub.key.org),
			zap.String("lead.id", sub.key.lead),
			zap.Error(err),
		)
		if r.remove(sub, "write failed") {
			r.metrics.Pruned.WithLabelValues(scope).Inc()
			return Delivery{Pruned: 1}
		}
		return Delivery{}
	}
	r.metrics.Deliveries.WithLabelValues(scope, "ok").Inc()
	return Delivery{Delivered: 1}
}

// Keepalive sends a keepalive frame to every subscriber.
func (r *Registry) Keepalive(ctx context.Context) Delivery {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()
	return r.deliver(ctx, "keepalive", subs, NewFrame(FrameKeepalive, nil))
}

// Run sends keepalives until ctx is done, then closes every subscriber.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return
		case <-ticker.C:
			if d := r.Keepalive(ctx); d.Pruned > 0 {
				r.logger.Info("keepalive pruned subscribers", zap.Int("pruned", d.Pruned))
			}
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[subKey]*Subscription)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
	r.metrics.Subscribers.Set(0)
}
