package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the JetStream KeyValue bucket used when none is configured.
const DefaultBucket = "leadrelay"

// envelope wraps each stored value with its own expiry, since a bucket only
// carries a single max age.
type envelope struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix nanoseconds, 0 = never
}

// NATSConfig configures the JetStream KeyValue remote tier.
type NATSConfig struct {
	Bucket   string
	MaxAge   time.Duration
	Replicas int
	Memory   bool // use memory storage instead of file storage
}

// NATSRemote implements Remote on a JetStream KeyValue bucket.
//
// The bucket is created lazily on first use so the process can start while
// the NATS server is unreachable.
type NATSRemote struct {
	nc  *nats.Conn
	cfg NATSConfig
	now func() time.Time

	mu sync.Mutex
	kv jetstream.KeyValue
}

// NewNATSRemote wraps an existing connection.
func NewNATSRemote(nc *nats.Conn, cfg NATSConfig) *NATSRemote {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	return &NATSRemote{nc: nc, cfg: cfg, now: time.Now}
}

// Connect dials url and returns a remote backed by it. The connection keeps
// reconnecting in the background for the lifetime of the process.
func Connect(url string, cfg NATSConfig, opts ...nats.Option) (*NATSRemote, error) {
	base := []nats.Option{
		nats.Name("leadrelay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return NewNATSRemote(nc, cfg), nil
}

// Conn returns the underlying connection.
func (r *NATSRemote) Conn() *nats.Conn {
	return r.nc
}

// Close drains the connection.
func (r *NATSRemote) Close() error {
	if r.nc == nil {
		return nil
	}
	return r.nc.Drain()
}

func (r *NATSRemote) bucket(ctx context.Context) (jetstream.KeyValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kv != nil {
		return r.kv, nil
	}
	if !r.nc.IsConnected() {
		return nil, nats.ErrConnectionClosed
	}

	js, err := jetstream.New(r.nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	storage := jetstream.FileStorage
	if r.cfg.Memory {
		storage = jetstream.MemoryStorage
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      r.cfg.Bucket,
		Description: "leadrelay conversation state",
		History:     1,
		TTL:         r.cfg.MaxAge,
		Storage:     storage,
		Replicas:    r.cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("creating key-value bucket %s: %w", r.cfg.Bucket, err)
	}
	r.kv = kv
	return kv, nil
}

// Get implements Remote.
func (r *NATSRemote) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	kv, err := r.bucket(ctx)
	if err != nil {
		return nil, 0, err
	}
	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		// Unreadable records are treated as absent and overwritable.
		return nil, entry.Revision(), ErrNotFound
	}
	if env.ExpiresAt != 0 && r.now().UnixNano() >= env.ExpiresAt {
		return nil, entry.Revision(), ErrNotFound
	}
	return env.Value, entry.Revision(), nil
}

// Put implements Remote.
func (r *NATSRemote) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	kv, err := r.bucket(ctx)
	if err != nil {
		return err
	}
	data, err := r.wrap(value, ttl)
	if err != nil {
		return err
	}
	_, err = kv.Put(ctx, key, data)
	return err
}

// CompareAndPut implements Remote.
func (r *NATSRemote) CompareAndPut(ctx context.Context, key string, value []byte, ttl time.Duration, rev uint64) error {
	kv, err := r.bucket(ctx)
	if err != nil {
		return err
	}
	data, err := r.wrap(value, ttl)
	if err != nil {
		return err
	}
	if rev == 0 {
		_, err = kv.Create(ctx, key, data)
	} else {
		_, err = kv.Update(ctx, key, data, rev)
	}
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

// Delete implements Remote.
func (r *NATSRemote) Delete(ctx context.Context, key string) error {
	kv, err := r.bucket(ctx)
	if err != nil {
		return err
	}
	err = kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Ping implements Remote.
func (r *NATSRemote) Ping(ctx context.Context) error {
	kv, err := r.bucket(ctx)
	if err != nil {
		return err
	}
	_, err = kv.Status(ctx)
	return err
}

func (r *NATSRemote) wrap(value []byte, ttl time.Duration) ([]byte, error) {
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = r.now().Add(ttl).UnixNano()
	}
	return json.Marshal(env)
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
