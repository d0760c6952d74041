package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/archive"
	"github.com/fyrsmithlabs/leadrelay/internal/broadcast"
	"github.com/fyrsmithlabs/leadrelay/internal/cache"
	"github.com/fyrsmithlabs/leadrelay/internal/config"
	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
	httpapi "github.com/fyrsmithlabs/leadrelay/internal/http"
	"github.com/fyrsmithlabs/leadrelay/internal/logging"
	"github.com/fyrsmithlabs/leadrelay/internal/migration"
	"github.com/fyrsmithlabs/leadrelay/internal/telemetry"
	"github.com/fyrsmithlabs/leadrelay/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and streaming server",
	Long: `Start the leadrelay HTTP server.

The server connects to NATS when cache.nats_url is set and otherwise runs on
the in-process cache alone. SIGINT and SIGTERM close every live stream and
shut the server down gracefully.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

// runServe loads configuration, wires every component and serves until ctx
// is cancelled.
func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := newLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("starting leadrelay",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("remote_cache", cfg.Cache.NATSURL != ""),
		zap.Bool("archive", cfg.Archive.DSN.IsSet()),
		zap.Bool("telemetry", cfg.Observability.EnableTelemetry),
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer a.Close()

	if err := a.run(ctx); err != nil {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

// newLogger builds the process logger from the operator-facing logging
// section. Log records are also exported over OTLP when telemetry is on.
func newLogger(cfg *config.Config, tel *telemetry.Telemetry) (*zap.Logger, error) {
	lc := logging.NewDefaultConfig()
	if cfg.Logging.Level != "" {
		lc.Level = cfg.Logging.Level
	}
	if cfg.Logging.Format != "" {
		lc.Format = cfg.Logging.Format
	}
	lc.OTEL = cfg.Observability.EnableTelemetry
	l, err := logging.NewLogger(lc, tel.LoggerProvider())
	if err != nil {
		return nil, err
	}
	return l.Underlying(), nil
}

// app holds the wired components of a running server.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	remote   *cache.NATSRemote
	store    *cache.Tiered
	archive  *archive.Postgres
	repo     *conversation.Repository
	registry *broadcast.Registry
	migrator *snapshotMigrator
	server   *httpapi.Server
}

// newApp wires the components described by cfg. Nothing here blocks on the
// network: NATS reconnects in the background and Postgres is opened lazily.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	ttl := ttlPolicy(cfg.Cache)

	var remote cache.Remote
	if cfg.Cache.NATSURL != "" {
		r, err := cache.Connect(cfg.Cache.NATSURL, cache.NATSConfig{
			Bucket:   cfg.Cache.Bucket,
			MaxAge:   ttl.Longest(),
			Replicas: cfg.Cache.Replicas,
		})
		if err != nil {
			return nil, err
		}
		a.remote = r
		remote = r
	} else {
		logger.Warn("cache.nats_url is not set; state lives in this process only")
	}

	a.store = cache.NewTiered(remote, cache.Config{
		RemoteTimeout:      cfg.Cache.RemoteTimeout,
		RetryInterval:      cfg.Cache.RetryInterval,
		FallbackMaxEntries: cfg.Cache.FallbackMaxEntries,
	}, logger)

	var repoOpts []conversation.Option
	if cfg.Archive.DSN.IsSet() {
		pg, err := archive.New(cfg.Archive.DSN.Value(), cfg.Archive.Timeout)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.archive = pg
		repoOpts = append(repoOpts, conversation.WithArchive(pg), conversation.WithDirectory(pg))
		logger.Info("postgres archive enabled", logging.Secret("dsn", cfg.Archive.DSN))
	}

	a.repo = conversation.NewRepository(a.store, conversation.Config{
		MaxMessages: cfg.Conversation.MaxMessages,
		TTL:         ttl,
	}, logger, repoOpts...)

	regOpts := []broadcast.Option{broadcast.WithMapper(a.repo)}
	if cfg.Stream.MirrorSubject != "" {
		if a.remote != nil {
			regOpts = append(regOpts, broadcast.WithPublisher(broadcast.NewMirror(a.remote.Conn(), cfg.Stream.MirrorSubject)))
		} else {
			logger.Warn("stream.mirror_subject needs cache.nats_url; frames are not mirrored")
		}
	}
	a.registry = broadcast.NewRegistry(broadcast.Config{
		KeepaliveInterval: cfg.Stream.KeepaliveInterval,
		WriteTimeout:      cfg.Stream.WriteTimeout,
	}, logger, regOpts...)

	normalizer, err := webhook.NewNormalizer(webhook.Config{
		SilenceThreshold: cfg.Webhook.SilenceThreshold,
		Numbers:          webhook.NumberDirectory(cfg.Webhook.Numbers),
		DefaultOrg:       cfg.Webhook.DefaultOrg,
	}, a.repo)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := httpapi.Deps{
		Conversations: a.repo,
		Normalizer:    normalizer,
		Processor:     webhook.NewProcessor(a.repo, a.registry, logger),
		Broadcaster:   a.registry,
		Cache:         a.store,
	}
	if a.remote != nil {
		deps.Outbound = httpapi.NewNATSOutbound(a.remote.Conn(), cfg.Outbound.Subject)
	} else {
		logger.Warn("outbound handoff needs cache.nats_url; dashboard sends and calls are disabled")
	}

	if cfg.Migration.SnapshotPath != "" {
		m, err := newSnapshotMigrator(cfg.Migration.SnapshotPath, a.repo, remote == nil, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.migrator = m
		deps.Migrator = m
	}

	var secret []byte
	if cfg.Webhook.VoiceSecret.IsSet() {
		secret = []byte(cfg.Webhook.VoiceSecret.Value())
	} else {
		logger.Warn("webhook.voice_secret is not set; voice webhooks are not authenticated")
	}
	a.server, err = httpapi.NewServer(deps, logger, &httpapi.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		VoiceSecret:        secret,
		SignatureTolerance: cfg.Webhook.SignatureTolerance,
		RateLimit:          cfg.Webhook.RateLimit,
		RateBurst:          cfg.Webhook.RateBurst,
		AllowedOrigins:     cfg.Stream.AllowedOrigins,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// run starts the background loops and the HTTP server, and blocks until ctx
// is cancelled or the server fails.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.store.Run(ctx, a.cfg.Cache.SweepInterval)
	// Cancelling ctx closes every subscriber, which ends the stream
	// handlers so Shutdown does not wait on them.
	go a.registry.Run(ctx)

	if a.migrator != nil && a.cfg.Migration.RunOnStart {
		go func() {
			if _, err := a.migrator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("startup migration failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// Close releases network resources.
func (a *app) Close() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("closing archive", zap.Error(err))
		}
	}
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			a.logger.Warn("closing nats connection", zap.Error(err))
		}
	}
}

// ttlPolicy maps the cache section onto per-class TTLs. Its longest TTL is
// the bucket-wide max age; entries carry their own, shorter expiry.
func ttlPolicy(c config.CacheConfig) cache.TTLPolicy {
	return cache.TTLPolicy{
		Context:      c.TTLContext,
		Mapping:      c.TTLMapping,
		Organization: c.TTLOrganization,
		Ephemeral:    c.TTLEphemeral,
	}
}

// snapshotMigrator runs migration passes from a legacy snapshot file and
// writes the records left behind back to the file, so a later pass resumes
// where this one stopped.
type snapshotMigrator struct {
	path    string
	manager *migration.Manager
	logger  *zap.Logger
}

func newSnapshotMigrator(path string, target migration.Target, allowFallback bool, logger *zap.Logger) (*snapshotMigrator, error) {
	legacy, err := migration.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &snapshotMigrator{
		path:    path,
		manager: migration.NewManager(legacy, target, migration.Config{AllowFallback: allowFallback}, logger),
		logger:  logger,
	}, nil
}

// Run implements httpapi.Migrator.
func (m *snapshotMigrator) Run(ctx context.Context) (migration.Report, error) {
	report, err := m.manager.Run(ctx)
	if errors.Is(err, migration.ErrRunning) {
		return report, err
	}
	if saveErr := m.manager.Legacy().SaveFile(m.path); saveErr != nil {
		m.logger.Error("saving legacy snapshot", zap.String("path", m.path), zap.Error(saveErr))
		if err == nil {
			err = saveErr
		}
	}
	return report, err
}
