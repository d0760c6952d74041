package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/cache"
	"github.com/fyrsmithlabs/leadrelay/internal/config"
	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
	"github.com/fyrsmithlabs/leadrelay/internal/migration"
)

var (
	// snapshotPath overrides migration.snapshot_path
	snapshotPath string
	// dryRun only reports what the snapshot holds
	dryRun bool
	// migrateTimeout bounds the whole pass
	migrateTimeout time.Duration
)

func init() {
	migrateCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "legacy snapshot file (defaults to migration.snapshot_path)")
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be migrated without writing to the cache")
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 30*time.Minute, "maximum duration of the pass")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Drain a legacy state snapshot into the shared cache",
	Long: `Migrate conversation state kept by a previous in-process deployment into the
shared NATS cache.

Records are removed from the snapshot only once the cache confirms them, and
never overwrite newer cached state. Records left behind are written back to
the snapshot so the command can be re-run.

Examples:
  # Migrate using the configured snapshot path
  leadrelay migrate

  # Migrate a specific snapshot
  leadrelay migrate --snapshot /var/lib/leadrelay/legacy.json

  # Show record counts only
  leadrelay migrate --snapshot legacy.json --dry-run`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	path := snapshotPath
	if path == "" {
		path = cfg.Migration.SnapshotPath
	}
	if path == "" {
		return fmt.Errorf("no snapshot: pass --snapshot or set migration.snapshot_path")
	}

	out := cmd.OutOrStdout()
	if dryRun {
		legacy, err := migration.LoadFile(path)
		if err != nil {
			return err
		}
		counts := legacy.Counts()
		fmt.Fprintf(out, "Snapshot: %s\n", path)
		for _, cat := range migration.Categories() {
			fmt.Fprintf(out, "  %-14s %d\n", cat, counts[cat])
		}
		return nil
	}

	if cfg.Cache.NATSURL == "" {
		return fmt.Errorf("cache.nats_url is required: migrated records must reach the shared cache")
	}

	logger, err := newLogger(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()

	ttl := ttlPolicy(cfg.Cache)
	remote, err := cache.Connect(cfg.Cache.NATSURL, cache.NATSConfig{
		Bucket:   cfg.Cache.Bucket,
		MaxAge:   ttl.Longest(),
		Replicas: cfg.Cache.Replicas,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = remote.Close()
	}()
	if err := remote.Ping(ctx); err != nil {
		return fmt.Errorf("nats cache unreachable: %w", err)
	}

	store := cache.NewTiered(remote, cache.Config{
		RemoteTimeout: cfg.Cache.RemoteTimeout,
		RetryInterval: cfg.Cache.RetryInterval,
	}, logger)
	repo := conversation.NewRepository(store, conversation.Config{
		MaxMessages: cfg.Conversation.MaxMessages,
		TTL:         ttl,
	}, logger)

	m, err := newSnapshotMigrator(path, repo, false, logger)
	if err != nil {
		return err
	}
	report, runErr := m.Run(ctx)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if report.Remaining > 0 {
		fmt.Fprintf(os.Stderr, "[leadrelay] %d record(s) left in %s; re-run to retry\n", report.Remaining, path)
		logger.Warn("records left behind", zap.Int("remaining", report.Remaining))
	}
	return nil
}
