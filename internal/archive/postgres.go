// Package archive is the long-term Postgres store behind the conversation
// cache. It receives a copy of every message and summary and serves
// organization display names. Nothing on the hot path reads messages back.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
)

// ErrInvalidDSN is returned by New for an empty DSN.
var ErrInvalidDSN = errors.New("archive: postgres dsn is required")

const (
	defaultTimeout     = 5 * time.Second
	messagesTable      = "leadrelay_messages"
	summariesTable     = "leadrelay_summaries"
	organizationsTable = "leadrelay_organizations"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres implements conversation.Archive and conversation.Directory.
//
// The connection and schema are set up lazily on first use, so an
// unreachable database never blocks startup.
type Postgres struct {
	dsn     string
	timeout time.Duration
	prefix  string
	openDB  sqlOpenFunc

	initMu  sync.Mutex
	openErr error
	db      *sql.DB
}

var (
	_ conversation.Archive   = (*Postgres)(nil)
	_ conversation.Directory = (*Postgres)(nil)
)

// New returns an archive for dsn. timeout bounds every statement.
func New(dsn string, timeout time.Duration) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Postgres{dsn: dsn, timeout: timeout, openDB: sql.Open}, nil
}

func (p *Postgres) table(name string) string {
	return quoteIdentifier(p.prefix + name)
}

// ensureReady opens the pool and creates the schema on first use. An
// unusable DSN fails every later call. A schema failure is retried by the
// next call, so a database that was down at first use is picked up once it
// is back.
func (p *Postgres) ensureReady() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.db != nil {
		return nil
	}
	if p.openErr != nil {
		return p.openErr
	}

	db, err := p.openDB("postgres", p.dsn)
	if err != nil {
		p.openErr = err
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				org_id TEXT NOT NULL,
				phone TEXT NOT NULL,
				lead_id TEXT NOT NULL DEFAULT '',
				message_id TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL,
				channel TEXT NOT NULL,
				content TEXT NOT NULL,
				sent_at TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, p.table(messagesTable)),
		fmt.Sprintf(`
			CREATE UNIQUE INDEX IF NOT EXISTS %s
			ON %s (org_id, message_id) WHERE message_id <> ''`,
			quoteIdentifier(p.prefix+messagesTable+"_msgid"), p.table(messagesTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				org_id TEXT NOT NULL,
				phone TEXT NOT NULL,
				summary TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (org_id, phone)
			)`, p.table(summariesTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				org_id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, p.table(organizationsTable)),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("creating archive schema: %w", err)
		}
	}
	p.db = db
	return nil
}

// SaveMessages implements conversation.Archive. Messages with an id already
// archived for the organization are skipped, so provider retries are safe.
func (p *Postgres) SaveMessages(ctx context.Context, org, phone, leadID string, msgs []conversation.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (org_id, phone, lead_id, message_id, role, channel, content, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (org_id, message_id) WHERE message_id <> '' DO NOTHING`, p.table(messagesTable))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing message insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, org, phone, leadID, m.ID, string(m.Role), string(m.Channel), m.Content, m.Timestamp.UTC()); err != nil {
			return fmt.Errorf("archiving message: %w", err)
		}
	}
	return tx.Commit()
}

// SaveSummary implements conversation.Archive. An older summary never
// replaces a newer one.
func (p *Postgres) SaveSummary(ctx context.Context, org, phone string, summary conversation.Summary) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (org_id, phone, summary, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, phone)
		DO UPDATE SET summary = EXCLUDED.summary, updated_at = EXCLUDED.updated_at
		WHERE %[1]s.updated_at <= EXCLUDED.updated_at`, p.table(summariesTable))
	_, err := p.db.ExecContext(ctx, query, org, phone, summary.Text, summary.UpdatedAt.UTC())
	return err
}

// OrganizationName implements conversation.Directory. An unknown
// organization yields "" and no error.
func (p *Postgres) OrganizationName(ctx context.Context, orgID string) (string, error) {
	if err := p.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT name FROM %s WHERE org_id = $1", p.table(organizationsTable))
	var name string
	err := p.db.QueryRowContext(ctx, query, orgID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, err
}

// PutOrganization creates or renames an organization.
func (p *Postgres) PutOrganization(ctx context.Context, orgID, name string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (org_id, name, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (org_id)
		DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()`, p.table(organizationsTable))
	_, err := p.db.ExecContext(ctx, query, orgID, name)
	return err
}

// History returns up to limit archived messages for a customer, oldest
// first. It is meant for reconstruction and reporting, not request handling.
func (p *Postgres) History(ctx context.Context, org, phone string, limit int) ([]conversation.Message, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT message_id, role, channel, content, sent_at FROM (
			SELECT id, message_id, role, channel, content, sent_at FROM %s
			WHERE org_id = $1 AND phone = $2
			ORDER BY sent_at DESC, id DESC
			LIMIT $3
		) recent ORDER BY sent_at ASC, id ASC`, p.table(messagesTable))
	rows, err := p.db.QueryContext(ctx, query, org, phone, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var (
			m             conversation.Message
			role, channel string
		)
		if err := rows.Scan(&m.ID, &role, &channel, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Role = conversation.Role(role)
		m.Channel = conversation.Channel(channel)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
