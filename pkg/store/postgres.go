package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/agentdesk/conductor/pkg/approval"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig tunes the connection pool. Zero values keep the driver
// defaults.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Postgres implements Store on a Postgres database via the pgx driver.
// Migrations are embedded and applied on open.
type Postgres struct {
	db *stdsql.DB
}

// NewPostgres opens the pool, verifies the connection and applies pending
// migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := stdsql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	return &Postgres{db: db}, nil
}

func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "conductor", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	// Close only the source. m.Close() would also close the database driver,
	// which closes the shared *sql.DB.
	return source.Close()
}

// DB exposes the pool for health checks.
func (p *Postgres) DB() *stdsql.DB { return p.db }

func (p *Postgres) SaveSession(ctx context.Context, rec SessionRecord) error {
	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}
	cost, err := json.Marshal(rec.Cost)
	if err != nil {
		return fmt.Errorf("encoding cost: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO sessions (id, driver, prompt, phase, transcript, cost, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   phase = EXCLUDED.phase,
		   transcript = EXCLUDED.transcript,
		   cost = EXCLUDED.cost,
		   completed_at = EXCLUDED.completed_at`,
		rec.ID, rec.Driver, rec.Prompt, rec.Phase, transcript, cost,
		rec.CreatedAt, nilTime(rec.CompletedAt))
	return err
}

func (p *Postgres) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	var transcript, cost []byte
	var completedAt *time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT id, driver, prompt, phase, transcript, cost, created_at, completed_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Driver, &rec.Prompt, &rec.Phase, &transcript, &cost,
		&rec.CreatedAt, &completedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
		return SessionRecord{}, fmt.Errorf("decoding transcript: %w", err)
	}
	if err := json.Unmarshal(cost, &rec.Cost); err != nil {
		return SessionRecord{}, fmt.Errorf("decoding cost: %w", err)
	}
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	return rec, nil
}

// ListSessions returns summaries newest first. Message counts come from
// jsonb_array_length so the transcripts are never loaded.
func (p *Postgres) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, driver, prompt, phase, jsonb_array_length(transcript), created_at, completed_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var completedAt *time.Time
		if err := rows.Scan(&s.ID, &s.Driver, &s.Prompt, &s.Phase,
			&s.MessageCount, &s.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt != nil {
			s.CompletedAt = *completedAt
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) LoadRules(ctx context.Context) ([]approval.Rule, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT pattern, session_id, approved, scope, created_at
		 FROM approval_rules ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approval.Rule
	for rows.Next() {
		var r approval.Rule
		if err := rows.Scan(&r.Pattern, &r.SessionID, &r.Approved, &r.Scope, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveRule(ctx context.Context, rule approval.Rule) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO approval_rules (pattern, session_id, approved, scope, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (pattern, session_id) DO UPDATE SET
		   approved = EXCLUDED.approved,
		   scope = EXCLUDED.scope,
		   created_at = EXCLUDED.created_at`,
		rule.Pattern, rule.SessionID, rule.Approved, rule.Scope, rule.CreatedAt)
	return err
}

func (p *Postgres) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (p *Postgres) SetSetting(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now())
	return err
}

func (p *Postgres) Close() error { return p.db.Close() }

func nilTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
