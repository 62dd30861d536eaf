package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cashback-engine/internal/config"
	"cashback-engine/internal/engine"
)

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS activations (
		domain       TEXT PRIMARY KEY,
		activated_at TIMESTAMPTZ NOT NULL,
		click_id     TEXT NOT NULL DEFAULT '',
		tab_ids      BIGINT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS cooldowns (
		apex             TEXT PRIMARY KEY,
		last_redirect_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pending_ui_events (
		tab_id      BIGINT PRIMARY KEY,
		event       JSONB NOT NULL,
		valid_until TIMESTAMPTZ NOT NULL
	)`,
}

// Store is the shared mirror for several engine processes. Every
// activation write is announced on the listen channel.
type Store struct {
	pool     *pgxpool.Pool
	channel  string
	instance string
	host     string
}

func New(ctx context.Context, cfg config.Config) (*Store, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	channel := cfg.Listener.Channel
	if channel == "" {
		channel = "activation_change"
	}
	s := &Store{
		pool:     pool,
		channel:  channel,
		instance: uuid.NewString(),
		host:     fmt.Sprintf("%s:%d/%s", cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.DBName),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, stmt := range postgresDDL {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveActivations upserts entries and notifies listeners in the same
// transaction, so a notification is only seen after the data is visible.
// A row another process renewed later than the incoming entry is kept.
func (s *Store) SaveActivations(ctx context.Context, entries []engine.ActivationEntry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, e := range entries {
			tabs := make([]int64, 0, len(e.TabIDs))
			for _, t := range e.TabIDs {
				tabs = append(tabs, int64(t))
			}
			b.Queue(`
				INSERT INTO activations (domain, activated_at, click_id, tab_ids) VALUES ($1, $2, $3, $4)
				ON CONFLICT (domain) DO UPDATE SET
					activated_at = EXCLUDED.activated_at, click_id = EXCLUDED.click_id, tab_ids = EXCLUDED.tab_ids
				WHERE EXCLUDED.activated_at >= activations.activated_at`,
				e.Domain, e.At, e.ClickID, tabs)
		}
		b.Queue(`SELECT pg_notify($1, $2)`, s.channel, s.instance)
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("save activations: %w", err)
		}
		return nil
	})
}

// DeleteActivations drops expired rows unless another process renewed them.
func (s *Store) DeleteActivations(ctx context.Context, entries []engine.ActivationEntry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, e := range entries {
			b.Queue(`DELETE FROM activations WHERE domain = $1 AND activated_at <= $2`, e.Domain, e.At)
		}
		b.Queue(`SELECT pg_notify($1, $2)`, s.channel, s.instance)
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("delete activations: %w", err)
		}
		return nil
	})
}

func (s *Store) LoadActivations(ctx context.Context) ([]engine.ActivationEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT domain, activated_at, click_id, tab_ids FROM activations ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("query activations: %w", err)
	}
	defer rows.Close()

	var out []engine.ActivationEntry
	for rows.Next() {
		var (
			e    engine.ActivationEntry
			tabs []int64
		)
		if err := rows.Scan(&e.Domain, &e.At, &e.ClickID, &tabs); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for _, t := range tabs {
			e.TabIDs = append(e.TabIDs, engine.TabID(t))
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Store) SaveCooldown(ctx context.Context, apex string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cooldowns (apex, last_redirect_at) VALUES ($1, $2)
		ON CONFLICT (apex) DO UPDATE SET last_redirect_at = EXCLUDED.last_redirect_at`, apex, at)
	if err != nil {
		return fmt.Errorf("upsert cooldown %s: %w", apex, err)
	}
	return nil
}

func (s *Store) DeleteCooldown(ctx context.Context, apex string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cooldowns WHERE apex = $1`, apex); err != nil {
		return fmt.Errorf("delete cooldown %s: %w", apex, err)
	}
	return nil
}

func (s *Store) LoadCooldowns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT apex, last_redirect_at FROM cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("query cooldowns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			apex string
			at   time.Time
		)
		if err := rows.Scan(&apex, &at); err != nil {
			return nil, fmt.Errorf("scan cooldown: %w", err)
		}
		out[apex] = at
	}
	return out, rows.Err()
}

func (s *Store) SavePendingUIEvent(ctx context.Context, tab engine.TabID, ev engine.UIEvent, until time.Time) error {
	b, err := engine.EncodeEvent(ev, time.Now())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pending_ui_events (tab_id, event, valid_until) VALUES ($1, $2, $3)
		ON CONFLICT (tab_id) DO UPDATE SET event = EXCLUDED.event, valid_until = EXCLUDED.valid_until`,
		int64(tab), string(b), until)
	if err != nil {
		return fmt.Errorf("upsert pending ui event for tab %d: %w", tab, err)
	}
	return nil
}

func (s *Store) TakePendingUIEvent(ctx context.Context, tab engine.TabID, now time.Time) (engine.UIEvent, bool, error) {
	var (
		raw   []byte
		until time.Time
	)
	err := s.pool.QueryRow(ctx, `DELETE FROM pending_ui_events WHERE tab_id = $1 RETURNING event, valid_until`, int64(tab)).
		Scan(&raw, &until)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("take pending ui event: %w", err)
	}
	if !now.Before(until) {
		return nil, false, nil
	}
	ev, err := engine.DecodeEvent(raw)
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

func (s *Store) ListenChannel() string {
	return s.channel
}

// InstanceID is the payload this process attaches to its own notifications.
func (s *Store) InstanceID() string { return s.instance }

func (s *Store) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}

func (s *Store) DSNRedacted() string {
	return fmt.Sprintf("postgres://***:***@%s", s.host)
}
