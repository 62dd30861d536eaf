package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"cashback-engine/internal/engine"
)

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS activations (
	domain        TEXT PRIMARY KEY,
	at_ns         INTEGER NOT NULL,
	click_id      TEXT NOT NULL DEFAULT '',
	tab_ids_json  TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS cooldowns (
	apex             TEXT PRIMARY KEY,
	last_redirect_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_ui_events (
	tab_id      INTEGER PRIMARY KEY,
	event_json  TEXT NOT NULL,
	until_ns    INTEGER NOT NULL
);
`

// SQLite is the single-user mirror stored in a local file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and its tables.
// ":memory:" works for tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

// openDB applies WAL journal mode, synchronous=NORMAL and busy_timeout=5000.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single writer; also keeps a ":memory:" database on one connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// SaveActivations upserts entries in one transaction. A row renewed later
// than the incoming entry is left alone.
func (s *SQLite) SaveActivations(ctx context.Context, entries []engine.ActivationEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activations (domain, at_ns, click_id, tab_ids_json) VALUES (?, ?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET
			at_ns = excluded.at_ns, click_id = excluded.click_id, tab_ids_json = excluded.tab_ids_json
		WHERE excluded.at_ns >= activations.at_ns`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		tabs, err := json.Marshal(tabIDs(e.TabIDs))
		if err != nil {
			return fmt.Errorf("encode tabs for %s: %w", e.Domain, err)
		}
		if _, err := stmt.ExecContext(ctx, e.Domain, e.At.UnixNano(), e.ClickID, string(tabs)); err != nil {
			return fmt.Errorf("upsert activation %s: %w", e.Domain, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) DeleteActivations(ctx context.Context, entries []engine.ActivationEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM activations WHERE domain = ? AND at_ns <= ?`,
			e.Domain, e.At.UnixNano()); err != nil {
			return fmt.Errorf("delete activation %s: %w", e.Domain, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) LoadActivations(ctx context.Context) ([]engine.ActivationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain, at_ns, click_id, tab_ids_json FROM activations ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("query activations: %w", err)
	}
	defer rows.Close()

	var out []engine.ActivationEntry
	for rows.Next() {
		var (
			e      engine.ActivationEntry
			atNs   int64
			tabsJS string
		)
		if err := rows.Scan(&e.Domain, &atNs, &e.ClickID, &tabsJS); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		e.At = time.Unix(0, atNs).UTC()
		if err := json.Unmarshal([]byte(tabsJS), &e.TabIDs); err != nil {
			return nil, fmt.Errorf("decode tabs for %s: %w", e.Domain, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveCooldown(ctx context.Context, apex string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldowns (apex, last_redirect_ns) VALUES (?, ?)
		ON CONFLICT(apex) DO UPDATE SET last_redirect_ns = excluded.last_redirect_ns`,
		apex, at.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert cooldown %s: %w", apex, err)
	}
	return nil
}

func (s *SQLite) DeleteCooldown(ctx context.Context, apex string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE apex = ?`, apex); err != nil {
		return fmt.Errorf("delete cooldown %s: %w", apex, err)
	}
	return nil
}

func (s *SQLite) LoadCooldowns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT apex, last_redirect_ns FROM cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("query cooldowns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			apex string
			ns   int64
		)
		if err := rows.Scan(&apex, &ns); err != nil {
			return nil, fmt.Errorf("scan cooldown: %w", err)
		}
		out[apex] = time.Unix(0, ns).UTC()
	}
	return out, rows.Err()
}

func (s *SQLite) SavePendingUIEvent(ctx context.Context, tab engine.TabID, ev engine.UIEvent, until time.Time) error {
	b, err := engine.EncodeEvent(ev, time.Now())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_ui_events (tab_id, event_json, until_ns) VALUES (?, ?, ?)
		ON CONFLICT(tab_id) DO UPDATE SET event_json = excluded.event_json, until_ns = excluded.until_ns`,
		int64(tab), string(b), until.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert pending ui event for tab %d: %w", tab, err)
	}
	return nil
}

func (s *SQLite) TakePendingUIEvent(ctx context.Context, tab engine.TabID, now time.Time) (engine.UIEvent, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		raw     string
		untilNs int64
	)
	err = tx.QueryRowContext(ctx, `SELECT event_json, until_ns FROM pending_ui_events WHERE tab_id = ?`, int64(tab)).
		Scan(&raw, &untilNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select pending ui event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_ui_events WHERE tab_id = ?`, int64(tab)); err != nil {
		return nil, false, fmt.Errorf("delete pending ui event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	if !now.Before(time.Unix(0, untilNs)) {
		return nil, false, nil
	}
	ev, err := engine.DecodeEvent([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

func tabIDs(in []engine.TabID) []engine.TabID {
	if in == nil {
		return []engine.TabID{}
	}
	return in
}
