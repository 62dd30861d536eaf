// Package storage holds the durable mirrors behind the engine's registry,
// cooldowns and pending UI events.
package storage

import (
	"context"
	"errors"
	"fmt"

	"cashback-engine/internal/config"
	"cashback-engine/internal/engine"
)

// Mirror is an engine.Mirror that can be closed.
type Mirror interface {
	engine.Mirror
	Close() error
}

var (
	_ Mirror        = (*SQLite)(nil)
	_ Mirror        = (*Memory)(nil)
	_ engine.Mirror = (*Store)(nil)
)

// pgMirror adapts Store's Close to Mirror.
type pgMirror struct{ *Store }

func (m pgMirror) Close() error {
	m.Store.Close()
	return nil
}

// Open selects the mirror for cfg.Storage.Driver. The Postgres store is
// also returned so the caller can listen for changes; it is nil otherwise.
func Open(ctx context.Context, cfg config.Config) (Mirror, *Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		st, err := New(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return pgMirror{st}, st, nil
	case "sqlite":
		db, err := OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	case "memory":
		return NewMemory(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// ErrNotFound means no persisted activation covers a domain.
var ErrNotFound = errors.New("not found")

// FindActivation returns the persisted entry for domain or its closest
// parent domain, expired or not.
func FindActivation(ctx context.Context, m engine.Mirror, domain string) (engine.ActivationEntry, error) {
	entries, err := m.LoadActivations(ctx)
	if err != nil {
		return engine.ActivationEntry{}, err
	}
	var best engine.ActivationEntry
	for _, e := range entries {
		if engine.HostMatches(domain, e.Domain) && len(e.Domain) > len(best.Domain) {
			best = e
		}
	}
	if best.Domain == "" {
		return engine.ActivationEntry{}, fmt.Errorf("activation for %s: %w", engine.CleanHost(domain), ErrNotFound)
	}
	return best, nil
}
