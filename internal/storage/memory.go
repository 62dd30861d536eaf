package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"cashback-engine/internal/engine"
)

type memEvent struct {
	ev    engine.UIEvent
	until time.Time
}

// Memory is a process-local mirror. Nothing survives a restart; it backs
// the "memory" driver and tests.
type Memory struct {
	mu          sync.RWMutex
	activations map[string]engine.ActivationEntry
	cooldowns   map[string]time.Time
	events      map[engine.TabID]memEvent
}

func NewMemory() *Memory {
	return &Memory{
		activations: make(map[string]engine.ActivationEntry),
		cooldowns:   make(map[string]time.Time),
		events:      make(map[engine.TabID]memEvent),
	}
}

func (m *Memory) SaveActivations(_ context.Context, entries []engine.ActivationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if cur, ok := m.activations[e.Domain]; ok && cur.At.After(e.At) {
			continue
		}
		e.TabIDs = slices.Clone(e.TabIDs)
		m.activations[e.Domain] = e
	}
	return nil
}

func (m *Memory) DeleteActivations(_ context.Context, entries []engine.ActivationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if cur, ok := m.activations[e.Domain]; ok && !cur.At.After(e.At) {
			delete(m.activations, e.Domain)
		}
	}
	return nil
}

func (m *Memory) LoadActivations(context.Context) ([]engine.ActivationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.ActivationEntry, 0, len(m.activations))
	for _, e := range m.activations {
		e.TabIDs = slices.Clone(e.TabIDs)
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b engine.ActivationEntry) int { return strings.Compare(a.Domain, b.Domain) })
	return out, nil
}

func (m *Memory) SaveCooldown(_ context.Context, apex string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[apex] = at
	return nil
}

func (m *Memory) DeleteCooldown(_ context.Context, apex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cooldowns, apex)
	return nil
}

func (m *Memory) LoadCooldowns(context.Context) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.cooldowns))
	for k, v := range m.cooldowns {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SavePendingUIEvent(_ context.Context, tab engine.TabID, ev engine.UIEvent, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[tab] = memEvent{ev: ev, until: until}
	return nil
}

func (m *Memory) TakePendingUIEvent(_ context.Context, tab engine.TabID, now time.Time) (engine.UIEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[tab]
	delete(m.events, tab)
	if !ok || !now.Before(e.until) {
		return nil, false, nil
	}
	return e.ev, true, nil
}

func (m *Memory) Close() error { return nil }
