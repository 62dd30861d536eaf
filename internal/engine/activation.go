package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// NoTab marks an activation not tied to any tab.
const NoTab TabID = 0

// Registry is the authoritative store of attributed domains. Queries are
// answered from memory; every mutation writes the changed domains through
// to the mirror.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]ActivationEntry

	// persistMu orders mirror writes so the last write for a domain carries
	// its newest entry.
	persistMu sync.Mutex

	ttl    time.Duration
	mirror Mirror
	clock  Clock

	// OnChange, if set, is called with the entry count after each mutation.
	OnChange func(n int)
}

func NewRegistry(ttl time.Duration, mirror Mirror, clock Clock) *Registry {
	if clock == nil {
		clock = SystemClock
	}
	return &Registry{
		entries: make(map[string]ActivationEntry),
		ttl:     ttl,
		mirror:  mirror,
		clock:   clock,
	}
}

// IsActive checks domain and each of its parent domains.
func (r *Registry) IsActive(domain string) ActivationStatus {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range suffixChain(domain) {
		if e, ok := r.entries[d]; ok && e.Active(now, r.ttl) {
			return ActivationStatus{Active: true, ClickID: e.ClickID, At: e.At}
		}
	}
	return ActivationStatus{}
}

// MarkActive (re)starts the TTL for domain. An empty clickID keeps the
// previously known one.
func (r *Registry) MarkActive(ctx context.Context, domain string, tab TabID, clickID string) ActivationEntry {
	domain = CleanHost(domain)
	now := r.clock.Now()

	r.mu.Lock()
	e := r.entries[domain]
	e.Domain = domain
	e.At = now
	if clickID != "" {
		e.ClickID = clickID
	}
	if tab != NoTab && !slices.Contains(e.TabIDs, tab) {
		e.TabIDs = append(slices.Clone(e.TabIDs), tab)
	}
	r.entries[domain] = e
	r.mu.Unlock()

	r.persist(ctx, []string{domain}, nil)
	return e
}

// MarkTab records that tab is on the active domain covering host, without
// renewing its TTL.
func (r *Registry) MarkTab(ctx context.Context, host string, tab TabID) {
	if tab == NoTab {
		return
	}
	now := r.clock.Now()
	changed := ""
	r.mu.Lock()
	for _, d := range suffixChain(host) {
		e, ok := r.entries[d]
		if !ok || !e.Active(now, r.ttl) {
			continue
		}
		if !slices.Contains(e.TabIDs, tab) {
			e.TabIDs = append(slices.Clone(e.TabIDs), tab)
			r.entries[d] = e
			changed = d
		}
		break
	}
	r.mu.Unlock()

	if changed != "" {
		r.persist(ctx, []string{changed}, nil)
	}
}

// DetachTab removes tab from every entry except the one for keepDomain.
// The activation itself stays valid for the remaining tabs.
func (r *Registry) DetachTab(ctx context.Context, tab TabID, keepDomain string) {
	keep := ""
	if keepDomain != "" {
		keep = CleanHost(keepDomain)
	}
	var changed []string

	r.mu.Lock()
	for d, e := range r.entries {
		if keep != "" && (d == keep || HostMatches(keep, d)) {
			continue
		}
		i := slices.Index(e.TabIDs, tab)
		if i < 0 {
			continue
		}
		e.TabIDs = slices.Delete(slices.Clone(e.TabIDs), i, i+1)
		r.entries[d] = e
		changed = append(changed, d)
	}
	r.mu.Unlock()

	if len(changed) > 0 {
		r.persist(ctx, changed, nil)
	}
}

// Sweep removes expired entries.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.clock.Now()
	var removed []ActivationEntry
	r.mu.Lock()
	for d, e := range r.entries {
		if !e.Active(now, r.ttl) {
			delete(r.entries, d)
			removed = append(removed, e)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.persist(ctx, nil, removed)
	}
	return len(removed)
}

// Load merges the mirror's table into memory, dropping expired rows. For a
// domain known on both sides the entry with the later At wins, so a local
// activation whose write is still in flight survives a reload.
func (r *Registry) Load(ctx context.Context) error {
	if r.mirror == nil {
		return nil
	}
	rows, err := r.mirror.LoadActivations(ctx)
	if err != nil {
		return err
	}
	now := r.clock.Now()

	r.mu.Lock()
	next := make(map[string]ActivationEntry, len(rows)+len(r.entries))
	for d, e := range r.entries {
		if e.Active(now, r.ttl) {
			next[d] = e
		}
	}
	for _, e := range rows {
		if e.Domain == "" || !e.Active(now, r.ttl) {
			continue
		}
		if cur, ok := next[e.Domain]; ok && cur.At.After(e.At) {
			continue
		}
		next[e.Domain] = e
	}
	r.entries = next
	n := len(next)
	r.mu.Unlock()

	if r.OnChange != nil {
		r.OnChange(n)
	}
	return nil
}

// Snapshot returns a copy of all entries, expired or not.
func (r *Registry) Snapshot() []ActivationEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActivationEntry, 0, len(r.entries))
	for _, e := range r.entries {
		e.TabIDs = slices.Clone(e.TabIDs)
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b ActivationEntry) int {
		if a.Domain < b.Domain {
			return -1
		}
		if a.Domain > b.Domain {
			return 1
		}
		return 0
	})
	return out
}

// persist writes the current entries of changed and deletes removed.
func (r *Registry) persist(ctx context.Context, changed []string, removed []ActivationEntry) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	n := len(r.entries)
	upserts := make([]ActivationEntry, 0, len(changed))
	for _, d := range changed {
		if e, ok := r.entries[d]; ok {
			e.TabIDs = slices.Clone(e.TabIDs)
			upserts = append(upserts, e)
		}
	}
	r.mu.RUnlock()

	if r.OnChange != nil {
		r.OnChange(n)
	}
	if r.mirror == nil {
		return
	}
	if len(upserts) > 0 {
		if err := r.mirror.SaveActivations(ctx, upserts); err != nil {
			log.Error().Err(err).Int("entries", len(upserts)).Msg("mirror activations")
		}
	}
	if len(removed) > 0 {
		if err := r.mirror.DeleteActivations(ctx, removed); err != nil {
			log.Error().Err(err).Int("entries", len(removed)).Msg("mirror expired activations")
		}
	}
}
