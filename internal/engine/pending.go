package engine

import "time"

// PendingTracker holds each tab's in-flight redirect. It is a best-effort
// accelerator: losing it on restart degrades to click reconciliation.
type PendingTracker struct {
	tabs *TTLStore[TabID, PendingRedirect]
	ttl  time.Duration
}

func NewPendingTracker(ttl time.Duration) *PendingTracker {
	return &PendingTracker{tabs: NewTTLStore[TabID, PendingRedirect](), ttl: ttl}
}

func (t *PendingTracker) Get(tab TabID, now time.Time) (PendingRedirect, bool) {
	return t.tabs.Get(tab, now)
}

func (t *PendingTracker) Put(tab TabID, p PendingRedirect, now time.Time) {
	t.tabs.Put(tab, p, t.ttl, now)
}

func (t *PendingTracker) Delete(tab TabID) (PendingRedirect, bool) {
	return t.tabs.Delete(tab)
}

func (t *PendingTracker) Update(tab TabID, now time.Time, fn func(PendingRedirect) PendingRedirect) bool {
	return t.tabs.Update(tab, now, fn)
}

// Rehome moves a tab's redirect to another tab, e.g. when the original tab
// was closed and a new one had to be opened.
func (t *PendingTracker) Rehome(from, to TabID, now time.Time) bool {
	p, ok := t.tabs.Get(from, now)
	if !ok {
		return false
	}
	t.tabs.Delete(from)
	t.tabs.Put(to, p, t.ttl, now)
	return true
}

// InFlightFor reports whether any tab has a live redirect whose expected
// host shares domain's apex.
func (t *PendingTracker) InFlightFor(domain string, now time.Time) bool {
	apex := ApexDomain(domain)
	found := false
	t.tabs.Range(now, func(_ TabID, p PendingRedirect) bool {
		if ApexDomain(p.ExpectedFinalHost) == apex {
			found = true
			return false
		}
		return true
	})
	return found
}

// Sweep drops redirects that never came back.
func (t *PendingTracker) Sweep(now time.Time, onAbandon func(TabID, PendingRedirect)) int {
	return t.tabs.Sweep(now, onAbandon)
}

func (t *PendingTracker) Len() int { return t.tabs.Len() }

// FallbackStore keys in-flight redirects by domain instead of tab, so a
// landing in a tab the affiliate network opened is still recognized.
// A domain holds at most one entry; newer entries overwrite older ones.
type FallbackStore struct {
	domains *TTLStore[string, DomainPendingFallback]
	ttl     time.Duration
}

func NewFallbackStore(ttl time.Duration) *FallbackStore {
	return &FallbackStore{domains: NewTTLStore[string, DomainPendingFallback](), ttl: ttl}
}

func (f *FallbackStore) Put(domain string, p PendingRedirect, now time.Time) {
	f.domains.Put(CleanHost(domain), DomainPendingFallback{PendingRedirect: p, Until: now.Add(f.ttl)}, f.ttl, now)
}

// Match finds a live entry for host or any parent domain of it whose
// redirect has actually been navigated. The matching key is returned so the
// caller can consume it.
func (f *FallbackStore) Match(host string, now time.Time) (DomainPendingFallback, string, bool) {
	for _, d := range suffixChain(host) {
		fb, ok := f.domains.Get(d, now)
		if ok && now.Before(fb.Until) && fb.State == StateRedirecting {
			return fb, d, true
		}
	}
	return DomainPendingFallback{}, "", false
}

// InFlight reports whether a live entry exists for host's apex, in any state.
func (f *FallbackStore) InFlight(host string, now time.Time) bool {
	fb, ok := f.domains.Get(ApexDomain(host), now)
	return ok && now.Before(fb.Until)
}

// MarkRedirecting flags the entry once the tab has been sent to the
// affiliate URL. The expiry is unchanged.
func (f *FallbackStore) MarkRedirecting(domain string, now time.Time) {
	f.domains.Update(CleanHost(domain), now, func(fb DomainPendingFallback) DomainPendingFallback {
		fb.State = StateRedirecting
		return fb
	})
}

func (f *FallbackStore) Delete(domain string) {
	f.domains.Delete(CleanHost(domain))
}

func (f *FallbackStore) Sweep(now time.Time) int { return f.domains.Sweep(now, nil) }

func (f *FallbackStore) Len() int { return f.domains.Len() }
