package engine

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cashback-engine/internal/cache"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that became due,
// including timers armed by callbacks during the advance.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(c.now) {
				t.fired = true
				due = append(due, t)
			}
		}
		c.mu.Unlock()
		if len(due) == 0 {
			return
		}
		for _, t := range due {
			t.f()
		}
	}
}

type fakePartners struct {
	mu       sync.Mutex
	byDomain map[string]*Partner
	err      error
	calls    int
}

func (f *fakePartners) GetPartner(_ context.Context, host, _ string) (*Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	for _, d := range suffixChain(host) {
		if p, ok := f.byDomain[d]; ok {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakePartners) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRedirects struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, dealID string) (RedirectLink, error)
}

func (f *fakeRedirects) RequestRedirect(ctx context.Context, dealID string) (RedirectLink, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, n, dealID)
}

func (f *fakeRedirects) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClicks struct {
	clicks []Click
	err    error
}

func (f *fakeClicks) FetchRecentClicks(context.Context, string) ([]Click, error) {
	return f.clicks, f.err
}

type fakeSession struct {
	mu        sync.Mutex
	visited   map[string]string
	user      string
	active    bool
	refreshes int
}

func (f *fakeSession) VisitedCountry(_ context.Context, domain string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visited[ApexDomain(domain)], nil
}

func (f *fakeSession) UserCountry(context.Context) (string, error) { return f.user, nil }

func (f *fakeSession) HasActiveSession(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeSession) RefreshIdentity(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

type navigation struct {
	tab TabID
	url string
}

type fakeBrowser struct {
	mu      sync.Mutex
	navs    []navigation
	opened  []string
	closed  map[TabID]bool
	nextTab TabID
}

func newFakeBrowser() *fakeBrowser { return &fakeBrowser{closed: map[TabID]bool{}, nextTab: -1} }

func (b *fakeBrowser) Navigate(_ context.Context, tab TabID, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed[tab] {
		return ErrTabClosed
	}
	b.navs = append(b.navs, navigation{tab: tab, url: url})
	return nil
}

func (b *fakeBrowser) OpenTab(_ context.Context, url string) (TabID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextTab
	b.nextTab--
	b.opened = append(b.opened, url)
	return id, nil
}

func (b *fakeBrowser) Navigations() []navigation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]navigation(nil), b.navs...)
}

type sent struct {
	tab TabID
	ev  UIEvent
}

type fakeSink struct {
	mu       sync.Mutex
	events   []sent
	attempts int
	failN    int
}

func (s *fakeSink) Deliver(_ context.Context, tab TabID, ev UIEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failN {
		return context.DeadlineExceeded
	}
	s.events = append(s.events, sent{tab: tab, ev: ev})
	return nil
}

func (s *fakeSink) Kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.ev.Kind())
	}
	return out
}

func (s *fakeSink) Last() UIEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1].ev
}

type pendingUI struct {
	ev    UIEvent
	until time.Time
}

type memMirror struct {
	mu          sync.Mutex
	activations []ActivationEntry
	cooldowns   map[string]time.Time
	ui          map[TabID]pendingUI
	saves       int
}

func newMemMirror() *memMirror {
	return &memMirror{cooldowns: map[string]time.Time{}, ui: map[TabID]pendingUI{}}
}

func (m *memMirror) SaveActivations(_ context.Context, entries []ActivationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		i := slices.IndexFunc(m.activations, func(s ActivationEntry) bool { return s.Domain == e.Domain })
		switch {
		case i < 0:
			m.activations = append(m.activations, e)
		case !m.activations[i].At.After(e.At):
			m.activations[i] = e
		}
	}
	m.saves++
	return nil
}

func (m *memMirror) DeleteActivations(_ context.Context, entries []ActivationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.activations = slices.DeleteFunc(m.activations, func(s ActivationEntry) bool {
			return s.Domain == e.Domain && !s.At.After(e.At)
		})
	}
	return nil
}

func (m *memMirror) LoadActivations(context.Context) ([]ActivationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ActivationEntry(nil), m.activations...), nil
}

func (m *memMirror) SaveCooldown(_ context.Context, apex string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[apex] = at
	return nil
}

func (m *memMirror) DeleteCooldown(_ context.Context, apex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cooldowns, apex)
	return nil
}

func (m *memMirror) LoadCooldowns(context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.cooldowns))
	for k, v := range m.cooldowns {
		out[k] = v
	}
	return out, nil
}

func (m *memMirror) SavePendingUIEvent(_ context.Context, tab TabID, ev UIEvent, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ui[tab] = pendingUI{ev: ev, until: until}
	return nil
}

func (m *memMirror) TakePendingUIEvent(_ context.Context, tab TabID, now time.Time) (UIEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ui[tab]
	delete(m.ui, tab)
	if !ok || !now.Before(p.until) {
		return nil, false, nil
	}
	return p.ev, true, nil
}

func (m *memMirror) Cooldown(apex string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.cooldowns[apex]
	return at, ok
}

// harness bundles an engine with all of its fakes.
type harness struct {
	t         *testing.T
	engine    *Engine
	clock     *fakeClock
	partners  *fakePartners
	redirects *fakeRedirects
	clicks    *fakeClicks
	session   *fakeSession
	browser   *fakeBrowser
	sink      *fakeSink
	mirror    *memMirror
	prefs     *cache.Snapshot[Preferences]
}

const affiliateURL = "https://www.awin1.com/cread.php?id=d1&clickref=c-1"

func examplePartner(deals ...Deal) *Partner {
	if deals == nil {
		deals = []Deal{{
			ID: "d1", Name: "5% cashback", Rate: 5, AmountType: AmountPercentage,
			Currency: "EUR", Country: "NL", UsageType: []string{"ONLINE"},
		}}
	}
	return &Partner{
		ID:   "p-example",
		Name: "Example",
		Categories: []Category{
			{Name: "In-store", Deals: []Deal{{ID: "s1", Rate: 20, AmountType: AmountPercentage, Country: "NL", UsageType: []string{"OFFLINE"}}}},
			{Name: "Online Cashback", Deals: deals},
		},
	}
}

func okRedirect(context.Context, int, string) (RedirectLink, error) {
	return RedirectLink{URL: affiliateURL, ClickID: "c-1"}, nil
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	return newHarnessWith(t, newMemMirror(), newFakeClock(), tweak)
}

func newHarnessWith(t *testing.T, mirror *memMirror, clock *fakeClock, tweak func(*Options)) *harness {
	t.Helper()
	opts := DefaultOptions()
	opts.UIRetries = 0
	if tweak != nil {
		tweak(&opts)
	}
	h := &harness{
		t:         t,
		clock:     clock,
		partners:  &fakePartners{byDomain: map[string]*Partner{"example.com": examplePartner()}},
		redirects: &fakeRedirects{fn: okRedirect},
		clicks:    &fakeClicks{},
		session:   &fakeSession{visited: map[string]string{}, user: "NL", active: true},
		browser:   newFakeBrowser(),
		sink:      &fakeSink{},
		mirror:    mirror,
		prefs:     cache.NewSnapshot(Preferences{RemindersEnabled: true, AutoActivate: true}),
	}
	e, err := New(opts, Deps{
		Partners:    h.partners,
		Redirects:   h.redirects,
		Clicks:      h.clicks,
		Session:     h.session,
		Browser:     h.browser,
		UI:          h.sink,
		Mirror:      h.mirror,
		Clock:       h.clock,
		Preferences: h.prefs,
		Excluded:    cache.NewSnapshot([]string{"google.com"}),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	h.engine = e
	return h
}

func (h *harness) commit(tab TabID, url string) Outcome {
	return h.engine.HandleNavigation(context.Background(), NavigationEvent{Tab: tab, URL: url, Phase: PhaseCommit})
}
