package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"cashback-engine/internal/cache"
)

// Options are the engine's timing and capacity knobs.
type Options struct {
	Cooldown        time.Duration
	ActiveTTL       time.Duration
	FallbackTTL     time.Duration
	Countdown       time.Duration
	Debounce        time.Duration
	MaxInFlight     int
	RedirectTimeout time.Duration
	ClickWindow     time.Duration
	PendingTTL      time.Duration
	UIEventTTL      time.Duration
	UIRetries       int
	UIRetryBackoff  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Cooldown:        10 * time.Minute,
		ActiveTTL:       10 * time.Minute,
		FallbackTTL:     150 * time.Second,
		Countdown:       3 * time.Second,
		Debounce:        1500 * time.Millisecond,
		MaxInFlight:     8,
		RedirectTimeout: 10 * time.Second,
		ClickWindow:     10 * time.Minute,
		PendingTTL:      10 * time.Minute,
		UIEventTTL:      15 * time.Second,
		UIRetries:       3,
		UIRetryBackoff:  100 * time.Millisecond,
	}
}

// Observer receives engine measurements.
type Observer interface {
	Outcome(o Outcome)
	Redirect(kind ResultKind)
	InFlight(n int64)
	ActiveDomains(n int)
}

type nopObserver struct{}

func (nopObserver) Outcome(Outcome)     {}
func (nopObserver) Redirect(ResultKind) {}
func (nopObserver) InFlight(int64)      {}
func (nopObserver) ActiveDomains(int)   {}

// Deps are the engine's collaborators.
type Deps struct {
	Partners    PartnerLookup
	Redirects   RedirectIssuer
	Clicks      ClickHistory
	Session     SessionResolver
	Browser     Browser
	UI          UISink
	Mirror      Mirror
	Clock       Clock
	Observer    Observer
	Preferences *cache.Snapshot[Preferences]
	Excluded    *cache.Snapshot[[]string]
}

// offer is a manual-mode decision waiting for the user.
type offer struct {
	host        string
	url         string
	partnerName string
	deal        Deal
	deals       []Deal
}

// Engine orchestrates attribution redirects for all tabs.
type Engine struct {
	opts Options

	clock     Clock
	browser   Browser
	clicks    ClickHistory
	session   SessionResolver
	observer  Observer
	prefs     *cache.Snapshot[Preferences]
	excluded  *cache.Snapshot[[]string]
	redirects redirectCaller

	resolver   *Resolver
	registry   *Registry
	cooldowns  *Cooldowns
	pending    *PendingTracker
	fallback   *FallbackStore
	offers     *TTLStore[TabID, offer]
	notifier   *Notifier
	countdowns *countdowns

	debounce  otter.Cache[string, time.Time]
	inFlight  atomic.Int64
	reserving *xsync.Map[string, struct{}]
}

func New(opts Options, deps Deps) (*Engine, error) {
	if deps.Partners == nil || deps.Redirects == nil || deps.Browser == nil {
		return nil, fmt.Errorf("engine: partners, redirects and browser are required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Preferences == nil {
		deps.Preferences = cache.NewSnapshot(Preferences{RemindersEnabled: true, AutoActivate: true})
	}
	if deps.Excluded == nil {
		deps.Excluded = cache.NewSnapshot([]string(nil))
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}

	debounce, err := otter.MustBuilder[string, time.Time](10_000).
		WithTTL(max(opts.Debounce, time.Second)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("engine: build debounce cache: %w", err)
	}

	e := &Engine{
		opts:      opts,
		clock:     deps.Clock,
		browser:   deps.Browser,
		clicks:    deps.Clicks,
		session:   deps.Session,
		observer:  deps.Observer,
		prefs:     deps.Preferences,
		excluded:  deps.Excluded,
		redirects: redirectCaller{issuer: deps.Redirects, session: deps.Session, timeout: opts.RedirectTimeout},

		resolver:   NewResolver(deps.Partners, deps.Session, deps.Excluded.Load),
		registry:   NewRegistry(opts.ActiveTTL, deps.Mirror, deps.Clock),
		cooldowns:  NewCooldowns(opts.Cooldown, deps.Mirror, deps.Clock),
		pending:    NewPendingTracker(opts.PendingTTL),
		fallback:   NewFallbackStore(opts.FallbackTTL),
		offers:     NewTTLStore[TabID, offer](),
		notifier:   NewNotifier(deps.UI, deps.Mirror, deps.Clock, opts.UIEventTTL, opts.UIRetries, opts.UIRetryBackoff),
		countdowns: newCountdowns(),

		debounce:  debounce,
		reserving: xsync.NewMap[string, struct{}](),
	}
	e.registry.OnChange = e.observer.ActiveDomains
	return e, nil
}

// Start restores durable state after a process (re)start.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.registry.Load(ctx); err != nil {
		return fmt.Errorf("load activations: %w", err)
	}
	if err := e.cooldowns.Load(ctx); err != nil {
		return fmt.Errorf("load cooldowns: %w", err)
	}
	return nil
}

// Close abandons background UI retries and releases the debounce cache.
func (e *Engine) Close() {
	e.notifier.Stop()
	e.notifier.Wait()
	e.debounce.Close()
}

// IsActive answers from local state only.
func (e *Engine) IsActive(domain string) ActivationStatus {
	return e.registry.IsActive(domain)
}

// ReloadActivations re-reads the registry from the mirror, e.g. after
// another process changed it.
func (e *Engine) ReloadActivations(ctx context.Context) error {
	return e.registry.Load(ctx)
}

func (e *Engine) Activations() []ActivationEntry { return e.registry.Snapshot() }

func (e *Engine) CooldownUntil(domain string) time.Time {
	return e.cooldowns.GetCooldownUntil(domain)
}

func (e *Engine) Preferences() Preferences { return e.prefs.Load() }

func (e *Engine) SetPreferences(p Preferences) { e.prefs.Store(p) }

// TabClosed prunes the tab from activations and drops its manual offer.
// A pending redirect survives so its countdown can re-home it.
func (e *Engine) TabClosed(ctx context.Context, tab TabID) {
	e.registry.DetachTab(ctx, tab, "")
	e.offers.Delete(tab)
}

// SweepStats counts what one sweep removed.
type SweepStats struct {
	Activations int
	Cooldowns   int
	Pending     int
	Fallbacks   int
	Offers      int
}

// Sweep expires stale state independently of navigation.
func (e *Engine) Sweep(ctx context.Context) SweepStats {
	now := e.clock.Now()
	return SweepStats{
		Activations: e.registry.Sweep(ctx),
		Cooldowns:   e.cooldowns.Sweep(ctx),
		Pending: e.pending.Sweep(now, func(tab TabID, p PendingRedirect) {
			e.countdowns.disarm(tab)
			logAbandoned(tab, p)
		}),
		Fallbacks: e.fallback.Sweep(now),
		Offers:    e.offers.Sweep(now, nil),
	}
}
