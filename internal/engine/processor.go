package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
)

// Phase is a per-tab lifecycle signal.
type Phase string

const (
	PhaseCommit       Phase = "commit"
	PhaseContentReady Phase = "content_ready"
	PhaseLoad         Phase = "load"
	PhaseVisible      Phase = "visible"
)

// NavigationEvent is one lifecycle signal from a tab.
type NavigationEvent struct {
	Tab     TabID
	URL     string
	Phase   Phase
	FrameID int // 0 is the top-level frame
}

// HandleNavigation is the single entry point for tab lifecycle signals.
func (e *Engine) HandleNavigation(ctx context.Context, ev NavigationEvent) Outcome {
	if ev.FrameID != 0 {
		return outcome(ActionIgnored, "")
	}
	switch ev.Phase {
	case PhaseCommit, "":
		return e.handleCommit(ctx, ev)
	case PhaseContentReady, PhaseLoad, PhaseVisible:
		return e.handleLifecycle(ctx, ev)
	default:
		return outcome(ActionIgnored, "")
	}
}

// handleLifecycle lets a renderer that attached late catch up.
func (e *Engine) handleLifecycle(ctx context.Context, ev NavigationEvent) Outcome {
	_, host, ok := parseNavigation(ev.URL)
	if !ok {
		return outcome(ActionIgnored, "")
	}
	if _, ok := e.notifier.Replay(ctx, ev.Tab); ok {
		return outcome(ActionReplayed, host)
	}
	if st := e.registry.IsActive(host); st.Active {
		e.notifier.Emit(ctx, ev.Tab, Activated{Host: host, ClickID: st.ClickID})
		return outcome(ActionActive, host)
	}
	return outcome(ActionIgnored, host)
}

func (e *Engine) handleCommit(ctx context.Context, ev NavigationEvent) Outcome {
	u, host, ok := parseNavigation(ev.URL)
	if !ok {
		return outcome(ActionIgnored, "")
	}
	e.registry.DetachTab(ctx, ev.Tab, host)
	if hostExcluded(host, e.excluded.Load()) {
		return outcome(ActionIgnored, host)
	}
	if e.debounced(ev.Tab, host) {
		return outcome(ActionDebounced, host)
	}

	n := e.inFlight.Add(1)
	defer func() { e.observer.InFlight(e.inFlight.Add(-1)) }()
	e.observer.InFlight(n)
	if n > int64(e.opts.MaxInFlight) {
		log.Warn().Int64("in_flight", n).Str("host", host).Msg("orchestration ceiling reached")
		return e.record(ev.Tab, outcome(ActionBusy, host))
	}

	return e.record(ev.Tab, e.process(ctx, ev.Tab, u, host))
}

func (e *Engine) debounced(tab TabID, host string) bool {
	if e.opts.Debounce <= 0 {
		return false
	}
	key := fmt.Sprintf("%d|%s", tab, host)
	now := e.clock.Now()
	if last, ok := e.debounce.Get(key); ok && now.Sub(last) < e.opts.Debounce {
		return true
	}
	e.debounce.Set(key, now)
	return false
}

func (e *Engine) record(tab TabID, o Outcome) Outcome {
	e.observer.Outcome(o)
	log.Debug().Int("tab", int(tab)).Str("host", o.Host).Str("action", string(o.Action)).
		Str("reason", string(o.Reason)).Msg("navigation processed")
	return o
}

// process runs the ordered checks; the first that applies decides.
func (e *Engine) process(ctx context.Context, tab TabID, u *url.URL, host string) Outcome {
	now := e.clock.Now()

	// 1. already active: reaffirm, never downgrade
	if st := e.registry.IsActive(host); st.Active {
		e.registry.MarkTab(ctx, host, tab)
		e.notifier.Emit(ctx, tab, Activated{Host: host, ClickID: st.ClickID})
		return outcome(ActionActive, host)
	}

	p, hasPending := e.pending.Get(tab, now)
	pendingMatches := hasPending && HostMatches(host, p.ExpectedFinalHost)

	// 2. landing recognized through the domain fallback
	if !pendingMatches {
		if fb, key, ok := e.fallback.Match(host, now); ok {
			e.fallback.Delete(key)
			e.registry.MarkActive(ctx, fb.ExpectedFinalHost, tab, fb.Deal.ClickID)
			e.notifier.Emit(ctx, tab, Activated{Host: host, Deals: []Deal{fb.Deal}, DealID: fb.Deal.ID, ClickID: fb.Deal.ClickID})
			return Outcome{Action: ActionActivated, Host: host, Deal: &fb.Deal}
		}
	}

	// 3. landing in the tab that issued the redirect
	if pendingMatches {
		if p.State != StateRedirecting {
			// still counting down on the merchant site
			return outcome(ActionCountdown, host)
		}
		return e.land(ctx, tab, u, host, p)
	}

	// 4. stale pending: keep it across affiliate hops, drop it otherwise
	if hasPending {
		if p.State == StateRedirecting && isAffiliateHop(host, p.AffiliateHost) {
			return outcome(ActionRedirecting, host)
		}
		e.pending.Delete(tab)
		e.countdowns.disarm(tab)
		log.Debug().Int("tab", int(tab)).Str("expected", p.ExpectedFinalHost).Str("host", host).Msg("stale pending redirect discarded")
	}

	// 5. visit already carries affiliate markers
	if hasAffiliateMarker(u) && !e.cooldowns.InCooldown(host) {
		if o, ok := e.organicActivation(ctx, tab, u, host); ok {
			return o
		}
	}

	// 6. cooldown
	if e.cooldowns.InCooldown(host) {
		e.notifier.Emit(ctx, tab, Blocked{Host: host, Reason: ReasonCooldown})
		return blocked(host, ReasonCooldown)
	}

	e.notifier.Emit(ctx, tab, ScanStart{Host: host})
	partner, err := e.lookupPartner(ctx, host, u.String())
	if err != nil {
		log.Warn().Err(err).Str("host", host).Msg("partner lookup failed")
		return e.loginRequired(ctx, tab, host, nil)
	}
	if partner == nil {
		e.notifier.Emit(ctx, tab, Blocked{Host: host, Reason: ReasonNoPartner})
		return blocked(host, ReasonNoPartner)
	}

	// 7. attribution the backend already recorded
	if click, ok := e.reconcileClicks(ctx, host, partner, now); ok {
		e.registry.MarkActive(ctx, host, tab, click.ClickID)
		e.notifier.Emit(ctx, tab, Activated{Host: host, ClickID: click.ClickID})
		return outcome(ActionActivated, host)
	}

	// 8. fresh decision
	elig := e.resolver.Resolve(ctx, host, partner)
	if !elig.Eligible() {
		e.notifier.Emit(ctx, tab, Blocked{Host: host, Reason: elig.Reason})
		return blocked(host, elig.Reason)
	}
	prefs := e.prefs.Load()
	if !prefs.RemindersEnabled {
		return blocked(host, ReasonRemindersDisabled)
	}
	o := offer{host: host, url: u.String(), partnerName: partner.Name, deal: elig.Best, deals: elig.Deals}
	if !prefs.AutoActivate {
		e.offers.Put(tab, o, e.opts.PendingTTL, now)
		e.notifier.Emit(ctx, tab, DealsFound{Host: host, Deals: elig.Deals, Manual: true})
		return Outcome{Action: ActionManual, Host: host, Deal: &o.deal}
	}
	e.notifier.Emit(ctx, tab, DealsFound{Host: host, Deals: elig.Deals})
	return e.issue(ctx, tab, o)
}

// land confirms a tab-tracked redirect.
func (e *Engine) land(ctx context.Context, tab TabID, u *url.URL, host string, p PendingRedirect) Outcome {
	e.cooldowns.SetCooldown(ctx, host)
	// the merchant the redirect was issued for, not just the landing subdomain
	e.registry.MarkActive(ctx, p.ExpectedFinalHost, tab, p.Deal.ClickID)
	e.fallback.Delete(p.ExpectedFinalHost)

	if !p.RestoredOnce && shouldRestoreDeepLink(p.OriginalURL, u.String()) {
		e.pending.Update(tab, e.clock.Now(), func(cur PendingRedirect) PendingRedirect {
			cur.RestoredOnce = true
			return cur
		})
		if err := e.browser.Navigate(ctx, tab, p.OriginalURL); err != nil {
			log.Debug().Err(err).Int("tab", int(tab)).Msg("restore deep link")
		}
	}

	e.notifier.Emit(ctx, tab, Activated{Host: host, Deals: []Deal{p.Deal}, DealID: p.Deal.ID, ClickID: p.Deal.ClickID})
	e.pending.Delete(tab)
	e.countdowns.disarm(tab)
	deal := p.Deal
	return Outcome{Action: ActionActivated, Host: host, Deal: &deal}
}

// organicActivation marks a domain active when the user arrived through
// someone's affiliate link. No redirect is issued.
func (e *Engine) organicActivation(ctx context.Context, tab TabID, u *url.URL, host string) (Outcome, bool) {
	partner, err := e.lookupPartner(ctx, host, u.String())
	if err != nil || partner == nil {
		return Outcome{}, false
	}
	elig := e.resolver.Resolve(ctx, host, partner)
	if len(elig.Deals) == 0 {
		return Outcome{}, false
	}
	e.registry.MarkActive(ctx, host, tab, "")
	e.notifier.Emit(ctx, tab, Activated{Host: host, Deals: elig.Deals, DealID: elig.Best.ID})
	best := elig.Best
	return Outcome{Action: ActionActivated, Host: host, Deal: &best}, true
}

// Activate runs the redirect for a manual-mode offer the user accepted.
func (e *Engine) Activate(ctx context.Context, tab TabID) Outcome {
	o, ok := e.offers.Get(tab, e.clock.Now())
	if !ok {
		return e.record(tab, outcome(ActionIgnored, ""))
	}
	e.offers.Delete(tab)

	n := e.inFlight.Add(1)
	defer func() { e.observer.InFlight(e.inFlight.Add(-1)) }()
	e.observer.InFlight(n)
	if n > int64(e.opts.MaxInFlight) {
		return e.record(tab, outcome(ActionBusy, o.host))
	}
	return e.record(tab, e.issue(ctx, tab, o))
}

// issue requests the tracked redirect and starts the countdown.
func (e *Engine) issue(ctx context.Context, tab TabID, o offer) Outcome {
	host := o.host
	now := e.clock.Now()

	if e.registry.IsActive(host).Active {
		e.notifier.Emit(ctx, tab, Blocked{Host: host, Reason: ReasonAlreadyActive})
		return blocked(host, ReasonAlreadyActive)
	}
	// in-flight checks run under the apex reservation
	apex := ApexDomain(host)
	if _, loaded := e.reserving.LoadOrStore(apex, struct{}{}); loaded {
		return blocked(host, ReasonPendingInFlight)
	}
	defer e.reserving.Delete(apex)
	if e.pending.InFlightFor(host, now) || e.fallback.InFlight(host, now) {
		e.notifier.Emit(ctx, tab, Blocked{Host: host, Reason: ReasonPendingInFlight})
		return blocked(host, ReasonPendingInFlight)
	}

	if strings.TrimSpace(o.deal.ID) == "" {
		e.notifier.Emit(ctx, tab, Blocked{Host: host, Reason: ReasonNoLink})
		return blocked(host, ReasonNoLink)
	}
	if !e.hasSession(ctx) {
		return e.loginRequired(ctx, tab, host, o.deals)
	}

	res := e.redirects.Request(ctx, o.deal.ID)
	e.observer.Redirect(res.Kind)
	if res.Kind != ResultOK {
		log.Warn().Err(res.Err).Str("host", host).Str("deal", o.deal.ID).Str("result", string(res.Kind)).
			Int("attempts", res.Attempts).Msg("redirect request failed")
		return e.loginRequired(ctx, tab, host, o.deals)
	}

	deal := o.deal
	deal.AffiliateURL = res.Link.URL
	deal.ClickID = res.Link.ClickID
	e.cooldowns.SetCooldown(ctx, host)

	p := PendingRedirect{
		ExpectedFinalHost: apex,
		PartnerName:       o.partnerName,
		Deal:              deal,
		OriginalURL:       o.url,
		AffiliateHost:     hostOf(res.Link.URL),
		CreatedAt:         now,
		State:             StateRedirectRequested,
	}
	e.fallback.Put(apex, p, now)
	e.startCountdown(ctx, tab, host, p)
	return Outcome{Action: ActionCountdown, Host: host, Deal: &deal}
}

// loginRequired is the shared terminal path for auth and I/O failures.
func (e *Engine) loginRequired(ctx context.Context, tab TabID, host string, deals []Deal) Outcome {
	e.cooldowns.SetCooldown(ctx, host)
	e.notifier.Emit(ctx, tab, LoginRequired{Host: host, Deals: deals})
	return outcome(ActionLoginRequired, host)
}

func (e *Engine) hasSession(ctx context.Context) bool {
	if e.session == nil {
		return true
	}
	ctx, cancel := e.ioContext(ctx)
	defer cancel()
	ok, err := e.session.HasActiveSession(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("session check failed")
		return false
	}
	return ok
}

func (e *Engine) lookupPartner(ctx context.Context, host, rawURL string) (*Partner, error) {
	ctx, cancel := e.ioContext(ctx)
	defer cancel()
	return e.resolver.Lookup(ctx, host, rawURL)
}

// reconcileClicks looks for a recent backend click for this merchant.
// Failures only skip this check.
func (e *Engine) reconcileClicks(ctx context.Context, host string, partner *Partner, now time.Time) (Click, bool) {
	if e.clicks == nil {
		return Click{}, false
	}
	ctx, cancel := e.ioContext(ctx)
	defer cancel()
	clicks, err := e.clicks.FetchRecentClicks(ctx, ApexDomain(host))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("host", host).Msg("click history unavailable")
		}
		return Click{}, false
	}
	return matchClick(clicks, partner, host, now, e.opts.ClickWindow)
}

func (e *Engine) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.RedirectTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.RedirectTimeout)
}

func matchClick(clicks []Click, partner *Partner, host string, now time.Time, window time.Duration) (Click, bool) {
	label := strings.SplitN(ApexDomain(host), ".", 2)[0]
	for _, c := range clicks {
		age := now.Sub(c.ClickDate)
		if age < -time.Minute || age > window {
			continue
		}
		if fuzzyMatch(c.StoreName, partner.Name) ||
			fuzzyMatch(c.URLPathSegment, partner.Name) ||
			fuzzyMatch(c.URLPathSegment, label) {
			return c, true
		}
	}
	return Click{}, false
}

// fuzzyMatch compares names ignoring case and punctuation; one may contain
// the other.
func fuzzyMatch(a, b string) bool {
	a, b = squash(a), squash(b)
	if len(a) < 3 || len(b) < 3 {
		return a != "" && a == b
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

func squash(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func logAbandoned(tab TabID, p PendingRedirect) {
	log.Info().Int("tab", int(tab)).Str("expected", p.ExpectedFinalHost).Str("deal", p.Deal.ID).
		Str("state", string(StateAbandoned)).Msg("redirect never returned")
}
