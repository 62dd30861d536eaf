package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type armedTimer struct {
	token string
	timer Timer
}

// countdowns owns the completion timers, one per tab.
type countdowns struct {
	mu    sync.Mutex
	byTab map[TabID]armedTimer
}

func newCountdowns() *countdowns {
	return &countdowns{byTab: make(map[TabID]armedTimer)}
}

func (c *countdowns) arm(tab TabID, token string, t Timer) {
	c.mu.Lock()
	if old, ok := c.byTab[tab]; ok && old.timer != nil {
		old.timer.Stop()
	}
	c.byTab[tab] = armedTimer{token: token, timer: t}
	c.mu.Unlock()
}

func (c *countdowns) disarm(tab TabID) {
	c.mu.Lock()
	if old, ok := c.byTab[tab]; ok {
		if old.timer != nil {
			old.timer.Stop()
		}
		delete(c.byTab, tab)
	}
	c.mu.Unlock()
}

func (c *countdowns) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byTab)
}

// startCountdown stores p for tab and schedules the navigation.
func (e *Engine) startCountdown(ctx context.Context, tab TabID, host string, p PendingRedirect) {
	now := e.clock.Now()
	p.Token = uuid.NewString()
	p.StartedAt = now
	p.State = StateCountdown
	e.pending.Put(tab, p, now)

	e.notifier.Emit(ctx, tab, CountdownStart{
		Host:    host,
		Deal:    p.Deal,
		Seconds: int((e.opts.Countdown + time.Second - 1) / time.Second),
	})
	e.armCountdown(tab, p.Token, e.opts.Countdown)
}

func (e *Engine) armCountdown(tab TabID, token string, d time.Duration) {
	t := e.clock.AfterFunc(d, func() { e.fireCountdown(tab, token) })
	e.countdowns.arm(tab, token, t)
}

func (e *Engine) fireCountdown(tab TabID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.RedirectTimeout)
	defer cancel()
	e.completeCountdown(ctx, tab, token)
}

// CompleteCountdown handles the overlay's "countdown finished" message.
// Navigation still waits for the full countdown measured from its start.
func (e *Engine) CompleteCountdown(ctx context.Context, tab TabID) bool {
	p, ok := e.pending.Get(tab, e.clock.Now())
	if !ok || p.State != StateCountdown {
		return false
	}
	return e.completeCountdown(ctx, tab, p.Token)
}

func (e *Engine) completeCountdown(ctx context.Context, tab TabID, token string) bool {
	now := e.clock.Now()
	p, ok := e.pending.Get(tab, now)
	if !ok || p.Token != token || p.State != StateCountdown {
		return false
	}
	if remaining := e.opts.Countdown - now.Sub(p.StartedAt); remaining > 0 {
		e.armCountdown(tab, token, remaining)
		return false
	}

	won := false
	e.pending.Update(tab, now, func(cur PendingRedirect) PendingRedirect {
		if cur.Token == token && cur.State == StateCountdown {
			cur.State = StateRedirecting
			won = true
		}
		return cur
	})
	if !won {
		return false
	}
	e.countdowns.disarm(tab)
	e.fallback.MarkRedirecting(p.ExpectedFinalHost, now)

	e.notifier.Emit(ctx, tab, RedirectRequested{Host: hostOf(p.OriginalURL)})
	target := p.Deal.AffiliateURL
	if err := e.browser.Navigate(ctx, tab, target); err != nil {
		newTab, openErr := e.browser.OpenTab(ctx, target)
		if openErr != nil {
			log.Warn().Err(openErr).Int("tab", int(tab)).Msg("open tab for affiliate redirect")
			return false
		}
		e.pending.Rehome(tab, newTab, now)
		log.Debug().Err(err).Int("tab", int(tab)).Int("new_tab", int(newTab)).Msg("redirect re-homed to new tab")
	}
	return true
}

// CancelCountdown aborts a tab's countdown. Any timer that still fires
// afterwards finds no matching redirect and does nothing.
func (e *Engine) CancelCountdown(ctx context.Context, tab TabID) bool {
	p, ok := e.pending.Get(tab, e.clock.Now())
	if !ok || p.State != StateCountdown {
		return false
	}
	e.pending.Delete(tab)
	e.countdowns.disarm(tab)
	e.fallback.Delete(p.ExpectedFinalHost)
	e.cooldowns.SetCooldown(ctx, p.ExpectedFinalHost)
	log.Debug().Int("tab", int(tab)).Str("host", p.ExpectedFinalHost).Str("state", string(StateCancelled)).Msg("countdown cancelled")
	return true
}
