package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Cooldowns tracks the last redirect per apex domain so locale subdomains
// of one merchant share a single window.
type Cooldowns struct {
	mu     sync.RWMutex
	last   map[string]time.Time
	window time.Duration
	mirror Mirror
	clock  Clock
}

func NewCooldowns(window time.Duration, mirror Mirror, clock Clock) *Cooldowns {
	if clock == nil {
		clock = SystemClock
	}
	return &Cooldowns{last: make(map[string]time.Time), window: window, mirror: mirror, clock: clock}
}

// GetCooldownUntil returns when domain leaves cooldown; zero if it never entered.
func (c *Cooldowns) GetCooldownUntil(domain string) time.Time {
	c.mu.RLock()
	at, ok := c.last[ApexDomain(domain)]
	c.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	return at.Add(c.window)
}

func (c *Cooldowns) InCooldown(domain string) bool {
	until := c.GetCooldownUntil(domain)
	return !until.IsZero() && c.clock.Now().Before(until)
}

// SetCooldown starts a new window for domain's apex now.
func (c *Cooldowns) SetCooldown(ctx context.Context, domain string) {
	apex := ApexDomain(domain)
	if apex == "" {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	c.last[apex] = now
	c.mu.Unlock()

	if c.mirror == nil {
		return
	}
	if err := c.mirror.SaveCooldown(ctx, apex, now); err != nil {
		log.Error().Err(err).Str("apex", apex).Msg("mirror cooldown")
	}
}

// Sweep forgets windows that have ended.
func (c *Cooldowns) Sweep(ctx context.Context) int {
	now := c.clock.Now()
	var expired []string
	c.mu.Lock()
	for apex, at := range c.last {
		if !now.Before(at.Add(c.window)) {
			delete(c.last, apex)
			expired = append(expired, apex)
		}
	}
	c.mu.Unlock()

	if c.mirror != nil {
		for _, apex := range expired {
			if err := c.mirror.DeleteCooldown(ctx, apex); err != nil {
				log.Warn().Err(err).Str("apex", apex).Msg("delete mirrored cooldown")
			}
		}
	}
	return len(expired)
}

// Load restores windows from the mirror.
func (c *Cooldowns) Load(ctx context.Context) error {
	if c.mirror == nil {
		return nil
	}
	rows, err := c.mirror.LoadCooldowns(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for apex, at := range rows {
		if cur, ok := c.last[apex]; !ok || at.After(cur) {
			c.last[apex] = at
		}
	}
	c.mu.Unlock()
	return nil
}
