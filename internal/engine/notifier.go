package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Notifier delivers UI events fire-and-forget. The first attempt is
// synchronous; failures retry in the background with doubling backoff.
// Each event is also persisted per tab for a short window so a renderer
// that attaches late can pick it up on a later lifecycle signal.
type Notifier struct {
	sink    UISink
	mirror  Mirror
	clock   Clock
	ttl     time.Duration
	retries int
	backoff time.Duration

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

func NewNotifier(sink UISink, mirror Mirror, clock Clock, ttl time.Duration, retries int, backoff time.Duration) *Notifier {
	if clock == nil {
		clock = SystemClock
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &Notifier{sink: sink, mirror: mirror, clock: clock, ttl: ttl, retries: retries, backoff: backoff,
		done: make(chan struct{})}
}

func (n *Notifier) Emit(ctx context.Context, tab TabID, ev UIEvent) {
	if n.mirror != nil && n.ttl > 0 {
		if err := n.mirror.SavePendingUIEvent(ctx, tab, ev, n.clock.Now().Add(n.ttl)); err != nil {
			log.Warn().Err(err).Int("tab", int(tab)).Str("event", string(ev.Kind())).Msg("persist pending ui event")
		}
	}
	if n.sink == nil {
		return
	}
	err := n.sink.Deliver(ctx, tab, ev)
	if err == nil || n.retries <= 0 {
		if err != nil {
			log.Debug().Err(err).Int("tab", int(tab)).Str("event", string(ev.Kind())).Msg("ui event dropped")
		}
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		delay := n.backoff
		for i := 0; i < n.retries; i++ {
			t := time.NewTimer(delay)
			select {
			case <-n.done:
				t.Stop()
				return
			case <-t.C:
			}
			rctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err = n.sink.Deliver(rctx, tab, ev)
			cancel()
			if err == nil {
				return
			}
			delay *= 2
		}
		log.Debug().Err(err).Int("tab", int(tab)).Str("event", string(ev.Kind())).Msg("ui event undeliverable after retries")
	}()
}

// Replay re-sends the tab's persisted event if it is still valid.
func (n *Notifier) Replay(ctx context.Context, tab TabID) (UIEvent, bool) {
	if n.mirror == nil {
		return nil, false
	}
	ev, ok, err := n.mirror.TakePendingUIEvent(ctx, tab, n.clock.Now())
	if err != nil {
		log.Warn().Err(err).Int("tab", int(tab)).Msg("load pending ui event")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if n.sink != nil {
		if err := n.sink.Deliver(ctx, tab, ev); err != nil {
			log.Debug().Err(err).Int("tab", int(tab)).Msg("replay ui event")
		}
	}
	return ev, true
}

// Stop abandons pending retries. Emit keeps its synchronous first attempt.
func (n *Notifier) Stop() { n.stopOnce.Do(func() { close(n.done) }) }

// Wait blocks until background retries finish.
func (n *Notifier) Wait() { n.wg.Wait() }
