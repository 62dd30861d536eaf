package listener

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"cashback-engine/internal/storage"
)

// Reloader re-reads shared state after another process changed it.
type Reloader interface {
	ReloadActivations(ctx context.Context) error
}

// ListenAndReload waits for activation-change notifications and reloads
// the registry. Notifications this process sent itself are skipped.
func ListenAndReload(ctx context.Context, st *storage.Store, r Reloader, channel string, baseBackoff time.Duration) {
	for ctx.Err() == nil {
		if err := listen(ctx, st, r, channel, baseBackoff); err != nil && ctx.Err() == nil {
			backoff := jitter(baseBackoff)
			log.Error().Err(err).Dur("retry_in", backoff).Msg("listener connection lost")
			sleep(ctx, backoff)
		}
	}
	log.Info().Msg("listener stopped")
}

func listen(ctx context.Context, st *storage.Store, r Reloader, channel string, baseBackoff time.Duration) error {
	conn, err := st.PgxPool().Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if channel == "" {
		channel = st.ListenChannel()
	}
	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("listening for activation changes")

	// changes may have been missed while disconnected
	if err := r.ReloadActivations(ctx); err != nil {
		log.Error().Err(err).Msg("reload activations")
	}

	deb := debouncer{window: 200 * time.Millisecond}
	for {
		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if due := deb.deadline(); !due.IsZero() {
			waitCtx, cancel = context.WithDeadline(ctx, due)
		}
		ntf, err := conn.Conn().WaitForNotification(waitCtx)
		expired := waitCtx.Err() != nil
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if conn.Conn().IsClosed() {
				return err
			}
			if expired {
				// the burst is over; pick up what the window swallowed
				deb.fire(time.Now())
				reload(ctx, r, "trailing")
				continue
			}
			backoff := jitter(baseBackoff)
			log.Error().Err(err).Dur("retry_in", backoff).Msg("notify wait error")
			sleep(ctx, backoff)
			continue
		}
		if ntf.Payload == st.InstanceID() {
			continue
		}
		if !deb.notify(time.Now()) {
			continue
		}
		log.Info().Str("channel", ntf.Channel).Msg("activations changed elsewhere; reloading")
		reload(ctx, r, "leading")
	}
}

func reload(ctx context.Context, r Reloader, edge string) {
	if err := r.ReloadActivations(ctx); err != nil {
		log.Error().Err(err).Str("edge", edge).Msg("reload activations")
	}
}

// debouncer coalesces notification bursts. The first notification reloads
// at once; any that arrive within window of the last reload are folded into
// one trailing reload at the end of the window.
type debouncer struct {
	window time.Duration
	last   time.Time
	dirty  bool
}

// notify reports whether to reload now. Otherwise a trailing reload is owed.
func (d *debouncer) notify(now time.Time) bool {
	if now.Sub(d.last) >= d.window {
		d.last = now
		d.dirty = false
		return true
	}
	d.dirty = true
	return false
}

// deadline is when the owed trailing reload is due, or zero if none is.
func (d *debouncer) deadline() time.Time {
	if !d.dirty {
		return time.Time{}
	}
	return d.last.Add(d.window)
}

func (d *debouncer) fire(now time.Time) {
	d.last = now
	d.dirty = false
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
