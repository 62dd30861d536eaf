package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
	assert.GreaterOrEqual(t, jitter(0), 500*time.Millisecond)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	sleep(ctx, time.Hour)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDebouncer(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	type step struct {
		at       time.Duration
		reload   bool
		deadline time.Duration // -1 for none
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name:  "single notification reloads at once",
			steps: []step{{at: 0, reload: true, deadline: -1}},
		},
		{
			name: "burst owes a trailing reload",
			steps: []step{
				{at: 0, reload: true, deadline: -1},
				{at: 50 * time.Millisecond, reload: false, deadline: 200 * time.Millisecond},
				{at: 150 * time.Millisecond, reload: false, deadline: 200 * time.Millisecond},
			},
		},
		{
			name: "notification after the window reloads again",
			steps: []step{
				{at: 0, reload: true, deadline: -1},
				{at: 250 * time.Millisecond, reload: true, deadline: -1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := debouncer{window: 200 * time.Millisecond}
			for _, s := range tt.steps {
				assert.Equal(t, s.reload, d.notify(base.Add(s.at)))
				if s.deadline < 0 {
					assert.True(t, d.deadline().IsZero())
				} else {
					assert.Equal(t, base.Add(s.deadline), d.deadline())
				}
			}
		})
	}
}

func TestDebouncer_FireSettlesBurst(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	d := debouncer{window: 200 * time.Millisecond}

	assert.True(t, d.notify(base))
	assert.False(t, d.notify(base.Add(10*time.Millisecond)))
	d.fire(base.Add(200 * time.Millisecond))
	assert.True(t, d.deadline().IsZero())

	// the fired reload opens a new window
	assert.False(t, d.notify(base.Add(300*time.Millisecond)))
	assert.Equal(t, base.Add(400*time.Millisecond), d.deadline())
}
