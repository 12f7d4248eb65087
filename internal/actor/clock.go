package actor

import (
	"context"
	"sync"
	"time"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// Clock is the single shared tick source driving all resamplers and the
// evaluator. Each subscriber gets a 1-deep latest-wins channel: a subscriber
// that falls behind sees a coalesced most-recent tick rather than stalling
// tick generation. Consumers that must not skip sequence numbers (the
// resamplers) catch up by emitting for every seq since the last one they
// handled.
type Clock struct {
	period time.Duration
	now    func() time.Time // injectable for deterministic tests

	mu   sync.Mutex
	seq  uint64
	subs map[chan types.Tick]struct{}
}

// NewClock creates a Clock with the given tick period.
func NewClock(period time.Duration) *Clock {
	return &Clock{
		period: period,
		now:    time.Now,
		subs:   make(map[chan types.Tick]struct{}),
	}
}

// Subscribe registers a new tick receiver. Safe to call while the clock is
// running; the subscriber sees ticks from the next firing on.
func (c *Clock) Subscribe() chan types.Tick {
	ch := make(chan types.Tick, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes a receiver registered with Subscribe.
func (c *Clock) Unsubscribe(ch chan types.Tick) {
	c.mu.Lock()
	delete(c.subs, ch)
	c.mu.Unlock()
}

// Seq returns the sequence number of the most recently fired tick.
func (c *Clock) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Name implements Actor.
func (c *Clock) Name() string { return "clock" }

// Run fires ticks every period until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	t := time.NewTicker(c.period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			c.Fire(now)
		}
	}
}

// Fire advances the clock by one tick at the given instant and broadcasts it.
// Run calls this from the ticker; tests call it directly to drive the
// pipeline without real time.
func (c *Clock) Fire(now time.Time) types.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	tick := types.Tick{Seq: c.seq, Time: now}
	for ch := range c.subs {
		sendLatest(ch, tick)
	}
	return tick
}

// sendLatest delivers tick on a 1-deep channel, replacing a pending older
// tick if the subscriber has not consumed it yet. Never blocks.
func sendLatest(ch chan types.Tick, tick types.Tick) {
	for {
		select {
		case ch <- tick:
			return
		default:
		}
		select {
		case <-ch: // discard the stale pending tick
		default:
		}
	}
}
