package window

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// MovingWindow is a fixed-capacity ring of formula outputs in tick order.
// Pushing beyond capacity evicts the oldest output. Safe for concurrent use.
type MovingWindow struct {
	mu   sync.RWMutex
	buf  []types.Output
	head int // index of the oldest output
	n    int
}

// New creates a MovingWindow holding up to capacity outputs.
func New(capacity int) (*MovingWindow, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("window: capacity must be positive, got %d", capacity)
	}
	return &MovingWindow{buf: make([]types.Output, capacity)}, nil
}

// Watch feeds the window from ch until the channel closes or ctx is done.
// Typically run as a goroutine over a registry subscription's channel.
func (w *MovingWindow) Watch(ctx context.Context, ch <-chan types.Output) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-ch:
			if !ok {
				return
			}
			w.Push(out)
		}
	}
}

// Push appends one output. Outputs at or before the newest retained tick are
// ignored; the registry delivers in non-decreasing tick order, so a
// regression only happens on re-subscription after a restart.
func (w *MovingWindow) Push(out types.Output) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n > 0 {
		newest := w.buf[(w.head+w.n-1)%len(w.buf)]
		if out.Tick.Seq <= newest.Tick.Seq {
			return
		}
	}
	if w.n == len(w.buf) {
		w.buf[w.head] = out
		w.head = (w.head + 1) % len(w.buf)
		return
	}
	w.buf[(w.head+w.n)%len(w.buf)] = out
	w.n++
}

// Len returns the number of retained outputs.
func (w *MovingWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.n
}

// Capacity returns the maximum number of retained outputs.
func (w *MovingWindow) Capacity() int { return len(w.buf) }

// Latest returns the newest retained output.
func (w *MovingWindow) Latest() (types.Output, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.n == 0 {
		return types.Output{}, false
	}
	return w.buf[(w.head+w.n-1)%len(w.buf)], true
}

// At returns the value at tick seq, if that tick is still retained. The
// second return is false for ticks outside the window; a retained tick with
// an absent value returns that absent value and true.
func (w *MovingWindow) At(seq uint64) (types.Value, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for i := 0; i < w.n; i++ {
		out := w.buf[(w.head+i)%len(w.buf)]
		if out.Tick.Seq == seq {
			return out.Value, true
		}
	}
	return types.Value{}, false
}

// Present returns how many retained outputs carry a value.
func (w *MovingWindow) Present() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var count int
	w.each(func(float64) { count++ })
	return count
}

// Mean returns the mean of the present values in the window.
func (w *MovingWindow) Mean() (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var sum float64
	var count int
	w.each(func(v float64) {
		sum += v
		count++
	})
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// Min returns the smallest present value in the window.
func (w *MovingWindow) Min() (float64, bool) {
	return w.extreme(func(v, best float64) bool { return v < best })
}

// Max returns the largest present value in the window.
func (w *MovingWindow) Max() (float64, bool) {
	return w.extreme(func(v, best float64) bool { return v > best })
}

func (w *MovingWindow) extreme(better func(v, best float64) bool) (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var best float64
	var found bool
	w.each(func(v float64) {
		if !found || better(v, best) {
			best = v
			found = true
		}
	})
	return best, found
}

// each visits the present values oldest-first. Callers hold the lock.
func (w *MovingWindow) each(fn func(v float64)) {
	for i := 0; i < w.n; i++ {
		out := w.buf[(w.head+i)%len(w.buf)]
		if !out.Value.Absent {
			fn(out.Value.Float64)
		}
	}
}
