package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// subscriberDepth is the buffer of each subscriber channel. A subscriber
// that falls this far behind starts losing the oldest outputs; the
// evaluator is never blocked by slow consumers.
const subscriberDepth = 16

// Subscription is one consumer's handle on a formula output stream.
type Subscription struct {
	ID      uuid.UUID
	Formula string

	// C delivers outputs in non-decreasing tick order. It is closed when
	// the subscription is cancelled or the formula is unregistered.
	C <-chan types.Output

	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

// Registry is the output boundary of the pipeline. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

// stream holds one formula's subscribers and its latest published output.
type stream struct {
	subs      map[uuid.UUID]chan types.Output
	latest    types.Output
	hasLatest bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{streams: make(map[string]*stream)}
}

// Add creates the output stream for a newly registered formula.
func (r *Registry) Add(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.streams[name]; dup {
		return fmt.Errorf("registry: formula %q already registered", name)
	}
	r.streams[name] = &stream{subs: make(map[uuid.UUID]chan types.Output)}
	return nil
}

// Remove tears down a formula's stream, closing all subscriber channels.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[name]
	if !ok {
		return
	}
	for id, ch := range st.subs {
		close(ch)
		delete(st.subs, id)
	}
	delete(r.streams, name)
}

// Names returns the registered formula names, in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.streams))
	for name := range r.streams {
		out = append(out, name)
	}
	return out
}

// Subscribe attaches a new consumer to the named formula stream. The
// returned subscription yields only outputs published after this call.
func (r *Registry) Subscribe(name string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[name]
	if !ok {
		return nil, fmt.Errorf("registry: unknown formula %q", name)
	}

	id := uuid.New()
	ch := make(chan types.Output, subscriberDepth)
	st.subs[id] = ch

	return &Subscription{
		ID:      id,
		Formula: name,
		C:       ch,
		cancel: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if cur, ok := r.streams[name]; ok {
				if sub, live := cur.subs[id]; live {
					close(sub)
					delete(cur.subs, id)
				}
			}
		},
	}, nil
}

// Publish fans out one formula output to all current subscribers. A full
// subscriber buffer loses its oldest output; Publish never blocks.
func (r *Registry) Publish(out types.Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[out.Formula]
	if !ok {
		return
	}
	st.latest = out
	st.hasLatest = true

	for id, ch := range st.subs {
		for {
			select {
			case ch <- out:
			default:
				select {
				case <-ch:
					slog.Debug("registry: slow subscriber, dropped oldest output",
						"formula", out.Formula, "subscription", id)
				default:
				}
				continue
			}
			break
		}
	}
}

// Latest returns the most recently published output for name.
func (r *Registry) Latest(name string) (types.Output, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.streams[name]
	if !ok || !st.hasLatest {
		return types.Output{}, false
	}
	return st.latest, true
}

// Snapshot returns the latest output of every formula that has published at
// least once, keyed by formula name.
func (r *Registry) Snapshot() map[string]types.Output {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.Output, len(r.streams))
	for name, st := range r.streams {
		if st.hasLatest {
			out[name] = st.latest
		}
	}
	return out
}
