package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// subscriberDepth is the buffer of each per-series sample channel. The
// resampler drains quickly; a full buffer means it is down, in which case
// new raw samples are dropped rather than blocking the source.
const subscriberDepth = 64

// Source is the external telemetry boundary. Subscribe returns an infinite,
// non-restartable stream of raw samples for one series; Unsubscribe closes
// it and releases resources.
type Source interface {
	Subscribe(ctx context.Context, series types.SeriesID) (<-chan types.MetricSample, error)
	Unsubscribe(series types.SeriesID)
}

// ChanSource is an in-memory Source fed by Push. It is the injectable seam
// for tests and simulators.
type ChanSource struct {
	mu   sync.Mutex
	subs map[types.SeriesID]chan types.MetricSample
}

// NewChanSource creates an empty ChanSource.
func NewChanSource() *ChanSource {
	return &ChanSource{subs: make(map[types.SeriesID]chan types.MetricSample)}
}

// Subscribe registers the single consumer for series. A second subscription
// to the same series is an error: raw streams have exactly one owner.
func (s *ChanSource) Subscribe(ctx context.Context, series types.SeriesID) (<-chan types.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.subs[series]; dup {
		return nil, fmt.Errorf("telemetry: series %s already subscribed", series)
	}
	ch := make(chan types.MetricSample, subscriberDepth)
	s.subs[series] = ch
	return ch, nil
}

// Unsubscribe closes and removes the series stream.
func (s *ChanSource) Unsubscribe(series types.SeriesID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[series]; ok {
		close(ch)
		delete(s.subs, series)
	}
}

// Has reports whether series currently has a subscriber.
func (s *ChanSource) Has(series types.SeriesID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[series]
	return ok
}

// Push delivers one sample to the series subscriber, if any. When the
// subscriber's buffer is full the sample is dropped with a warning — the
// source never blocks on a slow or crashed consumer. The send happens under
// the lock: it cannot block, and Unsubscribe closes the channel under the
// same lock, so a racing close can never hit an in-flight send.
func (s *ChanSource) Push(sample types.MetricSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.subs[sample.Series]
	if !ok {
		return
	}
	select {
	case ch <- sample:
	default:
		slog.Warn("telemetry: subscriber buffer full, sample dropped",
			"series", sample.Series.String())
	}
}
