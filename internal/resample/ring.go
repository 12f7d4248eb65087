package resample

import "github.com/gridpulse/gridpulse/pkg/types"

// ring is a bounded raw-sample buffer ordered by timestamp. Appending to a
// full ring evicts the oldest sample; the resampler never needs samples
// older than the staleness window anyway.
type ring struct {
	buf   []types.MetricSample
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]types.MetricSample, capacity)}
}

func (r *ring) len() int { return r.count }

// push appends s, evicting the oldest sample when full. Callers guarantee
// timestamps are non-decreasing.
func (r *ring) push(s types.MetricSample) {
	if r.count == len(r.buf) {
		r.buf[r.start] = s
		r.start = (r.start + 1) % len(r.buf)
		return
	}
	r.buf[(r.start+r.count)%len(r.buf)] = s
	r.count++
}

// at returns the i-th sample, oldest first.
func (r *ring) at(i int) types.MetricSample {
	return r.buf[(r.start+i)%len(r.buf)]
}

// newest returns the most recent sample. Valid only when len() > 0.
func (r *ring) newest() types.MetricSample {
	return r.at(r.count - 1)
}
