package resample

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/telemetry"
	"github.com/gridpulse/gridpulse/pkg/types"
)

// Resampler converts the raw sample stream of one series into one value per
// clock tick. It implements actor.Actor; its fields survive restarts, so a
// restarted resampler resumes the tick sequence where it left off and emits
// catch-up gaps for the ticks it missed while down.
type Resampler struct {
	series types.SeriesID
	cfg    config.PipelineConfig
	policy config.ResamplePolicy
	source telemetry.Source
	ticks  chan types.Tick
	out    chan types.ResampledSample

	stopOnce sync.Once
	stop     chan struct{}

	// Tick-grid state, owned by the Run goroutine.
	buf         *ring
	lastEmitted uint64 // seq of the last emitted tick
	lastGood    types.ResampledSample
	hasGood     bool
	lastRawTS   time.Time

	unhealthy atomic.Bool
}

// New creates a Resampler for series. ticks is its subscription on the
// shared clock; the output channel depth and every policy knob come from
// cfg. The raw stream is subscribed inside Run so a restart re-establishes
// it.
func New(series types.SeriesID, cfg config.PipelineConfig, source telemetry.Source, ticks chan types.Tick) *Resampler {
	return &Resampler{
		series: series,
		cfg:    cfg,
		policy: cfg.PolicyFor(series.Metric),
		source: source,
		ticks:  ticks,
		out:    make(chan types.ResampledSample, cfg.ChannelDepth),
		stop:   make(chan struct{}),
		buf:    newRing(cfg.BufferSize),
	}
}

// Out returns the bounded resampled-tick channel consumed by the evaluator.
func (r *Resampler) Out() <-chan types.ResampledSample { return r.out }

// Series returns the series this resampler owns.
func (r *Resampler) Series() types.SeriesID { return r.series }

// Healthy reports whether the series is within its staleness bound.
func (r *Resampler) Healthy() bool { return !r.unhealthy.Load() }

// Stop asks the resampler to terminate cooperatively; used when the last
// formula referencing the series is unregistered.
func (r *Resampler) Stop() { r.stopOnce.Do(func() { close(r.stop) }) }

// Name implements actor.Actor.
func (r *Resampler) Name() string { return "resampler/" + r.series.String() }

// Run subscribes to the raw stream and processes raw samples and clock
// ticks until cancellation or Stop.
func (r *Resampler) Run(ctx context.Context) error {
	raw, err := r.source.Subscribe(ctx, r.series)
	if err != nil {
		return err
	}
	defer r.source.Unsubscribe(r.series)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		case s, ok := <-raw:
			if !ok {
				// Source closed the stream; keep ticking so the series
				// degrades to absent instead of stalling the evaluator.
				raw = nil
				continue
			}
			r.ingest(s)
		case tick := <-r.ticks:
			if err := r.emitUpTo(ctx, tick); err != nil {
				return err
			}
		}
	}
}

// ingest buffers one raw sample. Invalid samples and timestamp regressions
// are dropped with a warning — bad input data is never fatal.
func (r *Resampler) ingest(s types.MetricSample) {
	if !s.Valid {
		slog.Warn("resample: dropping sample flagged invalid", "series", r.series.String())
		return
	}
	if s.Timestamp.IsZero() {
		slog.Warn("resample: dropping sample with zero timestamp", "series", r.series.String())
		return
	}
	if s.Timestamp.Before(r.lastRawTS) {
		slog.Warn("resample: dropping out-of-order sample",
			"series", r.series.String(), "ts", s.Timestamp, "newest", r.lastRawTS)
		return
	}
	r.lastRawTS = s.Timestamp
	r.buf.push(s)
}

// emitUpTo emits one ResampledSample for every tick seq in
// (lastEmitted, tick.Seq]. The clock coalesces deliveries for slow
// subscribers, so a single received tick may stand for several; emitting
// the whole range keeps the per-series sequence contiguous once emission
// begins. A lazily spawned resampler starts at the current tick rather
// than backfilling the grid from seq 1.
func (r *Resampler) emitUpTo(ctx context.Context, tick types.Tick) error {
	if r.lastEmitted == 0 && tick.Seq > 0 {
		r.lastEmitted = tick.Seq - 1
	}
	for seq := r.lastEmitted + 1; seq <= tick.Seq; seq++ {
		tickTime := tick.Time.Add(-time.Duration(tick.Seq-seq) * r.cfg.TickPeriod)
		rs := r.resampleAt(seq, tickTime)
		if err := r.send(ctx, rs); err != nil {
			return err
		}
		r.lastEmitted = seq
	}
	return nil
}

// resampleAt computes the series value for one tick of the grid. Staleness
// is judged on raw-sample age: a series whose newest sample is older than
// the staleness window is unhealthy, and neither the policy nor the
// carry-forward tolerance may produce a value for it beyond that bound.
func (r *Resampler) resampleAt(seq uint64, tickTime time.Time) types.ResampledSample {
	rs := types.ResampledSample{Series: r.series, Tick: types.Tick{Seq: seq, Time: tickTime}}

	staleCutoff := tickTime.Add(-time.Duration(r.cfg.StalenessTicks) * r.cfg.TickPeriod)
	stale := r.buf.len() == 0 || r.buf.newest().Timestamp.Before(staleCutoff)

	if value, ok := r.policyValue(tickTime, staleCutoff); ok {
		rs.Value = value
		r.lastGood = rs
		r.hasGood = true
	} else if !stale && r.hasGood && seq-r.lastGood.Tick.Seq <= uint64(r.cfg.CarryForwardTicks) {
		// Within the carry-forward tolerance: repeat the last known value.
		rs.Value = r.lastGood.Value
	} else {
		rs.Gap = true
	}

	if stale && (r.buf.len() > 0 || seq > uint64(r.cfg.StalenessTicks)) {
		rs.Unhealthy = true
	}
	if rs.Unhealthy != r.unhealthy.Load() {
		r.unhealthy.Store(rs.Unhealthy)
		if rs.Unhealthy {
			slog.Warn("resample: series unhealthy — staleness bound exceeded",
				"series", r.series.String(), "tick", seq)
		} else {
			slog.Info("resample: series healthy again", "series", r.series.String(), "tick", seq)
		}
	}
	return rs
}

// policyValue applies the configured resampling policy at tickTime.
func (r *Resampler) policyValue(tickTime, staleCutoff time.Time) (float64, bool) {
	switch r.policy {
	case config.PolicyAverage:
		return r.windowAverage(tickTime)
	case config.PolicyInterpolate:
		return r.interpolate(tickTime, staleCutoff)
	default: // PolicyLatest
		return r.latestBefore(tickTime, staleCutoff)
	}
}

// latestBefore returns the most recent sample with timestamp <= tickTime,
// provided it is inside the staleness window.
func (r *Resampler) latestBefore(tickTime, staleCutoff time.Time) (float64, bool) {
	for i := r.buf.len() - 1; i >= 0; i-- {
		s := r.buf.at(i)
		if s.Timestamp.After(tickTime) {
			continue
		}
		if s.Timestamp.Before(staleCutoff) {
			return 0, false
		}
		return s.Value, true
	}
	return 0, false
}

// windowAverage returns the mean of samples in [tickTime-period, tickTime].
// Both ends are inclusive, so a sample landing exactly on a tick boundary
// counts toward that tick and the next one.
func (r *Resampler) windowAverage(tickTime time.Time) (float64, bool) {
	windowStart := tickTime.Add(-r.cfg.TickPeriod)
	var sum float64
	var n int
	for i := 0; i < r.buf.len(); i++ {
		s := r.buf.at(i)
		if s.Timestamp.Before(windowStart) || s.Timestamp.After(tickTime) {
			continue
		}
		sum += s.Value
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// interpolate returns the linear interpolation between the samples
// bracketing tickTime. Without an after-sample (the usual case at the tick
// boundary) it falls back to the before-sample, subject to staleness.
func (r *Resampler) interpolate(tickTime, staleCutoff time.Time) (float64, bool) {
	var before, after *types.MetricSample
	for i := 0; i < r.buf.len(); i++ {
		s := r.buf.at(i)
		if s.Timestamp.After(tickTime) {
			after = &s
			break
		}
		before = &s
	}
	if before == nil || before.Timestamp.Before(staleCutoff) {
		return 0, false
	}
	if after == nil || after.Timestamp.Equal(before.Timestamp) {
		return before.Value, true
	}
	span := after.Timestamp.Sub(before.Timestamp).Seconds()
	frac := tickTime.Sub(before.Timestamp).Seconds() / span
	return before.Value + (after.Value-before.Value)*frac, true
}

// send delivers rs on the bounded output channel under the configured
// overflow policy. drop_oldest evicts the oldest queued tick to make room;
// block waits for the consumer (but never blocks tick generation — the
// clock's latest-wins fan-out is upstream of this).
func (r *Resampler) send(ctx context.Context, rs types.ResampledSample) error {
	if r.cfg.OverflowPolicy == config.OverflowBlock {
		select {
		case r.out <- rs:
			return nil
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		}
	}

	for {
		select {
		case r.out <- rs:
			return nil
		default:
		}
		select {
		case dropped := <-r.out:
			slog.Warn("resample: output overflow, dropped oldest tick",
				"series", r.series.String(), "dropped_tick", dropped.Tick.Seq)
		default:
		}
	}
}
