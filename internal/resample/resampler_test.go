package resample

import (
	"context"
	"testing"
	"time"

	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/telemetry"
	"github.com/gridpulse/gridpulse/pkg/types"
)

// baseTime is a fixed reference point so all test timings are deterministic.
var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var powerSeries = types.SeriesID{Component: "meter-main", Metric: types.MetricActivePower}

// testCfg returns a pipeline config with a 1s tick grid and room to spare.
func testCfg() config.PipelineConfig {
	return config.PipelineConfig{
		TickPeriod:        time.Second,
		TickDeadline:      200 * time.Millisecond,
		StalenessTicks:    3,
		CarryForwardTicks: 1,
		BufferSize:        32,
		ChannelDepth:      16,
		OverflowPolicy:    config.OverflowDropOldest,
		DefaultPolicy:     config.PolicyLatest,
	}
}

// tickAt returns the tick with the given seq on the grid anchored at baseTime.
func tickAt(seq uint64) types.Tick {
	return types.Tick{Seq: seq, Time: baseTime.Add(time.Duration(seq) * time.Second)}
}

// sample returns a valid raw sample at baseTime+offset.
func sample(offset time.Duration, value float64) types.MetricSample {
	return types.MetricSample{
		Series:    powerSeries,
		Timestamp: baseTime.Add(offset),
		Value:     value,
		Valid:     true,
	}
}

// newTestResampler builds a resampler whose tick channel and source are
// driven directly by the test.
func newTestResampler(cfg config.PipelineConfig) *Resampler {
	return New(powerSeries, cfg, telemetry.NewChanSource(), make(chan types.Tick, 1))
}

// drain collects everything currently queued on the output channel.
func drain(r *Resampler) []types.ResampledSample {
	var out []types.ResampledSample
	for {
		select {
		case rs := <-r.Out():
			out = append(out, rs)
		default:
			return out
		}
	}
}

func TestLatestBeforeTick(t *testing.T) {
	r := newTestResampler(testCfg())
	ctx := context.Background()

	// Sample at t=0.5s; tick 1 fires at t=1s. Expect 100.
	r.ingest(sample(500*time.Millisecond, 100))
	if err := r.emitUpTo(ctx, tickAt(1)); err != nil {
		t.Fatalf("emitUpTo: %v", err)
	}

	got := drain(r)
	if len(got) != 1 {
		t.Fatalf("outputs: got %d, want 1", len(got))
	}
	if got[0].Gap || got[0].Value != 100 || got[0].Tick.Seq != 1 {
		t.Errorf("tick 1: got %+v, want value 100", got[0])
	}
}

func TestWindowedAverage(t *testing.T) {
	cfg := testCfg()
	cfg.DefaultPolicy = config.PolicyAverage
	r := newTestResampler(cfg)

	// Three samples inside [t1-1s, t1]; one outside.
	r.ingest(sample(-200*time.Millisecond, 999)) // before window of tick 1
	r.ingest(sample(200*time.Millisecond, 10))
	r.ingest(sample(600*time.Millisecond, 20))
	r.ingest(sample(1000*time.Millisecond, 30))
	if err := r.emitUpTo(context.Background(), tickAt(1)); err != nil {
		t.Fatalf("emitUpTo: %v", err)
	}

	got := drain(r)
	if len(got) != 1 || got[0].Gap {
		t.Fatalf("outputs: got %+v, want one present value", got)
	}
	if got[0].Value != 20 {
		t.Errorf("average: got %g, want 20", got[0].Value)
	}
}

func TestWindowedAverage_InclusiveBoundaries(t *testing.T) {
	cfg := testCfg()
	cfg.DefaultPolicy = config.PolicyAverage
	r := newTestResampler(cfg)

	// The window of tick 1 is [t0, t1] with both ends inclusive: a sample
	// exactly at the window start still counts.
	r.ingest(sample(0, 10))
	if err := r.emitUpTo(context.Background(), tickAt(1)); err != nil {
		t.Fatalf("emitUpTo: %v", err)
	}

	got := drain(r)
	if len(got) != 1 || got[0].Gap || got[0].Value != 10 {
		t.Fatalf("outputs: got %+v, want value 10", got)
	}
}

func TestLinearInterpolation(t *testing.T) {
	cfg := testCfg()
	cfg.DefaultPolicy = config.PolicyInterpolate
	r := newTestResampler(cfg)

	// Samples bracket tick 1 (t=1s): 10 at t=0.5s, 30 at t=1.5s → 20 at t=1s.
	r.ingest(sample(500*time.Millisecond, 10))
	r.ingest(sample(1500*time.Millisecond, 30))
	if err := r.emitUpTo(context.Background(), tickAt(1)); err != nil {
		t.Fatalf("emitUpTo: %v", err)
	}

	got := drain(r)
	if len(got) != 1 || got[0].Gap {
		t.Fatalf("outputs: got %+v, want one present value", got)
	}
	if got[0].Value != 20 {
		t.Errorf("interpolated: got %g, want 20", got[0].Value)
	}
}

func TestInterpolation_FallsBackToBeforeSample(t *testing.T) {
	cfg := testCfg()
	cfg.DefaultPolicy = config.PolicyInterpolate
	r := newTestResampler(cfg)

	r.ingest(sample(800*time.Millisecond, 42))
	if err := r.emitUpTo(context.Background(), tickAt(1)); err != nil {
		t.Fatalf("emitUpTo: %v", err)
	}

	got := drain(r)
	if len(got) != 1 || got[0].Gap || got[0].Value != 42 {
		t.Fatalf("outputs: got %+v, want value 42", got)
	}
}

func TestSequenceContiguousWithCatchUp(t *testing.T) {
	r := newTestResampler(testCfg())
	ctx := context.Background()
	r.ingest(sample(500*time.Millisecond, 100))

	// Emission begins at tick 1; the clock then coalesces ticks 2..4 into
	// one delivery of tick 4. The sequence must stay contiguous.
	if err := r.emitUpTo(ctx, tickAt(1)); err != nil {
		t.Fatalf("emitUpTo: %v", err)
	}
	if err := r.emitUpTo(ctx, tickAt(4)); err != nil {
		t.Fatalf("emitUpTo: %v", err)
	}

	got := drain(r)
	if len(got) != 4 {
		t.Fatalf("outputs: got %d, want 4 (catch-up emission)", len(got))
	}
	for i, rs := range got {
		if rs.Tick.Seq != uint64(i+1) {
			t.Errorf("output[%d]: seq %d, want %d", i, rs.Tick.Seq, i+1)
		}
	}
}

func TestStalenessAndCarryForward(t *testing.T) {
	r := newTestResampler(testCfg()) // staleness 3, carry-forward 1
	ctx := context.Background()

	// Data until tick 5, then silence.
	r.ingest(sample(5*time.Second, 50))
	for seq := uint64(1); seq <= 9; seq++ {
		if err := r.emitUpTo(ctx, tickAt(seq)); err != nil {
			t.Fatalf("emitUpTo(%d): %v", seq, err)
		}
	}

	got := drain(r)
	if len(got) != 9 {
		t.Fatalf("outputs: got %d, want 9", len(got))
	}
	byTick := map[uint64]types.ResampledSample{}
	for _, rs := range got {
		byTick[rs.Tick.Seq] = rs
	}

	// Ticks 1..4 precede the sample: absent but not unhealthy (the series
	// has data, just none usable yet).
	for seq := uint64(1); seq <= 4; seq++ {
		if !byTick[seq].Gap || byTick[seq].Unhealthy {
			t.Errorf("tick %d: got %+v, want healthy gap", seq, byTick[seq])
		}
	}
	if byTick[5].Gap || byTick[5].Value != 50 {
		t.Errorf("tick 5: got %+v, want value 50", byTick[5])
	}
	// Ticks 6..8: the latest policy still sees the t=5s sample inside the
	// 3-tick staleness window.
	for seq := uint64(6); seq <= 8; seq++ {
		if byTick[seq].Gap {
			t.Errorf("tick %d: unexpected gap", seq)
		}
		if byTick[seq].Unhealthy {
			t.Errorf("tick %d: unexpectedly unhealthy", seq)
		}
	}
	// Tick 9: sample has aged out of the window → absent and unhealthy.
	if !byTick[9].Gap {
		t.Errorf("tick 9: expected gap, got value %g", byTick[9].Value)
	}
	if !byTick[9].Unhealthy {
		t.Error("tick 9: expected unhealthy")
	}
	if r.Healthy() {
		t.Error("Healthy: expected false after staleness exceeded")
	}
}

func TestCarryForwardThenGap(t *testing.T) {
	cfg := testCfg()
	cfg.DefaultPolicy = config.PolicyAverage // window (t-1s, t]: goes empty fast
	cfg.CarryForwardTicks = 1
	r := newTestResampler(cfg)
	ctx := context.Background()

	r.ingest(sample(900*time.Millisecond, 10))
	for seq := uint64(1); seq <= 3; seq++ {
		if err := r.emitUpTo(ctx, tickAt(seq)); err != nil {
			t.Fatalf("emitUpTo(%d): %v", seq, err)
		}
	}

	got := drain(r)
	if len(got) != 3 {
		t.Fatalf("outputs: got %d, want 3", len(got))
	}
	// Tick 1: fresh average. Tick 2: no samples in window, carried forward.
	// Tick 3: carry-forward tolerance exhausted → gap.
	if got[0].Gap || got[0].Value != 10 {
		t.Errorf("tick 1: got %+v, want value 10", got[0])
	}
	if got[1].Gap || got[1].Value != 10 {
		t.Errorf("tick 2: got %+v, want carried value 10", got[1])
	}
	if !got[2].Gap {
		t.Errorf("tick 3: got %+v, want gap", got[2])
	}
}

func TestRecoveryClearsUnhealthy(t *testing.T) {
	r := newTestResampler(testCfg())
	ctx := context.Background()

	// No data at all: unhealthy once past the staleness bound.
	if err := r.emitUpTo(ctx, tickAt(5)); err != nil {
		t.Fatalf("emitUpTo: %v", err)
	}
	drain(r)
	if r.Healthy() {
		t.Fatal("expected unhealthy with no data past staleness bound")
	}

	// Data resumes → series self-heals.
	r.ingest(sample(5500*time.Millisecond, 70))
	if err := r.emitUpTo(ctx, tickAt(6)); err != nil {
		t.Fatalf("emitUpTo: %v", err)
	}
	got := drain(r)
	if len(got) != 1 || got[0].Gap || got[0].Value != 70 || got[0].Unhealthy {
		t.Fatalf("tick 6: got %+v, want healthy value 70", got)
	}
	if !r.Healthy() {
		t.Error("Healthy: expected true after data resumed")
	}
}

func TestIngest_DropsBadSamples(t *testing.T) {
	r := newTestResampler(testCfg())

	r.ingest(sample(2*time.Second, 1))
	r.ingest(sample(1*time.Second, 2)) // out of order
	r.ingest(types.MetricSample{Series: powerSeries, Timestamp: baseTime.Add(3 * time.Second), Value: 3}) // invalid
	r.ingest(types.MetricSample{Series: powerSeries, Value: 4, Valid: true}) // zero timestamp

	if r.buf.len() != 1 {
		t.Errorf("buffer: got %d samples, want 1", r.buf.len())
	}
	if got := r.buf.newest(); got.Value != 1 {
		t.Errorf("newest: got value %g, want 1", got.Value)
	}
}

func TestOverflow_DropOldestNeverBlocks(t *testing.T) {
	cfg := testCfg()
	cfg.ChannelDepth = 2
	r := newTestResampler(cfg)
	ctx := context.Background()
	r.ingest(sample(500*time.Millisecond, 1))
	if err := r.emitUpTo(ctx, tickAt(1)); err != nil {
		t.Fatalf("emitUpTo: %v", err)
	}
	drain(r)

	// Emit far more ticks than the channel holds; must not block.
	done := make(chan error, 1)
	go func() { done <- r.emitUpTo(ctx, tickAt(10)) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("emitUpTo: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("emitUpTo blocked under drop_oldest policy")
	}

	got := drain(r)
	if len(got) != 2 {
		t.Fatalf("queued outputs: got %d, want channel depth 2", len(got))
	}
	// The oldest ticks were dropped; the survivors are the newest, in order.
	if got[0].Tick.Seq != 9 || got[1].Tick.Seq != 10 {
		t.Errorf("survivors: got seqs %d,%d, want 9,10", got[0].Tick.Seq, got[1].Tick.Seq)
	}
}

func TestRun_RestartResumesSequence(t *testing.T) {
	cfg := testCfg() // staleness 3, carry-forward 1
	source := telemetry.NewChanSource()
	ticks := make(chan types.Tick, 1)
	r := New(powerSeries, cfg, source, ticks)

	waitSubscribed := func(want bool) {
		deadline := time.Now().Add(time.Second)
		for source.Has(powerSeries) != want {
			if time.Now().After(deadline) {
				t.Fatalf("subscription state never became %v", want)
			}
			time.Sleep(time.Millisecond)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	waitSubscribed(true)

	source.Push(sample(500*time.Millisecond, 100))
	time.Sleep(20 * time.Millisecond)
	ticks <- tickAt(1)
	if rs := <-r.Out(); rs.Gap || rs.Value != 100 || rs.Tick.Seq != 1 {
		t.Fatalf("tick 1: got %+v, want value 100", rs)
	}

	// Simulate a crash exit: the supervisor restarts the same actor value,
	// so lastEmitted survives and Run re-subscribes to the raw stream.
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitSubscribed(false)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { done <- r.Run(ctx2) }()
	waitSubscribed(true)

	// Data resumes just before tick 8; the catch-up emission must cover
	// every tick missed while down, with no duplicates and no skips.
	source.Push(sample(7500*time.Millisecond, 70))
	time.Sleep(20 * time.Millisecond)
	ticks <- tickAt(8)

	var got []types.ResampledSample
	for len(got) < 7 {
		select {
		case rs := <-r.Out():
			got = append(got, rs)
		case <-time.After(time.Second):
			t.Fatalf("catch-up outputs: got %d, want 7", len(got))
		}
	}
	for i, rs := range got {
		if rs.Tick.Seq != uint64(i+2) {
			t.Errorf("output[%d]: seq %d, want %d", i, rs.Tick.Seq, i+2)
		}
	}
	// Ticks 2-3 still see the old sample, tick 4 rides the carry-forward
	// tolerance, ticks 5-7 are the downtime gap, tick 8 has fresh data.
	for i, want := range []struct {
		gap   bool
		value float64
	}{{false, 100}, {false, 100}, {false, 100}, {true, 0}, {true, 0}, {true, 0}, {false, 70}} {
		if got[i].Gap != want.gap || (!want.gap && got[i].Value != want.value) {
			t.Errorf("tick %d: got %+v, want gap=%v value=%g", i+2, got[i], want.gap, want.value)
		}
	}
}

func TestRun_EndToEndTickDelivery(t *testing.T) {
	cfg := testCfg()
	source := telemetry.NewChanSource()
	ticks := make(chan types.Tick, 1)
	r := New(powerSeries, cfg, source, ticks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Wait for the Run goroutine to subscribe, then feed it.
	deadline := time.Now().Add(time.Second)
	for !source.Has(powerSeries) {
		if time.Now().After(deadline) {
			t.Fatal("resampler never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	source.Push(sample(500*time.Millisecond, 100))
	// Give the Run loop a moment to ingest before the tick.
	time.Sleep(20 * time.Millisecond)
	ticks <- tickAt(1)

	select {
	case rs := <-r.Out():
		if rs.Gap || rs.Value != 100 || rs.Tick.Seq != 1 {
			t.Errorf("output: got %+v, want value 100 at tick 1", rs)
		}
	case <-time.After(time.Second):
		t.Fatal("no resampled output")
	}

	r.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
