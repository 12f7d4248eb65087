package formula

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/graph"
	"github.com/gridpulse/gridpulse/internal/registry"
	"github.com/gridpulse/gridpulse/pkg/types"
)

// SeriesTap is the evaluator's hook into the resampler layer. Subscribe is
// called when a compiled formula first references a series: the pipeline
// lazily spawns the owning resampler and returns its output channel.
// Release is called when the last referencing formula is unregistered.
type SeriesTap interface {
	Subscribe(series types.SeriesID) (<-chan types.ResampledSample, error)
	Release(series types.SeriesID)
}

// seriesInput tracks one subscribed resampled stream between ticks.
type seriesInput struct {
	ch     <-chan types.ResampledSample
	last   types.ResampledSample
	refs   int  // formulas referencing this series
	failed bool // resampler permanently failed or stream closed
}

// command is one mutation request handled by the evaluator between ticks.
type command struct {
	compile    *compileReq
	unregister string
	failSeries *types.SeriesID
	reply      chan error
}

type compileReq struct {
	name    string
	src     string
	missing config.MissingPolicy
}

// Evaluator advances the formula DAG once per clock tick. It is the sole
// owner of the DAG and of the series input channels; registrations,
// unregistrations and failure notices arrive over its command inbox, so
// the DAG is mutated only between ticks and fragments become visible
// atomically.
type Evaluator struct {
	cfg   config.PipelineConfig
	graph *graph.Graph
	dag   *DAG
	reg   *registry.Registry
	tap   SeriesTap
	ticks chan types.Tick
	cmds  chan command

	inputs map[types.SeriesID]*seriesInput
}

// NewEvaluator creates an Evaluator reading ticks from the given clock
// subscription and publishing formula outputs to reg.
func NewEvaluator(cfg config.PipelineConfig, g *graph.Graph, reg *registry.Registry, tap SeriesTap, ticks chan types.Tick) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		graph:  g,
		dag:    NewDAG(),
		reg:    reg,
		tap:    tap,
		ticks:  ticks,
		cmds:   make(chan command, 16),
		inputs: make(map[types.SeriesID]*seriesInput),
	}
}

// Name implements actor.Actor.
func (e *Evaluator) Name() string { return "evaluator" }

// Register compiles and installs a formula. It blocks until the evaluator
// has processed the request; a newly registered formula is first evaluated
// at the next tick, never backfilled.
func (e *Evaluator) Register(ctx context.Context, name, src string, missing config.MissingPolicy) error {
	return e.send(ctx, command{compile: &compileReq{name: name, src: src, missing: missing}})
}

// Unregister removes a formula and releases any series no remaining
// formula references.
func (e *Evaluator) Unregister(ctx context.Context, name string) error {
	return e.send(ctx, command{unregister: name})
}

// MarkSeriesFailed records a permanent resampler failure: the series is no
// longer waited for at the tick deadline and evaluates as absent from now
// on.
func (e *Evaluator) MarkSeriesFailed(ctx context.Context, series types.SeriesID) error {
	return e.send(ctx, command{failSeries: &series})
}

func (e *Evaluator) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes commands and ticks until cancellation.
func (e *Evaluator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-e.cmds:
			cmd.reply <- e.handle(cmd)
		case tick := <-e.ticks:
			e.advance(ctx, tick)
		}
	}
}

func (e *Evaluator) handle(cmd command) error {
	switch {
	case cmd.compile != nil:
		return e.install(cmd.compile)
	case cmd.unregister != "":
		return e.remove(cmd.unregister)
	case cmd.failSeries != nil:
		if in, ok := e.inputs[*cmd.failSeries]; ok {
			in.failed = true
		}
		return nil
	default:
		return nil
	}
}

// install compiles the formula and subscribes any series it newly
// references. Subscription failures roll the registration back.
func (e *Evaluator) install(req *compileReq) error {
	f, err := e.dag.Compile(e.graph, req.name, req.src, req.missing)
	if err != nil {
		return err
	}

	series := e.dag.SeriesRefs(f.Name)
	var held []types.SeriesID
	for _, s := range series {
		if in, ok := e.inputs[s]; ok {
			in.refs++
			held = append(held, s)
			continue
		}
		ch, err := e.tap.Subscribe(s)
		if err != nil {
			e.rollback(f.Name, held)
			return err
		}
		e.inputs[s] = &seriesInput{ch: ch, refs: 1}
		held = append(held, s)
	}

	if err := e.reg.Add(f.Name); err != nil {
		e.rollback(f.Name, held)
		return err
	}
	slog.Info("formula: registered",
		"name", f.Name, "series", len(series), "dag_nodes", e.dag.Len())
	return nil
}

// remove unregisters a formula and drops series references it held.
func (e *Evaluator) remove(name string) error {
	series := e.dag.SeriesRefs(name)
	if !e.dag.Unregister(name) {
		return newError(CodeUnknownFormula, 0, "formula "+name+" is not registered")
	}
	e.reg.Remove(name)
	e.releaseSeries(series)
	slog.Info("formula: unregistered", "name", name)
	return nil
}

func (e *Evaluator) rollback(name string, series []types.SeriesID) {
	e.dag.Unregister(name)
	e.releaseSeries(series)
}

func (e *Evaluator) releaseSeries(series []types.SeriesID) {
	for _, s := range series {
		in, ok := e.inputs[s]
		if !ok {
			continue
		}
		in.refs--
		if in.refs <= 0 {
			delete(e.inputs, s)
			e.tap.Release(s)
		}
	}
}

// advance runs one tick: gather inputs until every live series has
// delivered the tick or the deadline fires, then evaluate the DAG in
// dependency order and publish one output per formula.
func (e *Evaluator) advance(ctx context.Context, tick types.Tick) {
	e.gather(ctx, tick)

	results := e.dag.Evaluate(tick.Seq, func(s types.SeriesID) types.Value {
		in, ok := e.inputs[s]
		if !ok || in.failed {
			return types.Absent
		}
		rs := in.last
		if rs.Tick.Seq != tick.Seq || rs.Gap || rs.Unhealthy {
			return types.Absent
		}
		return types.Num(rs.Value)
	})

	for _, name := range e.dag.Names() {
		e.reg.Publish(types.Output{Formula: name, Tick: tick, Value: results[name]})
	}
}

// gather drains each series channel until it has the sample for this tick.
// The wait is bounded by one shared deadline; a series that misses it is
// treated as absent for the tick, exactly like staleness.
func (e *Evaluator) gather(ctx context.Context, tick types.Tick) {
	timer := time.NewTimer(e.cfg.TickDeadline)
	defer timer.Stop()

	for series, in := range e.inputs {
		if in.failed {
			continue
		}
		for in.last.Tick.Seq < tick.Seq {
			select {
			case rs, ok := <-in.ch:
				if !ok {
					in.failed = true
				} else {
					in.last = rs
				}
			case <-timer.C:
				slog.Warn("formula: tick deadline missed",
					"tick", tick.Seq, "series", series.String())
				return
			case <-ctx.Done():
				return
			}
			if in.failed {
				break
			}
		}
	}
}
