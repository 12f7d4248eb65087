package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gridpulse/gridpulse/internal/actor"
	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/formula"
	"github.com/gridpulse/gridpulse/internal/graph"
	"github.com/gridpulse/gridpulse/internal/registry"
	"github.com/gridpulse/gridpulse/internal/resample"
	"github.com/gridpulse/gridpulse/internal/telemetry"
	"github.com/gridpulse/gridpulse/pkg/types"
)

// Pipeline owns every stage between the raw telemetry source and the output
// registry. Construct with New, then Start; formulas can be registered and
// removed at any time while running.
type Pipeline struct {
	cfg    *config.Config
	graph  *graph.Graph
	source telemetry.Source

	clock *actor.Clock
	sup   *actor.Supervisor
	reg   *registry.Registry
	eval  *formula.Evaluator

	mu         sync.Mutex
	resamplers map[types.SeriesID]*seriesEntry
	started    bool
}

// seriesEntry pairs one resampler with its clock subscription so Release can
// undo both.
type seriesEntry struct {
	r     *resample.Resampler
	ticks chan types.Tick
}

// New wires a Pipeline from its validated configuration, an immutable graph
// snapshot and a telemetry source. Nothing runs until Start.
func New(cfg *config.Config, g *graph.Graph, source telemetry.Source) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		graph:      g,
		source:     source,
		clock:      actor.NewClock(cfg.Pipeline.TickPeriod),
		sup:        actor.NewSupervisor(cfg.Restart),
		reg:        registry.New(),
		resamplers: make(map[types.SeriesID]*seriesEntry),
	}
	p.eval = formula.NewEvaluator(cfg.Pipeline, g, p.reg, p, p.clock.Subscribe())
	p.sup.OnPermanentFailure = p.onPermanentFailure
	return p
}

// Start spawns the core actors and registers the configured formulas in file
// order. A formula that fails to compile aborts startup; a config that
// passed validation but references unknown components is a deployment error
// worth failing loudly on.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: already started")
	}
	p.started = true
	p.mu.Unlock()

	p.sup.Spawn(p.eval)
	if a, ok := p.source.(actor.Actor); ok {
		p.sup.Spawn(a)
	}
	p.sup.Spawn(p.clock)

	for _, def := range p.cfg.Formulas {
		if err := p.RegisterFormula(ctx, def.Name, def.Expr, def.Missing); err != nil {
			return fmt.Errorf("pipeline: formula %q: %w", def.Name, err)
		}
	}
	slog.Info("pipeline: started",
		"components", p.graph.Len(), "formulas", len(p.cfg.Formulas),
		"tick_period", p.cfg.Pipeline.TickPeriod)
	return nil
}

// Clock exposes the shared tick source. Tests drive it directly with Fire.
func (p *Pipeline) Clock() *actor.Clock { return p.clock }

// Registry exposes the output boundary for subscriptions and snapshots.
func (p *Pipeline) Registry() *registry.Registry { return p.reg }

// RegisterFormula compiles and installs a formula. The first evaluation
// happens at the next tick; outputs are never backfilled.
func (p *Pipeline) RegisterFormula(ctx context.Context, name, expr string, missing config.MissingPolicy) error {
	return p.eval.Register(ctx, name, expr, missing)
}

// UnregisterFormula removes a formula, closing its subscriptions and
// stopping any resampler no remaining formula references.
func (p *Pipeline) UnregisterFormula(ctx context.Context, name string) error {
	return p.eval.Unregister(ctx, name)
}

// RegisterStandardFormulas derives and installs the graph-driven formula set
// (grid, producer, battery and consumer power, battery state of charge).
func (p *Pipeline) RegisterStandardFormulas(ctx context.Context) error {
	generated, err := formula.StandardFormulas(p.graph)
	if err != nil {
		return err
	}
	for _, f := range generated {
		if err := p.RegisterFormula(ctx, f.Name, f.Source, f.Missing); err != nil {
			return fmt.Errorf("pipeline: standard formula %q: %w", f.Name, err)
		}
	}
	return nil
}

// ApplyFormulas registers formulas appended to the config file at runtime.
// Already-registered names are left untouched; a definition that fails to
// compile is logged and skipped, never fatal to the running pipeline.
func (p *Pipeline) ApplyFormulas(ctx context.Context, defs []config.FormulaDef) {
	known := make(map[string]bool)
	for _, name := range p.reg.Names() {
		known[name] = true
	}
	for _, def := range defs {
		if known[def.Name] {
			continue
		}
		if err := p.RegisterFormula(ctx, def.Name, def.Expr, def.Missing); err != nil {
			slog.Warn("pipeline: hot formula registration rejected",
				"name", def.Name, "err", err)
			continue
		}
		slog.Info("pipeline: formula registered from config reload", "name", def.Name)
	}
}

// SubscribeFormula attaches a consumer to the named formula's output stream.
func (p *Pipeline) SubscribeFormula(name string) (*registry.Subscription, error) {
	return p.reg.Subscribe(name)
}

// Health is a point-in-time report of actor states and per-series staleness.
type Health struct {
	// Actors maps actor name to its supervisor status string.
	Actors map[string]string

	// Series maps each live series to whether it is within its staleness
	// bound.
	Series map[string]bool
}

// Health reports the supervisor status of every series' resampler along with
// its staleness flag. The clock and evaluator appear under their own names.
func (p *Pipeline) Health() Health {
	h := Health{
		Actors: make(map[string]string),
		Series: make(map[string]bool),
	}
	for _, name := range []string{p.clock.Name(), p.eval.Name()} {
		if st, ok := p.sup.Status(name); ok {
			h.Actors[name] = st.String()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for series, e := range p.resamplers {
		if st, ok := p.sup.Status(e.r.Name()); ok {
			h.Actors[e.r.Name()] = st.String()
		}
		h.Series[series.String()] = e.r.Healthy()
	}
	return h
}

// Shutdown stops every actor and waits for them to terminate, bounded by ctx.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.sup.Shutdown(ctx)
}

// Subscribe implements formula.SeriesTap: it lazily spawns the resampler
// owning the series. Called by the evaluator when a compiled formula first
// references the series.
func (p *Pipeline) Subscribe(series types.SeriesID) (<-chan types.ResampledSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.resamplers[series]; dup {
		return nil, fmt.Errorf("pipeline: series %s already subscribed", series)
	}

	ticks := p.clock.Subscribe()
	r := resample.New(series, p.cfg.Pipeline, p.source, ticks)
	p.resamplers[series] = &seriesEntry{r: r, ticks: ticks}
	p.sup.Spawn(r)
	slog.Info("pipeline: resampler spawned", "series", series.String())
	return r.Out(), nil
}

// Release implements formula.SeriesTap: the last formula referencing the
// series is gone, so its resampler is stopped and unhooked from the clock.
func (p *Pipeline) Release(series types.SeriesID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.resamplers[series]
	if !ok {
		return
	}
	delete(p.resamplers, series)
	e.r.Stop()
	p.clock.Unsubscribe(e.ticks)
	slog.Info("pipeline: resampler stopped", "series", series.String())
}

// onPermanentFailure runs on the supervisor goroutine of an actor that
// exhausted its restart budget. A dead resampler is reported to the
// evaluator so its series stops being waited for; a dead core actor leaves
// the pipeline degraded and is surfaced through Health.
func (p *Pipeline) onPermanentFailure(name string) {
	const prefix = "resampler/"
	if !strings.HasPrefix(name, prefix) {
		slog.Error("pipeline: core actor permanently failed", "actor", name)
		return
	}
	series, err := types.ParseSeriesID(strings.TrimPrefix(name, prefix))
	if err != nil {
		slog.Error("pipeline: unparseable failed actor name", "actor", name, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Pipeline.TickPeriod)
	defer cancel()
	if err := p.eval.MarkSeriesFailed(ctx, series); err != nil {
		slog.Error("pipeline: failed to mark series failed", "series", series.String(), "err", err)
	}
}
