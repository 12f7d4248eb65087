package formula

import (
	"strings"
	"testing"

	"github.com/gridpulse/gridpulse/internal/graph"
	"github.com/gridpulse/gridpulse/pkg/types"
)

func TestGridPowerFormula(t *testing.T) {
	g := testGraph(t)
	f, err := GridPowerFormula(g)
	if err != nil {
		t.Fatalf("GridPowerFormula: %v", err)
	}
	if f.Name != GridPowerName {
		t.Errorf("name: got %q", f.Name)
	}
	// meter_main is the only component at the grid connection point.
	if f.Source != "metric(meter_main, active_power)" {
		t.Errorf("source: got %q", f.Source)
	}
}

func TestProducerPowerFormula(t *testing.T) {
	g := testGraph(t)
	f, err := ProducerPowerFormula(g)
	if err != nil {
		t.Fatalf("ProducerPowerFormula: %v", err)
	}

	// inv-1 fronts pv-1 and is the topmost chain component; chp-1 is its own
	// chain. bat-1 is not a producer. meter_main fronts producers but the
	// walk enters it because it also feeds the battery; its producer children
	// are what gets collected.
	if !strings.Contains(f.Source, `metric("inv-1", active_power)`) {
		t.Errorf("source %q missing inv-1", f.Source)
	}
	if !strings.Contains(f.Source, `metric("chp-1", active_power)`) {
		t.Errorf("source %q missing chp-1", f.Source)
	}
	if strings.Contains(f.Source, "pv-1") {
		t.Errorf("source %q descends below the chain head", f.Source)
	}
	if strings.Contains(f.Source, "bat-1") {
		t.Errorf("source %q includes the battery", f.Source)
	}
}

func TestProducerPowerFormula_WalkStopsAtChainHead(t *testing.T) {
	// A dedicated producer meter directly below the grid: the walk must stop
	// there rather than collect the inverter behind it.
	g, err := graph.Build(
		[]graph.Component{
			{ID: "grid", Category: graph.CategoryGrid},
			{ID: "meter_pv", Category: graph.CategoryMeter},
			{ID: "inv", Category: graph.CategoryInverter},
			{ID: "pv", Category: graph.CategoryPVArray},
		},
		[]graph.Connection{
			{From: "grid", To: "meter_pv"},
			{From: "meter_pv", To: "inv"},
			{From: "inv", To: "pv"},
		},
	)
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}

	f, err := ProducerPowerFormula(g)
	if err != nil {
		t.Fatalf("ProducerPowerFormula: %v", err)
	}
	if f.Source != "metric(meter_pv, active_power)" {
		t.Errorf("source: got %q, want the chain-head meter only", f.Source)
	}
}

func TestBatteryFormulas(t *testing.T) {
	g := testGraph(t)

	power, err := BatteryPowerFormula(g)
	if err != nil {
		t.Fatalf("BatteryPowerFormula: %v", err)
	}
	if power.Source != `metric("bat-1", active_power)` {
		t.Errorf("battery power source: got %q", power.Source)
	}

	soc, err := BatteryPoolSOCFormula(g)
	if err != nil {
		t.Fatalf("BatteryPoolSOCFormula: %v", err)
	}
	if soc.Source != `avg(metric("bat-1", state_of_charge))` {
		t.Errorf("battery soc source: got %q", soc.Source)
	}
}

func TestBatteryFormulas_NoBatteries(t *testing.T) {
	g, err := graph.Build(
		[]graph.Component{
			{ID: "grid", Category: graph.CategoryGrid},
			{ID: "meter", Category: graph.CategoryMeter},
		},
		[]graph.Connection{{From: "grid", To: "meter"}},
	)
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}
	if _, err := BatteryPowerFormula(g); err == nil {
		t.Error("BatteryPowerFormula on battery-less graph: no error")
	}
}

func TestStandardFormulas_CompileAndEvaluate(t *testing.T) {
	g := testGraph(t)
	generated, err := StandardFormulas(g)
	if err != nil {
		t.Fatalf("StandardFormulas: %v", err)
	}

	names := make(map[string]bool)
	d := NewDAG()
	for _, f := range generated {
		if _, err := d.Compile(g, f.Name, f.Source, f.Missing); err != nil {
			t.Fatalf("Compile %s (%q): %v", f.Name, f.Source, err)
		}
		names[f.Name] = true
	}
	for _, want := range []string{GridPowerName, ProducerPowerName, BatteryPowerName, BatterySOCName, ConsumerPowerName} {
		if !names[want] {
			t.Errorf("StandardFormulas missing %s", want)
		}
	}

	got := d.Evaluate(1, leafMap(map[types.SeriesID]types.Value{
		series("meter_main", "active_power"): types.Num(100),
		series("inv-1", "active_power"):      types.Num(-30),
		series("chp-1", "active_power"):      types.Num(-20),
		series("bat-1", "active_power"):      types.Num(10),
		series("bat-1", "state_of_charge"):   types.Num(80),
	}))

	if v := got[GridPowerName]; v.Float64 != 100 {
		t.Errorf("grid_power: got %v, want 100", v)
	}
	if v := got[ProducerPowerName]; v.Float64 != -50 {
		t.Errorf("producer_power: got %v, want -50", v)
	}
	if v := got[BatterySOCName]; v.Float64 != 80 {
		t.Errorf("battery_soc: got %v, want 80", v)
	}
	if v := got[ConsumerPowerName]; v.Absent {
		t.Error("consumer_power: got absent")
	}

	// One producer chain gapping: the absorb-sum keeps the other chain.
	got = d.Evaluate(2, leafMap(map[types.SeriesID]types.Value{
		series("inv-1", "active_power"): types.Num(-30),
		series("chp-1", "active_power"): types.Absent,
	}))
	if v := got[ProducerPowerName]; v.Absent || v.Float64 != -30 {
		t.Errorf("producer_power with one chain gapping: got %v, want -30", v)
	}
}

func TestStandardFormulas_MeterOnlyGraph(t *testing.T) {
	g, err := graph.Build(
		[]graph.Component{
			{ID: "grid", Category: graph.CategoryGrid},
			{ID: "meter", Category: graph.CategoryMeter},
		},
		[]graph.Connection{{From: "grid", To: "meter"}},
	)
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}

	generated, err := StandardFormulas(g)
	if err != nil {
		t.Fatalf("StandardFormulas: %v", err)
	}

	// Producers and batteries are absent from the graph, so only grid and
	// consumer power apply; both must still compile.
	d := NewDAG()
	for _, f := range generated {
		if _, err := d.Compile(g, f.Name, f.Source, f.Missing); err != nil {
			t.Fatalf("Compile %s (%q): %v", f.Name, f.Source, err)
		}
	}
	if len(generated) != 2 {
		t.Errorf("generated: got %d formulas, want grid_power and consumer_power", len(generated))
	}
	if generated[1].Source != GridPowerName {
		t.Errorf("consumer_power source: got %q, want %q", generated[1].Source, GridPowerName)
	}
}
