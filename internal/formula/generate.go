package formula

import (
	"fmt"
	"strings"

	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/graph"
	"github.com/gridpulse/gridpulse/pkg/types"
)

// Standard formula names produced by the graph-driven generators.
const (
	GridPowerName     = "grid_power"
	ProducerPowerName = "producer_power"
	BatteryPowerName  = "battery_power"
	BatterySOCName    = "battery_soc"
	ConsumerPowerName = "consumer_power"
)

// Generated is one formula derived from the component graph, ready to be
// registered with the evaluator.
type Generated struct {
	Name    string
	Source  string
	Missing config.MissingPolicy
}

// GridPowerFormula sums active power over the components directly connected
// to the grid connection point. Those are the topmost metering points of the
// site, so their sum is the net power exchanged with the grid.
func GridPowerFormula(g *graph.Graph) (Generated, error) {
	var refs []string
	for _, c := range g.Successors(g.Grid()) {
		if valid, _ := g.ValidMetric(c.ID, types.MetricActivePower); valid {
			refs = append(refs, metricExpr(c.ID, types.MetricActivePower))
		}
	}
	if len(refs) == 0 {
		return Generated{}, fmt.Errorf("formula: no measurable component at the grid connection point")
	}
	return Generated{
		Name:    GridPowerName,
		Source:  sumExpr(refs),
		Missing: config.MissingAbsorb,
	}, nil
}

// ProducerPowerFormula sums active power over every producer chain: the
// topmost component of each electrical chain that ends in a PV array or CHP
// unit. Meters and inverters fronting a producer measure its output, so the
// walk stops at the first chain component rather than descending to the
// producer itself.
func ProducerPowerFormula(g *graph.Graph) (Generated, error) {
	chains := g.DFSWhere(g.Grid(), func(c graph.Component) bool {
		return g.IsProducerChain(c.ID)
	})
	if len(chains) == 0 {
		return Generated{}, fmt.Errorf("formula: no power producers in graph")
	}
	refs := make([]string, 0, len(chains))
	for _, c := range chains {
		refs = append(refs, metricExpr(c.ID, types.MetricActivePower))
	}
	return Generated{
		Name:    ProducerPowerName,
		Source:  sumExpr(refs),
		Missing: config.MissingAbsorb,
	}, nil
}

// BatteryPowerFormula sums active power over all batteries. Positive values
// are discharge into the site, matching the graph's edge direction.
func BatteryPowerFormula(g *graph.Graph) (Generated, error) {
	refs, err := batteryRefs(g, types.MetricActivePower)
	if err != nil {
		return Generated{}, err
	}
	return Generated{
		Name:    BatteryPowerName,
		Source:  sumExpr(refs),
		Missing: config.MissingAbsorb,
	}, nil
}

// BatteryPoolSOCFormula averages state of charge over all batteries.
func BatteryPoolSOCFormula(g *graph.Graph) (Generated, error) {
	refs, err := batteryRefs(g, types.MetricStateOfCharge)
	if err != nil {
		return Generated{}, err
	}
	return Generated{
		Name:    BatterySOCName,
		Source:  "avg(" + strings.Join(refs, ", ") + ")",
		Missing: config.MissingAbsorb,
	}, nil
}

// ConsumerPowerFormula derives site consumption from the other standard
// formulas: what comes in from the grid plus local production plus battery
// discharge must be consumed on site. It references the generated formulas
// by name, so they must be registered first.
func ConsumerPowerFormula(g *graph.Graph) (Generated, error) {
	if _, err := GridPowerFormula(g); err != nil {
		return Generated{}, err
	}
	src := GridPowerName
	if _, err := ProducerPowerFormula(g); err == nil {
		src += " + " + ProducerPowerName
	}
	if _, err := BatteryPowerFormula(g); err == nil {
		src += " + " + BatteryPowerName
	}
	return Generated{
		Name:    ConsumerPowerName,
		Source:  src,
		Missing: config.MissingAbsorb,
	}, nil
}

// StandardFormulas generates every standard formula the graph supports, in
// an order that satisfies their cross-references. Formulas whose components
// are missing from the graph are skipped, not errors; only a graph with no
// measurable grid connection fails.
func StandardFormulas(g *graph.Graph) ([]Generated, error) {
	grid, err := GridPowerFormula(g)
	if err != nil {
		return nil, err
	}
	out := []Generated{grid}

	if f, err := ProducerPowerFormula(g); err == nil {
		out = append(out, f)
	}
	if f, err := BatteryPowerFormula(g); err == nil {
		out = append(out, f)
	}
	if f, err := BatteryPoolSOCFormula(g); err == nil {
		out = append(out, f)
	}
	if f, err := ConsumerPowerFormula(g); err == nil {
		out = append(out, f)
	}
	return out, nil
}

func batteryRefs(g *graph.Graph, kind types.MetricKind) ([]string, error) {
	batteries := g.ComponentsWhere(func(c graph.Component) bool {
		return c.Category == graph.CategoryBattery
	})
	if len(batteries) == 0 {
		return nil, fmt.Errorf("formula: no batteries in graph")
	}
	refs := make([]string, 0, len(batteries))
	for _, b := range batteries {
		refs = append(refs, metricExpr(b.ID, kind))
	}
	return refs, nil
}

// metricExpr renders one metric reference, quoting component ids that fall
// outside the bare identifier syntax.
func metricExpr(id types.ComponentID, kind types.MetricKind) string {
	comp := string(id)
	if !isBareIdent(comp) {
		comp = `"` + comp + `"`
	}
	return fmt.Sprintf("metric(%s, %s)", comp, kind)
}

func isBareIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return false
		}
	}
	return true
}

func sumExpr(refs []string) string {
	if len(refs) == 1 {
		return refs[0]
	}
	return "sum(" + strings.Join(refs, ", ") + ")"
}
