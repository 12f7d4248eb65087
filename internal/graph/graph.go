package graph

import (
	"fmt"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// Category classifies a component's electrical role.
type Category string

// Component categories known to the pipeline.
const (
	CategoryGrid      Category = "grid"
	CategoryMeter     Category = "meter"
	CategoryInverter  Category = "inverter"
	CategoryBattery   Category = "battery"
	CategoryPVArray   Category = "pv_array"
	CategoryEVCharger Category = "ev_charger"
	CategoryCHP       Category = "chp"
)

// validCategories is the closed set of accepted component categories.
var validCategories = map[Category]bool{
	CategoryGrid:      true,
	CategoryMeter:     true,
	CategoryInverter:  true,
	CategoryBattery:   true,
	CategoryPVArray:   true,
	CategoryEVCharger: true,
	CategoryCHP:       true,
}

// metricValidity maps each category to the metric kinds that are legal for
// it. A metric reference to any other kind is a compile error, not a runtime
// condition.
var metricValidity = map[Category][]types.MetricKind{
	CategoryGrid: {
		types.MetricActivePower, types.MetricReactivePower,
		types.MetricVoltage, types.MetricCurrent, types.MetricFrequency,
	},
	CategoryMeter: {
		types.MetricActivePower, types.MetricReactivePower,
		types.MetricVoltage, types.MetricCurrent, types.MetricFrequency,
		types.MetricEnergy,
	},
	CategoryInverter: {
		types.MetricActivePower, types.MetricReactivePower,
		types.MetricVoltage, types.MetricCurrent, types.MetricFrequency,
		types.MetricTemperature,
	},
	CategoryBattery: {
		types.MetricActivePower, types.MetricVoltage, types.MetricCurrent,
		types.MetricStateOfCharge, types.MetricTemperature,
	},
	CategoryPVArray: {
		types.MetricActivePower, types.MetricVoltage, types.MetricCurrent,
		types.MetricTemperature,
	},
	CategoryEVCharger: {
		types.MetricActivePower, types.MetricVoltage, types.MetricCurrent,
	},
	CategoryCHP: {
		types.MetricActivePower, types.MetricTemperature,
	},
}

// Component is one node of the graph.
type Component struct {
	ID       types.ComponentID `json:"id"`
	Category Category          `json:"category"`
	Name     string            `json:"name,omitempty"`
}

// Connection is one directed electrical edge, pointing from the grid side
// towards the consuming/producing side.
type Connection struct {
	From types.ComponentID `json:"from"`
	To   types.ComponentID `json:"to"`
}

// Graph is an immutable snapshot of the microgrid topology. Build validates
// and indexes the raw lists; a Graph is never mutated afterwards.
type Graph struct {
	components map[types.ComponentID]Component
	succ       map[types.ComponentID][]types.ComponentID
	grid       types.ComponentID
}

// Build validates the raw component and connection lists and returns an
// indexed Graph. A failure here is fatal to bootstrap.
func Build(components []Component, connections []Connection) (*Graph, error) {
	if len(components) == 0 {
		return nil, fmt.Errorf("graph: no components")
	}

	g := &Graph{
		components: make(map[types.ComponentID]Component, len(components)),
		succ:       make(map[types.ComponentID][]types.ComponentID),
	}

	for _, c := range components {
		if c.ID == "" {
			return nil, fmt.Errorf("graph: component with empty id")
		}
		if !validCategories[c.Category] {
			return nil, fmt.Errorf("graph: component %q: unknown category %q", c.ID, c.Category)
		}
		if _, dup := g.components[c.ID]; dup {
			return nil, fmt.Errorf("graph: duplicate component id %q", c.ID)
		}
		g.components[c.ID] = c
		if c.Category == CategoryGrid {
			if g.grid != "" {
				return nil, fmt.Errorf("graph: multiple grid connection points (%q, %q)", g.grid, c.ID)
			}
			g.grid = c.ID
		}
	}
	if g.grid == "" {
		return nil, fmt.Errorf("graph: no grid connection point")
	}

	for i, e := range connections {
		if _, ok := g.components[e.From]; !ok {
			return nil, fmt.Errorf("graph: connection[%d]: unknown component %q", i, e.From)
		}
		if _, ok := g.components[e.To]; !ok {
			return nil, fmt.Errorf("graph: connection[%d]: unknown component %q", i, e.To)
		}
		if e.From == e.To {
			return nil, fmt.Errorf("graph: connection[%d]: self edge on %q", i, e.From)
		}
		g.succ[e.From] = append(g.succ[e.From], e.To)
	}

	return g, nil
}

// Component returns the component with the given id.
func (g *Graph) Component(id types.ComponentID) (Component, bool) {
	c, ok := g.components[id]
	return c, ok
}

// Grid returns the id of the grid connection point.
func (g *Graph) Grid() types.ComponentID { return g.grid }

// Len returns the number of components.
func (g *Graph) Len() int { return len(g.components) }

// ValidMetric reports whether metric kind k is legal for component id.
// The second return is false when the component does not exist at all.
func (g *Graph) ValidMetric(id types.ComponentID, k types.MetricKind) (valid, exists bool) {
	c, ok := g.components[id]
	if !ok {
		return false, false
	}
	for _, allowed := range metricValidity[c.Category] {
		if allowed == k {
			return true, true
		}
	}
	return false, true
}

// Successors returns the components directly connected downstream of id.
func (g *Graph) Successors(id types.ComponentID) []Component {
	out := make([]Component, 0, len(g.succ[id]))
	for _, sid := range g.succ[id] {
		out = append(out, g.components[sid])
	}
	return out
}

// ComponentsWhere returns every component for which pred is true, in
// unspecified order.
func (g *Graph) ComponentsWhere(pred func(Component) bool) []Component {
	var out []Component
	for _, c := range g.components {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// DFSWhere walks the graph depth-first from start and returns the components
// matching pred. Matching components terminate their branch: the walk does
// not descend below a match, so each electrical chain is represented by its
// topmost matching component.
func (g *Graph) DFSWhere(start types.ComponentID, pred func(Component) bool) []Component {
	var out []Component
	seen := map[types.ComponentID]bool{start: true}
	stack := append([]types.ComponentID(nil), g.succ[start]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		c := g.components[id]
		if pred(c) {
			out = append(out, c)
			continue
		}
		stack = append(stack, g.succ[id]...)
	}
	return out
}

// IsProducerChain reports whether the subtree rooted at id consists purely
// of power producers (PV arrays or CHP units). Meters and inverters count as
// part of the chain only when everything behind them is a producer; a meter
// that also feeds a battery or consumer measures mixed flow and is not a
// chain.
func (g *Graph) IsProducerChain(id types.ComponentID) bool {
	c, ok := g.components[id]
	if !ok {
		return false
	}
	if c.Category == CategoryPVArray || c.Category == CategoryCHP {
		return true
	}
	if c.Category != CategoryMeter && c.Category != CategoryInverter {
		return false
	}
	if len(g.succ[id]) == 0 {
		return false
	}
	for _, sid := range g.succ[id] {
		if !g.IsProducerChain(sid) {
			return false
		}
	}
	return true
}
