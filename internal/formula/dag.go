package formula

import (
	"math"

	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/pkg/types"
)

type opcode uint8

const (
	opLiteral opcode = iota
	opMetric
	opFormula
	opNeg
	opAdd
	opSub
	opMul
	opDiv
	opSum
	opAvg
	opMin
	opMax
)

// node is one compiled DAG node. Nodes live in an arena and reference their
// operands by integer index; every operand index is strictly smaller than
// the node's own index, so ascending index order is a valid evaluation
// order and cycles are impossible in a committed DAG.
type node struct {
	op       opcode
	operands []int
	literal  float64
	series   types.SeriesID // opMetric
	target   int            // opFormula: root node of the referenced formula

	// missing is the owning formula's missing-operand policy.
	missing config.MissingPolicy

	// Last evaluation result, for introspection; the evaluator works on a
	// per-tick value slice, not on these.
	lastTick uint64
	lastVal  types.Value
}

// Formula is one registered formula: a name bound to a DAG root.
type Formula struct {
	Name    string
	Source  string
	Root    int
	Missing config.MissingPolicy
}

// DAG is the live arena of compiled formula nodes. It is not safe for
// concurrent use; the evaluator actor owns it after bootstrap and all
// mutation goes through the evaluator's command inbox.
type DAG struct {
	nodes    []node
	formulas map[string]*Formula
	order    []string // registration order, for deterministic publishing

	// live marks the nodes reachable from a registered formula root, so
	// evaluation can skip nodes orphaned by Unregister. Rebuilt lazily.
	live      []bool
	liveStale bool
}

// NewDAG returns an empty DAG.
func NewDAG() *DAG {
	return &DAG{formulas: make(map[string]*Formula)}
}

// Formula returns the registered formula with the given name.
func (d *DAG) Formula(name string) (*Formula, bool) {
	f, ok := d.formulas[name]
	return f, ok
}

// Len returns the number of nodes in the arena.
func (d *DAG) Len() int { return len(d.nodes) }

// Names returns the registered formula names in registration order.
func (d *DAG) Names() []string {
	return append([]string(nil), d.order...)
}

// Unregister removes the named formula. Its arena nodes stay in place so
// the indices of other formulas are never disturbed, but nodes no formula
// can reach anymore are skipped by Evaluate from then on.
func (d *DAG) Unregister(name string) bool {
	if _, ok := d.formulas[name]; !ok {
		return false
	}
	delete(d.formulas, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.liveStale = true
	return true
}

// rebuildLive recomputes the set of nodes reachable from any registered
// formula root, through both operand and formula-reference edges.
func (d *DAG) rebuildLive() {
	d.live = make([]bool, len(d.nodes))
	var walk func(i int)
	walk = func(i int) {
		if d.live[i] {
			return
		}
		d.live[i] = true
		n := &d.nodes[i]
		if n.op == opFormula {
			walk(n.target)
		}
		for _, op := range n.operands {
			walk(op)
		}
	}
	for _, f := range d.formulas {
		walk(f.Root)
	}
	d.liveStale = false
}

// SeriesRefs returns the distinct series referenced by the named formula,
// through any chain of formula references.
func (d *DAG) SeriesRefs(name string) []types.SeriesID {
	f, ok := d.formulas[name]
	if !ok {
		return nil
	}
	seen := make(map[types.SeriesID]bool)
	var out []types.SeriesID
	var walk func(i int)
	walk = func(i int) {
		n := &d.nodes[i]
		switch n.op {
		case opMetric:
			if !seen[n.series] {
				seen[n.series] = true
				out = append(out, n.series)
			}
		case opFormula:
			walk(n.target)
		default:
			for _, op := range n.operands {
				walk(op)
			}
		}
	}
	walk(f.Root)
	return out
}

// Evaluate computes every formula's value for one tick. leaf supplies the
// resampled value of each referenced series at this tick (absent for gaps,
// unhealthy series, and deadline misses). Each reachable node is computed
// exactly once, in dependency order; nodes orphaned by Unregister are
// skipped. Results are returned per formula name.
func (d *DAG) Evaluate(tickSeq uint64, leaf func(types.SeriesID) types.Value) map[string]types.Value {
	if d.liveStale || len(d.live) != len(d.nodes) {
		d.rebuildLive()
	}
	vals := make([]types.Value, len(d.nodes))
	for i := range d.nodes {
		if !d.live[i] {
			continue
		}
		n := &d.nodes[i]
		vals[i] = evalNode(n, vals, leaf)
		n.lastTick = tickSeq
		n.lastVal = vals[i]
	}

	out := make(map[string]types.Value, len(d.formulas))
	for name, f := range d.formulas {
		out[name] = vals[f.Root]
	}
	return out
}

// evalNode computes one node from its already-resolved operands.
//
// Missing-operand semantics: under the propagate policy any absent operand
// makes the node absent. Under absorb, additive operators (+, -, sum, avg,
// min, max) exclude absent operands and go absent only when every operand
// is; multiplication and division always propagate absence, since a missing
// factor or denominator has no usable identity. Division by zero is absent
// under either policy.
func evalNode(n *node, vals []types.Value, leaf func(types.SeriesID) types.Value) types.Value {
	switch n.op {
	case opLiteral:
		return types.Num(n.literal)
	case opMetric:
		return leaf(n.series)
	case opFormula:
		return vals[n.target]
	case opNeg:
		x := vals[n.operands[0]]
		if x.Absent {
			return types.Absent
		}
		return types.Num(-x.Float64)
	case opAdd, opSub:
		x, y := vals[n.operands[0]], vals[n.operands[1]]
		if n.missing == config.MissingAbsorb {
			if x.Absent && y.Absent {
				return types.Absent
			}
			// Absent operand acts as the additive identity.
			if x.Absent {
				x = types.Num(0)
			}
			if y.Absent {
				y = types.Num(0)
			}
		} else if x.Absent || y.Absent {
			return types.Absent
		}
		if n.op == opAdd {
			return types.Num(x.Float64 + y.Float64)
		}
		return types.Num(x.Float64 - y.Float64)
	case opMul, opDiv:
		x, y := vals[n.operands[0]], vals[n.operands[1]]
		if x.Absent || y.Absent {
			return types.Absent
		}
		if n.op == opMul {
			return types.Num(x.Float64 * y.Float64)
		}
		if y.Float64 == 0 {
			return types.Absent
		}
		return types.Num(x.Float64 / y.Float64)
	default:
		return evalAggregate(n, vals)
	}
}

func evalAggregate(n *node, vals []types.Value) types.Value {
	var acc float64
	var count int
	for _, op := range n.operands {
		v := vals[op]
		if v.Absent {
			if n.missing != config.MissingAbsorb {
				return types.Absent
			}
			continue
		}
		switch n.op {
		case opSum, opAvg:
			acc += v.Float64
		case opMin:
			if count == 0 {
				acc = math.Inf(1)
			}
			acc = math.Min(acc, v.Float64)
		case opMax:
			if count == 0 {
				acc = math.Inf(-1)
			}
			acc = math.Max(acc, v.Float64)
		}
		count++
	}
	if count == 0 {
		return types.Absent
	}
	if n.op == opAvg {
		return types.Num(acc / float64(count))
	}
	return types.Num(acc)
}
