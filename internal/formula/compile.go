package formula

import (
	"fmt"

	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/graph"
	"github.com/gridpulse/gridpulse/pkg/types"
)

// Compile parses src, resolves it against the component graph and the
// already-registered formulas, and atomically installs the compiled nodes
// under the given name. On any error the DAG is left exactly as it was —
// partially compiled fragments never become visible to the evaluator.
//
// All failures are *CompileError values, local to this one registration.
func (d *DAG) Compile(g *graph.Graph, name, src string, missing config.MissingPolicy) (*Formula, error) {
	if name == "" {
		return nil, newError(CodeSyntax, 0, "formula name is empty")
	}
	if _, dup := d.formulas[name]; dup {
		return nil, newError(CodeDuplicateFormula, 0, fmt.Sprintf("formula %q already registered", name))
	}
	if missing == "" {
		missing = config.MissingPropagate
	}

	expr, err := Parse(src)
	if err != nil {
		return nil, err
	}

	// Build into a scratch slice; the arena is extended only on success.
	c := &compiler{dag: d, graph: g, name: name, missing: missing, base: d.Len()}
	root, err := c.lower(expr)
	if err != nil {
		return nil, err
	}
	if err := verifyAcyclic(c.scratch, c.base); err != nil {
		return nil, err
	}

	d.nodes = append(d.nodes, c.scratch...)
	f := &Formula{Name: name, Source: src, Root: root, Missing: missing}
	d.formulas[name] = f
	d.order = append(d.order, name)
	return f, nil
}

// compiler lowers one expression tree into scratch nodes. Operands are
// always lowered before their parent, so operand indices are strictly
// smaller than the parent's.
type compiler struct {
	dag     *DAG
	graph   *graph.Graph
	name    string
	missing config.MissingPolicy
	base    int
	scratch []node
}

func (c *compiler) emit(n node) int {
	n.missing = c.missing
	c.scratch = append(c.scratch, n)
	return c.base + len(c.scratch) - 1
}

func (c *compiler) lower(e Expr) (int, error) {
	switch v := e.(type) {
	case *Literal:
		return c.emit(node{op: opLiteral, literal: v.Value}), nil

	case *MetricRef:
		valid, exists := c.graph.ValidMetric(v.Component, v.Metric)
		if !exists {
			return 0, newError(CodeUnknownComponent, v.At,
				fmt.Sprintf("component %q not in graph", v.Component))
		}
		if !valid {
			return 0, newError(CodeInvalidMetric, v.At,
				fmt.Sprintf("metric %q not valid for component %q", v.Metric, v.Component))
		}
		series := types.SeriesID{Component: v.Component, Metric: v.Metric}
		return c.emit(node{op: opMetric, series: series}), nil

	case *FormulaRef:
		if v.Name == c.name {
			return 0, newError(CodeCycle, v.At,
				fmt.Sprintf("formula %q references itself", v.Name))
		}
		target, ok := c.dag.formulas[v.Name]
		if !ok {
			return 0, newError(CodeUnknownFormula, v.At,
				fmt.Sprintf("formula %q is not registered", v.Name))
		}
		return c.emit(node{op: opFormula, target: target.Root}), nil

	case *Unary:
		x, err := c.lower(v.X)
		if err != nil {
			return 0, err
		}
		return c.emit(node{op: opNeg, operands: []int{x}}), nil

	case *Binary:
		x, err := c.lower(v.X)
		if err != nil {
			return 0, err
		}
		y, err := c.lower(v.Y)
		if err != nil {
			return 0, err
		}
		var op opcode
		switch v.Op {
		case '+':
			op = opAdd
		case '-':
			op = opSub
		case '*':
			op = opMul
		default:
			op = opDiv
		}
		return c.emit(node{op: op, operands: []int{x, y}}), nil

	case *Call:
		operands := make([]int, 0, len(v.Args))
		for _, a := range v.Args {
			idx, err := c.lower(a)
			if err != nil {
				return 0, err
			}
			operands = append(operands, idx)
		}
		var op opcode
		switch v.Fn {
		case "sum":
			op = opSum
		case "avg":
			op = opAvg
		case "min":
			op = opMin
		default:
			op = opMax
		}
		return c.emit(node{op: op, operands: operands}), nil

	default:
		return 0, newError(CodeSyntax, e.Pos(), "unsupported expression node")
	}
}

// verifyAcyclic is the topological check run before a fragment is
// committed: every reference of every new node must point strictly
// backwards in the arena, which makes ascending index order a valid
// dependency order and rules out cycles.
func verifyAcyclic(scratch []node, base int) error {
	for i := range scratch {
		self := base + i
		refs := scratch[i].operands
		if scratch[i].op == opFormula {
			refs = []int{scratch[i].target}
		}
		for _, ref := range refs {
			if ref >= self || ref < 0 {
				return newError(CodeCycle, 0,
					fmt.Sprintf("node %d references node %d out of dependency order", self, ref))
			}
		}
	}
	return nil
}
