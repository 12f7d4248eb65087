// Package formula compiles and evaluates derived-metric expressions over
// the component graph. A formula is written in a small expression language:
//
//	metric(meter_main, active_power) + metric("pv-1", active_power)
//	sum(pv_power, chp_power) / grid_power
//
// Leaves are metric references (component + metric kind, component either a
// bare identifier or a quoted string) and references to previously
// registered formulas by name; operators are + - * /, unary minus and the
// aggregates sum, avg, min, max. Compilation resolves every reference,
// rejects cycles, and atomically installs the new nodes into the live DAG;
// the evaluator then advances the DAG once per clock tick, propagating
// absent values according to each formula's missing-operand policy.
package formula
