// Package graph models the microgrid component graph: components (meters,
// inverters, batteries, PV arrays, the grid connection point) and the
// electrical connections between them. The graph is built once at bootstrap,
// validated, and read-only afterwards, so it is shared across actors without
// locking. It also carries the metric-validity table the formula compiler
// resolves metric references against.
package graph
