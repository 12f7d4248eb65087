// Package pipeline assembles the telemetry-to-metrics pipeline: the shared
// clock, the supervised resampler actors, the formula evaluator and the
// output registry.
//
// The pipeline is the evaluator's series tap. When a formula first
// references a series, the pipeline lazily spawns a resampler actor for it
// under the supervisor; when the last referencing formula is unregistered,
// the resampler is stopped and its clock subscription removed. A resampler
// that exhausts its restart budget is reported back to the evaluator, which
// evaluates the series as absent from then on.
package pipeline
