// Package actor provides the runtime the pipeline stages run on: a shared
// tick clock and a supervisor. Every resampler and the evaluator is an Actor
// — an independently scheduled unit owning no shared mutable state and
// communicating only over channels. The supervisor catches crashes at the
// actor boundary, restarts with bounded exponential backoff, and coordinates
// cooperative shutdown through context cancellation.
package actor
