// Package types defines the shared data model of the gridpulse pipeline:
// component and series identifiers, raw metric samples, clock ticks,
// resampled samples and formula output values. These are the canonical
// in-memory representations passed between pipeline stages over channels.
package types
