// Package resample aligns one asynchronous raw sample stream onto the
// shared tick grid. One Resampler actor owns each (component, metric)
// series: it buffers raw samples, and on every clock tick emits exactly one
// resampled value — or a gap-flagged absent one — per tick sequence number,
// according to the configured aggregation policy, staleness bound and
// carry-forward tolerance.
package resample
