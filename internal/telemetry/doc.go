// Package telemetry supplies raw metric samples to the pipeline. The Source
// interface is the external telemetry boundary: one infinite sample stream
// per (component, metric) series, consumed by exactly one resampler.
// PromSource polls Prometheus text exposition endpoints on the components
// themselves; ChanSource is the in-memory seam tests and simulators feed.
package telemetry
