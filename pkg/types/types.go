package types

import (
	"fmt"
	"strings"
	"time"
)

// ComponentID uniquely identifies one electrical component within a graph
// snapshot. IDs are opaque; the graph assigns no structure to them.
type ComponentID string

// MetricKind names one measurable quantity of a component.
type MetricKind string

// Metric kinds recognised by the pipeline. The component graph decides which
// kinds are valid for which component categories.
const (
	MetricActivePower   MetricKind = "active_power"
	MetricReactivePower MetricKind = "reactive_power"
	MetricVoltage       MetricKind = "voltage"
	MetricCurrent       MetricKind = "current"
	MetricFrequency     MetricKind = "frequency"
	MetricStateOfCharge MetricKind = "state_of_charge"
	MetricTemperature   MetricKind = "temperature"
	MetricEnergy        MetricKind = "energy"
)

// KnownMetricKinds lists every metric kind the pipeline understands.
var KnownMetricKinds = []MetricKind{
	MetricActivePower,
	MetricReactivePower,
	MetricVoltage,
	MetricCurrent,
	MetricFrequency,
	MetricStateOfCharge,
	MetricTemperature,
	MetricEnergy,
}

// ValidMetricKind reports whether k is one of the known metric kinds.
func ValidMetricKind(k MetricKind) bool {
	for _, known := range KnownMetricKinds {
		if k == known {
			return true
		}
	}
	return false
}

// SeriesID identifies one raw or resampled measurement stream: one metric
// kind of one component.
type SeriesID struct {
	Component ComponentID
	Metric    MetricKind
}

// String returns the canonical "<component>/<metric>" form used in logs and
// channel registrations.
func (s SeriesID) String() string {
	return string(s.Component) + "/" + string(s.Metric)
}

// ParseSeriesID parses the canonical "<component>/<metric>" form.
func ParseSeriesID(raw string) (SeriesID, error) {
	i := strings.LastIndexByte(raw, '/')
	if i <= 0 || i == len(raw)-1 {
		return SeriesID{}, fmt.Errorf("types: malformed series id %q", raw)
	}
	return SeriesID{
		Component: ComponentID(raw[:i]),
		Metric:    MetricKind(raw[i+1:]),
	}, nil
}

// MetricSample is one raw measurement as delivered by the telemetry source.
// Samples are immutable and consumed by exactly one resampler.
type MetricSample struct {
	Series    SeriesID
	Timestamp time.Time
	Value     float64

	// Valid is the source's quality flag. Invalid samples are dropped by
	// the resampler without affecting staleness accounting.
	Valid bool
}

// Tick is one step of the shared pipeline clock: a monotonically increasing
// sequence number paired with the wall-clock instant it fired at.
type Tick struct {
	Seq  uint64
	Time time.Time
}

// ResampledSample is one per-tick output of a resampler.
//
// For a given series, Tick.Seq strictly increases with no duplicates and no
// skipped sequence numbers once emission begins. Value is meaningful only
// when Gap is false.
type ResampledSample struct {
	Series SeriesID
	Tick   Tick
	Value  float64

	// Gap marks a tick for which no value could be produced under the
	// configured resampling policy and carry-forward tolerance.
	Gap bool

	// Unhealthy marks a series whose staleness bound has been exceeded.
	// It stays set on every emission until data resumes.
	Unhealthy bool
}

// Value is a float64-or-absent result, the unit of formula arithmetic.
type Value struct {
	Float64 float64
	Absent  bool
}

// Num returns a present Value.
func Num(f float64) Value { return Value{Float64: f} }

// Absent is the distinguished missing value.
var Absent = Value{Absent: true}

// String renders the value for logs and test failures.
func (v Value) String() string {
	if v.Absent {
		return "absent"
	}
	return fmt.Sprintf("%g", v.Float64)
}

// Output is one per-tick result of a formula, published to the output
// registry exactly once per tick in non-decreasing tick order.
type Output struct {
	Formula string
	Tick    Tick
	Value   Value
}
