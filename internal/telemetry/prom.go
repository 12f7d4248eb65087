package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/pkg/types"
)

const defaultScrapeTimeout = 10 * time.Second

// familyKinds maps Prometheus metric family names exposed by microgrid
// components to the pipeline's metric kinds.
var familyKinds = map[string]types.MetricKind{
	"microgrid_active_power_watts":      types.MetricActivePower,
	"microgrid_reactive_power_var":      types.MetricReactivePower,
	"microgrid_voltage_volts":           types.MetricVoltage,
	"microgrid_current_amperes":         types.MetricCurrent,
	"microgrid_frequency_hertz":         types.MetricFrequency,
	"microgrid_state_of_charge_percent": types.MetricStateOfCharge,
	"microgrid_temperature_celsius":     types.MetricTemperature,
	"microgrid_energy_watt_hours":       types.MetricEnergy,
}

// PromSource polls each component's Prometheus text exposition endpoint and
// converts gauge families to raw metric samples. It embeds a ChanSource for
// subscription bookkeeping and runs its poll loop as a supervised actor.
type PromSource struct {
	*ChanSource

	cfg    config.TelemetryConfig
	client *http.Client
	now    func() time.Time // injectable for deterministic tests
}

// NewPromSource creates a PromSource from the telemetry config.
func NewPromSource(cfg config.TelemetryConfig) *PromSource {
	return &PromSource{
		ChanSource: NewChanSource(),
		cfg:        cfg,
		client:     &http.Client{Timeout: defaultScrapeTimeout},
		now:        time.Now,
	}
}

// Name implements actor.Actor.
func (s *PromSource) Name() string { return "telemetry-poller" }

// Run polls every configured endpoint each interval until ctx is cancelled.
// Scrape failures are logged and skipped; they surface downstream as series
// staleness, never as pipeline failure.
func (s *PromSource) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for id, url := range s.cfg.Endpoints {
				if err := s.scrape(ctx, id, url); err != nil {
					slog.Warn("telemetry: scrape failed",
						"component", id, "endpoint", url, "err", err)
				}
			}
		}
	}
}

// scrape fetches one component endpoint and pushes a sample per recognised
// metric family.
func (s *PromSource) scrape(ctx context.Context, id types.ComponentID, url string) error {
	mfs, err := fetchMetrics(ctx, s.client, url)
	if err != nil {
		return err
	}

	scrapedAt := s.now()
	for name, kind := range familyKinds {
		mf, ok := mfs[name]
		if !ok {
			continue
		}
		value, ts, ok := gaugeValue(mf, scrapedAt)
		if !ok {
			continue
		}
		s.Push(types.MetricSample{
			Series:    types.SeriesID{Component: id, Metric: kind},
			Timestamp: ts,
			Value:     value,
			Valid:     true,
		})
	}
	return nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric
// families. A partial result with a non-fatal parse warning is still
// returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// gaugeValue extracts the first gauge or untyped value of mf together with
// its exposition timestamp, falling back to the scrape instant when the
// exposition carries none.
func gaugeValue(mf *dto.MetricFamily, scrapedAt time.Time) (float64, time.Time, bool) {
	for _, m := range mf.GetMetric() {
		var v float64
		switch {
		case m.Gauge != nil:
			v = m.Gauge.GetValue()
		case m.Untyped != nil:
			v = m.Untyped.GetValue()
		default:
			continue
		}
		ts := scrapedAt
		if m.TimestampMs != nil {
			ts = time.UnixMilli(m.GetTimestampMs()).UTC()
		}
		return v, ts, true
	}
	return 0, time.Time{}, false
}
