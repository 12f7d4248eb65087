package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// writeConfig writes content to a temp file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
graph:
  provider: file
  path: graph.json
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pipeline.TickPeriod != DefaultTickPeriod {
		t.Errorf("TickPeriod: got %v, want %v", cfg.Pipeline.TickPeriod, DefaultTickPeriod)
	}
	if cfg.Pipeline.StalenessTicks != DefaultStalenessTicks {
		t.Errorf("StalenessTicks: got %d, want %d", cfg.Pipeline.StalenessTicks, DefaultStalenessTicks)
	}
	if cfg.Pipeline.OverflowPolicy != OverflowDropOldest {
		t.Errorf("OverflowPolicy: got %q, want drop_oldest", cfg.Pipeline.OverflowPolicy)
	}
	if cfg.Restart.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts: got %d, want %d", cfg.Restart.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout: got %v, want %v", cfg.ShutdownTimeout, DefaultShutdownTimeout)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
pipeline:
  tick_period: 2s
  tick_deadline: 300ms
  staleness_ticks: 5
  carry_forward_ticks: 2
  overflow_policy: block
  default_policy: average
  metric_policies:
    state_of_charge: latest
restart:
  max_attempts: 3
  backoff_initial: 1s
  backoff_max: 10s
graph:
  provider: file
  path: graph.json
formulas:
  - name: grid_power
    expr: metric(meter-main, active_power)
  - name: pv_share
    expr: pv_power / grid_power
    missing: absorb
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pipeline.TickPeriod != 2*time.Second {
		t.Errorf("TickPeriod: got %v, want 2s", cfg.Pipeline.TickPeriod)
	}
	if got := cfg.Pipeline.PolicyFor(types.MetricStateOfCharge); got != PolicyLatest {
		t.Errorf("PolicyFor(state_of_charge): got %q, want latest", got)
	}
	if got := cfg.Pipeline.PolicyFor(types.MetricVoltage); got != PolicyAverage {
		t.Errorf("PolicyFor(voltage): got %q, want default average", got)
	}
	if len(cfg.Formulas) != 2 {
		t.Fatalf("Formulas: got %d, want 2", len(cfg.Formulas))
	}
	if cfg.Formulas[1].Missing != MissingAbsorb {
		t.Errorf("Formulas[1].Missing: got %q, want absorb", cfg.Formulas[1].Missing)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			"negative tick period",
			"pipeline:\n  tick_period: -1s\ngraph:\n  provider: file\n  path: g.json\n",
			"tick_period",
		},
		{
			"deadline above period",
			"pipeline:\n  tick_deadline: 2s\ngraph:\n  provider: file\n  path: g.json\n",
			"tick_deadline",
		},
		{
			"carry forward above staleness",
			"pipeline:\n  staleness_ticks: 2\n  carry_forward_ticks: 3\ngraph:\n  provider: file\n  path: g.json\n",
			"carry_forward_ticks",
		},
		{
			"unknown overflow policy",
			"pipeline:\n  overflow_policy: explode\ngraph:\n  provider: file\n  path: g.json\n",
			"overflow_policy",
		},
		{
			"unknown resample policy",
			"pipeline:\n  default_policy: cubic\ngraph:\n  provider: file\n  path: g.json\n",
			"default_policy",
		},
		{
			"unknown metric kind",
			"pipeline:\n  metric_policies:\n    vibes: latest\ngraph:\n  provider: file\n  path: g.json\n",
			"metric kind",
		},
		{
			"http provider without endpoint",
			"graph:\n  provider: http\n",
			"graph.endpoint",
		},
		{
			"unknown graph provider",
			"graph:\n  provider: carrier_pigeon\n",
			"graph.provider",
		},
		{
			"formula without expr",
			minimalConfig + "formulas:\n  - name: broken\n",
			"expr is required",
		},
		{
			"duplicate formula name",
			minimalConfig + "formulas:\n  - name: a\n    expr: \"1\"\n  - name: a\n    expr: \"2\"\n",
			"duplicate name",
		},
		{
			"unknown missing policy",
			minimalConfig + "formulas:\n  - name: a\n    expr: \"1\"\n    missing: ignore\n",
			"missing policy",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("Load: expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load: expected error for missing file")
	}
}
