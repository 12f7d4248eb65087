package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultTickPeriod        = 1 * time.Second
	DefaultTickDeadline      = 200 * time.Millisecond
	DefaultStalenessTicks    = 3
	DefaultCarryForwardTicks = 1
	DefaultBufferSize        = 256
	DefaultChannelDepth      = 16
	DefaultMaxAttempts       = 5
	DefaultBackoffInitial    = 500 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultHTTPPort          = 8080
)

// ResamplePolicy selects how a resampler reduces raw samples to one value
// per tick.
type ResamplePolicy string

// Recognised resampling policies.
const (
	PolicyLatest      ResamplePolicy = "latest"
	PolicyAverage     ResamplePolicy = "average"
	PolicyInterpolate ResamplePolicy = "interpolate"
)

// OverflowPolicy selects the behaviour when a resampler's bounded output
// channel is full.
type OverflowPolicy string

// Recognised overflow policies.
const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowBlock      OverflowPolicy = "block"
)

// MissingPolicy selects how a formula treats absent operands.
type MissingPolicy string

// Recognised missing-operand policies.
const (
	MissingPropagate MissingPolicy = "propagate"
	MissingAbsorb    MissingPolicy = "absorb"
)

// Config is the top-level gridpulse configuration. Fields map 1:1 to
// config.example.yaml.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Restart  RestartConfig  `yaml:"restart"`

	// ShutdownTimeout bounds how long Shutdown waits for actors to
	// acknowledge termination.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Graph     GraphConfig     `yaml:"graph"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Server    ServerConfig    `yaml:"server"`

	// Formulas is the initial formula set, registered at bootstrap in file
	// order. New entries appended to the file are picked up by Watch.
	Formulas []FormulaDef `yaml:"formulas"`
}

// PipelineConfig holds the resampling and evaluation options, fixed at
// bootstrap.
type PipelineConfig struct {
	// TickPeriod is the shared clock period driving every resampler and
	// the evaluator.
	TickPeriod time.Duration `yaml:"tick_period"`

	// TickDeadline bounds how long the evaluator waits for all subscribed
	// series to deliver a tick before proceeding with absent values.
	TickDeadline time.Duration `yaml:"tick_deadline"`

	// StalenessTicks is how many ticks a series may go without usable data
	// before it is marked unhealthy.
	StalenessTicks int `yaml:"staleness_ticks"`

	// CarryForwardTicks is how many ticks the last known value is repeated
	// before the resampler switches to gap-flagged absent output.
	// Must not exceed StalenessTicks.
	CarryForwardTicks int `yaml:"carry_forward_ticks"`

	// BufferSize is the raw-sample ring capacity per resampler.
	BufferSize int `yaml:"buffer_size"`

	// ChannelDepth is the bounded depth of each resampler output channel.
	ChannelDepth int `yaml:"channel_depth"`

	// OverflowPolicy governs a full resampler output channel.
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy"`

	// DefaultPolicy is the resampling policy for metric kinds without an
	// explicit entry in MetricPolicies.
	DefaultPolicy ResamplePolicy `yaml:"default_policy"`

	// MetricPolicies overrides the resampling policy per metric kind.
	MetricPolicies map[types.MetricKind]ResamplePolicy `yaml:"metric_policies"`
}

// PolicyFor returns the resampling policy for metric kind k.
func (p PipelineConfig) PolicyFor(k types.MetricKind) ResamplePolicy {
	if pol, ok := p.MetricPolicies[k]; ok {
		return pol
	}
	return p.DefaultPolicy
}

// RestartConfig holds the supervisor's restart schedule for crashed actors.
type RestartConfig struct {
	// MaxAttempts is the number of restarts before an actor is marked
	// permanently failed. Zero disables restarts.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffInitial is the delay before the first restart; each further
	// attempt doubles it, capped at BackoffMax.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// GraphConfig selects where the component graph is fetched from.
type GraphConfig struct {
	// Provider is one of: file | http.
	Provider string `yaml:"provider"`

	// Path is the graph JSON file, used when Provider == "file".
	Path string `yaml:"path"`

	// Endpoint is the platform URL, used when Provider == "http".
	Endpoint string `yaml:"endpoint"`
}

// TelemetryConfig configures the Prometheus-polling telemetry source.
type TelemetryConfig struct {
	// PollInterval is how often each component endpoint is scraped.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Endpoints maps component ids to their metrics exposition URLs.
	// Components without an endpoint produce no raw samples.
	Endpoints map[types.ComponentID]string `yaml:"endpoints"`
}

// ServerConfig holds the WebSocket output server settings.
type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

// FormulaDef is one named formula definition from the config file.
type FormulaDef struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`

	// Missing is the missing-operand policy: propagate (default) | absorb.
	Missing MissingPolicy `yaml:"missing"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			TickPeriod:        DefaultTickPeriod,
			TickDeadline:      DefaultTickDeadline,
			StalenessTicks:    DefaultStalenessTicks,
			CarryForwardTicks: DefaultCarryForwardTicks,
			BufferSize:        DefaultBufferSize,
			ChannelDepth:      DefaultChannelDepth,
			OverflowPolicy:    OverflowDropOldest,
			DefaultPolicy:     PolicyLatest,
		},
		Restart: RestartConfig{
			MaxAttempts:    DefaultMaxAttempts,
			BackoffInitial: DefaultBackoffInitial,
			BackoffMax:     DefaultBackoffMax,
		},
		ShutdownTimeout: DefaultShutdownTimeout,
		Graph:           GraphConfig{Provider: "file", Path: "graph.json"},
		Telemetry:       TelemetryConfig{PollInterval: DefaultPollInterval},
		Server:          ServerConfig{HTTPPort: DefaultHTTPPort},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	p := cfg.Pipeline
	if p.TickPeriod <= 0 {
		return fmt.Errorf("pipeline.tick_period must be positive")
	}
	if p.TickDeadline <= 0 || p.TickDeadline >= p.TickPeriod {
		return fmt.Errorf("pipeline.tick_deadline must be positive and below tick_period")
	}
	if p.StalenessTicks <= 0 {
		return fmt.Errorf("pipeline.staleness_ticks must be positive")
	}
	if p.CarryForwardTicks < 0 || p.CarryForwardTicks > p.StalenessTicks {
		return fmt.Errorf("pipeline.carry_forward_ticks must be in [0, staleness_ticks]")
	}
	if p.BufferSize <= 0 {
		return fmt.Errorf("pipeline.buffer_size must be positive")
	}
	if p.ChannelDepth <= 0 {
		return fmt.Errorf("pipeline.channel_depth must be positive")
	}
	switch p.OverflowPolicy {
	case OverflowDropOldest, OverflowBlock:
	default:
		return fmt.Errorf("pipeline.overflow_policy: unknown policy %q", p.OverflowPolicy)
	}
	if err := validPolicy(p.DefaultPolicy); err != nil {
		return fmt.Errorf("pipeline.default_policy: %w", err)
	}
	for kind, pol := range p.MetricPolicies {
		if !types.ValidMetricKind(kind) {
			return fmt.Errorf("pipeline.metric_policies: unknown metric kind %q", kind)
		}
		if err := validPolicy(pol); err != nil {
			return fmt.Errorf("pipeline.metric_policies[%s]: %w", kind, err)
		}
	}

	if cfg.Restart.MaxAttempts < 0 {
		return fmt.Errorf("restart.max_attempts must not be negative")
	}
	if cfg.Restart.BackoffInitial <= 0 || cfg.Restart.BackoffMax < cfg.Restart.BackoffInitial {
		return fmt.Errorf("restart backoff schedule must satisfy 0 < initial <= max")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	switch cfg.Graph.Provider {
	case "file":
		if cfg.Graph.Path == "" {
			return fmt.Errorf("graph.path is required for the file provider")
		}
	case "http":
		if cfg.Graph.Endpoint == "" {
			return fmt.Errorf("graph.endpoint is required for the http provider")
		}
	default:
		return fmt.Errorf("graph.provider: unknown provider %q", cfg.Graph.Provider)
	}

	if cfg.Telemetry.PollInterval <= 0 {
		return fmt.Errorf("telemetry.poll_interval must be positive")
	}

	seen := make(map[string]bool, len(cfg.Formulas))
	for i, f := range cfg.Formulas {
		if f.Name == "" {
			return fmt.Errorf("formulas[%d]: name is required", i)
		}
		if f.Expr == "" {
			return fmt.Errorf("formulas[%d] %q: expr is required", i, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("formulas[%d]: duplicate name %q", i, f.Name)
		}
		seen[f.Name] = true
		switch f.Missing {
		case MissingPropagate, MissingAbsorb, "":
		default:
			return fmt.Errorf("formulas[%d] %q: unknown missing policy %q", i, f.Name, f.Missing)
		}
	}
	return nil
}

func validPolicy(p ResamplePolicy) error {
	switch p {
	case PolicyLatest, PolicyAverage, PolicyInterpolate:
		return nil
	default:
		return fmt.Errorf("unknown resample policy %q", p)
	}
}
