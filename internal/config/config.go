// Package config provides configuration loading, validation, and
// hot-reload for the cluster control plane.
//
// Configuration file: cluster.yaml (path supplied by the caller).
// Schema version: 1.
//
// Hot-reload:
//   - Watched via fsnotify on the config file's directory (handles editors
//     that replace-via-rename) and triggered by SIGHUP for parity with
//     environments that script config pushes as a signal.
//   - On reload: re-read and re-validate. If the new config is invalid,
//     the old config remains active and the error is logged — the
//     control plane never crashes on a bad hot-reload.
//   - A successful reload replaces the config returned by
//     Watcher.Current. Components built from the startup config keep
//     using it, so a changed setting takes effect only after a process
//     restart.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Strategy names accepted for LoadBalancingStrategy.
const (
	StrategyRoundRobin       = "RoundRobin"
	StrategyLeastConnections = "LeastConnections"
	StrategyResourceAware    = "ResourceAware"
	StrategyPredictive       = "Predictive"
)

// Config is the root configuration structure (spec.md §6, "Configuration
// object"). All fields have defaults; see Defaults().
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	EnableDistributedMonitoring bool          `yaml:"enable_distributed_monitoring"`
	NodeHealthCheckInterval     time.Duration `yaml:"node_health_check_interval"`
	NodeFailureThreshold        int           `yaml:"node_failure_threshold"`
	MinHealthyNodes             int           `yaml:"min_healthy_nodes"`
	EnableAutomaticFailover     bool          `yaml:"enable_automatic_failover"`
	FailoverTimeout             time.Duration `yaml:"failover_timeout"`
	LoadBalancingStrategy       string        `yaml:"load_balancing_strategy"`
	PredictionHorizon           time.Duration `yaml:"prediction_horizon"`

	ClusterWideCPUThreshold    float64 `yaml:"cluster_wide_cpu_threshold"`
	ClusterWideMemoryThreshold float64 `yaml:"cluster_wide_memory_threshold"`
	MemoryPressureThreshold    float64 `yaml:"memory_pressure_threshold"`
	LeakConfidenceThreshold    float64 `yaml:"leak_confidence_threshold"`

	ResponseTime ResponseTimeConfig `yaml:"response_time"`
	Backoff      BackoffConfig      `yaml:"backoff"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Retention    RetentionConfig    `yaml:"retention"`

	Storage       StorageConfig       `yaml:"storage"`
	DistCache     DistCacheConfig     `yaml:"dist_cache"`
	HTTPAPI       HTTPAPIConfig       `yaml:"http_api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ResponseTimeConfig is the "responseTime" config block.
type ResponseTimeConfig struct {
	Target                   time.Duration `yaml:"target"`
	SlidingWindow            time.Duration `yaml:"sliding_window"`
	MinSamples               int           `yaml:"min_samples"`
	SlowPctThreshold         float64       `yaml:"slow_pct_threshold"`
	ConsecutiveSlowThreshold int           `yaml:"consecutive_slow_threshold"`
	WarmupPeriod             time.Duration `yaml:"warmup_period"`
	WarmupMultiplier         float64       `yaml:"warmup_multiplier"`
	BaseLimit                int           `yaml:"base_limit"`
	SteadyStateLimit         int           `yaml:"steady_state_limit"`
}

// BackoffConfig is the "backoff" config block.
type BackoffConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Initial    time.Duration `yaml:"initial"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	IdleTTL    time.Duration `yaml:"idle_ttl"`
}

// AlertingConfig is the "alerting" config block.
type AlertingConfig struct {
	AggregationWindow     time.Duration `yaml:"aggregation_window"`
	MaxAlertsPerWindow    int           `yaml:"max_alerts_per_window"`
	TrendAnalysisWindow   time.Duration `yaml:"trend_analysis_window"`
	RateOfChangeThreshold float64       `yaml:"rate_of_change_threshold"`
}

// RetentionConfig is the "retention" config block.
type RetentionConfig struct {
	MetricsWindow    time.Duration `yaml:"metrics_window"`
	AlertHistoryDays int           `yaml:"alert_history_days"`
}

// StorageConfig controls optional bbolt persistence of NodeCapabilities
// and the alert archive.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// DistCacheConfig controls the optional Redis-backed ClusterHealth cache.
type DistCacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Key     string `yaml:"key"`
	TTL     time.Duration `yaml:"ttl"`
}

// HTTPAPIConfig controls the inbound HTTP/JSON API and alert websocket.
type HTTPAPIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",

		EnableDistributedMonitoring: true,
		NodeHealthCheckInterval:     5 * time.Second,
		NodeFailureThreshold:        3,
		MinHealthyNodes:             1,
		EnableAutomaticFailover:     false,
		FailoverTimeout:             10 * time.Second,
		LoadBalancingStrategy:       StrategyResourceAware,
		PredictionHorizon:           30 * time.Second,

		ClusterWideCPUThreshold:    80,
		ClusterWideMemoryThreshold: 80,
		MemoryPressureThreshold:    0.8,
		LeakConfidenceThreshold:    0.7,

		ResponseTime: ResponseTimeConfig{
			Target:                   500 * time.Millisecond,
			SlidingWindow:            time.Minute,
			MinSamples:               20,
			SlowPctThreshold:         0.2,
			ConsecutiveSlowThreshold: 5,
			WarmupPeriod:             30 * time.Second,
			WarmupMultiplier:         2,
			BaseLimit:                10,
			SteadyStateLimit:         100,
		},
		Backoff: BackoffConfig{
			MaxRetries: 5,
			Initial:    200 * time.Millisecond,
			MaxBackoff: 30 * time.Second,
			IdleTTL:    10 * time.Minute,
		},
		Alerting: AlertingConfig{
			AggregationWindow:     10 * time.Second,
			MaxAlertsPerWindow:    5,
			TrendAnalysisWindow:   2 * time.Minute,
			RateOfChangeThreshold: 0.1,
		},
		Retention: RetentionConfig{
			MetricsWindow:    10 * time.Minute,
			AlertHistoryDays: 7,
		},
		Storage: StorageConfig{
			Enabled: false,
			DBPath:  "/var/lib/codebuddy-cluster/cluster.db",
		},
		DistCache: DistCacheConfig{
			Enabled: false,
			Addr:    "127.0.0.1:6379",
			Key:     "codebuddy:cluster:health",
			TTL:     30 * time.Second,
		},
		HTTPAPI: HTTPAPIConfig{
			ListenAddr: "127.0.0.1:8080",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from path, merged over Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, aggregating every
// violation found via multierr rather than stopping at the first one.
func Validate(cfg *Config) error {
	var err error

	if cfg.SchemaVersion != "1" {
		err = multierr.Append(err, fmt.Errorf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeHealthCheckInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("node_health_check_interval must be > 0, got %s", cfg.NodeHealthCheckInterval))
	}
	if cfg.NodeFailureThreshold < 1 {
		err = multierr.Append(err, fmt.Errorf("node_failure_threshold must be >= 1, got %d", cfg.NodeFailureThreshold))
	}
	if cfg.MinHealthyNodes < 0 {
		err = multierr.Append(err, fmt.Errorf("min_healthy_nodes must be >= 0, got %d", cfg.MinHealthyNodes))
	}
	if cfg.FailoverTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("failover_timeout must be > 0, got %s", cfg.FailoverTimeout))
	}
	switch cfg.LoadBalancingStrategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyResourceAware, StrategyPredictive:
	default:
		err = multierr.Append(err, fmt.Errorf("load_balancing_strategy must be one of RoundRobin|LeastConnections|ResourceAware|Predictive, got %q", cfg.LoadBalancingStrategy))
	}
	if cfg.MemoryPressureThreshold < 0 || cfg.MemoryPressureThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("memory_pressure_threshold must be in [0,1], got %f", cfg.MemoryPressureThreshold))
	}
	if cfg.LeakConfidenceThreshold < 0 || cfg.LeakConfidenceThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("leak_confidence_threshold must be in [0,1], got %f", cfg.LeakConfidenceThreshold))
	}

	if cfg.ResponseTime.Target <= 0 {
		err = multierr.Append(err, fmt.Errorf("response_time.target must be > 0, got %s", cfg.ResponseTime.Target))
	}
	if cfg.ResponseTime.MinSamples < 1 {
		err = multierr.Append(err, fmt.Errorf("response_time.min_samples must be >= 1, got %d", cfg.ResponseTime.MinSamples))
	}
	if cfg.ResponseTime.SlowPctThreshold < 0 || cfg.ResponseTime.SlowPctThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("response_time.slow_pct_threshold must be in [0,1], got %f", cfg.ResponseTime.SlowPctThreshold))
	}
	if cfg.ResponseTime.SteadyStateLimit < 1 {
		err = multierr.Append(err, fmt.Errorf("response_time.steady_state_limit must be >= 1, got %d", cfg.ResponseTime.SteadyStateLimit))
	}

	if cfg.Backoff.MaxRetries < 0 {
		err = multierr.Append(err, fmt.Errorf("backoff.max_retries must be >= 0, got %d", cfg.Backoff.MaxRetries))
	}
	if cfg.Backoff.Initial <= 0 {
		err = multierr.Append(err, fmt.Errorf("backoff.initial must be > 0, got %s", cfg.Backoff.Initial))
	}
	if cfg.Backoff.MaxBackoff < cfg.Backoff.Initial {
		err = multierr.Append(err, fmt.Errorf("backoff.max_backoff must be >= backoff.initial"))
	}

	if cfg.Alerting.AggregationWindow <= 0 {
		err = multierr.Append(err, fmt.Errorf("alerting.aggregation_window must be > 0, got %s", cfg.Alerting.AggregationWindow))
	}
	if cfg.Alerting.MaxAlertsPerWindow < 1 {
		err = multierr.Append(err, fmt.Errorf("alerting.max_alerts_per_window must be >= 1, got %d", cfg.Alerting.MaxAlertsPerWindow))
	}

	if cfg.Retention.MetricsWindow <= 0 {
		err = multierr.Append(err, fmt.Errorf("retention.metrics_window must be > 0, got %s", cfg.Retention.MetricsWindow))
	}
	if cfg.Retention.AlertHistoryDays < 1 {
		err = multierr.Append(err, fmt.Errorf("retention.alert_history_days must be >= 1, got %d", cfg.Retention.AlertHistoryDays))
	}

	if cfg.Storage.Enabled && cfg.Storage.DBPath == "" {
		err = multierr.Append(err, fmt.Errorf("storage.db_path must not be empty when storage.enabled=true"))
	}
	if cfg.DistCache.Enabled && cfg.DistCache.Addr == "" {
		err = multierr.Append(err, fmt.Errorf("dist_cache.addr must not be empty when dist_cache.enabled=true"))
	}

	if err != nil {
		return fmt.Errorf("%w:\n%s", model.ErrConfigInvalid, err)
	}
	return nil
}
