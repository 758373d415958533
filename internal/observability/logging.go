// Package observability wires structured logging and Prometheus metrics
// for the cluster control plane: a dedicated (non-global) registry,
// exactly as the teacher's internal/observability/metrics.go, and a zap
// logger builder matching its json/console production/development split.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BuildLogger constructs a zap.Logger. format is "json" or "console";
// level is one of debug/info/warn/error.
func BuildLogger(format, level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("observability.BuildLogger: invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "json", "":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("observability.BuildLogger: invalid log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("observability.BuildLogger: %w", err)
	}
	return log, nil
}
