package launcher

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Noahdw/Gonolith/pkg/harnesserr"
)

// ReadinessMode selects how the launcher decides a node is ready
type ReadinessMode string

const (
	// ReadinessPoll polls the node's status endpoint with exponential backoff
	ReadinessPoll ReadinessMode = "poll"
	// ReadinessDelay waits a fixed warm-up interval and assumes readiness
	ReadinessDelay ReadinessMode = "delay"
)

// Config holds launcher configuration
type Config struct {
	// Command is the node executable and its arguments
	Command []string `mapstructure:"command"`

	// WorkDir is the working directory of every node process
	WorkDir string `mapstructure:"work_dir"`

	// ExtraEnv is added to every node's environment (e.g. CGO_ENABLED=0)
	ExtraEnv map[string]string `mapstructure:"extra_env"`

	// Readiness selects poll or delay readiness
	Readiness ReadinessMode `mapstructure:"readiness"`

	// WarmUp is the fixed delay used in delay mode
	WarmUp time.Duration `mapstructure:"warm_up"`

	// ReadyTimeout bounds readiness polling
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// ProbeTimeout bounds a single readiness probe
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// StopTimeout is the grace period between SIGTERM and SIGKILL
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	// LogDir receives one <node>.log per node; empty means inherit Output
	LogDir string `mapstructure:"log_dir"`
}

// DefaultConfig returns launcher defaults: `go run ./cmd/main.go` from the
// current directory with cgo disabled
func DefaultConfig() Config {
	return Config{
		Command:      []string{"go", "run", "./cmd/main.go"},
		ExtraEnv:     map[string]string{"CGO_ENABLED": "0"},
		Readiness:    ReadinessPoll,
		WarmUp:       5 * time.Second,
		ReadyTimeout: 30 * time.Second,
		ProbeTimeout: 2 * time.Second,
		StopTimeout:  10 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return harnesserr.InvalidConfiguration("launcher.command", c.Command, "node command cannot be empty")
	}

	switch c.Readiness {
	case ReadinessPoll:
		if c.ReadyTimeout <= 0 {
			return harnesserr.InvalidConfiguration("launcher.ready_timeout", c.ReadyTimeout, "ready timeout must be positive")
		}
		if c.ProbeTimeout <= 0 {
			return harnesserr.InvalidConfiguration("launcher.probe_timeout", c.ProbeTimeout, "probe timeout must be positive")
		}
	case ReadinessDelay:
		if c.WarmUp < 0 {
			return harnesserr.InvalidConfiguration("launcher.warm_up", c.WarmUp, "warm-up cannot be negative")
		}
	default:
		return harnesserr.InvalidConfiguration("launcher.readiness", c.Readiness,
			fmt.Sprintf("readiness must be %q or %q", ReadinessPoll, ReadinessDelay))
	}

	if c.StopTimeout <= 0 {
		return harnesserr.InvalidConfiguration("launcher.stop_timeout", c.StopTimeout, "stop timeout must be positive")
	}
	return nil
}

// Option configures the Launcher
type Option func(*Launcher)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(l *Launcher) {
		l.metrics = mc
	}
}

// WithProber replaces the readiness prober
func WithProber(p Prober) Option {
	return func(l *Launcher) {
		l.prober = p
	}
}

// WithOutput sets where node stdout/stderr go when no LogDir is configured
func WithOutput(stdout, stderr io.Writer) Option {
	return func(l *Launcher) {
		l.stdout = stdout
		l.stderr = stderr
	}
}
