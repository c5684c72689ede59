// Package config manages gonolith-harness configuration
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Noahdw/Gonolith/pkg/deploy"
	"github.com/Noahdw/Gonolith/pkg/history"
	"github.com/Noahdw/Gonolith/pkg/launcher"
	"github.com/Noahdw/Gonolith/pkg/orchestrator"
	"github.com/Noahdw/Gonolith/pkg/packager"
	"github.com/Noahdw/Gonolith/pkg/topology"
)

// Config holds the gonolith-harness configuration
type Config struct {
	Cluster  ClusterConfig   `mapstructure:"cluster"`
	Launcher launcher.Config `mapstructure:"launcher"`
	Packager packager.Config `mapstructure:"packager"`
	Deploy   DeployConfig    `mapstructure:"deploy"`
	History  HistoryConfig   `mapstructure:"history"`
	Log      LogConfig       `mapstructure:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Tracing  TracingConfig   `mapstructure:"tracing"`
}

// ClusterConfig describes the topology
type ClusterConfig struct {
	Nodes      int                `mapstructure:"nodes"`
	Host       string             `mapstructure:"host"`
	NamePrefix string             `mapstructure:"name_prefix"`
	BasePorts  topology.BasePorts `mapstructure:"base_ports"`
}

// DeployConfig describes the service deployment
type DeployConfig struct {
	ServiceDir     string        `mapstructure:"service_dir"`
	Target         string        `mapstructure:"target"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	VerifyService  bool          `mapstructure:"verify_service"`
	VerifyTimeout  time.Duration `mapstructure:"verify_timeout"`
	FailOnError    bool          `mapstructure:"fail_on_error"`

	// GRPCHealthService is the service name used when verifying the service
	GRPCHealthService string `mapstructure:"grpc_health_service"`
}

// HistoryConfig holds run history storage configuration
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the metrics endpoint configuration
type MetricsConfig struct {
	// Port of the /metrics endpoint, 0 disables it
	Port int `mapstructure:"port"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// New returns a viper instance with search paths, environment binding and
// defaults set
func New() *viper.Viper {
	v := viper.New()

	v.SetConfigName("gonolith-harness")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.gonolith")

	// GONOLITH_CLUSTER_NODES=3 overrides cluster.nodes
	v.SetEnvPrefix("GONOLITH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	base := topology.DefaultBasePorts()
	v.SetDefault("cluster.nodes", 2)
	v.SetDefault("cluster.host", topology.DefaultHost)
	v.SetDefault("cluster.name_prefix", topology.DefaultNamePrefix)
	v.SetDefault("cluster.base_ports.http", base.HTTP)
	v.SetDefault("cluster.base_ports.grpc", base.GRPC)
	v.SetDefault("cluster.base_ports.membership", base.Membership)

	lc := launcher.DefaultConfig()
	v.SetDefault("launcher.command", lc.Command)
	v.SetDefault("launcher.work_dir", lc.WorkDir)
	v.SetDefault("launcher.extra_env", lc.ExtraEnv)
	v.SetDefault("launcher.readiness", string(lc.Readiness))
	v.SetDefault("launcher.warm_up", lc.WarmUp)
	v.SetDefault("launcher.ready_timeout", lc.ReadyTimeout)
	v.SetDefault("launcher.probe_timeout", lc.ProbeTimeout)
	v.SetDefault("launcher.stop_timeout", lc.StopTimeout)
	v.SetDefault("launcher.log_dir", "")

	pc := packager.DefaultConfig()
	v.SetDefault("packager.server_dir", pc.ServerDir)
	v.SetDefault("packager.binary_name", pc.BinaryName)
	v.SetDefault("packager.config_name", pc.ConfigName)
	v.SetDefault("packager.archive_name", pc.ArchiveName)
	v.SetDefault("packager.output_dir", "")
	v.SetDefault("packager.build_env", map[string]string{})

	dc := deploy.DefaultConfig()
	oc := orchestrator.DefaultConfig()
	v.SetDefault("deploy.service_dir", "")
	v.SetDefault("deploy.target", "")
	v.SetDefault("deploy.health_timeout", dc.HealthTimeout)
	v.SetDefault("deploy.install_timeout", dc.InstallTimeout)
	v.SetDefault("deploy.request_timeout", dc.RequestTimeout)
	v.SetDefault("deploy.verify_service", false)
	v.SetDefault("deploy.verify_timeout", oc.VerifyTimeout)
	v.SetDefault("deploy.fail_on_error", false)
	v.SetDefault("deploy.grpc_health_service", "")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", history.DefaultPath())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.port", 0)
	v.SetDefault("tracing.enabled", false)
}

// Load reads the config file (if any) and decodes v into a Config. An explicit
// configFile must exist; the default search tolerates a missing file.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper lower-cases map keys; environment variable names are upper case.
	cfg.Launcher.ExtraEnv = upperKeys(cfg.Launcher.ExtraEnv)
	cfg.Packager.BuildEnv = upperKeys(cfg.Packager.BuildEnv)

	return &cfg, nil
}

// Orchestrator returns the orchestrator view of the configuration
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		NodeCount:         c.Cluster.Nodes,
		BasePorts:         c.Cluster.BasePorts,
		Host:              c.Cluster.Host,
		NamePrefix:        c.Cluster.NamePrefix,
		ServiceDir:        c.Deploy.ServiceDir,
		Target:            c.Deploy.Target,
		HealthTimeout:     c.Deploy.HealthTimeout,
		InstallTimeout:    c.Deploy.InstallTimeout,
		VerifyService:     c.Deploy.VerifyService,
		VerifyTimeout:     c.Deploy.VerifyTimeout,
		FailOnDeployError: c.Deploy.FailOnError,
	}
}

// DeployClient returns the deployment client view of the configuration
func (c *Config) DeployClient() deploy.Config {
	return deploy.Config{
		HealthTimeout:     c.Deploy.HealthTimeout,
		InstallTimeout:    c.Deploy.InstallTimeout,
		RequestTimeout:    c.Deploy.RequestTimeout,
		GRPCHealthService: c.Deploy.GRPCHealthService,
	}
}

// Topology allocates the configured topology
func (c *Config) Topology() (*topology.Topology, error) {
	return topology.Allocate(c.Cluster.Nodes, c.Cluster.BasePorts,
		topology.WithHost(c.Cluster.Host),
		topology.WithNamePrefix(c.Cluster.NamePrefix))
}

func upperKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[strings.ToUpper(k)] = val
	}
	return out
}
