package orchestrator

import (
	"time"

	"github.com/Noahdw/Gonolith/pkg/harnesserr"
	"github.com/Noahdw/Gonolith/pkg/topology"
)

// Config describes one harness run
type Config struct {
	// NodeCount is the number of nodes to launch
	NodeCount int `mapstructure:"nodes"`

	// BasePorts are the first ports of each port class
	BasePorts topology.BasePorts `mapstructure:"base_ports"`

	// Host is the address nodes are reached on
	Host string `mapstructure:"host"`

	// NamePrefix yields node names <prefix>1, <prefix>2, ...
	NamePrefix string `mapstructure:"name_prefix"`

	// ServiceDir is the service to build and deploy; empty skips deployment
	ServiceDir string `mapstructure:"service_dir"`

	// Target is the node to deploy to; empty means the first node
	Target string `mapstructure:"target"`

	// HealthTimeout bounds the pre-install health check
	HealthTimeout time.Duration `mapstructure:"health_timeout"`

	// InstallTimeout bounds the upload
	InstallTimeout time.Duration `mapstructure:"install_timeout"`

	// VerifyService checks the installed service over gRPC health after install
	VerifyService bool `mapstructure:"verify_service"`

	// VerifyTimeout bounds the gRPC health verification
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`

	// Wait keeps the cluster up until the run context is cancelled
	Wait bool `mapstructure:"wait"`

	// FailOnDeployError makes a failed deployment fail the run
	FailOnDeployError bool `mapstructure:"fail_on_deploy_error"`
}

// DefaultConfig returns a two-node cluster on the stock ports
func DefaultConfig() Config {
	return Config{
		NodeCount:      2,
		BasePorts:      topology.DefaultBasePorts(),
		Host:           topology.DefaultHost,
		NamePrefix:     topology.DefaultNamePrefix,
		HealthTimeout:  2 * time.Second,
		InstallTimeout: 10 * time.Second,
		VerifyTimeout:  15 * time.Second,
	}
}

// Validate checks the fields the allocator does not
func (c Config) Validate() error {
	if c.HealthTimeout <= 0 {
		return harnesserr.InvalidConfiguration("health_timeout", c.HealthTimeout, "health timeout must be positive")
	}
	if c.InstallTimeout <= 0 {
		return harnesserr.InvalidConfiguration("install_timeout", c.InstallTimeout, "install timeout must be positive")
	}
	if c.VerifyService && c.VerifyTimeout <= 0 {
		return harnesserr.InvalidConfiguration("verify_timeout", c.VerifyTimeout, "verify timeout must be positive")
	}
	return nil
}

func (c Config) allocate() (*topology.Topology, error) {
	var opts []topology.Option
	if c.Host != "" {
		opts = append(opts, topology.WithHost(c.Host))
	}
	if c.NamePrefix != "" {
		opts = append(opts, topology.WithNamePrefix(c.NamePrefix))
	}
	return topology.Allocate(c.NodeCount, c.BasePorts, opts...)
}
