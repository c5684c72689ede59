package packager

import (
	"log/slog"
	"path/filepath"

	"github.com/Noahdw/Gonolith/pkg/harnesserr"
)

// Config holds packager configuration
type Config struct {
	// ServerDir is the subdirectory of a service that holds its main package
	// and configuration file
	ServerDir string `mapstructure:"server_dir"`

	// BinaryName is the executable produced by the build and its archive entry name
	BinaryName string `mapstructure:"binary_name"`

	// ConfigName is the configuration file name and its archive entry name
	ConfigName string `mapstructure:"config_name"`

	// ArchiveName is the file name of the produced archive
	ArchiveName string `mapstructure:"archive_name"`

	// OutputDir receives the archive; empty means the service directory
	OutputDir string `mapstructure:"output_dir"`

	// BuildEnv overrides toolchain environment (GOOS, GOARCH, CGO_ENABLED)
	BuildEnv map[string]string `mapstructure:"build_env"`
}

// DefaultConfig returns the conventional layout: <service>/server/config.toml
// built into greet-service.exe
func DefaultConfig() Config {
	return Config{
		ServerDir:   "server",
		BinaryName:  "greet-service.exe",
		ConfigName:  "config.toml",
		ArchiveName: "service.zip",
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	for field, value := range map[string]string{
		"packager.binary_name":  c.BinaryName,
		"packager.config_name":  c.ConfigName,
		"packager.archive_name": c.ArchiveName,
	} {
		if value == "" {
			return harnesserr.InvalidConfiguration(field, value, "name cannot be empty")
		}
		if filepath.Base(value) != value {
			return harnesserr.InvalidConfiguration(field, value, "must be a plain file name")
		}
	}
	if c.BinaryName == c.ConfigName {
		return harnesserr.InvalidConfiguration("packager.binary_name", c.BinaryName,
			"binary and config entries must have different names")
	}
	return nil
}

// Option configures the Packager
type Option func(*Packager)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Packager) {
		p.logger = logger
	}
}

// WithToolchain replaces the build toolchain
func WithToolchain(tc Toolchain) Option {
	return func(p *Packager) {
		p.toolchain = tc
	}
}
