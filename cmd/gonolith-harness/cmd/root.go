// Package cmd provides the CLI commands for gonolith-harness
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Noahdw/Gonolith/cmd/gonolith-harness/internal/config"
	"github.com/Noahdw/Gonolith/cmd/gonolith-harness/internal/ui"
	"github.com/Noahdw/Gonolith/pkg/harnesserr"
	"github.com/Noahdw/Gonolith/pkg/history"
)

// Version is the harness version, set at build time
var Version = "0.1.0"

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
	logger  *slog.Logger

	// commandFlags maps subcommands to the config keys of their local flags.
	// They are bound when the command runs so commands can share keys.
	commandFlags = map[*cobra.Command]map[string]string{}
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gonolith-harness",
	Short: "Gonolith cluster harness - launch local clusters and deploy services",
	Long: `gonolith-harness launches a local multi-node Gonolith cluster on
deterministic ports, packages a service into a deployable archive and
installs it on one node through the node's HTTP API.

Configuration is read from ./gonolith-harness.yaml or
$HOME/.gonolith/gonolith-harness.yaml and GONOLITH_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if keys, ok := commandFlags[cmd]; ok {
			bindFlags(cmd.Flags(), keys)
		}

		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger, err = newLogger(cfg.Log, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if s := harnesserr.SuggestionOf(err); s != "" {
			ui.NewUI().Subtle("suggestion: " + s)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./gonolith-harness.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.IntP("nodes", "n", 2, "number of cluster nodes")
	flags.String("host", "localhost", "host the nodes bind to")
	flags.Int("http-port", 8080, "HTTP port of the first node")
	flags.Int("grpc-port", 50051, "gRPC port of the first node")
	flags.Int("membership-port", 7946, "membership port of the first node")
	flags.String("history-db", "", "run history database (default ~/.gonolith/history.db)")

	bindFlags(flags, map[string]string{
		"log.level":                     "log-level",
		"log.format":                    "log-format",
		"cluster.nodes":                 "nodes",
		"cluster.host":                  "host",
		"cluster.base_ports.http":       "http-port",
		"cluster.base_ports.grpc":       "grpc-port",
		"cluster.base_ports.membership": "membership-port",
		"history.path":                  "history-db",
	})
}

// bindFlags binds config keys to flags of fs. Unchanged flags never override
// configured values.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// newLogger builds the process logger from the log configuration
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, harnesserr.InvalidConfiguration("log.level", lc.Level, "unknown log level")
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(lc.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, harnesserr.InvalidConfiguration("log.format", lc.Format, "log format must be text or json")
	}
}

// newUI returns a UI on the command's output streams
func newUI(cmd *cobra.Command) *ui.UI {
	return ui.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// openHistory opens the run history store, or returns nil when history is
// disabled or cannot be opened
func openHistory(ctx context.Context) *history.Store {
	if !cfg.History.Enabled {
		return nil
	}
	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		logger.Warn("run history unavailable", "path", cfg.History.Path, "error", err)
		return nil
	}
	return store
}
