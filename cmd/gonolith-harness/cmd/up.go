package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Noahdw/Gonolith/cmd/gonolith-harness/internal/ui"
	"github.com/Noahdw/Gonolith/pkg/launcher"
	"github.com/Noahdw/Gonolith/pkg/orchestrator"
	"github.com/Noahdw/Gonolith/pkg/packager"
	"github.com/Noahdw/Gonolith/pkg/telemetry"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Launch a local cluster, deploy the service and wait for interrupt",
	Long: `Launch one node process per topology entry, wait until each reports
ready, then package the service directory (if any) and install it on the
target node. The cluster stays up until Ctrl+C and is always torn down.

Examples:
  gonolith-harness up
  gonolith-harness up -n 3 --service-dir ./services/greet --target gonolith2
  gonolith-harness up --no-wait --verify`,
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)

	flags := upCmd.Flags()
	flags.String("service-dir", "", "service directory to package and deploy")
	flags.String("target", "", "node to deploy to (default first node)")
	flags.Bool("verify", false, "wait for the deployed service's gRPC health check")
	flags.Bool("fail-on-deploy-error", false, "exit non-zero when the deployment fails")
	flags.Int("metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	flags.Bool("trace", false, "export OpenTelemetry spans to stderr")
	flags.Bool("no-wait", false, "tear the cluster down as soon as the deployment finishes")

	commandFlags[upCmd] = map[string]string{
		"deploy.service_dir":    "service-dir",
		"deploy.target":         "target",
		"deploy.verify_service": "verify",
		"deploy.fail_on_error":  "fail-on-deploy-error",
		"metrics.port":          "metrics-port",
		"tracing.enabled":       "trace",
	}
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u := newUI(cmd)
	noWait, _ := cmd.Flags().GetBool("no-wait")

	launcherMetrics := launcher.NewPrometheusMetricsCollector("gonolith")
	pipelineMetrics := orchestrator.NewMetrics("harness")

	tel, err := startTelemetry(ctx, prometheus.Gatherers{launcherMetrics.Registry(), pipelineMetrics.Registry()})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	l, err := launcher.New(cfg.Launcher,
		launcher.WithLogger(logger),
		launcher.WithMetricsCollector(launcherMetrics))
	if err != nil {
		return err
	}
	p, err := packager.New(cfg.Packager, packager.WithLogger(logger))
	if err != nil {
		return err
	}

	deps := orchestrator.Dependencies{
		Launcher: l,
		Packager: p,
		Client:   newDeployClient(),
		Metrics:  pipelineMetrics,
		Tracer:   tel.Tracer("gonolith-harness"),
		Logger:   logger,
	}
	if store := openHistory(ctx); store != nil {
		defer store.Close()
		deps.History = store
	}

	oc := cfg.Orchestrator()
	oc.Wait = !noWait
	o, err := orchestrator.New(oc, deps)
	if err != nil {
		return err
	}

	u.Info(fmt.Sprintf("run %s: launching %d nodes", o.RunID(), oc.NodeCount))
	if addr := tel.MetricsAddr(); addr != "" {
		u.Subtle("metrics on http://" + addr + "/metrics")
	}

	report, err := o.Run(ctx)
	printReport(u, report)
	return err
}

// startTelemetry starts tracing and the metrics endpoint as configured
func startTelemetry(ctx context.Context, gatherers prometheus.Gatherers) (*telemetry.Manager, error) {
	tc := telemetry.Config{
		ServiceName:    "gonolith-harness",
		ServiceVersion: Version,
		Gatherers:      gatherers,
		EnableTracing:  cfg.Tracing.Enabled,
		TraceWriter:    os.Stderr,
	}
	if cfg.Metrics.Port > 0 {
		tc.MetricsAddr = fmt.Sprintf("localhost:%d", cfg.Metrics.Port)
	}

	tel := telemetry.NewManager(tc, logger)
	if err := tel.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	return tel, nil
}

// printReport renders the final state of a run
func printReport(u *ui.UI, report *orchestrator.Report) {
	if report == nil {
		return
	}

	u.Println("")
	u.Header("Run " + report.RunID)
	if !report.FinishedAt.IsZero() {
		u.KeyValue("duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String())
	}

	if len(report.Nodes) > 0 {
		u.Println("")
		table := u.NewTable("NODE", "HTTP", "GRPC", "MEMBERSHIP", "STATE", "ERROR")
		for _, n := range report.Nodes {
			table.AddRow(n.Name,
				strconv.Itoa(n.HTTPPort),
				strconv.Itoa(n.GRPCPort),
				strconv.Itoa(n.MembershipPort),
				ui.State(n.State),
				n.Error)
		}
		table.Render()
	}

	if report.LaunchErr != nil {
		u.Warning(fmt.Sprintf("%d of %d nodes failed to launch", len(report.Nodes)-len(report.Running()), len(report.Nodes)))
	}

	printDeployment(u, report.Deployment, report.DeploymentErr)
}

func printDeployment(u *ui.UI, d *orchestrator.DeploymentReport, err error) {
	if d == nil && err == nil {
		return
	}
	u.Println("")
	if d != nil {
		u.KeyValue("target", d.Node+" ("+d.Address+")")
		if d.ArchiveSize > 0 {
			u.KeyValue("archive", strconv.FormatInt(d.ArchiveSize, 10)+" bytes")
		}
	}
	if d.Succeeded() && err == nil {
		u.Success("service installed: " + d.Outcome.ServiceID)
		if d.ServiceVerified {
			u.Success("service serving on gRPC port " + strconv.Itoa(d.GRPCPort))
		}
		return
	}
	if err != nil {
		u.Error("deployment failed: " + err.Error())
	}
}
