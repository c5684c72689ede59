// Package orchestrator drives one harness run: allocate ports, launch the
// cluster, package the service, deploy it to a target node, optionally wait
// for an interrupt, and tear the cluster down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Noahdw/Gonolith/pkg/deploy"
	"github.com/Noahdw/Gonolith/pkg/harnesserr"
	"github.com/Noahdw/Gonolith/pkg/history"
	"github.com/Noahdw/Gonolith/pkg/launcher"
	"github.com/Noahdw/Gonolith/pkg/packager"
	"github.com/Noahdw/Gonolith/pkg/topology"
)

// ClusterLauncher starts and stops node processes
type ClusterLauncher interface {
	Start(ctx context.Context, topo *topology.Topology) (*launcher.Cluster, error)
	Stop(cluster *launcher.Cluster)
}

// ServicePackager produces deployable artifacts
type ServicePackager interface {
	Package(ctx context.Context, serviceDir string, grpcPort int) (*packager.Artifact, error)
}

// DeploymentClient talks to node endpoints
type DeploymentClient interface {
	CheckHealth(ctx context.Context, nodeAddr string, timeout time.Duration) error
	Install(ctx context.Context, nodeAddr string, artifact *packager.Artifact, timeout time.Duration) deploy.Outcome
	CheckServiceHealth(ctx context.Context, grpcAddr string, timeout time.Duration) error
}

// Recorder persists run history
type Recorder interface {
	StartRun(ctx context.Context, r *history.Run) error
	FinishRun(ctx context.Context, runID, status, errText string) error
	SetTarget(ctx context.Context, runID, target string) error
	RecordNodes(ctx context.Context, runID string, nodes []history.Node) error
	RecordDeployment(ctx context.Context, d *history.Deployment) error
}

// Dependencies are the collaborators of a run. Launcher is required for Run;
// Packager and Client are required for deployment. The rest are optional.
type Dependencies struct {
	Launcher ClusterLauncher
	Packager ServicePackager
	Client   DeploymentClient
	History  Recorder
	Metrics  *Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Orchestrator runs one topology and one deployment flow
type Orchestrator struct {
	config Config
	deps   Dependencies
	logger *slog.Logger
	tracer trace.Tracer

	runID      string
	runStarted bool
}

// New creates an orchestrator with a fresh run id
func New(config Config, deps Dependencies) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/Noahdw/Gonolith/pkg/orchestrator")
	}

	runID := uuid.NewString()
	return &Orchestrator{
		config: config,
		deps:   deps,
		logger: deps.Logger.With("component", "orchestrator", "run_id", runID),
		tracer: tracer,
		runID:  runID,
	}, nil
}

// RunID returns the id of this run
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run executes the whole pipeline. Allocation errors abort before any process
// starts. Once the cluster has been started it is always torn down before Run
// returns. A failed deployment is reported in the Report and fails the run
// only with FailOnDeployError.
func (o *Orchestrator) Run(ctx context.Context) (report *Report, err error) {
	if o.deps.Launcher == nil {
		return nil, errors.New("orchestrator: launcher is required")
	}

	report = &Report{RunID: o.runID, StartedAt: time.Now()}
	ctx, span := o.tracer.Start(ctx, "harness.run", trace.WithAttributes(
		attribute.String("run_id", o.runID),
		attribute.Int("nodes", o.config.NodeCount),
	))
	defer func() {
		report.FinishedAt = time.Now()
		endSpan(span, err)
		o.finishRun(ctx, report, err)
	}()

	// Allocate
	topo, err := runStage(ctx, o, "allocate", func(ctx context.Context) (*topology.Topology, error) {
		return o.config.allocate()
	})
	if err != nil {
		o.logger.Error("invalid topology", "error", err)
		return report, err
	}
	report.Topology = topo
	if topo.RangesOverlap() {
		o.logger.Warn("port ranges of different classes overlap", "base_ports", topo.BasePorts())
	}

	o.startRun(ctx)

	// Launch
	cluster, launchErr := runStage(ctx, o, "launch", func(ctx context.Context) (*launcher.Cluster, error) {
		return o.deps.Launcher.Start(ctx, topo)
	})
	defer o.teardown(ctx, cluster, report)

	report.LaunchErr = launchErr
	report.Nodes = nodeReports(cluster)
	if launchErr != nil {
		o.logger.Warn("cluster started with failures", "failed", len(cluster.Failed()), "error", launchErr)
	}
	if len(cluster.Running()) == 0 {
		return report, fmt.Errorf("no node is running: %w", launchErr)
	}
	o.logger.Info("cluster running", "running", len(cluster.Running()), "nodes", topo.Len())

	// Deploy
	if o.config.ServiceDir != "" {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		dr, deployErr := o.Deploy(ctx, cluster, o.config.Target)
		report.Deployment = dr
		report.DeploymentErr = deployErr
		if deployErr != nil {
			o.logger.Error("deployment failed, cluster left running",
				"error", deployErr,
				"suggestion", harnesserr.SuggestionOf(deployErr))
			if o.config.FailOnDeployError {
				return report, deployErr
			}
		}
	}

	// Wait
	if o.config.Wait {
		o.logger.Info("cluster is up, waiting for interrupt")
		<-ctx.Done()
		o.logger.Info("interrupt received, tearing down")
	}

	return report, nil
}

// Deploy packages the configured service for the named node and installs it.
// An empty name selects the first node of the topology. The node must be Running.
func (o *Orchestrator) Deploy(ctx context.Context, cluster *launcher.Cluster, nodeName string) (*DeploymentReport, error) {
	if nodeName == "" {
		names := cluster.Topology().Names()
		nodeName = names[0]
	}

	node, ok := cluster.Node(nodeName)
	if !ok {
		return nil, harnesserr.InvalidConfiguration("target", nodeName, "no such node in topology")
	}
	if state := node.State(); state != launcher.NodeStateRunning {
		return &DeploymentReport{Node: nodeName, Address: node.Spec.HTTPAddress()},
			harnesserr.HealthCheck(node.Spec.HTTPAddress(), fmt.Errorf("node %s is %s", nodeName, state))
	}

	return o.DeployTo(ctx, node.Spec)
}

// DeployTo packages and installs the configured service on target, which may
// belong to a cluster this orchestrator did not start. Packaging completes
// before any network call; install happens only after a passing health check.
func (o *Orchestrator) DeployTo(ctx context.Context, target topology.NodeSpec) (report *DeploymentReport, err error) {
	if o.deps.Packager == nil || o.deps.Client == nil {
		return nil, errors.New("orchestrator: packager and client are required for deployment")
	}
	if o.config.ServiceDir == "" {
		return nil, harnesserr.InvalidConfiguration("service_dir", "", "no service directory configured")
	}

	address := target.HTTPAddress()
	logger := o.logger.With("node", target.Name, "address", address)
	report = &DeploymentReport{Node: target.Name, Address: address, GRPCPort: target.GRPCPort}

	ctx, span := o.tracer.Start(ctx, "harness.deploy", trace.WithAttributes(
		attribute.String("node", target.Name),
		attribute.String("address", address),
	))
	defer func() { endSpan(span, err) }()

	o.startRun(ctx)
	o.setTarget(ctx, target.Name)
	defer func() { o.recordDeployment(ctx, report) }()

	artifact, err := runStage(ctx, o, "package", func(ctx context.Context) (*packager.Artifact, error) {
		return o.deps.Packager.Package(ctx, o.config.ServiceDir, target.GRPCPort)
	})
	if err != nil {
		report.Diagnostic = err.Error()
		o.deps.Metrics.deployment(target.Name, string(harnesserr.CodeOf(err)))
		return report, err
	}
	report.ArchiveSize = artifact.Size

	_, err = runStage(ctx, o, "health_check", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.deps.Client.CheckHealth(ctx, address, o.config.HealthTimeout)
	})
	if err != nil {
		if rmErr := artifact.Remove(); rmErr != nil {
			logger.Warn("failed to remove archive", "archive", artifact.ArchivePath, "error", rmErr)
		}
		report.Diagnostic = err.Error()
		o.deps.Metrics.deployment(target.Name, string(harnesserr.CodeHealthCheckFailed))
		return report, err
	}

	outcome, _ := runStage(ctx, o, "install", func(ctx context.Context) (deploy.Outcome, error) {
		out := o.deps.Client.Install(ctx, address, artifact, o.config.InstallTimeout)
		if !out.Success {
			return out, errors.New(out.Diagnostic)
		}
		return out, nil
	})
	report.Outcome = outcome
	report.Diagnostic = outcome.Diagnostic
	if !outcome.Success {
		o.deps.Metrics.deployment(target.Name, string(harnesserr.CodeInstallFailed))
		return report, harnesserr.Install(address, outcome.Diagnostic)
	}
	logger.Info("service installed", "service_id", outcome.ServiceID)

	if o.config.VerifyService {
		grpcAddr := target.GRPCAddress()
		_, err = runStage(ctx, o, "verify", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.verifyService(ctx, grpcAddr)
		})
		report.ServiceVerified = err == nil
		if err != nil {
			report.Diagnostic = err.Error()
			o.deps.Metrics.deployment(target.Name, string(harnesserr.CodeHealthCheckFailed))
			return report, err
		}
		logger.Info("service serving", "grpc_address", grpcAddr)
	}

	o.deps.Metrics.deployment(target.Name, "success")
	return report, nil
}

// verifyService polls the gRPC health endpoint until SERVING or VerifyTimeout
func (o *Orchestrator) verifyService(ctx context.Context, grpcAddr string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = o.config.VerifyTimeout

	probeTimeout := o.config.HealthTimeout
	return backoff.Retry(func() error {
		return o.deps.Client.CheckServiceHealth(ctx, grpcAddr, probeTimeout)
	}, backoff.WithContext(b, ctx))
}

// teardown stops the cluster and records final node states. It runs on every
// path once Start has been called.
func (o *Orchestrator) teardown(ctx context.Context, cluster *launcher.Cluster, report *Report) {
	if cluster == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	_, span := o.tracer.Start(ctx, "harness.teardown")
	defer span.End()

	start := time.Now()
	o.deps.Launcher.Stop(cluster)
	o.deps.Metrics.stage("teardown", time.Since(start), nil)

	report.Nodes = nodeReports(cluster)
	o.logger.Info("cluster torn down", "duration", time.Since(start))

	if o.deps.History == nil || !o.runStarted {
		return
	}
	nodes := make([]history.Node, 0, len(report.Nodes))
	for _, n := range report.Nodes {
		nodes = append(nodes, history.Node{
			Name:           n.Name,
			HTTPPort:       n.HTTPPort,
			GRPCPort:       n.GRPCPort,
			MembershipPort: n.MembershipPort,
			State:          n.State,
			Error:          n.Error,
		})
	}
	if err := o.deps.History.RecordNodes(ctx, o.runID, nodes); err != nil {
		o.logger.Warn("failed to record nodes", "error", err)
	}
}

func (o *Orchestrator) startRun(ctx context.Context) {
	if o.deps.History == nil || o.runStarted {
		return
	}
	err := o.deps.History.StartRun(context.WithoutCancel(ctx), &history.Run{
		RunID:      o.runID,
		NodeCount:  o.config.NodeCount,
		ServiceDir: o.config.ServiceDir,
		Target:     o.config.Target,
	})
	if err != nil {
		o.logger.Warn("failed to record run start", "error", err)
		return
	}
	o.runStarted = true
}

func (o *Orchestrator) setTarget(ctx context.Context, target string) {
	if o.deps.History == nil || !o.runStarted {
		return
	}
	if err := o.deps.History.SetTarget(context.WithoutCancel(ctx), o.runID, target); err != nil {
		o.logger.Warn("failed to record target", "error", err)
	}
}

func (o *Orchestrator) recordDeployment(ctx context.Context, dr *DeploymentReport) {
	if o.deps.History == nil || !o.runStarted {
		return
	}
	err := o.deps.History.RecordDeployment(context.WithoutCancel(ctx), &history.Deployment{
		RunID:      o.runID,
		Node:       dr.Node,
		Address:    dr.Address,
		GRPCPort:   dr.GRPCPort,
		Success:    dr.Outcome.Success,
		ServiceID:  dr.Outcome.ServiceID,
		Diagnostic: dr.Diagnostic,
		Duration:   dr.Outcome.Duration,
	})
	if err != nil {
		o.logger.Warn("failed to record deployment", "error", err)
	}
}

// Finish marks the run finished in history. Run calls it itself; callers of
// DeployTo outside Run call it when done.
func (o *Orchestrator) Finish(ctx context.Context, err error) {
	status := history.StatusSucceeded
	errText := ""
	if err != nil {
		status = history.StatusFailed
		errText = err.Error()
	}
	o.deps.Metrics.run(status)

	if o.deps.History == nil || !o.runStarted {
		return
	}
	if err := o.deps.History.FinishRun(context.WithoutCancel(ctx), o.runID, status, errText); err != nil {
		o.logger.Warn("failed to record run finish", "error", err)
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, report *Report, err error) {
	if err == nil && report.DeploymentErr != nil {
		err = report.DeploymentErr
	}
	o.Finish(ctx, err)
}

// runStage runs fn inside a span and records its duration
func runStage[T any](ctx context.Context, o *Orchestrator, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := o.tracer.Start(ctx, "harness."+name)
	start := time.Now()
	result, err := fn(ctx)
	o.deps.Metrics.stage(name, time.Since(start), err)
	endSpan(span, err)
	o.logger.Debug("stage finished", "stage", name, "duration", time.Since(start), "error", err)
	return result, err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
