package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Noahdw/Gonolith/pkg/deploy"
	"github.com/Noahdw/Gonolith/pkg/harnesserr"
	"github.com/Noahdw/Gonolith/pkg/history"
	"github.com/Noahdw/Gonolith/pkg/launcher"
	"github.com/Noahdw/Gonolith/pkg/packager"
	"github.com/Noahdw/Gonolith/pkg/topology"
)

// fakeLauncher returns an attached cluster with preset node states
type fakeLauncher struct {
	mu       sync.Mutex
	states   map[string]launcher.NodeState
	startErr error
	started  int
	stopped  int
}

func (f *fakeLauncher) Start(ctx context.Context, topo *topology.Topology) (*launcher.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++

	states := f.states
	if states == nil {
		states = make(map[string]launcher.NodeState)
		for _, name := range topo.Names() {
			states[name] = launcher.NodeStateRunning
		}
	}
	return launcher.Attach(topo, states), f.startErr
}

func (f *fakeLauncher) Stop(cluster *launcher.Cluster) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

type fakePackager struct {
	dir   string
	err   error
	ports []int
	last  *packager.Artifact
}

func (f *fakePackager) Package(ctx context.Context, serviceDir string, grpcPort int) (*packager.Artifact, error) {
	f.ports = append(f.ports, grpcPort)
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(f.dir, "service.zip")
	if err := os.WriteFile(path, []byte("zip"), 0644); err != nil {
		return nil, err
	}
	f.last = &packager.Artifact{ArchivePath: path, Size: 3, GRPCPort: grpcPort}
	return f.last, nil
}

type fakeClient struct {
	mu            sync.Mutex
	calls         []string
	healthErr     error
	installResult deploy.Outcome
	serviceErrs   []error
}

func (f *fakeClient) CheckHealth(ctx context.Context, nodeAddr string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "health "+nodeAddr)
	return f.healthErr
}

func (f *fakeClient) Install(ctx context.Context, nodeAddr string, artifact *packager.Artifact, timeout time.Duration) deploy.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "install "+nodeAddr)
	artifact.Remove()
	out := f.installResult
	out.Node = nodeAddr
	return out
}

func (f *fakeClient) CheckServiceHealth(ctx context.Context, grpcAddr string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "grpc "+grpcAddr)
	if len(f.serviceErrs) == 0 {
		return nil
	}
	err := f.serviceErrs[0]
	f.serviceErrs = f.serviceErrs[1:]
	return err
}

type fixture struct {
	launcher *fakeLauncher
	packager *fakePackager
	client   *fakeClient
	store    *history.Store
	metrics  *Metrics
	spans    *tracetest.SpanRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{
		launcher: &fakeLauncher{},
		packager: &fakePackager{dir: t.TempDir()},
		client:   &fakeClient{installResult: deploy.Outcome{Success: true, ServiceID: "svc-1"}},
		store:    store,
		metrics:  NewMetrics("test"),
		spans:    tracetest.NewSpanRecorder(),
	}
}

func (f *fixture) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	o, err := New(cfg, Dependencies{
		Launcher: f.launcher,
		Packager: f.packager,
		Client:   f.client,
		History:  f.store,
		Metrics:  f.metrics,
		Tracer:   tp.Tracer("test"),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) spanNames() []string {
	var names []string
	for _, s := range f.spans.Ended() {
		names = append(names, s.Name())
	}
	return names
}

func deployConfig() Config {
	cfg := DefaultConfig()
	cfg.ServiceDir = "/src/greet"
	return cfg
}

func TestRun_FullPipeline(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, deployConfig())

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, o.RunID(), report.RunID)
	assert.Equal(t, 2, report.Topology.Len())
	require.Len(t, report.Nodes, 2)
	assert.Len(t, report.Running(), 2)
	assert.NoError(t, report.LaunchErr)

	require.NotNil(t, report.Deployment)
	assert.True(t, report.Deployment.Succeeded())
	assert.Equal(t, "gonolith1", report.Deployment.Node)
	assert.Equal(t, "svc-1", report.Deployment.Outcome.ServiceID)
	assert.NoError(t, report.DeploymentErr)

	assert.Equal(t, []int{50051}, f.packager.ports)
	assert.Equal(t, []string{"health localhost:8080", "install localhost:8080"}, f.client.calls)
	assert.NoFileExists(t, f.packager.last.ArchivePath)
	assert.Equal(t, 1, f.launcher.started)
	assert.Equal(t, 1, f.launcher.stopped)

	run, err := f.store.GetRun(context.Background(), o.RunID())
	require.NoError(t, err)
	assert.Equal(t, history.StatusSucceeded, run.Status)
	assert.Equal(t, "gonolith1", run.Target)
	require.NotNil(t, run.FinishedAt)

	deployments, err := f.store.ListDeployments(context.Background(), o.RunID())
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.True(t, deployments[0].Success)

	nodes, err := f.store.ListNodes(context.Background(), o.RunID())
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	names := f.spanNames()
	for _, want := range []string{"harness.run", "harness.allocate", "harness.launch", "harness.deploy",
		"harness.package", "harness.health_check", "harness.install", "harness.teardown"} {
		assert.Contains(t, names, want)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.deployments.WithLabelValues("gonolith1", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.runs.WithLabelValues(history.StatusSucceeded)))
}

func TestRun_InvalidTopologyAbortsBeforeLaunch(t *testing.T) {
	f := newFixture(t)
	cfg := deployConfig()
	cfg.NodeCount = 0
	o := f.orchestrator(t, cfg)

	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.CodeInvalidConfiguration))
	assert.Nil(t, report.Topology)
	assert.Zero(t, f.launcher.started)
	assert.Zero(t, f.launcher.stopped)
	assert.Empty(t, f.packager.ports)

	_, err = f.store.GetRun(context.Background(), o.RunID())
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestRun_PackagingFailureKeepsRunAlive(t *testing.T) {
	f := newFixture(t)
	f.packager.err = harnesserr.Packaging(packager.ReasonMissingConfig, "/src/greet/server/config.toml", os.ErrNotExist)
	o := f.orchestrator(t, deployConfig())

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, harnesserr.Is(report.DeploymentErr, harnesserr.CodePackagingFailed))
	assert.False(t, report.Deployment.Succeeded())
	assert.Empty(t, f.client.calls, "no network call after a packaging failure")
	assert.Equal(t, 1, f.launcher.stopped)

	run, err := f.store.GetRun(context.Background(), o.RunID())
	require.NoError(t, err)
	assert.Equal(t, history.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "missing config")
}

func TestRun_HealthFailureNeverInstalls(t *testing.T) {
	f := newFixture(t)
	f.client.healthErr = harnesserr.HealthCheck("localhost:8080", errors.New("connection refused"))
	o := f.orchestrator(t, deployConfig())

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, harnesserr.Is(report.DeploymentErr, harnesserr.CodeHealthCheckFailed))
	assert.Equal(t, []string{"health localhost:8080"}, f.client.calls)
	assert.NoFileExists(t, f.packager.last.ArchivePath)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.deployments.WithLabelValues("gonolith1", string(harnesserr.CodeHealthCheckFailed))))
}

func TestRun_InstallFailure(t *testing.T) {
	f := newFixture(t)
	f.client.installResult = deploy.Outcome{Success: false, StatusCode: 500, Diagnostic: "500 Internal Server Error: disk full"}
	cfg := deployConfig()
	cfg.FailOnDeployError = true
	o := f.orchestrator(t, cfg)

	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.CodeInstallFailed))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, f.launcher.stopped)

	deployments, err := f.store.ListDeployments(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.False(t, deployments[0].Success)
	assert.Contains(t, deployments[0].Diagnostic, "disk full")
}

func TestRun_NoRunningNodes(t *testing.T) {
	f := newFixture(t)
	f.launcher.states = map[string]launcher.NodeState{
		"gonolith1": launcher.NodeStateFailed,
		"gonolith2": launcher.NodeStateFailed,
	}
	f.launcher.startErr = harnesserr.NodeLaunch("gonolith1", errors.New("exec: not found"))
	o := f.orchestrator(t, deployConfig())

	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.CodeNodeLaunchFailed))
	assert.Nil(t, report.Deployment)
	assert.Empty(t, f.packager.ports)
	assert.Equal(t, 1, f.launcher.stopped, "teardown runs even when nothing started")
}

func TestRun_PartialLaunchFailure(t *testing.T) {
	f := newFixture(t)
	f.launcher.states = map[string]launcher.NodeState{
		"gonolith1": launcher.NodeStateFailed,
		"gonolith2": launcher.NodeStateRunning,
	}
	f.launcher.startErr = harnesserr.NodeLaunch("gonolith1", errors.New("exited"))

	// Default target is the failed first node.
	o := f.orchestrator(t, deployConfig())
	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Error(t, report.LaunchErr)
	assert.True(t, harnesserr.Is(report.DeploymentErr, harnesserr.CodeHealthCheckFailed))
	assert.Contains(t, report.DeploymentErr.Error(), "is Failed")
	assert.Empty(t, f.client.calls)

	// An explicit running target deploys.
	cfg := deployConfig()
	cfg.Target = "gonolith2"
	o = f.orchestrator(t, cfg)
	report, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Deployment.Succeeded())
	assert.Equal(t, []int{50052}, f.packager.ports)
	assert.Equal(t, []string{"health localhost:8081", "install localhost:8081"}, f.client.calls)
}

func TestRun_WithoutServiceDirOnlyLaunches(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, DefaultConfig())

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Deployment)
	assert.Empty(t, f.packager.ports)
	assert.Equal(t, 1, f.launcher.stopped)
}

func TestRun_WaitBlocksUntilCancelled(t *testing.T) {
	f := newFixture(t)
	cfg := deployConfig()
	cfg.Wait = true
	o := f.orchestrator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := o.Run(ctx)
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return len(f.client.calls) == 2
	}, 2*time.Second, 10*time.Millisecond)

	f.launcher.mu.Lock()
	assert.Zero(t, f.launcher.stopped, "cluster stays up while waiting")
	f.launcher.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 1, f.launcher.stopped)
}

func TestRun_VerifyService(t *testing.T) {
	f := newFixture(t)
	f.client.serviceErrs = []error{errors.New("unavailable"), errors.New("unavailable")}
	cfg := deployConfig()
	cfg.VerifyService = true
	cfg.VerifyTimeout = 5 * time.Second
	o := f.orchestrator(t, cfg)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Deployment.ServiceVerified)
	assert.Equal(t, "grpc localhost:50051", f.client.calls[len(f.client.calls)-1])
}

func TestDeploy_UnknownTarget(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, deployConfig())

	topo, err := topology.Allocate(1, topology.DefaultBasePorts())
	require.NoError(t, err)
	cluster := launcher.Attach(topo, map[string]launcher.NodeState{"gonolith1": launcher.NodeStateRunning})

	_, err = o.Deploy(context.Background(), cluster, "gonolith9")
	assert.True(t, harnesserr.Is(err, harnesserr.CodeInvalidConfiguration))
}

func TestDeployTo_ExternalNode(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, deployConfig())

	target := topology.NodeSpec{Name: "gonolith3", Host: "127.0.0.1", HTTPPort: 8082, GRPCPort: 50053, MembershipPort: 7948}
	report, err := o.DeployTo(context.Background(), target)
	require.NoError(t, err)
	o.Finish(context.Background(), err)

	assert.True(t, report.Succeeded())
	assert.Equal(t, "127.0.0.1:8082", report.Address)
	assert.Equal(t, []int{50053}, f.packager.ports)

	run, err := f.store.GetRun(context.Background(), o.RunID())
	require.NoError(t, err)
	assert.Equal(t, history.StatusSucceeded, run.Status)
	assert.Equal(t, "gonolith3", run.Target)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthTimeout = 0
	_, err := New(cfg, Dependencies{})
	assert.True(t, harnesserr.Is(err, harnesserr.CodeInvalidConfiguration))
}
