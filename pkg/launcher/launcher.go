package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Noahdw/Gonolith/pkg/harnesserr"
	"github.com/Noahdw/Gonolith/pkg/topology"
)

const (
	// killWait bounds the wait for a process to disappear after SIGKILL
	killWait = 5 * time.Second

	// groupPoll is how often Stop checks for lingering group members
	groupPoll = 50 * time.Millisecond
)

// Prober checks whether a node's HTTP endpoint is healthy
type Prober interface {
	CheckHealth(ctx context.Context, nodeAddr string, timeout time.Duration) error
}

// httpProber is the default Prober: GET /get-status must return 200
type httpProber struct{}

func (httpProber) CheckHealth(ctx context.Context, nodeAddr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+nodeAddr+"/get-status", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Launcher starts and stops the node processes of a topology, one at a time
type Launcher struct {
	config  Config
	logger  *slog.Logger
	metrics MetricsCollector
	prober  Prober
	stdout  io.Writer
	stderr  io.Writer
}

// New creates a launcher
func New(config Config, opts ...Option) (*Launcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l := &Launcher{
		config:  config,
		logger:  slog.Default(),
		metrics: NewNoopMetricsCollector(),
		prober:  httpProber{},
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "launcher")

	return l, nil
}

// Start launches every node of topo in topology order. A node that fails to
// spawn or become ready is marked Failed and the remaining nodes are still
// launched. The returned cluster is never nil; the error joins the per-node
// launch failures. If ctx is cancelled no further nodes are launched and nodes
// already spawned remain in the cluster for Stop.
func (l *Launcher) Start(ctx context.Context, topo *topology.Topology) (*Cluster, error) {
	cluster := newCluster(topo)

	if l.config.LogDir != "" {
		if err := os.MkdirAll(l.config.LogDir, 0755); err != nil {
			return cluster, fmt.Errorf("create log directory: %w", err)
		}
	}

	var errs []error
	for _, node := range cluster.Nodes() {
		if err := ctx.Err(); err != nil {
			l.logger.Warn("cluster start interrupted", "pending_node", node.Name(), "error", err)
			if len(errs) == 0 || !errors.Is(errs[len(errs)-1], err) {
				errs = append(errs, err)
			}
			break
		}

		binding := NewBinding(node.Spec, topo.Peers(node.Name()), l.config.ExtraEnv)
		if err := l.launchNode(ctx, node, binding); err != nil {
			errs = append(errs, err)
		}
	}

	l.logger.Info("cluster start finished",
		"nodes", topo.Len(),
		"running", len(cluster.Running()),
		"failed", len(cluster.Failed()))

	return cluster, errors.Join(errs...)
}

// launchNode spawns one node and waits for it to become ready
func (l *Launcher) launchNode(ctx context.Context, node *RunningNode, binding Binding) error {
	logger := l.logger.With("node", node.Name())
	node.Binding = binding
	startTime := time.Now()

	if err := l.spawn(node); err != nil {
		launchErr := harnesserr.NodeLaunch(node.Name(), err).
			WithContext("command", l.config.Command)
		l.fail(node, launchErr)
		l.metrics.NodeLaunchDuration(node.Name(), time.Since(startTime), launchErr)
		logger.Error("failed to spawn node", "error", err)
		return launchErr
	}
	l.transition(node, NodeStateStarting)

	logger.Info("node spawned",
		"pid", node.PID(),
		"http_port", binding.HTTPPort,
		"grpc_port", binding.GRPCPort,
		"memberlist_port", binding.MembershipPort,
		"cluster_members", binding.ClusterMembers)

	err := l.waitReady(ctx, node)
	if err != nil && ctx.Err() != nil {
		// Interrupted: leave the node Starting so teardown reaps it.
		logger.Warn("readiness wait interrupted", "error", err)
		return err
	}
	if err != nil {
		launchErr := harnesserr.NodeLaunch(node.Name(), err).
			WithContext("http_address", node.Spec.HTTPAddress())
		l.kill(node)
		l.fail(node, launchErr)
		l.metrics.NodeLaunchDuration(node.Name(), time.Since(startTime), launchErr)
		logger.Error("node did not become ready", "error", err)
		return launchErr
	}

	l.transition(node, NodeStateRunning)
	l.metrics.NodeLaunchDuration(node.Name(), time.Since(startTime), nil)
	logger.Info("node running", "startup", time.Since(startTime))
	return nil
}

// spawn starts the node process and its reaper goroutine
func (l *Launcher) spawn(node *RunningNode) error {
	cmd := exec.Command(l.config.Command[0], l.config.Command[1:]...)
	cmd.Dir = l.config.WorkDir
	cmd.Env = append(os.Environ(), node.Binding.Environ()...)
	setProcessGroup(cmd)

	var logFile *os.File
	if l.config.LogDir != "" {
		var err error
		logFile, err = os.Create(filepath.Join(l.config.LogDir, node.Name()+".log"))
		if err != nil {
			return fmt.Errorf("create log file: %w", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	} else {
		cmd.Stdout = l.stdout
		cmd.Stderr = l.stderr
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return fmt.Errorf("start process: %w", err)
	}

	exited := make(chan struct{})

	node.mu.Lock()
	node.cmd = cmd
	node.logFile = logFile
	node.launchedAt = time.Now()
	node.exited = exited
	node.mu.Unlock()

	go func() {
		err := cmd.Wait()
		node.mu.Lock()
		node.exitErr = err
		if node.logFile != nil {
			node.logFile.Close()
		}
		node.mu.Unlock()
		close(exited)
	}()

	return nil
}

// waitReady blocks until the node is ready according to the readiness mode
func (l *Launcher) waitReady(ctx context.Context, node *RunningNode) error {
	if l.config.Readiness == ReadinessDelay {
		select {
		case <-time.After(l.config.WarmUp):
			if node.Exited() {
				return l.exitError(node)
			}
			return nil
		case <-node.exited:
			return l.exitError(node)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = l.config.ReadyTimeout

	address := node.Spec.HTTPAddress()
	attempts := 0
	op := func() error {
		attempts++
		if node.Exited() {
			return backoff.Permanent(l.exitError(node))
		}
		return l.prober.CheckHealth(ctx, address, l.config.ProbeTimeout)
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if node.Exited() {
			return err
		}
		return fmt.Errorf("not ready after %v (%d probes): %w", l.config.ReadyTimeout, attempts, err)
	}
	return nil
}

func (l *Launcher) exitError(node *RunningNode) error {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.exitErr != nil {
		return fmt.Errorf("process exited during startup: %w", node.exitErr)
	}
	return fmt.Errorf("process exited during startup")
}

// Stop terminates every Starting or Running node in reverse topology order.
// Each node's process group gets the stop signal and StopTimeout to exit
// before it is killed, so processes spawned by the node command go with it.
// Nodes that never started, already stopped or were attached are skipped, so
// Stop is idempotent. Failures are logged and never returned.
func (l *Launcher) Stop(cluster *Cluster) {
	if cluster == nil {
		return
	}
	nodes := cluster.Nodes()
	for i := len(nodes) - 1; i >= 0; i-- {
		l.stopNode(nodes[i])
	}
}

func (l *Launcher) stopNode(node *RunningNode) {
	state := node.State()
	if state != NodeStateStarting && state != NodeStateRunning {
		return
	}
	if node.External() {
		return
	}

	logger := l.logger.With("node", node.Name())
	startTime := time.Now()
	l.transition(node, NodeStateStopping)

	node.mu.Lock()
	cmd := node.cmd
	exited := node.exited
	node.mu.Unlock()

	logger.Info("stopping node", "pid", cmd.Process.Pid)

	if err := terminate(cmd.Process); err != nil {
		logger.Debug("stop signal not delivered", "signal", stopSignal, "error", err)
	}

	grace := time.NewTimer(l.config.StopTimeout)
	defer grace.Stop()

	var reason error
	select {
	case <-exited:
		if !awaitGroup(cmd.Process, grace.C) {
			reason = fmt.Errorf("process group still alive after %v", l.config.StopTimeout)
		}
	case <-grace.C:
		reason = fmt.Errorf("no exit within %v", l.config.StopTimeout)
	}

	forced := reason != nil
	if forced {
		logger.Warn("node did not stop within grace period, force killing",
			"error", harnesserr.Teardown(node.Name(), reason))
		l.kill(node)
	} else {
		logger.Info("node exited gracefully")
	}

	l.transition(node, NodeStateStopped)
	l.metrics.NodeStopDuration(node.Name(), time.Since(startTime), forced)
}

// awaitGroup waits until no process of p's group is left. It returns false
// if deadline fires first.
func awaitGroup(p *os.Process, deadline <-chan time.Time) bool {
	ticker := time.NewTicker(groupPoll)
	defer ticker.Stop()
	for groupAlive(p) {
		select {
		case <-ticker.C:
		case <-deadline:
			return !groupAlive(p)
		}
	}
	return true
}

// kill sends SIGKILL to the node's process group and waits for the reaper
func (l *Launcher) kill(node *RunningNode) {
	node.mu.Lock()
	cmd := node.cmd
	exited := node.exited
	node.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := forceKill(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger.Warn("kill failed", "node", node.Name(), "error", err)
	}

	select {
	case <-exited:
	case <-time.After(killWait):
		l.logger.Error("process did not die after SIGKILL", "node", node.Name(), "pid", cmd.Process.Pid)
	}
}

func (l *Launcher) fail(node *RunningNode, err error) {
	node.mu.Lock()
	node.err = err
	node.mu.Unlock()
	l.transition(node, NodeStateFailed)
}

func (l *Launcher) transition(node *RunningNode, to NodeState) {
	node.mu.Lock()
	from := node.state
	node.state = to
	node.mu.Unlock()

	if from != to {
		l.metrics.NodeStateTransition(node.Name(), from, to)
		l.logger.Debug("node state transition", "node", node.Name(), "from", from, "to", to)
	}
}
