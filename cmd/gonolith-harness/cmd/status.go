package cmd

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Noahdw/Gonolith/cmd/gonolith-harness/internal/ui"
	"github.com/Noahdw/Gonolith/pkg/deploy"
	"github.com/Noahdw/Gonolith/pkg/launcher"
	"github.com/Noahdw/Gonolith/pkg/topology"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health and status of the configured cluster's nodes",
	Long: `Probe every node of the configured topology on its HTTP status endpoint.

The cluster does not have to be started by this process; status attaches to
whatever is listening on the allocated ports.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	u := newUI(cmd)

	topo, err := cfg.Topology()
	if err != nil {
		return err
	}

	client := newDeployClient()
	cluster := probeCluster(ctx, client, topo)

	table := u.NewTable("NODE", "HTTP", "GRPC", "MEMBERSHIP", "STATE", "STATUS")
	for _, n := range cluster.Nodes() {
		state, status := "unreachable", ""
		if n.State() == launcher.NodeStateRunning {
			state = "healthy"
			body, err := client.Status(ctx, n.Spec.HTTPAddress())
			if err != nil {
				status = err.Error()
			} else {
				status = firstLine(body)
			}
		}
		table.AddRow(n.Name(),
			strconv.Itoa(n.Spec.HTTPPort),
			strconv.Itoa(n.Spec.GRPCPort),
			strconv.Itoa(n.Spec.MembershipPort),
			ui.State(state),
			status)
	}
	table.Render()

	if running := len(cluster.Running()); running == 0 {
		u.Warning("no node is reachable")
	} else {
		u.Success(strconv.Itoa(running) + "/" + strconv.Itoa(topo.Len()) + " nodes healthy")
	}
	return nil
}

// probeCluster health-checks every node concurrently and returns an attached
// cluster with healthy nodes Running and the rest Failed
func probeCluster(ctx context.Context, client *deploy.Client, topo *topology.Topology) *launcher.Cluster {
	var mu sync.Mutex
	states := make(map[string]launcher.NodeState, topo.Len())

	var g errgroup.Group
	for _, spec := range topo.Nodes() {
		g.Go(func() error {
			state := launcher.NodeStateFailed
			if client.Healthy(ctx, spec.HTTPAddress(), cfg.Deploy.HealthTimeout) {
				state = launcher.NodeStateRunning
			}
			mu.Lock()
			states[spec.Name] = state
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return launcher.Attach(topo, states)
}

func newDeployClient() *deploy.Client {
	return deploy.NewClient(deploy.WithConfig(cfg.DeployClient()), deploy.WithLogger(logger))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxLen = 60
	if r := []rune(s); len(r) > maxLen {
		s = string(r[:maxLen]) + "…"
	}
	return s
}
