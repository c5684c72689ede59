package orchestrator

import (
	"time"

	"github.com/Noahdw/Gonolith/pkg/deploy"
	"github.com/Noahdw/Gonolith/pkg/launcher"
	"github.com/Noahdw/Gonolith/pkg/topology"
)

// Report summarizes one run
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Topology   *topology.Topology
	Nodes      []NodeReport

	// LaunchErr joins the per-node launch failures
	LaunchErr error

	Deployment    *DeploymentReport
	DeploymentErr error
}

// NodeReport is the observed state of one node
type NodeReport struct {
	Name           string
	HTTPPort       int
	GRPCPort       int
	MembershipPort int
	State          string
	PID            int
	Error          string
}

// DeploymentReport describes one deployment attempt
type DeploymentReport struct {
	Node            string
	Address         string
	GRPCPort        int
	ArchiveSize     int64
	Outcome         deploy.Outcome
	ServiceVerified bool
	Diagnostic      string
}

// Succeeded reports whether the service was installed
func (d *DeploymentReport) Succeeded() bool {
	return d != nil && d.Outcome.Success
}

// Running returns the nodes that were running when the report was taken
func (r *Report) Running() []NodeReport {
	var out []NodeReport
	for _, n := range r.Nodes {
		if n.State == launcher.NodeStateRunning.String() {
			out = append(out, n)
		}
	}
	return out
}

func nodeReports(cluster *launcher.Cluster) []NodeReport {
	if cluster == nil {
		return nil
	}
	nodes := cluster.Nodes()
	out := make([]NodeReport, 0, len(nodes))
	for _, n := range nodes {
		nr := NodeReport{
			Name:           n.Name(),
			HTTPPort:       n.Spec.HTTPPort,
			GRPCPort:       n.Spec.GRPCPort,
			MembershipPort: n.Spec.MembershipPort,
			State:          n.State().String(),
			PID:            n.PID(),
		}
		if err := n.Err(); err != nil {
			nr.Error = err.Error()
		}
		out = append(out, nr)
	}
	return out
}
