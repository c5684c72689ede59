package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Noahdw/Gonolith/pkg/topology"
)

// NodeState represents the lifecycle state of a node process
type NodeState int

const (
	// NodeStateNotStarted - node has not been spawned
	NodeStateNotStarted NodeState = iota
	// NodeStateStarting - process spawned, waiting for readiness
	NodeStateStarting
	// NodeStateRunning - process is ready
	NodeStateRunning
	// NodeStateStopping - termination in progress
	NodeStateStopping
	// NodeStateStopped - process exited and was reaped
	NodeStateStopped
	// NodeStateFailed - spawn or readiness failed
	NodeStateFailed
)

// String returns the string representation of a NodeState
func (s NodeState) String() string {
	switch s {
	case NodeStateNotStarted:
		return "NotStarted"
	case NodeStateStarting:
		return "Starting"
	case NodeStateRunning:
		return "Running"
	case NodeStateStopping:
		return "Stopping"
	case NodeStateStopped:
		return "Stopped"
	case NodeStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Environment variable names understood by a Gonolith node
const (
	EnvNodeName       = "NODE_NAME"
	EnvHTTPPort       = "HTTP_PORT"
	EnvGRPCPort       = "GRPC_PORT"
	EnvMemberlistPort = "MEMBERLIST_PORT"
	EnvClusterMembers = "CLUSTER_MEMBERS"
)

// Binding is the configuration handed to a single node process. It is built
// once per node and passed by value.
type Binding struct {
	NodeName       string
	HTTPPort       int
	GRPCPort       int
	MembershipPort int
	ClusterMembers []string
	Extra          map[string]string
}

// NewBinding creates a binding for spec with the given peers. peers and extra
// are copied.
func NewBinding(spec topology.NodeSpec, peers []string, extra map[string]string) Binding {
	b := Binding{
		NodeName:       spec.Name,
		HTTPPort:       spec.HTTPPort,
		GRPCPort:       spec.GRPCPort,
		MembershipPort: spec.MembershipPort,
		ClusterMembers: append([]string(nil), peers...),
		Extra:          make(map[string]string, len(extra)),
	}
	for k, v := range extra {
		b.Extra[k] = v
	}
	return b
}

// Environ renders the binding as KEY=value pairs. Extra variables come first
// in sorted order so the node variables always take precedence.
func (b Binding) Environ() []string {
	keys := make([]string, 0, len(b.Extra))
	for k := range b.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+5)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, b.Extra[k]))
	}
	env = append(env,
		EnvNodeName+"="+b.NodeName,
		EnvHTTPPort+"="+strconv.Itoa(b.HTTPPort),
		EnvGRPCPort+"="+strconv.Itoa(b.GRPCPort),
		EnvMemberlistPort+"="+strconv.Itoa(b.MembershipPort),
		EnvClusterMembers+"="+strings.Join(b.ClusterMembers, ","),
	)
	return env
}

// RunningNode tracks one node of the cluster and its OS process handle
type RunningNode struct {
	Spec    topology.NodeSpec
	Binding Binding

	mu         sync.Mutex
	state      NodeState
	err        error
	launchedAt time.Time
	cmd        *exec.Cmd
	logFile    *os.File
	external   bool

	// closed by the reaper goroutine once cmd.Wait returns
	exited  chan struct{}
	exitErr error
}

func newRunningNode(spec topology.NodeSpec) *RunningNode {
	return &RunningNode{
		Spec:  spec,
		state: NodeStateNotStarted,
	}
}

// Name returns the node name
func (n *RunningNode) Name() string {
	return n.Spec.Name
}

// State returns the current lifecycle state
func (n *RunningNode) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Err returns the launch error recorded for a failed node
func (n *RunningNode) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// LaunchedAt returns the spawn time, zero if never spawned
func (n *RunningNode) LaunchedAt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.launchedAt
}

// PID returns the OS process id, 0 if never spawned
func (n *RunningNode) PID() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cmd == nil || n.cmd.Process == nil {
		return 0
	}
	return n.cmd.Process.Pid
}

// Exited reports whether the process has exited and been reaped
func (n *RunningNode) Exited() bool {
	n.mu.Lock()
	ch := n.exited
	n.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Cluster is the arena of nodes for one topology, indexed by node name
type Cluster struct {
	topo  *topology.Topology
	order []string
	nodes map[string]*RunningNode
}

func newCluster(topo *topology.Topology) *Cluster {
	c := &Cluster{
		topo:  topo,
		order: topo.Names(),
		nodes: make(map[string]*RunningNode, topo.Len()),
	}
	for _, spec := range topo.Nodes() {
		c.nodes[spec.Name] = newRunningNode(spec)
	}
	return c
}

// Attach builds a cluster view of nodes this process does not own, such as a
// cluster started by an earlier invocation. Nodes missing from states are
// NotStarted. Stop never signals attached nodes.
func Attach(topo *topology.Topology, states map[string]NodeState) *Cluster {
	c := newCluster(topo)
	for name, node := range c.nodes {
		node.external = true
		if state, ok := states[name]; ok {
			node.state = state
		}
	}
	return c
}

// External reports whether the node was attached rather than launched
func (n *RunningNode) External() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.external
}

// Topology returns the topology the cluster was started from
func (c *Cluster) Topology() *topology.Topology {
	return c.topo
}

// Node looks up a node by name
func (c *Cluster) Node(name string) (*RunningNode, bool) {
	n, ok := c.nodes[name]
	return n, ok
}

// Nodes returns all nodes in topology order
func (c *Cluster) Nodes() []*RunningNode {
	out := make([]*RunningNode, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.nodes[name])
	}
	return out
}

// Running returns the nodes currently in the Running state
func (c *Cluster) Running() []*RunningNode {
	return c.inState(NodeStateRunning)
}

// Failed returns the nodes that failed to launch
func (c *Cluster) Failed() []*RunningNode {
	return c.inState(NodeStateFailed)
}

func (c *Cluster) inState(state NodeState) []*RunningNode {
	var out []*RunningNode
	for _, n := range c.Nodes() {
		if n.State() == state {
			out = append(out, n)
		}
	}
	return out
}
