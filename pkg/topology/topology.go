// Package topology derives collision-free port assignments for a local
// Gonolith test cluster.
package topology

import (
	"fmt"
	"net"
	"strconv"

	"github.com/Noahdw/Gonolith/pkg/harnesserr"
)

const (
	// DefaultHost is the address every node is reached on
	DefaultHost = "localhost"
	// DefaultNamePrefix yields node names gonolith1, gonolith2, ...
	DefaultNamePrefix = "gonolith"

	maxPort = 65535
)

// BasePorts holds the first port of each port class. Node i gets base+i.
type BasePorts struct {
	HTTP       int `yaml:"http" mapstructure:"http"`
	GRPC       int `yaml:"grpc" mapstructure:"grpc"`
	Membership int `yaml:"membership" mapstructure:"membership"`
}

// DefaultBasePorts returns the stock Gonolith ports (HTTP 8080, gRPC 50051,
// memberlist 7946)
func DefaultBasePorts() BasePorts {
	return BasePorts{HTTP: 8080, GRPC: 50051, Membership: 7946}
}

// NodeSpec describes one node of the topology. It is never mutated after
// allocation.
type NodeSpec struct {
	Name           string `yaml:"name"`
	Host           string `yaml:"host"`
	HTTPPort       int    `yaml:"http_port"`
	GRPCPort       int    `yaml:"grpc_port"`
	MembershipPort int    `yaml:"memberlist_port"`
}

// HTTPAddress returns host:httpPort
func (n NodeSpec) HTTPAddress() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.HTTPPort))
}

// GRPCAddress returns host:grpcPort
func (n NodeSpec) GRPCAddress() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.GRPCPort))
}

// MembershipAddress returns host:membershipPort
func (n NodeSpec) MembershipAddress() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.MembershipPort))
}

// Topology is an ordered, immutable set of nodes. Order is startup order.
type Topology struct {
	base  BasePorts
	nodes []NodeSpec
	index map[string]int
}

// Option configures allocation
type Option func(*allocator)

type allocator struct {
	host   string
	prefix string
}

// WithHost sets the host used in node addresses and peer lists
func WithHost(host string) Option {
	return func(a *allocator) {
		a.host = host
	}
}

// WithNamePrefix sets the node name prefix; names are prefix+ordinal (1-based)
func WithNamePrefix(prefix string) Option {
	return func(a *allocator) {
		a.prefix = prefix
	}
}

// Allocate builds a topology of nodeCount nodes. Node i (0-based) gets
// base.HTTP+i, base.GRPC+i and base.Membership+i.
//
// Ports are collision-free as long as the three ranges [base, base+nodeCount)
// do not overlap each other. That is the caller's responsibility; use
// RangesOverlap to detect it.
func Allocate(nodeCount int, base BasePorts, opts ...Option) (*Topology, error) {
	a := &allocator{host: DefaultHost, prefix: DefaultNamePrefix}
	for _, opt := range opts {
		opt(a)
	}

	if nodeCount < 1 {
		return nil, harnesserr.InvalidConfiguration("node_count", nodeCount,
			"node count must be at least 1")
	}
	if a.host == "" {
		return nil, harnesserr.InvalidConfiguration("host", a.host, "host cannot be empty")
	}
	if a.prefix == "" {
		return nil, harnesserr.InvalidConfiguration("name_prefix", a.prefix, "node name prefix cannot be empty")
	}

	for _, p := range []struct {
		field string
		port  int
	}{
		{"base_ports.http", base.HTTP},
		{"base_ports.grpc", base.GRPC},
		{"base_ports.membership", base.Membership},
	} {
		if p.port < 1 || p.port+nodeCount-1 > maxPort {
			return nil, harnesserr.InvalidConfiguration(p.field, p.port,
				fmt.Sprintf("port range %d..%d must lie within 1..%d", p.port, p.port+nodeCount-1, maxPort))
		}
	}

	t := &Topology{
		base:  base,
		nodes: make([]NodeSpec, 0, nodeCount),
		index: make(map[string]int, nodeCount),
	}

	for i := 0; i < nodeCount; i++ {
		spec := NodeSpec{
			Name:           fmt.Sprintf("%s%d", a.prefix, i+1),
			Host:           a.host,
			HTTPPort:       base.HTTP + i,
			GRPCPort:       base.GRPC + i,
			MembershipPort: base.Membership + i,
		}
		t.index[spec.Name] = len(t.nodes)
		t.nodes = append(t.nodes, spec)
	}

	return t, nil
}

// Len returns the number of nodes
func (t *Topology) Len() int {
	return len(t.nodes)
}

// BasePorts returns the base ports the topology was allocated from
func (t *Topology) BasePorts() BasePorts {
	return t.base
}

// Nodes returns a copy of the node specs in startup order
func (t *Topology) Nodes() []NodeSpec {
	out := make([]NodeSpec, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// Names returns node names in startup order
func (t *Topology) Names() []string {
	names := make([]string, len(t.nodes))
	for i, n := range t.nodes {
		names[i] = n.Name
	}
	return names
}

// Node looks up a node by name
func (t *Topology) Node(name string) (NodeSpec, bool) {
	i, ok := t.index[name]
	if !ok {
		return NodeSpec{}, false
	}
	return t.nodes[i], true
}

// Peers returns the membership address of every node other than name, in
// topology order. The list is the full mesh, not just nodes started earlier.
// An unknown name yields every node.
func (t *Topology) Peers(name string) []string {
	peers := make([]string, 0, len(t.nodes))
	for _, n := range t.nodes {
		if n.Name == name {
			continue
		}
		peers = append(peers, n.MembershipAddress())
	}
	return peers
}

// RangesOverlap reports whether any two of the three port ranges intersect,
// in which case two nodes may share a port
func (t *Topology) RangesOverlap() bool {
	n := len(t.nodes)
	starts := []int{t.base.HTTP, t.base.GRPC, t.base.Membership}
	for i := 0; i < len(starts); i++ {
		for j := i + 1; j < len(starts); j++ {
			if starts[i] < starts[j]+n && starts[j] < starts[i]+n {
				return true
			}
		}
	}
	return false
}

// MarshalYAML renders the topology as a list of nodes with their peers
func (t *Topology) MarshalYAML() (interface{}, error) {
	type entry struct {
		NodeSpec `yaml:",inline"`
		Peers    []string `yaml:"cluster_members"`
	}
	doc := struct {
		BasePorts BasePorts `yaml:"base_ports"`
		Nodes     []entry   `yaml:"nodes"`
	}{
		BasePorts: t.base,
		Nodes:     make([]entry, 0, len(t.nodes)),
	}
	for _, n := range t.nodes {
		doc.Nodes = append(doc.Nodes, entry{NodeSpec: n, Peers: t.Peers(n.Name)})
	}
	return doc, nil
}
