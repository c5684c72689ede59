package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Noahdw/Gonolith/pkg/topology"
)

var topologyCmd = &cobra.Command{
	Use:     "topology",
	Aliases: []string{"topo"},
	Short:   "Print the port allocation of the configured cluster",
	Long: `Allocate the configured topology without starting anything and print it.

Examples:
  gonolith-harness topology -n 3
  gonolith-harness topology --output yaml > cluster.yaml`,
	RunE: runTopology,
}

func init() {
	rootCmd.AddCommand(topologyCmd)
	topologyCmd.Flags().StringP("output", "o", "table", "output format: table or yaml")
}

func runTopology(cmd *cobra.Command, args []string) error {
	topo, err := cfg.Topology()
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("output")
	switch strings.ToLower(format) {
	case "yaml":
		return writeTopologyYAML(cmd, topo)
	case "table":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	u := newUI(cmd)
	table := u.NewTable("NODE", "HTTP", "GRPC", "MEMBERSHIP", "PEERS")
	for _, n := range topo.Nodes() {
		table.AddRow(n.Name,
			n.HTTPAddress(),
			strconv.Itoa(n.GRPCPort),
			strconv.Itoa(n.MembershipPort),
			strings.Join(topo.Peers(n.Name), ","))
	}
	table.Render()

	if topo.RangesOverlap() {
		u.Warning("port ranges of different classes overlap")
	}
	return nil
}

func writeTopologyYAML(cmd *cobra.Command, topo *topology.Topology) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(topo); err != nil {
		return fmt.Errorf("encode topology: %w", err)
	}
	return enc.Close()
}
