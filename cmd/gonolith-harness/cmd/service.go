package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Noahdw/Gonolith/pkg/harnesserr"
	"github.com/Noahdw/Gonolith/pkg/topology"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Control services installed on a node",
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop <service-id>",
	Short: "Stop an installed service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlService(cmd, args[0], false)
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start <service-id>",
	Short: "Start an installed service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlService(cmd, args[0], true)
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceStopCmd, serviceStartCmd)
	serviceCmd.PersistentFlags().String("node", "", "node hosting the service (default first node)")
}

func controlService(cmd *cobra.Command, serviceID string, start bool) error {
	u := newUI(cmd)

	node, err := resolveNode(cmd)
	if err != nil {
		return err
	}

	client := newDeployClient()
	if start {
		if err := client.StartService(cmd.Context(), node.HTTPAddress(), serviceID); err != nil {
			return err
		}
		u.Success("started " + serviceID + " on " + node.Name)
		return nil
	}

	if err := client.StopService(cmd.Context(), node.HTTPAddress(), serviceID); err != nil {
		return err
	}
	u.Success("stopped " + serviceID + " on " + node.Name)
	return nil
}

// resolveNode returns the node named by --node, or the first node
func resolveNode(cmd *cobra.Command) (topology.NodeSpec, error) {
	topo, err := cfg.Topology()
	if err != nil {
		return topology.NodeSpec{}, err
	}

	name, _ := cmd.Flags().GetString("node")
	if name == "" {
		return topo.Nodes()[0], nil
	}
	node, ok := topo.Node(name)
	if !ok {
		return topology.NodeSpec{}, harnesserr.InvalidConfiguration("node", name, "no such node in topology")
	}
	return node, nil
}
