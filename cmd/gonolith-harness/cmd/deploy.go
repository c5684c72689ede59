package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Noahdw/Gonolith/pkg/orchestrator"
	"github.com/Noahdw/Gonolith/pkg/packager"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Package and install a service on a running cluster",
	Long: `Package the service directory for the target node's gRPC port and install
it on a cluster that is already running, for example one started by
'gonolith-harness up' in another terminal.

Examples:
  gonolith-harness deploy --service-dir ./services/greet
  gonolith-harness deploy --service-dir ./services/greet --target gonolith2 --verify`,
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)

	flags := deployCmd.Flags()
	flags.String("service-dir", "", "service directory to package and deploy")
	flags.String("target", "", "node to deploy to (default first node)")
	flags.Bool("verify", false, "wait for the deployed service's gRPC health check")

	commandFlags[deployCmd] = map[string]string{
		"deploy.service_dir":    "service-dir",
		"deploy.target":         "target",
		"deploy.verify_service": "verify",
	}
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	u := newUI(cmd)

	oc := cfg.Orchestrator()
	if oc.ServiceDir == "" {
		return fmt.Errorf("no service directory: pass --service-dir or set deploy.service_dir")
	}

	topo, err := cfg.Topology()
	if err != nil {
		return err
	}

	p, err := packager.New(cfg.Packager, packager.WithLogger(logger))
	if err != nil {
		return err
	}
	client := newDeployClient()

	deps := orchestrator.Dependencies{
		Packager: p,
		Client:   client,
		Logger:   logger,
	}
	if store := openHistory(ctx); store != nil {
		defer store.Close()
		deps.History = store
	}

	o, err := orchestrator.New(oc, deps)
	if err != nil {
		return err
	}

	cluster := probeCluster(ctx, client, topo)
	if len(cluster.Running()) == 0 {
		u.Warning("no node of the configured topology is reachable")
	}

	report, err := o.Deploy(ctx, cluster, oc.Target)
	o.Finish(ctx, err)

	u.Subtle("run " + o.RunID())
	printDeployment(u, report, err)
	return err
}
