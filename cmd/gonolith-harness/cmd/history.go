package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Noahdw/Gonolith/cmd/gonolith-harness/internal/ui"
	"github.com/Noahdw/Gonolith/pkg/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent harness runs",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the nodes and deployments of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.Flags().IntP("limit", "l", 20, "maximum number of runs to list")
}

func requireHistory(cmd *cobra.Command) (*history.Store, error) {
	if !cfg.History.Enabled {
		return nil, errors.New("run history is disabled (history.enabled=false)")
	}
	return history.Open(cmd.Context(), cfg.History.Path)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := requireHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := store.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}

	u := newUI(cmd)
	if len(runs) == 0 {
		u.Info("no runs recorded in " + store.Path())
		return nil
	}

	table := u.NewTable("RUN", "STARTED", "DURATION", "NODES", "TARGET", "STATUS")
	for _, r := range runs {
		table.AddRow(r.RunID,
			r.StartedAt.Local().Format(time.DateTime),
			runDuration(r),
			strconv.Itoa(r.NodeCount),
			r.Target,
			ui.State(r.Status))
	}
	table.Render()
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := requireHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	run, err := store.GetRun(ctx, args[0])
	if errors.Is(err, history.ErrNotFound) {
		return fmt.Errorf("run %s not found", args[0])
	}
	if err != nil {
		return err
	}

	u := newUI(cmd)
	u.Header("Run " + run.RunID)
	u.KeyValue("status", ui.State(run.Status))
	u.KeyValue("started", run.StartedAt.Local().Format(time.DateTime))
	u.KeyValue("duration", runDuration(run))
	u.KeyValue("nodes", strconv.Itoa(run.NodeCount))
	if run.ServiceDir != "" {
		u.KeyValue("service", run.ServiceDir)
	}
	if run.Error != "" {
		u.KeyValue("error", run.Error)
	}

	nodes, err := store.ListNodes(ctx, run.RunID)
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		u.Println("")
		table := u.NewTable("NODE", "HTTP", "GRPC", "MEMBERSHIP", "STATE", "ERROR")
		for _, n := range nodes {
			table.AddRow(n.Name,
				strconv.Itoa(n.HTTPPort),
				strconv.Itoa(n.GRPCPort),
				strconv.Itoa(n.MembershipPort),
				ui.State(n.State),
				n.Error)
		}
		table.Render()
	}

	deployments, err := store.ListDeployments(ctx, run.RunID)
	if err != nil {
		return err
	}
	if len(deployments) > 0 {
		u.Println("")
		table := u.NewTable("NODE", "ADDRESS", "RESULT", "SERVICE", "DURATION", "DIAGNOSTIC")
		for _, d := range deployments {
			result := "failed"
			if d.Success {
				result = "succeeded"
			}
			table.AddRow(d.Node,
				d.Address,
				ui.State(result),
				d.ServiceID,
				d.Duration.Round(time.Millisecond).String(),
				firstLine(d.Diagnostic))
		}
		table.Render()
	}
	return nil
}

func runDuration(r *history.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
