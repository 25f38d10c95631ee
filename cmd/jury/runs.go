package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mpataki/jury/internal/models"
	"github.com/mpataki/jury/internal/orchestrator"
	"github.com/mpataki/jury/internal/storage"
	"github.com/mpataki/jury/internal/workspace"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status --run-id <id>",
		Short: "Show run status and per-judge counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := runIDFrom(cmd, args)
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := context.Background()
			run, err := e.store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			counts, err := e.store.CountsByJudge(ctx, runID)
			if err != nil {
				return fmt.Errorf("failed to count outcomes: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:       %s\n", run.ID)
			fmt.Fprintf(out, "Status:    %s\n", run.Status)
			fmt.Fprintf(out, "Spec:      %s\n", run.SpecPath)
			fmt.Fprintf(out, "Seed:      %d\n", run.Seed)
			fmt.Fprintf(out, "Created:   %s\n", humanize.Time(run.CreatedAt))
			if run.CompletedAt != nil {
				fmt.Fprintf(out, "Completed: %s\n", humanize.Time(*run.CompletedAt))
			}
			if run.PID != nil {
				fmt.Fprintf(out, "PID:       %d\n", *run.PID)
			}
			fmt.Fprintf(out, "Progress:  %s / %s resolved (%s succeeded, %s failed, %s remaining)\n",
				humanize.Comma(int64(run.Resolved())),
				humanize.Comma(int64(run.TotalPlanned)),
				humanize.Comma(int64(run.Completed)),
				humanize.Comma(int64(run.Failed)),
				humanize.Comma(int64(run.Remaining())))
			if run.Error != "" {
				fmt.Fprintf(out, "Error:     %s\n", run.Error)
			}

			if len(counts) > 0 {
				fmt.Fprintln(out, "\nBy judge:")
				for _, c := range counts {
					fmt.Fprintf(out, "  %-20s %8s ok %8s failed\n", c.JudgeID,
						humanize.Comma(int64(c.Succeeded)), humanize.Comma(int64(c.Failed)))
				}
			}

			if ws, err := workspace.Open(e.cfg.WorkspacesDir(), runID); err == nil {
				if summary, err := ws.ReadSummary(); err == nil && len(summary.Sessions) > 0 {
					last := summary.Sessions[len(summary.Sessions)-1]
					fmt.Fprintf(out, "\nSessions: %d (last %s, %s, %d dispatched)\n",
						len(summary.Sessions), last.Status, last.Duration, last.Dispatched)
				}
			}

			return nil
		},
	}

	cmd.Flags().String("run-id", "", "Run to inspect")
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			runs, err := e.store.ListRuns(context.Background(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs found")
				return nil
			}

			fmt.Fprintf(out, "%-24s %-12s %-12s %-8s %s\n", "ID", "STATUS", "RESOLVED", "FAILED", "CREATED")
			for _, run := range runs {
				fmt.Fprintf(out, "%-24s %-12s %-12s %-8d %s\n",
					truncate(run.ID, 24),
					run.Status,
					fmt.Sprintf("%d/%d", run.Resolved(), run.TotalPlanned),
					run.Failed,
					humanize.Time(run.CreatedAt))
			}

			return nil
		},
	}

	cmd.Flags().Int("limit", 50, "Maximum runs to show")
	return cmd
}

func newKillCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill --run-id <id>",
		Short: "Stop a running run; it can be resumed later",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := runIDFrom(cmd, args)
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orchestrator(orchestrator.Options{}).KillRun(context.Background(), runID); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for run %s\n", runID)
			return nil
		},
	}

	cmd.Flags().String("run-id", "", "Run to stop")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete --run-id <id>",
		Short: "Delete a run, its outcomes and its workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := runIDFrom(cmd, args)
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orchestrator(orchestrator.Options{}).DeleteRun(context.Background(), runID); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", runID)
			return nil
		},
	}

	cmd.Flags().String("run-id", "", "Run to delete")
	return cmd
}

func newOutcomesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outcomes --run-id <id>",
		Short: "Print recorded outcomes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := runIDFrom(cmd, args)
			if err != nil {
				return err
			}

			f := storage.OutcomeFilter{RunID: runID}
			f.JudgeID, _ = cmd.Flags().GetString("judge")
			f.ScenarioID, _ = cmd.Flags().GetString("scenario")
			f.Limit, _ = cmd.Flags().GetInt("limit")
			mode, _ := cmd.Flags().GetString("mode")
			kind, _ := cmd.Flags().GetString("kind")
			asJSON, _ := cmd.Flags().GetBool("json")

			if mode != "" && !models.Mode(mode).Valid() {
				return fmt.Errorf("unknown mode %q", mode)
			}
			f.Mode = models.Mode(mode)
			switch models.OutcomeKind(kind) {
			case "", models.OutcomeDecision, models.OutcomeFailure:
				f.Kind = models.OutcomeKind(kind)
			default:
				return fmt.Errorf("unknown kind %q (want decision or failure)", kind)
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := context.Background()
			if _, err := e.store.GetRun(ctx, runID); err != nil {
				if errors.Is(err, storage.ErrRunNotFound) {
					return fmt.Errorf("run %s not found", runID)
				}
				return err
			}

			outcomes, err := e.store.ListOutcomes(ctx, f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				for _, o := range outcomes {
					if err := enc.Encode(o); err != nil {
						return err
					}
				}
				return nil
			}

			for _, o := range outcomes {
				c := o.Config
				head := fmt.Sprintf("%-12s %-14s %-12s %-20s", c.JudgeID, c.Mode, truncate(c.ScenarioID, 12), truncate(c.VariationKey, 20))
				if o.Decision != nil {
					fmt.Fprintf(out, "%s -> %-12s conf=%.2f diff=%d\n", head, o.Decision.ChoiceID, o.Decision.Confidence, o.Decision.Difficulty)
				} else {
					fmt.Fprintf(out, "%s !! %s (%s, %d attempts)\n", head, truncate(o.Failure.Message, 60), o.Failure.Class, o.Attempts)
				}
			}
			return nil
		},
	}

	cmd.Flags().String("run-id", "", "Run to read")
	cmd.Flags().String("judge", "", "Only this judge")
	cmd.Flags().String("scenario", "", "Only this scenario")
	cmd.Flags().String("mode", "", "Only this mode (deliberative or executive)")
	cmd.Flags().String("kind", "", "Only decisions or failures")
	cmd.Flags().Int("limit", 0, "Maximum outcomes to print (0 for all)")
	cmd.Flags().Bool("json", false, "Print one JSON object per line")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
