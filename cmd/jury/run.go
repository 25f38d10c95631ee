package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mpataki/jury/internal/config"
	"github.com/mpataki/jury/internal/expand"
	"github.com/mpataki/jury/internal/judge"
	"github.com/mpataki/jury/internal/logging"
	"github.com/mpataki/jury/internal/models"
	"github.com/mpataki/jury/internal/orchestrator"
	"github.com/mpataki/jury/internal/progress"
	"github.com/mpataki/jury/internal/retry"
	"github.com/mpataki/jury/internal/scenario"
	"github.com/mpataki/jury/internal/spec"
	"github.com/mpataki/jury/internal/tui"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run --spec <file> --run-id <id>",
		Short: "Start a run, or continue one with the same spec",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			specPath, _ := cmd.Flags().GetString("spec")
			runID, _ := cmd.Flags().GetString("run-id")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			loaded, err := spec.Load(specPath)
			if err != nil {
				return err
			}

			if dryRun {
				return printDryRun(cmd.OutOrStdout(), loaded)
			}
			if runID == "" {
				return fmt.Errorf("--run-id is required unless --dry-run is set")
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signalContext()
			defer stop()

			orch := e.orchestrator(executionOptions(cmd, e.cfg, loaded.Spec))
			plan, err := orch.StartRun(ctx, loaded, runID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s configurations planned\n", runID, humanize.Comma(int64(len(plan.Configs))))
			return execute(ctx, stop, cmd, e, plan)
		},
	}

	cmd.Flags().String("spec", "", "Experiment spec file (YAML)")
	cmd.Flags().String("run-id", "", "Run identifier; reusing it continues the run")
	cmd.Flags().Bool("dry-run", false, "Expand the spec and print the plan without calling judges")
	cmd.Flags().Int("concurrency", 0, "Maximum judge calls in flight (default from spec or JURY_CONCURRENCY)")
	cmd.Flags().Bool("tui", false, "Show a live progress view")
	cmd.MarkFlagRequired("spec")
	return cmd
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume --run-id <id>",
		Short: "Resume an interrupted run from its recorded spec",
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

			ctx, stop := signalContext()
			defer stop()

			// Options depend on the spec, which is only known after the run is read.
			plan, err := e.orchestrator(orchestrator.Options{}).ResumeRun(ctx, runID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Resuming run %s (%s)\n", runID, plan.Run.SpecPath)
			return execute(ctx, stop, cmd, e, plan)
		},
	}

	cmd.Flags().String("run-id", "", "Run to resume")
	cmd.Flags().Int("concurrency", 0, "Maximum judge calls in flight (default from spec or JURY_CONCURRENCY)")
	cmd.Flags().Bool("tui", false, "Show a live progress view")
	return cmd
}

// executionOptions layers settings: environment, then the spec, then flags.
func executionOptions(cmd *cobra.Command, cfg *config.Config, s *models.Spec) orchestrator.Options {
	concurrency := cfg.Concurrency
	maxAttempts := cfg.MaxAttempts
	if s.Settings != nil {
		if s.Settings.Concurrency > 0 {
			concurrency = s.Settings.Concurrency
		}
		if s.Settings.MaxAttempts > 0 {
			maxAttempts = s.Settings.MaxAttempts
		}
	}
	if cmd.Flags().Changed("concurrency") {
		concurrency, _ = cmd.Flags().GetInt("concurrency")
	}

	return orchestrator.Options{
		Concurrency:   concurrency,
		ProgressEvery: cfg.ProgressEvery,
		CallTimeout:   cfg.CallTimeout,
		Retry: retry.Policy{
			MaxAttempts: maxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Multiplier:  retry.DefaultMultiplier,
			Jitter:      cfg.Jitter,
		},
	}
}

func execute(ctx context.Context, stop context.CancelFunc, cmd *cobra.Command, e *env, plan *orchestrator.Plan) error {
	judges, err := judge.BuildRegistry(plan.Spec.Judges, func(def models.JudgeDef) (string, string) {
		return e.cfg.Judge.BaseURL, e.cfg.APIKeyFor(def.APIKeyEnv)
	}, e.cfg.CallTimeout)
	if err != nil {
		return err
	}
	provider := plan.Provider

	opts := executionOptions(cmd, e.cfg, plan.Spec)
	log := logging.For("run").WithField("run_id", plan.Run.ID)
	useTUI, _ := cmd.Flags().GetBool("tui")
	out := cmd.OutOrStdout()

	var summary *orchestrator.Summary
	if useTUI {
		if err := quietLogs(e.cfg); err != nil {
			return err
		}
		summary, err = tui.RunLive(plan.Run.ID, stop, func(observe func(progress.Snapshot)) (*orchestrator.Summary, error) {
			opts.Observer = observe
			return e.orchestrator(opts).Execute(ctx, plan, judges, provider)
		})
	} else {
		reporter := progress.NewReporter(0)
		opts.Observer = func(s progress.Snapshot) {
			reporter.Observe(s)
			reporter.Log(log)
		}
		summary, err = e.orchestrator(opts).Execute(ctx, plan, judges, provider)
		if summary != nil {
			fmt.Fprintln(out, reporter.Render())
		}
	}

	if summary != nil {
		printSummary(out, summary)
	}
	if err != nil {
		return err
	}
	if summary != nil && summary.Status == models.RunStatusInterrupted {
		fmt.Fprintf(out, "Stopped early. Continue with: jury resume --run-id %s\n", plan.Run.ID)
	}
	return nil
}

func printSummary(w io.Writer, s *orchestrator.Summary) {
	fmt.Fprintf(w, "\nRun %s %s in %s\n", s.RunID, s.Status, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  attempted:      %s\n", humanize.Comma(int64(s.Dispatched)))
	fmt.Fprintf(w, "  succeeded:      %s\n", humanize.Comma(int64(s.Succeeded)))
	fmt.Fprintf(w, "  failed:         %s\n", humanize.Comma(int64(s.Failed)))
	fmt.Fprintf(w, "  skipped (done): %s\n", humanize.Comma(int64(s.Skipped)))
	if s.Abandoned > 0 {
		fmt.Fprintf(w, "  left for resume: %s\n", humanize.Comma(int64(s.Abandoned)))
	}
	fmt.Fprintf(w, "  retries:        %s\n", humanize.Comma(int64(s.Retries)))
}

func printDryRun(w io.Writer, loaded *spec.Loaded) error {
	s := loaded.Spec
	provider, err := scenario.NewSpecProvider(s)
	if err != nil {
		return err
	}
	opts := expand.OptionsFor(s)
	opts.Catalog = provider
	total, err := expand.CountPlanned(s, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Spec %q (%s)\n", s.Name, loaded.Path)
	fmt.Fprintf(w, "Planned configurations: %s\n", humanize.Comma(int64(total)))
	if total == 0 {
		return nil
	}

	perScenario := make(map[string]int, len(s.Scenarios))
	for _, sc := range s.Scenarios {
		one := *s
		one.Scenarios = []models.ScenarioDef{sc}
		n, err := expand.CountPlanned(&one, opts)
		if err != nil {
			return err
		}
		perScenario[sc.ID] = n
	}

	perJudge := total / len(s.Judges)
	fmt.Fprintln(w, "\nBy judge:")
	for _, j := range s.Judges {
		fmt.Fprintf(w, "  %-20s %s\n", j.ID, humanize.Comma(int64(perJudge)))
	}

	ids := make([]string, 0, len(perScenario))
	for id := range perScenario {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintln(w, "\nBy scenario:")
	for _, id := range ids {
		fmt.Fprintf(w, "  %-20s %s\n", id, humanize.Comma(int64(perScenario[id])))
	}

	logging.For("run").WithFields(logrus.Fields{"spec": loaded.Path, "planned": total}).Debug("Dry run")
	return nil
}
