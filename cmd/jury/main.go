package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/jury/internal/config"
	"github.com/mpataki/jury/internal/logging"
	"github.com/mpataki/jury/internal/orchestrator"
	"github.com/mpataki/jury/internal/storage"
	"github.com/mpataki/jury/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "jury",
		Short:        "Resumable judge-decision collection",
		Long:         "Jury expands an experiment spec into scenario configurations, collects one decision per configuration from each judge, and records every outcome durably so interrupted runs resume where they stopped.",
		SilenceUsage: true,
		RunE:         runBrowser,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newOutcomesCommand())
	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every command that touches the database needs.
type env struct {
	cfg   *config.Config
	store *storage.Storage
}

func openEnv() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := logging.Init(cfg.Log); err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &env{cfg: cfg, store: store}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}

func (e *env) orchestrator(opts orchestrator.Options) *orchestrator.Orchestrator {
	opts.WorkspaceDir = e.cfg.WorkspacesDir()
	if opts.Logger == nil {
		opts.Logger = logging.For("orchestrator")
	}
	return orchestrator.New(e.store, opts)
}

// signalContext is cancelled by SIGINT or SIGTERM; `jury kill` sends the latter.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runBrowser(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := quietLogs(e.cfg); err != nil {
		return err
	}

	app := tui.NewBrowser(e.orchestrator(orchestrator.Options{}), e.store)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

// quietLogs sends logs to the file only, so they do not tear a full-screen view.
func quietLogs(cfg *config.Config) error {
	if cfg.Log.Output == "file" {
		return nil
	}
	cfg.Log.Output = "file"
	return logging.Init(cfg.Log)
}

// runIDFrom accepts the run ID as --run-id or as the first argument.
func runIDFrom(cmd *cobra.Command, args []string) (string, error) {
	id, _ := cmd.Flags().GetString("run-id")
	if id == "" && len(args) > 0 {
		id = args[0]
	}
	if id == "" {
		return "", fmt.Errorf("a run ID is required (--run-id)")
	}
	return id, nil
}
