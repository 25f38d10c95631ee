package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mpataki/jury/internal/expand"
	"github.com/mpataki/jury/internal/logging"
	"github.com/mpataki/jury/internal/models"
	"github.com/mpataki/jury/internal/progress"
	"github.com/mpataki/jury/internal/retry"
	"github.com/mpataki/jury/internal/scenario"
	"github.com/mpataki/jury/internal/spec"
	"github.com/mpataki/jury/internal/storage"
	"github.com/mpataki/jury/internal/workspace"
)

var (
	ErrSpecMismatch = errors.New("spec file does not match the one this run was created with")
	ErrRunActive    = errors.New("run is being executed by another process")
	ErrNotRunning   = errors.New("run is not running")
	ErrInvalidRunID = errors.New("run id may only contain letters, digits, '.', '_' and '-'")
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

const (
	DefaultConcurrency   = 8
	DefaultProgressEvery = 25
	DefaultCallTimeout   = 120 * time.Second
)

// Store is the persistence the orchestrator needs. *storage.Storage
// implements it.
type Store interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	DeleteRun(ctx context.Context, id string) error
	Record(ctx context.Context, o *models.Outcome) (bool, error)
	LoadCompletedKeys(ctx context.Context, runID string) (map[models.NaturalKey]struct{}, error)
}

type Options struct {
	// Concurrency is the hard ceiling on judge calls in flight.
	Concurrency int
	Retry       retry.Policy
	// ProgressEvery emits a snapshot after this many recorded outcomes.
	ProgressEvery int
	CallTimeout   time.Duration
	Observer      func(progress.Snapshot)
	Logger        *logrus.Entry
	// WorkspaceDir holds per-run run.json and summary.json. Empty disables them.
	WorkspaceDir string
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = DefaultConcurrency
	}
	if o.ProgressEvery < 1 {
		o.ProgressEvery = DefaultProgressEvery
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.For("orchestrator")
	}
	return o
}

type Orchestrator struct {
	store Store
	opts  Options
	log   *logrus.Entry
}

func New(store Store, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		store: store,
		opts:  opts,
		log:   opts.Logger,
	}
}

// Plan is a run bound to its expanded, shuffled configuration list.
type Plan struct {
	Run     *models.Run
	Spec    *models.Spec
	Configs []models.Configuration
	// Provider supplied the variable catalog Configs were expanded from.
	Provider *scenario.SpecProvider
}

// StartRun creates the run, or continues it when the ID already exists and
// the spec file is byte-identical to the one it was created with. Continuing
// a complete run is allowed; executing it dispatches nothing.
func (o *Orchestrator) StartRun(ctx context.Context, loaded *spec.Loaded, runID string) (*Plan, error) {
	if !runIDPattern.MatchString(runID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}

	configs, provider, err := plan(loaded.Spec)
	if err != nil {
		return nil, err
	}

	run, err := o.store.GetRun(ctx, runID)
	switch {
	case errors.Is(err, storage.ErrRunNotFound):
		run = &models.Run{
			ID:           runID,
			SpecPath:     loaded.Path,
			SpecHash:     loaded.Hash,
			Seed:         loaded.Spec.Seed,
			Status:       models.RunStatusPending,
			TotalPlanned: len(configs),
		}
		if err := o.store.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
		o.writeRunMetadata(run, loaded.Spec)
		o.log.WithFields(logrus.Fields{"run_id": runID, "planned": len(configs)}).Info("Run created")
	case err != nil:
		return nil, fmt.Errorf("failed to look up run: %w", err)
	default:
		if run.SpecHash != loaded.Hash {
			return nil, fmt.Errorf("%w: run %s", ErrSpecMismatch, runID)
		}
		if err := checkResumable(run); err != nil {
			return nil, err
		}
		o.log.WithFields(logrus.Fields{"run_id": runID, "status": run.Status}).Info("Continuing existing run")
	}

	return &Plan{Run: run, Spec: loaded.Spec, Configs: configs, Provider: provider}, nil
}

// ResumeRun re-expands the run from its recorded spec path. It refuses when
// the file on disk no longer hashes to the recorded value.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) (*Plan, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := checkResumable(run); err != nil {
		return nil, err
	}

	loaded, err := spec.Load(run.SpecPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load spec for run %s: %w", runID, err)
	}
	if loaded.Hash != run.SpecHash {
		return nil, fmt.Errorf("%w: %s changed since run %s was created", ErrSpecMismatch, run.SpecPath, runID)
	}

	configs, provider, err := plan(loaded.Spec)
	if err != nil {
		return nil, err
	}
	return &Plan{Run: run, Spec: loaded.Spec, Configs: configs, Provider: provider}, nil
}

func plan(s *models.Spec) ([]models.Configuration, *scenario.SpecProvider, error) {
	provider, err := scenario.NewSpecProvider(s)
	if err != nil {
		return nil, nil, err
	}

	opts := expand.OptionsFor(s)
	opts.Catalog = provider
	configs, err := expand.Expand(s, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to expand spec: %w", err)
	}
	return expand.Shuffle(configs, s.Seed), provider, nil
}

func checkResumable(run *models.Run) error {
	if run.Status == models.RunStatusRunning && run.PID != nil && *run.PID != os.Getpid() && processAlive(*run.PID) {
		return fmt.Errorf("%w: %s (pid %d)", ErrRunActive, run.ID, *run.PID)
	}
	return nil
}

func (o *Orchestrator) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return o.store.GetRun(ctx, id)
}

func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return o.store.ListRuns(ctx, limit)
}

// KillRun asks the process executing a run to stop. The process drains its
// in-flight calls and marks the run interrupted itself.
func (o *Orchestrator) KillRun(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status != models.RunStatusRunning || run.PID == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, runID, run.Status)
	}

	if !processAlive(*run.PID) {
		// The process died without cleaning up; record that instead.
		run.Status = models.RunStatusInterrupted
		run.PID = nil
		return o.store.UpdateRun(ctx, run)
	}
	if err := syscall.Kill(*run.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", *run.PID, err)
	}
	o.log.WithFields(logrus.Fields{"run_id": runID, "pid": *run.PID}).Info("Stop requested")
	return nil
}

// DeleteRun removes the run, every outcome recorded for it, and its workspace.
func (o *Orchestrator) DeleteRun(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status == models.RunStatusRunning && run.PID != nil && processAlive(*run.PID) {
		return fmt.Errorf("%w: kill run %s before deleting it", ErrRunActive, runID)
	}

	if err := o.store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	if o.opts.WorkspaceDir != "" {
		if err := workspace.Remove(o.opts.WorkspaceDir, runID); err != nil {
			return fmt.Errorf("failed to remove workspace: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) writeRunMetadata(run *models.Run, s *models.Spec) {
	if o.opts.WorkspaceDir == "" {
		return
	}
	ws, err := workspace.Create(o.opts.WorkspaceDir, run.ID)
	if err != nil {
		o.log.WithError(err).Warn("Failed to create run workspace")
		return
	}

	meta := &workspace.RunMetadata{
		RunID:     run.ID,
		SpecName:  s.Name,
		SpecPath:  run.SpecPath,
		SpecHash:  run.SpecHash,
		Seed:      run.Seed,
		Planned:   run.TotalPlanned,
		CreatedAt: run.CreatedAt,
	}
	for _, j := range s.Judges {
		meta.Judges = append(meta.Judges, j.ID)
	}
	for _, m := range s.Modes {
		meta.Modes = append(meta.Modes, string(m))
	}
	if err := ws.WriteRunMetadata(meta); err != nil {
		o.log.WithError(err).Warn("Failed to write run metadata")
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
