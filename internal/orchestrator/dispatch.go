package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/mpataki/jury/internal/judge"
	"github.com/mpataki/jury/internal/models"
	"github.com/mpataki/jury/internal/progress"
	"github.com/mpataki/jury/internal/scenario"
	"github.com/mpataki/jury/internal/workspace"
)

// Summary describes one Execute session.
type Summary struct {
	RunID      string           `json:"run_id"`
	Planned    int              `json:"planned"`
	Skipped    int              `json:"skipped"`
	Dispatched int              `json:"dispatched"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Abandoned  int              `json:"abandoned"`
	Retries    int              `json:"retries"`
	Duration   time.Duration    `json:"duration"`
	Status     models.RunStatus `json:"status"`
}

// tally is the mutable state shared by the workers of one session.
type tally struct {
	mu         sync.Mutex
	runID      string
	planned    int
	skipped    int
	dispatched int
	succeeded  int
	failed     int
	abandoned  int
	retries    int
	inFlight   int
	recorded   int
	fatal      error
}

func (t *tally) snapshot() progress.Snapshot {
	return progress.Snapshot{
		RunID:     t.runID,
		Planned:   t.planned,
		Skipped:   t.skipped,
		Succeeded: t.succeeded,
		Failed:    t.failed,
		InFlight:  t.inFlight,
		Retries:   t.retries,
		At:        time.Now(),
	}
}

// Execute dispatches every configuration of the plan that has no outcome yet.
//
// Cancelling ctx stops new dispatches; calls already in flight finish and
// are recorded, and configurations waiting out a backoff are left for the
// next session. A failed write aborts the session and marks the run failed.
func (o *Orchestrator) Execute(ctx context.Context, p *Plan, judges judge.Registry, provider scenario.Provider) (*Summary, error) {
	started := time.Now()
	run := p.Run
	// Bookkeeping must succeed even after a stop was requested.
	bg := context.WithoutCancel(ctx)
	log := o.log.WithField("run_id", run.ID)

	for _, j := range p.Spec.Judges {
		if _, err := judges.Get(j.ID); err != nil {
			return nil, err
		}
	}

	done, err := o.store.LoadCompletedKeys(bg, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	t := &tally{runID: run.ID, planned: len(p.Configs)}
	pending := make([]models.Configuration, 0, len(p.Configs))
	for _, c := range p.Configs {
		if _, ok := done[c.Key()]; ok {
			t.skipped++
			continue
		}
		pending = append(pending, c)
	}

	pid := os.Getpid()
	run.Status = models.RunStatusRunning
	run.PID = &pid
	run.TotalPlanned = len(p.Configs)
	run.CompletedAt = nil
	run.Error = ""
	if err := o.store.UpdateRun(bg, run); err != nil {
		return nil, fmt.Errorf("failed to mark run running: %w", err)
	}

	log.WithFields(logrus.Fields{
		"planned":     t.planned,
		"skipped":     t.skipped,
		"pending":     len(pending),
		"concurrency": o.opts.Concurrency,
	}).Info("Dispatch started")
	o.emit(t)

	// feedCtx ends on a stop request or on the first fatal error.
	feedCtx, stopFeeding := context.WithCancel(ctx)
	defer stopFeeding()

	sem := semaphore.NewWeighted(int64(o.opts.Concurrency))
	var wg sync.WaitGroup

	for _, c := range pending {
		if feedCtx.Err() != nil {
			break
		}
		if err := sem.Acquire(feedCtx, 1); err != nil {
			break
		}
		// Acquire can win a race with cancellation; never dispatch after a stop.
		if feedCtx.Err() != nil {
			sem.Release(1)
			break
		}

		t.mu.Lock()
		t.dispatched++
		t.inFlight++
		t.mu.Unlock()

		wg.Add(1)
		go func(c models.Configuration) {
			defer wg.Done()
			defer sem.Release(1)
			o.dispatch(ctx, feedCtx, stopFeeding, t, c, judges, provider, log)
		}(c)
	}

	wg.Wait()

	summary, err := o.finish(bg, ctx, p, t, started, log)
	o.emit(t)
	return summary, err
}

// dispatch resolves one configuration: render, call with retries, record.
func (o *Orchestrator) dispatch(
	ctx, feedCtx context.Context,
	stopFeeding context.CancelFunc,
	t *tally,
	c models.Configuration,
	judges judge.Registry,
	provider scenario.Provider,
	log *logrus.Entry,
) {
	clog := log.WithFields(logrus.Fields{
		"judge":     c.JudgeID,
		"scenario":  c.ScenarioID,
		"variation": c.VariationKey,
		"mode":      c.Mode,
	})
	// Calls are detached from the stop signal so in-flight work drains.
	detached := context.WithoutCancel(ctx)

	outcome := &models.Outcome{RunID: t.runID, Config: c}
	var res retryResult

	rendered, err := o.render(detached, provider, c)
	if err != nil {
		outcome.Failure = &models.FailureRecord{Class: models.ErrorClassPermanent, Message: err.Error()}
	} else {
		res = o.call(detached, feedCtx, judges, c, rendered)
		if res.abandoned {
			t.mu.Lock()
			t.inFlight--
			t.abandoned++
			t.retries += res.retries
			t.mu.Unlock()
			clog.Debug("Abandoned during backoff; left for resume")
			return
		}
		outcome.Attempts = res.attempts
		if res.err == nil {
			outcome.Decision = res.decision
		} else {
			outcome.Failure = &models.FailureRecord{Class: res.class, Message: res.err.Error(), Attempts: res.attempts}
		}
	}

	inserted, err := o.store.Record(detached, outcome)
	if err != nil {
		o.abort(t, stopFeeding, fmt.Errorf("failed to record outcome for %s: %w", c.Key(), err), clog)
		return
	}

	t.mu.Lock()
	t.inFlight--
	t.retries += res.retries
	if inserted {
		if outcome.Failure != nil {
			t.failed++
		} else {
			t.succeeded++
		}
	}
	t.recorded++
	emit := t.recorded%o.opts.ProgressEvery == 0
	t.mu.Unlock()

	switch {
	case !inserted:
		clog.Debug("Outcome already recorded")
	case outcome.Failure != nil:
		clog.WithFields(logrus.Fields{"class": outcome.Failure.Class, "attempts": outcome.Attempts}).
			Warn("Configuration failed: " + outcome.Failure.Message)
	default:
		clog.WithFields(logrus.Fields{"choice": outcome.Decision.ChoiceID, "attempts": outcome.Attempts}).Debug("Decision recorded")
	}

	if emit {
		o.emit(t)
	}
}

func (o *Orchestrator) render(ctx context.Context, provider scenario.Provider, c models.Configuration) (*scenario.Rendered, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()
	return provider.Render(ctx, c.ScenarioID, c.Assignment)
}

type retryResult struct {
	decision  *models.Decision
	err       error
	class     models.ErrorClass
	attempts  int
	retries   int
	abandoned bool
}

func (o *Orchestrator) call(detached, feedCtx context.Context, judges judge.Registry, c models.Configuration, r *scenario.Rendered) retryResult {
	adapter, err := judges.Get(c.JudgeID)
	if err != nil {
		return retryResult{err: err, class: models.ErrorClassPermanent}
	}

	req := judge.Request{
		ScenarioID: c.ScenarioID,
		Text:       r.Text,
		Mode:       c.Mode,
		Options:    r.Options,
	}

	var decision *models.Decision
	res := o.opts.Retry.Do(feedCtx, func(attempt int) error {
		callCtx, cancel := context.WithTimeout(detached, o.opts.CallTimeout)
		defer cancel()
		d, err := adapter.Decide(callCtx, req)
		if err != nil {
			return err
		}
		decision = d
		return nil
	})

	return retryResult{
		decision:  decision,
		err:       res.Err,
		class:     res.Class,
		attempts:  res.Attempts,
		retries:   res.Retries(),
		abandoned: res.Abandoned,
	}
}

func (o *Orchestrator) abort(t *tally, stopFeeding context.CancelFunc, err error, log *logrus.Entry) {
	t.mu.Lock()
	t.inFlight--
	if t.fatal == nil {
		t.fatal = err
	}
	t.mu.Unlock()
	stopFeeding()
	log.WithError(err).Error("Fatal error; stopping dispatch")
}

func (o *Orchestrator) emit(t *tally) {
	if o.opts.Observer == nil {
		return
	}
	t.mu.Lock()
	s := t.snapshot()
	t.mu.Unlock()
	o.opts.Observer(s)
}

// finish settles the run status once every worker has returned.
func (o *Orchestrator) finish(bg, ctx context.Context, p *Plan, t *tally, started time.Time, log *logrus.Entry) (*Summary, error) {
	run := p.Run

	t.mu.Lock()
	summary := &Summary{
		RunID:      run.ID,
		Planned:    t.planned,
		Skipped:    t.skipped,
		Dispatched: t.dispatched,
		Succeeded:  t.succeeded,
		Failed:     t.failed,
		Abandoned:  t.abandoned,
		Retries:    t.retries,
		Duration:   time.Since(started),
	}
	fatal := t.fatal
	t.mu.Unlock()

	var result error
	switch {
	case fatal != nil:
		run.Status = models.RunStatusFailed
		run.Error = fatal.Error()
		result = fatal
	default:
		complete, err := o.allRecorded(bg, p)
		if err != nil {
			run.Status = models.RunStatusFailed
			run.Error = err.Error()
			result = err
		} else if complete {
			now := time.Now().UTC()
			run.Status = models.RunStatusComplete
			run.CompletedAt = &now
		} else {
			run.Status = models.RunStatusInterrupted
			if ctx.Err() == nil {
				log.Warn("Dispatch ended with configurations still pending")
			}
		}
	}
	run.PID = nil
	summary.Status = run.Status

	if err := o.store.UpdateRun(bg, run); err != nil {
		log.WithError(err).Error("Failed to update run status")
		if result == nil {
			result = fmt.Errorf("failed to update run status: %w", err)
		}
	}

	o.appendSession(run, summary, started, result)

	log.WithFields(logrus.Fields{
		"status":     summary.Status,
		"dispatched": summary.Dispatched,
		"succeeded":  summary.Succeeded,
		"failed":     summary.Failed,
		"skipped":    summary.Skipped,
		"abandoned":  summary.Abandoned,
		"retries":    summary.Retries,
		"duration":   summary.Duration.Round(time.Millisecond).String(),
	}).Info("Dispatch finished")

	return summary, result
}

func (o *Orchestrator) allRecorded(ctx context.Context, p *Plan) (bool, error) {
	done, err := o.store.LoadCompletedKeys(ctx, p.Run.ID)
	if err != nil {
		return false, fmt.Errorf("failed to verify completion: %w", err)
	}
	for _, c := range p.Configs {
		if _, ok := done[c.Key()]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (o *Orchestrator) appendSession(run *models.Run, s *Summary, started time.Time, err error) {
	if o.opts.WorkspaceDir == "" {
		return
	}
	ws, werr := workspace.Create(o.opts.WorkspaceDir, run.ID)
	if werr != nil {
		o.log.WithError(werr).Warn("Failed to open run workspace")
		return
	}
	session := workspace.Session{
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
		PID:        os.Getpid(),
		Status:     string(s.Status),
		Planned:    s.Planned,
		Skipped:    s.Skipped,
		Dispatched: s.Dispatched,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		Abandoned:  s.Abandoned,
		Retries:    s.Retries,
		Duration:   s.Duration.Round(time.Millisecond).String(),
	}
	if err != nil {
		session.Error = err.Error()
	}
	if werr := ws.AppendSession(run.ID, session); werr != nil {
		o.log.WithError(werr).Warn("Failed to write run summary")
	}
}
