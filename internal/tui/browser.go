package tui

import (
	"context"
	"fmt"
	"time"

	bar "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/mpataki/jury/internal/models"
	"github.com/mpataki/jury/internal/storage"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
)

// Backend is what the browser reads and controls runs through.
type Backend interface {
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	KillRun(ctx context.Context, id string) error
	DeleteRun(ctx context.Context, id string) error
}

// Counter reports per-judge outcome counts for a run.
type Counter interface {
	CountsByJudge(ctx context.Context, runID string) ([]storage.JudgeCounts, error)
}

// Browser lists runs and lets the operator inspect, stop, or delete them.
type Browser struct {
	backend Backend
	counter Counter

	view        View
	runs        []*models.Run
	selectedIdx int
	selectedRun *models.Run
	counts      []storage.JudgeCounts
	bar         bar.Model

	width  int
	height int
	err    error
}

func NewBrowser(backend Backend, counter Counter) *Browser {
	return &Browser{
		backend: backend,
		counter: counter,
		view:    ViewRunList,
		bar:     bar.New(bar.WithDefaultGradient(), bar.WithWidth(40)),
	}
}

func (a *Browser) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *Browser) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *Browser) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *Browser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.runs) - 1
		}
		return a, nil

	case tickMsg:
		var cmds []tea.Cmd
		if a.view == ViewRunList && a.hasRunningRuns() {
			cmds = append(cmds, a.loadRuns)
		}
		if a.view == ViewRunDetail && a.selectedRun != nil && a.selectedRun.Status == models.RunStatusRunning {
			cmds = append(cmds, a.loadRunDetail(a.selectedRun.ID))
		}
		cmds = append(cmds, a.tickCmd())
		return a, tea.Batch(cmds...)

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.counts = msg.counts
			a.view = ViewRunDetail
		}
		return a, nil

	case runKilledMsg:
		a.err = msg.err
		return a, a.loadRuns

	case runDeletedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.view = ViewRunList
			a.selectedRun = nil
		}
		return a, a.loadRuns
	}

	return a, nil
}

func (a *Browser) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	}
	return a, nil
}

func (a *Browser) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run := a.selected(); run != nil {
			return a, a.loadRunDetail(run.ID)
		}

	case "r":
		return a, a.loadRuns

	case "x":
		if run := a.selected(); run != nil {
			return a, a.killRun(run.ID)
		}

	case "d":
		if run := a.selected(); run != nil {
			return a, a.deleteRun(run.ID)
		}
	}

	return a, nil
}

func (a *Browser) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.counts = nil
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "r":
		if a.selectedRun != nil {
			return a, a.loadRunDetail(a.selectedRun.ID)
		}

	case "x":
		if a.selectedRun != nil {
			return a, a.killRun(a.selectedRun.ID)
		}
	}

	return a, nil
}

func (a *Browser) selected() *models.Run {
	if a.selectedIdx >= 0 && a.selectedIdx < len(a.runs) {
		return a.runs[a.selectedIdx]
	}
	return nil
}

func (a *Browser) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	}
	return ""
}

func (a *Browser) viewRunList() string {
	s := titleStyle.Render("Jury") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with 'jury run --spec <file> --run-id <id>'.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"
		for i, run := range a.runs {
			line := a.formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.Status == models.RunStatusComplete:
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [x] stop  [d] delete  [r] refresh  [q] quit")
	return s
}

func (a *Browser) formatRunLine(run *models.Run) string {
	done := fmt.Sprintf("%s/%s", humanize.Comma(int64(run.Resolved())), humanize.Comma(int64(run.TotalPlanned)))
	return fmt.Sprintf("%-24s %s  %-13s  %-5s", truncate(run.ID, 24), formatStatus(run.Status), done, formatAge(run.CreatedAt))
}

func (a *Browser) viewRunDetail() string {
	run := a.selectedRun
	if run == nil {
		return "No run selected"
	}

	s := titleStyle.Render("Run "+run.ID) + "  " + formatStatus(run.Status) + "\n\n"

	fraction := 1.0
	if run.TotalPlanned > 0 {
		fraction = float64(run.Resolved()) / float64(run.TotalPlanned)
	}
	s += a.bar.ViewAs(fraction) + "\n\n"

	s += labelStyle.Render("Spec:      ") + dimStyle.Render(run.SpecPath) + "\n"
	s += labelStyle.Render("Seed:      ") + fmt.Sprintf("%d", run.Seed) + "\n"
	s += labelStyle.Render("Planned:   ") + humanize.Comma(int64(run.TotalPlanned)) + "\n"
	s += labelStyle.Render("Succeeded: ") + statusComplete.Render(humanize.Comma(int64(run.Completed))) + "\n"
	s += labelStyle.Render("Failed:    ") + statusFailed.Render(humanize.Comma(int64(run.Failed))) + "\n"
	s += labelStyle.Render("Remaining: ") + humanize.Comma(int64(run.Remaining())) + "\n"
	s += labelStyle.Render("Created:   ") + humanize.Time(run.CreatedAt) + "\n"
	if run.CompletedAt != nil {
		s += labelStyle.Render("Completed: ") + humanize.Time(*run.CompletedAt) + "\n"
	}
	if run.PID != nil {
		s += labelStyle.Render("PID:       ") + fmt.Sprintf("%d", *run.PID) + "\n"
	}
	if run.Error != "" {
		s += labelStyle.Render("Error:     ") + statusFailed.Render(run.Error) + "\n"
	}

	s += "\nJudges\n"
	s += "──────\n"
	if len(a.counts) == 0 {
		s += "(no outcomes yet)\n"
	}
	for _, c := range a.counts {
		s += fmt.Sprintf("  %-20s %s ok  %s failed\n", truncate(c.JudgeID, 20),
			statusComplete.Render(humanize.Comma(int64(c.Succeeded))),
			statusFailed.Render(humanize.Comma(int64(c.Failed))))
	}

	s += "\n" + helpStyle.Render("[r] refresh  [x] stop  [esc] back")
	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run    *models.Run
	counts []storage.JudgeCounts
	err    error
}

type runKilledMsg struct {
	runID string
	err   error
}

type runDeletedMsg struct {
	runID string
	err   error
}

// Commands

func (a *Browser) loadRuns() tea.Msg {
	runs, err := a.backend.ListRuns(context.Background(), 50)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *Browser) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		run, err := a.backend.GetRun(ctx, id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		counts, err := a.counter.CountsByJudge(ctx, id)
		return runDetailMsg{run: run, counts: counts, err: err}
	}
}

func (a *Browser) killRun(id string) tea.Cmd {
	return func() tea.Msg {
		return runKilledMsg{runID: id, err: a.backend.KillRun(context.Background(), id)}
	}
}

func (a *Browser) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		return runDeletedMsg{runID: id, err: a.backend.DeleteRun(context.Background(), id)}
	}
}
