package tui

import (
	"fmt"
	"strings"
	"time"

	bar "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/mpataki/jury/internal/orchestrator"
	"github.com/mpataki/jury/internal/progress"
)

type snapshotMsg progress.Snapshot

type doneMsg struct {
	summary *orchestrator.Summary
	err     error
}

// Live shows a single run's progress while it executes.
type Live struct {
	runID    string
	reporter *progress.Reporter
	bar      bar.Model
	snap     progress.Snapshot
	stop     func()
	stopping bool
	done     bool
	summary  *orchestrator.Summary
	err      error
	started  time.Time
	width    int
}

func NewLive(runID string, reporter *progress.Reporter, stop func()) *Live {
	return &Live{
		runID:    runID,
		reporter: reporter,
		bar:      bar.New(bar.WithDefaultGradient(), bar.WithWidth(50)),
		stop:     stop,
		started:  time.Now(),
	}
}

func (m *Live) Init() tea.Cmd {
	return nil
}

func (m *Live) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.stopping || m.done {
				return m, tea.Quit
			}
			m.stopping = true
			if m.stop != nil {
				m.stop()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 4; w > 10 && w < 80 {
			m.bar.Width = w
		}
		return m, nil

	case snapshotMsg:
		m.snap = progress.Snapshot(msg)
		return m, nil

	case doneMsg:
		m.done = true
		m.summary = msg.summary
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m *Live) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("jury "+m.runID) + "\n\n")
	b.WriteString(m.bar.ViewAs(m.snap.Fraction()) + "\n\n")

	fmt.Fprintf(&b, "%s %s / %s\n", labelStyle.Render("resolved "),
		humanize.Comma(int64(m.snap.Resolved())), humanize.Comma(int64(m.snap.Planned)))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("succeeded"), statusComplete.Render(humanize.Comma(int64(m.snap.Succeeded))))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("failed   "), statusFailed.Render(humanize.Comma(int64(m.snap.Failed))))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("skipped  "), humanize.Comma(int64(m.snap.Skipped)))
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("in flight"), m.snap.InFlight)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("retries  "), humanize.Comma(int64(m.snap.Retries)))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("elapsed  "), time.Since(m.started).Round(time.Second))
	if m.reporter != nil {
		if eta := m.reporter.ETA(); eta > 0 {
			fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("eta      "), progress.FormatETA(eta, time.Now()))
		}
	}

	b.WriteString("\n")
	switch {
	case m.done:
		b.WriteString(dimStyle.Render("finished") + "\n")
	case m.stopping:
		b.WriteString(statusRunning.Render("stopping: waiting for in-flight calls") + "\n")
		b.WriteString(helpStyle.Render("[q] leave without waiting for the view"))
	default:
		b.WriteString(helpStyle.Render("[q] stop"))
	}
	return b.String()
}

// Execute is the work shown by RunLive; it must report snapshots to observe.
type Execute func(observe func(progress.Snapshot)) (*orchestrator.Summary, error)

// RunLive runs execute behind the live view. Leaving the view calls stop;
// RunLive still waits for execute to drain before returning.
func RunLive(runID string, stop func(), execute Execute) (*orchestrator.Summary, error) {
	reporter := progress.NewReporter(0)
	model := NewLive(runID, reporter, stop)
	prog := tea.NewProgram(model)

	result := make(chan doneMsg, 1)
	go func() {
		summary, err := execute(func(s progress.Snapshot) {
			reporter.Observe(s)
			prog.Send(snapshotMsg(s))
		})
		msg := doneMsg{summary: summary, err: err}
		result <- msg
		prog.Send(msg)
	}()

	if _, err := prog.Run(); err != nil {
		stop()
		res := <-result
		if res.err == nil {
			res.err = fmt.Errorf("progress view failed: %w", err)
		}
		return res.summary, res.err
	}

	res := <-result
	return res.summary, res.err
}
