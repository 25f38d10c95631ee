package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/jury/internal/models"
	"github.com/mpataki/jury/internal/orchestrator"
	"github.com/mpataki/jury/internal/progress"
	"github.com/mpataki/jury/internal/storage"
)

func TestLive_StopThenDone(t *testing.T) {
	t.Parallel()

	stops := 0
	m := NewLive("r1", progress.NewReporter(0), func() { stops++ })

	m.Update(snapshotMsg(progress.Snapshot{RunID: "r1", Planned: 20, Succeeded: 5, Skipped: 2}))
	assert.Contains(t, m.View(), "7 / 20")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.Nil(t, cmd)
	assert.Equal(t, 1, stops)
	assert.Contains(t, m.View(), "stopping")

	_, cmd = m.Update(doneMsg{summary: &orchestrator.Summary{Status: models.RunStatusInterrupted}})
	require.NotNil(t, cmd)
	assert.True(t, m.done)
	assert.Equal(t, models.RunStatusInterrupted, m.summary.Status)
}

type fakeBackend struct {
	runs    []*models.Run
	killed  []string
	deleted []string
}

func (f *fakeBackend) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return f.runs, nil
}

func (f *fakeBackend) GetRun(ctx context.Context, id string) (*models.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeBackend) KillRun(ctx context.Context, id string) error {
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeBackend) DeleteRun(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackend) CountsByJudge(ctx context.Context, runID string) ([]storage.JudgeCounts, error) {
	return []storage.JudgeCounts{{JudgeID: "alpha", Succeeded: 3, Failed: 1}}, nil
}

func TestBrowser_Navigation(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{runs: []*models.Run{
		{ID: "first", Status: models.RunStatusRunning, TotalPlanned: 10, Completed: 4, CreatedAt: time.Now()},
		{ID: "second", Status: models.RunStatusComplete, TotalPlanned: 2, Completed: 2, CreatedAt: time.Now()},
	}}
	b := NewBrowser(backend, backend)

	b.Update(b.loadRuns())
	assert.Contains(t, b.View(), "first")
	assert.Contains(t, b.View(), "4/10")

	b.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, b.selectedIdx)

	_, cmd := b.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	b.Update(cmd())
	assert.Equal(t, ViewRunDetail, b.view)
	assert.Contains(t, b.View(), "Run second")
	assert.Contains(t, b.View(), "alpha")

	_, cmd = b.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, []string{"second"}, backend.killed)

	b.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, ViewRunList, b.view)

	_, cmd = b.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, []string{"second"}, backend.deleted)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
}
