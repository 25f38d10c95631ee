package workspace

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspace_Files(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	_, err := Open(base, "r1")
	assert.Error(t, err)

	w, err := Create(base, "r1")
	require.NoError(t, err)

	meta := &RunMetadata{RunID: "r1", SpecName: "triage", Seed: 7, Planned: 20, Judges: []string{"a", "b"}, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, w.WriteRunMetadata(meta))

	opened, err := Open(base, "r1")
	require.NoError(t, err)
	got, err := opened.ReadRunMetadata()
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	_, err = w.ReadSummary()
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, w.AppendSession("r1", Session{Status: "interrupted", Succeeded: 7}))
	require.NoError(t, w.AppendSession("r1", Session{Status: "complete", Succeeded: 13}))

	summary, err := w.ReadSummary()
	require.NoError(t, err)
	assert.Equal(t, "r1", summary.RunID)
	require.Len(t, summary.Sessions, 2)
	assert.Equal(t, "complete", summary.Sessions[1].Status)

	require.NoError(t, Remove(base, "r1"))
	require.NoError(t, Remove(base, "r1"))
	_, err = Open(base, "r1")
	assert.Error(t, err)
}
