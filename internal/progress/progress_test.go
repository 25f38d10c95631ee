package progress

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Counts(t *testing.T) {
	t.Parallel()

	s := Snapshot{Planned: 20, Skipped: 7, Succeeded: 10, Failed: 1}
	assert.Equal(t, 18, s.Resolved())
	assert.Equal(t, 2, s.Remaining())
	assert.InDelta(t, 0.9, s.Fraction(), 1e-9)

	assert.Equal(t, 1.0, Snapshot{}.Fraction())
	assert.Equal(t, 0, Snapshot{Planned: 1, Skipped: 3}.Remaining())
}

func TestReporter_RateAndETA(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	r := NewReporter(3)
	assert.Zero(t, r.ETA())

	r.Observe(Snapshot{Planned: 110, Skipped: 10, At: start})
	r.Observe(Snapshot{Planned: 110, Skipped: 10, Succeeded: 10, At: start.Add(10 * time.Second)})
	assert.InDelta(t, 1.0, r.Rate(), 1e-9)
	assert.Equal(t, 90*time.Second, r.ETA())

	// The window slides: the first snapshot drops out.
	r.Observe(Snapshot{Planned: 110, Skipped: 10, Succeeded: 18, Failed: 2, At: start.Add(20 * time.Second)})
	r.Observe(Snapshot{Planned: 110, Skipped: 10, Succeeded: 28, Failed: 2, At: start.Add(30 * time.Second)})
	assert.InDelta(t, 1.0, r.Rate(), 1e-9)
	assert.Equal(t, 70*time.Second, r.ETA())
}

func TestReporter_RenderAndLog(t *testing.T) {
	t.Parallel()

	r := NewReporter(0)
	now := time.Now()
	r.Observe(Snapshot{RunID: "r1", Planned: 2000, At: now})
	r.Observe(Snapshot{RunID: "r1", Planned: 2000, Succeeded: 1200, Failed: 3, Retries: 4, InFlight: 8, At: now.Add(time.Minute)})

	line := r.Render()
	assert.Contains(t, line, "1,203/2,000")
	assert.Contains(t, line, "3 failed")
	assert.Contains(t, line, "4 retries")
	assert.Contains(t, line, "eta")

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	r.Log(logrus.NewEntry(l))
	require.NotEmpty(t, buf.String())
	assert.Contains(t, buf.String(), `"resolved":1203`)
	assert.Contains(t, buf.String(), `"run_id":"r1"`)
}

func TestFormatETA(t *testing.T) {
	t.Parallel()

	now := time.Now()
	assert.Equal(t, "2 hours from now", FormatETA(2*time.Hour, now))
}
