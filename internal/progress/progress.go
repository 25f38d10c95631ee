// Package progress tracks how far a run has come and how long it has left.
package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Snapshot is a point-in-time view of a run. Planned counts every
// configuration including those skipped as already done.
type Snapshot struct {
	RunID     string
	Planned   int
	Skipped   int
	Succeeded int
	Failed    int
	InFlight  int
	Retries   int
	At        time.Time
}

// Resolved counts configurations with an outcome, including earlier sessions.
func (s Snapshot) Resolved() int {
	return s.Skipped + s.Succeeded + s.Failed
}

func (s Snapshot) Remaining() int {
	if n := s.Planned - s.Resolved(); n > 0 {
		return n
	}
	return 0
}

func (s Snapshot) Fraction() float64 {
	if s.Planned == 0 {
		return 1
	}
	return float64(s.Resolved()) / float64(s.Planned)
}

const DefaultWindow = 20

// Reporter keeps a sliding window of snapshots to estimate throughput.
type Reporter struct {
	mu     sync.Mutex
	window []Snapshot
	size   int
	last   Snapshot
}

func NewReporter(window int) *Reporter {
	if window < 2 {
		window = DefaultWindow
	}
	return &Reporter{size: window}
}

// Observe records a snapshot. Snapshots from this session only count toward
// throughput; skipped work was done earlier.
func (r *Reporter) Observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.At.IsZero() {
		s.At = time.Now()
	}
	r.window = append(r.window, s)
	if len(r.window) > r.size {
		r.window = r.window[len(r.window)-r.size:]
	}
	r.last = s
}

func (r *Reporter) Last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Rate is outcomes per second across the window; zero until two snapshots
// with progress between them exist.
func (r *Reporter) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rateLocked()
}

func (r *Reporter) rateLocked() float64 {
	if len(r.window) < 2 {
		return 0
	}
	first, last := r.window[0], r.window[len(r.window)-1]
	elapsed := last.At.Sub(first.At).Seconds()
	done := (last.Succeeded + last.Failed) - (first.Succeeded + first.Failed)
	if elapsed <= 0 || done <= 0 {
		return 0
	}
	return float64(done) / elapsed
}

// ETA is the estimated time to finish, or zero when unknown.
func (r *Reporter) ETA() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	rate := r.rateLocked()
	if rate == 0 {
		return 0
	}
	return time.Duration(float64(r.last.Remaining()) / rate * float64(time.Second))
}

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	valueStyle = lipgloss.NewStyle().Bold(true)
)

// Render formats the latest snapshot as one status line.
func (r *Reporter) Render() string {
	s := r.Last()
	eta := r.ETA()

	parts := []string{
		valueStyle.Render(fmt.Sprintf("%s/%s", humanize.Comma(int64(s.Resolved())), humanize.Comma(int64(s.Planned)))),
		labelStyle.Render(fmt.Sprintf("(%.1f%%)", s.Fraction()*100)),
		okStyle.Render(humanize.Comma(int64(s.Succeeded)) + " ok"),
		failStyle.Render(humanize.Comma(int64(s.Failed)) + " failed"),
		labelStyle.Render(humanize.Comma(int64(s.Skipped)) + " skipped"),
		labelStyle.Render(fmt.Sprintf("%d in flight", s.InFlight)),
	}
	if s.Retries > 0 {
		parts = append(parts, labelStyle.Render(humanize.Comma(int64(s.Retries))+" retries"))
	}
	if eta > 0 {
		parts = append(parts, labelStyle.Render("eta "+FormatETA(eta, s.At)))
	}
	return strings.Join(parts, "  ")
}

// Log writes the latest snapshot as structured fields.
func (r *Reporter) Log(log *logrus.Entry) {
	s := r.Last()
	fields := logrus.Fields{
		"run_id":    s.RunID,
		"planned":   s.Planned,
		"resolved":  s.Resolved(),
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
		"skipped":   s.Skipped,
		"in_flight": s.InFlight,
		"retries":   s.Retries,
	}
	if rate := r.Rate(); rate > 0 {
		fields["rate_per_min"] = fmt.Sprintf("%.1f", rate*60)
	}
	if eta := r.ETA(); eta > 0 {
		fields["eta"] = eta.Round(time.Second).String()
	}
	log.WithFields(fields).Info("Progress")
}

// FormatETA renders a duration like "3 hours from now".
func FormatETA(d time.Duration, now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	return humanize.RelTime(now.Add(d), now, "ago", "from now")
}
