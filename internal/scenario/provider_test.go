package scenario

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/mpataki/jury/internal/expand"
	"github.com/mpataki/jury/internal/models"
	"github.com/mpataki/jury/internal/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var twoOptions = []models.OptionDef{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}}

func TestSpecProvider_Template(t *testing.T) {
	t.Parallel()

	p, err := NewSpecProvider(&models.Spec{Scenarios: []models.ScenarioDef{{
		ID:        "ward",
		Template:  "A {{.role}} sees a {{.case}} patient.",
		Options:   twoOptions,
		Variables: map[string][]string{"role": {"doctor"}, "case": {"urgent"}},
	}}})
	require.NoError(t, err)

	out, err := p.Render(context.Background(), "ward", map[string]string{"role": "doctor", "case": "urgent"})
	require.NoError(t, err)
	assert.Equal(t, "A doctor sees a urgent patient.", out.Text)
	assert.Equal(t, twoOptions, out.Options)

	vars, err := p.Variables("ward")
	require.NoError(t, err)
	assert.Len(t, vars, 2)

	_, err = p.Render(context.Background(), "ward", map[string]string{"role": "doctor"})
	assert.Error(t, err, "missing variables fail instead of rendering <no value>")

	_, err = p.Render(context.Background(), "nope", nil)
	assert.Error(t, err)
	_, err = p.Variables("nope")
	assert.Error(t, err)
}

func TestSpecProvider_BadTemplate(t *testing.T) {
	t.Parallel()

	_, err := NewSpecProvider(&models.Spec{Scenarios: []models.ScenarioDef{{ID: "x", Template: "{{.oops", Options: twoOptions}}})
	assert.Error(t, err)
}

func TestSpecProvider_Script(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bridge.lua"), []byte(`
function render(vars)
  return {text = "The bridge is " .. vars.state .. "."}
end
`), 0644))

	p, err := NewSpecProvider(&models.Spec{
		Dir: dir,
		Scenarios: []models.ScenarioDef{
			{ID: "bridge", Script: "bridge.lua", Options: twoOptions},
			{ID: "bare", Script: "bridge.lua"},
		},
	})
	require.NoError(t, err)

	out, err := p.Render(context.Background(), "bridge", map[string]string{"state": "out"})
	require.NoError(t, err)
	assert.Equal(t, "The bridge is out.", out.Text)
	assert.Equal(t, twoOptions, out.Options, "falls back to the declared options")

	_, err = p.Render(context.Background(), "bare", map[string]string{"state": "out"})
	assert.Error(t, err)
}

func TestSpecProvider_ExampleSpec(t *testing.T) {
	t.Parallel()

	loaded, err := spec.Load(filepath.Join("..", "..", "examples", "triage.yaml"))
	require.NoError(t, err)

	total, err := expand.CountPlanned(loaded.Spec, expand.OptionsFor(loaded.Spec))
	require.NoError(t, err)
	assert.Equal(t, (16+4)*3*2, total)

	p, err := NewSpecProvider(loaded.Spec)
	require.NoError(t, err)

	small, err := p.Render(context.Background(), "bridge", map[string]string{"state": "closed", "crowd": "3"})
	require.NoError(t, err)
	assert.Len(t, small.Options, 2)

	big, err := p.Render(context.Background(), "bridge", map[string]string{"state": "collapsing", "crowd": "40"})
	require.NoError(t, err)
	assert.Len(t, big.Options, 3)
	assert.Contains(t, big.Text, "collapsing bridge")

	vent, err := p.Render(context.Background(), "ventilator", map[string]string{
		"role": "nurse", "setting": "rural", "age_a": "34", "age_b": "8",
	})
	require.NoError(t, err)
	assert.Contains(t, vent.Text, "attending nurse in a rural hospital")
}

func TestSpecProvider_ScriptLogsAreForwarded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noisy.lua"), []byte(`
function render(vars)
  log("rendering " .. vars.who)
  return {text = vars.who, options = {{id = "a", text = "A"}, {id = "b", text = "B"}}}
end
`), 0644))

	p, err := NewSpecProvider(&models.Spec{
		Dir:       dir,
		Scenarios: []models.ScenarioDef{{ID: "noisy", Script: "noisy.lua"}},
	})
	require.NoError(t, err)

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	p.log = logrus.NewEntry(logger)

	_, err = p.Render(context.Background(), "noisy", map[string]string{"who": "ann"})
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, "rendering ann", entry.Message)
	assert.Equal(t, "noisy", entry.Data["scenario"])
}
