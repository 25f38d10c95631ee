package judge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mpataki/jury/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRegistry(t *testing.T) {
	t.Parallel()

	defs := []models.JudgeDef{
		{ID: "offline", Provider: "static"},
		{ID: "alpha", Provider: "openai", Model: "gpt-4o-mini", APIKeyEnv: "ALPHA_KEY"},
	}
	var asked []string
	creds := func(def models.JudgeDef) (string, string) {
		asked = append(asked, def.ID)
		return "https://example.invalid/v1", "k"
	}

	reg, err := BuildRegistry(defs, creds, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "offline"}, reg.IDs())
	assert.Equal(t, []string{"alpha"}, asked)

	a, err := reg.Get("alpha")
	require.NoError(t, err)
	assert.IsType(t, &HTTPJudge{}, a)

	_, err = reg.Get("missing")
	assert.Error(t, err)

	_, err = BuildRegistry([]models.JudgeDef{{ID: "x", Provider: "carrier-pigeon"}}, creds, time.Second)
	assert.Error(t, err)

	_, err = BuildRegistry([]models.JudgeDef{{ID: "x", Provider: "openai", Model: "m"}},
		func(models.JudgeDef) (string, string) { return "", "" }, time.Second)
	assert.Error(t, err)
}

func TestStatic_Deterministic(t *testing.T) {
	t.Parallel()

	s := NewStatic("offline")
	req := Request{Text: "A patient arrives.", Mode: models.ModeExecutive, Options: []models.OptionDef{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}}}

	first, err := s.Decide(context.Background(), req)
	require.NoError(t, err)
	second, err := s.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, validChoice(req.Options, first.ChoiceID))
	assert.GreaterOrEqual(t, first.Difficulty, 1)
	assert.LessOrEqual(t, first.Difficulty, 10)

	_, err = s.Decide(context.Background(), Request{Text: "x", Mode: models.ModeExecutive})
	assert.Equal(t, models.ErrorClassPermanent, ClassOf(err))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, models.ErrorClass(""), ClassOf(nil))
	assert.Equal(t, models.ErrorClassTransient, ClassOf(fmt.Errorf("wrapped: %w", Transient(errors.New("x")))))
	assert.Equal(t, models.ErrorClassPermanent, ClassOf(Permanent(errors.New("x"))))
	assert.Equal(t, models.ErrorClassTransient, ClassOf(context.DeadlineExceeded))
	assert.Equal(t, models.ErrorClassTransient, ClassOf(timeoutErr{}))
	assert.Equal(t, models.ErrorClassPermanent, ClassOf(errors.New("mystery")))
	assert.Zero(t, RetryAfterOf(errors.New("mystery")))
}
