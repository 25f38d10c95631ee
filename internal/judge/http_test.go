package judge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mpataki/jury/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wardOptions = []models.OptionDef{
	{ID: "treat", Text: "Treat now"},
	{ID: "wait", Text: "Wait"},
}

func newJudge(t *testing.T, handler http.HandlerFunc) *HTTPJudge {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPJudge(models.JudgeDef{ID: "alpha", Model: "gpt-4o-mini"}, srv.URL, "sk-test", 5*time.Second)
}

func contentReply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"model": "gpt-4o-mini-2024",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52},
	})
}

func TestDecide_Deliberative(t *testing.T) {
	t.Parallel()

	var got chatRequest
	j := newJudge(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		contentReply(w, `{"choice":"treat","confidence":1.4,"difficulty":0,"rationale":" urgent "}`)
	})

	d, err := j.Decide(context.Background(), Request{ScenarioID: "ward", Text: "A patient arrives.", Mode: models.ModeDeliberative, Options: wardOptions})
	require.NoError(t, err)

	assert.Equal(t, "treat", d.ChoiceID)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, 1, d.Difficulty)
	assert.Equal(t, "urgent", d.Rationale)
	assert.Equal(t, "gpt-4o-mini-2024", d.Model)
	require.NotNil(t, d.Usage)
	assert.Equal(t, 52, d.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.NotNil(t, got.ResponseFormat)
	assert.Empty(t, got.Tools)
	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[1].Content, "- wait: Wait")
}

func TestDecide_ExecutiveUsesTool(t *testing.T) {
	t.Parallel()

	var got map[string]any
	j := newJudge(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"tool_calls": []map[string]any{{
						"type": "function",
						"function": map[string]any{
							"name":      chooseTool,
							"arguments": `{"choice":"wait","confidence":0.4,"difficulty":7,"rationale":"stable"}`,
						},
					}},
				},
			}},
		})
	})

	d, err := j.Decide(context.Background(), Request{Text: "x", Mode: models.ModeExecutive, Options: wardOptions})
	require.NoError(t, err)
	assert.Equal(t, "wait", d.ChoiceID)
	assert.Equal(t, 7, d.Difficulty)
	assert.Equal(t, "gpt-4o-mini", d.Model)

	assert.Equal(t, "required", got["tool_choice"])
	assert.Nil(t, got["response_format"])
}

func TestDecide_Classification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		header map[string]string
		class  models.ErrorClass
	}{
		{name: "rate limited", status: 429, body: "slow down", header: map[string]string{"Retry-After": "3"}, class: models.ErrorClassTransient},
		{name: "request timeout", status: 408, class: models.ErrorClassTransient},
		{name: "server error", status: 503, class: models.ErrorClassTransient},
		{name: "bad request", status: 400, body: "bad", class: models.ErrorClassPermanent},
		{name: "unauthorized", status: 401, class: models.ErrorClassPermanent},
		{name: "garbage body", status: 200, body: "not json", class: models.ErrorClassTransient},
		{name: "unknown option", status: 200, body: `{"model":"m","choices":[{"message":{"content":"{\"choice\":\"flee\"}"}}]}`, class: models.ErrorClassPermanent},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			j := newJudge(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})

			_, err := j.Decide(context.Background(), Request{Text: "x", Mode: models.ModeDeliberative, Options: wardOptions})
			require.Error(t, err)
			assert.Equal(t, tc.class, ClassOf(err))
		})
	}
}

func TestDecide_RetryAfterHint(t *testing.T) {
	t.Parallel()

	j := newJudge(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := j.Decide(context.Background(), Request{Text: "x", Mode: models.ModeDeliberative, Options: wardOptions})
	var je *Error
	require.True(t, errors.As(err, &je))
	assert.Equal(t, 429, je.StatusCode)
	assert.Equal(t, 7*time.Second, RetryAfterOf(err))
}

func TestDecide_NetworkFailureIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	j := NewHTTPJudge(models.JudgeDef{ID: "alpha", Model: "m"}, url, "", time.Second)
	_, err := j.Decide(context.Background(), Request{Text: "x", Mode: models.ModeExecutive, Options: wardOptions})
	assert.Equal(t, models.ErrorClassTransient, ClassOf(err))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
}

func TestStripCodeFence(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}
