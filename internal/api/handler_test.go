package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/jury/internal/logging"
	"github.com/mpataki/jury/internal/models"
	"github.com/mpataki/jury/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func seededRouter(t *testing.T) *gin.Engine {
	t.Helper()
	ctx := context.Background()

	store, err := storage.New(filepath.Join(t.TempDir(), "jury.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateRun(ctx, &models.Run{ID: "r1", SpecPath: "/s.yaml", SpecHash: "h", TotalPlanned: 4}))

	record := func(judge string, mode models.Mode, failed bool) {
		o := &models.Outcome{
			RunID:    "r1",
			Attempts: 1,
			Config:   models.Configuration{JudgeID: judge, ScenarioID: "ward", VariationKey: "k", Mode: mode},
		}
		if failed {
			o.Failure = &models.FailureRecord{Class: models.ErrorClassPermanent, Message: "refused", Attempts: 1}
		} else {
			o.Decision = &models.Decision{ChoiceID: "treat", Confidence: 0.7, Difficulty: 4}
		}
		_, err := store.Record(ctx, o)
		require.NoError(t, err)
	}
	record("alpha", models.ModeDeliberative, false)
	record("alpha", models.ModeExecutive, false)
	record("beta", models.ModeExecutive, true)

	return SetupRouter(store, logging.Discard())
}

func get(t *testing.T, r http.Handler, path string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func TestRuns(t *testing.T) {
	t.Parallel()
	r := seededRouter(t)

	w, body := get(t, r, "/api/runs")
	assert.Equal(t, http.StatusOK, w.Code)
	var runs []models.Run
	require.NoError(t, json.Unmarshal(body["runs"], &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Completed)
	assert.Equal(t, 1, runs[0].Failed)

	w, body = get(t, r, "/api/runs/r1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `1`, string(body["remaining"]))
	var counts []storage.JudgeCounts
	require.NoError(t, json.Unmarshal(body["judges"], &counts))
	assert.Equal(t, []storage.JudgeCounts{{JudgeID: "alpha", Succeeded: 2}, {JudgeID: "beta", Failed: 1}}, counts)

	w, _ = get(t, r, "/api/runs/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = get(t, r, "/api/runs?limit=0x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOutcomes(t *testing.T) {
	t.Parallel()
	r := seededRouter(t)

	w, body := get(t, r, "/api/runs/r1/outcomes?judge=alpha")
	assert.Equal(t, http.StatusOK, w.Code)
	var outcomes []models.Outcome
	require.NoError(t, json.Unmarshal(body["outcomes"], &outcomes))
	assert.Len(t, outcomes, 2)

	_, body = get(t, r, "/api/runs/r1/outcomes?kind=failure")
	var failures []models.Outcome
	require.NoError(t, json.Unmarshal(body["outcomes"], &failures))
	require.Len(t, failures, 1)
	assert.Equal(t, "refused", failures[0].Failure.Message)
	assert.Nil(t, failures[0].Decision)

	_, body = get(t, r, "/api/runs/r1/outcomes?mode=executive&limit=1&offset=1")
	var page []models.Outcome
	require.NoError(t, json.Unmarshal(body["outcomes"], &page))
	assert.Len(t, page, 1)

	w, _ = get(t, r, "/api/runs/r1/outcomes?mode=reflective")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = get(t, r, "/api/runs/missing/outcomes")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	r := seededRouter(t)

	w, body := get(t, r, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"ok"`, string(body["status"]))
}
