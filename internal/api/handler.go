package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mpataki/jury/internal/models"
	"github.com/mpataki/jury/internal/storage"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type Handler struct {
	reader Reader
}

func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.reader.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ListRuns(c *gin.Context) {
	var q struct {
		Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}

	runs, err := h.reader.ListRuns(c.Request.Context(), q.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handler) GetRun(c *gin.Context) {
	id := c.Param("id")

	run, err := h.reader.GetRun(c.Request.Context(), id)
	if err != nil {
		writeLookupError(c, err)
		return
	}

	counts, err := h.reader.CountsByJudge(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if counts == nil {
		counts = []storage.JudgeCounts{}
	}

	c.JSON(http.StatusOK, gin.H{
		"run":       run,
		"remaining": run.Remaining(),
		"judges":    counts,
	})
}

func (h *Handler) ListOutcomes(c *gin.Context) {
	var q struct {
		Judge    string `form:"judge"`
		Scenario string `form:"scenario"`
		Mode     string `form:"mode" binding:"omitempty,oneof=deliberative executive"`
		Kind     string `form:"kind" binding:"omitempty,oneof=decision failure"`
		Limit    int    `form:"limit" binding:"omitempty,min=1,max=1000"`
		Offset   int    `form:"offset" binding:"omitempty,min=0"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}

	id := c.Param("id")
	if _, err := h.reader.GetRun(c.Request.Context(), id); err != nil {
		writeLookupError(c, err)
		return
	}

	outcomes, err := h.reader.ListOutcomes(c.Request.Context(), storage.OutcomeFilter{
		RunID:      id,
		JudgeID:    q.Judge,
		ScenarioID: q.Scenario,
		Mode:       models.Mode(q.Mode),
		Kind:       models.OutcomeKind(q.Kind),
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if outcomes == nil {
		outcomes = []*models.Outcome{}
	}

	c.JSON(http.StatusOK, gin.H{
		"outcomes": outcomes,
		"limit":    q.Limit,
		"offset":   q.Offset,
	})
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
