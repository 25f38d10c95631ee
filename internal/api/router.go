// Package api serves recorded runs and outcomes over HTTP, read-only.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mpataki/jury/internal/models"
	"github.com/mpataki/jury/internal/storage"
)

// Reader is the query surface the API exposes. *storage.Storage implements it.
type Reader interface {
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListOutcomes(ctx context.Context, f storage.OutcomeFilter) ([]*models.Outcome, error)
	CountsByJudge(ctx context.Context, runID string) ([]storage.JudgeCounts, error)
	Ping(ctx context.Context) error
}

func SetupRouter(reader Reader, log *logrus.Entry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	h := NewHandler(reader)

	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	{
		runs := api.Group("/runs")
		{
			runs.GET("", h.ListRuns)
			runs.GET("/:id", h.GetRun)
			runs.GET("/:id/outcomes", h.ListOutcomes)
		}
	}

	return r
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Microsecond).String(),
		}).Debug("Request served")
	}
}
