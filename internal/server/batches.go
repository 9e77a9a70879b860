package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/govanswers/govanswers/internal/batch"
	"github.com/govanswers/govanswers/internal/store"
)

// BatchesHandler serves batch creation, inspection, slice processing and
// cancellation. All routes require authentication.
type BatchesHandler struct {
	Store        *store.Store
	Sched        *batch.Scheduler
	DefaultSlice time.Duration
}

func (h *BatchesHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.POST("/:id/process", h.process)
	g.POST("/:id/cancel", h.cancel)
}

type createBatchRequest struct {
	Name  string `json:"name"`
	Items []struct {
		Question string          `json:"question"`
		Language string          `json:"language"`
		Source   json.RawMessage `json:"source"`
	} `json:"items"`
}

func (h *BatchesHandler) create(c echo.Context) error {
	var req createBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "items are required")
	}

	items := make([]store.BatchItem, 0, len(req.Items))
	for _, it := range req.Items {
		if it.Question == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "every item needs a question")
		}
		items = append(items, store.BatchItem{
			Question: it.Question,
			Language: it.Language,
			Source:   it.Source,
		})
	}

	id, err := h.Store.CreateBatchRun(c.Request().Context(), userID(c), req.Name, items)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id, "status": store.BatchStatusQueued})
}

func (h *BatchesHandler) get(c echo.Context) error {
	run, ok, err := h.Store.FindBatchRunByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "batch not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":                   run.ID,
		"name":                 run.Name,
		"status":               run.Status,
		"total_items":          run.TotalItems,
		"processed_items":      run.ProcessedItems,
		"failed_items":         run.FailedItems,
		"last_processed_index": run.LastProcessedIndex,
		"created_at":           run.CreatedAt,
		"updated_at":           run.UpdatedAt,
	})
}

type processBatchRequest struct {
	DurationSeconds int  `json:"duration_seconds"`
	ResumeFrom      *int `json:"resume_from"`
}

func (h *BatchesHandler) process(c echo.Context) error {
	var req processBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	duration := h.DefaultSlice
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}
	resumeFrom := batch.ResumeFromCheckpoint
	if req.ResumeFrom != nil {
		resumeFrom = *req.ResumeFrom
	}

	out, err := h.Sched.ProcessForDuration(c.Request().Context(), c.Param("id"), duration, resumeFrom)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "batch not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"processed_count":      out.ProcessedCount,
		"failed_count":         out.FailedCount,
		"status":               out.Status,
		"is_complete":          out.IsComplete,
		"last_processed_index": out.LastProcessedIndex,
	})
}

func (h *BatchesHandler) cancel(c echo.Context) error {
	ctx := c.Request().Context()
	run, ok, err := h.Store.FindBatchRunByID(ctx, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "batch not found")
	}
	switch run.Status {
	case store.BatchStatusQueued, store.BatchStatusProcessing:
	default:
		return echo.NewHTTPError(http.StatusConflict, "batch is already "+run.Status)
	}
	if err := h.Store.SetBatchStatus(ctx, run.ID, store.BatchStatusCancelled); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"id": run.ID, "status": store.BatchStatusCancelled})
}
