package api

import (
	"net/http"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/history"
	"github.com/baysh/bay/internal/store"
	"github.com/labstack/echo/v4"
)

type executionRecordResponse struct {
	ID          string   `json:"id"`
	SandboxID   string   `json:"sandbox_id"`
	Type        string   `json:"type"`
	Input       string   `json:"input"`
	Output      string   `json:"output"`
	Stdout      string   `json:"stdout"`
	Stderr      string   `json:"stderr"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	Success     bool     `json:"success"`
	DurationMs  int64    `json:"duration_ms"`
	StartedAt   string   `json:"started_at"`
	Description string   `json:"description,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

func toExecutionRecordResponse(r *store.ExecutionRecord) executionRecordResponse {
	return executionRecordResponse{
		ID: r.ID, SandboxID: r.SandboxID, Type: r.Type, Input: r.Input, Output: r.Output,
		Stdout: r.Stdout, Stderr: r.Stderr, ExitCode: r.ExitCode, Success: r.Success,
		DurationMs: r.DurationMs, StartedAt: r.StartedAt.Format(time.RFC3339),
		Description: r.Description, Notes: r.Notes,
	}
}

func (h *Handler) listHistory(c echo.Context) error {
	filter := history.Filter{
		SandboxID: c.QueryParam("sandbox_id"),
		Type:      c.QueryParam("type"),
		Success:   boolParam(c, "success"),
		Tag:       c.QueryParam("tag"),
	}
	rows, err := h.history.List(c.Request().Context(), filter)
	if err != nil {
		return writeErr(c, err)
	}
	out := make([]executionRecordResponse, 0, len(rows))
	for i := range rows {
		out = append(out, toExecutionRecordResponse(&rows[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"history": out})
}

func (h *Handler) getLastHistory(c echo.Context) error {
	sandboxID := c.QueryParam("sandbox_id")
	if sandboxID == "" {
		return writeErr(c, apierr.New(apierr.ValidationError, "sandbox_id query parameter is required"))
	}
	rec, err := h.history.GetLast(c.Request().Context(), sandboxID)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, toExecutionRecordResponse(rec))
}

func (h *Handler) getHistory(c echo.Context) error {
	rec, err := h.history.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, toExecutionRecordResponse(rec))
}

type annotateHistoryRequest struct {
	Description *string  `json:"description"`
	Notes       *string  `json:"notes"`
	Tags        []string `json:"tags"`
}

func (h *Handler) annotateHistory(c echo.Context) error {
	var req annotateHistoryRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, apierr.New(apierr.ValidationError, "invalid request body"))
	}
	err := h.history.Annotate(c.Request().Context(), c.Param("id"), history.Annotation{
		Description: req.Description, Notes: req.Notes, Tags: req.Tags,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
