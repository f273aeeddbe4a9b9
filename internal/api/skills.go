package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/store"
	"github.com/labstack/echo/v4"
)

type skillCandidateResponse struct {
	ID        string   `json:"id"`
	SkillKey  string   `json:"skill_key"`
	Status    string   `json:"status"`
	Score     *float64 `json:"score,omitempty"`
	Pass      *bool    `json:"pass,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

func toCandidateResponse(c *store.SkillCandidate) skillCandidateResponse {
	return skillCandidateResponse{
		ID: c.ID, SkillKey: c.SkillKey, Status: c.Status, Score: c.Score, Pass: c.Pass,
		CreatedAt: c.CreatedAt.Format(time.RFC3339), UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	}
}

type skillReleaseResponse struct {
	ID          string `json:"id"`
	SkillKey    string `json:"skill_key"`
	Version     int    `json:"version"`
	Stage       string `json:"stage"`
	CandidateID string `json:"candidate_id"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at"`
}

func toReleaseResponse(r *store.SkillRelease) skillReleaseResponse {
	return skillReleaseResponse{
		ID: r.ID, SkillKey: r.SkillKey, Version: r.Version, Stage: r.Stage,
		CandidateID: r.CandidateID, Active: r.Active, CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}

type createCandidateRequest struct {
	SkillKey     string   `json:"skill_key"`
	ExecutionIDs []string `json:"execution_ids"`
}

func (h *Handler) createCandidate(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeErr(c, apierr.New(apierr.ValidationError, "failed to read request body"))
	}
	return h.withIdempotency(c, "POST /v1/skills/candidates", body, func() (int, any, error) {
		var req createCandidateRequest
		if jsonErr := json.Unmarshal(body, &req); jsonErr != nil || req.SkillKey == "" {
			return 0, nil, apierr.New(apierr.ValidationError, "skill_key is required")
		}
		cand, err := h.skills.CreateCandidate(c.Request().Context(), req.SkillKey, req.ExecutionIDs)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, toCandidateResponse(cand), nil
	})
}

func (h *Handler) listCandidates(c echo.Context) error {
	rows, err := h.skills.ListCandidates(c.Request().Context(), c.QueryParam("skill_key"))
	if err != nil {
		return writeErr(c, err)
	}
	out := make([]skillCandidateResponse, 0, len(rows))
	for i := range rows {
		out = append(out, toCandidateResponse(&rows[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"candidates": out})
}

func (h *Handler) getCandidate(c echo.Context) error {
	cand, err := h.skills.GetCandidate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, toCandidateResponse(cand))
}

type evaluateCandidateRequest struct {
	Score float64 `json:"score"`
	Pass  bool    `json:"pass"`
}

func (h *Handler) evaluateCandidate(c echo.Context) error {
	var req evaluateCandidateRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, apierr.New(apierr.ValidationError, "invalid request body"))
	}
	cand, err := h.skills.Evaluate(c.Request().Context(), c.Param("id"), req.Score, req.Pass)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, toCandidateResponse(cand))
}

type promoteCandidateRequest struct {
	Stage string `json:"stage"`
}

func (h *Handler) promoteCandidate(c echo.Context) error {
	var req promoteCandidateRequest
	if err := c.Bind(&req); err != nil || req.Stage == "" {
		return writeErr(c, apierr.New(apierr.ValidationError, "stage is required"))
	}
	release, err := h.skills.Promote(c.Request().Context(), c.Param("id"), req.Stage)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, toReleaseResponse(release))
}

func (h *Handler) listReleases(c echo.Context) error {
	rows, err := h.skills.ListReleases(c.Request().Context(), c.QueryParam("skill_key"))
	if err != nil {
		return writeErr(c, err)
	}
	out := make([]skillReleaseResponse, 0, len(rows))
	for i := range rows {
		out = append(out, toReleaseResponse(&rows[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"releases": out})
}

func (h *Handler) rollbackRelease(c echo.Context) error {
	release, err := h.skills.Rollback(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, toReleaseResponse(release))
}
