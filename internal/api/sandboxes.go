package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/sandbox"
	"github.com/labstack/echo/v4"
)

type createSandboxRequest struct {
	ProfileID string `json:"profile_id"`
	TTLSecs   *int   `json:"ttl_seconds"`
}

type sandboxResponse struct {
	ID               string  `json:"id"`
	ProfileID        string  `json:"profile_id"`
	Status           string  `json:"status"`
	ExpiresAt        *string `json:"expires_at"`
	CreatedAt        string  `json:"created_at"`
	CurrentSessionID *string `json:"current_session_id,omitempty"`
}

func toSandboxResponse(v *sandbox.View) sandboxResponse {
	resp := sandboxResponse{
		ID: v.Sandbox.ID, ProfileID: v.Sandbox.ProfileID, Status: string(v.Status),
		CreatedAt: v.Sandbox.CreatedAt.Format(time.RFC3339), CurrentSessionID: v.Sandbox.CurrentSessionID,
	}
	if v.Sandbox.ExpiresAt != nil {
		s := v.Sandbox.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &s
	}
	return resp
}

func (h *Handler) createSandbox(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeErr(c, apierr.New(apierr.ValidationError, "failed to read request body"))
	}

	var req createSandboxRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return writeErr(c, apierr.New(apierr.ValidationError, "invalid request body"))
		}
	}
	if req.ProfileID == "" {
		return writeErr(c, apierr.New(apierr.ValidationError, "profile_id is required"))
	}

	owner := ownerOf(c)
	return h.withIdempotency(c, "POST /v1/sandboxes", body, func() (int, any, error) {
		var ttl *time.Duration
		if req.TTLSecs != nil {
			d := time.Duration(*req.TTLSecs) * time.Second
			ttl = &d
		}
		sb, err := h.sandboxes.Create(c.Request().Context(), owner, req.ProfileID, ttl)
		if err != nil {
			return 0, nil, err
		}
		view, err := h.sandboxes.Get(c.Request().Context(), owner, sb.ID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, toSandboxResponse(view), nil
	})
}

func (h *Handler) listSandboxes(c echo.Context) error {
	views, err := h.sandboxes.List(c.Request().Context(), ownerOf(c))
	if err != nil {
		return writeErr(c, err)
	}
	out := make([]sandboxResponse, 0, len(views))
	for i := range views {
		out = append(out, toSandboxResponse(&views[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"sandboxes": out})
}

func (h *Handler) getSandbox(c echo.Context) error {
	view, err := h.sandboxes.Get(c.Request().Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, toSandboxResponse(view))
}

func (h *Handler) keepaliveSandbox(c echo.Context) error {
	if err := h.sandboxes.Keepalive(c.Request().Context(), ownerOf(c), c.Param("id")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type extendTTLRequest struct {
	DeltaSeconds int `json:"delta_seconds"`
}

func (h *Handler) extendTTLSandbox(c echo.Context) error {
	var req extendTTLRequest
	if err := c.Bind(&req); err != nil || req.DeltaSeconds <= 0 {
		return writeErr(c, apierr.New(apierr.ValidationError, "delta_seconds must be a positive integer"))
	}
	sb, err := h.sandboxes.ExtendTTL(c.Request().Context(), ownerOf(c), c.Param("id"), time.Duration(req.DeltaSeconds)*time.Second)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"expires_at": sb.ExpiresAt.Format(time.RFC3339), "id": sb.ID})
}

func (h *Handler) stopSandbox(c echo.Context) error {
	if err := h.sandboxes.Stop(c.Request().Context(), ownerOf(c), c.Param("id")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) deleteSandbox(c echo.Context) error {
	if err := h.sandboxes.Delete(c.Request().Context(), ownerOf(c), c.Param("id")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
