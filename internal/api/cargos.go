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

type cargoResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	MountPath string `json:"mount_path"`
	CreatedAt string `json:"created_at"`
}

func toCargoResponse(c *store.Cargo) cargoResponse {
	return cargoResponse{ID: c.ID, Kind: c.Kind, MountPath: c.MountPath, CreatedAt: c.CreatedAt.Format(time.RFC3339)}
}

type createCargoRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createCargo(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeErr(c, apierr.New(apierr.ValidationError, "failed to read request body"))
	}
	owner := ownerOf(c)
	return h.withIdempotency(c, "POST /v1/cargos", body, func() (int, any, error) {
		var req createCargoRequest
		if jsonErr := json.Unmarshal(body, &req); jsonErr != nil || req.Name == "" {
			return 0, nil, apierr.New(apierr.ValidationError, "name is required")
		}
		cg, err := h.cargos.CreateExternal(c.Request().Context(), owner, req.Name)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, toCargoResponse(cg), nil
	})
}

func (h *Handler) listCargos(c echo.Context) error {
	rows, err := h.cargos.List(c.Request().Context(), ownerOf(c))
	if err != nil {
		return writeErr(c, err)
	}
	out := make([]cargoResponse, 0, len(rows))
	for i := range rows {
		out = append(out, toCargoResponse(&rows[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"cargos": out})
}

func (h *Handler) getCargo(c echo.Context) error {
	cg, err := h.cargos.Get(c.Request().Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, toCargoResponse(cg))
}

func (h *Handler) deleteCargo(c echo.Context) error {
	if err := h.cargos.Delete(c.Request().Context(), ownerOf(c), c.Param("id")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
