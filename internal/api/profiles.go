package api

import (
	"net/http"

	"github.com/baysh/bay/internal/profile"
	"github.com/labstack/echo/v4"
)

type containerTemplateResponse struct {
	Name         string   `json:"name"`
	Image        string   `json:"image"`
	Role         string   `json:"role"`
	RuntimeKind  string   `json:"runtime_kind"`
	Capabilities []string `json:"capabilities"`
}

type profileResponse struct {
	ID                    string                      `json:"id"`
	Containers            []containerTemplateResponse `json:"containers"`
	IdleTimeoutDefaultSecs int                        `json:"idle_timeout_default_seconds"`
}

func toProfileResponse(p *profile.Profile) profileResponse {
	containers := make([]containerTemplateResponse, 0, len(p.Containers))
	for _, ct := range p.Containers {
		caps := make([]string, 0, len(ct.Capabilities))
		for _, cap := range ct.Capabilities {
			caps = append(caps, string(cap))
		}
		containers = append(containers, containerTemplateResponse{
			Name: ct.Name, Image: ct.Image, Role: ct.Role, RuntimeKind: ct.RuntimeKind, Capabilities: caps,
		})
	}
	return profileResponse{
		ID: p.ID, Containers: containers, IdleTimeoutDefaultSecs: int(p.IdleTimeoutDefault.Seconds()),
	}
}

func (h *Handler) listProfiles(c echo.Context) error {
	profiles := h.profiles.List()
	out := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, toProfileResponse(p))
	}
	return c.JSON(http.StatusOK, map[string]any{"profiles": out})
}
