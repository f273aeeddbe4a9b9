package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/baysh/bay/internal/router"
	"github.com/baysh/bay/internal/runtime"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // direct SDK/CLI connections carry no Origin header
		}
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "https://localhost")
	},
}

// execBrowserBatchStream upgrades to a websocket and pushes one JSON
// browserStepResponse message per command as it completes, letting a
// caller watch a long batch's progress live instead of waiting for the
// aggregate result (spec.md's capability-agnostic streaming upgrade of
// the original interactive REPL bridge).
func (h *Handler) execBrowserBatchStream(c echo.Context) error {
	var req execBrowserBatchRequest
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.ReadJSON(&req); err != nil || len(req.Commands) == 0 {
		_ = ws.WriteJSON(map[string]string{"error": "expected a JSON message with a non-empty commands array"})
		return nil
	}
	timeout := timeoutOrDefault(req.OverallTimeoutSeconds)
	owner := ownerOf(c)
	sandboxID := c.Param("id")

	for _, cmd := range req.Commands {
		var step *runtime.BrowserStepResult
		_, err := h.router.Call(c.Request().Context(), owner, sandboxID, runtime.CapExecBrowser, "exec-browser", cmd,
			func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
				res, err := adapter.ExecBrowser(ctx, cmd, timeout)
				if err != nil {
					return nil, err
				}
				step = res
				return &router.Outcome{Success: res.Success, Output: res.Output, DurationMs: res.DurationMs}, nil
			})
		if err != nil {
			if fatal, _ := writeErrJSON(ws, err); fatal {
				return nil
			}
			continue
		}
		if werr := ws.WriteJSON(browserStepResponse{
			Command: step.Command, Success: step.Success, Output: step.Output, Error: step.Error, DurationMs: step.DurationMs,
		}); werr != nil {
			log.Warn().Err(werr).Msg("api: failed to write batch-stream step")
			return nil
		}
		if !step.Success && req.StopOnError {
			break
		}
	}
	return nil
}

func writeErrJSON(ws *websocket.Conn, err error) (fatal bool, werr error) {
	payload, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return true, merr
	}
	if werr := ws.WriteMessage(websocket.TextMessage, payload); werr != nil {
		return true, werr
	}
	return false, nil
}
