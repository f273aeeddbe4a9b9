package api

import (
	"net/http"

	"github.com/baysh/bay/internal/apierr"
	"github.com/labstack/echo/v4"
)

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// triggerGC runs a single named GC task on demand, synchronously, for
// operational use outside its normal cron schedule.
func (h *Handler) triggerGC(c echo.Context) error {
	task := c.Param("task")
	ctx := c.Request().Context()

	var n int
	var err error
	switch task {
	case "idle-session-gc":
		n, err = h.gc.RunIdleSessionGC(ctx)
	case "expired-sandbox-gc":
		n, err = h.gc.RunExpiredSandboxGC(ctx)
	case "orphan-cargo-gc":
		n, err = h.gc.RunOrphanCargoGC(ctx)
	case "orphan-container-gc":
		n, err = h.gc.RunOrphanContainerGC(ctx)
	default:
		return writeErr(c, apierr.Newf(apierr.ValidationError, "unknown gc task %q", task))
	}
	if err != nil {
		return writeErr(c, apierr.Wrap(apierr.InternalError, "gc task failed", err))
	}
	return c.JSON(http.StatusOK, map[string]any{"task": task, "affected": n})
}
