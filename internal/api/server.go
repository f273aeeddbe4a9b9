// Package api implements Bay's HTTP surface (spec.md §6): the /v1
// resource tree over sandboxes, their capabilities, execution history,
// skills, cargos, and profiles, with bearer auth, idempotency-key
// handling on create endpoints, and the public error taxonomy mapped to
// HTTP status with Retry-After-Ms hints.
package api

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/auth"
	"github.com/baysh/bay/internal/cargo"
	"github.com/baysh/bay/internal/gc"
	"github.com/baysh/bay/internal/history"
	"github.com/baysh/bay/internal/idempotency"
	"github.com/baysh/bay/internal/profile"
	"github.com/baysh/bay/internal/router"
	"github.com/baysh/bay/internal/sandbox"
	"github.com/baysh/bay/internal/skills"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Handler wires every domain manager into the HTTP surface.
type Handler struct {
	sandboxes *sandbox.Manager
	router    *router.Router
	cargos    *cargo.Manager
	profiles  *profile.Registry
	history   *history.Recorder
	skills    *skills.Manager
	idem      *idempotency.Service
	gc        *gc.Coordinator
	auth      auth.Authenticator
}

func NewHandler(
	sandboxes *sandbox.Manager,
	rtr *router.Router,
	cargos *cargo.Manager,
	profiles *profile.Registry,
	hist *history.Recorder,
	skillsMgr *skills.Manager,
	idem *idempotency.Service,
	gcCoord *gc.Coordinator,
	authenticator auth.Authenticator,
) *Handler {
	return &Handler{
		sandboxes: sandboxes, router: rtr, cargos: cargos, profiles: profiles,
		history: hist, skills: skillsMgr, idem: idem, gc: gcCoord, auth: authenticator,
	}
}

// RegisterRoutes mounts the full /v1 tree.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1")
	v1.Use(h.authMiddleware)

	v1.POST("/sandboxes", h.createSandbox)
	v1.GET("/sandboxes", h.listSandboxes)
	v1.GET("/sandboxes/:id", h.getSandbox)
	v1.POST("/sandboxes/:id/keepalive", h.keepaliveSandbox)
	v1.POST("/sandboxes/:id/extend-ttl", h.extendTTLSandbox)
	v1.POST("/sandboxes/:id/stop", h.stopSandbox)
	v1.DELETE("/sandboxes/:id", h.deleteSandbox)

	v1.POST("/sandboxes/:id/python/exec", h.execPython)
	v1.POST("/sandboxes/:id/shell/exec", h.execShell)
	v1.GET("/sandboxes/:id/filesystem/files", h.readFile)
	v1.POST("/sandboxes/:id/filesystem/files", h.writeFile)
	v1.DELETE("/sandboxes/:id/filesystem/files", h.deleteFile)
	v1.GET("/sandboxes/:id/filesystem/directories", h.listFiles)
	v1.POST("/sandboxes/:id/filesystem/upload", h.uploadFile)
	v1.GET("/sandboxes/:id/filesystem/download", h.downloadFile)
	v1.POST("/sandboxes/:id/browser/exec", h.execBrowser)
	v1.POST("/sandboxes/:id/browser/exec_batch", h.execBrowserBatch)
	v1.GET("/sandboxes/:id/browser/exec_batch/stream", h.execBrowserBatchStream)

	v1.GET("/history", h.listHistory)
	v1.GET("/history/last", h.getLastHistory)
	v1.GET("/history/:id", h.getHistory)
	v1.POST("/history/:id/annotate", h.annotateHistory)

	v1.POST("/skills/candidates", h.createCandidate)
	v1.GET("/skills/candidates", h.listCandidates)
	v1.GET("/skills/candidates/:id", h.getCandidate)
	v1.POST("/skills/candidates/:id/evaluate", h.evaluateCandidate)
	v1.POST("/skills/candidates/:id/promote", h.promoteCandidate)
	v1.GET("/skills/releases", h.listReleases)
	v1.POST("/skills/releases/:id/rollback", h.rollbackRelease)

	v1.POST("/cargos", h.createCargo)
	v1.GET("/cargos", h.listCargos)
	v1.GET("/cargos/:id", h.getCargo)
	v1.DELETE("/cargos/:id", h.deleteCargo)

	v1.GET("/profiles", h.listProfiles)

	v1.GET("/admin/health", h.health)
	v1.POST("/admin/gc/:task", h.triggerGC)
}

// authMiddleware resolves the owner for every /v1 request via the
// configured Authenticator and stores it on the echo context.
func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner, err := h.auth.Authenticate(c.Request())
		if err != nil {
			return writeErr(c, err)
		}
		c.Set("owner", owner)
		return next(c)
	}
}

func ownerOf(c echo.Context) string {
	owner, _ := c.Get("owner").(string)
	return owner
}

// writeErr maps err onto the public error taxonomy and an HTTP response,
// setting Retry-After-Ms (and Retry-After, in whole seconds, for
// intermediaries that only understand the standard header) when the
// error carries a retry hint.
func writeErr(c echo.Context, err error) error {
	ae, ok := apierr.As(err)
	if !ok {
		ae = apierr.Internal(err)
		log.Error().Err(err).Msg("api: unclassified error reached the HTTP boundary")
	}
	if ae.RetryAfterMs > 0 {
		c.Response().Header().Set("Retry-After-Ms", strconv.FormatInt(ae.RetryAfterMs, 10))
		c.Response().Header().Set("Retry-After", strconv.FormatInt((ae.RetryAfterMs+999)/1000, 10))
	}
	body := map[string]any{
		"error": map[string]any{
			"code":    ae.Code,
			"message": ae.Message,
		},
	}
	if ae.CorrelationID != "" {
		body["error"].(map[string]any)["correlation_id"] = ae.CorrelationID
	}
	return c.JSON(ae.HTTPStatus(), body)
}

// withIdempotency runs fn, replaying a cached response verbatim when the
// caller supplied a previously-seen Idempotency-Key with a matching
// request body fingerprint (spec.md §4.7).
func (h *Handler) withIdempotency(c echo.Context, scope string, body []byte, fn func() (int, any, error)) error {
	key := c.Request().Header.Get("Idempotency-Key")
	if key == "" {
		status, payload, err := fn()
		if err != nil {
			return writeErr(c, err)
		}
		return c.JSON(status, payload)
	}

	ctx := c.Request().Context()
	owner := ownerOf(c)
	fingerprint := idempotency.Fingerprint(body)

	res, err := h.idem.Begin(ctx, owner, key, scope, fingerprint)
	if err != nil {
		return writeErr(c, err)
	}
	if res.Outcome == idempotency.Cached {
		return c.Blob(res.CachedStatus, echo.MIMEApplicationJSON, res.CachedBody)
	}

	status, payload, err := fn()
	if err != nil {
		if abErr := h.idem.Abandon(ctx, res.Record.ID); abErr != nil {
			log.Warn().Err(abErr).Msg("api: failed to abandon idempotency record after handler error")
		}
		return writeErr(c, err)
	}

	respBody, merr := json.Marshal(payload)
	if merr != nil {
		return writeErr(c, apierr.Wrap(apierr.InternalError, "failed to encode response", merr))
	}
	if cErr := h.idem.Complete(ctx, res.Record.ID, status, respBody); cErr != nil {
		log.Warn().Err(cErr).Msg("api: failed to persist idempotency completion")
	}
	return c.Blob(status, echo.MIMEApplicationJSON, respBody)
}

// validatePath rejects absolute paths and ".." segments before the
// request ever reaches the runtime adapter, per spec.md §9 "Filesystem
// path starting with / or containing .. segments: invalid_path" — this
// is defense in depth; the runtime enforces the same rule again.
func validatePath(path string) error {
	if path == "" {
		return apierr.New(apierr.InvalidPath, "path must not be empty")
	}
	if strings.HasPrefix(path, "/") {
		return apierr.New(apierr.InvalidPath, "path must be relative to the sandbox workspace")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return apierr.New(apierr.InvalidPath, "path must not contain .. segments")
		}
	}
	return nil
}

func boolParam(c echo.Context, name string) *bool {
	v := c.QueryParam(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}
