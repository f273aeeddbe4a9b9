package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/router"
	"github.com/baysh/bay/internal/runtime"
	"github.com/labstack/echo/v4"
)

const defaultCapTimeout = 30 * time.Second

type execCodeRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type execShellRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type execResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
}

func timeoutOrDefault(secs int) time.Duration {
	if secs <= 0 {
		return defaultCapTimeout
	}
	return time.Duration(secs) * time.Second
}

func (h *Handler) execPython(c echo.Context) error {
	var req execCodeRequest
	if err := c.Bind(&req); err != nil || req.Code == "" {
		return writeErr(c, apierr.New(apierr.ValidationError, "code is required"))
	}
	timeout := timeoutOrDefault(req.TimeoutSeconds)

	outcome, err := h.router.Call(c.Request().Context(), ownerOf(c), c.Param("id"), runtime.CapExecPython, "exec-python", req.Code,
		func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
			res, err := adapter.ExecPython(ctx, req.Code, timeout)
			if err != nil {
				return nil, err
			}
			return execResultToOutcome(res), nil
		})
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, outcomeToExecResponse(outcome))
}

func (h *Handler) execShell(c echo.Context) error {
	var req execShellRequest
	if err := c.Bind(&req); err != nil || req.Command == "" {
		return writeErr(c, apierr.New(apierr.ValidationError, "command is required"))
	}
	timeout := timeoutOrDefault(req.TimeoutSeconds)

	outcome, err := h.router.Call(c.Request().Context(), ownerOf(c), c.Param("id"), runtime.CapExecShell, "exec-shell", req.Command,
		func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
			res, err := adapter.ExecShell(ctx, req.Command, timeout)
			if err != nil {
				return nil, err
			}
			return execResultToOutcome(res), nil
		})
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, outcomeToExecResponse(outcome))
}

func execResultToOutcome(res *runtime.ExecResult) *router.Outcome {
	exitCode := res.ExitCode
	return &router.Outcome{
		Success: res.Success, Stdout: res.Stdout, Stderr: res.Stderr,
		ExitCode: &exitCode, DurationMs: res.DurationMs,
	}
}

func outcomeToExecResponse(o *router.Outcome) execResponse {
	resp := execResponse{Stdout: o.Stdout, Stderr: o.Stderr, Success: o.Success, DurationMs: o.DurationMs}
	if o.ExitCode != nil {
		resp.ExitCode = *o.ExitCode
	}
	return resp
}

func (h *Handler) readFile(c echo.Context) error {
	path := c.QueryParam("path")
	if err := validatePath(path); err != nil {
		return writeErr(c, err)
	}
	var content []byte
	_, err := h.router.Call(c.Request().Context(), ownerOf(c), c.Param("id"), runtime.CapFSRead, "", "",
		func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
			data, err := adapter.FSRead(ctx, path)
			if err != nil {
				return nil, err
			}
			content = data
			return &router.Outcome{Success: true}, nil
		})
	if err != nil {
		return writeErr(c, err)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", content)
}

func (h *Handler) writeFile(c echo.Context) error {
	path := c.QueryParam("path")
	if err := validatePath(path); err != nil {
		return writeErr(c, err)
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeErr(c, apierr.New(apierr.ValidationError, "failed to read request body"))
	}
	_, err = h.router.Call(c.Request().Context(), ownerOf(c), c.Param("id"), runtime.CapFSWrite, "", "",
		func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
			if err := adapter.FSWrite(ctx, path, data); err != nil {
				return nil, err
			}
			return &router.Outcome{Success: true}, nil
		})
	if err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) deleteFile(c echo.Context) error {
	path := c.QueryParam("path")
	if err := validatePath(path); err != nil {
		return writeErr(c, err)
	}
	_, err := h.router.Call(c.Request().Context(), ownerOf(c), c.Param("id"), runtime.CapFSDelete, "", "",
		func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
			if err := adapter.FSDelete(ctx, path); err != nil {
				return nil, err
			}
			return &router.Outcome{Success: true}, nil
		})
	if err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type fileEntryResponse struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	Mode         int64  `json:"mode"`
	IsDir        bool   `json:"is_dir"`
	LastModified string `json:"last_modified"`
}

func (h *Handler) listFiles(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		path = "."
	}
	if err := validatePath(path); err != nil {
		return writeErr(c, err)
	}
	var entries []runtime.FileEntry
	_, err := h.router.Call(c.Request().Context(), ownerOf(c), c.Param("id"), runtime.CapFSList, "", "",
		func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
			rows, err := adapter.FSList(ctx, path)
			if err != nil {
				return nil, err
			}
			entries = rows
			return &router.Outcome{Success: true}, nil
		})
	if err != nil {
		return writeErr(c, err)
	}
	out := make([]fileEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, fileEntryResponse{
			Name: e.Name, Path: e.Path, Size: e.Size, Mode: e.Mode, IsDir: e.IsDir,
			LastModified: e.LastModified.Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"files": out})
}

func (h *Handler) uploadFile(c echo.Context) error {
	path := c.FormValue("path")
	if err := validatePath(path); err != nil {
		return writeErr(c, err)
	}
	file, err := c.FormFile("file")
	if err != nil {
		return writeErr(c, apierr.New(apierr.ValidationError, "multipart field \"file\" is required"))
	}
	src, err := file.Open()
	if err != nil {
		return writeErr(c, apierr.Wrap(apierr.InternalError, "failed to open uploaded file", err))
	}
	defer src.Close()

	_, err = h.router.Call(c.Request().Context(), ownerOf(c), c.Param("id"), runtime.CapFSUpload, "", "",
		func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
			if err := adapter.FSUpload(ctx, path, src); err != nil {
				return nil, err
			}
			return &router.Outcome{Success: true}, nil
		})
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"path": path})
}

func (h *Handler) downloadFile(c echo.Context) error {
	path := c.QueryParam("path")
	if err := validatePath(path); err != nil {
		return writeErr(c, err)
	}
	var rc io.ReadCloser
	_, err := h.router.Call(c.Request().Context(), ownerOf(c), c.Param("id"), runtime.CapFSDownload, "", "",
		func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
			r, err := adapter.FSDownload(ctx, path)
			if err != nil {
				return nil, err
			}
			rc = r
			return &router.Outcome{Success: true}, nil
		})
	if err != nil {
		return writeErr(c, err)
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, "application/octet-stream", rc)
}

type execBrowserRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type browserStepResponse struct {
	Command    string `json:"command"`
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func (h *Handler) execBrowser(c echo.Context) error {
	var req execBrowserRequest
	if err := c.Bind(&req); err != nil || req.Command == "" {
		return writeErr(c, apierr.New(apierr.ValidationError, "command is required"))
	}
	timeout := timeoutOrDefault(req.TimeoutSeconds)

	var step *runtime.BrowserStepResult
	outcome, err := h.router.Call(c.Request().Context(), ownerOf(c), c.Param("id"), runtime.CapExecBrowser, "exec-browser", req.Command,
		func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
			res, err := adapter.ExecBrowser(ctx, req.Command, timeout)
			if err != nil {
				return nil, err
			}
			step = res
			return &router.Outcome{Success: res.Success, Output: res.Output, DurationMs: res.DurationMs}, nil
		})
	if err != nil {
		return writeErr(c, err)
	}
	_ = outcome
	return c.JSON(http.StatusOK, browserStepResponse{
		Command: step.Command, Success: step.Success, Output: step.Output, Error: step.Error, DurationMs: step.DurationMs,
	})
}

type execBrowserBatchRequest struct {
	Commands             []string `json:"commands"`
	OverallTimeoutSeconds int     `json:"overall_timeout_seconds"`
	StopOnError          bool     `json:"stop_on_error"`
}

type browserBatchResponse struct {
	Steps   []browserStepResponse `json:"steps"`
	Success bool                  `json:"success"`
}

func (h *Handler) execBrowserBatch(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeErr(c, apierr.New(apierr.ValidationError, "failed to read request body"))
	}
	var req execBrowserBatchRequest
	if jsonErr := json.Unmarshal(body, &req); jsonErr != nil || len(req.Commands) == 0 {
		return writeErr(c, apierr.New(apierr.ValidationError, "commands must be a non-empty array"))
	}
	timeout := timeoutOrDefault(req.OverallTimeoutSeconds)

	return h.withIdempotency(c, "POST /v1/sandboxes/:id/browser/exec_batch", body, func() (int, any, error) {
		var batch *runtime.BrowserBatchResult
		_, err := h.router.Call(c.Request().Context(), ownerOf(c), c.Param("id"), runtime.CapExecBrowserBatch, "exec-browser-batch", "",
			func(ctx context.Context, adapter runtime.Adapter) (*router.Outcome, error) {
				res, err := adapter.ExecBrowserBatch(ctx, req.Commands, timeout, req.StopOnError)
				if err != nil {
					return nil, err
				}
				batch = res
				return &router.Outcome{Success: res.Success}, nil
			})
		if err != nil {
			return 0, nil, err
		}
		steps := make([]browserStepResponse, 0, len(batch.Steps))
		for _, s := range batch.Steps {
			steps = append(steps, browserStepResponse{Command: s.Command, Success: s.Success, Output: s.Output, Error: s.Error, DurationMs: s.DurationMs})
		}
		return http.StatusOK, browserBatchResponse{Steps: steps, Success: batch.Success}, nil
	})
}
