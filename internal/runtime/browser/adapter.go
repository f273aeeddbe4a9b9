// Package browser implements runtime.Adapter for the browser-automation
// runtime. The runtime itself is a CLI wrapper (out of scope per
// spec.md); this adapter only speaks its HTTP wire protocol. Per
// spec.md §6 "Browser command wire contract", this package never
// prepends any prefix to a command line — it passes it through verbatim,
// letting the runtime inject session/profile flags.
package browser

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/runtime"
	"github.com/go-resty/resty/v2"
)

// Adapter is the browser-automation runtime's HTTP client.
type Adapter struct {
	client   *resty.Client
	endpoint string
}

// New builds an Adapter against endpoint using a shared client.
func New(client *resty.Client, endpoint string) *Adapter {
	return &Adapter{client: client, endpoint: endpoint}
}

func (a *Adapter) url(path string) string { return fmt.Sprintf("http://%s%s", a.endpoint, path) }

func (a *Adapter) Meta(ctx context.Context) (*runtime.Meta, error) {
	var out struct {
		MountPath    string   `json:"mount_path"`
		Capabilities []string `json:"capabilities"`
		RuntimeKind  string   `json:"runtime_kind"`
		APIVersion   string   `json:"api_version"`
	}
	resp, err := a.client.R().SetContext(ctx).SetResult(&out).Get(a.url("/meta"))
	if err != nil {
		return nil, &runtime.ConnError{Err: err}
	}
	if resp.IsError() {
		return nil, &runtime.WireError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	caps := make([]runtime.Capability, 0, len(out.Capabilities))
	for _, c := range out.Capabilities {
		caps = append(caps, runtime.Capability(c))
	}
	return &runtime.Meta{MountPath: out.MountPath, Capabilities: caps, RuntimeKind: out.RuntimeKind, APIVersion: out.APIVersion}, nil
}

func (a *Adapter) ExecBrowser(ctx context.Context, commandLine string, timeout time.Duration) (*runtime.BrowserStepResult, error) {
	var out struct {
		Success    bool   `json:"success"`
		Output     string `json:"output"`
		Error      string `json:"error"`
		DurationMs int64  `json:"duration_ms"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetTimeout(timeout).
		SetBody(map[string]string{"command": commandLine}).
		SetResult(&out).
		Post(a.url("/exec"))
	if err != nil {
		return nil, &runtime.ConnError{Err: err}
	}
	if resp.IsError() {
		return nil, &runtime.WireError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return &runtime.BrowserStepResult{
		Command: commandLine, Success: out.Success, Output: out.Output, Error: out.Error, DurationMs: out.DurationMs,
	}, nil
}

func (a *Adapter) ExecBrowserBatch(ctx context.Context, commands []string, overallTimeout time.Duration, stopOnError bool) (*runtime.BrowserBatchResult, error) {
	var out struct {
		Steps []struct {
			Command    string `json:"command"`
			Success    bool   `json:"success"`
			Output     string `json:"output"`
			Error      string `json:"error"`
			DurationMs int64  `json:"duration_ms"`
		} `json:"steps"`
		Success bool `json:"success"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetTimeout(overallTimeout).
		SetBody(map[string]any{
			"commands":      commands,
			"stop_on_error": stopOnError,
			"timeout_ms":    overallTimeout.Milliseconds(),
		}).
		SetResult(&out).
		Post(a.url("/exec_batch"))
	if err != nil {
		return nil, &runtime.ConnError{Err: err}
	}
	if resp.IsError() {
		return nil, &runtime.WireError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	steps := make([]runtime.BrowserStepResult, 0, len(out.Steps))
	for _, s := range out.Steps {
		steps = append(steps, runtime.BrowserStepResult{
			Command: s.Command, Success: s.Success, Output: s.Output, Error: s.Error, DurationMs: s.DurationMs,
		})
	}
	return &runtime.BrowserBatchResult{Steps: steps, Success: out.Success}, nil
}

func (a *Adapter) ExecPython(ctx context.Context, code string, timeout time.Duration) (*runtime.ExecResult, error) {
	return nil, apierr.New(apierr.CapabilityNotSupported, "browser adapter does not support exec-python")
}

func (a *Adapter) ExecShell(ctx context.Context, cmd string, timeout time.Duration) (*runtime.ExecResult, error) {
	return nil, apierr.New(apierr.CapabilityNotSupported, "browser adapter does not support exec-shell")
}

func (a *Adapter) FSRead(ctx context.Context, path string) ([]byte, error) {
	return nil, apierr.New(apierr.CapabilityNotSupported, "browser adapter does not support fs-read")
}

func (a *Adapter) FSWrite(ctx context.Context, path string, data []byte) error {
	return apierr.New(apierr.CapabilityNotSupported, "browser adapter does not support fs-write")
}

func (a *Adapter) FSList(ctx context.Context, path string) ([]runtime.FileEntry, error) {
	return nil, apierr.New(apierr.CapabilityNotSupported, "browser adapter does not support fs-list")
}

func (a *Adapter) FSDelete(ctx context.Context, path string) error {
	return apierr.New(apierr.CapabilityNotSupported, "browser adapter does not support fs-delete")
}

func (a *Adapter) FSUpload(ctx context.Context, path string, content io.Reader) error {
	return apierr.New(apierr.CapabilityNotSupported, "browser adapter does not support fs-upload")
}

func (a *Adapter) FSDownload(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, apierr.New(apierr.CapabilityNotSupported, "browser adapter does not support fs-download")
}
