// Package codeexec implements runtime.Adapter for the code-execution
// runtime (python/shell exec plus the filesystem API). The runtime
// server itself — the kernel host / shell executor / filesystem server —
// is an external collaborator; this package only speaks its HTTP wire
// protocol, grounded on the request/response shapes in the teacher's
// internal/proto package.
package codeexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/runtime"
	"github.com/go-resty/resty/v2"
)

// Adapter is the code-execution runtime's HTTP client.
type Adapter struct {
	client   *resty.Client
	endpoint string
}

// New builds an Adapter against endpoint using a shared client (see
// runtime.NewHTTPClient — adapters never create a client per call).
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

func (a *Adapter) exec(ctx context.Context, path, code string, timeout time.Duration) (*runtime.ExecResult, error) {
	var out struct {
		Stdout     string `json:"stdout"`
		Stderr     string `json:"stderr"`
		ExitCode   int    `json:"exit_code"`
		DurationMs int64  `json:"duration_ms"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetTimeout(timeout).
		SetBody(map[string]string{"code": code}).
		SetResult(&out).
		Post(a.url(path))
	if err != nil {
		return nil, &runtime.ConnError{Err: err}
	}
	if resp.IsError() {
		return nil, &runtime.WireError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return &runtime.ExecResult{
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		ExitCode:   out.ExitCode,
		Success:    out.ExitCode == 0,
		DurationMs: out.DurationMs,
	}, nil
}

func (a *Adapter) ExecPython(ctx context.Context, code string, timeout time.Duration) (*runtime.ExecResult, error) {
	return a.exec(ctx, "/exec/python", code, timeout)
}

func (a *Adapter) ExecShell(ctx context.Context, cmd string, timeout time.Duration) (*runtime.ExecResult, error) {
	return a.exec(ctx, "/exec/shell", cmd, timeout)
}

func (a *Adapter) FSRead(ctx context.Context, path string) ([]byte, error) {
	resp, err := a.client.R().SetContext(ctx).SetQueryParam("path", path).Get(a.url("/fs/read"))
	if err != nil {
		return nil, &runtime.ConnError{Err: err}
	}
	if resp.IsError() {
		return nil, &runtime.WireError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return resp.Body(), nil
}

func (a *Adapter) FSWrite(ctx context.Context, path string, data []byte) error {
	resp, err := a.client.R().SetContext(ctx).
		SetQueryParam("path", path).
		SetBody(data).
		Post(a.url("/fs/write"))
	if err != nil {
		return &runtime.ConnError{Err: err}
	}
	if resp.IsError() {
		return &runtime.WireError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return nil
}

func (a *Adapter) FSList(ctx context.Context, path string) ([]runtime.FileEntry, error) {
	var out []struct {
		Name         string    `json:"name"`
		Path         string    `json:"path"`
		Size         int64     `json:"size"`
		Mode         int64     `json:"mode"`
		IsDir        bool      `json:"is_dir"`
		LastModified time.Time `json:"last_modified"`
	}
	resp, err := a.client.R().SetContext(ctx).SetQueryParam("path", path).SetResult(&out).Get(a.url("/fs/list"))
	if err != nil {
		return nil, &runtime.ConnError{Err: err}
	}
	if resp.IsError() {
		return nil, &runtime.WireError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	entries := make([]runtime.FileEntry, 0, len(out))
	for _, e := range out {
		entries = append(entries, runtime.FileEntry{
			Name: e.Name, Path: e.Path, Size: e.Size, Mode: e.Mode, IsDir: e.IsDir, LastModified: e.LastModified,
		})
	}
	return entries, nil
}

func (a *Adapter) FSDelete(ctx context.Context, path string) error {
	resp, err := a.client.R().SetContext(ctx).SetQueryParam("path", path).Delete(a.url("/fs/delete"))
	if err != nil {
		return &runtime.ConnError{Err: err}
	}
	if resp.IsError() {
		return &runtime.WireError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return nil
}

func (a *Adapter) FSUpload(ctx context.Context, path string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("codeexec: read upload content: %w", err)
	}
	resp, err := a.client.R().SetContext(ctx).
		SetQueryParam("path", path).
		SetBody(data).
		Post(a.url("/fs/upload"))
	if err != nil {
		return &runtime.ConnError{Err: err}
	}
	if resp.IsError() {
		return &runtime.WireError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return nil
}

func (a *Adapter) FSDownload(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := a.client.R().SetContext(ctx).SetQueryParam("path", path).Get(a.url("/fs/download"))
	if err != nil {
		return nil, &runtime.ConnError{Err: err}
	}
	if resp.IsError() {
		return nil, &runtime.WireError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return io.NopCloser(bytes.NewReader(resp.Body())), nil
}

func (a *Adapter) ExecBrowser(ctx context.Context, commandLine string, timeout time.Duration) (*runtime.BrowserStepResult, error) {
	return nil, apierr.New(apierr.CapabilityNotSupported, "codeexec adapter does not support exec-browser")
}

func (a *Adapter) ExecBrowserBatch(ctx context.Context, commands []string, overallTimeout time.Duration, stopOnError bool) (*runtime.BrowserBatchResult, error) {
	return nil, apierr.New(apierr.CapabilityNotSupported, "codeexec adapter does not support exec-browser-batch")
}
