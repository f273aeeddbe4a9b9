// Package runtimetest provides an in-memory runtime.Adapter double so
// router and capability-layer tests can run without a real runtime
// server behind them.
package runtimetest

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/runtime"
)

// Adapter is a scriptable runtime.Adapter. Set the *Result, Files and
// Browser* fields before a call to control its result, and the *Err
// fields (e.g. a *runtime.ConnError or *runtime.WireError) to make it fail.
type Adapter struct {
	MetaResult *runtime.Meta
	MetaErr    error

	ExecResult *runtime.ExecResult
	ExecErr    error

	Files   map[string][]byte
	FSErr   error

	BrowserStep  *runtime.BrowserStepResult
	BrowserBatch *runtime.BrowserBatchResult
	BrowserErr   error

	Calls []string
}

func New(meta *runtime.Meta) *Adapter {
	return &Adapter{MetaResult: meta, Files: map[string][]byte{}}
}

func (a *Adapter) Meta(ctx context.Context) (*runtime.Meta, error) {
	a.Calls = append(a.Calls, "Meta")
	return a.MetaResult, a.MetaErr
}

func (a *Adapter) ExecPython(ctx context.Context, code string, timeout time.Duration) (*runtime.ExecResult, error) {
	a.Calls = append(a.Calls, "ExecPython")
	return a.ExecResult, a.ExecErr
}

func (a *Adapter) ExecShell(ctx context.Context, cmd string, timeout time.Duration) (*runtime.ExecResult, error) {
	a.Calls = append(a.Calls, "ExecShell")
	return a.ExecResult, a.ExecErr
}

func (a *Adapter) FSRead(ctx context.Context, path string) ([]byte, error) {
	a.Calls = append(a.Calls, "FSRead")
	if a.FSErr != nil {
		return nil, a.FSErr
	}
	data, ok := a.Files[path]
	if !ok {
		return nil, apierr.New(apierr.FileNotFound, "file not found")
	}
	return data, nil
}

func (a *Adapter) FSWrite(ctx context.Context, path string, data []byte) error {
	a.Calls = append(a.Calls, "FSWrite")
	if a.FSErr != nil {
		return a.FSErr
	}
	a.Files[path] = data
	return nil
}

func (a *Adapter) FSList(ctx context.Context, path string) ([]runtime.FileEntry, error) {
	a.Calls = append(a.Calls, "FSList")
	if a.FSErr != nil {
		return nil, a.FSErr
	}
	var entries []runtime.FileEntry
	for name, data := range a.Files {
		entries = append(entries, runtime.FileEntry{Name: name, Path: name, Size: int64(len(data))})
	}
	return entries, nil
}

func (a *Adapter) FSDelete(ctx context.Context, path string) error {
	a.Calls = append(a.Calls, "FSDelete")
	if a.FSErr != nil {
		return a.FSErr
	}
	delete(a.Files, path)
	return nil
}

func (a *Adapter) FSUpload(ctx context.Context, path string, content io.Reader) error {
	a.Calls = append(a.Calls, "FSUpload")
	if a.FSErr != nil {
		return a.FSErr
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	a.Files[path] = data
	return nil
}

func (a *Adapter) FSDownload(ctx context.Context, path string) (io.ReadCloser, error) {
	a.Calls = append(a.Calls, "FSDownload")
	if a.FSErr != nil {
		return nil, a.FSErr
	}
	data, ok := a.Files[path]
	if !ok {
		return nil, apierr.New(apierr.FileNotFound, "file not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (a *Adapter) ExecBrowser(ctx context.Context, commandLine string, timeout time.Duration) (*runtime.BrowserStepResult, error) {
	a.Calls = append(a.Calls, "ExecBrowser")
	return a.BrowserStep, a.BrowserErr
}

func (a *Adapter) ExecBrowserBatch(ctx context.Context, commands []string, overallTimeout time.Duration, stopOnError bool) (*runtime.BrowserBatchResult, error) {
	a.Calls = append(a.Calls, "ExecBrowserBatch")
	return a.BrowserBatch, a.BrowserErr
}

var _ runtime.Adapter = (*Adapter)(nil)
