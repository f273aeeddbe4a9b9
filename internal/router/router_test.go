package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/cargo"
	"github.com/baysh/bay/internal/drivertest"
	"github.com/baysh/bay/internal/history"
	"github.com/baysh/bay/internal/lock"
	"github.com/baysh/bay/internal/profile"
	"github.com/baysh/bay/internal/runtime"
	"github.com/baysh/bay/internal/sandbox"
	"github.com/baysh/bay/internal/session"
	"github.com/baysh/bay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntimeServer stands in for a code-execution runtime container,
// speaking the same wire protocol internal/runtime/codeexec.Adapter
// expects, so the full EnsureRunning-to-Call path can be exercised
// without a real Docker daemon.
func fakeRuntimeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"mount_path":   profile.ConventionalMountPath,
			"capabilities": []string{"exec-python", "exec-shell", "fs-read", "fs-write", "fs-list", "fs-delete", "fs-upload", "fs-download"},
			"runtime_kind": "codeexec",
			"api_version":  "v1",
		})
	})
	mux.HandleFunc("/exec/python", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"stdout": "hello from sandbox\n", "stderr": "", "exit_code": 0, "duration_ms": 5,
		})
	})
	return httptest.NewServer(mux)
}

type harness struct {
	router    *Router
	sandboxes *sandbox.Manager
	store     *store.Store
	server    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := fakeRuntimeServer(t)
	t.Cleanup(srv.Close)

	fd := drivertest.New()
	fd.Endpoint = srv.Listener.Addr().String()

	profiles := profile.NewRegistry()
	pool := runtime.NewPool()
	sessions := session.New(st, fd, pool, "test-instance", 2*time.Second)
	cargoMgr := cargo.New(st, fd)
	locks := lock.NewTable()
	sandboxes := sandbox.New(st, locks, cargoMgr, sessions, profiles, 0)
	hist := history.New(st)
	rtr := New(sandboxes, sessions, hist)

	return &harness{router: rtr, sandboxes: sandboxes, store: st, server: srv}
}

func TestRouterCallConvergesSessionAndExecutes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sb, err := h.sandboxes.Create(ctx, "owner-1", "python-default", nil)
	require.NoError(t, err)

	outcome, err := h.router.Call(ctx, "owner-1", sb.ID, runtime.CapExecPython, "python", "print('hi')",
		func(ctx context.Context, adapter runtime.Adapter) (*Outcome, error) {
			res, err := adapter.ExecPython(ctx, "print('hi')", 5*time.Second)
			if err != nil {
				return nil, err
			}
			return &Outcome{Success: res.Success, Stdout: res.Stdout, ExitCode: &res.ExitCode, DurationMs: res.DurationMs}, nil
		})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "hello from sandbox\n", outcome.Stdout)

	records, err := history.New(h.store).List(ctx, history.Filter{SandboxID: sb.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "python", records[0].Type)
	assert.True(t, records[0].Success)
}

func TestRouterCallRejectsUnsupportedCapability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sb, err := h.sandboxes.Create(ctx, "owner-1", "python-default", nil)
	require.NoError(t, err)

	_, err = h.router.Call(ctx, "owner-1", sb.ID, runtime.CapExecBrowser, "exec-browser", "click",
		func(ctx context.Context, adapter runtime.Adapter) (*Outcome, error) {
			t.Fatal("op should not run for an unsupported capability")
			return nil, nil
		})
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CapabilityNotSupported, ae.Code)
}

func TestRouterCallTranslatesRuntimeError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sb, err := h.sandboxes.Create(ctx, "owner-1", "python-default", nil)
	require.NoError(t, err)

	_, err = h.router.Call(ctx, "owner-1", sb.ID, runtime.CapExecPython, "python", "boom",
		func(ctx context.Context, adapter runtime.Adapter) (*Outcome, error) {
			return nil, &runtime.WireError{StatusCode: 500, Body: "kernel panic"}
		})
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.RuntimeError, ae.Code)

	records, err := history.New(h.store).List(ctx, history.Filter{SandboxID: sb.ID})
	require.NoError(t, err)
	require.Len(t, records, 1, "a failed op still records history per spec.md §4.6")
	assert.False(t, records[0].Success)
}
