package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/baysh/bay/internal/auth"
	"github.com/baysh/bay/internal/cargo"
	"github.com/baysh/bay/internal/drivertest"
	"github.com/baysh/bay/internal/gc"
	"github.com/baysh/bay/internal/history"
	"github.com/baysh/bay/internal/idempotency"
	"github.com/baysh/bay/internal/lock"
	"github.com/baysh/bay/internal/profile"
	"github.com/baysh/bay/internal/router"
	"github.com/baysh/bay/internal/runtime"
	"github.com/baysh/bay/internal/sandbox"
	"github.com/baysh/bay/internal/session"
	"github.com/baysh/bay/internal/skills"
	"github.com/baysh/bay/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-bearer-token"
const testOwner = "owner-1"

// fakeRuntimeServer stands in for a code-execution runtime container,
// speaking the same wire protocol internal/runtime/codeexec.Adapter
// expects, so requests can converge a real session without Docker.
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
			"stdout": "ok\n", "stderr": "", "exit_code": 0, "duration_ms": 3,
		})
	})
	return httptest.NewServer(mux)
}

type testServer struct {
	*httptest.Server
	store *store.Store
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runtimeSrv := fakeRuntimeServer(t)
	t.Cleanup(runtimeSrv.Close)

	fd := drivertest.New()
	fd.Endpoint = runtimeSrv.Listener.Addr().String()

	profiles := profile.NewRegistry()
	pool := runtime.NewPool()
	sessions := session.New(st, fd, pool, "test-instance", 2*time.Second)
	cargoMgr := cargo.New(st, fd)
	locks := lock.NewTable()
	sandboxes := sandbox.New(st, locks, cargoMgr, sessions, profiles, 0)
	hist := history.New(st)
	rtr := router.New(sandboxes, sessions, hist)
	skillsMgr := skills.New(st)
	idem := idempotency.New(st, time.Minute)
	gcCoord := gc.New(st, fd, sessions, cargoMgr, locks, "test-instance")
	authenticator := auth.StaticToken{Token: testToken, Owner: testOwner}

	h := NewHandler(sandboxes, rtr, cargoMgr, profiles, hist, skillsMgr, idem, gcCoord, authenticator)
	e := echo.New()
	e.HideBanner = true
	h.RegisterRoutes(e)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: st}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/sandboxes", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSandboxCreateGetListDelete(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile_id": "python-default"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created sandboxResponse
	decodeJSON(t, resp, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "python-default", created.ProfileID)

	resp = ts.do(t, http.MethodGet, "/v1/sandboxes/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched sandboxResponse
	decodeJSON(t, resp, &fetched)
	assert.Equal(t, created.ID, fetched.ID)

	resp = ts.do(t, http.MethodGet, "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Sandboxes []sandboxResponse `json:"sandboxes"`
	}
	decodeJSON(t, resp, &list)
	found := false
	for _, sb := range list.Sandboxes {
		if sb.ID == created.ID {
			found = true
		}
	}
	assert.True(t, found, "created sandbox must be listed")

	resp = ts.do(t, http.MethodDelete, "/v1/sandboxes/"+created.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v1/sandboxes/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSandboxCreateRejectsMissingProfileID(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSandboxCreateIsIdempotentOnRepeatedKey(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "create-once"}
	payload := map[string]any{"profile_id": "python-default"}

	resp := ts.do(t, http.MethodPost, "/v1/sandboxes", payload, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first sandboxResponse
	decodeJSON(t, resp, &first)

	resp = ts.do(t, http.MethodPost, "/v1/sandboxes", payload, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second sandboxResponse
	decodeJSON(t, resp, &second)

	assert.Equal(t, first.ID, second.ID, "replayed idempotency key must not create a second sandbox")
}

func TestSandboxCreateRejectsFingerprintMismatchOnReusedKey(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "reused-key"}

	resp := ts.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile_id": "python-default"}, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile_id": "browser-default"}, headers)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExecPythonConvergesSessionAndRuns(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile_id": "python-default"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sb sandboxResponse
	decodeJSON(t, resp, &sb)

	resp = ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/python/exec", map[string]any{"code": "print('ok')"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exec execResponse
	decodeJSON(t, resp, &exec)
	assert.True(t, exec.Success)
	assert.Equal(t, "ok\n", exec.Stdout)

	resp = ts.do(t, http.MethodGet, "/v1/history?sandbox_id="+sb.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var histList struct {
		History []executionRecordResponse `json:"history"`
	}
	decodeJSON(t, resp, &histList)
	require.Len(t, histList.History, 1)
	assert.True(t, histList.History[0].Success)
}

func TestFilesystemReadRejectsPathEscape(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile_id": "python-default"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sb sandboxResponse
	decodeJSON(t, resp, &sb)

	resp = ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/filesystem/files?path=../etc/passwd", nil, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]any
	decodeJSON(t, resp, &body)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "invalid_path", errObj["code"])
}

func TestCargoCreateListDelete(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/cargos", map[string]any{"name": "shared-dataset"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var cg cargoResponse
	decodeJSON(t, resp, &cg)
	assert.Equal(t, "external", cg.Kind)

	resp = ts.do(t, http.MethodGet, "/v1/cargos", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Cargos []cargoResponse `json:"cargos"`
	}
	decodeJSON(t, resp, &list)
	assert.Len(t, list.Cargos, 1)

	resp = ts.do(t, http.MethodDelete, "/v1/cargos/"+cg.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestSkillCandidateLifecycleAndPromote(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/skills/candidates", map[string]any{"skill_key": "summarize-pdf"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var cand skillCandidateResponse
	decodeJSON(t, resp, &cand)
	assert.Equal(t, "draft", cand.Status)

	resp = ts.do(t, http.MethodPost, "/v1/skills/candidates/"+cand.ID+"/evaluate", map[string]any{"score": 0.95, "pass": true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evaluated skillCandidateResponse
	decodeJSON(t, resp, &evaluated)
	require.NotNil(t, evaluated.Pass)
	assert.True(t, *evaluated.Pass)

	resp = ts.do(t, http.MethodPost, "/v1/skills/candidates/"+cand.ID+"/promote", map[string]any{"stage": "stable"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var release skillReleaseResponse
	decodeJSON(t, resp, &release)
	assert.Equal(t, 1, release.Version)
	assert.True(t, release.Active)
}

func TestAdminHealthAndTriggerGC(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/v1/admin/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/admin/gc/idle-session-gc", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]any
	decodeJSON(t, resp, &result)
	assert.Equal(t, "idle-session-gc", result["task"])

	resp = ts.do(t, http.MethodPost, "/v1/admin/gc/no-such-task", nil, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProfilesListed(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/v1/profiles", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Profiles []profileResponse `json:"profiles"`
	}
	decodeJSON(t, resp, &list)
	assert.NotEmpty(t, list.Profiles)
}
