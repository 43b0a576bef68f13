package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/matview/pkg/engine"
	"github.com/malbeclabs/matview/pkg/entity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAdmin struct {
	builtTenant     string
	refreshedTenant string
	refreshedModel  string
	audits          int
	refreshErr      error
}

func (f *fakeAdmin) TriggerBuild(ctx context.Context, tenant string) (*engine.BuildReport, error) {
	f.builtTenant = tenant
	return &engine.BuildReport{Tenants: []engine.TenantReport{{
		Tenant: "t1",
		Views:  []engine.ViewReport{{Model: "Session", View: "t1_m_sessions"}},
	}}}, nil
}

func (f *fakeAdmin) TriggerRefresh(ctx context.Context, tenant, model string) (*engine.RefreshAck, error) {
	f.refreshedTenant, f.refreshedModel = tenant, model
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &engine.RefreshAck{Issued: []string{"t1_m_sessions"}}, nil
}

func (f *fakeAdmin) AuditAndReconcile(ctx context.Context) (*engine.ReconcileReport, error) {
	f.audits++
	return &engine.ReconcileReport{TenantsBuilt: []string{"t1"}}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, admin Admin, db Pinger) *httptest.Server {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	s, err := New(Config{Logger: testLogger(), Listener: listener, Admin: admin, DB: db})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeAdmin{}, fakePinger{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "go_goroutines")

	down := newTestServer(t, &fakeAdmin{}, fakePinger{err: errors.New("connection refused")})
	resp, err = http.Get(down.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Build(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{}
	srv := newTestServer(t, admin, nil)

	resp, out := post(t, srv.URL+"/v1/build", `{"tenant": "t1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "t1", admin.builtTenant)
	require.Len(t, out["tenants"], 1)

	resp, _ = post(t, srv.URL+"/v1/build", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "", admin.builtTenant)

	resp, out = post(t, srv.URL+"/v1/build", `{"tenant": "t1'; DROP TABLE x; --"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, out["error"], "invalid tenant code")

	resp, _ = post(t, srv.URL+"/v1/build", `{not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/v1/build")
	require.NoError(t, err)
	getResp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

func TestServer_Refresh(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{}
	srv := newTestServer(t, admin, nil)

	resp, out := post(t, srv.URL+"/v1/refresh", `{"tenant": "t1", "model": "Session"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "t1", admin.refreshedTenant)
	require.Equal(t, "Session", admin.refreshedModel)
	require.Equal(t, []any{"t1_m_sessions"}, out["issued"])

	admin.refreshErr = fmt.Errorf("%w: Course", entity.ErrUnknownModel)
	resp, _ = post(t, srv.URL+"/v1/refresh", `{"model": "Course"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	admin.refreshErr = errors.New("connection reset")
	resp, _ = post(t, srv.URL+"/v1/refresh", `{}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServer_Audit(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{}
	srv := newTestServer(t, admin, nil)

	resp, out := post(t, srv.URL+"/v1/audit", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, admin.audits)
	require.Equal(t, []any{"t1"}, out["tenants_built"])
}

func TestServer_Run(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s, err := New(Config{Logger: testLogger(), Listener: listener, Admin: &fakeAdmin{}, ShutdownTimeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}
