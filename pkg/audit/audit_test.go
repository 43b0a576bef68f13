package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/matview/pkg/entity"
)

type fakeViews struct {
	views []string
	err   error
	fails int32
	calls atomic.Int32
}

func (f *fakeViews) ListMaterializedViews(ctx context.Context) ([]string, error) {
	n := f.calls.Add(1)
	if f.err != nil && n <= f.fails {
		return nil, f.err
	}
	return f.views, nil
}

type fakePlanner struct {
	expected map[string][]string
	err      error
}

func (f *fakePlanner) ExpectedViews(ctx context.Context, tenant string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.expected[tenant], nil
}

type failingTenants struct{}

func (failingTenants) ListTenants(context.Context) ([]string, error) {
	return nil, errors.New("registry unreachable")
}

func newTestAuditor(t *testing.T, tenants entity.TenantRegistry, views ViewLister, planner Planner) *Auditor {
	t.Helper()
	a, err := New(Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tenants:    tenants,
		Views:      views,
		Planner:    planner,
		MaxTries:   3,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	require.NoError(t, err)
	return a
}

func TestAudit_FindTenantsNeedingBuild(t *testing.T) {
	t.Parallel()

	planner := &fakePlanner{expected: map[string][]string{
		"t1": {"t1_m_sessions", "t1_m_user_extensions", "t1_m_courses"},
		"t2": {"t2_m_sessions"},
		"t3": nil,
	}}
	views := &fakeViews{views: []string{
		" T1_M_SESSIONS ",
		"t1_m_courses",
		"t2_m_sessions",
		"t9_m_sessions",
	}}
	a := newTestAuditor(t, entity.StaticTenants{"t1", "t2", "t3"}, views, planner)

	res, err := a.FindTenantsNeedingBuild(context.Background())
	require.NoError(t, err)
	require.False(t, res.Fallback)
	require.Equal(t, []string{"t1"}, res.Tenants)
	require.Equal(t, map[string][]string{"t1": {"t1_m_user_extensions"}}, res.Missing)
}

func TestAudit_RetriesBeforeFallingBack(t *testing.T) {
	t.Parallel()

	planner := &fakePlanner{expected: map[string][]string{"t1": {"t1_m_sessions"}}}
	views := &fakeViews{views: []string{"t1_m_sessions"}, err: errors.New("timeout"), fails: 2}
	a := newTestAuditor(t, entity.StaticTenants{"t1"}, views, planner)

	res, err := a.FindTenantsNeedingBuild(context.Background())
	require.NoError(t, err)
	require.False(t, res.Fallback)
	require.Empty(t, res.Tenants)
	require.EqualValues(t, 3, views.calls.Load())
}

func TestAudit_FallsBackToAllTenants(t *testing.T) {
	t.Parallel()

	t.Run("view listing fails", func(t *testing.T) {
		t.Parallel()
		views := &fakeViews{err: errors.New("timeout"), fails: 100}
		a := newTestAuditor(t, entity.StaticTenants{"t1", "t2"}, views, &fakePlanner{})

		res, err := a.FindTenantsNeedingBuild(context.Background())
		require.NoError(t, err)
		require.True(t, res.Fallback)
		require.Error(t, res.Cause)
		require.Equal(t, []string{"t1", "t2"}, res.Tenants)
		require.EqualValues(t, 3, views.calls.Load())
	})

	t.Run("expected views cannot be computed", func(t *testing.T) {
		t.Parallel()
		a := newTestAuditor(t, entity.StaticTenants{"t1", "t2"}, &fakeViews{}, &fakePlanner{err: errors.New("catalog down")})

		res, err := a.FindTenantsNeedingBuild(context.Background())
		require.NoError(t, err)
		require.True(t, res.Fallback)
		require.Equal(t, []string{"t1", "t2"}, res.Tenants)
	})
}

type flakyTenants struct {
	tenants []string
	down    atomic.Bool
}

func (f *flakyTenants) ListTenants(context.Context) ([]string, error) {
	if f.down.Load() {
		return nil, errors.New("registry unreachable")
	}
	return f.tenants, nil
}

func TestAudit_TenantListFailure(t *testing.T) {
	t.Parallel()

	t.Run("no tenant known", func(t *testing.T) {
		t.Parallel()
		a := newTestAuditor(t, failingTenants{}, &fakeViews{}, &fakePlanner{})
		_, err := a.FindTenantsNeedingBuild(context.Background())
		require.Error(t, err)
	})

	t.Run("tenants recovered from registered views", func(t *testing.T) {
		t.Parallel()
		views := &fakeViews{views: []string{"T1_m_sessions", "t2_m_user_extensions", "t2_m_sessions_AbCd1234", "unrelated"}}
		a := newTestAuditor(t, failingTenants{}, views, &fakePlanner{})
		a.cfg.Tables = []string{"user_extensions", "sessions"}

		res, err := a.FindTenantsNeedingBuild(context.Background())
		require.NoError(t, err)
		require.True(t, res.Fallback)
		require.ErrorContains(t, res.Cause, "registry unreachable")
		require.Equal(t, []string{"T1", "t2"}, res.Tenants)
	})

	t.Run("tenants of the last successful audit", func(t *testing.T) {
		t.Parallel()
		tenants := &flakyTenants{tenants: []string{"t1", "t3"}}
		planner := &fakePlanner{expected: map[string][]string{"t1": {"t1_m_sessions"}, "t3": {"t3_m_sessions"}}}
		views := &fakeViews{views: []string{"t1_m_sessions", "t3_m_sessions"}}
		a := newTestAuditor(t, tenants, views, planner)

		res, err := a.FindTenantsNeedingBuild(context.Background())
		require.NoError(t, err)
		require.Empty(t, res.Tenants)

		tenants.down.Store(true)
		res, err = a.FindTenantsNeedingBuild(context.Background())
		require.NoError(t, err)
		require.True(t, res.Fallback)
		require.Equal(t, []string{"t1", "t3"}, res.Tenants)
	})
}

func TestAudit_TenantsFromViews(t *testing.T) {
	t.Parallel()

	got := TenantsFromViews(
		[]string{"acme-1_m_sessions", " t2_M_Sessions ", "_m_sessions", "t3_m_courses", "t4_m_sessions_Zz09Zz09"},
		[]string{"sessions"},
	)
	require.Equal(t, []string{"acme-1", "t2"}, got)
}
