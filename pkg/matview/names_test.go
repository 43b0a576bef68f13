package matview

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/matview/pkg/postgres"
)

func TestMatview_CanonicalName(t *testing.T) {
	t.Parallel()

	name, err := CanonicalName("t1", "sessions")
	require.NoError(t, err)
	require.Equal(t, "t1_m_sessions", name)

	name, err = CanonicalName("acme-corp", "user_extensions")
	require.NoError(t, err)
	require.Equal(t, "acme-corp_m_user_extensions", name)

	_, err = CanonicalName("t1'; DROP TABLE x; --", "sessions")
	require.ErrorIs(t, err, postgres.ErrInvalidTenantCode)

	_, err = CanonicalName("t1", "sessions;")
	require.ErrorIs(t, err, postgres.ErrInvalidIdentifier)

	_, err = CanonicalName(strings.Repeat("t", 40), "sessions_archive")
	require.ErrorIs(t, err, postgres.ErrNameTooLong)
}

func TestMatview_TempName(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for range 1000 {
		name := TempName("t1_m_sessions")
		require.Len(t, name, len("t1_m_sessions")+9)
		require.True(t, strings.HasPrefix(name, "t1_m_sessions_"))
		require.True(t, IsDerivedName("t1_m_sessions", name))
		require.NoError(t, postgres.ValidateRelationName(name))
		seen[name] = struct{}{}
	}
	require.Len(t, seen, 1000)
}

func TestMatview_IsDerivedName(t *testing.T) {
	t.Parallel()

	require.True(t, IsDerivedName("t1_m_sessions", "t1_m_sessions_aB3dE6gH"))
	require.False(t, IsDerivedName("t1_m_sessions", "t1_m_sessions"))
	require.False(t, IsDerivedName("t1_m_sessions", "t1_m_sessions_aB3dE6g"))
	require.False(t, IsDerivedName("t1_m_sessions", "t1_m_sessions_aB3dE6g_"))
	require.False(t, IsDerivedName("t1_m_sessions", "t2_m_sessions_aB3dE6gH"))
	require.False(t, IsDerivedName("t1_m_sessions", "t1_m_sessionsXaB3dE6gH"))
}
