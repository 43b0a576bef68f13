package pgtesting

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPGTesting_RenderSeed(t *testing.T) {
	t.Parallel()

	sql, err := RenderSeed(
		`INSERT INTO {{ ident .Table }} (id, tenant_code) VALUES {{ range $i, $n := seq 1 3 }}{{ if $i }}, {{ end }}({{ $n }}, {{ lit $.Tenant }}){{ end }}`,
		map[string]any{"Table": "sessions", "Tenant": "o'neil"},
	)
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO "sessions" (id, tenant_code) VALUES (1, 'o''neil'), (2, 'o''neil'), (3, 'o''neil')`, sql)

	sql, err = RenderSeed(`{{ range seq 3 1 }}x{{ end }}`, nil)
	require.NoError(t, err)
	require.Empty(t, sql)

	_, err = RenderSeed(`{{ range }}`, nil)
	require.Error(t, err)
}
