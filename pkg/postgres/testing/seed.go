package pgtesting

import (
	"bytes"
	"testing"
	"text/template"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/matview/pkg/postgres"
)

// seq generates a sequence of integers from start to end (inclusive)
func seq(start, end int) []int {
	if start > end {
		return []int{}
	}
	result := make([]int, end-start+1)
	for i := range result {
		result[i] = start + i
	}
	return result
}

func mod(a, b int) int {
	return a % b
}

var seedFuncs = template.FuncMap{
	"seq":   seq,
	"mod":   mod,
	"lit":   postgres.QuoteLiteral,
	"ident": postgres.QuoteIdent,
}

// RenderSeed renders a SQL seed template. Values interpolated into SQL
// should go through lit or ident.
func RenderSeed(tmpl string, data any) (string, error) {
	var buf bytes.Buffer
	t, err := template.New("seed").Funcs(seedFuncs).Parse(tmpl)
	if err != nil {
		return "", err
	}
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Seed renders tmpl with data and executes the result.
func (db *DB) Seed(t testing.TB, tmpl string, data any) {
	t.Helper()
	sql, err := RenderSeed(tmpl, data)
	require.NoError(t, err)
	db.Exec(t, sql)
}
