package matview

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/malbeclabs/matview/pkg/entity"
	"github.com/malbeclabs/matview/pkg/metrics"
	"github.com/malbeclabs/matview/pkg/postgres"
)

type IndexKind string

const (
	IndexUnique  IndexKind = "unique"
	IndexTrigram IndexKind = "trigram"
	IndexGIN     IndexKind = "gin"
)

type IndexSpec struct {
	Name    string
	Kind    IndexKind
	Columns []string
}

// Statement renders the CREATE INDEX statement for the index on view.
// Index names carry the temp view's random suffix, so every build creates
// fresh names; IF NOT EXISTS only makes re-running a statement within one
// build harmless.
func (s IndexSpec) Statement(view string) string {
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = postgres.QuoteIdent(c)
	}
	name := postgres.QuoteIdent(s.Name)
	rel := postgres.QuoteIdent(view)
	switch s.Kind {
	case IndexUnique:
		return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)", name, rel, strings.Join(cols, ", "))
	case IndexTrigram:
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING gin (%s gin_trgm_ops)", name, rel, cols[0])
	default:
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING gin (%s)", name, rel, cols[0])
	}
}

// PlanIndexes returns the indexes of a view: the unique primary key index
// first, then one index per filterable text or array field, then trigram
// indexes on search fields not already covered. Search fields that are not
// projected are reported as warnings.
func PlanIndexes(view string, model *entity.Model, schema *ViewSchema) ([]IndexSpec, []error, error) {
	for _, pk := range model.PrimaryKey {
		if _, ok := schema.Field(pk); !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingPrimary, pk)
		}
	}

	plan := []IndexSpec{{
		Name:    IndexName(view, strings.Join(model.PrimaryKey, "_"), "pkey"),
		Kind:    IndexUnique,
		Columns: model.PrimaryKey,
	}}

	trigram := make(map[string]struct{})
	for _, f := range schema.Fields() {
		if !f.Filterable {
			continue
		}
		switch {
		case IsTextual(f.SQLType):
			trigram[f.Name] = struct{}{}
			plan = append(plan, IndexSpec{Name: IndexName(view, f.Name, "trgm"), Kind: IndexTrigram, Columns: []string{f.Name}})
		case IsArray(f.SQLType):
			plan = append(plan, IndexSpec{Name: IndexName(view, f.Name, "gin"), Kind: IndexGIN, Columns: []string{f.Name}})
		}
	}

	var warnings []error
	for _, name := range model.SearchFields {
		if _, done := trigram[name]; done {
			continue
		}
		f, ok := schema.Field(name)
		if !ok {
			warnings = append(warnings, &FieldError{Model: model.Name, Field: name, Err: fmt.Errorf("search field is not projected")})
			continue
		}
		if !IsTextual(f.SQLType) {
			warnings = append(warnings, &FieldError{Model: model.Name, Field: name, Err: fmt.Errorf("search field has non-text type %s", f.SQLType)})
			continue
		}
		trigram[name] = struct{}{}
		plan = append(plan, IndexSpec{Name: IndexName(view, name, "trgm"), Kind: IndexTrigram, Columns: []string{name}})
	}

	return plan, warnings, nil
}

// IndexName derives an index name from the view it belongs to. Names over
// the identifier limit are cut and suffixed with a hash of the full name so
// they stay unique.
func IndexName(view, column, suffix string) string {
	name := view + "_" + column + "_" + suffix
	if len(name) <= postgres.MaxIdentifierLength {
		return name
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	tail := fmt.Sprintf("_%08x", h.Sum32())
	return name[:postgres.MaxIdentifierLength-len(tail)] + tail
}

// Execer is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SynthesizeIndexes creates the planned indexes on view. A failure on the
// unique index is returned as an error since the view could not be refreshed
// concurrently without it. Other failures are logged and returned as
// warnings.
func SynthesizeIndexes(ctx context.Context, log *slog.Logger, db Execer, view, model string, plan []IndexSpec) ([]error, error) {
	var warnings []error
	for _, idx := range plan {
		if _, err := db.Exec(ctx, idx.Statement(view)); err != nil {
			metrics.IndexCreateTotal.WithLabelValues(string(idx.Kind), "error").Inc()
			if idx.Kind == IndexUnique {
				return warnings, fmt.Errorf("failed to create unique index %s: %w", idx.Name, err)
			}
			log.Warn("matview: failed to create index", "view", view, "index", idx.Name, "kind", idx.Kind, "error", err)
			warnings = append(warnings, &FieldError{Model: model, Field: strings.Join(idx.Columns, ","), Err: err})
			if ctx.Err() != nil {
				return warnings, ctx.Err()
			}
			continue
		}
		metrics.IndexCreateTotal.WithLabelValues(string(idx.Kind), "ok").Inc()
		log.Debug("matview: created index", "view", view, "index", idx.Name, "kind", idx.Kind)
	}
	return warnings, nil
}
