package matview

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/matview/pkg/postgres"
)

const refreshPrefix = "REFRESH MATERIALIZED VIEW CONCURRENTLY "

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type DB interface {
	Execer
	queryRower
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ DB = (*pgxpool.Pool)(nil)
	_ DB = (*pgxpool.Conn)(nil)
)

// Catalog reads and mutates materialized views in the current schema.
type Catalog struct {
	db DB
}

func NewCatalog(db DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) ListMaterializedViews(ctx context.Context) ([]string, error) {
	rows, err := c.db.Query(ctx, "SELECT matviewname::text FROM pg_matviews WHERE schemaname = current_schema() ORDER BY matviewname")
	if err != nil {
		return nil, fmt.Errorf("failed to list materialized views: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan materialized views: %w", err)
	}
	return names, nil
}

func (c *Catalog) ViewExists(ctx context.Context, name string) (bool, error) {
	return matviewExists(ctx, c.db, name)
}

func matviewExists(ctx context.Context, q queryRower, name string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_matviews WHERE schemaname = current_schema() AND matviewname = $1)",
		name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check view %s: %w", name, err)
	}
	return exists, nil
}

// RefreshActive reports whether another session is currently running a
// concurrent refresh of view. Both quoted and bare spellings of the name are
// matched.
func (c *Catalog) RefreshActive(ctx context.Context, view string) (bool, error) {
	bare := EscapeLikeForRefresh(view)
	quoted := EscapeLikeForRefresh(postgres.QuoteIdent(view))
	var active bool
	err := c.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_stat_activity
			WHERE state = 'active'
				AND pid <> pg_backend_pid()
				AND (query ILIKE $1 ESCAPE '\' OR query ILIKE $2 ESCAPE '\')
		)`, bare, quoted).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to check refresh activity for %s: %w", view, err)
	}
	return active, nil
}

// EscapeLikeForRefresh returns the LIKE pattern matching a refresh statement
// of view, with wildcards in the name escaped.
func EscapeLikeForRefresh(view string) string {
	return postgres.EscapeLike(refreshPrefix+view) + "%"
}

// Refresh runs a concurrent refresh of view and blocks until it completes.
func (c *Catalog) Refresh(ctx context.Context, view string) error {
	if err := postgres.ValidateRelationName(view); err != nil {
		return err
	}
	if _, err := c.db.Exec(ctx, refreshPrefix+postgres.QuoteIdent(view)); err != nil {
		return fmt.Errorf("failed to refresh %s: %w", view, err)
	}
	return nil
}

func (c *Catalog) DropView(ctx context.Context, name string) error {
	if err := postgres.ValidateRelationName(name); err != nil {
		return err
	}
	if _, err := c.db.Exec(ctx, "DROP MATERIALIZED VIEW IF EXISTS "+postgres.QuoteIdent(name)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	return nil
}
