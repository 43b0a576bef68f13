package matview

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const helpersLockKey = "matview:helpers"

var helperStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
	`CREATE OR REPLACE FUNCTION ` + ArrayTransformFunction + `(value jsonb) RETURNS text[]
LANGUAGE sql IMMUTABLE AS $$
	SELECT CASE
		WHEN jsonb_typeof(value) = 'array' THEN ARRAY(SELECT jsonb_array_elements_text(value))
		ELSE NULL
	END
$$`,
}

// EnsureHelpers installs the trigram extension and the array transform
// function. Concurrent callers across processes are serialized by a
// transaction-scoped advisory lock.
func EnsureHelpers(ctx context.Context, db DB) error {
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", helpersLockKey); err != nil {
			return fmt.Errorf("failed to lock helpers: %w", err)
		}
		for _, stmt := range helperStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to install helpers: %w", err)
			}
		}
		return nil
	})
}
