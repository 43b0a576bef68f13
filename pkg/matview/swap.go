package matview

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/malbeclabs/matview/pkg/postgres"
)

// Promote renames temp to canonical in one transaction. An existing
// canonical view is first parked under a fresh retired name, which is
// returned so the caller can drop it. On error nothing is renamed.
func Promote(ctx context.Context, db DB, temp, canonical string) (string, error) {
	if err := postgres.ValidateRelationName(temp); err != nil {
		return "", err
	}
	if err := postgres.ValidateRelationName(canonical); err != nil {
		return "", err
	}

	var retired string
	err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		exists, err := matviewExists(ctx, tx, canonical)
		if err != nil {
			return err
		}
		if exists {
			retired = TempName(canonical)
			if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER MATERIALIZED VIEW %s RENAME TO %s",
				postgres.QuoteIdent(canonical), postgres.QuoteIdent(retired))); err != nil {
				return fmt.Errorf("failed to retire %s: %w", canonical, err)
			}
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER MATERIALIZED VIEW %s RENAME TO %s",
			postgres.QuoteIdent(temp), postgres.QuoteIdent(canonical))); err != nil {
			if isUndefinedTable(err) {
				return fmt.Errorf("%w: %s", ErrTempViewMissing, temp)
			}
			return fmt.Errorf("failed to promote %s: %w", temp, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return retired, nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
