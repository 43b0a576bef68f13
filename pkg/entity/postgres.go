package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/matview/pkg/postgres"
)

const defaultCatalogTable = "entity_types"

type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresCatalogConfig struct {
	Logger *slog.Logger
	DB     Querier
	// Table holding entity type rows, defaults to entity_types.
	Table string
}

func (cfg *PostgresCatalogConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if cfg.Table == "" {
		cfg.Table = defaultCatalogTable
	}
	if err := postgres.ValidateIdentifier(cfg.Table); err != nil {
		return fmt.Errorf("catalog table: %w", err)
	}
	return nil
}

// PostgresCatalog reads filterable fields and tenants from the entity type
// table maintained by the application.
type PostgresCatalog struct {
	log *slog.Logger
	cfg PostgresCatalogConfig
}

func NewPostgresCatalog(cfg PostgresCatalogConfig) (*PostgresCatalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresCatalog{log: cfg.Logger, cfg: cfg}, nil
}

func (c *PostgresCatalog) ListFilterableFields(ctx context.Context, tenant string, orgs []string) ([]FieldDescriptor, error) {
	if orgs == nil {
		orgs = []string{}
	}
	query := `
		SELECT value,
		       COALESCE(model_names, '{}'::text[]),
		       data_type,
		       allow_filtering,
		       COALESCE(allow_custom_entities, false),
		       COALESCE(organization_code, ''),
		       tenant_code
		FROM ` + postgres.QuoteIdent(c.cfg.Table) + `
		WHERE tenant_code = $1
		  AND allow_filtering = true
		  AND status = 'ACTIVE'
		  AND deleted_at IS NULL
		  AND (cardinality($2::text[]) = 0 OR organization_code = ANY($2::text[]))
		ORDER BY COALESCE(array_position($2::text[], organization_code), 0), id`

	rows, err := c.cfg.DB.Query(ctx, query, tenant, orgs)
	if err != nil {
		return nil, fmt.Errorf("failed to query filterable fields: %w", err)
	}
	defer rows.Close()

	var fields []FieldDescriptor
	for rows.Next() {
		var (
			f       FieldDescriptor
			rawType string
		)
		if err := rows.Scan(&f.Name, &f.Models, &rawType, &f.AllowFiltering, &f.AllowCustomEntities, &f.OrganizationCode, &f.TenantCode); err != nil {
			return nil, fmt.Errorf("failed to scan filterable field: %w", err)
		}
		t, err := ParseDataType(rawType)
		if err != nil {
			// Kept so the compiler reports it as a skipped field.
			c.log.Debug("entity: unparsable data type", "tenant", tenant, "field", f.Name, "type", rawType)
		}
		f.Type = t
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read filterable fields: %w", err)
	}
	return fields, nil
}

func (c *PostgresCatalog) ListTenants(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT tenant_code
		FROM ` + postgres.QuoteIdent(c.cfg.Table) + `
		WHERE deleted_at IS NULL AND tenant_code IS NOT NULL
		ORDER BY tenant_code`

	rows, err := c.cfg.DB.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read tenants: %w", err)
	}
	return tenants, nil
}
