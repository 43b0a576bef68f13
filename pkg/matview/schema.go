package matview

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/matview/pkg/entity"
	"github.com/malbeclabs/matview/pkg/postgres"
)

// ArrayTransformFunction converts a JSON array into a text[]; a plain
// ::type[] cast does not accept JSON-encoded arrays.
const ArrayTransformFunction = "matview_jsonb_to_text_array"

const (
	sqlInteger     = "integer"
	sqlBigInt      = "bigint"
	sqlBoolean     = "boolean"
	sqlTimestampTZ = "timestamp with time zone"
	sqlVarchar     = "character varying"
	sqlText        = "text"
	sqlJSON        = "json"
	sqlJSONB       = "jsonb"
)

var sqlTypes = map[entity.ScalarType]string{
	entity.TypeInteger:   sqlInteger,
	entity.TypeBigInt:    sqlBigInt,
	entity.TypeBoolean:   sqlBoolean,
	entity.TypeDate:      sqlTimestampTZ,
	entity.TypeTimestamp: sqlTimestampTZ,
	entity.TypeString:    sqlVarchar,
	entity.TypeText:      sqlText,
	entity.TypeJSON:      sqlJSON,
	entity.TypeJSONB:     sqlJSONB,
}

// Bookkeeping columns never projected into a view.
var excludedColumns = map[string]struct{}{
	"created_at": {},
	"updated_at": {},
}

// SQLType maps a declared type to its PostgreSQL type.
func SQLType(t entity.DataType) (string, bool) {
	base, ok := sqlTypes[t.Scalar]
	if !ok {
		return "", false
	}
	if t.Array {
		// Arrays of json are not supported by the array transform.
		if t.Scalar == entity.TypeJSON || t.Scalar == entity.TypeJSONB {
			return "", false
		}
		return base + "[]", true
	}
	return base, true
}

// IsTextual reports whether sqlType takes a trigram index.
func IsTextual(sqlType string) bool {
	return sqlType == sqlVarchar || sqlType == sqlText
}

// IsArray reports whether sqlType is an array type.
func IsArray(sqlType string) bool {
	return strings.HasSuffix(sqlType, "[]")
}

// Field is one projected column of a view. Expression is the select-list
// expression without its alias.
type Field struct {
	Name       string
	SQLType    string
	Expression string
	Filterable bool
	Derived    bool
}

// ViewSchema is the projection of one model's view. Concrete fields are
// native columns; derived fields are extracted from the payload column.
type ViewSchema struct {
	Model    string
	Concrete []Field
	Derived  []Field
}

// Fields returns concrete fields followed by derived ones.
func (s *ViewSchema) Fields() []Field {
	out := make([]Field, 0, len(s.Concrete)+len(s.Derived))
	out = append(out, s.Concrete...)
	return append(out, s.Derived...)
}

// Field looks up a projected field by column name.
func (s *ViewSchema) Field(name string) (Field, bool) {
	for _, f := range s.Fields() {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Columns returns the view's column names in projection order.
func (s *ViewSchema) Columns() []string {
	fields := s.Fields()
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

// Projection renders the select list, concrete fields first.
func (s *ViewSchema) Projection() string {
	parts := make([]string, 0, len(s.Concrete)+len(s.Derived))
	for _, f := range s.Concrete {
		parts = append(parts, f.Expression)
	}
	for _, f := range s.Derived {
		parts = append(parts, f.Expression+" AS "+postgres.QuoteIdent(f.Name))
	}
	return strings.Join(parts, ", ")
}

// Compile builds the view schema of a model from its native columns and the
// filterable fields declared for it. Fields that cannot be projected are
// returned as *FieldError and skipped; the rest of the schema still compiles.
func Compile(model *entity.Model, fields []entity.FieldDescriptor) (*ViewSchema, []error) {
	var errs []error

	filterable := make(map[string]entity.FieldDescriptor, len(fields))
	var order []string
	for _, f := range fields {
		if !f.AllowFiltering || !f.AppliesTo(model.Name) {
			continue
		}
		if _, dup := filterable[f.Name]; dup {
			continue
		}
		filterable[f.Name] = f
		order = append(order, f.Name)
	}

	schema := &ViewSchema{Model: model.Name}

	for _, c := range model.Columns {
		if _, skip := excludedColumns[c.Name]; skip {
			continue
		}
		sqlType, ok := SQLType(c.Type)
		if !ok {
			continue
		}
		_, isFilterable := filterable[c.Name]
		schema.Concrete = append(schema.Concrete, Field{
			Name:       c.Name,
			SQLType:    sqlType,
			Expression: postgres.QuoteIdent(c.Name),
			Filterable: isFilterable,
		})
	}

	for _, name := range order {
		if model.HasColumn(name) {
			continue
		}
		f := filterable[name]
		if err := postgres.ValidateIdentifier(f.Name); err != nil {
			errs = append(errs, &FieldError{Model: model.Name, Field: f.Name, Err: err})
			continue
		}
		sqlType, ok := SQLType(f.Type)
		if !ok {
			errs = append(errs, &FieldError{Model: model.Name, Field: f.Name, Err: fmt.Errorf("%w: %s", ErrUnmappableType, f.Type)})
			continue
		}
		schema.Derived = append(schema.Derived, Field{
			Name:       f.Name,
			SQLType:    sqlType,
			Expression: derivedExpression(model.PayloadColumn, f.Name, f.Type, sqlType),
			Filterable: true,
			Derived:    true,
		})
	}

	return schema, errs
}

func derivedExpression(payload, key string, t entity.DataType, sqlType string) string {
	col := postgres.QuoteIdent(payload)
	lit := postgres.QuoteLiteral(key)
	switch {
	case t.Array:
		return fmt.Sprintf("%s((%s->%s)::jsonb)::%s", ArrayTransformFunction, col, lit, sqlType)
	case t.Scalar == entity.TypeJSON || t.Scalar == entity.TypeJSONB:
		return fmt.Sprintf("(%s->%s)::%s", col, lit, sqlType)
	default:
		return fmt.Sprintf("(%s->>%s)::%s", col, lit, sqlType)
	}
}

// Predicate renders the base predicate of a model conjoined with the tenant
// filter. The tenant code is validated before it is escaped.
func Predicate(model *entity.Model, tenant string) (string, error) {
	if err := postgres.ValidateTenantCode(tenant); err != nil {
		return "", err
	}

	var parts []string
	if model.SoftDeleteColumn != "" {
		parts = append(parts, postgres.QuoteIdent(model.SoftDeleteColumn)+" IS NULL")
	}
	if model.ExpiryColumn != "" {
		t, _ := model.ColumnType(model.ExpiryColumn)
		col := postgres.QuoteIdent(model.ExpiryColumn)
		now := "now()"
		if t.Scalar == entity.TypeInteger || t.Scalar == entity.TypeBigInt {
			now = "extract(epoch from now())"
		}
		parts = append(parts, fmt.Sprintf("(%s IS NULL OR %s > %s)", col, col, now))
	}
	parts = append(parts, postgres.QuoteIdent(model.TenantColumn)+" = "+postgres.QuoteLiteral(tenant))
	return strings.Join(parts, " AND "), nil
}

// CreateStatement renders the CREATE MATERIALIZED VIEW statement for view.
func CreateStatement(view string, model *entity.Model, schema *ViewSchema, tenant string) (string, error) {
	if err := postgres.ValidateRelationName(view); err != nil {
		return "", err
	}
	if len(schema.Concrete)+len(schema.Derived) == 0 {
		return "", fmt.Errorf("model %s has no projectable columns", model.Name)
	}
	pred, err := Predicate(model, tenant)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CREATE MATERIALIZED VIEW %s AS SELECT %s FROM %s WHERE %s",
		postgres.QuoteIdent(view),
		schema.Projection(),
		postgres.QuoteIdent(model.Table),
		pred,
	), nil
}
