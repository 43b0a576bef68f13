package entity

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScalarType is a declared field type as stored in the entity type catalog.
type ScalarType string

const (
	TypeInteger   ScalarType = "INTEGER"
	TypeBigInt    ScalarType = "BIGINT"
	TypeBoolean   ScalarType = "BOOLEAN"
	TypeDate      ScalarType = "DATE"
	TypeTimestamp ScalarType = "TIMESTAMP"
	TypeString    ScalarType = "STRING"
	TypeText      ScalarType = "TEXT"
	TypeJSON      ScalarType = "JSON"
	TypeJSONB     ScalarType = "JSONB"
)

var knownScalars = map[ScalarType]struct{}{
	TypeInteger:   {},
	TypeBigInt:    {},
	TypeBoolean:   {},
	TypeDate:      {},
	TypeTimestamp: {},
	TypeString:    {},
	TypeText:      {},
	TypeJSON:      {},
	TypeJSONB:     {},
}

// DataType is a scalar type or a one-dimensional array of one.
type DataType struct {
	Scalar ScalarType
	Array  bool
}

func Scalar(t ScalarType) DataType  { return DataType{Scalar: t} }
func ArrayOf(t ScalarType) DataType { return DataType{Scalar: t, Array: true} }

func (d DataType) String() string {
	if d.Array {
		return fmt.Sprintf("ARRAY[%s]", d.Scalar)
	}
	return string(d.Scalar)
}

// Known reports whether the scalar part is a recognised type.
func (d DataType) Known() bool {
	_, ok := knownScalars[d.Scalar]
	return ok
}

// ParseDataType accepts "STRING", "ARRAY[STRING]", "ARRAY(STRING)" and
// "STRING[]" (case-insensitive). On error the returned DataType still carries
// the raw scalar so callers can report it.
func ParseDataType(s string) (DataType, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	if raw == "" {
		return DataType{}, fmt.Errorf("empty data type")
	}

	var d DataType
	switch {
	case strings.HasPrefix(raw, "ARRAY[") && strings.HasSuffix(raw, "]"):
		d = DataType{Scalar: ScalarType(strings.TrimSpace(raw[len("ARRAY[") : len(raw)-1])), Array: true}
	case strings.HasPrefix(raw, "ARRAY(") && strings.HasSuffix(raw, ")"):
		d = DataType{Scalar: ScalarType(strings.TrimSpace(raw[len("ARRAY(") : len(raw)-1])), Array: true}
	case strings.HasSuffix(raw, "[]"):
		d = DataType{Scalar: ScalarType(strings.TrimSpace(strings.TrimSuffix(raw, "[]"))), Array: true}
	default:
		d = DataType{Scalar: ScalarType(raw)}
	}

	// Length-qualified strings such as STRING(255) map to the base type.
	if i := strings.IndexByte(string(d.Scalar), '('); i > 0 && strings.HasSuffix(string(d.Scalar), ")") {
		d.Scalar = d.Scalar[:i]
	}

	if !d.Known() {
		return d, fmt.Errorf("unknown data type %q", s)
	}
	return d, nil
}

func (d *DataType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDataType(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = parsed
	return nil
}

func (d DataType) MarshalYAML() (any, error) {
	return d.String(), nil
}

// FieldDescriptor is a filterable field from the entity type catalog. It is
// owned by the catalog and read-only here.
type FieldDescriptor struct {
	Name                string
	Models              []string
	Type                DataType
	AllowFiltering      bool
	AllowCustomEntities bool
	OrganizationCode    string
	TenantCode          string
}

func (f FieldDescriptor) AppliesTo(model string) bool {
	for _, m := range f.Models {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// GroupByModel keeps filterable fields and groups them per model name as
// declared in the registry. When the same field name appears more than once
// for a model, the first occurrence wins, so providers return fields in
// organization priority order.
func GroupByModel(fields []FieldDescriptor, models []*Model) map[string][]FieldDescriptor {
	grouped := make(map[string][]FieldDescriptor)
	seen := make(map[string]map[string]struct{})
	for _, f := range fields {
		if !f.AllowFiltering {
			continue
		}
		for _, m := range models {
			if !f.AppliesTo(m.Name) {
				continue
			}
			if seen[m.Name] == nil {
				seen[m.Name] = make(map[string]struct{})
			}
			if _, dup := seen[m.Name][f.Name]; dup {
				continue
			}
			seen[m.Name][f.Name] = struct{}{}
			grouped[m.Name] = append(grouped[m.Name], f)
		}
	}
	return grouped
}
