package entity

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/malbeclabs/matview/pkg/postgres"
	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultModelsYAML []byte

var ErrUnknownModel = errors.New("unknown model")

type Column struct {
	Name string   `yaml:"name"`
	Type DataType `yaml:"type"`
}

// Model describes the table backing a logical model and how its searchable
// view is shaped.
type Model struct {
	Name       string   `yaml:"name"`
	Table      string   `yaml:"table"`
	PrimaryKey []string `yaml:"primary_key"`
	Columns    []Column `yaml:"columns"`

	PayloadColumn    string `yaml:"payload_column"`
	TenantColumn     string `yaml:"tenant_column"`
	SoftDeleteColumn string `yaml:"soft_delete_column"`
	// ExpiryColumn marks time-bounded models; rows whose expiry is in the
	// past are excluded from the view.
	ExpiryColumn string `yaml:"expiry_column"`

	SearchFields    []string      `yaml:"search_fields"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

func (m *Model) Validate() error {
	if m.Name == "" {
		return errors.New("model name is required")
	}
	if err := postgres.ValidateIdentifier(m.Table); err != nil {
		return fmt.Errorf("model %s: table: %w", m.Name, err)
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("model %s: at least one column is required", m.Name)
	}
	seen := make(map[string]struct{}, len(m.Columns))
	for _, c := range m.Columns {
		if err := postgres.ValidateIdentifier(c.Name); err != nil {
			return fmt.Errorf("model %s: column: %w", m.Name, err)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("model %s: duplicate column %q", m.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	if len(m.PrimaryKey) == 0 {
		return fmt.Errorf("model %s: primary key is required", m.Name)
	}
	for _, pk := range m.PrimaryKey {
		if !m.HasColumn(pk) {
			return fmt.Errorf("model %s: primary key column %q is not a declared column", m.Name, pk)
		}
	}
	if m.TenantColumn == "" {
		m.TenantColumn = "tenant_code"
	}
	if !m.HasColumn(m.TenantColumn) {
		return fmt.Errorf("model %s: tenant column %q is not a declared column", m.Name, m.TenantColumn)
	}
	if m.PayloadColumn == "" {
		m.PayloadColumn = "meta"
	}
	if !m.HasColumn(m.PayloadColumn) {
		return fmt.Errorf("model %s: payload column %q is not a declared column", m.Name, m.PayloadColumn)
	}
	if m.SoftDeleteColumn != "" && !m.HasColumn(m.SoftDeleteColumn) {
		return fmt.Errorf("model %s: soft delete column %q is not a declared column", m.Name, m.SoftDeleteColumn)
	}
	if m.ExpiryColumn != "" {
		t, ok := m.ColumnType(m.ExpiryColumn)
		if !ok {
			return fmt.Errorf("model %s: expiry column %q is not a declared column", m.Name, m.ExpiryColumn)
		}
		switch t.Scalar {
		case TypeDate, TypeTimestamp, TypeInteger, TypeBigInt:
		default:
			return fmt.Errorf("model %s: expiry column %q must be a timestamp or epoch seconds, got %s", m.Name, m.ExpiryColumn, t)
		}
	}
	for _, f := range m.SearchFields {
		if err := postgres.ValidateIdentifier(f); err != nil {
			return fmt.Errorf("model %s: search field: %w", m.Name, err)
		}
	}
	if m.RefreshInterval < 0 {
		return fmt.Errorf("model %s: refresh interval must not be negative", m.Name)
	}
	return nil
}

func (m *Model) HasColumn(name string) bool {
	_, ok := m.ColumnType(name)
	return ok
}

func (m *Model) ColumnType(name string) (DataType, bool) {
	for _, c := range m.Columns {
		if c.Name == name {
			return c.Type, true
		}
	}
	return DataType{}, false
}

// Registry maps logical model names to their table definitions.
type Registry struct {
	models []*Model
	byName map[string]*Model
}

type registryFile struct {
	Models []*Model `yaml:"models"`
}

func NewRegistry(models ...*Model) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Model, len(models))}
	for _, m := range models {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(m.Name)
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("duplicate model %q", m.Name)
		}
		for _, other := range r.models {
			if other.Table == m.Table {
				return nil, fmt.Errorf("models %q and %q share table %q", other.Name, m.Name, m.Table)
			}
		}
		r.byName[key] = m
		r.models = append(r.models, m)
	}
	return r, nil
}

func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model registry: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, errors.New("model registry defines no models")
	}
	return NewRegistry(f.Models...)
}

func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model registry %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// DefaultRegistry returns the built-in User and Session models.
func DefaultRegistry() (*Registry, error) {
	return ParseRegistry(defaultModelsYAML)
}

func (r *Registry) Model(name string) (*Model, error) {
	m, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return m, nil
}

func (r *Registry) Models() []*Model {
	out := make([]*Model, len(r.models))
	copy(out, r.models)
	return out
}
