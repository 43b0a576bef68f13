package entity

import (
	"context"
	"slices"
)

// FieldProvider returns the filterable field descriptors visible to a tenant
// across the given organizations. It is backed by the entity type catalog,
// which this module only reads.
type FieldProvider interface {
	ListFilterableFields(ctx context.Context, tenant string, orgs []string) ([]FieldDescriptor, error)
}

// TenantRegistry enumerates the tenants known to the system.
type TenantRegistry interface {
	ListTenants(ctx context.Context) ([]string, error)
}

type StaticTenants []string

func (s StaticTenants) ListTenants(context.Context) ([]string, error) {
	return slices.Clone([]string(s)), nil
}
