package entity

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const defaultFieldCacheTTL = time.Minute

type CachedFieldProviderConfig struct {
	Provider FieldProvider
	TTL      time.Duration
}

func (cfg *CachedFieldProviderConfig) Validate() error {
	if cfg.Provider == nil {
		return errors.New("provider is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultFieldCacheTTL
	}
	return nil
}

// CachedFieldProvider memoizes filterable field lookups per tenant and
// organization set for a fixed TTL.
type CachedFieldProvider struct {
	next  FieldProvider
	cache *ttlcache.Cache[string, []FieldDescriptor]
}

func NewCachedFieldProvider(cfg CachedFieldProviderConfig) (*CachedFieldProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []FieldDescriptor](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[string, []FieldDescriptor](),
	)
	go cache.Start()
	return &CachedFieldProvider{next: cfg.Provider, cache: cache}, nil
}

func (c *CachedFieldProvider) ListFilterableFields(ctx context.Context, tenant string, orgs []string) ([]FieldDescriptor, error) {
	key := cacheKey(tenant, orgs)
	if item := c.cache.Get(key); item != nil {
		return slices.Clone(item.Value()), nil
	}
	fields, err := c.next.ListFilterableFields(ctx, tenant, orgs)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, slices.Clone(fields), ttlcache.DefaultTTL)
	return fields, nil
}

// Invalidate drops every cached entry for the tenant.
func (c *CachedFieldProvider) Invalidate(tenant string) {
	prefix := tenant + "|"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
		}
	}
}

func (c *CachedFieldProvider) Close() {
	c.cache.Stop()
}

func cacheKey(tenant string, orgs []string) string {
	return tenant + "|" + strings.Join(orgs, ",")
}
