package cache

import (
	"context"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
)

// Filter implements build.Context: it looks up a currently-known HTTP
// filter by name from the cache's own bookkeeping rather than the store,
// so a build always sees the filter state the cache's dependency graph
// was computed against.
func (c *Cache) Filter(team, name string) (*model.HTTPFilter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.filters[entKey{team, name}]
	return f, ok
}

// SecretMaterial implements build.Context by delegating to the injected
// SecretResolver (internal/secrets' SDS delegate). The cache keeps no
// resolved material apart from the Secret wire resources it builds from
// it. A resolver failure fails that Secret's rebuild with the error, and
// the Secret resource cached before it stays in place.
func (c *Cache) SecretMaterial(team string, src *model.SecretSource) ([]byte, error) {
	if c.resolver == nil {
		return nil, flowerr.New(flowerr.BackendUnavailable, "cache.SecretMaterial", team, "no secret resolver configured")
	}
	return c.resolver.Resolve(context.Background(), team, src)
}
