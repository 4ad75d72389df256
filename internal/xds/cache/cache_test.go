package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/store/memory"
)

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, _ string, src *model.SecretSource) ([]byte, error) {
	return []byte("material:" + string(src.Ciphertext)), nil
}

func newTestCache(t *testing.T) (*Cache, *memory.Store) {
	t.Helper()
	st := memory.New()
	c := New(st, stubResolver{}, slog.Default())
	return c, st
}

func mustPutCluster(t *testing.T, ctx context.Context, st *memory.Store, team, name string) {
	t.Helper()
	_, err := st.PutCluster(ctx, &model.Cluster{
		Team: team, Name: name, DiscoveryType: model.DiscoveryStrictDNS,
		ConnectTimeout: 5 * time.Second, Endpoints: []model.Endpoint{{Host: "10.0.0.1", Port: 8080}},
	})
	require.NoError(t, err)
}

func TestSeedBuildsClusterResource(t *testing.T) {
	ctx := context.Background()
	c, st := newTestCache(t)
	mustPutCluster(t, ctx, st, "team-a", "backend")

	require.NoError(t, c.Seed(ctx, []string{"team-a"}))

	_, ok := c.Get(TypeCluster, "team-a", "backend")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Token(TypeCluster))
}

func TestHandleChangeUpsertBumpsTokenOnlyWhenContentDiffers(t *testing.T) {
	ctx := context.Background()
	c, st := newTestCache(t)
	mustPutCluster(t, ctx, st, "team-a", "backend")
	require.NoError(t, c.Seed(ctx, []string{"team-a"}))

	before := c.Token(TypeCluster)

	changed, err := c.rebuildCluster(ctx, entKey{"team-a", "backend"})
	require.NoError(t, err)
	assert.False(t, changed, "rebuilding from identical content must not bump the token")
	assert.Equal(t, before, c.Token(TypeCluster))

	_, err = st.PutCluster(ctx, &model.Cluster{
		Team: "team-a", Name: "backend", DiscoveryType: model.DiscoveryStrictDNS,
		ConnectTimeout: 9 * time.Second, Endpoints: []model.Endpoint{{Host: "10.0.0.2", Port: 9090}},
	})
	require.NoError(t, err)

	changed, err = c.rebuildCluster(ctx, entKey{"team-a", "backend"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, before+1, c.Token(TypeCluster))
}

// A RouteConfiguration's wire bytes only ever carry a referenced
// cluster's name, never its content, so walking the cluster->route-config
// edge on an unrelated cluster change must not spuriously bump the route
// configuration's version token.
func TestClusterChangeWalksReferencingRouteConfigWithoutSpuriousBump(t *testing.T) {
	ctx := context.Background()
	c, st := newTestCache(t)
	mustPutCluster(t, ctx, st, "team-a", "backend")

	rc := &model.RouteConfiguration{
		Team: "team-a", Name: "rc1",
		VirtualHosts: []model.VirtualHost{{
			Name: "vh1", Domains: []string{"*"},
			Routes: []model.Route{{
				Name:   "r1",
				Match:  model.PathMatch{Kind: model.PathPrefix, Value: "/"},
				Action: model.RouteAction{Kind: model.ActionForward, Cluster: "backend"},
			}},
		}},
	}
	_, err := st.PutRouteConfig(ctx, rc)
	require.NoError(t, err)

	require.NoError(t, c.Seed(ctx, []string{"team-a"}))
	_, ok := c.Get(TypeRouteConfig, "team-a", "rc1")
	require.True(t, ok)

	rcTokenBefore := c.Token(TypeRouteConfig)

	err = c.HandleChange(ctx, store.ChangeEvent{EntityType: store.EntityCluster, Team: "team-a", Name: "backend", Op: store.OpUpsert, NewVersion: 2})
	require.NoError(t, err)
	// Same cluster content as before Seed -> no actual change, so the
	// dependent route config's bytes are unaffected even though it was
	// walked and rebuilt.
	assert.Equal(t, rcTokenBefore, c.Token(TypeRouteConfig))
}

func TestFilterChangeInvalidatesListenerEmbeddingIt(t *testing.T) {
	ctx := context.Background()
	c, st := newTestCache(t)

	f := &model.HTTPFilter{
		Team: "team-a", Name: "rl1", Kind: model.FilterLocalRateLimit,
		Config: model.FilterConfig{Kind: model.FilterLocalRateLimit, LocalRateLimit: &model.LocalRateLimitConfig{
			MaxTokens: 10, TokensPerFill: 10, FillInterval: time.Second,
		}},
	}
	_, err := st.PutFilter(ctx, f)
	require.NoError(t, err)

	rc := &model.RouteConfiguration{
		Team: "team-a", Name: "rc1",
		VirtualHosts: []model.VirtualHost{{
			Name: "vh1", Domains: []string{"*"},
			Routes: []model.Route{{
				Name:   "r1",
				Match:  model.PathMatch{Kind: model.PathPrefix, Value: "/"},
				Action: model.RouteAction{Kind: model.ActionForward, Cluster: "backend"},
			}},
		}},
	}
	mustPutCluster(t, ctx, st, "team-a", "backend")
	_, err = st.PutRouteConfig(ctx, rc)
	require.NoError(t, err)

	l := &model.Listener{
		Team: "team-a", Name: "l1", BindAddress: "0.0.0.0", Port: 10000, Protocol: model.ProtocolHTTP,
		FilterChains: []model.FilterChain{{
			Filters: []model.NetworkFilter{{
				Kind: model.NetworkFilterHCM,
				HCM:  &model.HTTPConnectionManager{RouteConfigName: "rc1", HTTPFilters: []string{"rl1"}},
			}},
		}},
	}
	_, err = st.PutListener(ctx, l)
	require.NoError(t, err)

	require.NoError(t, c.Seed(ctx, []string{"team-a"}))
	listenerTokenBefore := c.Token(TypeListener)

	f2 := &model.HTTPFilter{
		Team: "team-a", Name: "rl1", Kind: model.FilterLocalRateLimit,
		Config: model.FilterConfig{Kind: model.FilterLocalRateLimit, LocalRateLimit: &model.LocalRateLimitConfig{
			MaxTokens: 99, TokensPerFill: 99, FillInterval: 2 * time.Second,
		}},
	}
	_, err = st.PutFilter(ctx, f2)
	require.NoError(t, err)

	err = c.HandleChange(ctx, store.ChangeEvent{EntityType: store.EntityFilter, Team: "team-a", Name: "rl1", Op: store.OpUpsert, NewVersion: 2})
	require.NoError(t, err)

	assert.Greater(t, c.Token(TypeListener), listenerTokenBefore,
		"changing an inline listener-attached filter's config must invalidate the listener")
}

func TestDeletedClusterRemovedFromCache(t *testing.T) {
	ctx := context.Background()
	c, st := newTestCache(t)
	mustPutCluster(t, ctx, st, "team-a", "only-ref")
	require.NoError(t, c.Seed(ctx, []string{"team-a"}))
	_, ok := c.Get(TypeCluster, "team-a", "only-ref")
	require.True(t, ok)

	require.NoError(t, st.DeleteCluster(ctx, "team-a", "only-ref"))
	require.NoError(t, c.HandleChange(ctx, store.ChangeEvent{EntityType: store.EntityCluster, Team: "team-a", Name: "only-ref", Op: store.OpDelete}))

	_, ok = c.Get(TypeCluster, "team-a", "only-ref")
	assert.False(t, ok)
}
