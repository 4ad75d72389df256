package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

func TestPutClusterIdempotentVersioning(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := &model.Cluster{Team: "t", Name: "backend", DiscoveryType: model.DiscoveryStrictDNS,
		ConnectTimeout: 5 * time.Second, Endpoints: []model.Endpoint{{Host: "10.0.0.1", Port: 8080}}}

	out1, err := s.PutCluster(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out1.Version)

	// Submitting the same content again must not bump the persisted
	// version (spec.md §8 "Idempotence of PUT"). This is distinct from the
	// cache's own Monotonic version law, which governs version tokens a
	// stream observes, not what the store persists.
	out2, err := s.PutCluster(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out2.Version)
}

func TestDeleteClusterConflictWhenReferenced(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, name := range []string{"blue", "green"} {
		_, err := s.PutCluster(ctx, &model.Cluster{
			Team: "t", Name: name, DiscoveryType: model.DiscoveryStrictDNS,
			ConnectTimeout: 5 * time.Second, Endpoints: []model.Endpoint{{Host: name, Port: 80}},
		})
		require.NoError(t, err)
	}

	rc := &model.RouteConfiguration{
		Team: "t", Name: "rc1",
		VirtualHosts: []model.VirtualHost{{
			Name: "vh1", Domains: []string{"*"},
			Routes: []model.Route{{
				Name:  "split",
				Match: model.PathMatch{Kind: model.PathPrefix, Value: "/"},
				Action: model.RouteAction{
					Kind: model.ActionWeighted,
					WeightedClusters: []model.WeightedClusterEntry{
						{Cluster: "blue", Weight: 80},
						{Cluster: "green", Weight: 20},
					},
					TotalWeight: 100,
				},
			}},
		}},
	}
	_, err := s.PutRouteConfig(ctx, rc)
	require.NoError(t, err)

	err = s.DeleteCluster(ctx, "t", "green")
	require.Error(t, err)
	assert.True(t, flowerr.Is(err, flowerr.Conflict))

	// green must still be persisted, and the route configuration version
	// must not have changed as a side effect of the rejected delete.
	got, err := s.GetCluster(ctx, "t", "green")
	require.NoError(t, err)
	assert.Equal(t, "green", got.Name)

	rcAfter, err := s.GetRouteConfig(ctx, "t", "rc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rcAfter.Version)
}

func TestPutRouteConfigRejectsUnknownCluster(t *testing.T) {
	ctx := context.Background()
	s := New()
	rc := &model.RouteConfiguration{
		Team: "t", Name: "rc1",
		VirtualHosts: []model.VirtualHost{{
			Name: "vh1", Domains: []string{"*"},
			Routes: []model.Route{{
				Name:   "r1",
				Match:  model.PathMatch{Kind: model.PathPrefix, Value: "/"},
				Action: model.RouteAction{Kind: model.ActionForward, Cluster: "does-not-exist"},
			}},
		}},
	}
	_, err := s.PutRouteConfig(ctx, rc)
	require.Error(t, err)
	assert.True(t, flowerr.Is(err, flowerr.Validation))
}

func TestSubscribeChangesDeliversChangeEvent(t *testing.T) {
	ctx := context.Background()
	s := New()
	ch, unsub := s.SubscribeChanges()
	defer unsub()

	_, err := s.PutCluster(ctx, &model.Cluster{
		Team: "t", Name: "c1", DiscoveryType: model.DiscoveryStrictDNS,
		ConnectTimeout: time.Second, Endpoints: []model.Endpoint{{Host: "h", Port: 1}},
	})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, store.EntityCluster, ev.EntityType)
		assert.Equal(t, "c1", ev.Name)
		assert.Equal(t, store.OpUpsert, ev.Op)
		assert.Equal(t, uint64(1), ev.NewVersion)
	case <-time.After(time.Second):
		t.Fatal("expected a change event")
	}
}

func TestTransactionalReplaceAPIDefinitionGarbageCollectsOrphans(t *testing.T) {
	ctx := context.Background()
	s := New()

	children := store.APIDefinitionChildren{
		APIDefinition: &model.APIDefinition{
			Team: "t", Name: "apidef-1", Domain: "api.example.com", Isolation: model.IsolationShared,
			Routes: []model.APIRoute{{Name: "a", Match: model.PathMatch{Kind: model.PathPrefix, Value: "/a"}, UpstreamHost: "a", UpstreamPort: 80}},
			DerivedClusterNames:    []string{"apidef-1-a"},
			DerivedRouteConfigName: "apidef-1-routes",
		},
		Clusters: []*model.Cluster{{
			Team: "t", Name: "apidef-1-a", DiscoveryType: model.DiscoveryStrictDNS,
			ConnectTimeout: time.Second, Endpoints: []model.Endpoint{{Host: "a", Port: 80}},
		}},
		RouteConfig: &model.RouteConfiguration{Team: "t", Name: "apidef-1-routes", VirtualHosts: []model.VirtualHost{{
			Name: "vh", Domains: []string{"api.example.com"},
			Routes: []model.Route{{Name: "a", Match: model.PathMatch{Kind: model.PathPrefix, Value: "/a"}, Action: model.RouteAction{Kind: model.ActionForward, Cluster: "apidef-1-a"}}},
		}}},
		SharedListener: &model.Listener{
			Team: "t", Name: "shared", BindAddress: "0.0.0.0", Port: 10000, Protocol: model.ProtocolHTTP,
			FilterChains: []model.FilterChain{{Filters: []model.NetworkFilter{{Kind: model.NetworkFilterHCM, HCM: &model.HTTPConnectionManager{RouteConfigName: "apidef-1-routes", HTTPFilters: []string{string(model.FilterRouter)}}}}}},
		},
	}

	require.NoError(t, s.TransactionalReplaceAPIDefinition(ctx, children))

	_, err := s.GetCluster(ctx, "t", "apidef-1-a")
	require.NoError(t, err)

	// Second generation drops cluster apidef-1-a in favor of apidef-1-b.
	children.APIDefinition.DerivedClusterNames = []string{"apidef-1-b"}
	children.Clusters = []*model.Cluster{{
		Team: "t", Name: "apidef-1-b", DiscoveryType: model.DiscoveryStrictDNS,
		ConnectTimeout: time.Second, Endpoints: []model.Endpoint{{Host: "b", Port: 80}},
	}}
	children.RouteConfig.VirtualHosts[0].Routes[0].Action.Cluster = "apidef-1-b"

	require.NoError(t, s.TransactionalReplaceAPIDefinition(ctx, children))

	_, err = s.GetCluster(ctx, "t", "apidef-1-a")
	require.Error(t, err)
	assert.True(t, flowerr.Is(err, flowerr.NotFound))

	got, err := s.GetCluster(ctx, "t", "apidef-1-b")
	require.NoError(t, err)
	assert.Equal(t, "apidef-1-b", got.Name)
}

func TestDomainCollisionReturnsConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	mk := func(name string) store.APIDefinitionChildren {
		return store.APIDefinitionChildren{
			APIDefinition: &model.APIDefinition{
				Team: "t", Name: name, Domain: "shared.example.com", Isolation: model.IsolationShared,
				Routes: []model.APIRoute{{Name: "a", Match: model.PathMatch{Kind: model.PathPrefix, Value: "/a"}, UpstreamHost: "a", UpstreamPort: 80}},
			},
			RouteConfig: &model.RouteConfiguration{Team: "t", Name: name + "-routes"},
			SharedListener: &model.Listener{
				Team: "t", Name: "shared", BindAddress: "0.0.0.0", Port: 10000, Protocol: model.ProtocolHTTP,
			},
		}
	}

	require.NoError(t, s.TransactionalReplaceAPIDefinition(ctx, mk("apidef-1")))
	err := s.TransactionalReplaceAPIDefinition(ctx, mk("apidef-2"))
	require.Error(t, err)
	assert.True(t, flowerr.Is(err, flowerr.Conflict))
}
