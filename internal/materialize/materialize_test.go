package materialize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store/memory"
)

func dedicatedAPIDef() *model.APIDefinition {
	return &model.APIDefinition{
		Team:   "team-a",
		Name:   "apidef-checkout",
		Domain: "checkout.example.com",
		Routes: []model.APIRoute{
			{
				Name:         "root",
				Match:        model.PathMatch{Kind: model.PathPrefix, Value: "/"},
				UpstreamHost: "checkout-svc",
				UpstreamPort: 8080,
			},
		},
		Isolation:   model.IsolationDedicated,
		BindAddress: "0.0.0.0",
		Port:        10001,
	}
}

func TestApplyDedicatedCreatesClusterRouteConfigAndListener(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := New(st, Config{})

	a := dedicatedAPIDef()
	out, err := m.Apply(ctx, a)
	require.NoError(t, err)
	require.Len(t, out.DerivedClusterNames, 1)

	clusters, err := st.ListClusters(ctx, "team-a")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, out.DerivedClusterNames[0], clusters[0].Name)

	rc, err := st.GetRouteConfig(ctx, "team-a", out.DerivedRouteConfigName)
	require.NoError(t, err)
	require.Len(t, rc.VirtualHosts, 1)
	assert.Equal(t, []string{"checkout.example.com"}, rc.VirtualHosts[0].Domains)
	require.Len(t, rc.VirtualHosts[0].Routes, 1)
	assert.Equal(t, clusters[0].Name, rc.VirtualHosts[0].Routes[0].Action.Cluster)

	listener, err := st.GetListener(ctx, "team-a", out.DerivedListenerName)
	require.NoError(t, err)
	assert.Equal(t, uint32(10001), listener.Port)
	assert.Equal(t, rc.Name, listener.FilterChains[0].Filters[0].HCM.RouteConfigName)
}

func TestClusterNameIsStableAcrossRouteReorder(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := New(st, Config{})

	a := dedicatedAPIDef()
	a.Routes = append(a.Routes, model.APIRoute{
		Name:         "second",
		Match:        model.PathMatch{Kind: model.PathPrefix, Value: "/other"},
		UpstreamHost: "other-svc",
		UpstreamPort: 9090,
	})
	out1, err := m.Apply(ctx, a)
	require.NoError(t, err)
	firstNames := append([]string{}, out1.DerivedClusterNames...)

	reordered := dedicatedAPIDef()
	reordered.Routes = []model.APIRoute{
		a.Routes[1],
		a.Routes[0],
	}
	reordered.Version = out1.Version
	out2, err := m.Apply(ctx, reordered)
	require.NoError(t, err)

	assert.ElementsMatch(t, firstNames, out2.DerivedClusterNames)

	clusters, err := st.ListClusters(ctx, "team-a")
	require.NoError(t, err)
	assert.Len(t, clusters, 2, "reordering routes must not create duplicate clusters")
}

func TestApplySharedListenerMergesVirtualHosts(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := New(st, Config{DefaultSharedListenerName: "edge", DefaultSharedListenerBind: "0.0.0.0", DefaultSharedListenerPort: 8443})

	first := &model.APIDefinition{
		Team:   "team-a",
		Name:   "apidef-a",
		Domain: "a.example.com",
		Routes: []model.APIRoute{{
			Name: "root", Match: model.PathMatch{Kind: model.PathPrefix, Value: "/"},
			UpstreamHost: "a", UpstreamPort: 80,
		}},
		Isolation: model.IsolationShared,
	}
	second := &model.APIDefinition{
		Team:   "team-a",
		Name:   "apidef-b",
		Domain: "b.example.com",
		Routes: []model.APIRoute{{
			Name: "root", Match: model.PathMatch{Kind: model.PathPrefix, Value: "/"},
			UpstreamHost: "b", UpstreamPort: 80,
		}},
		Isolation: model.IsolationShared,
	}

	_, err := m.Apply(ctx, first)
	require.NoError(t, err)
	_, err = m.Apply(ctx, second)
	require.NoError(t, err)

	listeners, err := st.ListListeners(ctx, "team-a")
	require.NoError(t, err)
	require.Len(t, listeners, 1, "both api definitions must share one listener")

	rc, err := st.GetRouteConfig(ctx, "team-a", listeners[0].FilterChains[0].Filters[0].HCM.RouteConfigName)
	require.NoError(t, err)
	require.Len(t, rc.VirtualHosts, 2, "shared route config must carry both virtual hosts")
}

func TestApplyRejectsUnknownFilterOverride(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := New(st, Config{})

	a := dedicatedAPIDef()
	a.Routes[0].FilterOverrides = map[string]model.FilterOverride{
		"missing-filter": {Kind: model.OverrideDisable},
	}

	_, err := m.Apply(ctx, a)
	require.Error(t, err)
}

func TestApplyValidatesPerRouteOverrideAgainstFilterMeta(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := New(st, Config{})

	_, err := st.PutFilter(ctx, &model.HTTPFilter{
		Team: "team-a",
		Name: "cors",
		Kind: model.FilterCORS,
	})
	require.NoError(t, err)

	a := dedicatedAPIDef()
	a.Routes[0].FilterOverrides = map[string]model.FilterOverride{
		"cors": {Kind: model.OverrideFull, Full: &model.FilterConfig{Kind: model.FilterCORS}},
	}

	_, err = m.Apply(ctx, a)
	require.Error(t, err, "cors only supports disable_only per-route overrides")
}
