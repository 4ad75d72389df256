package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store/memory"
)

func seedListener(t *testing.T, st *memory.Store, team, name string) {
	t.Helper()
	ctx := context.Background()
	_, err := st.PutRouteConfig(ctx, &model.RouteConfiguration{Team: team, Name: name + "-routes"})
	require.NoError(t, err)
	_, err = st.PutListener(ctx, &model.Listener{
		Team:        team,
		Name:        name,
		BindAddress: "0.0.0.0",
		Port:        10000,
		Protocol:    model.ProtocolHTTP,
		FilterChains: []model.FilterChain{{
			Filters: []model.NetworkFilter{{
				Kind: model.NetworkFilterHCM,
				HCM:  &model.HTTPConnectionManager{RouteConfigName: name + "-routes"},
			}},
		}},
	})
	require.NoError(t, err)
}

func TestGenerateScopeAllOmitsNodeMetadata(t *testing.T) {
	g := New(memory.New())
	b, err := g.Generate(context.Background(), Options{
		NodeID:    "envoy-1",
		Scope:     ScopeAll,
		XDSAddr:   "127.0.0.1:9090",
		AdminAddr: "127.0.0.1:9901",
	})
	require.NoError(t, err)
	assert.Equal(t, "envoy-1", b.Node.Id)
	assert.Nil(t, b.Node.Metadata)
	assert.Equal(t, adsClusterName, b.StaticResources.Clusters[0].Name)
	assert.NotNil(t, b.DynamicResources.AdsConfig)
}

func TestGenerateScopeTeamSetsNodeMetadata(t *testing.T) {
	g := New(memory.New())
	b, err := g.Generate(context.Background(), Options{
		NodeID:    "envoy-1",
		Scope:     ScopeTeam,
		Team:      "team-a",
		XDSAddr:   "127.0.0.1:9090",
		AdminAddr: "127.0.0.1:9901",
	})
	require.NoError(t, err)
	assert.Equal(t, "team-a", b.Node.Metadata.Fields["team"].GetStringValue())
}

func TestGenerateScopeTeamRequiresTeam(t *testing.T) {
	g := New(memory.New())
	_, err := g.Generate(context.Background(), Options{
		NodeID:    "envoy-1",
		Scope:     ScopeTeam,
		XDSAddr:   "127.0.0.1:9090",
		AdminAddr: "127.0.0.1:9901",
	})
	assert.Error(t, err)
}

func TestGenerateScopeAllowlistValidatesListenersExist(t *testing.T) {
	g := New(memory.New())
	_, err := g.Generate(context.Background(), Options{
		NodeID:    "envoy-1",
		Scope:     ScopeAllowlist,
		Team:      "team-a",
		Listeners: []string{"missing-listener"},
		XDSAddr:   "127.0.0.1:9090",
		AdminAddr: "127.0.0.1:9901",
	})
	assert.Error(t, err)
}

func TestGenerateScopeAllowlistRecordsListenerNames(t *testing.T) {
	st := memory.New()
	seedListener(t, st, "team-a", "edge")
	g := New(st)

	b, err := g.Generate(context.Background(), Options{
		NodeID:    "envoy-1",
		Scope:     ScopeAllowlist,
		Team:      "team-a",
		Listeners: []string{"edge"},
		XDSAddr:   "127.0.0.1:9090",
		AdminAddr: "127.0.0.1:9901",
	})
	require.NoError(t, err)
	listeners := b.Node.Metadata.Fields["listeners"].GetListValue().Values
	require.Len(t, listeners, 1)
	assert.Equal(t, "edge", listeners[0].GetStringValue())
}

func TestGenerateRequiresNodeID(t *testing.T) {
	g := New(memory.New())
	_, err := g.Generate(context.Background(), Options{
		Scope:     ScopeAll,
		XDSAddr:   "127.0.0.1:9090",
		AdminAddr: "127.0.0.1:9901",
	})
	assert.Error(t, err)
}

func TestGenerateWithMTLSSetsTransportSocket(t *testing.T) {
	g := New(memory.New())
	b, err := g.Generate(context.Background(), Options{
		NodeID:           "envoy-1",
		Scope:            ScopeAll,
		XDSAddr:          "127.0.0.1:9090",
		AdminAddr:        "127.0.0.1:9901",
		MTLSCertPath:     "/etc/flowplane/tls.crt",
		MTLSKeyPath:      "/etc/flowplane/tls.key",
		MTLSClientCAPath: "/etc/flowplane/ca.crt",
	})
	require.NoError(t, err)
	ts := b.StaticResources.Clusters[0].TransportSocket
	require.NotNil(t, ts)
	assert.Equal(t, "envoy.transport_sockets.tls", ts.Name)
}

func TestMarshalYAMLProducesReadableDocument(t *testing.T) {
	g := New(memory.New())
	b, err := g.Generate(context.Background(), Options{
		NodeID:    "envoy-1",
		Scope:     ScopeAll,
		XDSAddr:   "127.0.0.1:9090",
		AdminAddr: "127.0.0.1:9901",
	})
	require.NoError(t, err)

	out, err := MarshalYAML(b)
	require.NoError(t, err)
	assert.Contains(t, string(out), "envoy-1")
	assert.Contains(t, string(out), adsClusterName)
}
