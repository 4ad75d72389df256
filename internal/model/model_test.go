package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/flowerr"
)

func validCluster() *Cluster {
	return &Cluster{
		Team:           "team-a",
		Name:           "backend",
		DiscoveryType:  DiscoveryStrictDNS,
		ConnectTimeout: 5 * time.Second,
		Endpoints:      []Endpoint{{Host: "10.0.0.1", Port: 8080}},
	}
}

func TestClusterValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, validCluster().Validate())
	})

	t.Run("eds allows no endpoints", func(t *testing.T) {
		c := validCluster()
		c.DiscoveryType = DiscoveryEDS
		c.Endpoints = nil
		require.NoError(t, c.Validate())
	})

	t.Run("non-eds requires at least one endpoint", func(t *testing.T) {
		c := validCluster()
		c.Endpoints = nil
		err := c.Validate()
		require.Error(t, err)
		assert.True(t, flowerr.Is(err, flowerr.Validation))
	})

	t.Run("non-positive timeout rejected", func(t *testing.T) {
		c := validCluster()
		c.ConnectTimeout = 0
		require.Error(t, c.Validate())
	})

	t.Run("out of range port rejected", func(t *testing.T) {
		c := validCluster()
		c.Endpoints = []Endpoint{{Host: "10.0.0.1", Port: 70000}}
		require.Error(t, c.Validate())
	})
}

func TestRouteConfigurationValidate(t *testing.T) {
	base := func() *RouteConfiguration {
		return &RouteConfiguration{
			Name: "rc1",
			VirtualHosts: []VirtualHost{{
				Name:    "vh1",
				Domains: []string{"*"},
				Routes: []Route{{
					Name:  "r1",
					Match: PathMatch{Kind: PathPrefix, Value: "/api"},
					Action: RouteAction{
						Kind:    ActionForward,
						Cluster: "c1",
					},
				}},
			}},
		}
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("duplicate route name rejected", func(t *testing.T) {
		rc := base()
		rc.VirtualHosts[0].Routes = append(rc.VirtualHosts[0].Routes, rc.VirtualHosts[0].Routes[0])
		require.Error(t, rc.Validate())
	})

	t.Run("weighted weights must sum to total", func(t *testing.T) {
		rc := base()
		rc.VirtualHosts[0].Routes[0].Action = RouteAction{
			Kind: ActionWeighted,
			WeightedClusters: []WeightedClusterEntry{
				{Cluster: "blue", Weight: 80},
				{Cluster: "green", Weight: 15},
			},
			TotalWeight: 100,
		}
		err := rc.Validate()
		require.Error(t, err)
		assert.True(t, flowerr.Is(err, flowerr.Validation))
	})

	t.Run("weighted weights matching total accepted", func(t *testing.T) {
		rc := base()
		rc.VirtualHosts[0].Routes[0].Action = RouteAction{
			Kind: ActionWeighted,
			WeightedClusters: []WeightedClusterEntry{
				{Cluster: "blue", Weight: 80},
				{Cluster: "green", Weight: 20},
			},
			TotalWeight: 100,
		}
		require.NoError(t, rc.Validate())
	})

	t.Run("referenced clusters surfaced for dependency graph", func(t *testing.T) {
		rc := base()
		assert.Equal(t, []string{"c1"}, rc.ReferencedClusters())
	})
}

func TestListenerValidate(t *testing.T) {
	base := func() *Listener {
		return &Listener{
			Name:        "l1",
			BindAddress: "0.0.0.0",
			Port:        10000,
			Protocol:    ProtocolHTTP,
			FilterChains: []FilterChain{{
				Filters: []NetworkFilter{{
					Kind: NetworkFilterHCM,
					HCM:  &HTTPConnectionManager{RouteConfigName: "rc1", HTTPFilters: []string{string(FilterRouter)}},
				}},
			}},
		}
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("port out of range rejected", func(t *testing.T) {
		l := base()
		l.Port = 70000
		require.Error(t, l.Validate())
	})

	t.Run("hcm without route config name rejected", func(t *testing.T) {
		l := base()
		l.FilterChains[0].Filters[0].HCM.RouteConfigName = ""
		require.Error(t, l.Validate())
	})

	t.Run("https without cert secret rejected", func(t *testing.T) {
		l := base()
		l.Protocol = ProtocolHTTPS
		require.Error(t, l.Validate())
	})
}

func TestFilterValidate(t *testing.T) {
	t.Run("requires-listener-config filter rejected when empty", func(t *testing.T) {
		f := &HTTPFilter{Name: "rl1", Kind: FilterLocalRateLimit}
		err := f.Validate()
		require.Error(t, err)
		assert.True(t, flowerr.Is(err, flowerr.Validation))
	})

	t.Run("requires-listener-config filter accepted when populated", func(t *testing.T) {
		f := &HTTPFilter{
			Name: "rl1",
			Kind: FilterLocalRateLimit,
			Config: FilterConfig{
				Kind:           FilterLocalRateLimit,
				LocalRateLimit: &LocalRateLimitConfig{MaxTokens: 10, TokensPerFill: 1, FillInterval: time.Second},
			},
		}
		require.NoError(t, f.Validate())
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		f := &HTTPFilter{Name: "x", Kind: "not-a-real-filter"}
		require.Error(t, f.Validate())
	})
}

func TestFilterOverrideValidateAgainst(t *testing.T) {
	meta, _ := LookupFilterMeta(FilterCORS) // PerRouteDisableOnly

	t.Run("disable on disable-only filter accepted", func(t *testing.T) {
		o := FilterOverride{Kind: OverrideDisable}
		require.NoError(t, o.ValidateAgainst(meta))
	})

	t.Run("full override on disable-only filter rejected", func(t *testing.T) {
		o := FilterOverride{Kind: OverrideFull, Full: &FilterConfig{Kind: FilterCORS}}
		require.Error(t, o.ValidateAgainst(meta))
	})

	fullMeta, _ := LookupFilterMeta(FilterLocalRateLimit) // PerRouteFull
	t.Run("full override on full-capable filter accepted", func(t *testing.T) {
		o := FilterOverride{Kind: OverrideFull, Full: &FilterConfig{Kind: FilterLocalRateLimit}}
		require.NoError(t, o.ValidateAgainst(fullMeta))
	})
}

func TestAPIDefinitionValidate(t *testing.T) {
	base := func() *APIDefinition {
		return &APIDefinition{
			Team:      "team-a",
			Name:      "apidef-1",
			Domain:    "api.example.com",
			Isolation: IsolationShared,
			Routes: []APIRoute{{
				Name:         "a",
				Match:        PathMatch{Kind: PathPrefix, Value: "/a"},
				UpstreamHost: "a",
				UpstreamPort: 80,
			}},
		}
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("empty domain rejected", func(t *testing.T) {
		d := base()
		d.Domain = ""
		require.Error(t, d.Validate())
	})

	t.Run("no routes rejected", func(t *testing.T) {
		d := base()
		d.Routes = nil
		require.Error(t, d.Validate())
	})
}
