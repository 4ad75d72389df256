// Package materialize implements the composite API definition pipeline
// (spec.md §4.6): it expands one model.APIDefinition into its derived
// Cluster/RouteConfiguration/Listener children and persists them atomically
// through the store. It never talks to the xDS builders or the cache
// directly; C4 observes the store's changed set and rebuilds from there.
package materialize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

// DefaultConnectTimeout is the connect timeout given to every derived
// Cluster. Per-route upstream timeout tuning is out of scope for the
// composite API definition shape (spec.md §4.6 Non-goals).
const DefaultConnectTimeout = 5 * time.Second

// Materializer expands APIDefinitions into their derived children and
// writes them through a Store. Config carries the cross-APIDefinition
// policy (which listener "shared" mode attaches to by default).
type Materializer struct {
	st     store.Store
	config Config
}

// Config is the materializer's static, process-wide policy.
type Config struct {
	// DefaultSharedListenerName is the listener an APIDefinition with
	// Isolation == IsolationShared and no explicit TargetListeners
	// attaches to.
	DefaultSharedListenerName string
	// DefaultSharedListenerBind/Port seed a fresh shared listener the
	// first time any APIDefinition attaches to a name that doesn't
	// exist yet.
	DefaultSharedListenerBind string
	DefaultSharedListenerPort uint32
}

// New builds a Materializer over st using cfg's shared-listener policy.
func New(st store.Store, cfg Config) *Materializer {
	return &Materializer{st: st, config: cfg}
}

// Apply normalizes, derives, and atomically persists a's full child set,
// then returns the canonical stored copy (spec.md §4.6 steps 1-4; step 5,
// notification, is the cache's job once the store's changed set fires).
func (m *Materializer) Apply(ctx context.Context, a *model.APIDefinition) (*model.APIDefinition, error) {
	const op = "materialize.Apply"

	if err := a.Validate(); err != nil {
		return nil, err
	}

	clusters := deriveClusters(a)
	clusterNames := make([]string, 0, len(clusters))
	for _, c := range clusters {
		clusterNames = append(clusterNames, c.Name)
	}

	rc, err := m.deriveRouteConfig(ctx, a, clusters, m.sharedListenerName(a))
	if err != nil {
		return nil, err
	}

	children := store.APIDefinitionChildren{
		APIDefinition: a,
		Clusters:      clusters,
		RouteConfig:   rc,
	}

	switch a.Isolation {
	case model.IsolationDedicated:
		listener, err := m.deriveDedicatedListener(a, rc)
		if err != nil {
			return nil, err
		}
		children.Listener = listener
		a.DerivedListenerName = listener.Name
	case model.IsolationShared:
		shared, err := m.deriveSharedListener(ctx, a, rc)
		if err != nil {
			return nil, err
		}
		children.SharedListener = shared
		a.DerivedListenerName = ""
	}

	a.DerivedClusterNames = clusterNames
	a.DerivedRouteConfigName = rc.Name

	if err := m.st.TransactionalReplaceAPIDefinition(ctx, children); err != nil {
		return nil, flowerr.Wrap(flowerr.Conflict, op, a.Name, err)
	}

	return m.st.GetAPIDefinition(ctx, a.Team, a.Name)
}

// clusterName derives a Cluster's name deterministically from the owning
// APIDefinition and its upstream target: content-addressed on host:port,
// not on route position, so reordering an APIDefinition's routes (or
// re-submitting it unchanged) never renames or recreates a cluster that
// still targets the same upstream.
func clusterName(apiName, host string, port uint32) string {
	return fmt.Sprintf("%s-%s", apiName, sanitizeHostPort(host, port))
}

func sanitizeHostPort(host string, port uint32) string {
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r - 'A' + 'a')
		default:
			b.WriteRune('-')
		}
	}
	fmt.Fprintf(&b, "-%d", port)
	return b.String()
}

// deriveClusters returns one Cluster per unique (host, port) pair
// referenced by a.Routes, in the first-seen order of the routes.
func deriveClusters(a *model.APIDefinition) []*model.Cluster {
	seen := map[string]bool{}
	var out []*model.Cluster
	now := a.UpdatedAt
	for _, rt := range a.Routes {
		name := clusterName(a.Name, rt.UpstreamHost, rt.UpstreamPort)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, &model.Cluster{
			Team:           a.Team,
			Name:           name,
			DiscoveryType:  model.DiscoveryStrictDNS,
			LBPolicy:       model.LBRoundRobin,
			ConnectTimeout: DefaultConnectTimeout,
			Endpoints:      []model.Endpoint{{Host: rt.UpstreamHost, Port: rt.UpstreamPort}},
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return out
}

// deriveRouteConfig builds the single RouteConfiguration an APIDefinition
// owns: one VirtualHost keyed on a.Domain, one Route per a.Routes entry.
// Per-route filter overrides are validated against the referenced filter's
// static metadata (spec.md §4.3 step 5, §4.6 step 3) before being attached.
func (m *Materializer) deriveRouteConfig(ctx context.Context, a *model.APIDefinition, clusters []*model.Cluster, sharedListenerName string) (*model.RouteConfiguration, error) {
	const op = "materialize.deriveRouteConfig"

	routes := make([]model.Route, 0, len(a.Routes))
	for _, rt := range a.Routes {
		perFilter, err := m.validateOverrides(ctx, a.Team, rt.FilterOverrides)
		if err != nil {
			return nil, err
		}
		routes = append(routes, model.Route{
			Name:        rt.Name,
			Match:       rt.Match,
			Constraints: rt.Constraints,
			Action: model.RouteAction{
				Kind:    model.ActionForward,
				Cluster: clusterName(a.Name, rt.UpstreamHost, rt.UpstreamPort),
			},
			Rewrite:         rt.Rewrite,
			PerFilterConfig: perFilter,
		})
	}

	rc := &model.RouteConfiguration{
		Team: a.Team,
		Name: routeConfigName(a, sharedListenerName),
		VirtualHosts: []model.VirtualHost{{
			Name:    a.Name,
			Domains: []string{a.Domain},
			Routes:  routes,
		}},
		UpdatedAt: a.UpdatedAt,
	}

	if a.Isolation == model.IsolationShared {
		merged, err := m.mergeIntoSharedRouteConfig(ctx, a, rc)
		if err != nil {
			return nil, err
		}
		rc = merged
	}

	if err := rc.Validate(); err != nil {
		return nil, flowerr.Wrap(flowerr.Validation, op, a.Name, err)
	}
	for _, c := range clusters {
		if err := c.Validate(); err != nil {
			return nil, flowerr.Wrap(flowerr.Validation, op, a.Name, err)
		}
	}
	return rc, nil
}

// routeConfigName returns the name an APIDefinition's derived route
// configuration is stored under. Shared-isolation APIDefinitions all
// share one conventionally-named RouteConfiguration so the listener's
// HTTPConnectionManager, which can only name a single route config, can
// serve every attached domain from it.
func routeConfigName(a *model.APIDefinition, sharedListenerName string) string {
	if a.Isolation == model.IsolationShared {
		return sharedListenerName + "-shared-routes"
	}
	return "apidef-" + a.Name + "-routes"
}

// mergeIntoSharedRouteConfig reads the currently-persisted shared route
// configuration (if any) and replaces only the virtual host owned by a,
// leaving every other APIDefinition's virtual host in the shared listener
// untouched.
func (m *Materializer) mergeIntoSharedRouteConfig(ctx context.Context, a *model.APIDefinition, fresh *model.RouteConfiguration) (*model.RouteConfiguration, error) {
	existing, err := m.st.GetRouteConfig(ctx, a.Team, fresh.Name)
	if err != nil {
		// Not found is expected the first time any APIDefinition attaches
		// to this shared listener name.
		return fresh, nil
	}
	merged := &model.RouteConfiguration{
		Team:      a.Team,
		Name:      fresh.Name,
		Version:   existing.Version,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	replaced := false
	for _, vh := range existing.VirtualHosts {
		if vh.Name == a.Name {
			merged.VirtualHosts = append(merged.VirtualHosts, fresh.VirtualHosts[0])
			replaced = true
			continue
		}
		merged.VirtualHosts = append(merged.VirtualHosts, vh)
	}
	if !replaced {
		merged.VirtualHosts = append(merged.VirtualHosts, fresh.VirtualHosts[0])
	}
	return merged, nil
}

// validateOverrides resolves every filter name in overrides against the
// store, checks the override kind against the filter's declared per-route
// behavior, and validates OverrideReference targets exist.
func (m *Materializer) validateOverrides(ctx context.Context, team string, overrides map[string]model.FilterOverride) (map[string]model.FilterOverride, error) {
	const op = "materialize.validateOverrides"
	if len(overrides) == 0 {
		return nil, nil
	}
	out := make(map[string]model.FilterOverride, len(overrides))
	for name, ov := range overrides {
		filter, err := m.st.GetFilter(ctx, team, name)
		if err != nil {
			return nil, flowerr.New(flowerr.Validation, op, name, "filter override references unknown filter "+name)
		}
		meta, ok := model.LookupFilterMeta(filter.Kind)
		if !ok {
			return nil, flowerr.New(flowerr.Validation, op, name, "filter "+name+" has no per-route metadata to validate against")
		}
		if err := ov.ValidateAgainst(meta); err != nil {
			return nil, err
		}
		if ov.Kind == model.OverrideReference {
			if _, err := m.st.GetFilter(ctx, team, ov.ReferenceName); err != nil {
				return nil, flowerr.New(flowerr.Validation, op, ov.ReferenceName, "reference override targets unknown filter "+ov.ReferenceName)
			}
		}
		out[name] = ov
	}
	return out, nil
}

// deriveDedicatedListener builds a fresh, single-filter-chain Listener
// bound to a.BindAddress:a.Port, serving rc through an HCM that attaches
// a's GlobalFilters ahead of the implicit terminal router.
func (m *Materializer) deriveDedicatedListener(a *model.APIDefinition, rc *model.RouteConfiguration) (*model.Listener, error) {
	const op = "materialize.deriveDedicatedListener"

	protocol := model.ProtocolHTTP
	var tls *model.DownstreamTLS
	if a.TLS != nil {
		protocol = model.ProtocolHTTPS
		tls = a.TLS
	}

	l := &model.Listener{
		Team:        a.Team,
		Name:        "apidef-" + a.Name + "-listener",
		BindAddress: a.BindAddress,
		Port:        a.Port,
		Protocol:    protocol,
		FilterChains: []model.FilterChain{{
			TLS: tls,
			Filters: []model.NetworkFilter{{
				Kind: model.NetworkFilterHCM,
				HCM: &model.HTTPConnectionManager{
					RouteConfigName: rc.Name,
					HTTPFilters:     dedupFilters(a.GlobalFilters),
				},
			}},
		}},
		UpdatedAt: a.UpdatedAt,
	}
	if err := l.Validate(); err != nil {
		return nil, flowerr.Wrap(flowerr.Validation, op, a.Name, err)
	}
	return l, nil
}

// deriveSharedListener attaches a to the shared listener named by a's
// TargetListeners (or the Materializer's configured default), merging a's
// GlobalFilters into the listener's HCM filter list rather than replacing
// it, since the listener is shared across APIDefinitions.
func (m *Materializer) deriveSharedListener(ctx context.Context, a *model.APIDefinition, rc *model.RouteConfiguration) (*model.Listener, error) {
	const op = "materialize.deriveSharedListener"
	name := m.sharedListenerName(a)

	existing, err := m.st.GetListener(ctx, a.Team, name)
	if err != nil {
		existing = &model.Listener{
			Team:        a.Team,
			Name:        name,
			BindAddress: m.config.DefaultSharedListenerBind,
			Port:        m.config.DefaultSharedListenerPort,
			Protocol:    model.ProtocolHTTP,
			FilterChains: []model.FilterChain{{
				Filters: []model.NetworkFilter{{
					Kind: model.NetworkFilterHCM,
					HCM: &model.HTTPConnectionManager{
						RouteConfigName: rc.Name,
					},
				}},
			}},
		}
	}

	for i := range existing.FilterChains {
		for j := range existing.FilterChains[i].Filters {
			nf := &existing.FilterChains[i].Filters[j]
			if nf.Kind != model.NetworkFilterHCM || nf.HCM == nil {
				continue
			}
			nf.HCM.RouteConfigName = rc.Name
			nf.HCM.HTTPFilters = dedupFilters(append(append([]string{}, nf.HCM.HTTPFilters...), a.GlobalFilters...))
		}
	}
	existing.UpdatedAt = a.UpdatedAt

	if err := existing.Validate(); err != nil {
		return nil, flowerr.Wrap(flowerr.Validation, op, a.Name, err)
	}
	return existing, nil
}

// sharedListenerName returns the single shared listener name a attaches
// to: its first explicit TargetListener, or the materializer's configured
// default. Attaching to more than one shared listener at once is not
// supported; an APIDefinition has exactly one derived RouteConfiguration,
// and that RouteConfiguration's name is itself derived from the target
// listener.
func (m *Materializer) sharedListenerName(a *model.APIDefinition) string {
	if len(a.TargetListeners) > 0 {
		return a.TargetListeners[0]
	}
	return m.config.DefaultSharedListenerName
}

func dedupFilters(names []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
