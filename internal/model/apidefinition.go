package model

import (
	"time"

	"github.com/flowplane/flowplane/internal/flowerr"
)

// ListenerIsolation selects whether an APIDefinition gets its own
// dedicated Listener or attaches to the shared default (or an explicit
// list of target listeners).
type ListenerIsolation string

const (
	IsolationDedicated ListenerIsolation = "dedicated"
	IsolationShared    ListenerIsolation = "shared"
)

// APIRoute is one route within a composite API definition: a match, an
// upstream target expressed as host:port (the materializer derives a
// Cluster from it), an optional rewrite, and optional per-route filter
// overrides.
type APIRoute struct {
	Name            string
	Match           PathMatch
	Constraints     RouteMatchConstraints
	UpstreamHost    string
	UpstreamPort    uint32
	Rewrite         *Rewrite
	FilterOverrides map[string]FilterOverride
}

// APIDefinition is the composite entity: one public domain, a set of
// routes, and a listener-placement policy. Clusters, a RouteConfiguration,
// and (optionally) a dedicated Listener are derived from it by
// internal/materialize and persisted as its children.
type APIDefinition struct {
	Team    string
	Name    string // stable identifier, e.g. "apidef-<uuid>"
	Domain  string
	Version uint64

	Routes          []APIRoute
	Isolation       ListenerIsolation
	BindAddress     string   // only meaningful when Isolation == IsolationDedicated
	Port            uint32   // only meaningful when Isolation == IsolationDedicated
	TargetListeners []string // only meaningful when Isolation == IsolationShared
	TLS             *DownstreamTLS
	GlobalFilters   []string // attached to the listener HCM

	// Derived* record what the materializer last computed, so
	// TransactionalReplaceAPIDefinition can diff against the previous
	// generation and garbage-collect orphans.
	DerivedClusterNames    []string
	DerivedRouteConfigName string
	DerivedListenerName    string // empty when Isolation == IsolationShared

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the APIDefinition-level invariants: a non-empty
// domain, at least one route, and well-formed per-route data. Referential
// invariants that need persisted state (domain global uniqueness, target
// listener existence) are enforced by internal/materialize against C2,
// not here.
func (a *APIDefinition) Validate() error {
	const op = "model.APIDefinition.Validate"
	if a.Domain == "" {
		return flowerr.New(flowerr.Validation, op, a.Name, "domain must not be empty")
	}
	if len(a.Routes) == 0 {
		return flowerr.New(flowerr.Validation, op, a.Name, "at least one route is required")
	}
	switch a.Isolation {
	case IsolationDedicated:
		if a.BindAddress == "" || a.Port == 0 || a.Port > 65535 {
			return flowerr.New(flowerr.Validation, op, a.Name, "dedicated isolation requires a bind address and a port in 1..=65535")
		}
	case IsolationShared:
	default:
		return flowerr.New(flowerr.Validation, op, a.Name, "isolation must be dedicated or shared")
	}
	seen := make(map[string]bool, len(a.Routes))
	for _, rt := range a.Routes {
		if rt.Name == "" {
			return flowerr.New(flowerr.Validation, op, a.Name, "route name must not be empty")
		}
		if seen[rt.Name] {
			return flowerr.New(flowerr.Validation, op, a.Name, "duplicate route name "+rt.Name)
		}
		seen[rt.Name] = true
		if err := validatePathMatch(op, a.Name, rt.Match); err != nil {
			return err
		}
		if rt.UpstreamHost == "" {
			return flowerr.New(flowerr.Validation, op, a.Name, "route "+rt.Name+" requires an upstream host")
		}
		if rt.UpstreamPort == 0 || rt.UpstreamPort > 65535 {
			return flowerr.New(flowerr.Validation, op, a.Name, "route "+rt.Name+" upstream port out of range")
		}
	}
	return nil
}
