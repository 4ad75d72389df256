package model

import (
	"time"

	"github.com/flowplane/flowplane/internal/flowerr"
)

// PathMatchKind selects which single path-matching strategy a route uses.
type PathMatchKind string

const (
	PathExact     PathMatchKind = "exact"
	PathPrefix    PathMatchKind = "prefix"
	PathSafeRegex PathMatchKind = "safe_regex"
	PathTemplate  PathMatchKind = "template"
)

// PathMatch is exactly one of {exact, prefix, safe-regex, template}, per
// spec.md §3. Kind selects which of Value's interpretations applies.
type PathMatch struct {
	Kind  PathMatchKind
	Value string
}

// HeaderMatch constrains a route match on a request header.
type HeaderMatch struct {
	Name  string
	Value string
	Regex bool
}

// QueryParamMatch constrains a route match on a query parameter.
type QueryParamMatch struct {
	Name  string
	Value string
	Regex bool
}

// RouteMatchConstraints are the optional extra constraints narrowing a
// route's match beyond its path.
type RouteMatchConstraints struct {
	Methods     []string
	Headers     []HeaderMatch
	QueryParams []QueryParamMatch
}

// RouteActionKind selects which single action a route performs.
type RouteActionKind string

const (
	ActionForward  RouteActionKind = "forward"
	ActionWeighted RouteActionKind = "weighted"
	ActionRedirect RouteActionKind = "redirect"
)

// WeightedClusterEntry is one member of a weighted-forward action.
type WeightedClusterEntry struct {
	Cluster         string
	Weight          uint32
	PerFilterConfig map[string]FilterOverride
}

// RouteAction is exactly one of {forward to a cluster, weighted-forward
// across clusters, redirect}, per spec.md §3.
type RouteAction struct {
	Kind RouteActionKind

	// ActionForward
	Cluster string

	// ActionWeighted
	WeightedClusters []WeightedClusterEntry
	TotalWeight      uint32

	// ActionRedirect
	RedirectHost         string
	RedirectPath         string
	RedirectResponseCode uint32
}

// Rewrite carries at most one of a literal prefix rewrite or a captured-
// parameter template rewrite, applied after the route's match.
type Rewrite struct {
	PrefixRewrite   string
	TemplateRewrite string
}

// Route is a single, uniquely-named (within its VirtualHost) match/action
// pair, with optional rewrite and per-filter overrides.
type Route struct {
	Name        string
	Match       PathMatch
	Constraints RouteMatchConstraints
	Action      RouteAction
	Rewrite     *Rewrite
	// PerFilterConfig is keyed by HTTP filter canonical name.
	PerFilterConfig map[string]FilterOverride
}

// VirtualHost groups routes under an ordered set of domain patterns.
type VirtualHost struct {
	Name    string
	Domains []string
	Routes  []Route
}

// RouteConfiguration is a uniquely-named, versioned, ordered list of
// virtual hosts — the RDS resource.
type RouteConfiguration struct {
	Team         string
	Name         string
	Version      uint64
	VirtualHosts []VirtualHost

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces spec.md §3's RouteConfiguration invariants: route
// names unique within their host, exactly one path-match strategy, exactly
// one route action, and weighted splits summing to their declared total.
func (r *RouteConfiguration) Validate() error {
	const op = "model.RouteConfiguration.Validate"
	if r.Name == "" {
		return flowerr.New(flowerr.Validation, op, "", "route configuration name must not be empty")
	}
	for _, vh := range r.VirtualHosts {
		if vh.Name == "" {
			return flowerr.New(flowerr.Validation, op, r.Name, "virtual host name must not be empty")
		}
		if len(vh.Domains) == 0 {
			return flowerr.New(flowerr.Validation, op, r.Name, "virtual host "+vh.Name+" must declare at least one domain")
		}
		seen := make(map[string]bool, len(vh.Routes))
		for _, rt := range vh.Routes {
			if rt.Name == "" {
				return flowerr.New(flowerr.Validation, op, r.Name, "route name must not be empty")
			}
			if seen[rt.Name] {
				return flowerr.New(flowerr.Validation, op, r.Name, "duplicate route name "+rt.Name+" within virtual host "+vh.Name)
			}
			seen[rt.Name] = true

			if err := validatePathMatch(op, r.Name, rt.Match); err != nil {
				return err
			}
			if err := validateRouteAction(op, r.Name, rt.Action); err != nil {
				return err
			}
			if rt.Rewrite != nil && rt.Rewrite.PrefixRewrite != "" && rt.Rewrite.TemplateRewrite != "" {
				return flowerr.New(flowerr.Validation, op, r.Name, "route "+rt.Name+" may set at most one of prefix_rewrite, template_rewrite")
			}
		}
	}
	return nil
}

func validatePathMatch(op, entity string, m PathMatch) error {
	switch m.Kind {
	case PathExact, PathPrefix, PathSafeRegex, PathTemplate:
		if m.Value == "" {
			return flowerr.New(flowerr.Validation, op, entity, "path match value must not be empty")
		}
		return nil
	default:
		return flowerr.New(flowerr.Validation, op, entity, "path match must be exactly one of exact, prefix, safe_regex, template")
	}
}

func validateRouteAction(op, entity string, a RouteAction) error {
	switch a.Kind {
	case ActionForward:
		if a.Cluster == "" {
			return flowerr.New(flowerr.Validation, op, entity, "forward action requires a cluster name")
		}
	case ActionWeighted:
		if len(a.WeightedClusters) == 0 {
			return flowerr.New(flowerr.Validation, op, entity, "weighted action requires at least one cluster")
		}
		var sum uint32
		for _, wc := range a.WeightedClusters {
			if wc.Cluster == "" {
				return flowerr.New(flowerr.Validation, op, entity, "weighted cluster entry requires a cluster name")
			}
			sum += wc.Weight
		}
		if sum != a.TotalWeight {
			return flowerr.New(flowerr.Validation, op, entity, "weighted cluster weights must sum to total_weight")
		}
	case ActionRedirect:
		if a.RedirectHost == "" && a.RedirectPath == "" {
			return flowerr.New(flowerr.Validation, op, entity, "redirect action requires a host or a path")
		}
	default:
		return flowerr.New(flowerr.Validation, op, entity, "route action must be exactly one of forward, weighted, redirect")
	}
	return nil
}

// ReferencedClusters returns every cluster name this route configuration
// forwards traffic to, across both plain-forward and weighted actions.
// The cache's dependency graph (C4) uses this to compute the reverse index
// "route configurations referencing cluster X".
func (r *RouteConfiguration) ReferencedClusters() []string {
	var out []string
	for _, vh := range r.VirtualHosts {
		for _, rt := range vh.Routes {
			switch rt.Action.Kind {
			case ActionForward:
				out = append(out, rt.Action.Cluster)
			case ActionWeighted:
				for _, wc := range rt.Action.WeightedClusters {
					out = append(out, wc.Cluster)
				}
			}
		}
	}
	return out
}

// ReferencedFilters returns every HTTP filter canonical name this route
// configuration's per-route overrides reference.
func (r *RouteConfiguration) ReferencedFilters() []string {
	var out []string
	for _, vh := range r.VirtualHosts {
		for _, rt := range vh.Routes {
			for name := range rt.PerFilterConfig {
				out = append(out, name)
			}
			if rt.Action.Kind == ActionWeighted {
				for _, wc := range rt.Action.WeightedClusters {
					for name := range wc.PerFilterConfig {
						out = append(out, name)
					}
				}
			}
		}
	}
	return out
}
