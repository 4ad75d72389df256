package build

import (
	"strings"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	matcherv3 "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
)

// ToWireRouteConfiguration translates a RouteConfiguration entity into its
// RDS wire resource, rendering every route's per-filter overrides into
// typed_per_filter_config (spec.md §4.3 steps 5 and 6).
func ToWireRouteConfiguration(rc *model.RouteConfiguration, ctx Context) (*routev3.RouteConfiguration, error) {
	const op = "build.ToWireRouteConfiguration"

	out := &routev3.RouteConfiguration{Name: rc.Name}
	for _, vh := range rc.VirtualHosts {
		wireVH := &routev3.VirtualHost{Name: vh.Name, Domains: vh.Domains}
		for _, rt := range vh.Routes {
			wireRoute, err := toWireRoute(op, rc.Team, rc.Name, rt, ctx)
			if err != nil {
				return nil, err
			}
			wireVH.Routes = append(wireVH.Routes, wireRoute)
		}
		out.VirtualHosts = append(out.VirtualHosts, wireVH)
	}
	return out, nil
}

func toWireRoute(op, team, rcName string, rt model.Route, ctx Context) (*routev3.Route, error) {
	pathSpec, err := pathSpecifier(op, rcName, rt.Match)
	if err != nil {
		return nil, err
	}

	match := &routev3.RouteMatch{}
	switch spec := pathSpec.(type) {
	case *routev3.RouteMatch_Path:
		match.PathSpecifier = spec
	case *routev3.RouteMatch_Prefix:
		match.PathSpecifier = spec
	case *routev3.RouteMatch_SafeRegex:
		match.PathSpecifier = spec
	case *routev3.RouteMatch_PathSeparatedPrefix:
		match.PathSpecifier = spec
	}

	match.Headers = headerMatchers(rt.Constraints.Headers)
	match.QueryParameters = queryParamMatchers(rt.Constraints.QueryParams)
	if len(rt.Constraints.Methods) > 0 {
		match.Headers = append(match.Headers, methodHeaderMatcher(rt.Constraints.Methods))
	}

	wireRoute := &routev3.Route{Name: rt.Name, Match: match}

	action, err := toWireRouteAction(op, team, rcName, rt, ctx)
	if err != nil {
		return nil, err
	}
	wireRoute.Action = action

	if len(rt.PerFilterConfig) > 0 {
		perFilter, err := renderTypedPerFilterConfig(op, team, rt.PerFilterConfig, ctx)
		if err != nil {
			return nil, err
		}
		wireRoute.TypedPerFilterConfig = perFilter
	}
	return wireRoute, nil
}

func toWireRouteAction(op, team, rcName string, rt model.Route, ctx Context) (routev3.IsRoute_Action, error) {
	switch rt.Action.Kind {
	case model.ActionForward:
		action := &routev3.RouteAction{
			ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: rt.Action.Cluster},
		}
		applyRewrite(action, rt.Rewrite)
		return &routev3.Route_Route{Route: action}, nil

	case model.ActionWeighted:
		wc := &routev3.WeightedCluster{}
		for _, entry := range rt.Action.WeightedClusters {
			member := &routev3.WeightedCluster_ClusterWeight{
				Name:   entry.Cluster,
				Weight: wrapperspb.UInt32(entry.Weight),
			}
			if len(entry.PerFilterConfig) > 0 {
				perFilter, err := renderTypedPerFilterConfig(op, team, entry.PerFilterConfig, ctx)
				if err != nil {
					return nil, err
				}
				member.TypedPerFilterConfig = perFilter
			}
			wc.Clusters = append(wc.Clusters, member)
		}
		action := &routev3.RouteAction{
			ClusterSpecifier: &routev3.RouteAction_WeightedClusters{WeightedClusters: wc},
		}
		applyRewrite(action, rt.Rewrite)
		return &routev3.Route_Route{Route: action}, nil

	case model.ActionRedirect:
		redirect := &routev3.RedirectAction{
			HostRedirect: rt.Action.RedirectHost,
		}
		if rt.Action.RedirectPath != "" {
			redirect.PathRewriteSpecifier = &routev3.RedirectAction_PathRedirect{PathRedirect: rt.Action.RedirectPath}
		}
		if rt.Action.RedirectResponseCode != 0 {
			redirect.ResponseCode = routev3.RedirectAction_RedirectResponseCode(rt.Action.RedirectResponseCode)
		}
		return &routev3.Route_Redirect{Redirect: redirect}, nil

	default:
		return nil, flowerr.New(flowerr.WireEncoding, op, rcName, "unrecognized route action kind")
	}
}

func applyRewrite(action *routev3.RouteAction, rw *model.Rewrite) {
	if rw == nil {
		return
	}
	if rw.PrefixRewrite != "" {
		action.PrefixRewrite = rw.PrefixRewrite
	}
	if rw.TemplateRewrite != "" {
		action.RegexRewrite = nil // template rewrite uses the path-template pattern rewrite, not regex
		action.PathRewritePolicy = &routev3.RouteAction_PathTemplateRewrite{PathTemplateRewrite: rw.TemplateRewrite}
	}
}

// renderTypedPerFilterConfig renders a route's (or weighted-cluster
// entry's) per-filter overrides into the typed_per_filter_config map,
// keyed by canonical filter name, validating every override against the
// current filter registry metadata as it goes.
func renderTypedPerFilterConfig(op, team string, overrides map[string]model.FilterOverride, ctx Context) (map[string]*anypb.Any, error) {
	out := make(map[string]*anypb.Any, len(overrides))
	for _, name := range sortOverrideNames(overrides) {
		ov := overrides[name]
		kind, meta, err := resolveFilterKind(op, team, name, ctx)
		if err != nil {
			return nil, err
		}
		any, err := encodePerRouteOverride(op, kind, meta, ov, func(refName string) (*model.HTTPFilter, bool) {
			return ctx.Filter(team, refName)
		})
		if err != nil {
			return nil, err
		}
		out[name] = any
	}
	return out, nil
}

// resolveFilterKind looks up the canonical filter name's current kind and
// static metadata through Context, for a route or weighted-cluster override.
func resolveFilterKind(op, team, name string, ctx Context) (model.FilterKind, model.FilterMeta, error) {
	f, ok := ctx.Filter(team, name)
	if !ok {
		return "", model.FilterMeta{}, flowerr.New(flowerr.InvariantViolation, op, name, "overridden filter no longer exists at build time")
	}
	meta, ok := model.LookupFilterMeta(f.Kind)
	if !ok {
		return "", model.FilterMeta{}, flowerr.New(flowerr.WireEncoding, op, name, "overridden filter kind is not recognized")
	}
	return f.Kind, meta, nil
}

func sortOverrideNames(m map[string]model.FilterOverride) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func methodHeaderMatcher(methods []string) *routev3.HeaderMatcher {
	if len(methods) == 1 {
		return &routev3.HeaderMatcher{
			Name: ":method",
			HeaderMatchSpecifier: &routev3.HeaderMatcher_StringMatch{
				StringMatch: &matcherv3.StringMatcher{MatchPattern: &matcherv3.StringMatcher_Exact{Exact: methods[0]}},
			},
		}
	}
	return &routev3.HeaderMatcher{
		Name: ":method",
		HeaderMatchSpecifier: &routev3.HeaderMatcher_StringMatch{
			StringMatch: &matcherv3.StringMatcher{
				MatchPattern: &matcherv3.StringMatcher_SafeRegex{
					SafeRegex: &matcherv3.RegexMatcher{Regex: "^(" + strings.Join(methods, "|") + ")$"},
				},
			},
		},
	}
}
