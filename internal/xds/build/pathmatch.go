package build

import (
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	matcherv3 "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
)

// pathSpecifier encodes one of {exact, prefix, safe-regex, template} into
// its wire matcher variant (spec.md §4.3's path matcher encoding).
func pathSpecifier(op, entity string, m model.PathMatch) (routev3.IsRouteMatch_PathSpecifier, error) {
	switch m.Kind {
	case model.PathExact:
		return &routev3.RouteMatch_Path{Path: m.Value}, nil
	case model.PathPrefix:
		return &routev3.RouteMatch_Prefix{Prefix: m.Value}, nil
	case model.PathSafeRegex:
		return &routev3.RouteMatch_SafeRegex{
			SafeRegex: &matcherv3.RegexMatcher{Regex: m.Value},
		}, nil
	case model.PathTemplate:
		return &routev3.RouteMatch_PathSeparatedPrefix{PathSeparatedPrefix: m.Value}, nil
	default:
		return nil, flowerr.New(flowerr.WireEncoding, op, entity, "unrecognized path match kind")
	}
}

func headerMatchers(matches []model.HeaderMatch) []*routev3.HeaderMatcher {
	out := make([]*routev3.HeaderMatcher, 0, len(matches))
	for _, hm := range matches {
		m := &routev3.HeaderMatcher{Name: hm.Name}
		if hm.Regex {
			m.HeaderMatchSpecifier = &routev3.HeaderMatcher_StringMatch{
				StringMatch: &matcherv3.StringMatcher{
					MatchPattern: &matcherv3.StringMatcher_SafeRegex{
						SafeRegex: &matcherv3.RegexMatcher{Regex: hm.Value},
					},
				},
			}
		} else {
			m.HeaderMatchSpecifier = &routev3.HeaderMatcher_StringMatch{
				StringMatch: &matcherv3.StringMatcher{
					MatchPattern: &matcherv3.StringMatcher_Exact{Exact: hm.Value},
				},
			}
		}
		out = append(out, m)
	}
	return out
}

func queryParamMatchers(matches []model.QueryParamMatch) []*routev3.QueryParameterMatcher {
	out := make([]*routev3.QueryParameterMatcher, 0, len(matches))
	for _, qm := range matches {
		m := &routev3.QueryParameterMatcher{Name: qm.Name}
		if qm.Regex {
			m.QueryParameterMatchSpecifier = &routev3.QueryParameterMatcher_StringMatch{
				StringMatch: &matcherv3.StringMatcher{
					MatchPattern: &matcherv3.StringMatcher_SafeRegex{
						SafeRegex: &matcherv3.RegexMatcher{Regex: qm.Value},
					},
				},
			}
		} else {
			m.QueryParameterMatchSpecifier = &routev3.QueryParameterMatcher_StringMatch{
				StringMatch: &matcherv3.StringMatcher{
					MatchPattern: &matcherv3.StringMatcher_Exact{Exact: qm.Value},
				},
			}
		}
		out = append(out, m)
	}
	return out
}
