package ads

import (
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
)

// nodeTeam extracts the tenant identifier from node.metadata.team
// (spec.md §4.5 "resource filtering by node identity"). An absent or
// non-string field yields "", which every cache lookup this stream makes
// uses verbatim as the team namespace: per the recorded Open Question
// decision, an anonymous node is restricted to whatever is actually
// persisted under the empty-string team (the globally-shared namespace),
// never unioned across every team's resources.
func nodeTeam(node *corev3.Node) string {
	if node == nil {
		return ""
	}
	meta := node.GetMetadata()
	if meta == nil {
		return ""
	}
	f, ok := meta.GetFields()["team"]
	if !ok {
		return ""
	}
	return f.GetStringValue()
}
