// Package build implements the xDS Builders (C3): pure, deterministic
// translation from domain entities (internal/model) to Envoy's wire
// protobuf types. Builders never touch persistence directly — anything a
// build needs beyond the entity itself (a named filter's current config,
// resolved secret material) comes through the Context the cache supplies,
// so the same entity content always produces the same bytes regardless of
// when or in what order the build runs.
package build

import (
	"github.com/flowplane/flowplane/internal/model"
)

// Context is the lookup surface a builder may consult while translating
// one entity. The cache (C4) is the only production implementation; tests
// use a plain map-backed stub.
type Context interface {
	// Filter returns the current definition of a named HTTP filter, for
	// resolving listener-attached filters and reference-kind per-route
	// overrides. ok is false if no such filter is known — the caller
	// treats this as flowerr.InvariantViolation per spec.md §7: the
	// name was valid at admission time but has since disappeared.
	Filter(team, name string) (f *model.HTTPFilter, ok bool)

	// SecretMaterial resolves one piece of secret source material (a
	// SecretSource from a Secret entity) to its plaintext bytes. This is
	// the SDS delegate boundary (spec.md §6): the core never decides
	// whether the bytes come from an encrypted column or an external KV,
	// it only asks for them.
	SecretMaterial(team string, src *model.SecretSource) ([]byte, error)
}
