package model

import (
	"time"

	"github.com/flowplane/flowplane/internal/flowerr"
)

// FilterKind is the canonical name of an HTTP filter kind. It doubles as
// the key into the static filter metadata registry.
type FilterKind string

const (
	FilterRouter             FilterKind = "envoy.filters.http.router"
	FilterLocalRateLimit     FilterKind = "envoy.filters.http.local_ratelimit"
	FilterJWTAuthn           FilterKind = "envoy.filters.http.jwt_authn"
	FilterCORS               FilterKind = "envoy.filters.http.cors"
	FilterHeaderMutation     FilterKind = "envoy.filters.http.header_mutation"
	FilterCustomResponse     FilterKind = "envoy.filters.http.custom_response"
	FilterCredentialInjector FilterKind = "envoy.filters.http.credential_injector"
	FilterExternalProcessor  FilterKind = "envoy.filters.http.ext_proc"
	FilterWASM               FilterKind = "envoy.filters.http.wasm"
	// FilterOpaque is the explicit escape hatch for a filter kind the
	// registry does not model: a raw type URL plus pre-encoded bytes,
	// never a free-form map.
	FilterOpaque FilterKind = "opaque"
)

// AttachmentPoint is a bitmask of where a filter may be attached.
type AttachmentPoint uint8

const (
	AttachListener AttachmentPoint = 1 << iota
	AttachRoute
)

func (a AttachmentPoint) AllowsListener() bool { return a&AttachListener != 0 }
func (a AttachmentPoint) AllowsRoute() bool    { return a&AttachRoute != 0 }

// PerRouteBehavior is how a filter may be overridden on an individual
// route, per spec.md §4.1.
type PerRouteBehavior string

const (
	PerRouteFull        PerRouteBehavior = "full"
	PerRouteReference   PerRouteBehavior = "reference"
	PerRouteDisableOnly PerRouteBehavior = "disable_only"
	PerRouteUnsupported PerRouteBehavior = "unsupported"
)

// FilterMeta is the static metadata the registry returns for a filter kind:
// its wire type URL, its optional per-route type URL, where it may attach,
// what kind of per-route override it accepts, and whether an empty
// listener-level config is acceptable.
type FilterMeta struct {
	CanonicalName          string
	TypeURL                string
	PerRouteTypeURL        string
	Attachment             AttachmentPoint
	PerRoute               PerRouteBehavior
	RequiresListenerConfig bool
}

// filterRegistry is the compile-time-populated, read-only metadata table
// for every filter kind Flowplane recognizes. It is initialized once at
// package load and never mutated afterward (spec.md §9: "every other
// process-wide datum ... is initialize-once and read-only thereafter").
var filterRegistry = map[FilterKind]FilterMeta{
	FilterRouter: {
		CanonicalName:          string(FilterRouter),
		TypeURL:                "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router",
		Attachment:             AttachListener,
		PerRoute:               PerRouteUnsupported,
		RequiresListenerConfig: false,
	},
	FilterLocalRateLimit: {
		CanonicalName:          string(FilterLocalRateLimit),
		TypeURL:                "type.googleapis.com/envoy.extensions.filters.http.local_ratelimit.v3.LocalRateLimit",
		PerRouteTypeURL:        "type.googleapis.com/envoy.extensions.filters.http.local_ratelimit.v3.LocalRateLimit",
		Attachment:             AttachListener | AttachRoute,
		PerRoute:               PerRouteFull,
		RequiresListenerConfig: true,
	},
	FilterJWTAuthn: {
		CanonicalName:          string(FilterJWTAuthn),
		TypeURL:                "type.googleapis.com/envoy.extensions.filters.http.jwt_authn.v3.JwtAuthentication",
		PerRouteTypeURL:        "type.googleapis.com/envoy.extensions.filters.http.jwt_authn.v3.PerRouteConfig",
		Attachment:             AttachListener | AttachRoute,
		PerRoute:               PerRouteReference,
		RequiresListenerConfig: true,
	},
	FilterCORS: {
		CanonicalName: string(FilterCORS),
		TypeURL:       "type.googleapis.com/envoy.extensions.filters.http.cors.v3.Cors",
		Attachment:    AttachListener | AttachRoute,
		PerRoute:      PerRouteDisableOnly,
	},
	FilterHeaderMutation: {
		CanonicalName:   string(FilterHeaderMutation),
		TypeURL:         "type.googleapis.com/envoy.extensions.filters.http.header_mutation.v3.HeaderMutation",
		PerRouteTypeURL: "type.googleapis.com/envoy.extensions.filters.http.header_mutation.v3.HeaderMutationPerRoute",
		Attachment:      AttachListener | AttachRoute,
		PerRoute:        PerRouteFull,
	},
	FilterCustomResponse: {
		CanonicalName: string(FilterCustomResponse),
		TypeURL:       "type.googleapis.com/envoy.extensions.filters.http.custom_response.v3.CustomResponse",
		Attachment:    AttachListener | AttachRoute,
		PerRoute:      PerRouteUnsupported,
	},
	FilterCredentialInjector: {
		CanonicalName:          string(FilterCredentialInjector),
		TypeURL:                "type.googleapis.com/envoy.extensions.filters.http.credential_injector.v3.CredentialInjector",
		Attachment:             AttachListener | AttachRoute,
		PerRoute:               PerRouteDisableOnly,
		RequiresListenerConfig: true,
	},
	FilterExternalProcessor: {
		CanonicalName:          string(FilterExternalProcessor),
		TypeURL:                "type.googleapis.com/envoy.extensions.filters.http.ext_proc.v3.ExternalProcessor",
		PerRouteTypeURL:        "type.googleapis.com/envoy.extensions.filters.http.ext_proc.v3.ExtProcPerRoute",
		Attachment:             AttachListener | AttachRoute,
		PerRoute:               PerRouteFull,
		RequiresListenerConfig: true,
	},
	FilterWASM: {
		CanonicalName:          string(FilterWASM),
		TypeURL:                "type.googleapis.com/envoy.extensions.filters.http.wasm.v3.Wasm",
		Attachment:             AttachListener | AttachRoute,
		PerRoute:               PerRouteDisableOnly,
		RequiresListenerConfig: true,
	},
}

// LookupFilterMeta returns the static metadata for kind, and false if kind
// is not recognized (e.g. FilterOpaque, which carries its own type URL
// instead of one from the registry).
func LookupFilterMeta(kind FilterKind) (FilterMeta, bool) {
	m, ok := filterRegistry[kind]
	return m, ok
}

// --- Structured per-filter configuration, parsed at admission time. ---

type LocalRateLimitConfig struct {
	MaxTokens     uint32
	TokensPerFill uint32
	FillInterval  time.Duration
}

type JWTAuthnConfig struct {
	Issuer    string
	JWKSURI   string
	Audiences []string
	Forward   bool
}

type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
}

type HeaderMutationConfig struct {
	RequestHeadersToAdd     map[string]string
	RequestHeadersToRemove  []string
	ResponseHeadersToAdd    map[string]string
	ResponseHeadersToRemove []string
}

type CustomResponseConfig struct {
	StatusCode  uint32
	Body        string
	ContentType string
}

type CredentialInjectorConfig struct {
	HeaderName           string
	CredentialSecretName string
}

type ExternalProcessorConfig struct {
	GRPCServiceCluster string
	FailureModeAllow   bool
}

type WASMConfig struct {
	RuntimeConfigName string
	VMID              string
	Code              []byte
}

// OpaqueConfig is the explicit passthrough variant: a type URL and
// pre-encoded bytes for a filter kind Flowplane does not model structurally.
type OpaqueConfig struct {
	TypeURL string
	Value   []byte
}

// FilterConfig is the tagged union of every filter's structured config.
// Exactly one field matching Kind is populated.
type FilterConfig struct {
	Kind FilterKind

	LocalRateLimit     *LocalRateLimitConfig
	JWTAuthn           *JWTAuthnConfig
	CORS               *CORSConfig
	HeaderMutation     *HeaderMutationConfig
	CustomResponse     *CustomResponseConfig
	CredentialInjector *CredentialInjectorConfig
	ExternalProcessor  *ExternalProcessorConfig
	WASM               *WASMConfig
	Opaque             *OpaqueConfig
}

// IsEmpty reports whether no structured payload was supplied for Kind —
// used by the builder's "requires listener config" check (spec.md §4.3
// step 2).
func (c FilterConfig) IsEmpty() bool {
	switch c.Kind {
	case FilterLocalRateLimit:
		return c.LocalRateLimit == nil
	case FilterJWTAuthn:
		return c.JWTAuthn == nil
	case FilterCORS:
		return c.CORS == nil
	case FilterHeaderMutation:
		return c.HeaderMutation == nil
	case FilterCustomResponse:
		return c.CustomResponse == nil
	case FilterCredentialInjector:
		return c.CredentialInjector == nil
	case FilterExternalProcessor:
		return c.ExternalProcessor == nil
	case FilterWASM:
		return c.WASM == nil
	case FilterOpaque:
		return c.Opaque == nil || len(c.Opaque.Value) == 0
	default:
		return true
	}
}

// HTTPFilter is a named, versioned, tenant-scoped filter configuration
// attached to listeners and/or routes by name.
type HTTPFilter struct {
	Team    string
	Name    string
	Version uint64
	Kind    FilterKind
	Config  FilterConfig

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks that Kind is recognized (or explicitly Opaque) and that
// a filter whose metadata requires listener config was not admitted empty.
func (f *HTTPFilter) Validate() error {
	const op = "model.HTTPFilter.Validate"
	if f.Name == "" {
		return flowerr.New(flowerr.Validation, op, "", "filter name must not be empty")
	}
	if f.Kind != FilterOpaque {
		meta, ok := LookupFilterMeta(f.Kind)
		if !ok {
			return flowerr.New(flowerr.Validation, op, f.Name, "unknown filter kind "+string(f.Kind))
		}
		if meta.RequiresListenerConfig && f.Config.IsEmpty() {
			return flowerr.New(flowerr.Validation, op, f.Name, "filter "+string(f.Kind)+" requires a non-empty config")
		}
	} else if f.Config.Opaque == nil || f.Config.Opaque.TypeURL == "" {
		return flowerr.New(flowerr.Validation, op, f.Name, "opaque filter requires a type URL")
	}
	return nil
}

// FilterOverrideKind selects the per-route override strategy, per
// spec.md §4.1(ii).
type FilterOverrideKind string

const (
	OverrideFull      FilterOverrideKind = "full"
	OverrideReference FilterOverrideKind = "reference"
	OverrideDisable   FilterOverrideKind = "disable"
)

// FilterOverride is the tagged variant of a per-route filter override:
// a full replacement config, a reference to a named HTTPFilter, or a
// disable-only flag.
type FilterOverride struct {
	Kind          FilterOverrideKind
	Full          *FilterConfig
	ReferenceName string
}

// ValidateAgainst checks that the override kind is compatible with the
// filter's declared per-route behavior (spec.md §3 invariant 5, §4.3 step 5).
func (o FilterOverride) ValidateAgainst(meta FilterMeta) error {
	const op = "model.FilterOverride.ValidateAgainst"
	switch o.Kind {
	case OverrideFull:
		if meta.PerRoute != PerRouteFull {
			return flowerr.New(flowerr.Validation, op, meta.CanonicalName, "filter does not support a full per-route override")
		}
		if o.Full == nil {
			return flowerr.New(flowerr.Validation, op, meta.CanonicalName, "full override requires a config")
		}
	case OverrideReference:
		if meta.PerRoute != PerRouteReference && meta.PerRoute != PerRouteFull {
			return flowerr.New(flowerr.Validation, op, meta.CanonicalName, "filter does not support a reference per-route override")
		}
		if o.ReferenceName == "" {
			return flowerr.New(flowerr.Validation, op, meta.CanonicalName, "reference override requires a filter name")
		}
	case OverrideDisable:
		if meta.PerRoute == PerRouteUnsupported {
			return flowerr.New(flowerr.Validation, op, meta.CanonicalName, "filter does not support any per-route override")
		}
	default:
		return flowerr.New(flowerr.Validation, op, meta.CanonicalName, "unknown filter override kind")
	}
	return nil
}
