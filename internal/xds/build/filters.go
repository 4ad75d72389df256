package build

import (
	localratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/local_ratelimit/v3"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	corsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/cors/v3"
	credentialinjectorv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/credential_injector/v3"
	customresponsev3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/custom_response/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	headermutationv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/header_mutation/v3"
	jwtauthnv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/jwt_authn/v3"
	routerv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	wasmv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/wasm/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	wasmextv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/wasm/v3"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
)

// encodeListenerConfig renders a filter's listener-level structured config
// into a typed Any using its canonical type URL, per spec.md §4.3 step 4.
func encodeListenerConfig(op string, kind model.FilterKind, cfg model.FilterConfig) (*anypb.Any, error) {
	switch kind {
	case model.FilterRouter:
		return anypb.New(&routerv3.Router{})
	case model.FilterLocalRateLimit:
		if cfg.LocalRateLimit == nil {
			return nil, flowerr.New(flowerr.InvariantViolation, op, string(kind), "local rate limit filter config missing at build time")
		}
		return anypb.New(&localratelimitv3.LocalRateLimit{
			StatPrefix: "local_rate_limiter",
			TokenBucket: &typev3.TokenBucket{
				MaxTokens:     cfg.LocalRateLimit.MaxTokens,
				TokensPerFill: wrapperspb.UInt32(cfg.LocalRateLimit.TokensPerFill),
				FillInterval:  durationpb.New(cfg.LocalRateLimit.FillInterval),
			},
			FilterEnabled:  runtimeAlways(),
			FilterEnforced: runtimeAlways(),
		})
	case model.FilterJWTAuthn:
		if cfg.JWTAuthn == nil {
			return nil, flowerr.New(flowerr.InvariantViolation, op, string(kind), "jwt authn filter config missing at build time")
		}
		const providerName = "default"
		return anypb.New(&jwtauthnv3.JwtAuthentication{
			Providers: map[string]*jwtauthnv3.JwtProvider{
				providerName: {
					Issuer:    cfg.JWTAuthn.Issuer,
					Audiences: cfg.JWTAuthn.Audiences,
					JwksSourceSpecifier: &jwtauthnv3.JwtProvider_RemoteJwks{
						RemoteJwks: &jwtauthnv3.RemoteJwks{
							HttpUri: &corev3.HttpUri{
								Uri:              cfg.JWTAuthn.JWKSURI,
								HttpUpstreamType: &corev3.HttpUri_Cluster{Cluster: "jwks_fetch"},
							},
						},
					},
					Forward: cfg.JWTAuthn.Forward,
				},
			},
			Rules: []*jwtauthnv3.RequirementRule{{
				Match:    &routev3.RouteMatch{PathSpecifier: &routev3.RouteMatch_Prefix{Prefix: "/"}},
				Requires: &jwtauthnv3.JwtRequirement{RequiresType: &jwtauthnv3.JwtRequirement_ProviderName{ProviderName: providerName}},
			}},
		})
	case model.FilterCORS:
		return anypb.New(&corsv3.Cors{})
	case model.FilterHeaderMutation:
		if cfg.HeaderMutation == nil {
			return nil, flowerr.New(flowerr.InvariantViolation, op, string(kind), "header mutation filter config missing at build time")
		}
		return anypb.New(headerMutationWire(cfg.HeaderMutation))
	case model.FilterCustomResponse:
		if cfg.CustomResponse == nil {
			return nil, flowerr.New(flowerr.InvariantViolation, op, string(kind), "custom response filter config missing at build time")
		}
		return anypb.New(&customresponsev3.CustomResponse{})
	case model.FilterCredentialInjector:
		if cfg.CredentialInjector == nil {
			return nil, flowerr.New(flowerr.InvariantViolation, op, string(kind), "credential injector filter config missing at build time")
		}
		return anypb.New(&credentialinjectorv3.CredentialInjector{
			Overwrite: true,
			CredentialSource: &credentialinjectorv3.CredentialInjector_Generic{
				Generic: &credentialinjectorv3.Generic{
					Credential: &corev3.DataSource{
						Specifier: &corev3.DataSource_Filename{Filename: cfg.CredentialInjector.CredentialSecretName},
					},
					HeaderName: cfg.CredentialInjector.HeaderName,
				},
			},
		})
	case model.FilterExternalProcessor:
		if cfg.ExternalProcessor == nil {
			return nil, flowerr.New(flowerr.InvariantViolation, op, string(kind), "external processor filter config missing at build time")
		}
		return anypb.New(&extprocv3.ExternalProcessor{
			GrpcService: &corev3.GrpcService{
				TargetSpecifier: &corev3.GrpcService_EnvoyGrpc_{
					EnvoyGrpc: &corev3.GrpcService_EnvoyGrpc{ClusterName: cfg.ExternalProcessor.GRPCServiceCluster},
				},
			},
			FailureModeAllow: cfg.ExternalProcessor.FailureModeAllow,
		})
	case model.FilterWASM:
		if cfg.WASM == nil {
			return nil, flowerr.New(flowerr.InvariantViolation, op, string(kind), "wasm filter config missing at build time")
		}
		return anypb.New(&wasmv3.Wasm{
			Config: &wasmextv3.PluginConfig{
				Name: cfg.WASM.RuntimeConfigName,
				Vm: &wasmextv3.PluginConfig_VmConfig{
					VmConfig: &wasmextv3.VmConfig{
						VmId:    cfg.WASM.VMID,
						Runtime: "envoy.wasm.runtime.v8",
						Code: &corev3.AsyncDataSource{
							Specifier: &corev3.AsyncDataSource_Local{
								Local: &corev3.DataSource{Specifier: &corev3.DataSource_InlineBytes{InlineBytes: cfg.WASM.Code}},
							},
						},
					},
				},
			},
		})
	case model.FilterOpaque:
		if cfg.Opaque == nil {
			return nil, flowerr.New(flowerr.InvariantViolation, op, string(kind), "opaque filter config missing at build time")
		}
		return &anypb.Any{TypeUrl: cfg.Opaque.TypeURL, Value: cfg.Opaque.Value}, nil
	default:
		return nil, flowerr.New(flowerr.WireEncoding, op, string(kind), "unrecognized filter kind")
	}
}

func headerMutationWire(cfg *model.HeaderMutationConfig) *headermutationv3.HeaderMutation {
	mut := &headermutationv3.Mutations{}
	for _, name := range sortedKeys(cfg.RequestHeadersToAdd) {
		mut.RequestMutations = append(mut.RequestMutations, headerAppendMutation(name, cfg.RequestHeadersToAdd[name]))
	}
	for _, name := range cfg.RequestHeadersToRemove {
		mut.RequestMutations = append(mut.RequestMutations, headerRemoveMutation(name))
	}
	for _, name := range sortedKeys(cfg.ResponseHeadersToAdd) {
		mut.ResponseMutations = append(mut.ResponseMutations, headerAppendMutation(name, cfg.ResponseHeadersToAdd[name]))
	}
	for _, name := range cfg.ResponseHeadersToRemove {
		mut.ResponseMutations = append(mut.ResponseMutations, headerRemoveMutation(name))
	}
	return &headermutationv3.HeaderMutation{Mutations: mut}
}

func headerAppendMutation(name, value string) *headermutationv3.HeaderMutation_HeaderValueOption {
	return &headermutationv3.HeaderMutation_HeaderValueOption{
		Append: wrapperspb.Bool(true),
		Header: &corev3.HeaderValueOption{
			Header: &corev3.HeaderValue{Key: name, Value: value},
		},
	}
}

func headerRemoveMutation(name string) *headermutationv3.HeaderMutation_HeaderValueOption {
	return &headermutationv3.HeaderMutation_HeaderValueOption{RemoveHeader: name}
}

func runtimeAlways() *corev3.RuntimeFractionalPercent {
	return &corev3.RuntimeFractionalPercent{
		DefaultValue: &typev3.FractionalPercent{Numerator: 100, Denominator: typev3.FractionalPercent_HUNDRED},
	}
}

// encodePerRouteOverride renders one route's or weighted-cluster entry's
// FilterOverride into the Any that belongs in typed_per_filter_config,
// keyed elsewhere by the filter's canonical name (spec.md §4.3 step 5).
// resolveReference looks up the named filter a reference-kind override
// points at (nil for full/disable overrides, which need no lookup).
func encodePerRouteOverride(op string, kind model.FilterKind, meta model.FilterMeta, ov model.FilterOverride, resolveReference func(name string) (*model.HTTPFilter, bool)) (*anypb.Any, error) {
	if err := ov.ValidateAgainst(meta); err != nil {
		return nil, err
	}

	switch ov.Kind {
	case model.OverrideDisable:
		return anypb.New(&routev3.FilterConfig{Disabled: true})

	case model.OverrideReference:
		referenced, ok := resolveReference(ov.ReferenceName)
		if !ok {
			return nil, flowerr.New(flowerr.InvariantViolation, op, ov.ReferenceName, "referenced filter no longer exists at build time")
		}
		if kind == model.FilterJWTAuthn {
			return anypb.New(&jwtauthnv3.PerRouteConfig{
				RequirementSpecifier: &jwtauthnv3.PerRouteConfig_RequirementName{RequirementName: referenced.Name},
			})
		}
		return nil, flowerr.New(flowerr.WireEncoding, op, string(kind), "reference override not supported for this filter kind")

	case model.OverrideFull:
		cfg := *ov.Full
		switch kind {
		case model.FilterLocalRateLimit:
			return encodeListenerConfig(op, kind, cfg)
		case model.FilterHeaderMutation:
			if cfg.HeaderMutation == nil {
				return nil, flowerr.New(flowerr.InvariantViolation, op, string(kind), "header mutation override missing config")
			}
			return anypb.New(&headermutationv3.HeaderMutationPerRoute{Mutations: headerMutationWire(cfg.HeaderMutation).Mutations})
		case model.FilterExternalProcessor:
			if cfg.ExternalProcessor == nil {
				return nil, flowerr.New(flowerr.InvariantViolation, op, string(kind), "external processor override missing config")
			}
			return anypb.New(&extprocv3.ExtProcPerRoute{
				Override: &extprocv3.ExtProcPerRoute_Overrides{
					Overrides: &extprocv3.ExtProcOverrides{},
				},
			})
		default:
			return nil, flowerr.New(flowerr.WireEncoding, op, string(kind), "full override not supported for this filter kind")
		}

	default:
		return nil, flowerr.New(flowerr.WireEncoding, op, string(kind), "unknown filter override kind")
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// insertion order is not preserved by Go maps; sort lexicographically
	// so the same content always serializes to the same bytes (spec.md
	// §4.3's determinism rule for maps-rendered-as-lists).
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
