package build

import (
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	listenerv3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	hcmv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	tcpproxyv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/tcp_proxy/v3"
	tlsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
)

// networkFilterWireName maps our NetworkFilterKind to the well-known
// network filter name Envoy expects on the wire.
var networkFilterWireName = map[model.NetworkFilterKind]string{
	model.NetworkFilterHCM:      wellknown.HTTPConnectionManager,
	model.NetworkFilterTCPProxy: wellknown.TCPProxy,
}

// ToWireListener translates a Listener entity into its LDS wire resource,
// running the HTTP filter assembly algorithm (spec.md §4.3) for every HCM
// network filter in every filter chain.
func ToWireListener(l *model.Listener, ctx Context) (*listenerv3.Listener, error) {
	const op = "build.ToWireListener"

	out := &listenerv3.Listener{
		Name:    l.Name,
		Address: socketAddress(l.BindAddress, l.Port),
	}

	for _, fc := range l.FilterChains {
		wireFC := &listenerv3.FilterChain{}

		for _, nf := range fc.Filters {
			wireName, ok := networkFilterWireName[nf.Kind]
			if !ok {
				return nil, flowerr.New(flowerr.WireEncoding, op, l.Name, "unrecognized network filter kind")
			}

			var any *anypb.Any
			var err error
			switch nf.Kind {
			case model.NetworkFilterHCM:
				any, err = assembleHCM(op, l.Team, nf.HCM, ctx)
			case model.NetworkFilterTCPProxy:
				any, err = anypb.New(&tcpproxyv3.TcpProxy{
					StatPrefix: "tcp_" + nf.TCPProxyCluster,
					ClusterSpecifier: &tcpproxyv3.TcpProxy_Cluster{Cluster: nf.TCPProxyCluster},
				})
			}
			if err != nil {
				return nil, err
			}

			wireFC.Filters = append(wireFC.Filters, &listenerv3.Filter{
				Name:       wireName,
				ConfigType: &listenerv3.Filter_TypedConfig{TypedConfig: any},
			})
		}

		if fc.TLS != nil {
			downstreamTLS, err := downstreamTLSContext(fc.TLS)
			if err != nil {
				return nil, flowerr.Wrap(flowerr.WireEncoding, op, l.Name, err)
			}
			any, err := anypb.New(downstreamTLS)
			if err != nil {
				return nil, flowerr.Wrap(flowerr.WireEncoding, op, l.Name, err)
			}
			wireFC.TransportSocket = &corev3.TransportSocket{
				Name:       "envoy.transport_sockets.tls",
				ConfigType: &corev3.TransportSocket_TypedConfig{TypedConfig: any},
			}
		}

		out.FilterChains = append(out.FilterChains, wireFC)
	}

	return out, nil
}

// assembleHCM runs the HTTP filter assembly algorithm: start from the
// listener-attached filter list, reject any whose metadata requires
// listener config but carries none, append the router filter if absent,
// and encode each into a typed Any (spec.md §4.3 steps 1-4).
func assembleHCM(op, team string, hcm *model.HTTPConnectionManager, ctx Context) (*anypb.Any, error) {
	names := hcm.HTTPFilters
	hasRouter := false
	for _, name := range names {
		if name == string(model.FilterRouter) {
			hasRouter = true
		}
	}

	var wireFilters []*hcmv3.HttpFilter
	for _, name := range names {
		if name == string(model.FilterRouter) {
			any, err := encodeListenerConfig(op, model.FilterRouter, model.FilterConfig{Kind: model.FilterRouter})
			if err != nil {
				return nil, err
			}
			wireFilters = append(wireFilters, &hcmv3.HttpFilter{
				Name:       string(model.FilterRouter),
				ConfigType: &hcmv3.HttpFilter_TypedConfig{TypedConfig: any},
			})
			continue
		}

		f, ok := ctx.Filter(team, name)
		if !ok {
			return nil, flowerr.New(flowerr.InvariantViolation, op, name, "listener-attached filter no longer exists at build time")
		}
		meta, ok := model.LookupFilterMeta(f.Kind)
		if !ok && f.Kind != model.FilterOpaque {
			return nil, flowerr.New(flowerr.WireEncoding, op, name, "listener-attached filter kind is not recognized")
		}
		if meta.RequiresListenerConfig && f.Config.IsEmpty() {
			return nil, flowerr.New(flowerr.InvariantViolation, op, name, "filter requires listener config but has none at build time")
		}

		any, err := encodeListenerConfig(op, f.Kind, f.Config)
		if err != nil {
			return nil, err
		}
		wireFilters = append(wireFilters, &hcmv3.HttpFilter{
			Name:       name,
			ConfigType: &hcmv3.HttpFilter_TypedConfig{TypedConfig: any},
		})
	}

	if !hasRouter {
		any, err := encodeListenerConfig(op, model.FilterRouter, model.FilterConfig{Kind: model.FilterRouter})
		if err != nil {
			return nil, err
		}
		wireFilters = append(wireFilters, &hcmv3.HttpFilter{
			Name:       string(model.FilterRouter),
			ConfigType: &hcmv3.HttpFilter_TypedConfig{TypedConfig: any},
		})
	}

	httpConnMgr := &hcmv3.HttpConnectionManager{
		StatPrefix: "ingress_http",
		RouteSpecifier: &hcmv3.HttpConnectionManager_Rds{
			Rds: &hcmv3.Rds{
				ConfigSource:    adsConfigSource(),
				RouteConfigName: hcm.RouteConfigName,
			},
		},
		HttpFilters: wireFilters,
	}
	return anypb.New(httpConnMgr)
}

func downstreamTLSContext(tls *model.DownstreamTLS) (*tlsv3.DownstreamTlsContext, error) {
	out := &tlsv3.DownstreamTlsContext{
		CommonTlsContext: &tlsv3.CommonTlsContext{
			TlsCertificateSdsSecretConfigs: []*tlsv3.SdsSecretConfig{sdsSecretConfig(tls.CertSecretName)},
		},
		RequireClientCertificate: wrapperspb.Bool(tls.RequireClientCert),
	}
	if tls.ClientCASecretName != "" {
		out.CommonTlsContext.ValidationContextType = &tlsv3.CommonTlsContext_ValidationContextSdsSecretConfig{
			ValidationContextSdsSecretConfig: sdsSecretConfig(tls.ClientCASecretName),
		}
	}
	return out, nil
}
