// Package bootstrap renders the static configuration document a data-plane
// Envoy instance loads before it can speak xDS at all (spec.md §6
// "Bootstrap export"): a static cluster pointing back at this control
// plane's ADS endpoint, the dynamic_resources stanza wiring CDS/LDS through
// that cluster in aggregated mode, an admin stanza, and a node entry whose
// metadata carries whatever scope the caller asked for.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	bootstrapv3 "github.com/envoyproxy/go-control-plane/envoy/config/bootstrap/v3"
	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpointv3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	tlsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/store"
)

// Scope picks which of a proxy's resources the generated bootstrap's node
// identity is entitled to receive once it starts streaming ADS requests.
// Enforcement happens in internal/xds/ads, keyed off node.metadata.team
// (spec.md §4.5); this package only stamps the metadata the ADS server
// reads.
type Scope int

const (
	// ScopeAll omits a team from node.metadata, landing the proxy in the
	// shared, empty-string team namespace every anonymous node reads from
	// (the same namespace internal/xds/ads/node.go falls back to).
	ScopeAll Scope = iota
	// ScopeTeam restricts the proxy's wildcard subscriptions to one team's
	// resources.
	ScopeTeam
	// ScopeAllowlist restricts to one team and additionally records an
	// explicit listener allowlist in node.metadata.listeners. Today's ADS
	// server filters by team only (see DESIGN.md); the allowlist is
	// validated against the store and recorded for a future stream-side
	// filter to consume, but does not itself narrow what gets pushed.
	ScopeAllowlist
)

// Options configures one bootstrap document.
type Options struct {
	NodeID string
	Scope  Scope
	// Team is required for ScopeTeam and ScopeAllowlist, ignored for
	// ScopeAll.
	Team string
	// Listeners is the explicit allowlist for ScopeAllowlist; every name
	// must already exist in Team. Ignored for the other scopes.
	Listeners []string

	// XDSAddr is the control plane's ADS gRPC listen address, e.g.
	// "flowplane-control:9090". Required.
	XDSAddr string
	// AdminAddr is the Envoy admin interface bind address, e.g.
	// "127.0.0.1:9901". Required.
	AdminAddr string

	// MTLSCertPath, MTLSKeyPath, and MTLSClientCAPath, when all non-empty,
	// configure the static ADS cluster to present a client certificate and
	// validate the control plane's server certificate over the xDS
	// connection. Leaving them empty renders a plaintext ADS cluster,
	// suitable for local development.
	MTLSCertPath     string
	MTLSKeyPath      string
	MTLSClientCAPath string
}

const adsClusterName = "flowplane_ads"

// Generator builds bootstrap documents against a live store, so
// ScopeAllowlist can validate every named listener actually exists before
// handing an operator a document that would make Envoy NACK immediately.
type Generator struct {
	st store.Store
}

// New returns a Generator backed by st.
func New(st store.Store) *Generator {
	return &Generator{st: st}
}

// Generate renders a complete Bootstrap for opts.
func (g *Generator) Generate(ctx context.Context, opts Options) (*bootstrapv3.Bootstrap, error) {
	if opts.NodeID == "" {
		return nil, flowerr.New(flowerr.Validation, "bootstrap.Generate", "", "node id is required")
	}
	if opts.XDSAddr == "" || opts.AdminAddr == "" {
		return nil, flowerr.New(flowerr.Validation, "bootstrap.Generate", opts.NodeID, "xds and admin addresses are required")
	}

	node, err := g.node(ctx, opts)
	if err != nil {
		return nil, err
	}

	host, port, err := splitHostPort(opts.XDSAddr)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.Validation, "bootstrap.Generate", opts.NodeID, err)
	}
	adminHost, adminPort, err := splitHostPort(opts.AdminAddr)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.Validation, "bootstrap.Generate", opts.NodeID, err)
	}

	adsCluster := &clusterv3.Cluster{
		Name:                 adsClusterName,
		ConnectTimeout:       durationpb.New(5 * time.Second),
		ClusterDiscoveryType: &clusterv3.Cluster_Type{Type: clusterv3.Cluster_STRICT_DNS},
		LbPolicy:             clusterv3.Cluster_ROUND_ROBIN,
		LoadAssignment: &endpointv3.ClusterLoadAssignment{
			ClusterName: adsClusterName,
			Endpoints: []*endpointv3.LocalityLbEndpoints{{
				LbEndpoints: []*endpointv3.LbEndpoint{{
					HostIdentifier: &endpointv3.LbEndpoint_Endpoint{
						Endpoint: &endpointv3.Endpoint{
							Address: socketAddress(host, port),
						},
					},
				}},
			}},
		},
	}

	if opts.MTLSCertPath != "" && opts.MTLSKeyPath != "" && opts.MTLSClientCAPath != "" {
		transportSocket, err := upstreamTLSTransportSocket(opts)
		if err != nil {
			return nil, err
		}
		adsCluster.TransportSocket = transportSocket
	}

	adsConfigSource := &corev3.ConfigSource{
		ResourceApiVersion:   corev3.ApiVersion_V3,
		ConfigSourceSpecifier: &corev3.ConfigSource_Ads{Ads: &corev3.AggregatedConfigSource{}},
	}

	b := &bootstrapv3.Bootstrap{
		Node: node,
		StaticResources: &bootstrapv3.Bootstrap_StaticResources{
			Clusters: []*clusterv3.Cluster{adsCluster},
		},
		DynamicResources: &bootstrapv3.Bootstrap_DynamicResources{
			LdsConfig: adsConfigSource,
			CdsConfig: adsConfigSource,
			AdsConfig: &corev3.ApiConfigSource{
				ApiType:             corev3.ApiConfigSource_GRPC,
				TransportApiVersion: corev3.ApiVersion_V3,
				GrpcServices: []*corev3.GrpcService{{
					TargetSpecifier: &corev3.GrpcService_EnvoyGrpc_{
						EnvoyGrpc: &corev3.GrpcService_EnvoyGrpc{ClusterName: adsClusterName},
					},
				}},
			},
		},
		Admin: &bootstrapv3.Admin{
			Address: socketAddress(adminHost, adminPort),
		},
	}
	return b, nil
}

// MarshalYAML renders a Bootstrap the way an operator drops it on disk for
// Envoy's --config-path: protojson first (so field names and enum strings
// match Envoy's own JSON/YAML bootstrap schema instead of Go struct field
// names), then re-encoded as YAML.
func MarshalYAML(b *bootstrapv3.Bootstrap) ([]byte, error) {
	j, err := protojson.Marshal(b)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.WireEncoding, "bootstrap.MarshalYAML", "", err)
	}
	var doc any
	if err := yaml.Unmarshal(j, &doc); err != nil {
		return nil, flowerr.Wrap(flowerr.WireEncoding, "bootstrap.MarshalYAML", "", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.WireEncoding, "bootstrap.MarshalYAML", "", err)
	}
	return out, nil
}

func (g *Generator) node(ctx context.Context, opts Options) (*corev3.Node, error) {
	switch opts.Scope {
	case ScopeAll:
		return &corev3.Node{Id: opts.NodeID}, nil
	case ScopeTeam:
		if opts.Team == "" {
			return nil, flowerr.New(flowerr.Validation, "bootstrap.Generate", opts.NodeID, "team is required for ScopeTeam")
		}
		meta, err := structpb.NewStruct(map[string]any{"team": opts.Team})
		if err != nil {
			return nil, flowerr.Wrap(flowerr.WireEncoding, "bootstrap.Generate", opts.NodeID, err)
		}
		return &corev3.Node{Id: opts.NodeID, Metadata: meta}, nil
	case ScopeAllowlist:
		if opts.Team == "" || len(opts.Listeners) == 0 {
			return nil, flowerr.New(flowerr.Validation, "bootstrap.Generate", opts.NodeID, "team and at least one listener are required for ScopeAllowlist")
		}
		for _, name := range opts.Listeners {
			if _, err := g.st.GetListener(ctx, opts.Team, name); err != nil {
				return nil, flowerr.Wrap(flowerr.Validation, "bootstrap.Generate", opts.NodeID, fmt.Errorf("listener %q: %w", name, err))
			}
		}
		listeners := make([]any, len(opts.Listeners))
		for i, name := range opts.Listeners {
			listeners[i] = name
		}
		meta, err := structpb.NewStruct(map[string]any{"team": opts.Team, "listeners": listeners})
		if err != nil {
			return nil, flowerr.Wrap(flowerr.WireEncoding, "bootstrap.Generate", opts.NodeID, err)
		}
		return &corev3.Node{Id: opts.NodeID, Metadata: meta}, nil
	default:
		return nil, flowerr.New(flowerr.Validation, "bootstrap.Generate", opts.NodeID, "unknown scope")
	}
}

func upstreamTLSTransportSocket(opts Options) (*corev3.TransportSocket, error) {
	ctx := &tlsv3.UpstreamTlsContext{
		CommonTlsContext: &tlsv3.CommonTlsContext{
			TlsCertificates: []*tlsv3.TlsCertificate{{
				CertificateChain: filenameDataSource(opts.MTLSCertPath),
				PrivateKey:       filenameDataSource(opts.MTLSKeyPath),
			}},
			ValidationContextType: &tlsv3.CommonTlsContext_ValidationContext{
				ValidationContext: &tlsv3.CertificateValidationContext{
					TrustedCa: filenameDataSource(opts.MTLSClientCAPath),
				},
			},
		},
	}
	packed, err := anyFor(ctx)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.WireEncoding, "bootstrap.Generate", "", err)
	}
	return &corev3.TransportSocket{
		Name:       "envoy.transport_sockets.tls",
		ConfigType: &corev3.TransportSocket_TypedConfig{TypedConfig: packed},
	}, nil
}

func filenameDataSource(path string) *corev3.DataSource {
	return &corev3.DataSource{Specifier: &corev3.DataSource_Filename{Filename: path}}
}

func socketAddress(host string, port uint32) *corev3.Address {
	return &corev3.Address{
		Address: &corev3.Address_SocketAddress{
			SocketAddress: &corev3.SocketAddress{
				Address:       host,
				PortSpecifier: &corev3.SocketAddress_PortValue{PortValue: port},
			},
		},
	}
}

func anyFor(m proto.Message) (*anypb.Any, error) {
	return anypb.New(m)
}

func splitHostPort(addr string) (string, uint32, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("parsing address %q: %w", addr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("parsing port in %q: %w", addr, err)
	}
	return host, uint32(port), nil
}
