package build

import (
	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpointv3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	tlsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
)

var discoveryTypeWire = map[model.DiscoveryType]clusterv3.Cluster_DiscoveryType{
	model.DiscoveryStatic:     clusterv3.Cluster_STATIC,
	model.DiscoveryStrictDNS:  clusterv3.Cluster_STRICT_DNS,
	model.DiscoveryLogicalDNS: clusterv3.Cluster_LOGICAL_DNS,
	model.DiscoveryEDS:        clusterv3.Cluster_EDS,
}

var lbPolicyWire = map[model.LBPolicy]clusterv3.Cluster_LbPolicy{
	model.LBRoundRobin:   clusterv3.Cluster_ROUND_ROBIN,
	model.LBLeastRequest: clusterv3.Cluster_LEAST_REQUEST,
	model.LBRandom:       clusterv3.Cluster_RANDOM,
	model.LBRingHash:     clusterv3.Cluster_RING_HASH,
	model.LBMaglev:       clusterv3.Cluster_MAGLEV,
}

// ToWireCluster translates a Cluster entity into its CDS wire resource.
// It is pure: upstream TLS is rendered as a reference to the secret by
// name (an SDS config source), never by embedding resolved material —
// only the SDS (Secret) resource itself carries plaintext, and only after
// the SDS delegate has resolved it (spec.md §4.3).
func ToWireCluster(c *model.Cluster) (*clusterv3.Cluster, error) {
	const op = "build.ToWireCluster"

	discType, ok := discoveryTypeWire[c.DiscoveryType]
	if !ok {
		return nil, flowerr.New(flowerr.WireEncoding, op, c.Name, "unknown discovery type "+string(c.DiscoveryType))
	}

	out := &clusterv3.Cluster{
		Name:                 c.Name,
		ClusterDiscoveryType: &clusterv3.Cluster_Type{Type: discType},
		ConnectTimeout:       durationpb.New(c.ConnectTimeout),
	}

	if c.LBPolicy != "" {
		lb, ok := lbPolicyWire[c.LBPolicy]
		if !ok {
			return nil, flowerr.New(flowerr.WireEncoding, op, c.Name, "unknown lb policy "+string(c.LBPolicy))
		}
		out.LbPolicy = lb
	}

	if c.DiscoveryType != model.DiscoveryEDS {
		out.LoadAssignment = clusterLoadAssignment(c.Name, c.Endpoints)
	} else {
		out.EdsClusterConfig = &clusterv3.Cluster_EdsClusterConfig{
			EdsConfig: adsConfigSource(),
		}
	}

	if c.TLS != nil {
		upstreamTLS := &tlsv3.UpstreamTlsContext{
			Sni: c.TLS.ServerName,
		}
		if c.TLS.VerifyCA != "" {
			upstreamTLS.CommonTlsContext = &tlsv3.CommonTlsContext{
				ValidationContextType: &tlsv3.CommonTlsContext_ValidationContextSdsSecretConfig{
					ValidationContextSdsSecretConfig: sdsSecretConfig(c.TLS.VerifyCA),
				},
			}
		}
		any, err := anypb.New(upstreamTLS)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.WireEncoding, op, c.Name, err)
		}
		out.TransportSocket = &corev3.TransportSocket{
			Name:       "envoy.transport_sockets.tls",
			ConfigType: &corev3.TransportSocket_TypedConfig{TypedConfig: any},
		}
	}

	if c.HealthCheck != nil {
		out.HealthChecks = []*corev3.HealthCheck{healthCheckWire(c.HealthCheck)}
	}

	if c.CircuitBreakers != nil {
		out.CircuitBreakers = &clusterv3.CircuitBreakers{
			Thresholds: []*clusterv3.CircuitBreakers_Thresholds{{
				MaxConnections:     wrapperspb.UInt32(c.CircuitBreakers.MaxConnections),
				MaxPendingRequests: wrapperspb.UInt32(c.CircuitBreakers.MaxPendingRequests),
				MaxRequests:        wrapperspb.UInt32(c.CircuitBreakers.MaxRequests),
				MaxRetries:         wrapperspb.UInt32(c.CircuitBreakers.MaxRetries),
			}},
		}
	}

	if c.OutlierDetection != nil {
		out.OutlierDetection = &clusterv3.OutlierDetection{
			Consecutive_5Xx:    wrapperspb.UInt32(c.OutlierDetection.Consecutive5xx),
			Interval:           durationpb.New(c.OutlierDetection.Interval),
			BaseEjectionTime:   durationpb.New(c.OutlierDetection.BaseEjectionTime),
			MaxEjectionPercent: wrapperspb.UInt32(c.OutlierDetection.MaxEjectionPercent),
		}
	}

	return out, nil
}

func clusterLoadAssignment(clusterName string, endpoints []model.Endpoint) *endpointv3.ClusterLoadAssignment {
	byLocality := map[string][]*endpointv3.LbEndpoint{}
	var order []string
	for _, ep := range endpoints {
		if _, seen := byLocality[ep.Locality]; !seen {
			order = append(order, ep.Locality)
		}
		lbEp := &endpointv3.LbEndpoint{
			HostIdentifier: &endpointv3.LbEndpoint_Endpoint{
				Endpoint: &endpointv3.Endpoint{Address: socketAddress(ep.Host, ep.Port)},
			},
		}
		if ep.Weight > 0 {
			lbEp.LoadBalancingWeight = wrapperspb.UInt32(ep.Weight)
		}
		byLocality[ep.Locality] = append(byLocality[ep.Locality], lbEp)
	}

	cla := &endpointv3.ClusterLoadAssignment{ClusterName: clusterName}
	for _, locality := range order {
		group := &endpointv3.LocalityLbEndpoints{LbEndpoints: byLocality[locality]}
		if locality != "" {
			group.Locality = &corev3.Locality{Zone: locality}
		}
		cla.Endpoints = append(cla.Endpoints, group)
	}
	return cla
}

func healthCheckWire(hc *model.HealthCheck) *corev3.HealthCheck {
	out := &corev3.HealthCheck{
		Interval:           durationpb.New(hc.Interval),
		Timeout:            durationpb.New(hc.Timeout),
		UnhealthyThreshold: wrapperspb.UInt32(hc.UnhealthyThreshold),
		HealthyThreshold:   wrapperspb.UInt32(hc.HealthyThreshold),
	}
	httpHC := &corev3.HealthCheck_HttpHealthCheck_{
		HttpHealthCheck: &corev3.HealthCheck_HttpHealthCheck{Path: hc.Path},
	}
	for _, status := range hc.ExpectedStatuses {
		httpHC.HttpHealthCheck.ExpectedStatuses = append(httpHC.HttpHealthCheck.ExpectedStatuses, &typev3.Int64Range{
			Start: int64(status),
			End:   int64(status) + 1,
		})
	}
	out.HealthChecker = httpHC
	return out
}

func socketAddress(host string, port uint32) *corev3.Address {
	return &corev3.Address{
		Address: &corev3.Address_SocketAddress{
			SocketAddress: &corev3.SocketAddress{
				Protocol:      corev3.SocketAddress_TCP,
				Address:       host,
				PortSpecifier: &corev3.SocketAddress_PortValue{PortValue: port},
			},
		},
	}
}

func adsConfigSource() *corev3.ConfigSource {
	return &corev3.ConfigSource{
		ConfigSourceSpecifier: &corev3.ConfigSource_Ads{Ads: &corev3.AggregatedConfigSource{}},
		ResourceApiVersion:    corev3.ApiVersion_V3,
	}
}

func sdsSecretConfig(name string) *tlsv3.SdsSecretConfig {
	return &tlsv3.SdsSecretConfig{
		Name:      name,
		SdsConfig: adsConfigSource(),
	}
}
