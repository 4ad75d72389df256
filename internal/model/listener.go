package model

import (
	"time"

	"github.com/flowplane/flowplane/internal/flowerr"
)

// Protocol is the L4 protocol a Listener speaks.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolTCP   Protocol = "tcp"
)

// DownstreamTLS configures a filter chain's TLS transport socket.
type DownstreamTLS struct {
	CertSecretName    string
	ClientCASecretName string
	RequireClientCert bool
}

// NetworkFilterKind selects which network filter a FilterChain entry is.
type NetworkFilterKind string

const (
	NetworkFilterHCM        NetworkFilterKind = "http_connection_manager"
	NetworkFilterTCPProxy   NetworkFilterKind = "tcp_proxy"
)

// HTTPConnectionManager names the RouteConfiguration this HCM serves and
// the ordered HTTP filter chain attached to it. The HTTP router filter is
// implicitly terminal (spec.md §3 invariant 4); it need not be listed here
// — the builder appends it if absent.
type HTTPConnectionManager struct {
	RouteConfigName string
	HTTPFilters     []string // ordered HTTPFilter canonical/entity names
}

// NetworkFilter is one filter in a Listener's filter chain: either an HCM
// (for HTTP/HTTPS listeners) or a TCP proxy (for raw TCP listeners).
type NetworkFilter struct {
	Kind            NetworkFilterKind
	HCM             *HTTPConnectionManager
	TCPProxyCluster string
}

// FilterChain is one entry in a Listener's ordered filter-chain list.
type FilterChain struct {
	TLS     *DownstreamTLS
	Filters []NetworkFilter
}

// Listener is a uniquely-named bind address/port plus an ordered list of
// filter chains.
type Listener struct {
	Team        string
	Name        string
	Version     uint64
	BindAddress string
	Port        uint32
	Protocol    Protocol

	FilterChains []FilterChain

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the Listener invariants: a non-empty name, a port in
// 1..=65535, a known protocol, a TLS certificate secret on every filter
// chain of an HTTPS listener, a route configuration name on every HCM and
// a cluster on every TCP proxy. It does not require an HTTP/HTTPS listener
// to have a filter chain, nor a chain's terminal network filter to be an
// HCM.
func (l *Listener) Validate() error {
	const op = "model.Listener.Validate"
	if l.Name == "" {
		return flowerr.New(flowerr.Validation, op, "", "listener name must not be empty")
	}
	if l.Port == 0 || l.Port > 65535 {
		return flowerr.New(flowerr.Validation, op, l.Name, "port must be in 1..=65535")
	}
	switch l.Protocol {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolTCP:
	default:
		return flowerr.New(flowerr.Validation, op, l.Name, "protocol must be one of http, https, tcp")
	}
	if l.Protocol == ProtocolHTTPS {
		for _, fc := range l.FilterChains {
			if fc.TLS == nil || fc.TLS.CertSecretName == "" {
				return flowerr.New(flowerr.Validation, op, l.Name, "https listener filter chain requires a TLS certificate secret")
			}
		}
	}
	for _, fc := range l.FilterChains {
		for _, nf := range fc.Filters {
			if nf.Kind == NetworkFilterHCM {
				if nf.HCM == nil || nf.HCM.RouteConfigName == "" {
					return flowerr.New(flowerr.Validation, op, l.Name, "http connection manager requires a route configuration name")
				}
			}
			if nf.Kind == NetworkFilterTCPProxy && nf.TCPProxyCluster == "" {
				return flowerr.New(flowerr.Validation, op, l.Name, "tcp proxy filter requires a cluster name")
			}
		}
	}
	return nil
}

// ReferencedRouteConfigs returns every RouteConfiguration name this
// listener's HCMs reference.
func (l *Listener) ReferencedRouteConfigs() []string {
	var out []string
	for _, fc := range l.FilterChains {
		for _, nf := range fc.Filters {
			if nf.Kind == NetworkFilterHCM && nf.HCM != nil {
				out = append(out, nf.HCM.RouteConfigName)
			}
		}
	}
	return out
}

// ReferencedFilters returns every HTTP filter canonical/entity name this
// listener's HCMs attach at the listener level.
func (l *Listener) ReferencedFilters() []string {
	var out []string
	for _, fc := range l.FilterChains {
		for _, nf := range fc.Filters {
			if nf.Kind == NetworkFilterHCM && nf.HCM != nil {
				out = append(out, nf.HCM.HTTPFilters...)
			}
		}
	}
	return out
}

// ReferencedSecrets returns every Secret name this listener's filter
// chains reference for downstream TLS.
func (l *Listener) ReferencedSecrets() []string {
	var out []string
	for _, fc := range l.FilterChains {
		if fc.TLS == nil {
			continue
		}
		if fc.TLS.CertSecretName != "" {
			out = append(out, fc.TLS.CertSecretName)
		}
		if fc.TLS.ClientCASecretName != "" {
			out = append(out, fc.TLS.ClientCASecretName)
		}
	}
	return out
}
