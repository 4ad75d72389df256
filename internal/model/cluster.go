// Package model defines the canonical domain entities for clusters, route
// configurations, listeners, HTTP filters, secrets, and API definitions.
// Builders (internal/xds/build) never see free-form maps: every structured
// config is parsed into one of these typed variants at admission time, and
// any unrecognized passthrough config is carried as an explicit Opaque
// variant rather than a map[string]any.
package model

import (
	"fmt"
	"time"

	"github.com/flowplane/flowplane/internal/flowerr"
)

// DiscoveryType is the Cluster's upstream discovery mechanism.
type DiscoveryType string

const (
	DiscoveryStatic     DiscoveryType = "static"
	DiscoveryStrictDNS  DiscoveryType = "strict_dns"
	DiscoveryLogicalDNS DiscoveryType = "logical_dns"
	DiscoveryEDS        DiscoveryType = "eds"
)

// LBPolicy is the Cluster's load-balancing policy.
type LBPolicy string

const (
	LBRoundRobin   LBPolicy = "round_robin"
	LBLeastRequest LBPolicy = "least_request"
	LBRandom       LBPolicy = "random"
	LBRingHash     LBPolicy = "ring_hash"
	LBMaglev       LBPolicy = "maglev"
)

// Endpoint is one upstream host:port, optionally weighted and zone-tagged.
type Endpoint struct {
	Host     string
	Port     uint32
	Locality string
	Weight   uint32 // 0 means "unset", builder omits the field
}

// UpstreamTLS configures the cluster's connection to its endpoints.
type UpstreamTLS struct {
	ServerName string
	VerifyCA   string // secret name to validate the upstream chain against
}

// HealthCheck is an active health-check policy against cluster endpoints.
type HealthCheck struct {
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold uint32
	HealthyThreshold   uint32
	ExpectedStatuses   []int
}

// CircuitBreakers bounds concurrent connections/requests to a cluster.
type CircuitBreakers struct {
	MaxConnections     uint32
	MaxPendingRequests uint32
	MaxRequests        uint32
	MaxRetries         uint32
}

// OutlierDetection is passive ejection policy for misbehaving endpoints.
type OutlierDetection struct {
	Consecutive5xx     uint32
	Interval           time.Duration
	BaseEjectionTime   time.Duration
	MaxEjectionPercent uint32
}

// Cluster is an upstream target: a named, versioned, tenant-scoped
// collection of endpoints plus the policies applied when connecting to them.
type Cluster struct {
	Team    string
	Name    string
	Version uint64

	DiscoveryType  DiscoveryType
	Endpoints      []Endpoint
	ConnectTimeout time.Duration
	LBPolicy       LBPolicy

	TLS              *UpstreamTLS
	HealthCheck      *HealthCheck
	CircuitBreakers  *CircuitBreakers
	OutlierDetection *OutlierDetection

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the invariants spec.md §3 places on a Cluster: at least
// one endpoint unless the discovery type is EDS (where endpoints come from
// the separate EDS resource type), and a strictly positive connect timeout.
func (c *Cluster) Validate() error {
	const op = "model.Cluster.Validate"
	if c.Name == "" {
		return flowerr.New(flowerr.Validation, op, "", "cluster name must not be empty")
	}
	if c.ConnectTimeout <= 0 {
		return flowerr.New(flowerr.Validation, op, c.Name, "connect timeout must be strictly positive")
	}
	if c.DiscoveryType != DiscoveryEDS && len(c.Endpoints) == 0 {
		return flowerr.New(flowerr.Validation, op, c.Name, "at least one endpoint is required unless discovery type is eds")
	}
	for _, ep := range c.Endpoints {
		if ep.Host == "" {
			return flowerr.New(flowerr.Validation, op, c.Name, "endpoint host must not be empty")
		}
		if ep.Port == 0 || ep.Port > 65535 {
			return flowerr.New(flowerr.Validation, op, c.Name, fmt.Sprintf("endpoint port %d out of range", ep.Port))
		}
	}
	if c.HealthCheck != nil {
		if c.HealthCheck.Interval <= 0 {
			return flowerr.New(flowerr.Validation, op, c.Name, "health check interval must be strictly positive")
		}
	}
	return nil
}

// ReferencedSecrets returns every Secret name this cluster's upstream TLS
// settings reference (the validation CA only — the cluster never names a
// cert-chain secret of its own).
func (c *Cluster) ReferencedSecrets() []string {
	if c.TLS == nil || c.TLS.VerifyCA == "" {
		return nil
	}
	return []string{c.TLS.VerifyCA}
}
