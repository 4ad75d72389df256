package ads

import (
	"log/slog"
	"net"
	"sync/atomic"

	discoverygrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/flowplane/flowplane/internal/xds/cache"
)

// Server is the Aggregated Discovery Service (C5): it never touches
// persistence or the xDS builders directly, only the Resource Cache's
// published wire bytes, tokens, and change notifications. Only the
// aggregated stream is exposed — spec.md §4.5 describes "one stream per
// connected proxy", not the legacy per-type CDS/EDS/LDS/RDS/SDS streams
// envoyage also registers, so those service registrations are dropped
// (see DESIGN.md).
type Server struct {
	cache   *cache.Cache
	log     *slog.Logger
	metrics *metrics

	nextID atomic.Uint64
}

// NewServer wires an ADS server on top of an already-seeded Cache.
// reg receives the ADS operational-surface metrics (spec.md §6); pass
// prometheus.DefaultRegisterer unless the caller keeps its own registry.
func NewServer(c *cache.Cache, log *slog.Logger, reg prometheus.Registerer) *Server {
	return &Server{
		cache:   c,
		log:     log,
		metrics: newMetrics(reg),
	}
}

func (s *Server) nextStreamID() uint64 {
	return s.nextID.Add(1)
}

// Serve starts a gRPC server bound to addr, registering only the
// AggregatedDiscoveryService (spec.md §6: "gRPC AggregatedDiscoveryService
// v3"). opts is forwarded to grpc.NewServer so the caller can add TLS
// credentials for the mTLS-to-the-data-plane case.
func (s *Server) Serve(addr string, done <-chan struct{}, opts ...grpc.ServerOption) error {
	opts = append(opts,
		grpc.StreamInterceptor(s.metrics.grpcMetrics.StreamServerInterceptor()),
		grpc.UnaryInterceptor(s.metrics.grpcMetrics.UnaryServerInterceptor()),
	)
	grpcServer := grpc.NewServer(opts...)
	discoverygrpc.RegisterAggregatedDiscoveryServiceServer(grpcServer, s)
	s.metrics.grpcMetrics.InitializeMetrics(grpcServer)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.log.Info("ads server listening", "addr", addr)

	go func() {
		<-done
		s.log.Info("shutting down ads server")
		grpcServer.GracefulStop()
	}()

	return grpcServer.Serve(lis)
}
