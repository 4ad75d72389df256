package ads

import (
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics is the §6 "operational surface" counters for ADS ACK/NACK rates
// per resource type, plus the connected-stream gauge, grounded on
// Contour's grpc_prometheus.ServerMetrics wiring for the gRPC-level
// stream/unary instrumentation and a small set of ADS-specific counters
// for the semantics grpc_prometheus cannot see (it counts RPCs, not
// xDS-level ACK/NACK messages within one RPC).
type metrics struct {
	grpcMetrics      *grpc_prometheus.ServerMetrics
	acksTotal        *prometheus.CounterVec
	nacksTotal       *prometheus.CounterVec
	pushesTotal      *prometheus.CounterVec
	streamsConnected prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		grpcMetrics: grpc_prometheus.NewServerMetrics(),
		acksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowplane",
			Subsystem: "ads",
			Name:      "acks_total",
			Help:      "Total ADS ACKs received, by resource type.",
		}, []string{"type_url"}),
		nacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowplane",
			Subsystem: "ads",
			Name:      "nacks_total",
			Help:      "Total ADS NACKs received, by resource type.",
		}, []string{"type_url"}),
		pushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowplane",
			Subsystem: "ads",
			Name:      "pushes_total",
			Help:      "Total ADS responses sent, by resource type.",
		}, []string{"type_url"}),
		streamsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowplane",
			Subsystem: "ads",
			Name:      "streams_connected",
			Help:      "Number of currently connected ADS streams.",
		}),
	}
	reg.MustRegister(m.grpcMetrics, m.acksTotal, m.nacksTotal, m.pushesTotal, m.streamsConnected)
	return m
}
