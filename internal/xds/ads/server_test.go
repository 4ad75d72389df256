package ads

import (
	"context"
	"log/slog"
	"testing"
	"time"

	discoverygrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store/memory"
	"github.com/flowplane/flowplane/internal/xds/cache"
)

// fakeSotWStream is a minimal in-process stand-in for the gRPC-generated
// AggregatedDiscoveryService_StreamAggregatedResourcesServer, letting the
// request/response loop be exercised without a real network transport.
type fakeSotWStream struct {
	ctx  context.Context
	in   chan *discoverygrpc.DiscoveryRequest
	out  chan *discoverygrpc.DiscoveryResponse
	done chan struct{}
}

func newFakeSotWStream(ctx context.Context) *fakeSotWStream {
	return &fakeSotWStream{
		ctx:  ctx,
		in:   make(chan *discoverygrpc.DiscoveryRequest, 8),
		out:  make(chan *discoverygrpc.DiscoveryResponse, 8),
		done: make(chan struct{}),
	}
}

func (f *fakeSotWStream) Send(r *discoverygrpc.DiscoveryResponse) error {
	select {
	case f.out <- r:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

func (f *fakeSotWStream) Recv() (*discoverygrpc.DiscoveryRequest, error) {
	select {
	case r, ok := <-f.in:
		if !ok {
			return nil, errStreamClosed
		}
		return r, nil
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeSotWStream) Context() context.Context    { return f.ctx }
func (f *fakeSotWStream) SendMsg(m interface{}) error  { return nil }
func (f *fakeSotWStream) RecvMsg(m interface{}) error  { return nil }
func (f *fakeSotWStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeSotWStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeSotWStream) SetTrailer(metadata.MD)       {}

type closedErr struct{}

func (closedErr) Error() string { return "stream closed" }

var errStreamClosed error = closedErr{}

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	st := memory.New()
	c := cache.New(st, noopResolver{}, slog.Default())
	s := NewServer(c, slog.Default(), prometheus.NewRegistry())
	return s, st
}

type noopResolver struct{}

func (noopResolver) Resolve(_ context.Context, _ string, src *model.SecretSource) ([]byte, error) {
	return []byte("material:" + string(src.Ciphertext)), nil
}

func TestSotWInitialRequestGetsImmediateResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s, st := newTestServer(t)
	_, err := st.PutCluster(ctx, &model.Cluster{
		Team: "team-a", Name: "backend", DiscoveryType: model.DiscoveryStrictDNS,
		ConnectTimeout: 5 * time.Second, Endpoints: []model.Endpoint{{Host: "10.0.0.1", Port: 8080}},
	})
	require.NoError(t, err)
	require.NoError(t, s.cache.Seed(ctx, []string{"team-a"}))

	stream := newFakeSotWStream(ctx)
	go func() { _ = s.StreamAggregatedResources(stream) }()

	stream.in <- &discoverygrpc.DiscoveryRequest{TypeUrl: clusterTypeURL}

	select {
	case resp := <-stream.out:
		assert.Equal(t, clusterTypeURL, resp.TypeUrl)
		assert.Len(t, resp.Resources, 1)
		assert.Equal(t, "1", resp.VersionInfo)
	case <-ctx.Done():
		t.Fatal("timed out waiting for initial SotW response")
	}
}

func TestSotWAckWithUnchangedSubscriptionDoesNotReRespond(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s, st := newTestServer(t)
	_, err := st.PutCluster(ctx, &model.Cluster{
		Team: "team-a", Name: "backend", DiscoveryType: model.DiscoveryStrictDNS,
		ConnectTimeout: 5 * time.Second, Endpoints: []model.Endpoint{{Host: "10.0.0.1", Port: 8080}},
	})
	require.NoError(t, err)
	require.NoError(t, s.cache.Seed(ctx, []string{"team-a"}))

	stream := newFakeSotWStream(ctx)
	go func() { _ = s.StreamAggregatedResources(stream) }()

	stream.in <- &discoverygrpc.DiscoveryRequest{TypeUrl: clusterTypeURL}
	var nonce string
	select {
	case resp := <-stream.out:
		nonce = resp.Nonce
	case <-ctx.Done():
		t.Fatal("timed out waiting for initial response")
	}

	stream.in <- &discoverygrpc.DiscoveryRequest{TypeUrl: clusterTypeURL, ResponseNonce: nonce, VersionInfo: "1"}

	select {
	case resp := <-stream.out:
		t.Fatalf("unexpected second response for an unchanged ack: %v", resp)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSotWPushesOnClusterChangeAfterAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, st := newTestServer(t)
	_, err := st.PutCluster(ctx, &model.Cluster{
		Team: "team-a", Name: "backend", DiscoveryType: model.DiscoveryStrictDNS,
		ConnectTimeout: 5 * time.Second, Endpoints: []model.Endpoint{{Host: "10.0.0.1", Port: 8080}},
	})
	require.NoError(t, err)
	require.NoError(t, s.cache.Seed(ctx, []string{"team-a"}))
	go s.cache.Run(ctx)

	stream := newFakeSotWStream(ctx)
	go func() { _ = s.StreamAggregatedResources(stream) }()

	stream.in <- &discoverygrpc.DiscoveryRequest{TypeUrl: clusterTypeURL}
	var nonce string
	select {
	case resp := <-stream.out:
		nonce = resp.Nonce
	case <-ctx.Done():
		t.Fatal("timed out waiting for initial response")
	}
	stream.in <- &discoverygrpc.DiscoveryRequest{TypeUrl: clusterTypeURL, ResponseNonce: nonce, VersionInfo: "1"}

	_, err = st.PutCluster(ctx, &model.Cluster{
		Team: "team-a", Name: "backend", DiscoveryType: model.DiscoveryStrictDNS,
		ConnectTimeout: 9 * time.Second, Endpoints: []model.Endpoint{{Host: "10.0.0.2", Port: 9090}},
	})
	require.NoError(t, err)

	select {
	case resp := <-stream.out:
		assert.Equal(t, "2", resp.VersionInfo)
	case <-ctx.Done():
		t.Fatal("timed out waiting for push after cluster content change")
	}
}
