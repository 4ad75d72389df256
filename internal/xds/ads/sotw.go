package ads

import (
	"io"

	discoverygrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/flowplane/flowplane/internal/xds/cache"
)

// sotwWatch is the per-(stream, resource type) state the spec's §4.5
// "Request handling (SotW)" rules are expressed against.
type sotwWatch struct {
	wildcard     bool
	names        map[string]struct{}
	versionAcked string
	nonceAcked   string
	pendingNonce string
	awaitingAck  bool
	dirty        bool
}

// StreamAggregatedResources implements the SotW half of the ADS bidi
// stream: one long-lived stream per proxy, detected as SotW because the
// first request arrives over this RPC rather than DeltaAggregatedResources
// (spec.md §4.5: "a single stream binds to one variant, detected on the
// first request").
func (s *Server) StreamAggregatedResources(stream discoverygrpc.AggregatedDiscoveryService_StreamAggregatedResourcesServer) error {
	ctx := stream.Context()
	id := s.nextStreamID()
	log := s.log.With("stream_id", id, "variant", "sotw")
	log.Info("ads stream opened")

	s.metrics.streamsConnected.Inc()
	defer s.metrics.streamsConnected.Dec()

	notifCh, unsubscribe := s.cache.Subscribe()
	defer unsubscribe()

	reqCh := make(chan *discoverygrpc.DiscoveryRequest, 1)
	errCh := make(chan error, 1)
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					close(reqCh)
					return
				}
				errCh <- err
				return
			}
			reqCh <- req
		}
	}()

	watches := map[string]*sotwWatch{}
	pending := map[cache.ResourceType]cache.Notification{}
	team := ""

	flush := func() {
		for _, t := range orderWave(pending) {
			delete(pending, t)
			typeURL := resourceToTypeURL[t]
			w := watches[typeURL]
			if w == nil || (!w.wildcard && len(w.names) == 0) {
				continue
			}
			if w.awaitingAck {
				w.dirty = true
				continue
			}
			if err := s.sendSotW(stream, log, team, t, typeURL, w); err != nil {
				errCh <- err
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("ads stream context done")
			return ctx.Err()
		case err := <-errCh:
			log.Info("ads stream closed", "error", err)
			return err
		case req, ok := <-reqCh:
			if !ok {
				log.Info("ads stream closed by client")
				return nil
			}
			if team == "" {
				team = nodeTeam(req.GetNode())
			}
			if err := s.handleSotWRequest(stream, log, team, watches, req); err != nil {
				return err
			}
			flush()
		case n := <-notifCh:
			pending[n.Type] = n
			flush()
		}
	}
}

func (s *Server) handleSotWRequest(stream discoverygrpc.AggregatedDiscoveryService_StreamAggregatedResourcesServer, log logger, team string, watches map[string]*sotwWatch, req *discoverygrpc.DiscoveryRequest) error {
	typeURL := req.GetTypeUrl()
	rtype, known := typeURLToResource[typeURL]
	if !known {
		log.Warn("ads request for unrecognized type url", "type_url", typeURL)
		return nil
	}

	w := watches[typeURL]
	if w == nil {
		w = &sotwWatch{}
		watches[typeURL] = w
	}

	if req.GetErrorDetail() != nil {
		s.metrics.nacksTotal.WithLabelValues(typeURL).Inc()
		log.Warn("ads nack", "type_url", typeURL, "detail", req.GetErrorDetail().GetMessage())
		w.awaitingAck = false
		if w.dirty {
			w.dirty = false
			return s.sendSotW(stream, log, team, rtype, typeURL, w)
		}
		return nil
	}

	newNames := namesSet(req.GetResourceNames())
	newWildcard := len(req.GetResourceNames()) == 0

	switch {
	case req.GetResponseNonce() == "":
		// Initial request for this type: always respond.
		w.wildcard, w.names = newWildcard, newNames
		return s.sendSotW(stream, log, team, rtype, typeURL, w)

	case req.GetResponseNonce() != w.pendingNonce:
		// Stale/expired nonce; ignore per spec.md §4.5.
		return nil

	default:
		// Nonce matches: this is an ACK. Record it.
		s.metrics.acksTotal.WithLabelValues(typeURL).Inc()
		w.versionAcked = req.GetVersionInfo()
		w.nonceAcked = req.GetResponseNonce()
		w.awaitingAck = false

		subscriptionChanged := w.wildcard != newWildcard || !setsEqual(w.names, newNames)
		w.wildcard, w.names = newWildcard, newNames

		if subscriptionChanged {
			return s.sendSotW(stream, log, team, rtype, typeURL, w)
		}
		if w.dirty {
			w.dirty = false
			return s.sendSotW(stream, log, team, rtype, typeURL, w)
		}
		return nil
	}
}

// sendSotW builds and sends the full subscribed-set response for one
// resource type, per spec.md §4.5: SotW responses always enumerate the
// complete current subscription, never a delta.
func (s *Server) sendSotW(stream discoverygrpc.AggregatedDiscoveryService_StreamAggregatedResourcesServer, log logger, team string, rtype cache.ResourceType, typeURL string, w *sotwWatch) error {
	var names []string
	if w.wildcard {
		names = s.cache.Names(rtype, team)
	} else {
		names = sortedStrings(w.names)
	}

	resources := make([]*anypb.Any, 0, len(names))
	for _, name := range names {
		if any, ok := s.cache.Get(rtype, team, name); ok {
			resources = append(resources, any)
		}
	}

	nonce := uuid.NewString()
	resp := &discoverygrpc.DiscoveryResponse{
		VersionInfo: versionToken(s.cache.Token(rtype)),
		Resources:   resources,
		TypeUrl:     typeURL,
		Nonce:       nonce,
	}

	if err := stream.Send(resp); err != nil {
		return err
	}
	w.pendingNonce = nonce
	w.awaitingAck = true
	s.metrics.pushesTotal.WithLabelValues(typeURL).Inc()
	log.Debug("ads push sent", "type_url", typeURL, "count", len(resources), "version", resp.VersionInfo)
	return nil
}

// logger is the subset of *slog.Logger this package needs, so tests can
// pass a stub without pulling in log/slog's handler machinery.
type logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}
