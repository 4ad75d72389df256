package ads

import (
	"io"

	discoverygrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/google/uuid"

	"github.com/flowplane/flowplane/internal/xds/cache"
)

// deltaWatch is the per-(stream, resource type) state for the Delta
// variant. Unlike SotW, the client subscribes incrementally, and the
// server remembers the version it last sent per name, resending a name
// only when that differs from the current one (spec.md §4.5 "Request
// handling (Delta)"). Versions are the resource type's token, so any
// change within a type resends every live name of that type.
type deltaWatch struct {
	wildcard     bool
	names        map[string]struct{}
	sentVersions map[string]string // name -> version string last pushed
	pendingNonce string
	awaitingAck  bool
	dirty        bool
}

// DeltaAggregatedResources implements the incremental xDS variant: a
// stream is bound to Delta the moment the first request arrives on this
// RPC instead of StreamAggregatedResources (spec.md §4.5).
func (s *Server) DeltaAggregatedResources(stream discoverygrpc.AggregatedDiscoveryService_DeltaAggregatedResourcesServer) error {
	ctx := stream.Context()
	id := s.nextStreamID()
	log := s.log.With("stream_id", id, "variant", "delta")
	log.Info("ads stream opened")

	s.metrics.streamsConnected.Inc()
	defer s.metrics.streamsConnected.Dec()

	notifCh, unsubscribe := s.cache.Subscribe()
	defer unsubscribe()

	reqCh := make(chan *discoverygrpc.DeltaDiscoveryRequest, 1)
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

	watches := map[string]*deltaWatch{}
	pending := map[cache.ResourceType]cache.Notification{}
	team := ""

	flush := func() {
		for _, t := range orderWave(pending) {
			delete(pending, t)
			typeURL := resourceToTypeURL[t]
			w := watches[typeURL]
			if w == nil {
				continue
			}
			if w.awaitingAck {
				w.dirty = true
				continue
			}
			if err := s.sendDelta(stream, log, team, t, typeURL, w); err != nil {
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
			if err := s.handleDeltaRequest(stream, log, team, watches, req); err != nil {
				return err
			}
			flush()
		case n := <-notifCh:
			pending[n.Type] = n
			flush()
		}
	}
}

func (s *Server) handleDeltaRequest(stream discoverygrpc.AggregatedDiscoveryService_DeltaAggregatedResourcesServer, log logger, team string, watches map[string]*deltaWatch, req *discoverygrpc.DeltaDiscoveryRequest) error {
	typeURL := req.GetTypeUrl()
	rtype, known := typeURLToResource[typeURL]
	if !known {
		log.Warn("ads delta request for unrecognized type url", "type_url", typeURL)
		return nil
	}

	w := watches[typeURL]
	first := w == nil
	if w == nil {
		w = &deltaWatch{names: map[string]struct{}{}, sentVersions: map[string]string{}}
		watches[typeURL] = w
	}

	if req.GetErrorDetail() != nil {
		s.metrics.nacksTotal.WithLabelValues(typeURL).Inc()
		log.Warn("ads delta nack", "type_url", typeURL, "detail", req.GetErrorDetail().GetMessage())
		w.awaitingAck = false
		if w.dirty {
			w.dirty = false
			return s.sendDelta(stream, log, team, rtype, typeURL, w)
		}
		return nil
	}

	if req.GetResponseNonce() != "" && req.GetResponseNonce() == w.pendingNonce {
		s.metrics.acksTotal.WithLabelValues(typeURL).Inc()
		w.awaitingAck = false
	}

	for _, name := range req.GetResourceNamesSubscribe() {
		w.names[name] = struct{}{}
	}
	for _, name := range req.GetResourceNamesUnsubscribe() {
		delete(w.names, name)
		delete(w.sentVersions, name)
	}
	if first && len(req.GetResourceNamesSubscribe()) == 0 {
		w.wildcard = true
	}
	if len(req.GetInitialResourceVersions()) > 0 {
		for name, version := range req.GetInitialResourceVersions() {
			w.sentVersions[name] = version
		}
	}

	if w.awaitingAck {
		// A subscribe/unsubscribe arriving mid-flight still needs a
		// response once the in-flight one is acked/nacked.
		w.dirty = true
		return nil
	}
	return s.sendDelta(stream, log, team, rtype, typeURL, w)
}

// sendDelta computes and sends the minimal add/remove set to bring the
// client from w.sentVersions to the cache's current live set, per
// spec.md §4.5: added names are those in the subscription whose version
// differs from (or is absent from) what the client has; removed names
// are ones the client has that are no longer subscribed or no longer
// exist.
func (s *Server) sendDelta(stream discoverygrpc.AggregatedDiscoveryService_DeltaAggregatedResourcesServer, log logger, team string, rtype cache.ResourceType, typeURL string, w *deltaWatch) error {
	currentVersion := versionToken(s.cache.Token(rtype))

	var live []string
	if w.wildcard {
		live = s.cache.Names(rtype, team)
	} else {
		live = sortedStrings(w.names)
	}
	liveSet := map[string]struct{}{}

	var resources []*discoverygrpc.Resource
	for _, name := range live {
		any, ok := s.cache.Get(rtype, team, name)
		if !ok {
			continue // deleted (or never existed): not live
		}
		liveSet[name] = struct{}{}
		if w.sentVersions[name] == currentVersion {
			continue // client already has this exact version
		}
		resources = append(resources, &discoverygrpc.Resource{
			Name:     name,
			Version:  currentVersion,
			Resource: any,
		})
	}

	var removed []string
	for name := range w.sentVersions {
		if _, stillLive := liveSet[name]; !stillLive {
			removed = append(removed, name)
		}
	}

	if len(resources) == 0 && len(removed) == 0 {
		return nil
	}

	nonce := uuid.NewString()
	resp := &discoverygrpc.DeltaDiscoveryResponse{
		SystemVersionInfo: currentVersion,
		Resources:         resources,
		RemovedResources:  removed,
		TypeUrl:           typeURL,
		Nonce:             nonce,
	}
	if err := stream.Send(resp); err != nil {
		return err
	}

	for _, r := range resources {
		w.sentVersions[r.Name] = currentVersion
	}
	for _, name := range removed {
		delete(w.sentVersions, name)
	}
	w.pendingNonce = nonce
	w.awaitingAck = true
	s.metrics.pushesTotal.WithLabelValues(typeURL).Inc()
	log.Debug("ads delta push sent", "type_url", typeURL, "added", len(resources), "removed", len(removed))
	return nil
}
