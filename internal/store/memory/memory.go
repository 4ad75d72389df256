// Package memory implements store.Store as an in-memory, mutex-guarded
// map of maps, generalizing envoyage's registry.Registry (RWMutex,
// monotonic version counter, change callback fired after the write lock
// is released) from one flat service map to the full entity family, with
// fan-out to many subscribers instead of one callback.
//
// This is also the reference implementation for the single-writer
// deployment mode spec.md §5 describes: there is exactly one process
// mutating the map, so a plain RWMutex gives linearizable writes per
// name and many concurrent lock-free-after-copy readers.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

type key struct {
	team string
	name string
}

// Store is the in-memory Persistence Gateway implementation.
type Store struct {
	mu sync.RWMutex

	clusters      map[key]*model.Cluster
	routeConfigs  map[key]*model.RouteConfiguration
	listeners     map[key]*model.Listener
	filters       map[key]*model.HTTPFilter
	secrets       map[key]*model.Secret
	apiDefs       map[key]*model.APIDefinition

	domains map[string]key // global: domain -> owning APIDefinition key, spec.md §3 invariant 6

	subs   map[int]chan store.ChangeEvent
	nextID int
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		clusters:     make(map[key]*model.Cluster),
		routeConfigs: make(map[key]*model.RouteConfiguration),
		listeners:    make(map[key]*model.Listener),
		filters:      make(map[key]*model.HTTPFilter),
		secrets:      make(map[key]*model.Secret),
		apiDefs:      make(map[key]*model.APIDefinition),
		domains:      make(map[string]key),
		subs:         make(map[int]chan store.ChangeEvent),
	}
}

// SubscribeChanges registers a new subscriber. The returned channel is
// buffered so a slow subscriber never blocks a writer indefinitely within
// one publish call; publish itself is best-effort non-blocking per
// subscriber (a full channel drops the oldest caller's notification by
// skipping send, mirroring the cache's coalescing behavior at a coarser
// grain — C4 debounces on its own subscription).
func (s *Store) SubscribeChanges() (<-chan store.ChangeEvent, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan store.ChangeEvent, 256)
	s.subs[id] = ch
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, unsubscribe
}

// publish fans a changed-set out to every subscriber. Must be called
// without the write lock held — mirrors envoyage's onChange-after-unlock
// rule so a subscriber's cache rebuild (which reads the store) never
// deadlocks against the writer.
func (s *Store) publish(events ...store.ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
				// Subscriber is behind; C4's own debounce window folds a
				// missed notification into its next rebuild pass, so a
				// dropped send here is not a correctness issue.
			}
		}
	}
}

// --- Clusters ---

func (s *Store) GetCluster(_ context.Context, team, name string) (*model.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[key{team, name}]
	if !ok {
		return nil, flowerr.New(flowerr.NotFound, "store.GetCluster", name, "cluster not found")
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListClusters(_ context.Context, team string) ([]*model.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Cluster
	for k, c := range s.clusters {
		if k.team == team {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PutCluster(ctx context.Context, c *model.Cluster) (*model.Cluster, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	k := key{c.Team, c.Name}
	existing, ok := s.clusters[k]
	if ok && store.ContentEqual(c, existing) {
		out := *existing
		s.mu.Unlock()
		return &out, nil
	}
	now := time.Now()
	cp := *c
	if ok {
		cp.Version = existing.Version + 1
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.Version = 1
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.clusters[k] = &cp
	s.mu.Unlock()

	out := cp
	s.publish(store.ChangeEvent{EntityType: store.EntityCluster, Team: c.Team, Name: c.Name, Op: store.OpUpsert, NewVersion: out.Version})
	return &out, nil
}

func (s *Store) DeleteCluster(_ context.Context, team, name string) error {
	s.mu.Lock()
	k := key{team, name}
	if _, ok := s.clusters[k]; !ok {
		s.mu.Unlock()
		return flowerr.New(flowerr.NotFound, "store.DeleteCluster", name, "cluster not found")
	}
	if refs := s.clustersReferencedBy(team, name); len(refs) > 0 {
		s.mu.Unlock()
		return flowerr.New(flowerr.Conflict, "store.DeleteCluster", name,
			fmt.Sprintf("referenced by route configuration(s) %v", refs))
	}
	delete(s.clusters, k)
	s.mu.Unlock()

	s.publish(store.ChangeEvent{EntityType: store.EntityCluster, Team: team, Name: name, Op: store.OpDelete})
	return nil
}

// clustersReferencedBy returns route configuration names (in team) whose
// actions forward to the named cluster. Caller holds the lock.
func (s *Store) clustersReferencedBy(team, cluster string) []string {
	var out []string
	for k, rc := range s.routeConfigs {
		if k.team != team {
			continue
		}
		for _, c := range rc.ReferencedClusters() {
			if c == cluster {
				out = append(out, rc.Name)
				break
			}
		}
	}
	return out
}

// --- RouteConfigurations ---

func (s *Store) GetRouteConfig(_ context.Context, team, name string) (*model.RouteConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.routeConfigs[key{team, name}]
	if !ok {
		return nil, flowerr.New(flowerr.NotFound, "store.GetRouteConfig", name, "route configuration not found")
	}
	cp := *rc
	return &cp, nil
}

func (s *Store) ListRouteConfigs(_ context.Context, team string) ([]*model.RouteConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.RouteConfiguration
	for k, rc := range s.routeConfigs {
		if k.team == team {
			cp := *rc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PutRouteConfig(ctx context.Context, rc *model.RouteConfiguration) (*model.RouteConfiguration, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	// Reference check: every forwarded-to cluster must already exist
	// (spec.md §3 invariant 2, §8 "Submitting a route whose action
	// references a nonexistent cluster returns Validation").
	for _, cname := range rc.ReferencedClusters() {
		if _, ok := s.clusters[key{rc.Team, cname}]; !ok {
			s.mu.Unlock()
			return nil, flowerr.New(flowerr.Validation, "store.PutRouteConfig", rc.Name,
				fmt.Sprintf("references nonexistent cluster %q", cname))
		}
	}
	k := key{rc.Team, rc.Name}
	existing, ok := s.routeConfigs[k]
	if ok && store.ContentEqual(rc, existing) {
		out := *existing
		s.mu.Unlock()
		return &out, nil
	}
	now := time.Now()
	cp := *rc
	if ok {
		cp.Version = existing.Version + 1
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.Version = 1
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.routeConfigs[k] = &cp
	s.mu.Unlock()

	out := cp
	s.publish(store.ChangeEvent{EntityType: store.EntityRouteConfig, Team: rc.Team, Name: rc.Name, Op: store.OpUpsert, NewVersion: out.Version})
	return &out, nil
}

func (s *Store) DeleteRouteConfig(_ context.Context, team, name string) error {
	s.mu.Lock()
	k := key{team, name}
	if _, ok := s.routeConfigs[k]; !ok {
		s.mu.Unlock()
		return flowerr.New(flowerr.NotFound, "store.DeleteRouteConfig", name, "route configuration not found")
	}
	if refs := s.routeConfigsReferencedBy(team, name); len(refs) > 0 {
		s.mu.Unlock()
		return flowerr.New(flowerr.Conflict, "store.DeleteRouteConfig", name,
			fmt.Sprintf("referenced by listener(s) %v", refs))
	}
	delete(s.routeConfigs, k)
	s.mu.Unlock()

	s.publish(store.ChangeEvent{EntityType: store.EntityRouteConfig, Team: team, Name: name, Op: store.OpDelete})
	return nil
}

func (s *Store) routeConfigsReferencedBy(team, rcName string) []string {
	var out []string
	for k, l := range s.listeners {
		if k.team != team {
			continue
		}
		for _, r := range l.ReferencedRouteConfigs() {
			if r == rcName {
				out = append(out, l.Name)
				break
			}
		}
	}
	return out
}

// --- Listeners ---

func (s *Store) GetListener(_ context.Context, team, name string) (*model.Listener, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listeners[key{team, name}]
	if !ok {
		return nil, flowerr.New(flowerr.NotFound, "store.GetListener", name, "listener not found")
	}
	cp := *l
	return &cp, nil
}

func (s *Store) ListListeners(_ context.Context, team string) ([]*model.Listener, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Listener
	for k, l := range s.listeners {
		if k.team == team {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PutListener(ctx context.Context, l *model.Listener) (*model.Listener, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, rcName := range l.ReferencedRouteConfigs() {
		if _, ok := s.routeConfigs[key{l.Team, rcName}]; !ok {
			s.mu.Unlock()
			return nil, flowerr.New(flowerr.Validation, "store.PutListener", l.Name,
				fmt.Sprintf("references nonexistent route configuration %q", rcName))
		}
	}
	k := key{l.Team, l.Name}
	existing, ok := s.listeners[k]
	if ok && store.ContentEqual(l, existing) {
		out := *existing
		s.mu.Unlock()
		return &out, nil
	}
	now := time.Now()
	cp := *l
	if ok {
		cp.Version = existing.Version + 1
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.Version = 1
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.listeners[k] = &cp
	s.mu.Unlock()

	out := cp
	s.publish(store.ChangeEvent{EntityType: store.EntityListener, Team: l.Team, Name: l.Name, Op: store.OpUpsert, NewVersion: out.Version})
	return &out, nil
}

func (s *Store) DeleteListener(_ context.Context, team, name string) error {
	s.mu.Lock()
	k := key{team, name}
	if _, ok := s.listeners[k]; !ok {
		s.mu.Unlock()
		return flowerr.New(flowerr.NotFound, "store.DeleteListener", name, "listener not found")
	}
	delete(s.listeners, k)
	s.mu.Unlock()

	s.publish(store.ChangeEvent{EntityType: store.EntityListener, Team: team, Name: name, Op: store.OpDelete})
	return nil
}

// --- HTTPFilters ---

func (s *Store) GetFilter(_ context.Context, team, name string) (*model.HTTPFilter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.filters[key{team, name}]
	if !ok {
		return nil, flowerr.New(flowerr.NotFound, "store.GetFilter", name, "filter not found")
	}
	cp := *f
	return &cp, nil
}

func (s *Store) ListFilters(_ context.Context, team string) ([]*model.HTTPFilter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.HTTPFilter
	for k, f := range s.filters {
		if k.team == team {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PutFilter(ctx context.Context, f *model.HTTPFilter) (*model.HTTPFilter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	k := key{f.Team, f.Name}
	existing, ok := s.filters[k]
	if ok && store.ContentEqual(f, existing) {
		out := *existing
		s.mu.Unlock()
		return &out, nil
	}
	now := time.Now()
	cp := *f
	if ok {
		cp.Version = existing.Version + 1
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.Version = 1
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.filters[k] = &cp
	s.mu.Unlock()

	out := cp
	s.publish(store.ChangeEvent{EntityType: store.EntityFilter, Team: f.Team, Name: f.Name, Op: store.OpUpsert, NewVersion: out.Version})
	return &out, nil
}

func (s *Store) DeleteFilter(_ context.Context, team, name string) error {
	s.mu.Lock()
	k := key{team, name}
	if _, ok := s.filters[k]; !ok {
		s.mu.Unlock()
		return flowerr.New(flowerr.NotFound, "store.DeleteFilter", name, "filter not found")
	}
	if refs := s.filtersReferencedBy(team, name); len(refs) > 0 {
		s.mu.Unlock()
		return flowerr.New(flowerr.Conflict, "store.DeleteFilter", name,
			fmt.Sprintf("referenced by %v", refs))
	}
	delete(s.filters, k)
	s.mu.Unlock()

	s.publish(store.ChangeEvent{EntityType: store.EntityFilter, Team: team, Name: name, Op: store.OpDelete})
	return nil
}

func (s *Store) filtersReferencedBy(team, filterName string) []string {
	var out []string
	for k, l := range s.listeners {
		if k.team != team {
			continue
		}
		for _, f := range l.ReferencedFilters() {
			if f == filterName {
				out = append(out, "listener/"+l.Name)
				break
			}
		}
	}
	for k, rc := range s.routeConfigs {
		if k.team != team {
			continue
		}
		for _, f := range rc.ReferencedFilters() {
			if f == filterName {
				out = append(out, "route_configuration/"+rc.Name)
				break
			}
		}
	}
	return out
}

// --- Secrets ---

func (s *Store) GetSecret(_ context.Context, team, name string) (*model.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.secrets[key{team, name}]
	if !ok {
		return nil, flowerr.New(flowerr.NotFound, "store.GetSecret", name, "secret not found")
	}
	cp := *sec
	return &cp, nil
}

func (s *Store) ListSecrets(_ context.Context, team string) ([]*model.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Secret
	for k, sec := range s.secrets {
		if k.team == team {
			cp := *sec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PutSecret(ctx context.Context, sec *model.Secret) (*model.Secret, error) {
	if err := sec.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	k := key{sec.Team, sec.Name}
	existing, ok := s.secrets[k]
	if ok && store.ContentEqual(sec, existing) {
		out := *existing
		s.mu.Unlock()
		return &out, nil
	}
	now := time.Now()
	cp := *sec
	if ok {
		cp.Version = existing.Version + 1
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.Version = 1
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.secrets[k] = &cp
	s.mu.Unlock()

	out := cp
	s.publish(store.ChangeEvent{EntityType: store.EntitySecret, Team: sec.Team, Name: sec.Name, Op: store.OpUpsert, NewVersion: out.Version})
	return &out, nil
}

func (s *Store) DeleteSecret(_ context.Context, team, name string) error {
	s.mu.Lock()
	k := key{team, name}
	if _, ok := s.secrets[k]; !ok {
		s.mu.Unlock()
		return flowerr.New(flowerr.NotFound, "store.DeleteSecret", name, "secret not found")
	}
	if refs := s.secretsReferencedBy(team, name); len(refs) > 0 {
		s.mu.Unlock()
		return flowerr.New(flowerr.Conflict, "store.DeleteSecret", name,
			fmt.Sprintf("referenced by listener(s) %v", refs))
	}
	delete(s.secrets, k)
	s.mu.Unlock()

	s.publish(store.ChangeEvent{EntityType: store.EntitySecret, Team: team, Name: name, Op: store.OpDelete})
	return nil
}

func (s *Store) secretsReferencedBy(team, secretName string) []string {
	var out []string
	for k, l := range s.listeners {
		if k.team != team {
			continue
		}
		for _, sname := range l.ReferencedSecrets() {
			if sname == secretName {
				out = append(out, l.Name)
				break
			}
		}
	}
	return out
}

// --- APIDefinitions ---

func (s *Store) GetAPIDefinition(_ context.Context, team, name string) (*model.APIDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apiDefs[key{team, name}]
	if !ok {
		return nil, flowerr.New(flowerr.NotFound, "store.GetAPIDefinition", name, "api definition not found")
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAPIDefinitions(_ context.Context, team string) ([]*model.APIDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.APIDefinition
	for k, a := range s.apiDefs {
		if k.team == team {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// TransactionalReplaceAPIDefinition persists the APIDefinition and its full
// derived child set atomically under one write-lock critical section, then
// emits one changed-set covering every touched name (spec.md §4.2, §4.6
// step 4). Orphaned former children (names the previous generation
// persisted that the new generation does not) are deleted as part of the
// same critical section.
func (s *Store) TransactionalReplaceAPIDefinition(_ context.Context, c store.APIDefinitionChildren) error {
	a := c.APIDefinition
	if err := a.Validate(); err != nil {
		return err
	}

	s.mu.Lock()

	// Global domain uniqueness (spec.md §3 invariant 6).
	if owner, ok := s.domains[a.Domain]; ok && owner.name != a.Name {
		s.mu.Unlock()
		return flowerr.New(flowerr.Conflict, "store.TransactionalReplaceAPIDefinition", a.Name,
			fmt.Sprintf("domain %q already registered to %q", a.Domain, owner.name))
	}

	k := key{a.Team, a.Name}
	previous, hadPrevious := s.apiDefs[k]

	var events []store.ChangeEvent
	now := time.Now()

	// Garbage-collect orphaned children: names the previous generation
	// persisted that the new generation no longer references.
	if hadPrevious {
		keep := make(map[string]bool, len(c.Clusters))
		for _, cl := range c.Clusters {
			keep[cl.Name] = true
		}
		for _, oldName := range previous.DerivedClusterNames {
			if !keep[oldName] {
				delete(s.clusters, key{a.Team, oldName})
				events = append(events, store.ChangeEvent{EntityType: store.EntityCluster, Team: a.Team, Name: oldName, Op: store.OpDelete})
			}
		}
		if previous.DerivedRouteConfigName != "" && previous.DerivedRouteConfigName != c.RouteConfig.Name {
			delete(s.routeConfigs, key{a.Team, previous.DerivedRouteConfigName})
			events = append(events, store.ChangeEvent{EntityType: store.EntityRouteConfig, Team: a.Team, Name: previous.DerivedRouteConfigName, Op: store.OpDelete})
		}
		if previous.DerivedListenerName != "" && (c.Listener == nil || previous.DerivedListenerName != c.Listener.Name) {
			delete(s.listeners, key{a.Team, previous.DerivedListenerName})
			events = append(events, store.ChangeEvent{EntityType: store.EntityListener, Team: a.Team, Name: previous.DerivedListenerName, Op: store.OpDelete})
		}
		delete(s.domains, previous.Domain)
	}

	// Upsert new/changed clusters. An unchanged resubmission leaves the
	// persisted version untouched (spec.md §8 "Idempotence of PUT").
	for _, cl := range c.Clusters {
		ck := key{a.Team, cl.Name}
		existing, ok := s.clusters[ck]
		if ok && store.ContentEqual(cl, existing) {
			continue
		}
		cp := *cl
		if ok {
			cp.Version = existing.Version + 1
			cp.CreatedAt = existing.CreatedAt
		} else {
			cp.Version = 1
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		s.clusters[ck] = &cp
		events = append(events, store.ChangeEvent{EntityType: store.EntityCluster, Team: a.Team, Name: cl.Name, Op: store.OpUpsert, NewVersion: cp.Version})
	}

	// Upsert the route configuration.
	if c.RouteConfig != nil {
		rck := key{a.Team, c.RouteConfig.Name}
		existing, ok := s.routeConfigs[rck]
		if !(ok && store.ContentEqual(c.RouteConfig, existing)) {
			cp := *c.RouteConfig
			if ok {
				cp.Version = existing.Version + 1
				cp.CreatedAt = existing.CreatedAt
			} else {
				cp.Version = 1
				cp.CreatedAt = now
			}
			cp.UpdatedAt = now
			s.routeConfigs[rck] = &cp
			events = append(events, store.ChangeEvent{EntityType: store.EntityRouteConfig, Team: a.Team, Name: c.RouteConfig.Name, Op: store.OpUpsert, NewVersion: cp.Version})
		}
	}

	// Upsert the dedicated listener, or mutate the shared listener in place.
	if c.Listener != nil {
		lk := key{a.Team, c.Listener.Name}
		existing, ok := s.listeners[lk]
		if !(ok && store.ContentEqual(c.Listener, existing)) {
			cp := *c.Listener
			if ok {
				cp.Version = existing.Version + 1
				cp.CreatedAt = existing.CreatedAt
			} else {
				cp.Version = 1
				cp.CreatedAt = now
			}
			cp.UpdatedAt = now
			s.listeners[lk] = &cp
			events = append(events, store.ChangeEvent{EntityType: store.EntityListener, Team: a.Team, Name: c.Listener.Name, Op: store.OpUpsert, NewVersion: cp.Version})
		}
	} else if c.SharedListener != nil {
		lk := key{a.Team, c.SharedListener.Name}
		existing, ok := s.listeners[lk]
		if !(ok && store.ContentEqual(c.SharedListener, existing)) {
			cp := *c.SharedListener
			if ok {
				cp.Version = existing.Version + 1
				cp.CreatedAt = existing.CreatedAt
			} else {
				cp.Version = 1
				cp.CreatedAt = now
			}
			cp.UpdatedAt = now
			s.listeners[lk] = &cp
			events = append(events, store.ChangeEvent{EntityType: store.EntityListener, Team: a.Team, Name: c.SharedListener.Name, Op: store.OpUpsert, NewVersion: cp.Version})
		}
	}

	// Finally persist the APIDefinition record itself with its new Derived* bookkeeping.
	if hadPrevious && store.ContentEqual(a, previous) {
		s.domains[a.Domain] = k
	} else {
		cp := *a
		if hadPrevious {
			cp.Version = previous.Version + 1
			cp.CreatedAt = previous.CreatedAt
		} else {
			cp.Version = 1
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		s.apiDefs[k] = &cp
		s.domains[a.Domain] = k
		events = append(events, store.ChangeEvent{EntityType: store.EntityAPIDefinition, Team: a.Team, Name: a.Name, Op: store.OpUpsert, NewVersion: cp.Version})
	}

	s.mu.Unlock()

	s.publish(events...)
	return nil
}
