// Package store defines the Persistence Gateway (C2): typed repository
// operations over every domain entity family, transactional multi-entity
// writes for composite API definitions, and a changed-set notification
// stream the cache (C4) subscribes to. internal/store/memory and
// internal/store/sql are the two concrete implementations; both satisfy
// the same Store interface and the same failure-mode taxonomy.
package store

import (
	"context"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/flowplane/flowplane/internal/model"
)

// EntityType names one of the persisted entity families.
type EntityType string

const (
	EntityCluster       EntityType = "cluster"
	EntityRouteConfig   EntityType = "route_configuration"
	EntityListener      EntityType = "listener"
	EntityFilter        EntityType = "http_filter"
	EntitySecret        EntityType = "secret"
	EntityAPIDefinition EntityType = "api_definition"
)

// ChangeOp is whether a changed-set entry is an upsert or a delete.
type ChangeOp string

const (
	OpUpsert ChangeOp = "upsert"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is one row of a changed-set: spec.md §4.2's
// "{entity-type, team, name, op, new-version}".
type ChangeEvent struct {
	EntityType EntityType
	Team       string
	Name       string
	Op         ChangeOp
	NewVersion uint64
}

// ContentEqual reports whether a and b are equal ignoring the bookkeeping
// fields every entity carries (Version, CreatedAt, UpdatedAt). This is the
// Idempotence of PUT check (spec.md §8): resubmitting the same entity
// content must return the persisted record unchanged, with no version bump
// and no changed-set notification. Grounded on projectcontour-contour's
// resync check in internal/contour/k8s.go, which skips a requeue the same
// way (cmp.Equal with cmpopts.IgnoreFields over the fields that always
// change on write).
func ContentEqual[T any](a, b *T) bool {
	return cmp.Equal(a, b, cmpopts.IgnoreFields(*new(T), "Version", "CreatedAt", "UpdatedAt"))
}

// ClusterRepo is the repository capability over Cluster entities.
type ClusterRepo interface {
	GetCluster(ctx context.Context, team, name string) (*model.Cluster, error)
	ListClusters(ctx context.Context, team string) ([]*model.Cluster, error)
	PutCluster(ctx context.Context, c *model.Cluster) (*model.Cluster, error)
	DeleteCluster(ctx context.Context, team, name string) error
}

// RouteConfigRepo is the repository capability over RouteConfiguration entities.
type RouteConfigRepo interface {
	GetRouteConfig(ctx context.Context, team, name string) (*model.RouteConfiguration, error)
	ListRouteConfigs(ctx context.Context, team string) ([]*model.RouteConfiguration, error)
	PutRouteConfig(ctx context.Context, rc *model.RouteConfiguration) (*model.RouteConfiguration, error)
	DeleteRouteConfig(ctx context.Context, team, name string) error
}

// ListenerRepo is the repository capability over Listener entities.
type ListenerRepo interface {
	GetListener(ctx context.Context, team, name string) (*model.Listener, error)
	ListListeners(ctx context.Context, team string) ([]*model.Listener, error)
	PutListener(ctx context.Context, l *model.Listener) (*model.Listener, error)
	DeleteListener(ctx context.Context, team, name string) error
}

// FilterRepo is the repository capability over HTTPFilter entities.
type FilterRepo interface {
	GetFilter(ctx context.Context, team, name string) (*model.HTTPFilter, error)
	ListFilters(ctx context.Context, team string) ([]*model.HTTPFilter, error)
	PutFilter(ctx context.Context, f *model.HTTPFilter) (*model.HTTPFilter, error)
	DeleteFilter(ctx context.Context, team, name string) error
}

// SecretRepo is the repository capability over Secret entities.
type SecretRepo interface {
	GetSecret(ctx context.Context, team, name string) (*model.Secret, error)
	ListSecrets(ctx context.Context, team string) ([]*model.Secret, error)
	PutSecret(ctx context.Context, s *model.Secret) (*model.Secret, error)
	DeleteSecret(ctx context.Context, team, name string) error
}

// APIDefinitionRepo is the repository capability over APIDefinition entities.
type APIDefinitionRepo interface {
	GetAPIDefinition(ctx context.Context, team, name string) (*model.APIDefinition, error)
	ListAPIDefinitions(ctx context.Context, team string) ([]*model.APIDefinition, error)
}

// APIDefinitionChildren is the full derived child set the materializer (C6)
// computes for one APIDefinition write.
type APIDefinitionChildren struct {
	APIDefinition  *model.APIDefinition
	Clusters       []*model.Cluster
	RouteConfig    *model.RouteConfiguration
	Listener       *model.Listener // nil when attaching to a shared listener
	SharedListener *model.Listener // the shared listener, mutated in place, when Listener is nil
}

// Store is the full Persistence Gateway surface. A successful write is
// visible to the next read on any goroutine (spec.md §4.2).
type Store interface {
	ClusterRepo
	RouteConfigRepo
	ListenerRepo
	FilterRepo
	SecretRepo
	APIDefinitionRepo

	// TransactionalReplaceAPIDefinition persists the full derived child set
	// of one APIDefinition atomically: orphaned former children are
	// deleted, new/changed children are upserted, and exactly one
	// changed-set notification enumerating every touched name is emitted.
	TransactionalReplaceAPIDefinition(ctx context.Context, children APIDefinitionChildren) error

	// SubscribeChanges registers a new subscriber and returns a channel
	// delivering every ChangeEvent from this point on, and an unsubscribe
	// function. The channel is closed when Unsubscribe is called or the
	// store is closed.
	SubscribeChanges() (ch <-chan ChangeEvent, unsubscribe func())
}
