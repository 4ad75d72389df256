// Package sql implements store.Store against a relational backend via
// sqlx, grounding the Persistence Gateway's durable path on the
// jmoiron/sqlx + go-sql-driver/mysql pairing visible in the retrieved
// example pack. Each entity family is one table keyed by (team, name)
// with a monotonic version column, plus a global domains table enforcing
// spec.md §3 invariant 6. The full entity body is stored as a JSON
// payload column — Flowplane's entities are read back through this same
// package, never queried piecemeal by SQL predicates, so a normalized
// per-field schema would only add migration surface without adding
// query power.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

// Schema is the DDL Open() expects to already be applied (migrations are
// explicitly out of scope for the core, per spec.md §1).
const Schema = `
CREATE TABLE IF NOT EXISTS clusters (
	team VARCHAR(255) NOT NULL, name VARCHAR(255) NOT NULL, version BIGINT NOT NULL,
	payload JSON NOT NULL, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL,
	PRIMARY KEY (team, name)
);
CREATE TABLE IF NOT EXISTS route_configs (
	team VARCHAR(255) NOT NULL, name VARCHAR(255) NOT NULL, version BIGINT NOT NULL,
	payload JSON NOT NULL, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL,
	PRIMARY KEY (team, name)
);
CREATE TABLE IF NOT EXISTS listeners (
	team VARCHAR(255) NOT NULL, name VARCHAR(255) NOT NULL, version BIGINT NOT NULL,
	payload JSON NOT NULL, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL,
	PRIMARY KEY (team, name)
);
CREATE TABLE IF NOT EXISTS http_filters (
	team VARCHAR(255) NOT NULL, name VARCHAR(255) NOT NULL, version BIGINT NOT NULL,
	payload JSON NOT NULL, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL,
	PRIMARY KEY (team, name)
);
CREATE TABLE IF NOT EXISTS secrets (
	team VARCHAR(255) NOT NULL, name VARCHAR(255) NOT NULL, version BIGINT NOT NULL,
	payload JSON NOT NULL, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL,
	PRIMARY KEY (team, name)
);
CREATE TABLE IF NOT EXISTS api_definitions (
	team VARCHAR(255) NOT NULL, name VARCHAR(255) NOT NULL, version BIGINT NOT NULL,
	payload JSON NOT NULL, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL,
	PRIMARY KEY (team, name)
);
CREATE TABLE IF NOT EXISTS listener_route_configs (
	listener_team VARCHAR(255) NOT NULL, listener_name VARCHAR(255) NOT NULL,
	route_config_name VARCHAR(255) NOT NULL,
	PRIMARY KEY (listener_team, listener_name, route_config_name)
);
CREATE TABLE IF NOT EXISTS domains (
	domain VARCHAR(255) NOT NULL PRIMARY KEY, team VARCHAR(255) NOT NULL, api_definition_name VARCHAR(255) NOT NULL
);
`

// Store is the sqlx-backed Persistence Gateway implementation.
type Store struct {
	db *sqlx.DB

	mu     sync.Mutex
	subs   map[int]chan store.ChangeEvent
	nextID int
}

// Open connects to dsn through driverName (e.g. "mysql") and returns a
// Store. Schema must already be applied.
func Open(driverName, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.Open", "", err)
	}
	return &Store{db: db, subs: make(map[int]chan store.ChangeEvent)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SubscribeChanges() (<-chan store.ChangeEvent, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan store.ChangeEvent, 256)
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}
}

func (s *Store) publish(events ...store.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

type row struct {
	Team      string    `db:"team"`
	Name      string    `db:"name"`
	Version   uint64    `db:"version"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func classifyDBErr(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return flowerr.New(flowerr.NotFound, op, entity, "not found")
	}
	return flowerr.Wrap(flowerr.BackendUnavailable, op, entity, err)
}

// --- Clusters ---

func (s *Store) GetCluster(ctx context.Context, team, name string) (*model.Cluster, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT team, name, version, payload, created_at, updated_at FROM clusters WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return nil, classifyDBErr("sql.GetCluster", name, err)
	}
	var c model.Cluster
	if err := json.Unmarshal(r.Payload, &c); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.GetCluster", name, err)
	}
	c.Version, c.CreatedAt, c.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
	return &c, nil
}

func (s *Store) ListClusters(ctx context.Context, team string) ([]*model.Cluster, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT team, name, version, payload, created_at, updated_at FROM clusters WHERE team = ?`, team); err != nil {
		return nil, classifyDBErr("sql.ListClusters", team, err)
	}
	out := make([]*model.Cluster, 0, len(rows))
	for _, r := range rows {
		var c model.Cluster
		if err := json.Unmarshal(r.Payload, &c); err != nil {
			return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.ListClusters", r.Name, err)
		}
		c.Version, c.CreatedAt, c.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) PutCluster(ctx context.Context, c *model.Cluster) (*model.Cluster, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutCluster", c.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	out, changed, err := putEntityTx(ctx, tx, "clusters", c.Team, c.Name, c)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutCluster", c.Name, err)
	}
	if changed {
		s.publish(store.ChangeEvent{EntityType: store.EntityCluster, Team: c.Team, Name: c.Name, Op: store.OpUpsert, NewVersion: out.(*model.Cluster).Version})
	}
	return out.(*model.Cluster), nil
}

func (s *Store) DeleteCluster(ctx context.Context, team, name string) error {
	var referrers []string
	if err := s.db.SelectContext(ctx, &referrers,
		`SELECT name FROM route_configs WHERE team = ? AND JSON_CONTAINS(payload, JSON_QUOTE(?), '$.VirtualHosts[*].Routes[*].Action.Cluster')`,
		team, name); err != nil {
		return classifyDBErr("sql.DeleteCluster", name, err)
	}
	if len(referrers) > 0 {
		return flowerr.New(flowerr.Conflict, "sql.DeleteCluster", name, fmt.Sprintf("referenced by route configuration(s) %v", referrers))
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM clusters WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return classifyDBErr("sql.DeleteCluster", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerr.New(flowerr.NotFound, "sql.DeleteCluster", name, "not found")
	}
	s.publish(store.ChangeEvent{EntityType: store.EntityCluster, Team: team, Name: name, Op: store.OpDelete})
	return nil
}

// putEntityTx is the shared upsert path for every simple (non-composite)
// entity family: read the current row (if any), compare its payload against
// entity ignoring bookkeeping fields, and either leave the persisted version
// untouched on an identical resubmission (spec.md §8 "Idempotence of PUT")
// or bump it, marshal the payload, and write it back inside tx. entity must
// be a pointer whose Version/CreatedAt/UpdatedAt fields putEntityTx fills in
// before marshaling. The second return value reports whether a write
// actually happened, so callers know whether to emit a changed-set entry.
func putEntityTx(ctx context.Context, tx *sqlx.Tx, table, team, name string, entity any) (any, bool, error) {
	var existingVersion uint64
	var existingPayload []byte
	var createdAt, updatedAt time.Time
	err := tx.QueryRowxContext(ctx, fmt.Sprintf(`SELECT version, payload, created_at, updated_at FROM %s WHERE team = ? AND name = ? FOR UPDATE`, table), team, name).
		Scan(&existingVersion, &existingPayload, &createdAt, &updatedAt)
	now := time.Now()
	var version uint64
	switch err {
	case nil:
		unchanged, cmpErr := contentUnchanged(entity, existingPayload)
		if cmpErr != nil {
			return nil, false, flowerr.Wrap(flowerr.BackendUnavailable, "sql.putEntityTx", name, cmpErr)
		}
		if unchanged {
			setVersionAndTimestamps(entity, existingVersion, createdAt, updatedAt)
			return entity, false, nil
		}
		version = existingVersion + 1
	case sql.ErrNoRows:
		version = 1
		createdAt = now
	default:
		return nil, false, flowerr.Wrap(flowerr.BackendUnavailable, "sql.putEntityTx", name, err)
	}

	setVersionAndTimestamps(entity, version, createdAt, now)

	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, false, flowerr.Wrap(flowerr.WireEncoding, "sql.putEntityTx", name, err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (team, name, version, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE version = VALUES(version), payload = VALUES(payload), updated_at = VALUES(updated_at)
	`, table), team, name, version, payload, createdAt, now)
	if err != nil {
		return nil, false, flowerr.Wrap(flowerr.BackendUnavailable, "sql.putEntityTx", name, err)
	}
	return entity, true, nil
}

// contentUnchanged unmarshals payload into the same concrete type as entity
// and reports whether the two are equal ignoring Version/CreatedAt/
// UpdatedAt — the content-equality half of the Idempotence of PUT check.
func contentUnchanged(entity any, payload []byte) (bool, error) {
	switch e := entity.(type) {
	case *model.Cluster:
		var existing model.Cluster
		if err := json.Unmarshal(payload, &existing); err != nil {
			return false, err
		}
		return store.ContentEqual(e, &existing), nil
	case *model.RouteConfiguration:
		var existing model.RouteConfiguration
		if err := json.Unmarshal(payload, &existing); err != nil {
			return false, err
		}
		return store.ContentEqual(e, &existing), nil
	case *model.Listener:
		var existing model.Listener
		if err := json.Unmarshal(payload, &existing); err != nil {
			return false, err
		}
		return store.ContentEqual(e, &existing), nil
	case *model.HTTPFilter:
		var existing model.HTTPFilter
		if err := json.Unmarshal(payload, &existing); err != nil {
			return false, err
		}
		return store.ContentEqual(e, &existing), nil
	case *model.Secret:
		var existing model.Secret
		if err := json.Unmarshal(payload, &existing); err != nil {
			return false, err
		}
		return store.ContentEqual(e, &existing), nil
	case *model.APIDefinition:
		var existing model.APIDefinition
		if err := json.Unmarshal(payload, &existing); err != nil {
			return false, err
		}
		return store.ContentEqual(e, &existing), nil
	default:
		return false, fmt.Errorf("sql: unsupported entity type %T", entity)
	}
}

// setVersionAndTimestamps fills in the bookkeeping fields every entity
// family carries, without a shared interface — the entity types are kept
// free of a "Versioned" interface so internal/model stays a pure data
// layer.
func setVersionAndTimestamps(entity any, version uint64, createdAt, updatedAt time.Time) {
	switch e := entity.(type) {
	case *model.Cluster:
		e.Version, e.CreatedAt, e.UpdatedAt = version, createdAt, updatedAt
	case *model.RouteConfiguration:
		e.Version, e.CreatedAt, e.UpdatedAt = version, createdAt, updatedAt
	case *model.Listener:
		e.Version, e.CreatedAt, e.UpdatedAt = version, createdAt, updatedAt
	case *model.HTTPFilter:
		e.Version, e.CreatedAt, e.UpdatedAt = version, createdAt, updatedAt
	case *model.Secret:
		e.Version, e.CreatedAt, e.UpdatedAt = version, createdAt, updatedAt
	case *model.APIDefinition:
		e.Version, e.CreatedAt, e.UpdatedAt = version, createdAt, updatedAt
	}
}

// --- RouteConfigurations ---

func (s *Store) GetRouteConfig(ctx context.Context, team, name string) (*model.RouteConfiguration, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT team, name, version, payload, created_at, updated_at FROM route_configs WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return nil, classifyDBErr("sql.GetRouteConfig", name, err)
	}
	var rc model.RouteConfiguration
	if err := json.Unmarshal(r.Payload, &rc); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.GetRouteConfig", name, err)
	}
	rc.Version, rc.CreatedAt, rc.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
	return &rc, nil
}

func (s *Store) ListRouteConfigs(ctx context.Context, team string) ([]*model.RouteConfiguration, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT team, name, version, payload, created_at, updated_at FROM route_configs WHERE team = ?`, team); err != nil {
		return nil, classifyDBErr("sql.ListRouteConfigs", team, err)
	}
	out := make([]*model.RouteConfiguration, 0, len(rows))
	for _, r := range rows {
		var rc model.RouteConfiguration
		if err := json.Unmarshal(r.Payload, &rc); err != nil {
			return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.ListRouteConfigs", r.Name, err)
		}
		rc.Version, rc.CreatedAt, rc.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
		out = append(out, &rc)
	}
	return out, nil
}

func (s *Store) PutRouteConfig(ctx context.Context, rc *model.RouteConfiguration) (*model.RouteConfiguration, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutRouteConfig", rc.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, cname := range rc.ReferencedClusters() {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM clusters WHERE team = ? AND name = ?`, rc.Team, cname); err != nil {
			return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutRouteConfig", rc.Name, err)
		}
		if exists == 0 {
			return nil, flowerr.New(flowerr.Validation, "sql.PutRouteConfig", rc.Name, fmt.Sprintf("references nonexistent cluster %q", cname))
		}
	}

	out, changed, err := putEntityTx(ctx, tx, "route_configs", rc.Team, rc.Name, rc)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutRouteConfig", rc.Name, err)
	}
	if changed {
		s.publish(store.ChangeEvent{EntityType: store.EntityRouteConfig, Team: rc.Team, Name: rc.Name, Op: store.OpUpsert, NewVersion: out.(*model.RouteConfiguration).Version})
	}
	return out.(*model.RouteConfiguration), nil
}

func (s *Store) DeleteRouteConfig(ctx context.Context, team, name string) error {
	var referrers []string
	if err := s.db.SelectContext(ctx, &referrers, `SELECT listener_name FROM listener_route_configs WHERE listener_team = ? AND route_config_name = ?`, team, name); err != nil {
		return classifyDBErr("sql.DeleteRouteConfig", name, err)
	}
	if len(referrers) > 0 {
		return flowerr.New(flowerr.Conflict, "sql.DeleteRouteConfig", name, fmt.Sprintf("referenced by listener(s) %v", referrers))
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM route_configs WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return classifyDBErr("sql.DeleteRouteConfig", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerr.New(flowerr.NotFound, "sql.DeleteRouteConfig", name, "not found")
	}
	s.publish(store.ChangeEvent{EntityType: store.EntityRouteConfig, Team: team, Name: name, Op: store.OpDelete})
	return nil
}

// --- Listeners ---

func (s *Store) GetListener(ctx context.Context, team, name string) (*model.Listener, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT team, name, version, payload, created_at, updated_at FROM listeners WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return nil, classifyDBErr("sql.GetListener", name, err)
	}
	var l model.Listener
	if err := json.Unmarshal(r.Payload, &l); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.GetListener", name, err)
	}
	l.Version, l.CreatedAt, l.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
	return &l, nil
}

func (s *Store) ListListeners(ctx context.Context, team string) ([]*model.Listener, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT team, name, version, payload, created_at, updated_at FROM listeners WHERE team = ?`, team); err != nil {
		return nil, classifyDBErr("sql.ListListeners", team, err)
	}
	out := make([]*model.Listener, 0, len(rows))
	for _, r := range rows {
		var l model.Listener
		if err := json.Unmarshal(r.Payload, &l); err != nil {
			return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.ListListeners", r.Name, err)
		}
		l.Version, l.CreatedAt, l.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
		out = append(out, &l)
	}
	return out, nil
}

func (s *Store) PutListener(ctx context.Context, l *model.Listener) (*model.Listener, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutListener", l.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	refs := l.ReferencedRouteConfigs()
	for _, rcName := range refs {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM route_configs WHERE team = ? AND name = ?`, l.Team, rcName); err != nil {
			return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutListener", l.Name, err)
		}
		if exists == 0 {
			return nil, flowerr.New(flowerr.Validation, "sql.PutListener", l.Name, fmt.Sprintf("references nonexistent route configuration %q", rcName))
		}
	}

	out, changed, err := putEntityTx(ctx, tx, "listeners", l.Team, l.Name, l)
	if err != nil {
		return nil, err
	}

	if changed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM listener_route_configs WHERE listener_team = ? AND listener_name = ?`, l.Team, l.Name); err != nil {
			return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutListener", l.Name, err)
		}
		for _, rcName := range refs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO listener_route_configs (listener_team, listener_name, route_config_name) VALUES (?, ?, ?)`, l.Team, l.Name, rcName); err != nil {
				return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutListener", l.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutListener", l.Name, err)
	}
	if changed {
		s.publish(store.ChangeEvent{EntityType: store.EntityListener, Team: l.Team, Name: l.Name, Op: store.OpUpsert, NewVersion: out.(*model.Listener).Version})
	}
	return out.(*model.Listener), nil
}

func (s *Store) DeleteListener(ctx context.Context, team, name string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return flowerr.Wrap(flowerr.BackendUnavailable, "sql.DeleteListener", name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM listeners WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return classifyDBErr("sql.DeleteListener", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerr.New(flowerr.NotFound, "sql.DeleteListener", name, "not found")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM listener_route_configs WHERE listener_team = ? AND listener_name = ?`, team, name); err != nil {
		return flowerr.Wrap(flowerr.BackendUnavailable, "sql.DeleteListener", name, err)
	}
	if err := tx.Commit(); err != nil {
		return flowerr.Wrap(flowerr.BackendUnavailable, "sql.DeleteListener", name, err)
	}
	s.publish(store.ChangeEvent{EntityType: store.EntityListener, Team: team, Name: name, Op: store.OpDelete})
	return nil
}

// --- HTTPFilters ---

func (s *Store) GetFilter(ctx context.Context, team, name string) (*model.HTTPFilter, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT team, name, version, payload, created_at, updated_at FROM http_filters WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return nil, classifyDBErr("sql.GetFilter", name, err)
	}
	var f model.HTTPFilter
	if err := json.Unmarshal(r.Payload, &f); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.GetFilter", name, err)
	}
	f.Version, f.CreatedAt, f.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
	return &f, nil
}

func (s *Store) ListFilters(ctx context.Context, team string) ([]*model.HTTPFilter, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT team, name, version, payload, created_at, updated_at FROM http_filters WHERE team = ?`, team); err != nil {
		return nil, classifyDBErr("sql.ListFilters", team, err)
	}
	out := make([]*model.HTTPFilter, 0, len(rows))
	for _, r := range rows {
		var f model.HTTPFilter
		if err := json.Unmarshal(r.Payload, &f); err != nil {
			return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.ListFilters", r.Name, err)
		}
		f.Version, f.CreatedAt, f.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
		out = append(out, &f)
	}
	return out, nil
}

func (s *Store) PutFilter(ctx context.Context, f *model.HTTPFilter) (*model.HTTPFilter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutFilter", f.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	out, changed, err := putEntityTx(ctx, tx, "http_filters", f.Team, f.Name, f)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutFilter", f.Name, err)
	}
	if changed {
		s.publish(store.ChangeEvent{EntityType: store.EntityFilter, Team: f.Team, Name: f.Name, Op: store.OpUpsert, NewVersion: out.(*model.HTTPFilter).Version})
	}
	return out.(*model.HTTPFilter), nil
}

func (s *Store) DeleteFilter(ctx context.Context, team, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM http_filters WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return classifyDBErr("sql.DeleteFilter", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerr.New(flowerr.NotFound, "sql.DeleteFilter", name, "not found")
	}
	s.publish(store.ChangeEvent{EntityType: store.EntityFilter, Team: team, Name: name, Op: store.OpDelete})
	return nil
}

// --- Secrets ---

func (s *Store) GetSecret(ctx context.Context, team, name string) (*model.Secret, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT team, name, version, payload, created_at, updated_at FROM secrets WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return nil, classifyDBErr("sql.GetSecret", name, err)
	}
	var sec model.Secret
	if err := json.Unmarshal(r.Payload, &sec); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.GetSecret", name, err)
	}
	sec.Version, sec.CreatedAt, sec.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
	return &sec, nil
}

func (s *Store) ListSecrets(ctx context.Context, team string) ([]*model.Secret, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT team, name, version, payload, created_at, updated_at FROM secrets WHERE team = ?`, team); err != nil {
		return nil, classifyDBErr("sql.ListSecrets", team, err)
	}
	out := make([]*model.Secret, 0, len(rows))
	for _, r := range rows {
		var sec model.Secret
		if err := json.Unmarshal(r.Payload, &sec); err != nil {
			return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.ListSecrets", r.Name, err)
		}
		sec.Version, sec.CreatedAt, sec.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
		out = append(out, &sec)
	}
	return out, nil
}

func (s *Store) PutSecret(ctx context.Context, sec *model.Secret) (*model.Secret, error) {
	if err := sec.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutSecret", sec.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	out, changed, err := putEntityTx(ctx, tx, "secrets", sec.Team, sec.Name, sec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.PutSecret", sec.Name, err)
	}
	if changed {
		s.publish(store.ChangeEvent{EntityType: store.EntitySecret, Team: sec.Team, Name: sec.Name, Op: store.OpUpsert, NewVersion: out.(*model.Secret).Version})
	}
	return out.(*model.Secret), nil
}

func (s *Store) DeleteSecret(ctx context.Context, team, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return classifyDBErr("sql.DeleteSecret", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerr.New(flowerr.NotFound, "sql.DeleteSecret", name, "not found")
	}
	s.publish(store.ChangeEvent{EntityType: store.EntitySecret, Team: team, Name: name, Op: store.OpDelete})
	return nil
}

// --- APIDefinitions ---

func (s *Store) GetAPIDefinition(ctx context.Context, team, name string) (*model.APIDefinition, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT team, name, version, payload, created_at, updated_at FROM api_definitions WHERE team = ? AND name = ?`, team, name)
	if err != nil {
		return nil, classifyDBErr("sql.GetAPIDefinition", name, err)
	}
	var a model.APIDefinition
	if err := json.Unmarshal(r.Payload, &a); err != nil {
		return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.GetAPIDefinition", name, err)
	}
	a.Version, a.CreatedAt, a.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
	return &a, nil
}

func (s *Store) ListAPIDefinitions(ctx context.Context, team string) ([]*model.APIDefinition, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT team, name, version, payload, created_at, updated_at FROM api_definitions WHERE team = ?`, team); err != nil {
		return nil, classifyDBErr("sql.ListAPIDefinitions", team, err)
	}
	out := make([]*model.APIDefinition, 0, len(rows))
	for _, r := range rows {
		var a model.APIDefinition
		if err := json.Unmarshal(r.Payload, &a); err != nil {
			return nil, flowerr.Wrap(flowerr.BackendUnavailable, "sql.ListAPIDefinitions", r.Name, err)
		}
		a.Version, a.CreatedAt, a.UpdatedAt = r.Version, r.CreatedAt, r.UpdatedAt
		out = append(out, &a)
	}
	return out, nil
}

// TransactionalReplaceAPIDefinition mirrors memory.Store's semantics
// inside one sqlx transaction: a held row lock on the domains table
// serializes racing writers to the same domain for the lifetime of the
// transaction (spec.md §5's single-writer model still applies — this path
// exists for the durable deployment, not to add a second writer).
func (s *Store) TransactionalReplaceAPIDefinition(ctx context.Context, c store.APIDefinitionChildren) error {
	a := c.APIDefinition
	if err := a.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return flowerr.Wrap(flowerr.BackendUnavailable, "sql.TransactionalReplaceAPIDefinition", a.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var owner string
	err = tx.GetContext(ctx, &owner, `SELECT api_definition_name FROM domains WHERE domain = ? FOR UPDATE`, a.Domain)
	switch {
	case err == nil && owner != a.Name:
		return flowerr.New(flowerr.Conflict, "sql.TransactionalReplaceAPIDefinition", a.Name, fmt.Sprintf("domain %q already registered to %q", a.Domain, owner))
	case err != nil && err != sql.ErrNoRows:
		return flowerr.Wrap(flowerr.BackendUnavailable, "sql.TransactionalReplaceAPIDefinition", a.Name, err)
	}

	var previous *model.APIDefinition
	var prevRow row
	err = tx.GetContext(ctx, &prevRow, `SELECT team, name, version, payload, created_at, updated_at FROM api_definitions WHERE team = ? AND name = ? FOR UPDATE`, a.Team, a.Name)
	if err == nil {
		var p model.APIDefinition
		if jsonErr := json.Unmarshal(prevRow.Payload, &p); jsonErr != nil {
			return flowerr.Wrap(flowerr.BackendUnavailable, "sql.TransactionalReplaceAPIDefinition", a.Name, jsonErr)
		}
		previous = &p
	} else if err != sql.ErrNoRows {
		return flowerr.Wrap(flowerr.BackendUnavailable, "sql.TransactionalReplaceAPIDefinition", a.Name, err)
	}

	var events []store.ChangeEvent
	if previous != nil {
		keep := make(map[string]bool, len(c.Clusters))
		for _, cl := range c.Clusters {
			keep[cl.Name] = true
		}
		for _, oldName := range previous.DerivedClusterNames {
			if keep[oldName] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM clusters WHERE team = ? AND name = ?`, a.Team, oldName); err != nil {
				return flowerr.Wrap(flowerr.BackendUnavailable, "sql.TransactionalReplaceAPIDefinition", a.Name, err)
			}
			events = append(events, store.ChangeEvent{EntityType: store.EntityCluster, Team: a.Team, Name: oldName, Op: store.OpDelete})
		}
		if previous.DerivedRouteConfigName != "" && (c.RouteConfig == nil || previous.DerivedRouteConfigName != c.RouteConfig.Name) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM route_configs WHERE team = ? AND name = ?`, a.Team, previous.DerivedRouteConfigName); err != nil {
				return flowerr.Wrap(flowerr.BackendUnavailable, "sql.TransactionalReplaceAPIDefinition", a.Name, err)
			}
			events = append(events, store.ChangeEvent{EntityType: store.EntityRouteConfig, Team: a.Team, Name: previous.DerivedRouteConfigName, Op: store.OpDelete})
		}
		if previous.DerivedListenerName != "" && (c.Listener == nil || previous.DerivedListenerName != c.Listener.Name) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM listeners WHERE team = ? AND name = ?`, a.Team, previous.DerivedListenerName); err != nil {
				return flowerr.Wrap(flowerr.BackendUnavailable, "sql.TransactionalReplaceAPIDefinition", a.Name, err)
			}
			events = append(events, store.ChangeEvent{EntityType: store.EntityListener, Team: a.Team, Name: previous.DerivedListenerName, Op: store.OpDelete})
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM domains WHERE domain = ?`, previous.Domain); err != nil {
			return flowerr.Wrap(flowerr.BackendUnavailable, "sql.TransactionalReplaceAPIDefinition", a.Name, err)
		}
	}

	for _, cl := range c.Clusters {
		out, changed, err := putEntityTx(ctx, tx, "clusters", a.Team, cl.Name, cl)
		if err != nil {
			return err
		}
		if changed {
			events = append(events, store.ChangeEvent{EntityType: store.EntityCluster, Team: a.Team, Name: cl.Name, Op: store.OpUpsert, NewVersion: out.(*model.Cluster).Version})
		}
	}
	if c.RouteConfig != nil {
		out, changed, err := putEntityTx(ctx, tx, "route_configs", a.Team, c.RouteConfig.Name, c.RouteConfig)
		if err != nil {
			return err
		}
		if changed {
			events = append(events, store.ChangeEvent{EntityType: store.EntityRouteConfig, Team: a.Team, Name: c.RouteConfig.Name, Op: store.OpUpsert, NewVersion: out.(*model.RouteConfiguration).Version})
		}
	}
	if c.Listener != nil {
		out, changed, err := putEntityTx(ctx, tx, "listeners", a.Team, c.Listener.Name, c.Listener)
		if err != nil {
			return err
		}
		if changed {
			events = append(events, store.ChangeEvent{EntityType: store.EntityListener, Team: a.Team, Name: c.Listener.Name, Op: store.OpUpsert, NewVersion: out.(*model.Listener).Version})
		}
	} else if c.SharedListener != nil {
		out, changed, err := putEntityTx(ctx, tx, "listeners", a.Team, c.SharedListener.Name, c.SharedListener)
		if err != nil {
			return err
		}
		if changed {
			events = append(events, store.ChangeEvent{EntityType: store.EntityListener, Team: a.Team, Name: c.SharedListener.Name, Op: store.OpUpsert, NewVersion: out.(*model.Listener).Version})
		}
	}

	out, changed, err := putEntityTx(ctx, tx, "api_definitions", a.Team, a.Name, a)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO domains (domain, team, api_definition_name) VALUES (?, ?, ?)`, a.Domain, a.Team, a.Name); err != nil {
		return flowerr.Wrap(flowerr.BackendUnavailable, "sql.TransactionalReplaceAPIDefinition", a.Name, err)
	}
	if changed {
		events = append(events, store.ChangeEvent{EntityType: store.EntityAPIDefinition, Team: a.Team, Name: a.Name, Op: store.OpUpsert, NewVersion: out.(*model.APIDefinition).Version})
	}

	if err := tx.Commit(); err != nil {
		return flowerr.Wrap(flowerr.BackendUnavailable, "sql.TransactionalReplaceAPIDefinition", a.Name, err)
	}
	s.publish(events...)
	return nil
}

var _ store.Store = (*Store)(nil)
