// Package secrets implements the SDS delegate (spec.md §6): the piece of
// the system that actually resolves a Secret's SecretSource to plaintext.
// Where that plaintext comes from (database-encrypted ciphertext, an
// external KV path) is explicitly out of core scope (spec.md §1 Non-goals);
// this package only supplies the cache.SecretResolver the core depends on,
// fronted by a configurable-TTL cache, and wires a pluggable Backend for
// the actual decrypt/fetch step.
package secrets

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/go-redis/redis/v7"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

// Backend resolves a SecretSource to its plaintext material. This package
// defines only the interface; the implementation cmd/controlplane wires is
// its envSecretBackend, which returns encrypted sources' bytes unchanged
// and reads external-KV sources from environment variables.
type Backend interface {
	Resolve(ctx context.Context, team string, src *model.SecretSource) ([]byte, error)
}

// Resolver is the cache.SecretResolver implementation: a Redis-backed TTL
// cache in front of a Backend. Satisfies cache.SecretResolver structurally
// (internal/xds/cache imports nothing from this package).
type Resolver struct {
	backend Backend
	rdb     redis.UniversalClient
	ttl     time.Duration
	log     *slog.Logger
}

// New builds a Resolver. ttl is the configurable cache TTL spec.md §6 calls
// for; rdb may be a *redis.Client or a cluster client, since both satisfy
// redis.UniversalClient.
func New(backend Backend, rdb redis.UniversalClient, ttl time.Duration, log *slog.Logger) *Resolver {
	return &Resolver{backend: backend, rdb: rdb, ttl: ttl, log: log}
}

// Resolve implements cache.SecretResolver. A cache hit returns the cached
// plaintext without touching the backend; a miss resolves through the
// backend and populates the cache for ttl.
func (r *Resolver) Resolve(ctx context.Context, team string, src *model.SecretSource) ([]byte, error) {
	key := cacheKey(team, src)

	if val, err := r.rdb.Get(key).Bytes(); err == nil {
		return val, nil
	} else if err != redis.Nil {
		r.log.Warn("secret cache read failed, resolving through backend", "error", err)
	}

	material, err := r.backend.Resolve(ctx, team, src)
	if err != nil {
		return nil, err
	}

	if err := r.rdb.Set(key, material, r.ttl).Err(); err != nil {
		r.log.Warn("secret cache write failed", "error", err)
	}
	return material, nil
}

// cacheKey is content-addressed on the source itself: for encrypted
// sources, rotation produces new ciphertext and therefore a new key, so a
// rotated secret is never served stale regardless of ttl. External-KV
// sources name a stable path, so their staleness window is bounded only by
// ttl and by WatchInvalidations below.
func cacheKey(team string, src *model.SecretSource) string {
	sum := sha256.Sum256(append([]byte(src.KVPath), src.Ciphertext...))
	return fmt.Sprintf("flowplane:secret:%s:%s:%x", team, src.Kind, sum)
}

// WatchInvalidations consumes the store's changed-set and evicts every
// cached external-KV secret entry whenever any secret in team changes,
// per spec.md §6 "cache invalidation on secret rotation is driven by the
// same change-notification channel as other entities". The resolver
// interface the cache depends on (Resolve(ctx, team, src)) carries no
// secret name, so a targeted per-secret eviction isn't possible here; this
// sweeps every external-KV key for the affected team instead, which is a
// correctness-over-precision tradeoff documented in DESIGN.md.
func (r *Resolver) WatchInvalidations(ctx context.Context, changes <-chan store.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			if ev.EntityType != store.EntitySecret {
				continue
			}
			r.evictTeam(ev.Team)
		}
	}
}

func (r *Resolver) evictTeam(team string) {
	pattern := fmt.Sprintf("flowplane:secret:%s:%s:*", team, model.SourceExternalKV)
	keys, err := r.rdb.Keys(pattern).Result()
	if err != nil {
		r.log.Warn("secret cache invalidation scan failed", "team", team, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := r.rdb.Del(keys...).Err(); err != nil {
		r.log.Warn("secret cache invalidation delete failed", "team", team, "error", err)
	}
}
