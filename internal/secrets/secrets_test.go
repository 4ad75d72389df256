package secrets

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = c.Close()
		mr.Close()
	})
	return mr, c
}

type countingBackend struct {
	calls int
	material []byte
}

func (b *countingBackend) Resolve(_ context.Context, _ string, _ *model.SecretSource) ([]byte, error) {
	b.calls++
	return b.material, nil
}

func TestResolveCachesBackendResult(t *testing.T) {
	_, rdb := newTestRedis(t)
	backend := &countingBackend{material: []byte("plaintext")}
	r := New(backend, rdb, time.Minute, slog.Default())

	src := &model.SecretSource{Kind: model.SourceEncrypted, Ciphertext: []byte("cipher")}

	got, err := r.Resolve(context.Background(), "team-a", src)
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext"), got)
	assert.Equal(t, 1, backend.calls)

	got2, err := r.Resolve(context.Background(), "team-a", src)
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext"), got2)
	assert.Equal(t, 1, backend.calls, "second resolve should hit the cache, not the backend")
}

func TestResolveExpiresAfterTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	backend := &countingBackend{material: []byte("plaintext")}
	r := New(backend, rdb, 5*time.Second, slog.Default())

	src := &model.SecretSource{Kind: model.SourceEncrypted, Ciphertext: []byte("cipher")}
	_, err := r.Resolve(context.Background(), "team-a", src)
	require.NoError(t, err)

	mr.FastForward(6 * time.Second)

	_, err = r.Resolve(context.Background(), "team-a", src)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
}

func TestRotationChangesCacheKeyForEncryptedSources(t *testing.T) {
	_, rdb := newTestRedis(t)
	backend := &countingBackend{material: []byte("v1")}
	r := New(backend, rdb, time.Minute, slog.Default())

	oldSrc := &model.SecretSource{Kind: model.SourceEncrypted, Ciphertext: []byte("old-cipher")}
	_, err := r.Resolve(context.Background(), "team-a", oldSrc)
	require.NoError(t, err)

	backend.material = []byte("v2")
	newSrc := &model.SecretSource{Kind: model.SourceEncrypted, Ciphertext: []byte("new-cipher")}
	got, err := r.Resolve(context.Background(), "team-a", newSrc)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got, "rotated ciphertext must resolve to new plaintext, not the stale cache entry")
}

func TestWatchInvalidationsEvictsExternalKVEntriesOnSecretChange(t *testing.T) {
	_, rdb := newTestRedis(t)
	backend := &countingBackend{material: []byte("plaintext")}
	r := New(backend, rdb, time.Minute, slog.Default())

	src := &model.SecretSource{Kind: model.SourceExternalKV, KVPath: "kv/team-a/cert"}
	_, err := r.Resolve(context.Background(), "team-a", src)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls)

	ch := make(chan store.ChangeEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go r.WatchInvalidations(ctx, ch)

	ch <- store.ChangeEvent{EntityType: store.EntitySecret, Team: "team-a", Name: "cert", Op: store.OpUpsert}
	time.Sleep(50 * time.Millisecond)
	cancel()

	_, err = r.Resolve(context.Background(), "team-a", src)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls, "invalidation must force the next resolve back through the backend")
}
