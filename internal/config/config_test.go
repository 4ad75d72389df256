package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"FLOWPLANE_XDS_ADDR", "FLOWPLANE_API_ADDR", "FLOWPLANE_BOOTSTRAP_ADDR",
		"FLOWPLANE_PERSISTENCE_DSN", "FLOWPLANE_CACHE_DEBOUNCE", "FLOWPLANE_SECRET_CACHE_TTL",
		"FLOWPLANE_REDIS_ADDR", "FLOWPLANE_MTLS_CERT_PATH", "FLOWPLANE_MTLS_KEY_PATH",
		"FLOWPLANE_MTLS_CLIENT_CA_PATH", "FLOWPLANE_SHARED_LISTENER_NAME",
		"FLOWPLANE_SHARED_LISTENER_BIND", "FLOWPLANE_SHARED_LISTENER_PORT",
		"FLOWPLANE_ENVOY_ADMIN_ADDR", "FLOWPLANE_DOCKER_DISCOVERY", "FLOWPLANE_TEAMS",
	}
	for _, k := range keys {
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.XDSAddr)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, time.Duration(0), cfg.CacheDebounceWindow)
	assert.Equal(t, 5*time.Minute, cfg.SecretCacheTTL)
	assert.Equal(t, "shared-default", cfg.DefaultSharedListenerName)
	assert.Equal(t, uint32(10000), cfg.DefaultSharedListenerPort)
	assert.Equal(t, "127.0.0.1:9901", cfg.EnvoyAdminAddr)
	assert.False(t, cfg.DockerDiscoveryEnabled)
	assert.False(t, cfg.MTLSEnabled())
	assert.Equal(t, []string{"default"}, cfg.Teams)
}

func TestLoadParsesTeamsList(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLOWPLANE_TEAMS", "team-a, team-b,team-c")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a", "team-b", "team-c"}, cfg.Teams)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLOWPLANE_CACHE_DEBOUNCE", "250ms")
	t.Setenv("FLOWPLANE_SHARED_LISTENER_PORT", "10443")
	t.Setenv("FLOWPLANE_DOCKER_DISCOVERY", "true")
	t.Setenv("FLOWPLANE_MTLS_CERT_PATH", "/etc/flowplane/tls.crt")
	t.Setenv("FLOWPLANE_MTLS_KEY_PATH", "/etc/flowplane/tls.key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.CacheDebounceWindow)
	assert.Equal(t, uint32(10443), cfg.DefaultSharedListenerPort)
	assert.True(t, cfg.DockerDiscoveryEnabled)
	assert.True(t, cfg.MTLSEnabled())
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLOWPLANE_CACHE_DEBOUNCE", "not-a-duration")
	_, err := Load()
	assert.Error(t, err)
}

func TestHomeEnvoyIngress(t *testing.T) {
	cfg := &Config{DefaultSharedListenerBind: "0.0.0.0", DefaultSharedListenerPort: 10000}
	assert.Equal(t, "0.0.0.0:10000", cfg.HomeEnvoyIngress())
}
