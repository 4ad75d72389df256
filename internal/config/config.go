// Package config loads and validates the control plane configuration from
// environment variables. All settings have sensible defaults so the binary
// works out of the box for local development without any .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the control plane.
// Values are loaded once at startup via Load() and then treated as immutable.
type Config struct {
	// XDSAddr is the gRPC listen address for the ADS server.
	// Envoy connects here to receive dynamic configuration.
	XDSAddr string

	// APIAddr is the HTTP listen address for the management API.
	APIAddr string

	// BootstrapAddr is the HTTP listen address serving generated Envoy
	// bootstrap documents (internal/bootstrap).
	BootstrapAddr string

	// PersistenceDSN selects and configures the Store backend. Empty means
	// the in-memory store; any other value is passed as the DSN to the
	// internal/store/sql backend, opened with the "mysql" driver.
	PersistenceDSN string

	// CacheDebounceWindow is how long xds/cache.Cache.Run coalesces a burst
	// of store change events for the same entity before rebuilding and
	// pushing it once. Zero disables coalescing and rebuilds immediately.
	CacheDebounceWindow time.Duration

	// SecretCacheTTL is how long internal/secrets.Resolver caches resolved
	// secret material before re-invoking the backend.
	SecretCacheTTL time.Duration

	// RedisAddr is the address of the Redis instance backing the secret
	// cache. Empty disables the Redis-backed cache.
	RedisAddr string

	// MTLSCertPath, MTLSKeyPath and MTLSClientCAPath are certificate, key
	// and CA bundle file paths handed to internal/bootstrap, which writes
	// them into the ADS cluster's TLS transport socket of generated
	// bootstrap documents when all three are set. cmd/controlplane passes
	// no TLS credentials to the ADS server itself: XDSAddr is served over
	// plaintext whether or not these are set, and client certificates are
	// not verified.
	MTLSCertPath     string
	MTLSKeyPath      string
	MTLSClientCAPath string

	// DefaultSharedListenerName is the conventional Listener name an
	// APIDefinition attaches to when it declares ListenerShared isolation
	// without naming an explicit target listener.
	DefaultSharedListenerName string
	// DefaultSharedListenerBind and DefaultSharedListenerPort seed that
	// shared Listener the first time any APIDefinition attaches to it.
	DefaultSharedListenerBind string
	DefaultSharedListenerPort uint32

	// EnvoyAdminAddr is the admin interface address stamped into generated
	// bootstrap documents (internal/bootstrap), not an address this binary
	// itself listens on — it describes the data-plane Envoy's own admin
	// listener.
	EnvoyAdminAddr string

	// DockerDiscoveryEnabled toggles internal/discovery's Docker watcher.
	// Disabled by default since not every deployment has a Docker socket
	// available or wants automatic Cluster admission from it.
	DockerDiscoveryEnabled bool

	// Teams lists every team the cache seeds and serves at startup. The
	// store itself has no team directory to enumerate, so this is the one
	// place that set is configured up front.
	Teams []string
}

// HomeEnvoyIngress returns the default shared listener's bind address in
// host:port form, the address an operator points the first onboarded
// Envoy node at before any APIDefinition has claimed a dedicated listener.
func (c *Config) HomeEnvoyIngress() string {
	return fmt.Sprintf("%s:%d", c.DefaultSharedListenerBind, c.DefaultSharedListenerPort)
}

// MTLSEnabled reports whether both MTLSCertPath and MTLSKeyPath are set.
func (c *Config) MTLSEnabled() bool {
	return c.MTLSCertPath != "" && c.MTLSKeyPath != ""
}

// Load reads configuration from environment variables.
// Missing variables fall back to defaults suitable for local Docker Compose
// development. An error is returned only if a set variable fails to parse.
func Load() (*Config, error) {
	debounce, err := getDuration("FLOWPLANE_CACHE_DEBOUNCE", 0)
	if err != nil {
		return nil, err
	}
	secretTTL, err := getDuration("FLOWPLANE_SECRET_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	sharedPort, err := getUint32("FLOWPLANE_SHARED_LISTENER_PORT", 10000)
	if err != nil {
		return nil, err
	}
	dockerDiscovery, err := getBool("FLOWPLANE_DOCKER_DISCOVERY", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		XDSAddr:                   getEnv("FLOWPLANE_XDS_ADDR", ":9090"),
		APIAddr:                   getEnv("FLOWPLANE_API_ADDR", ":8080"),
		BootstrapAddr:             getEnv("FLOWPLANE_BOOTSTRAP_ADDR", ":8081"),
		PersistenceDSN:            getEnv("FLOWPLANE_PERSISTENCE_DSN", ""),
		CacheDebounceWindow:       debounce,
		SecretCacheTTL:            secretTTL,
		RedisAddr:                 getEnv("FLOWPLANE_REDIS_ADDR", ""),
		MTLSCertPath:              getEnv("FLOWPLANE_MTLS_CERT_PATH", ""),
		MTLSKeyPath:               getEnv("FLOWPLANE_MTLS_KEY_PATH", ""),
		MTLSClientCAPath:          getEnv("FLOWPLANE_MTLS_CLIENT_CA_PATH", ""),
		DefaultSharedListenerName: getEnv("FLOWPLANE_SHARED_LISTENER_NAME", "shared-default"),
		DefaultSharedListenerBind: getEnv("FLOWPLANE_SHARED_LISTENER_BIND", "0.0.0.0"),
		DefaultSharedListenerPort: sharedPort,
		EnvoyAdminAddr:            getEnv("FLOWPLANE_ENVOY_ADMIN_ADDR", "127.0.0.1:9901"),
		DockerDiscoveryEnabled:    dockerDiscovery,
		Teams:                     getList("FLOWPLANE_TEAMS", []string{"default"}),
	}
	return cfg, nil
}

// getEnv returns the value of the environment variable named by key,
// or fallback if the variable is unset or empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return d, nil
}

func getUint32(key string, fallback uint32) (uint32, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return uint32(n), nil
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return b, nil
}
