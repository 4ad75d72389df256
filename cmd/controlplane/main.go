package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	redis "github.com/go-redis/redis/v7"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowplane/flowplane/internal/bootstrap"
	"github.com/flowplane/flowplane/internal/config"
	"github.com/flowplane/flowplane/internal/discovery"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/secrets"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/store/memory"
	sqlstore "github.com/flowplane/flowplane/internal/store/sql"
	"github.com/flowplane/flowplane/internal/xds/ads"
	"github.com/flowplane/flowplane/internal/xds/cache"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("config loaded",
		"xds_addr", cfg.XDSAddr,
		"bootstrap_addr", cfg.BootstrapAddr,
		"teams", cfg.Teams,
		"docker_discovery", cfg.DockerDiscoveryEnabled,
		"cache_debounce", cfg.CacheDebounceWindow,
	)

	// --- Persistence Gateway (C2) ---
	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// --- SDS delegate ---
	var secretResolver cache.SecretResolver
	var secretWatcher *secrets.Resolver
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		secretWatcher = secrets.New(&envSecretBackend{}, rdb, cfg.SecretCacheTTL, log)
		secretResolver = secretWatcher
	} else {
		log.Warn("no redis address configured, secret material will not be cached")
		secretResolver = noCacheResolver{backend: &envSecretBackend{}}
	}

	// --- Resource Cache (C4) ---
	reg := prometheus.NewRegistry()
	resourceCache := cache.New(st, secretResolver, log)
	resourceCache.DebounceWindow = cfg.CacheDebounceWindow

	if err := resourceCache.Seed(context.Background(), cfg.Teams); err != nil {
		log.Error("failed to seed resource cache", "error", err)
		os.Exit(1)
	}

	// --- Bootstrap export ---
	bootstrapper := bootstrap.New(st)

	// --- Docker discovery ---
	var watcher *discovery.Watcher
	if cfg.DockerDiscoveryEnabled {
		watcher, err = discovery.NewWatcher(st, log)
		if err != nil {
			log.Warn("docker discovery unavailable", "error", err)
		}
	}

	// --- ADS server (C5) ---
	adsServer := ads.NewServer(resourceCache, log, reg)

	// --- HTTP surfaces: metrics, health, bootstrap export ---
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", handleHealth(st))
	mux.HandleFunc("GET /bootstrap/{team}/{node}", handleBootstrap(bootstrapper, cfg, log))

	// --- Startup ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adsDone := make(chan struct{})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("received shutdown signal")
		close(adsDone)
		cancel()
	}()

	go resourceCache.Run(ctx)

	if secretWatcher != nil {
		changes, unsubscribe := st.SubscribeChanges()
		defer unsubscribe()
		go secretWatcher.WatchInvalidations(ctx, changes)
	}

	if watcher != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Error("docker discovery error", "error", err)
			}
		}()
	}

	go func() {
		log.Info("bootstrap/metrics server listening", "addr", cfg.BootstrapAddr)
		if err := http.ListenAndServe(cfg.BootstrapAddr, mux); err != nil {
			log.Error("bootstrap/metrics server failed", "error", err)
		}
	}()

	if err := adsServer.Serve(cfg.XDSAddr, adsDone); err != nil {
		log.Error("ads server failed", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config, log *slog.Logger) (store.Store, func(), error) {
	if cfg.PersistenceDSN == "" {
		log.Info("using in-memory store")
		return memory.New(), func() {}, nil
	}
	log.Info("using sql store", "dsn_configured", true)
	st, err := sqlstore.Open("mysql", cfg.PersistenceDSN)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

func handleHealth(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.ListClusters(r.Context(), "default"); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func handleBootstrap(g *bootstrap.Generator, cfg *config.Config, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		team := r.PathValue("team")
		node := r.PathValue("node")
		scope := bootstrap.ScopeAll
		if team != "" {
			scope = bootstrap.ScopeTeam
		}

		doc, err := g.Generate(r.Context(), bootstrap.Options{
			NodeID:           node,
			Scope:            scope,
			Team:             team,
			XDSAddr:          cfg.XDSAddr,
			AdminAddr:        cfg.EnvoyAdminAddr,
			MTLSCertPath:     cfg.MTLSCertPath,
			MTLSKeyPath:      cfg.MTLSKeyPath,
			MTLSClientCAPath: cfg.MTLSClientCAPath,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		out, err := bootstrap.MarshalYAML(doc)
		if err != nil {
			log.Error("failed to render bootstrap document", "error", err)
			http.Error(w, "failed to render bootstrap document", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(out)
	}
}

// envSecretBackend is the default secrets.Backend wired when no other is
// configured: encrypted sources are assumed already-decrypted bytes (no
// at-rest encryption in local/dev mode) and external_kv sources resolve
// through a plain environment variable lookup keyed by KVPath. Production
// deployments supply their own Backend against their actual KMS/vault
// integration (the SDS delegate interface exists precisely so the core
// never has to know which one).
type envSecretBackend struct{}

func (envSecretBackend) Resolve(_ context.Context, _ string, src *model.SecretSource) ([]byte, error) {
	if src.Kind == model.SourceExternalKV {
		return []byte(os.Getenv(src.KVPath)), nil
	}
	return src.Ciphertext, nil
}

// noCacheResolver satisfies cache.SecretResolver by calling straight
// through to a Backend, for the no-Redis-configured case. It exists so a
// development deployment without Redis still runs end to end, just
// without the TTL cache internal/secrets.Resolver would otherwise add.
type noCacheResolver struct {
	backend secrets.Backend
}

func (r noCacheResolver) Resolve(ctx context.Context, team string, src *model.SecretSource) ([]byte, error) {
	return r.backend.Resolve(ctx, team, src)
}
