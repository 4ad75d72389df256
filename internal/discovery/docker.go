// Package discovery implements automatic Cluster discovery via the Docker
// socket: a running, correctly-labeled container is upserted as a Cluster
// entity through the Persistence Gateway, and removed when it stops. It
// discovers upstream targets only — domain-to-route wiring is a separate,
// explicit materialize.Materializer.Apply call against the discovered
// cluster's name, not something this package decides on its own.
//
// Label reference (add to any docker-compose.yml service):
//
//	flowplane.enable: "true"   # required — opt this container in
//	flowplane.port:   "8080"   # required — port the app listens on
//	flowplane.team:   "team-a" # optional — defaults to "default"
//	flowplane.name:   "myapp"  # optional — override the derived cluster name
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

const (
	labelEnable = "flowplane.enable"
	labelPort   = "flowplane.port"
	labelTeam   = "flowplane.team"
	labelName   = "flowplane.name"

	labelComposeSvc = "com.docker.compose.service"

	defaultTeam          = "default"
	defaultConnectTimeout = 5 * time.Second
)

// Watcher watches the Docker socket and keeps a Store's Cluster entities in
// sync with running containers that carry the flowplane.* labels.
type Watcher struct {
	client *dockerclient.Client
	st     store.Store
	log    *slog.Logger
}

// NewWatcher creates a Watcher connected to the local Docker daemon, reading
// DOCKER_HOST/DOCKER_CERT_PATH/DOCKER_TLS_VERIFY from the environment with
// automatic API version negotiation.
func NewWatcher(st store.Store, log *slog.Logger) (*Watcher, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to Docker daemon: %w", err)
	}
	return &Watcher{client: cli, st: st, log: log}, nil
}

// Run syncs already-running containers, then follows the Docker event
// stream until ctx is canceled. Call this in a goroutine alongside the ADS
// and bootstrap servers.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("docker discovery starting")

	if err := w.syncExisting(ctx); err != nil {
		w.log.Warn("initial container sync failed", "error", err)
	}

	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))

	eventCh, errCh := w.client.Events(ctx, events.ListOptions{Filters: f})

	for {
		select {
		case <-ctx.Done():
			w.log.Info("docker discovery stopped")
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("docker event stream: %w", err)
		case event := <-eventCh:
			w.handleEvent(ctx, event)
		}
	}
}

func (w *Watcher) syncExisting(ctx context.Context) error {
	containers, err := w.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}

	registered := 0
	for _, c := range containers {
		if c.Labels[labelEnable] != "true" {
			continue
		}
		if err := w.upsertByID(ctx, c.ID); err != nil {
			w.log.Warn("skipping container during sync", "id", shortID(c.ID), "error", err)
			continue
		}
		registered++
	}
	w.log.Info("initial discovery sync complete", "scanned", len(containers), "registered", registered)
	return nil
}

func (w *Watcher) handleEvent(ctx context.Context, event events.Message) {
	switch event.Action {
	case events.ActionStart:
		if err := w.upsertByID(ctx, event.Actor.ID); err != nil {
			w.log.Warn("failed to upsert cluster on container start", "id", shortID(event.Actor.ID), "error", err)
		}
	case events.ActionStop, events.ActionDie, events.ActionKill:
		attrs := event.Actor.Attributes
		if attrs[labelEnable] != "true" {
			return
		}
		team := teamOf(attrs)
		name := clusterNameOf(attrs)
		if name == "" {
			return
		}
		if err := w.st.DeleteCluster(ctx, team, name); err != nil {
			w.log.Debug("cluster not present on stop", "team", team, "name", name)
		} else {
			w.log.Info("discovery: cluster removed", "team", team, "name", name, "action", string(event.Action))
		}
	}
}

func (w *Watcher) upsertByID(ctx context.Context, id string) error {
	info, err := w.client.ContainerInspect(ctx, id)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", shortID(id), err)
	}
	labels := info.Config.Labels

	if labels[labelEnable] != "true" {
		return nil
	}

	portStr := labels[labelPort]
	if portStr == "" {
		return fmt.Errorf("missing required label %q", labelPort)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid label %q=%q: %w", labelPort, portStr, err)
	}

	ip, err := containerIP(info)
	if err != nil {
		return fmt.Errorf("resolving IP for %s: %w", shortID(id), err)
	}

	team := teamOf(labels)
	name := clusterNameOf(labels)
	if name == "" {
		name = strings.TrimPrefix(info.Name, "/")
	}

	c := &model.Cluster{
		Team:           team,
		Name:           name,
		DiscoveryType:  model.DiscoveryStatic,
		LBPolicy:       model.LBRoundRobin,
		ConnectTimeout: defaultConnectTimeout,
		Endpoints:      []model.Endpoint{{Host: ip, Port: uint32(port)}},
	}

	if _, err := w.st.PutCluster(ctx, c); err != nil {
		return fmt.Errorf("upserting cluster %q: %w", name, err)
	}
	w.log.Info("discovery: cluster upserted", "team", team, "name", name, "endpoint", fmt.Sprintf("%s:%d", ip, port))
	return nil
}

// containerIP returns the IP address of a container: it prefers any
// network whose name contains "flowplane" (the dedicated proxy mesh), and
// otherwise falls back to the first network with a non-empty address.
func containerIP(info types.ContainerJSON) (string, error) {
	networks := info.NetworkSettings.Networks
	if len(networks) == 0 {
		return "", fmt.Errorf("container has no attached networks")
	}
	for name, net := range networks {
		if strings.Contains(strings.ToLower(name), "flowplane") && net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	for _, net := range networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("no IP address found in any attached network")
}

func teamOf(labels map[string]string) string {
	if v := labels[labelTeam]; v != "" {
		return v
	}
	return defaultTeam
}

// clusterNameOf derives a stable unique name from a label map:
// flowplane.name (explicit override) then com.docker.compose.service
// (auto-set by Compose), otherwise empty — the caller falls back to the
// container name.
func clusterNameOf(labels map[string]string) string {
	if v := labels[labelName]; v != "" {
		return v
	}
	if v := labels[labelComposeSvc]; v != "" {
		return v
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
