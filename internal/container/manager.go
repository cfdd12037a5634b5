// Package container manages the ephemeral sandbox containers that back
// terminal sessions. Containers are spawned by the PTY bridge running the
// docker CLI (so the session owns the process), while stop and the stale
// sweep go through the Docker API, whose own metadata survives host process
// restarts.
package container

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

const (
	namePrefix   = "termgate-"
	managedLabel = "termgate.managed"
)

// Config controls the sandbox image and its resource caps.
type Config struct {
	Image      string
	CPUs       string
	Memory     string
	PidsLimit  int
	DockerHost string
}

// Handle identifies one running (or about to run) sandbox container. Args is
// the docker run argv the PTY bridge executes.
type Handle struct {
	Name      string
	Args      []string
	StartedAt time.Time
}

// dockerAPI is the slice of the Docker client the manager needs. Tests
// substitute a fake.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Manager starts, stops and reaps sandbox containers.
type Manager struct {
	api   dockerAPI
	cfg   Config
	nowFn func() time.Time
}

// NewManager connects to the Docker daemon and verifies it is reachable.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(cfg.DockerHost))
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	if _, err := units.RAMInBytes(cfg.Memory); err != nil {
		return nil, fmt.Errorf("invalid container memory limit %q: %w", cfg.Memory, err)
	}

	log.Println("Docker daemon connected")
	return &Manager{api: client, cfg: cfg, nowFn: time.Now}, nil
}

// Start derives a collision-resistant container name for the user and builds
// the docker run argv. The container itself starts when the PTY bridge
// executes the argv.
func (m *Manager) Start(userID string) *Handle {
	name := generateName(userID, m.nowFn())
	return &Handle{
		Name:      name,
		Args:      m.runArgs(name, userID),
		StartedAt: m.nowFn(),
	}
}

// generateName builds a unique container name. The timestamp plus random
// suffix guarantees a fast reconnect after a crash never aliases the old
// container.
func generateName(userID string, now time.Time) string {
	return fmt.Sprintf("%s%s-%d-%s",
		namePrefix, sanitizeUserID(userID), now.UnixMilli(), uuid.NewString()[:8])
}

// sanitizeUserID maps a user id onto the Docker name charset.
func sanitizeUserID(userID string) string {
	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// runArgs builds the docker run argv for an isolated, resource-capped,
// auto-removing sandbox shell.
func (m *Manager) runArgs(name, userID string) []string {
	return []string{
		"run",
		"-i",
		"--rm",
		"--name", name,
		"--network", "none",
		"--cpus", m.cfg.CPUs,
		"--memory", m.cfg.Memory,
		"--pids-limit", fmt.Sprintf("%d", m.cfg.PidsLimit),
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--label", managedLabel + "=true",
		"--env", "TERM=xterm-256color",
		"--env", "USER_ID=" + sanitizeUserID(userID),
		m.cfg.Image,
		"/bin/sh",
	}
}

// Stop force-removes a container. Best-effort: a stop failure must not block
// session bookkeeping, so failures are logged and swallowed. Not-found is
// success (the --rm container already exited).
func (m *Manager) Stop(ctx context.Context, name string) {
	err := m.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		log.Printf("Remove container %s: %v", name, err)
	}
}

// CleanupStale force-stops managed containers whose age, per the engine's
// Created timestamp, exceeds maxAge. Returns the number stopped. This is the
// backstop for containers orphaned by a crash, which in-memory timers cannot
// cover.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	f := filters.NewArgs(filters.Arg("label", managedLabel+"=true"))
	list, err := m.api.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}

	now := m.nowFn()
	stopped := 0
	for _, c := range list {
		if !hasManagedName(c.Names) {
			continue
		}
		age := now.Sub(time.Unix(c.Created, 0))
		if age > maxAge {
			m.Stop(ctx, c.ID)
			stopped++
		}
	}
	return stopped, nil
}

// hasManagedName reports whether any of the container's names carries the
// termgate prefix. The API returns names with a leading slash.
func hasManagedName(names []string) bool {
	for _, n := range names {
		if strings.HasPrefix(strings.TrimPrefix(n, "/"), namePrefix) {
			return true
		}
	}
	return false
}
