package container

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
)

// fakeDockerAPI records calls and serves canned container lists.
type fakeDockerAPI struct {
	list      []container.Summary
	listErr   error
	removed   []string
	removeErr error
}

func (f *fakeDockerAPI) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	return f.list, f.listErr
}

func (f *fakeDockerAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return f.removeErr
}

func newTestManager(api *fakeDockerAPI) *Manager {
	return &Manager{
		api: api,
		cfg: Config{
			Image:     "termgate-sandbox",
			CPUs:      "0.5",
			Memory:    "128m",
			PidsLimit: 50,
		},
		nowFn: time.Now,
	}
}

func TestStartDerivesUniqueNames(t *testing.T) {
	m := newTestManager(&fakeDockerAPI{})

	a := m.Start("u1")
	b := m.Start("u1")

	if a.Name == b.Name {
		t.Errorf("expected unique names for consecutive starts, got %q twice", a.Name)
	}
	for _, h := range []*Handle{a, b} {
		if !strings.HasPrefix(h.Name, "termgate-u1-") {
			t.Errorf("expected name with user prefix, got %q", h.Name)
		}
	}
}

func TestStartSanitizesUserID(t *testing.T) {
	m := newTestManager(&fakeDockerAPI{})

	h := m.Start("user@example.com/../x")
	if strings.ContainsAny(h.Name, "@/") {
		t.Errorf("expected sanitized container name, got %q", h.Name)
	}
	if !strings.HasPrefix(h.Name, "termgate-user-example.com-..-x-") {
		t.Errorf("unexpected sanitized name %q", h.Name)
	}
}

func TestRunArgsHardening(t *testing.T) {
	m := newTestManager(&fakeDockerAPI{})
	h := m.Start("u1")

	argv := strings.Join(h.Args, " ")
	for _, want := range []string{
		"--rm",
		"--network none",
		"--cpus 0.5",
		"--memory 128m",
		"--pids-limit 50",
		"--security-opt no-new-privileges:true",
		"--cap-drop ALL",
		"--read-only",
		"--tmpfs /tmp:rw,noexec,nosuid,size=64m",
		"--label termgate.managed=true",
		"termgate-sandbox /bin/sh",
	} {
		if !strings.Contains(argv, want) {
			t.Errorf("expected argv to contain %q, got %q", want, argv)
		}
	}
	if h.Args[0] != "run" {
		t.Errorf("expected argv to start with run, got %q", h.Args[0])
	}
}

func TestStopSwallowsErrors(t *testing.T) {
	api := &fakeDockerAPI{removeErr: fmt.Errorf("daemon busy")}
	m := newTestManager(api)

	// Stop has no error return; the failure must be absorbed so session
	// bookkeeping can proceed.
	m.Stop(context.Background(), "termgate-u1-1-abc")

	if len(api.removed) != 1 {
		t.Fatalf("expected one remove attempt, got %d", len(api.removed))
	}
}

func TestCleanupStaleStopsOnlyAgedManagedContainers(t *testing.T) {
	now := time.Now()
	api := &fakeDockerAPI{
		list: []container.Summary{
			{
				ID:      "old1",
				Names:   []string{"/termgate-u1-1-aaaa"},
				Created: now.Add(-20 * time.Minute).Unix(),
			},
			{
				ID:      "fresh",
				Names:   []string{"/termgate-u2-2-bbbb"},
				Created: now.Add(-1 * time.Minute).Unix(),
			},
			{
				ID:      "foreign",
				Names:   []string{"/unrelated-container"},
				Created: now.Add(-2 * time.Hour).Unix(),
			},
			{
				ID:      "old2",
				Names:   []string{"/termgate-u3-3-cccc"},
				Created: now.Add(-11 * time.Minute).Unix(),
			},
		},
	}
	m := newTestManager(api)
	m.nowFn = func() time.Time { return now }

	stopped, err := m.CleanupStale(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if stopped != 2 {
		t.Errorf("expected 2 stale containers stopped, got %d", stopped)
	}
	if len(api.removed) != 2 {
		t.Fatalf("expected 2 removes, got %v", api.removed)
	}
	for _, id := range api.removed {
		if id != "old1" && id != "old2" {
			t.Errorf("unexpected container stopped: %s", id)
		}
	}
}

func TestCleanupStaleListError(t *testing.T) {
	api := &fakeDockerAPI{listErr: fmt.Errorf("daemon down")}
	m := newTestManager(api)

	if _, err := m.CleanupStale(context.Background(), time.Minute); err == nil {
		t.Fatal("expected error when listing fails")
	}
}

func TestHasManagedName(t *testing.T) {
	if !hasManagedName([]string{"/termgate-u1-1-aaaa"}) {
		t.Error("expected managed name with leading slash to match")
	}
	if hasManagedName([]string{"/other", "/also-other"}) {
		t.Error("expected foreign names not to match")
	}
	if hasManagedName(nil) {
		t.Error("expected empty names not to match")
	}
}
