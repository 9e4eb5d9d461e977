package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/labdock/labdock"
)

// fakeEngine emulates the docker CLI and daemon for manager tests. It
// records every invocation and tracks containers by name.
type fakeEngine struct {
	mu         sync.Mutex
	calls      []Invocation
	containers map[string]bool
	buildLines []string
	buildErr   error
	daemonDown bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: make(map[string]bool)}
}

func (f *fakeEngine) Run(ctx context.Context, inv Invocation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inv)

	if f.daemonDown {
		return "", &ExitError{
			Argv:   inv.Argv,
			Output: "Cannot connect to the Docker daemon",
			Err:    errors.New("exit status 1"),
		}
	}

	switch inv.Argv[1] {
	case "rm":
		name := inv.Argv[len(inv.Argv)-1]
		if !f.containers[name] {
			return "", &ExitError{
				Argv:   inv.Argv,
				Output: fmt.Sprintf("Error response from daemon: No such container: %s", name),
				Err:    errors.New("exit status 1"),
			}
		}
		delete(f.containers, name)
		return name + "\n", nil
	case "run":
		name := ""
		for i, a := range inv.Argv {
			if a == "--name" && i+1 < len(inv.Argv) {
				name = inv.Argv[i+1]
			}
		}
		f.containers[name] = true
		return "39a1b2c3d4e5f60718293a4b5c6d7e8f\n", nil
	default:
		return "", nil
	}
}

func (f *fakeEngine) Stream(ctx context.Context, inv Invocation) (*StreamHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inv)

	lines := make(chan string, len(f.buildLines))
	for _, l := range f.buildLines {
		lines <- l
	}
	close(lines)
	done := make(chan struct{})
	close(done)
	return &StreamHandle{
		cmd:     exec.Command("true"),
		lines:   lines,
		done:    done,
		waitErr: f.buildErr,
	}, nil
}

func (f *fakeEngine) ContainerExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name], nil
}

func (f *fakeEngine) ContainerStatus(ctx context.Context, name string) (*ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.containers[name] {
		return &ContainerStatus{}, nil
	}
	return &ContainerStatus{ContainerID: "39a1b2c3d4e5", Exists: true, Running: true}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) lastArgv() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1].Argv
}

func testManager(t *testing.T, fake *fakeEngine, experiments []labdock.Experiment) (*Manager, string) {
	t.Helper()
	reg, err := labdock.NewRegistry(experiments)
	if err != nil {
		t.Fatal(err)
	}
	baseDir := t.TempDir()
	m := NewManager(reg, baseDir, WithRunner(fake), WithInspector(fake))
	return m, baseDir
}

func TestDockerfileFor(t *testing.T) {
	tests := []struct {
		arch string
		want string
	}{
		{"amd64", "Dockerfile"},
		{"arm64", "Dockerfile.arm64"},
		{"386", "Dockerfile"},
		{"riscv64", "Dockerfile"},
	}
	for _, tt := range tests {
		t.Run(tt.arch, func(t *testing.T) {
			if got := DockerfileFor(tt.arch); got != tt.want {
				t.Errorf("DockerfileFor(%q) = %q, want %q", tt.arch, got, tt.want)
			}
		})
	}
}

func TestUnknownExperimentHasNoEngineSideEffect(t *testing.T) {
	fake := newFakeEngine()
	m, _ := testManager(t, fake, []labdock.Experiment{{Name: "demo"}})

	ctx := context.Background()
	if _, err := m.Run(ctx, "nope"); !errors.Is(err, labdock.ErrExperimentNotFound) {
		t.Errorf("Run: want ErrExperimentNotFound, got %v", err)
	}
	if _, err := m.Build(ctx, "nope"); !errors.Is(err, labdock.ErrExperimentNotFound) {
		t.Errorf("Build: want ErrExperimentNotFound, got %v", err)
	}
	if _, err := m.Remove(ctx, "nope"); !errors.Is(err, labdock.ErrExperimentNotFound) {
		t.Errorf("Remove: want ErrExperimentNotFound, got %v", err)
	}
	if _, err := m.Status(ctx, "nope"); !errors.Is(err, labdock.ErrExperimentNotFound) {
		t.Errorf("Status: want ErrExperimentNotFound, got %v", err)
	}

	if n := fake.callCount(); n != 0 {
		t.Errorf("engine invoked %d times for unknown experiment", n)
	}
}

func TestBuildMissingDockerfile(t *testing.T) {
	fake := newFakeEngine()
	m, baseDir := testManager(t, fake, []labdock.Experiment{{Name: "demo"}})

	if err := os.MkdirAll(filepath.Join(baseDir, "demo"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := m.Build(context.Background(), "demo")
	if !errors.Is(err, ErrDockerfileMissing) {
		t.Fatalf("want ErrDockerfileMissing, got %v", err)
	}
	if n := fake.callCount(); n != 0 {
		t.Errorf("engine invoked %d times despite missing dockerfile", n)
	}
}

func TestBuildStreamsWithCompletionMarker(t *testing.T) {
	fake := newFakeEngine()
	fake.buildLines = []string{"Step 1/3 : FROM python:3.11", "Step 2/3 : COPY . .", "Step 3/3 : CMD"}
	m, baseDir := testManager(t, fake, []labdock.Experiment{{Name: "My_Exp"}})

	dir := filepath.Join(baseDir, "My_Exp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	df := filepath.Join(dir, DockerfileFor(runtime.GOARCH))
	if err := os.WriteFile(df, []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	stream, err := m.Build(context.Background(), "My_Exp")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if stream.Tag != "my-exp" {
		t.Errorf("Tag = %q, want my-exp", stream.Tag)
	}

	var got []string
	for line := range stream.Lines() {
		got = append(got, line)
	}

	if len(got) != 4 {
		t.Fatalf("got %d lines, want 3 output + marker: %v", len(got), got)
	}
	for i, want := range fake.buildLines {
		if got[i] != want {
			t.Errorf("line %d = %q, want %q", i, got[i], want)
		}
	}
	if got[3] != "[build] finished: my-exp" {
		t.Errorf("marker = %q", got[3])
	}

	argv := fake.lastArgv()
	want := []string{"docker", "build", "-t", "my-exp", "-f", DockerfileFor(runtime.GOARCH), "."}
	if len(argv) != len(want) {
		t.Fatalf("build argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestBuildFailureMarker(t *testing.T) {
	fake := newFakeEngine()
	fake.buildLines = []string{"Step 1/1 : FROM nope"}
	fake.buildErr = errors.New("exit status 1")
	m, baseDir := testManager(t, fake, []labdock.Experiment{{Name: "demo"}})

	dir := filepath.Join(baseDir, "demo")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, DockerfileFor(runtime.GOARCH)), []byte("x"), 0o644)

	stream, err := m.Build(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	var last string
	for line := range stream.Lines() {
		last = line
	}
	if last != "[build] failed: exit status 1" {
		t.Errorf("failure marker = %q", last)
	}
}

func TestRunReplacesExistingContainer(t *testing.T) {
	fake := newFakeEngine()
	m, _ := testManager(t, fake, []labdock.Experiment{{Name: "My_Exp"}})
	ctx := context.Background()

	id1, err := m.Run(ctx, "My_Exp")
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if id1 == "" {
		t.Fatal("first Run returned empty id")
	}

	id2, err := m.Run(ctx, "My_Exp")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if id2 == "" {
		t.Fatal("second Run returned empty id")
	}

	// After two sequential runs exactly one container exists under the
	// derived name.
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.containers) != 1 {
		t.Errorf("containers = %v, want exactly one", fake.containers)
	}
	if !fake.containers["my-exp-container"] {
		t.Errorf("expected my-exp-container to exist, have %v", fake.containers)
	}
}

func TestRunAppendsTokenizedEntrypoint(t *testing.T) {
	fake := newFakeEngine()
	m, _ := testManager(t, fake, []labdock.Experiment{{
		Name:       "demo",
		Entrypoint: `python main.py --label "two words"`,
	}})

	if _, err := m.Run(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}

	argv := fake.lastArgv()
	tail := argv[len(argv)-4:]
	want := []string{"python", "main.py", "--label", "two words"}
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("entrypoint token %d = %q, want %q", i, tail[i], want[i])
		}
	}
}

func TestRunRejectsMalformedEntrypoint(t *testing.T) {
	fake := newFakeEngine()
	m, _ := testManager(t, fake, []labdock.Experiment{{
		Name:       "demo",
		Entrypoint: `python "unterminated`,
	}})

	if _, err := m.Run(context.Background(), "demo"); err == nil {
		t.Fatal("expected error for malformed entrypoint quoting")
	}
}

func TestFollowLogsUsesConfiguredBinary(t *testing.T) {
	fake := newFakeEngine()
	m, _ := testManager(t, fake, []labdock.Experiment{{Name: "demo"}})

	h, err := m.FollowLogs(context.Background(), "f00dfeed1234")
	if err != nil {
		t.Fatal(err)
	}
	for range h.Lines() {
	}
	h.Wait()

	argv := fake.lastArgv()
	want := []string{"docker", "logs", "-f", "f00dfeed1234"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestRemoveAbsentIsSuccess(t *testing.T) {
	fake := newFakeEngine()
	m, _ := testManager(t, fake, []labdock.Experiment{{Name: "demo"}})

	cname, err := m.Remove(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Remove of absent container: %v", err)
	}
	if cname != "demo-container" {
		t.Errorf("removed name = %q, want demo-container", cname)
	}
}

func TestRemoveSurfacesDaemonFailure(t *testing.T) {
	fake := newFakeEngine()
	fake.daemonDown = true
	m, _ := testManager(t, fake, []labdock.Experiment{{Name: "demo"}})

	if _, err := m.Remove(context.Background(), "demo"); err == nil {
		t.Fatal("daemon failure must not be swallowed as tolerant delete")
	}
}

func TestRemoveResultClassification(t *testing.T) {
	fake := newFakeEngine()
	fake.containers["demo-container"] = true
	m, _ := testManager(t, fake, []labdock.Experiment{{Name: "demo"}})
	ctx := context.Background()

	res, err := m.removeContainer(ctx, "demo-container")
	if err != nil || res != Removed {
		t.Errorf("first remove = (%v, %v), want (Removed, nil)", res, err)
	}

	res, err = m.removeContainer(ctx, "demo-container")
	if err != nil || res != RemoveAbsent {
		t.Errorf("second remove = (%v, %v), want (RemoveAbsent, nil)", res, err)
	}

	fake.daemonDown = true
	res, err = m.removeContainer(ctx, "demo-container")
	if err == nil || res != RemoveFailed {
		t.Errorf("daemon-down remove = (%v, %v), want (RemoveFailed, err)", res, err)
	}
}

func TestStatusReportsRunningContainer(t *testing.T) {
	fake := newFakeEngine()
	fake.containers["demo-container"] = true
	m, _ := testManager(t, fake, []labdock.Experiment{{Name: "demo"}})

	st, err := m.Status(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Exists || !st.Running {
		t.Errorf("status = %+v, want existing running container", st)
	}
}
