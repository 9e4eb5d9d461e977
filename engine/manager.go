package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/labdock/labdock"
)

// ErrDockerfileMissing is returned when the experiment directory exists but
// lacks the build descriptor selected for the host architecture.
var ErrDockerfileMissing = errors.New("dockerfile not found")

const defaultRunTimeout = 2 * time.Minute

// Manager builds images, replaces named containers idempotently, and
// removes them. One external process is spawned per operation; operations
// on different experiments are not serialized, and concurrent runs of the
// same experiment race on replace-before-run (last writer wins).
type Manager struct {
	registry   *labdock.Registry
	baseDir    string
	runner     Runner
	inspector  Inspector
	dockerBin  string
	runTimeout time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRunner sets the Runner used to invoke the engine CLI.
func WithRunner(r Runner) ManagerOption {
	return func(m *Manager) { m.runner = r }
}

// WithInspector sets the Inspector used for container existence and status
// queries.
func WithInspector(i Inspector) ManagerOption {
	return func(m *Manager) { m.inspector = i }
}

// WithRunTimeout bounds the blocking run/remove engine calls.
func WithRunTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.runTimeout = d }
}

// NewManager creates a Manager over a registry and the base directory
// holding experiment build contexts.
func NewManager(registry *labdock.Registry, baseDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:   registry,
		baseDir:    baseDir,
		dockerBin:  "docker",
		runTimeout: defaultRunTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runner == nil {
		m.runner = NewExecutor()
	}
	if m.inspector == nil {
		m.inspector = &cliInspector{runner: m.runner, dockerBin: m.dockerBin}
	}
	return m
}

// DockerfileFor selects the build descriptor filename for a machine
// architecture. Pure: the same architecture string always selects the same
// file.
func DockerfileFor(arch string) string {
	if arch == "arm64" {
		return "Dockerfile.arm64"
	}
	return "Dockerfile"
}

// BuildStream delivers build output line-by-line, terminated by a
// completion marker once the build process has exited.
type BuildStream struct {
	Tag   string
	lines <-chan string
}

// Lines returns the build output. The final line is the completion marker;
// the channel closes after it.
func (b *BuildStream) Lines() <-chan string { return b.lines }

// Build streams a docker build of the experiment's image. The build
// descriptor is selected for the host architecture on every call, and the
// whole log is never buffered in memory.
func (m *Manager) Build(ctx context.Context, name string) (*BuildStream, error) {
	exp, err := m.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	dir := labdock.ExperimentDir(m.baseDir, exp.Name)
	dockerfile := DockerfileFor(runtime.GOARCH)
	if _, err := os.Stat(filepath.Join(dir, dockerfile)); err != nil {
		return nil, fmt.Errorf("%w: %s for experiment %q", ErrDockerfileMissing, dockerfile, name)
	}

	tag := labdock.ImageTag(exp.Name)
	handle, err := m.runner.Stream(ctx, Invocation{
		Argv: []string{m.dockerBin, "build", "-t", tag, "-f", dockerfile, "."},
		Dir:  dir,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("building image", "experiment", name, "tag", tag, "dockerfile", dockerfile)

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for line := range handle.Lines() {
			select {
			case out <- line:
			case <-ctx.Done():
				handle.Stop(2 * time.Second)
				return
			}
		}
		marker := fmt.Sprintf("[build] finished: %s", tag)
		if err := handle.Wait(); err != nil {
			marker = fmt.Sprintf("[build] failed: %v", err)
		}
		select {
		case out <- marker:
		case <-ctx.Done():
		}
	}()

	return &BuildStream{Tag: tag, lines: out}, nil
}

// Run starts a detached container for the experiment, force-removing any
// stale container of the same derived name first. The experiment directory
// is bind-mounted read-write at /app, which is also the working directory.
// It returns the new container id.
func (m *Manager) Run(ctx context.Context, name string) (string, error) {
	exp, err := m.registry.Lookup(name)
	if err != nil {
		return "", err
	}

	cname := labdock.ContainerName(exp.Name)
	exists, err := m.inspector.ContainerExists(ctx, cname)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", cname, err)
	}
	if exists {
		res, err := m.removeContainer(ctx, cname)
		// Absence here means the container vanished between the inspect
		// and the remove; that is the outcome we wanted.
		if err != nil && res != RemoveAbsent {
			return "", fmt.Errorf("replace %s: %w", cname, err)
		}
		slog.Info("replaced stale container", "container", cname)
	}

	dir, err := filepath.Abs(labdock.ExperimentDir(m.baseDir, exp.Name))
	if err != nil {
		return "", err
	}

	argv := []string{
		m.dockerBin, "run", "--name", cname, "--detach",
		"--volume", dir + ":/app", "--workdir", "/app",
		labdock.ImageTag(exp.Name),
	}
	if exp.Entrypoint != "" {
		tokens, err := shellquote.Split(exp.Entrypoint)
		if err != nil {
			return "", fmt.Errorf("entrypoint for %q: %w", name, err)
		}
		argv = append(argv, tokens...)
	}

	output, err := m.runner.Run(ctx, Invocation{Argv: argv, Timeout: m.runTimeout})
	if err != nil {
		return "", err
	}

	id := strings.TrimSpace(output)
	slog.Info("started container", "experiment", name, "container", cname, "id", truncateID(id))
	return id, nil
}

// Remove force-removes the experiment's container by derived name and
// returns that name. Absence of the target is success, not failure.
func (m *Manager) Remove(ctx context.Context, name string) (string, error) {
	exp, err := m.registry.Lookup(name)
	if err != nil {
		return "", err
	}

	cname := labdock.ContainerName(exp.Name)
	res, err := m.removeContainer(ctx, cname)
	if err != nil && res != RemoveAbsent {
		return "", err
	}
	slog.Info("removed container", "container", cname, "result", res)
	return cname, nil
}

// FollowLogs streams the engine's log feed for a container identifier. The
// feed is unbounded; the caller owns the handle and must stop it.
func (m *Manager) FollowLogs(ctx context.Context, containerID string) (*StreamHandle, error) {
	return m.runner.Stream(ctx, Invocation{
		Argv: []string{m.dockerBin, "logs", "-f", containerID},
	})
}

// Status reports the experiment container's engine-side state.
func (m *Manager) Status(ctx context.Context, name string) (*ContainerStatus, error) {
	exp, err := m.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	return m.inspector.ContainerStatus(ctx, labdock.ContainerName(exp.Name))
}

// RemoveResult distinguishes the outcomes of a tolerant delete, making the
// caller's "ignore if absent" decision explicit rather than hidden in a
// swallowed error.
type RemoveResult int

const (
	// Removed means the container existed and was deleted.
	Removed RemoveResult = iota

	// RemoveAbsent means there was no container to delete.
	RemoveAbsent

	// RemoveFailed means the engine refused the delete for a reason other
	// than absence; the accompanying error carries the detail.
	RemoveFailed
)

// String returns the result name.
func (r RemoveResult) String() string {
	switch r {
	case Removed:
		return "removed"
	case RemoveAbsent:
		return "absent"
	case RemoveFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// removeContainer force-removes a container by name, classifying the
// "no such container" failure as RemoveAbsent. Other engine failures (for
// example an unreachable daemon) are surfaced, never swallowed.
func (m *Manager) removeContainer(ctx context.Context, cname string) (RemoveResult, error) {
	_, err := m.runner.Run(ctx, Invocation{
		Argv:    []string{m.dockerBin, "rm", "-f", cname},
		Timeout: m.runTimeout,
	})
	if err == nil {
		return Removed, nil
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) && isAbsentOutput(exitErr.Output) {
		return RemoveAbsent, nil
	}
	return RemoveFailed, err
}

// isAbsentOutput reports whether engine output indicates the target
// container does not exist.
func isAbsentOutput(output string) bool {
	return strings.Contains(strings.ToLower(output), "no such container")
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
