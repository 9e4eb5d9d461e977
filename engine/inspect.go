package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ContainerStatus is the engine-side view of an experiment container.
type ContainerStatus struct {
	ContainerID string    `json:"container_id"`
	Exists      bool      `json:"exists"`
	Running     bool      `json:"running"`
	Image       string    `json:"image"`
	Created     time.Time `json:"created,omitzero"`
}

// Inspector answers read-only queries about containers. The lifecycle
// manager consults it for the replace-before-run existence check.
type Inspector interface {
	// ContainerExists reports whether a container with the exact name
	// exists, running or not.
	ContainerExists(ctx context.Context, name string) (bool, error)

	// ContainerStatus returns the container's state. A missing container
	// is not an error; Exists is false.
	ContainerStatus(ctx context.Context, name string) (*ContainerStatus, error)
}

// DockerInspector implements Inspector over the Docker SDK.
type DockerInspector struct {
	client *client.Client
}

// NewDockerInspector connects to the Docker daemon, trying the environment
// configuration first and then common socket locations for Docker Desktop
// and Colima.
func NewDockerInspector() (*DockerInspector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, pingErr := cli.Ping(ctx)
		cancel()
		if pingErr == nil {
			return &DockerInspector{client: cli}, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}

	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()

		if err == nil {
			return &DockerInspector{client: cli}, nil
		}
		cli.Close()
	}

	return nil, errors.New("could not connect to Docker daemon")
}

// ContainerExists implements Inspector.
func (d *DockerInspector) ContainerExists(ctx context.Context, name string) (bool, error) {
	id, err := d.findContainer(ctx, name)
	if err != nil {
		return false, err
	}
	return id != "", nil
}

// ContainerStatus implements Inspector.
func (d *DockerInspector) ContainerStatus(ctx context.Context, name string) (*ContainerStatus, error) {
	id, err := d.findContainer(ctx, name)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return &ContainerStatus{}, nil
	}

	inspect, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, err
	}

	created, _ := time.Parse(time.RFC3339Nano, inspect.Created)
	return &ContainerStatus{
		ContainerID: truncateID(id),
		Exists:      true,
		Running:     inspect.State.Running,
		Image:       inspect.Config.Image,
		Created:     created,
	}, nil
}

// Ping probes daemon liveness.
func (d *DockerInspector) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close closes the underlying client.
func (d *DockerInspector) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// findContainer resolves a container name to an id, or "" when absent.
// The name filter matches substrings, so the exact name is re-checked
// against each candidate.
func (d *DockerInspector) findContainer(ctx context.Context, name string) (string, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("name", name),
		),
	})
	if err != nil {
		return "", err
	}

	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return c.ID, nil
			}
		}
	}
	return "", nil
}

// cliInspector is the fallback Inspector used when no SDK client is wired:
// it shells out to docker inspect through the same Runner the manager uses.
type cliInspector struct {
	runner    Runner
	dockerBin string
}

func (c *cliInspector) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := c.runner.Run(ctx, Invocation{
		Argv:    []string{c.dockerBin, "inspect", name},
		Timeout: 30 * time.Second,
	})
	if err == nil {
		return true, nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		// docker inspect exits non-zero for unknown names.
		return false, nil
	}
	return false, err
}

func (c *cliInspector) ContainerStatus(ctx context.Context, name string) (*ContainerStatus, error) {
	output, err := c.runner.Run(ctx, Invocation{
		Argv: []string{
			c.dockerBin, "inspect", name,
			"--format", "{{.Id}} {{.State.Running}} {{.Config.Image}}",
		},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return &ContainerStatus{}, nil
		}
		return nil, err
	}

	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected inspect output: %q", output)
	}
	return &ContainerStatus{
		ContainerID: truncateID(fields[0]),
		Exists:      true,
		Running:     fields[1] == "true",
		Image:       fields[2],
	}, nil
}
