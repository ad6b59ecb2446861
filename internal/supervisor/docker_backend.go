package supervisor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"sparkle/internal/domain/model"
	"sparkle/pkg/log"
)

// managedLabel marks containers owned by the daemon so they can be found
// again after a restart.
const managedLabel = "sparkle.managed"

// dockerBackend confines application processes in containers. The command
// still runs through "sh -c" inside a configurable base image with the
// version directory bind-mounted at /app; host networking keeps run.port
// reachable exactly as with the exec backends.
type dockerBackend struct {
	cli   *client.Client
	image string

	mu         sync.Mutex
	containers map[int]string // pid -> container id
}

// NewDockerBackend returns the docker isolation backend. baseImage is the
// image application commands run in.
func NewDockerBackend(baseImage string) (Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerBackend{
		cli:        cli,
		image:      baseImage,
		containers: make(map[int]string),
	}, nil
}

// Spawn implements Backend.
func (b *dockerBackend) Spawn(ctx context.Context, spec SpawnSpec) (int, error) {
	cfg := &container.Config{
		Image:      b.image,
		Cmd:        []string{"sh", "-c", spec.Command},
		WorkingDir: "/app",
		Env:        spec.Env,
		Labels:     map[string]string{managedLabel: "true"},
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{spec.Dir + ":/app"},
		NetworkMode: "host",
		Resources:   resourcesFor(spec),
	}

	created, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		// The base image may simply not be present yet.
		if pullErr := b.pullImage(ctx); pullErr != nil {
			return 0, fmt.Errorf("%w: %v", model.ErrSpawn, err)
		}
		created, err = b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
		if err != nil {
			return 0, fmt.Errorf("%w: %v", model.ErrSpawn, err)
		}
	}

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		b.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return 0, fmt.Errorf("%w: %v", model.ErrSpawn, err)
	}

	inspect, err := b.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: started container but inspect failed: %v", model.ErrSpawn, err)
	}
	pid := inspect.State.Pid
	b.mu.Lock()
	b.containers[pid] = created.ID
	b.mu.Unlock()
	log.Debug("Started container", "container_id", created.ID, "pid", pid)
	return pid, nil
}

func (b *dockerBackend) pullImage(ctx context.Context) error {
	rc, err := b.cli.ImagePull(ctx, b.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", b.image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Terminate implements Backend.
func (b *dockerBackend) Terminate(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := b.containerFor(ctx, pid)
	if err != nil {
		return nil // container already gone
	}
	graceSeconds := int(terminateGrace / time.Second)
	if err := b.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &graceSeconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	if err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		log.Warn("Failed to remove container", "container_id", id, "error", err)
	}
	b.mu.Lock()
	delete(b.containers, pid)
	b.mu.Unlock()
	return nil
}

// IsAlive implements Backend.
func (b *dockerBackend) IsAlive(pid int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := b.containerFor(ctx, pid)
	if err != nil {
		return false
	}
	inspect, err := b.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// containerFor resolves a pid to a container id, consulting the daemon's
// label on containers inherited from a previous run.
func (b *dockerBackend) containerFor(ctx context.Context, pid int) (string, error) {
	b.mu.Lock()
	id, ok := b.containers[pid]
	b.mu.Unlock()
	if ok {
		return id, nil
	}

	filterArgs := filters.NewArgs()
	filterArgs.Add("label", managedLabel+"=true")
	list, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return "", fmt.Errorf("failed to list managed containers: %w", err)
	}
	for _, c := range list {
		inspect, err := b.cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}
		if inspect.State != nil && inspect.State.Pid == pid {
			b.containers[pid] = c.ID
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("no container for pid %d", pid)
}

func resourcesFor(spec SpawnSpec) container.Resources {
	var res container.Resources
	if spec.Limits == nil {
		return res
	}
	if spec.Limits.Memory != "" {
		if mem, err := units.RAMInBytes(spec.Limits.Memory); err == nil {
			res.Memory = mem
		} else {
			log.Warn("Ignoring unparsable memory limit", "value", spec.Limits.Memory)
		}
	}
	if spec.Limits.CPU != "" {
		if cpus, err := strconv.ParseFloat(spec.Limits.CPU, 64); err == nil && cpus > 0 {
			res.NanoCPUs = int64(cpus * 1e9)
		} else {
			log.Warn("Ignoring unparsable cpu limit", "value", spec.Limits.CPU)
		}
	}
	return res
}
