package deploy

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"sparkle/internal/domain/model"
	"sparkle/internal/manifest"
	"sparkle/pkg/log"
)

// Images used for provisioned services.
const (
	postgresImage = "postgres:16-alpine"
	mysqlImage    = "mysql:8"
	minioImage    = "minio/minio:latest"
)

// provisionReadyTimeout bounds the wait for a provisioned service port.
const provisionReadyTimeout = 60 * time.Second

// Provisioner sets up the database and object-storage services an
// application declares in its manifest. Services run as docker containers
// named after the app so a re-deploy replaces them.
type Provisioner struct {
	cli *client.Client
}

// NewProvisioner creates a provisioner talking to the local docker daemon.
func NewProvisioner() (*Provisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Provisioner{cli: cli}, nil
}

// Provision sets up everything the manifest declares. Failures map to
// ErrProvision; a manifest without [database] and [storage] is a no-op.
func (p *Provisioner) Provision(ctx context.Context, app string, man *manifest.Manifest, versionDir string) error {
	if man.Database != nil {
		if err := p.provisionDatabase(ctx, app, man.Database, versionDir); err != nil {
			return fmt.Errorf("%w: %v", model.ErrProvision, err)
		}
	}
	if man.Storage != nil {
		if err := p.provisionStorage(ctx, app, man.Storage); err != nil {
			return fmt.Errorf("%w: %v", model.ErrProvision, err)
		}
	}
	return nil
}

func (p *Provisioner) provisionDatabase(ctx context.Context, app string, db *manifest.Database, versionDir string) error {
	switch db.Type {
	case "sqlite":
		// Nothing to run; make sure the database file exists next to the app.
		name := db.Name
		if name == "" {
			name = app + ".db"
		}
		path := filepath.Join(versionDir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create sqlite file: %w", err)
		}
		f.Close()
		log.Info("Provisioned sqlite database", "app", app, "path", path)
		return nil
	case "postgres":
		return p.runDatabaseContainer(ctx, app, db, versionDir, postgresContainerSpec(db))
	case "mysql":
		return p.runDatabaseContainer(ctx, app, db, versionDir, mysqlContainerSpec(db))
	default:
		return fmt.Errorf("unsupported database type %q", db.Type)
	}
}

// containerSpec captures the per-engine parts of a database container.
type containerSpec struct {
	image        string
	env          []string
	internalPort nat.Port
	hostPort     int
	preseedCmd   []string
}

func postgresContainerSpec(db *manifest.Database) containerSpec {
	name := orDefault(db.Name, "postgres")
	user := orDefault(db.User, "postgres")
	password := orDefault(db.Password, "password")
	port := db.Port
	if port == 0 {
		port = 5432
	}
	return containerSpec{
		image: postgresImage,
		env: []string{
			"POSTGRES_DB=" + name,
			"POSTGRES_USER=" + user,
			"POSTGRES_PASSWORD=" + password,
		},
		internalPort: "5432/tcp",
		hostPort:     port,
		preseedCmd:   []string{"psql", "-U", user, "-d", name},
	}
}

func mysqlContainerSpec(db *manifest.Database) containerSpec {
	name := orDefault(db.Name, "app")
	user := orDefault(db.User, "app")
	password := orDefault(db.Password, "password")
	port := db.Port
	if port == 0 {
		port = 3306
	}
	return containerSpec{
		image: mysqlImage,
		env: []string{
			"MYSQL_DATABASE=" + name,
			"MYSQL_USER=" + user,
			"MYSQL_PASSWORD=" + password,
			"MYSQL_ROOT_PASSWORD=" + password,
		},
		internalPort: "3306/tcp",
		hostPort:     port,
		preseedCmd:   []string{"mysql", "-u", user, "-p" + password, name},
	}
}

func (p *Provisioner) runDatabaseContainer(ctx context.Context, app string, db *manifest.Database, versionDir string, spec containerSpec) error {
	containerName := fmt.Sprintf("spark-%s-db", app)
	if err := p.replaceContainer(ctx, containerName, spec); err != nil {
		return err
	}
	if err := waitForPort(ctx, spec.hostPort); err != nil {
		return fmt.Errorf("database never became reachable: %w", err)
	}
	log.Info("Provisioned database", "app", app, "type", db.Type, "port", spec.hostPort)

	if db.Preseed != "" {
		if err := p.preseed(ctx, containerName, filepath.Join(versionDir, db.Preseed), spec.preseedCmd); err != nil {
			return fmt.Errorf("preseed failed: %w", err)
		}
	}
	return nil
}

func (p *Provisioner) provisionStorage(ctx context.Context, app string, st *manifest.Storage) error {
	// Both "minio" and "s3" provision a local S3-compatible endpoint; a
	// remote s3 endpoint given in the manifest is used as-is.
	if st.Type == "s3" && st.Endpoint != "" {
		log.Info("Using external S3 endpoint", "app", app, "endpoint", st.Endpoint)
		return nil
	}

	spec := containerSpec{
		image: minioImage,
		env: []string{
			"MINIO_ROOT_USER=" + orDefault(st.AccessKey, "sparkle"),
			"MINIO_ROOT_PASSWORD=" + orDefault(st.SecretKey, "sparklesecret"),
		},
		internalPort: "9000/tcp",
		hostPort:     9000,
	}
	containerName := fmt.Sprintf("spark-%s-storage", app)
	if err := p.replaceContainerWithCmd(ctx, containerName, spec, []string{"server", "/data"}); err != nil {
		return err
	}
	if err := waitForPort(ctx, spec.hostPort); err != nil {
		return fmt.Errorf("storage never became reachable: %w", err)
	}
	log.Info("Provisioned object storage", "app", app, "bucket", st.Bucket, "port", spec.hostPort)
	return nil
}

func (p *Provisioner) replaceContainer(ctx context.Context, name string, spec containerSpec) error {
	return p.replaceContainerWithCmd(ctx, name, spec, nil)
}

// replaceContainerWithCmd removes any previous container under the same
// name and starts a fresh one from spec.
func (p *Provisioner) replaceContainerWithCmd(ctx context.Context, name string, spec containerSpec, cmd []string) error {
	// Remove a leftover container from a prior deploy, running or not.
	if err := p.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		log.Debug("No previous container to remove", "container", name, "error", err)
	}

	cfg := &container.Config{
		Image:        spec.image,
		Env:          spec.env,
		Cmd:          cmd,
		ExposedPorts: nat.PortSet{spec.internalPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			spec.internalPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", spec.hostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	created, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if rc, pullErr := p.cli.ImagePull(ctx, spec.image, image.PullOptions{}); pullErr == nil {
			io.Copy(io.Discard, rc)
			rc.Close()
			created, err = p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		}
		if err != nil {
			return fmt.Errorf("failed to create container %s: %w", name, err)
		}
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// preseed pipes a SQL file into the database client inside the container.
func (p *Provisioner) preseed(ctx context.Context, containerName, sqlPath string, cmd []string) error {
	sql, err := os.Open(sqlPath)
	if err != nil {
		return fmt.Errorf("preseed file missing: %w", err)
	}
	defer sql.Close()

	execID, err := p.cli.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	if _, err := io.Copy(attach.Conn, sql); err != nil {
		return fmt.Errorf("failed to stream preseed file: %w", err)
	}
	attach.CloseWrite()
	io.Copy(io.Discard, attach.Reader)

	inspect, err := p.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("preseed command exited with %d", inspect.ExitCode)
	}
	log.Info("Preseed applied", "container", containerName, "file", sqlPath)
	return nil
}

// waitForPort polls until something accepts on the local port.
func waitForPort(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, provisionReadyTimeout)
	defer cancel()
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
