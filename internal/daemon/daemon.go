// Package daemon wires the device-side components together and runs them.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"sparkle/internal/auth"
	"sparkle/internal/config"
	"sparkle/internal/deploy"
	"sparkle/internal/device"
	"sparkle/internal/discovery"
	"sparkle/internal/domain/model"
	"sparkle/internal/gateway"
	"sparkle/internal/health"
	"sparkle/internal/release"
	"sparkle/internal/server"
	"sparkle/internal/supervisor"
	"sparkle/pkg/certs"
	"sparkle/pkg/log"
)

// Daemon owns the long-running device services: the control server, the
// discovery responder and the HTTP gateway.
type Daemon struct {
	cfg       *config.Config
	srv       *server.Server
	responder *discovery.Responder
	gw        *gateway.Gateway
	deployer  *deploy.Deployer
}

// New assembles a daemon from the configuration. TLS material is generated
// on first run unless the operator supplied files.
func New(cfg *config.Config) (*Daemon, error) {
	if err := certs.EnsureServerCertificate(cfg.CertFile(), cfg.KeyFile(), []string{cfg.DeviceName, "localhost", "127.0.0.1"}); err != nil {
		return nil, err
	}
	tlsConfig, err := certs.ServerTLSConfig(cfg.CertFile(), cfg.KeyFile())
	if err != nil {
		return nil, err
	}

	releases := release.NewManager(cfg.AppsDir())
	procs := supervisor.New(releases, cfg.DockerImage)
	gw := gateway.New()
	notifier := deploy.NewNotifier(cfg.DeviceName)

	var provisioner deploy.Provision
	if device.DockerAvailable() {
		p, err := deploy.NewProvisioner()
		if err != nil {
			log.Warn("Docker detected but client setup failed, provisioning disabled", "error", err)
		} else {
			provisioner = p
		}
	}

	deployer := deploy.New(releases, procs, health.NewChecker(), gw, notifier, provisioner, cfg.KeepVersions)

	tokens := auth.NewStore(cfg.TokenFile())
	srv := server.New(
		":"+strconv.Itoa(cfg.ControlPort),
		tlsConfig,
		tokens,
		deployer,
		cfg.DeviceName,
		filepath.Join(cfg.DataDir, "device-id"),
	)

	return &Daemon{
		cfg:       cfg,
		srv:       srv,
		responder: discovery.NewResponder(cfg.DiscoveryPort, cfg.DeviceName, cfg.ControlPort),
		gw:        gw,
		deployer:  deployer,
	}, nil
}

// Reload applies a changed configuration. Only fields that do not require
// new listeners take effect; the rest need a restart.
func (d *Daemon) Reload(cfg *config.Config) {
	if cfg.LogLevel != d.cfg.LogLevel {
		log.Init(cfg.LogLevel)
	}
	d.srv.SetDeviceName(cfg.DeviceName)
	d.cfg = cfg
}

// Run starts every service and blocks until ctx is cancelled or one of them
// fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.restoreBindings()

	errCh := make(chan error, 3)
	go func() { errCh <- d.srv.Run(ctx) }()
	go func() { errCh <- d.responder.Run(ctx) }()
	go func() { errCh <- d.gw.Run(ctx, ":"+strconv.Itoa(d.cfg.GatewayPort)) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon service failed: %w", err)
		}
		return nil
	}
}

// restoreBindings re-registers gateway domains for apps that were running
// when the daemon last stopped. Their processes either survived (state
// records carry the pid) or show up as Failed on the next status read.
func (d *Daemon) restoreBindings() {
	apps, err := d.deployer.Apps()
	if err != nil {
		log.Warn("Failed to list apps on startup", "error", err)
		return
	}
	for _, app := range apps {
		state, _, err := d.deployer.Status(app)
		if err != nil || state.Status != model.StatusRunning {
			continue
		}
		if _, err := d.deployer.Start(context.Background(), app); err != nil {
			log.Warn("Failed to restore app binding", "app", app, "error", err)
		}
	}
}
