// Package deploy implements the deployment state machine that sequences
// release management, process supervision, health checking and the gateway
// for every deploy, rollback, start, stop and restart request.
//
// Stage order:
//
//	Received -> PreHook -> Extracted -> Built -> Provisioned -> Activated
//	  -> Started -> (strategy window) -> HealthChecked -> PostHook -> Deployed
//
// A failure before Activated leaves the previously current version
// completely untouched. A failure at or after Activated triggers an
// automatic rollback to the prior version.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sparkle/internal/domain/model"
	"sparkle/internal/health"
	"sparkle/internal/manifest"
	"sparkle/internal/release"
	"sparkle/pkg/archive"
	"sparkle/pkg/log"
)

// canaryPortOffset shifts the canary instance's port during a strategy
// window so old and new can listen side by side.
const canaryPortOffset = 10000

// canaryKey derives the supervisor key for the temporary second instance.
// Manifest validation forbids '~' in app names, so the key cannot collide.
func canaryKey(app string) string { return app + "~canary" }

// Processes is the supervisor seam.
type Processes interface {
	Start(ctx context.Context, app string, man *manifest.Manifest, versionDir, versionID string, portOverride int, extraEnv []string) (model.AppState, error)
	Stop(app string) (model.AppState, error)
	Restart(ctx context.Context, app string, man *manifest.Manifest, versionDir, versionID string) (model.AppState, error)
	Status(app string) model.AppState
	MarkRollingBack(app string)
}

// HealthRunner is the health checker seam.
type HealthRunner interface {
	Run(ctx context.Context, check health.Check) error
}

// Binder is the gateway seam.
type Binder interface {
	BindStatic(domain, root string)
	BindPort(domain string, port int)
	SetSplit(domain string, altPort, percent int)
	ClearSplit(domain string)
}

// Sink is the notification seam.
type Sink interface {
	Dispatch(ctx context.Context, urls []string, event Event)
}

// Provision is the database/storage provisioning seam.
type Provision interface {
	Provision(ctx context.Context, app string, man *manifest.Manifest, versionDir string) error
}

// Deployer runs the state machine. One Deployer serves every app; per-app
// serialization is enforced by the caller (the control server's app locks).
type Deployer struct {
	releases     *release.Manager
	procs        Processes
	checker      HealthRunner
	gw           Binder
	notifier     Sink
	provisioner  Provision
	keepVersions int
}

// New wires the deployer. provisioner may be nil when docker is
// unavailable; manifests requiring provisioning then fail with
// ErrProvision.
func New(releases *release.Manager, procs Processes, checker HealthRunner, gw Binder, notifier Sink, provisioner Provision, keepVersions int) *Deployer {
	return &Deployer{
		releases:     releases,
		procs:        procs,
		checker:      checker,
		gw:           gw,
		notifier:     notifier,
		provisioner:  provisioner,
		keepVersions: keepVersions,
	}
}

// Deploy runs a full deployment of the bundle. reqApp, when non-empty, must
// match the manifest's app name. The returned state is the app's final
// runtime state; err is nil only when the deploy reached Deployed.
func (d *Deployer) Deploy(ctx context.Context, reqApp string, bundle []byte, autoHealth bool) (model.AppState, error) {
	// The manifest is read straight out of the archive so the pre-deploy
	// hook can run before anything is extracted.
	manData, err := archive.ReadFile(bytes.NewReader(bundle), manifest.FileName)
	if err != nil {
		return model.AppState{}, fmt.Errorf("%w: %v", model.ErrManifest, err)
	}
	man, err := manifest.Parse(manData)
	if err != nil {
		return model.AppState{}, err
	}
	app := man.App.Name
	if reqApp != "" && reqApp != app {
		return model.AppState{}, fmt.Errorf("%w: request targets %q but manifest names %q", model.ErrManifest, reqApp, app)
	}
	log.Info("Deploy started", "app", app, "app_version", man.App.Version)

	hookTimeout := man.CommandTimeout(defaultHookTimeout)

	// PreHook. Runs in the previous current version's directory when one
	// exists, otherwise in the app's base directory (created on first
	// deploy).
	hookDir := d.releases.AppDir(app)
	if err := os.MkdirAll(hookDir, 0o755); err != nil {
		return model.AppState{}, fmt.Errorf("failed to create app directory: %w", err)
	}
	if cur, err := d.releases.CurrentDir(app); err == nil {
		hookDir = cur
	}
	if man.Hooks != nil {
		if err := runHook(ctx, "pre_deploy", man.Hooks.PreDeploy, hookDir, hookTimeout); err != nil {
			return d.failBefore(ctx, app, man, "", err)
		}
	}

	// Extracted.
	version, err := d.releases.CreateVersion(app, bytes.NewReader(bundle))
	if err != nil {
		return d.failBefore(ctx, app, man, "", err)
	}
	version.AppVersion = man.App.Version

	// Built. The version directory of a failed build is removed so no
	// status reader ever observes it.
	if man.Build != nil {
		if err := d.releases.Build(ctx, app, version, man.Build.Command, man.CommandTimeout(defaultHookTimeout)); err != nil {
			d.releases.RemoveVersion(app, version.ID)
			return d.failBefore(ctx, app, man, version.ID, err)
		}
	} else if err := d.releases.MarkBuilt(app, version); err != nil {
		d.releases.RemoveVersion(app, version.ID)
		return d.failBefore(ctx, app, man, version.ID, err)
	}

	// Provisioned.
	if man.Database != nil || man.Storage != nil {
		if d.provisioner == nil {
			err := fmt.Errorf("%w: docker is not available on this device", model.ErrProvision)
			d.releases.RemoveVersion(app, version.ID)
			return d.failBefore(ctx, app, man, version.ID, err)
		}
		if err := d.provisioner.Provision(ctx, app, man, version.Path); err != nil {
			d.releases.RemoveVersion(app, version.ID)
			return d.failBefore(ctx, app, man, version.ID, err)
		}
	}

	// Remember the previous version for the rollback path before moving
	// the pointer.
	prevID, hadPrevious := "", false
	if id, err := d.releases.Current(app); err == nil {
		prevID, hadPrevious = id, true
	}

	// Activated. From here on, failures roll back.
	if err := d.releases.Activate(app, version.ID); err != nil {
		d.releases.RemoveVersion(app, version.ID)
		return d.failBefore(ctx, app, man, version.ID, err)
	}

	state, err := d.startAndVerify(ctx, app, man, version, hadPrevious, prevID, autoHealth, hookTimeout)
	if err != nil {
		return d.failAfter(ctx, app, man, version.ID, prevID, hadPrevious, err)
	}

	// Deployed.
	if err := d.releases.Prune(app, d.keepVersions); err != nil {
		log.Warn("Prune failed", "app", app, "error", err)
	}
	if man.Notify != nil {
		d.notifier.Dispatch(ctx, man.Notify.OnSuccess, Event{
			App: app, Version: version.ID, Outcome: "deployed",
			Message: fmt.Sprintf("version %s deployed", man.App.Version),
		})
	}
	log.Info("Deploy finished", "app", app, "version", version.ID)
	return state, nil
}

// startAndVerify covers the Started, strategy-window, HealthChecked and
// PostHook stages after activation.
func (d *Deployer) startAndVerify(ctx context.Context, app string, man *manifest.Manifest, version *release.Version, hadPrevious bool, prevID string, autoHealth bool, hookTimeout time.Duration) (model.AppState, error) {
	useWindow := man.Strategy != nil &&
		man.Strategy.Type != manifest.StrategyRolling &&
		hadPrevious && man.Run != nil && man.RunPort() > 0

	var state model.AppState
	if useWindow {
		st, err := d.runStrategyWindow(ctx, app, man, version, autoHealth)
		if err != nil {
			return model.AppState{}, err
		}
		state = st
	} else {
		// Sequential restart: stop the old instance, start the new one.
		if _, err := d.procs.Stop(app); err != nil {
			return model.AppState{}, err
		}
		st, err := d.procs.Start(ctx, app, man, version.Path, version.ID, 0, nil)
		if err != nil {
			return model.AppState{}, err
		}
		state = st
		d.bindGateway(app, man, version.Path, state.Port)

		if err := d.healthCheck(ctx, man, state.Port, autoHealth); err != nil {
			return model.AppState{}, err
		}
	}

	if man.Hooks != nil {
		if err := runHook(ctx, "post_deploy", man.Hooks.PostDeploy, version.Path, hookTimeout); err != nil {
			return model.AppState{}, err
		}
	}
	return state, nil
}

// runStrategyWindow implements canary and blue-green deploys: the new
// instance starts on a shifted port next to the still-running old one, the
// gateway splits traffic for the window, then the old instance is retired
// and the new one is promoted to the canonical port. What decides success
// before full cutover beyond the health check is an extension point; the
// window itself only has to elapse.
func (d *Deployer) runStrategyWindow(ctx context.Context, app string, man *manifest.Manifest, version *release.Version, autoHealth bool) (model.AppState, error) {
	altPort := man.RunPort() + canaryPortOffset
	scratch := canaryKey(app)

	canaryState, err := d.procs.Start(ctx, scratch, man, version.Path, version.ID, altPort, nil)
	if err != nil {
		return model.AppState{}, err
	}
	defer d.procs.Stop(scratch)

	percent := man.StrategyPercent()
	if man.Strategy.Type == manifest.StrategyBlueGreen && man.Strategy.Percent == 0 {
		// Blue-green moves all traffic to the new instance for the window.
		percent = 100
	}
	if man.Web != nil {
		d.gw.SetSplit(man.Web.Domain, altPort, percent)
		defer d.gw.ClearSplit(man.Web.Domain)
	}

	// The new instance must prove itself on the shifted port first.
	if err := d.healthCheckPort(ctx, man, canaryState.Port, autoHealth); err != nil {
		return model.AppState{}, err
	}

	wait := man.StrategyWait()
	log.Info("Strategy window open", "app", app, "strategy", man.Strategy.Type, "percent", percent, "wait", wait)
	select {
	case <-ctx.Done():
		return model.AppState{}, ctx.Err()
	case <-time.After(wait):
	}

	// Promote: retire the old instance and restart the new version on the
	// canonical port.
	if _, err := d.procs.Stop(scratch); err != nil {
		log.Warn("Failed to stop canary instance", "app", app, "error", err)
	}
	if _, err := d.procs.Stop(app); err != nil {
		return model.AppState{}, err
	}
	state, err := d.procs.Start(ctx, app, man, version.Path, version.ID, 0, nil)
	if err != nil {
		return model.AppState{}, err
	}
	d.bindGateway(app, man, version.Path, state.Port)

	if err := d.healthCheck(ctx, man, state.Port, autoHealth); err != nil {
		return model.AppState{}, err
	}
	return state, nil
}

// bindGateway refreshes the domain binding after a version became current.
func (d *Deployer) bindGateway(app string, man *manifest.Manifest, versionDir string, port int) {
	if man.Web == nil {
		return
	}
	if man.Run != nil && port > 0 {
		d.gw.BindPort(man.Web.Domain, port)
		return
	}
	d.gw.BindStatic(man.Web.Domain, filepath.Join(versionDir, man.WebRoot()))
}

func (d *Deployer) healthCheck(ctx context.Context, man *manifest.Manifest, port int, autoHealth bool) error {
	return d.healthCheckPort(ctx, man, port, autoHealth)
}

// healthCheckPort runs the configured health check against the given port.
// auto mode (auto_health or the request flag) synthesizes a TCP check when
// the manifest has no [health] section.
func (d *Deployer) healthCheckPort(ctx context.Context, man *manifest.Manifest, port int, autoHealth bool) error {
	check := health.Check{Timeout: man.HealthTimeout()}
	switch {
	case man.Health != nil:
		check.URL = man.Health.Url
		if port > 0 && port != man.RunPort() {
			// The canary instance listens on a shifted port; probe it, not
			// the canonical URL.
			check.URL = ""
			check.Port = port
		}
	case (man.AutoHealth || autoHealth) && port > 0:
		check.Port = port
	default:
		return nil
	}
	return d.checker.Run(ctx, check)
}

// failBefore handles every failure strictly before activation: nothing
// changed, so nothing is rolled back.
func (d *Deployer) failBefore(ctx context.Context, app string, man *manifest.Manifest, versionID string, cause error) (model.AppState, error) {
	log.Error("Deploy failed before activation", "app", app, "version", versionID, "error", cause)
	if man.Notify != nil {
		d.notifier.Dispatch(ctx, man.Notify.OnFail, Event{
			App: app, Version: versionID, Outcome: "failed", Message: cause.Error(),
		})
	}
	return d.procs.Status(app), cause
}

// failAfter handles failures at or after activation: the previous version
// is reactivated and restarted. When no previous version exists the app is
// left Failed and both errors are reported.
func (d *Deployer) failAfter(ctx context.Context, app string, man *manifest.Manifest, versionID, prevID string, hadPrevious bool, cause error) (model.AppState, error) {
	log.Error("Deploy failed after activation, rolling back", "app", app, "version", versionID, "error", cause)
	d.procs.MarkRollingBack(app)
	d.procs.Stop(app)

	notifyFail := func(msg string) {
		if man.Notify != nil {
			d.notifier.Dispatch(ctx, man.Notify.OnFail, Event{
				App: app, Version: versionID, Outcome: "failed", Message: msg,
			})
		}
	}

	if !hadPrevious {
		notifyFail(cause.Error())
		return d.procs.Status(app), errors.Join(cause, model.ErrRollback)
	}

	if err := d.releases.Activate(app, prevID); err != nil {
		notifyFail(cause.Error())
		return d.procs.Status(app), errors.Join(cause, err)
	}
	prevDir := d.releases.VersionDir(app, prevID)
	prevMan, err := manifest.Load(prevDir)
	if err != nil {
		notifyFail(cause.Error())
		return d.procs.Status(app), errors.Join(cause, err)
	}
	state, err := d.procs.Start(ctx, app, prevMan, prevDir, prevID, 0, nil)
	if err != nil {
		notifyFail(cause.Error())
		return state, errors.Join(cause, err)
	}
	d.bindGateway(app, prevMan, prevDir, state.Port)

	notifyFail(fmt.Sprintf("%s; rolled back to version %s", cause.Error(), prevID))
	log.Info("Rolled back", "app", app, "to_version", prevID)
	return state, cause
}

// Rollback is the explicit operator-requested rollback: activate the
// previous version, restart its process and refresh the gateway.
func (d *Deployer) Rollback(ctx context.Context, app string) (model.AppState, error) {
	if !d.releases.AppExists(app) {
		return model.AppState{}, fmt.Errorf("%w: %s", model.ErrNotFound, app)
	}
	prevID, err := d.releases.Rollback(app)
	if err != nil {
		// Nothing changed; a running app keeps running.
		return d.procs.Status(app), err
	}
	d.procs.MarkRollingBack(app)
	prevDir := d.releases.VersionDir(app, prevID)
	man, err := manifest.Load(prevDir)
	if err != nil {
		return d.procs.Status(app), err
	}
	state, err := d.procs.Restart(ctx, app, man, prevDir, prevID)
	if err != nil {
		return state, err
	}
	d.bindGateway(app, man, prevDir, state.Port)
	log.Info("Rollback complete", "app", app, "version", prevID)
	return state, nil
}

// Start brings the current version's process up.
func (d *Deployer) Start(ctx context.Context, app string) (model.AppState, error) {
	man, dir, id, err := d.currentManifest(app)
	if err != nil {
		return model.AppState{}, err
	}
	state, err := d.procs.Start(ctx, app, man, dir, id, 0, nil)
	if err != nil {
		return state, err
	}
	d.bindGateway(app, man, dir, state.Port)
	return state, nil
}

// Stop stops the app's process.
func (d *Deployer) Stop(app string) (model.AppState, error) {
	if !d.releases.AppExists(app) {
		return model.AppState{}, fmt.Errorf("%w: %s", model.ErrNotFound, app)
	}
	return d.procs.Stop(app)
}

// Restart stops and starts the current version.
func (d *Deployer) Restart(ctx context.Context, app string) (model.AppState, error) {
	man, dir, id, err := d.currentManifest(app)
	if err != nil {
		return model.AppState{}, err
	}
	state, err := d.procs.Restart(ctx, app, man, dir, id)
	if err != nil {
		return state, err
	}
	d.bindGateway(app, man, dir, state.Port)
	return state, nil
}

// Status reports the runtime state and version history of an app.
func (d *Deployer) Status(app string) (model.AppState, []string, error) {
	if !d.releases.AppExists(app) {
		return model.AppState{}, nil, fmt.Errorf("%w: %s", model.ErrNotFound, app)
	}
	versions, err := d.releases.BuiltVersionIDs(app)
	if err != nil {
		return model.AppState{}, nil, err
	}
	return d.procs.Status(app), versions, nil
}

// Apps lists all known applications.
func (d *Deployer) Apps() ([]string, error) { return d.releases.Apps() }

// Domain returns the app's gateway domain, empty when the current version
// has no [web] section or no version is active.
func (d *Deployer) Domain(app string) string {
	man, _, _, err := d.currentManifest(app)
	if err != nil || man.Web == nil {
		return ""
	}
	return man.Web.Domain
}

func (d *Deployer) currentManifest(app string) (*manifest.Manifest, string, string, error) {
	id, err := d.releases.Current(app)
	if err != nil {
		return nil, "", "", err
	}
	dir := d.releases.VersionDir(app, id)
	man, err := manifest.Load(dir)
	if err != nil {
		return nil, "", "", err
	}
	return man, dir, id, nil
}
