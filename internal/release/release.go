// Package release owns the versioned on-disk layout of every application
// and the atomic "current" pointer.
//
// Per-app layout under the apps directory:
//
//	<apps>/<name>/versions/<id>/   extracted bundle, one dir per version
//	<apps>/<name>/current          symlink naming exactly one version
//	<apps>/<name>/state.json       runtime state record
//
// Versions are immutable once built. The current pointer moves in a single
// rename so a concurrent reader sees either the old or the new target,
// never an intermediate state.
package release

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sparkle/internal/domain/model"
	"sparkle/pkg/archive"
	"sparkle/pkg/log"
)

const (
	versionsDir   = "versions"
	currentLink   = "current"
	stateFile     = "state.json"
	recordFile    = ".version.json"
	versionIDTime = "20060102150405"
)

// Version is the immutable record of one deployed snapshot.
type Version struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	// AppVersion is the human version string from the manifest ([app].version).
	AppVersion string `json:"app_version,omitempty"`
	// Built marks the version as eligible for activation: its build command
	// succeeded, or it required no build.
	Built bool `json:"built"`
	// BuildOutput keeps the tail of the build command output for operators.
	BuildOutput string `json:"build_output,omitempty"`

	// Path is the version directory on disk; derived, not persisted.
	Path string `json:"-"`
}

// Manager implements the release operations over one apps directory.
type Manager struct {
	appsDir string
}

// NewManager creates a release manager rooted at appsDir.
func NewManager(appsDir string) *Manager {
	return &Manager{appsDir: appsDir}
}

// AppDir returns the base directory of an application.
func (m *Manager) AppDir(app string) string {
	return filepath.Join(m.appsDir, app)
}

// VersionDir returns the directory of one version.
func (m *Manager) VersionDir(app, id string) string {
	return filepath.Join(m.AppDir(app), versionsDir, id)
}

// AppExists reports whether the application has any on-disk presence.
func (m *Manager) AppExists(app string) bool {
	_, err := os.Stat(m.AppDir(app))
	return err == nil
}

// Apps lists every application known to the release manager.
func (m *Manager) Apps() ([]string, error) {
	entries, err := os.ReadDir(m.appsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list apps directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CreateVersion extracts the bundle into a fresh, uniquely named version
// directory and records it. The current pointer is never touched. Returns
// ErrExtract when the archive is corrupt; the partial directory is removed
// in that case.
func (m *Manager) CreateVersion(app string, bundle io.Reader) (*Version, error) {
	id, dir, err := m.nextVersionDir(app)
	if err != nil {
		return nil, err
	}

	if err := archive.Extract(bundle, dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", model.ErrExtract, err)
	}

	v := &Version{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Path:      dir,
	}
	if err := m.saveRecord(app, v); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	log.Info("Created version", "app", app, "version", id)
	return v, nil
}

// nextVersionDir picks a strictly monotonic version id. Ids are UTC
// timestamps; rapid successive deploys within the same second get a numeric
// disambiguator so rollback always has an unambiguous "previous".
func (m *Manager) nextVersionDir(app string) (string, string, error) {
	base := time.Now().UTC().Format(versionIDTime)
	if err := os.MkdirAll(filepath.Join(m.AppDir(app), versionsDir), 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create versions directory: %w", err)
	}
	id := base
	for n := 2; ; n++ {
		dir := m.VersionDir(app, id)
		if err := os.Mkdir(dir, 0o755); err == nil {
			return id, dir, nil
		} else if !errors.Is(err, os.ErrExist) {
			return "", "", fmt.Errorf("failed to create version directory: %w", err)
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// Build runs the build command with the version directory as the working
// directory. The outcome is recorded on the version either way; the current
// pointer is unaffected. A non-zero exit or timeout yields ErrBuild.
func (m *Manager) Build(ctx context.Context, app string, v *Version, command string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log.Info("Building version", "app", app, "version", v.ID, "command", command)
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = v.Path

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	v.BuildOutput = tail(out.String(), 4096)
	v.Built = err == nil
	if saveErr := m.saveRecord(app, v); saveErr != nil {
		log.Warn("Failed to record build outcome", "app", app, "version", v.ID, "error", saveErr)
	}
	if err != nil {
		return fmt.Errorf("%w: %v\n%s", model.ErrBuild, err, v.BuildOutput)
	}
	return nil
}

// MarkBuilt records a version as eligible for activation without running a
// build (manifests without a [build] section).
func (m *Manager) MarkBuilt(app string, v *Version) error {
	v.Built = true
	return m.saveRecord(app, v)
}

// Activate atomically repoints current to the given version. The symlink is
// created under a temporary name and renamed over the existing pointer, so
// readers observe either the old or the new target.
func (m *Manager) Activate(app, id string) error {
	if _, err := os.Stat(m.VersionDir(app, id)); err != nil {
		return fmt.Errorf("%w: version %s of %s", model.ErrNotFound, id, app)
	}

	link := filepath.Join(m.AppDir(app), currentLink)
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(filepath.Join(versionsDir, id), tmp); err != nil {
		return fmt.Errorf("failed to stage current pointer: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to swap current pointer: %w", err)
	}
	log.Info("Activated version", "app", app, "version", id)
	return nil
}

// Current returns the id of the active version, or ErrNotFound when the app
// has never been activated.
func (m *Manager) Current(app string) (string, error) {
	target, err := os.Readlink(filepath.Join(m.AppDir(app), currentLink))
	if err != nil {
		return "", fmt.Errorf("%w: no current version for %s", model.ErrNotFound, app)
	}
	return filepath.Base(target), nil
}

// CurrentDir returns the directory of the active version.
func (m *Manager) CurrentDir(app string) (string, error) {
	id, err := m.Current(app)
	if err != nil {
		return "", err
	}
	return m.VersionDir(app, id), nil
}

// Rollback activates the built version immediately preceding the current
// one in creation order and returns its id. ErrRollback when none exists.
func (m *Manager) Rollback(app string) (string, error) {
	current, err := m.Current(app)
	if err != nil {
		return "", err
	}
	prev, err := m.Previous(app, current)
	if err != nil {
		return "", err
	}
	if err := m.Activate(app, prev.ID); err != nil {
		return "", err
	}
	return prev.ID, nil
}

// Previous returns the newest built version created before the given one.
func (m *Manager) Previous(app, id string) (*Version, error) {
	versions, err := m.Versions(app)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, v := range versions {
		if v.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: version %s of %s", model.ErrNotFound, id, app)
	}
	for i := idx - 1; i >= 0; i-- {
		if versions[i].Built {
			return &versions[i], nil
		}
	}
	return nil, model.ErrRollback
}

// Versions lists all version records of an app in creation order, oldest
// first.
func (m *Manager) Versions(app string) ([]Version, error) {
	dir := filepath.Join(m.AppDir(app), versionsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", app, err)
	}

	versions := make([]Version, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := m.loadRecord(app, e.Name())
		if err != nil {
			log.Warn("Skipping version with unreadable record", "app", app, "version", e.Name(), "error", err)
			continue
		}
		versions = append(versions, *v)
	}
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].CreatedAt.Equal(versions[j].CreatedAt) {
			return versions[i].ID < versions[j].ID
		}
		return versions[i].CreatedAt.Before(versions[j].CreatedAt)
	})
	return versions, nil
}

// BuiltVersionIDs lists the ids of activatable versions, oldest first.
// Versions whose build failed are never surfaced to status readers.
func (m *Manager) BuiltVersionIDs(app string) ([]string, error) {
	versions, err := m.Versions(app)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, v := range versions {
		if v.Built {
			ids = append(ids, v.ID)
		}
	}
	return ids, nil
}

// RemoveVersion deletes one version directory. Used to discard a version
// whose deploy failed before activation; never call it on the active one.
func (m *Manager) RemoveVersion(app, id string) error {
	return os.RemoveAll(m.VersionDir(app, id))
}

// Prune deletes versions older than the keep most-recent built ones. The
// active version is never deleted regardless of age.
func (m *Manager) Prune(app string, keep int) error {
	if keep <= 0 {
		return nil
	}
	versions, err := m.Versions(app)
	if err != nil {
		return err
	}
	current, _ := m.Current(app)

	// Walk oldest-first, deleting until only keep versions remain.
	excess := len(versions) - keep
	for _, v := range versions {
		if excess <= 0 {
			break
		}
		if v.ID == current {
			continue
		}
		if err := m.RemoveVersion(app, v.ID); err != nil {
			return fmt.Errorf("failed to prune version %s of %s: %w", v.ID, app, err)
		}
		log.Debug("Pruned version", "app", app, "version", v.ID)
		excess--
	}
	return nil
}

// SaveState persists the runtime state record of an app.
func (m *Manager) SaveState(app string, state model.AppState) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.AppDir(app), 0o755); err != nil {
		return err
	}
	path := filepath.Join(m.AppDir(app), stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state for %s: %w", app, err)
	}
	return os.Rename(tmp, path)
}

// LoadState reads the runtime state record of an app; a missing file is a
// Stopped state, not an error.
func (m *Manager) LoadState(app string) (model.AppState, error) {
	data, err := os.ReadFile(filepath.Join(m.AppDir(app), stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return model.AppState{Status: model.StatusStopped}, nil
	}
	if err != nil {
		return model.AppState{}, fmt.Errorf("failed to read state for %s: %w", app, err)
	}
	var state model.AppState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.AppState{}, fmt.Errorf("failed to decode state for %s: %w", app, err)
	}
	return state, nil
}

func (m *Manager) recordPath(app, id string) string {
	return filepath.Join(m.VersionDir(app, id), recordFile)
}

func (m *Manager) saveRecord(app string, v *Version) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.recordPath(app, v.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write version record: %w", err)
	}
	return nil
}

func (m *Manager) loadRecord(app, id string) (*Version, error) {
	data, err := os.ReadFile(m.recordPath(app, id))
	if err != nil {
		return nil, err
	}
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	v.Path = m.VersionDir(app, id)
	return &v, nil
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
