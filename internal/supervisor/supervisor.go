package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"sparkle/internal/domain/model"
	"sparkle/internal/manifest"
	"sparkle/internal/release"
	"sparkle/pkg/env"
	"sparkle/pkg/log"
)

// defaultPollInterval is how often the watcher probes a running process.
const defaultPollInterval = 2 * time.Second

// Supervisor owns the runtime state of every application. State transitions
// happen only here: Stopped -> Starting -> Running, Running -> Stopped,
// Starting|Running -> Failed, Failed -> Starting. Unexpected exits are
// recorded as Failed but never auto-restarted; reacting is up to the
// operator or the deployment state machine.
type Supervisor struct {
	releases    *release.Manager
	dockerImage string

	mu       sync.Mutex
	apps     map[string]*appEntry
	backends map[string]Backend

	pollInterval time.Duration
}

type appEntry struct {
	state   model.AppState
	backend Backend
	// gen invalidates stale watcher goroutines after stop/restart.
	gen int
}

// New creates a supervisor persisting state through the release manager.
// dockerImage is the base image used by the docker isolation backend.
func New(releases *release.Manager, dockerImage string) *Supervisor {
	return &Supervisor{
		releases:     releases,
		dockerImage:  dockerImage,
		apps:         make(map[string]*appEntry),
		backends:     make(map[string]Backend),
		pollInterval: defaultPollInterval,
	}
}

// Start brings the app to Running by spawning its run command from the
// given version directory. Starting an already Running app returns its
// state without re-spawning. portOverride, when non-zero, replaces the
// manifest port (used by the canary window); extraEnv entries are appended
// last and win.
func (s *Supervisor) Start(ctx context.Context, app string, man *manifest.Manifest, versionDir, versionID string, portOverride int, extraEnv []string) (model.AppState, error) {
	s.mu.Lock()
	entry := s.loadEntryLocked(app)

	if entry.state.Status == model.StatusRunning && s.aliveLocked(entry) {
		state := entry.state
		s.mu.Unlock()
		log.Debug("Start is a no-op, app already running", "app", app, "pid", state.PID)
		return state, nil
	}

	if man.Run == nil {
		// Static [web] apps have no process; the gateway binding is the
		// whole of "running".
		entry.state = model.AppState{Status: model.StatusRunning, Version: versionID}
		state := entry.state
		s.mu.Unlock()
		s.persist(app, state)
		return state, nil
	}

	backend, err := s.backendForLocked(man.IsolationType())
	if err != nil {
		s.mu.Unlock()
		return model.AppState{}, err
	}

	entry.gen++
	gen := entry.gen
	entry.backend = backend
	entry.state = model.AppState{
		Status:    model.StatusStarting,
		Version:   versionID,
		Isolation: man.IsolationType(),
	}
	s.persist(app, entry.state)
	s.mu.Unlock()

	port := man.RunPort()
	if portOverride > 0 {
		port = portOverride
	}
	spawnEnv := buildEnv(man, port, extraEnv)

	// Keep the resolved environment next to the version for debugging and
	// for hooks that source it.
	if err := env.Save(filepath.Join(versionDir, ".env"), envMap(spawnEnv)); err != nil {
		log.Warn("Failed to write env file", "app", app, "error", err)
	}

	pid, err := backend.Spawn(ctx, SpawnSpec{
		Command: man.Run.Command,
		Dir:     versionDir,
		Env:     spawnEnv,
		Limits:  man.ResourceLimits,
	})
	if err != nil {
		s.setStatus(app, func(st *model.AppState) {
			st.Status = model.StatusFailed
			st.PID = 0
		})
		return s.Status(app), fmt.Errorf("%w: %v", model.ErrSpawn, err)
	}

	s.mu.Lock()
	entry = s.loadEntryLocked(app)
	entry.state = model.AppState{
		Status:    model.StatusRunning,
		PID:       pid,
		Port:      port,
		Version:   versionID,
		Isolation: man.IsolationType(),
	}
	state := entry.state
	s.mu.Unlock()
	s.persist(app, state)

	go s.watch(app, pid, gen, backend)

	log.Info("Started app", "app", app, "pid", pid, "port", port, "isolation", man.IsolationType())
	return state, nil
}

// Stop terminates the app's process. Stopping an already Stopped app is a
// no-op returning the current state.
func (s *Supervisor) Stop(app string) (model.AppState, error) {
	s.mu.Lock()
	entry := s.loadEntryLocked(app)

	if entry.state.Status == model.StatusStopped {
		state := entry.state
		s.mu.Unlock()
		log.Debug("Stop is a no-op, app already stopped", "app", app)
		return state, nil
	}

	pid := entry.state.PID
	backend := entry.backend
	if backend == nil && entry.state.Isolation != "" {
		var err error
		backend, err = s.backendForLocked(entry.state.Isolation)
		if err != nil {
			s.mu.Unlock()
			return model.AppState{}, err
		}
	}
	entry.gen++ // retire the watcher
	entry.state.Status = model.StatusStopped
	entry.state.PID = 0
	entry.state.Port = 0
	state := entry.state
	s.mu.Unlock()

	if pid > 0 && backend != nil {
		if err := backend.Terminate(pid); err != nil {
			log.Warn("Failed to terminate process", "app", app, "pid", pid, "error", err)
		}
	}
	s.persist(app, state)
	log.Info("Stopped app", "app", app)
	return state, nil
}

// Restart stops the app and starts it again from the given version.
func (s *Supervisor) Restart(ctx context.Context, app string, man *manifest.Manifest, versionDir, versionID string) (model.AppState, error) {
	if _, err := s.Stop(app); err != nil {
		return model.AppState{}, err
	}
	return s.Start(ctx, app, man, versionDir, versionID, 0, nil)
}

// Status returns a snapshot of the app's state, re-checking liveness for
// processes inherited from a previous daemon run.
func (s *Supervisor) Status(app string) model.AppState {
	s.mu.Lock()
	entry := s.loadEntryLocked(app)
	state := entry.state
	backend := entry.backend
	s.mu.Unlock()

	if state.Status == model.StatusRunning && state.PID > 0 {
		if backend == nil {
			var err error
			if backend, err = s.backendFor(state.Isolation); err != nil {
				return state
			}
		}
		if !backend.IsAlive(state.PID) {
			s.setStatus(app, func(st *model.AppState) {
				if st.Status == model.StatusRunning && st.PID == state.PID {
					st.Status = model.StatusFailed
				}
			})
			return s.Status(app)
		}
	}
	return state
}

// MarkRollingBack flags the app while the deployment state machine reverts
// it to the previous version.
func (s *Supervisor) MarkRollingBack(app string) {
	s.setStatus(app, func(st *model.AppState) { st.Status = model.StatusRollingBack })
}

// watch polls the process and records an unexpected exit as Failed.
func (s *Supervisor) watch(app string, pid, gen int, backend Backend) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		entry := s.loadEntryLocked(app)
		stale := entry.gen != gen || entry.state.PID != pid || entry.state.Status != model.StatusRunning
		s.mu.Unlock()
		if stale {
			return
		}
		if backend.IsAlive(pid) {
			continue
		}

		s.mu.Lock()
		entry = s.loadEntryLocked(app)
		if entry.gen == gen && entry.state.PID == pid && entry.state.Status == model.StatusRunning {
			entry.state.Status = model.StatusFailed
			state := entry.state
			s.mu.Unlock()
			s.persist(app, state)
			log.Error("Process exited unexpectedly", "app", app, "pid", pid)
		} else {
			s.mu.Unlock()
		}
		return
	}
}

// loadEntryLocked returns the in-memory entry, seeding it from the
// persisted state record on first access. Callers hold s.mu.
func (s *Supervisor) loadEntryLocked(app string) *appEntry {
	if entry, ok := s.apps[app]; ok {
		return entry
	}
	state, err := s.releases.LoadState(app)
	if err != nil {
		log.Warn("Failed to load persisted state", "app", app, "error", err)
		state = model.AppState{Status: model.StatusStopped}
	}
	entry := &appEntry{state: state}
	s.apps[app] = entry
	return entry
}

// aliveLocked probes the entry's process. Entries seeded from persisted
// state carry no backend yet; it is resolved from the recorded isolation
// type so processes inherited from a previous daemon run are recognized.
// Callers hold s.mu.
func (s *Supervisor) aliveLocked(e *appEntry) bool {
	if e.state.PID == 0 {
		return true // static app
	}
	if e.backend == nil {
		if e.state.Isolation == "" {
			return false
		}
		b, err := s.backendForLocked(e.state.Isolation)
		if err != nil {
			return false
		}
		e.backend = b
	}
	return e.backend.IsAlive(e.state.PID)
}

func (s *Supervisor) setStatus(app string, mutate func(*model.AppState)) {
	s.mu.Lock()
	entry := s.loadEntryLocked(app)
	mutate(&entry.state)
	state := entry.state
	s.mu.Unlock()
	s.persist(app, state)
}

func (s *Supervisor) persist(app string, state model.AppState) {
	if err := s.releases.SaveState(app, state); err != nil {
		log.Warn("Failed to persist app state", "app", app, "error", err)
	}
}

func (s *Supervisor) backendFor(isolation string) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendForLocked(isolation)
}

func (s *Supervisor) backendForLocked(isolation string) (Backend, error) {
	if b, ok := s.backends[isolation]; ok {
		return b, nil
	}
	var (
		b   Backend
		err error
	)
	switch isolation {
	case manifest.IsolationDocker:
		b, err = NewDockerBackend(s.dockerImage)
	case manifest.IsolationNone, manifest.IsolationSystemd, manifest.IsolationChroot:
		b = NewExecBackend(isolation)
	default:
		err = fmt.Errorf("unknown isolation backend %q", isolation)
	}
	if err != nil {
		return nil, err
	}
	s.backends[isolation] = b
	return b, nil
}

// buildEnv merges the manifest [env] section, resolved secrets, the PORT
// variable and any extra entries, in that order (later entries win).
func buildEnv(man *manifest.Manifest, port int, extra []string) []string {
	var out []string
	for k, v := range man.Env {
		out = append(out, k+"="+v)
	}
	for k, v := range man.ResolveSecrets() {
		out = append(out, k+"="+v)
	}
	if port > 0 {
		out = append(out, fmt.Sprintf("PORT=%d", port))
	}
	return append(out, extra...)
}

func envMap(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		for i := 0; i < len(p); i++ {
			if p[i] == '=' {
				out[p[:i]] = p[i+1:]
				break
			}
		}
	}
	return out
}
