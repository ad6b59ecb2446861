package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"sparkle/internal/domain/model"
	"sparkle/internal/health"
	"sparkle/internal/manifest"
	"sparkle/internal/release"
	"sparkle/pkg/archive"
)

// fakeProcs is an in-memory Processes implementation recording every call.
type fakeProcs struct {
	mu      sync.Mutex
	nextPID int
	states  map[string]model.AppState
	calls   []string
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{nextPID: 100, states: map[string]model.AppState{}}
}

func (f *fakeProcs) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeProcs) Start(ctx context.Context, app string, man *manifest.Manifest, versionDir, versionID string, portOverride int, extraEnv []string) (model.AppState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	port := man.RunPort()
	if portOverride > 0 {
		port = portOverride
	}
	pid := 0
	if man.Run != nil {
		f.nextPID++
		pid = f.nextPID
	}
	st := model.AppState{Status: model.StatusRunning, PID: pid, Port: port, Version: versionID}
	f.states[app] = st
	f.record("start %s %s port=%d", app, versionID, port)
	return st, nil
}

func (f *fakeProcs) Stop(app string) (model.AppState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := model.AppState{Status: model.StatusStopped}
	f.states[app] = st
	f.record("stop %s", app)
	return st, nil
}

func (f *fakeProcs) Restart(ctx context.Context, app string, man *manifest.Manifest, versionDir, versionID string) (model.AppState, error) {
	if _, err := f.Stop(app); err != nil {
		return model.AppState{}, err
	}
	return f.Start(ctx, app, man, versionDir, versionID, 0, nil)
}

func (f *fakeProcs) Status(app string) model.AppState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[app]
}

func (f *fakeProcs) MarkRollingBack(app string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[app]
	st.Status = model.StatusRollingBack
	f.states[app] = st
	f.record("rollingback %s", app)
}

func (f *fakeProcs) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeHealth fails the first failures checks, then passes, recording every
// check it ran.
type fakeHealth struct {
	mu       sync.Mutex
	failures int
	checks   []health.Check
}

func (f *fakeHealth) Run(ctx context.Context, check health.Check) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, check)
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("%w: backend never answered", model.ErrHealthTimeout)
	}
	return nil
}

// fakeBinder records gateway mutations.
type fakeBinder struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeBinder) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeBinder) BindStatic(domain, root string)           { f.record("static %s %s", domain, root) }
func (f *fakeBinder) BindPort(domain string, port int)         { f.record("port %s %d", domain, port) }
func (f *fakeBinder) SetSplit(domain string, alt, percent int) { f.record("split %s %d %d", domain, alt, percent) }
func (f *fakeBinder) ClearSplit(domain string)                 { f.record("clearsplit %s", domain) }

// fakeSink collects notification events.
type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeSink) Dispatch(ctx context.Context, urls []string, event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type fakeProvision struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeProvision) Provision(ctx context.Context, app string, man *manifest.Manifest, versionDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fixture struct {
	deployer *Deployer
	releases *release.Manager
	procs    *fakeProcs
	checker  *fakeHealth
	binder   *fakeBinder
	sink     *fakeSink
	prov     *fakeProvision
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		releases: release.NewManager(t.TempDir()),
		procs:    newFakeProcs(),
		checker:  &fakeHealth{},
		binder:   &fakeBinder{},
		sink:     &fakeSink{},
		prov:     &fakeProvision{},
	}
	f.deployer = New(f.releases, f.procs, f.checker, f.binder, f.sink, f.prov, 5)
	return f
}

// bundle packs a manifest plus extra files into a deployable tar.gz.
func bundle(t *testing.T, manifestDoc string, files map[string]string) []byte {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(manifestDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := archive.Pack(dir, &buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const staticSite = `
[app]
name = "site"
version = "1.0"

[web]
domain = "site.test"
root = "public"
`

const apiService = `
[app]
name = "api"
version = "%s"

[run]
command = "./server"
port = 3000

[web]
domain = "api.test"

[health]
url = "http://127.0.0.1:3000/healthz"
timeout = 5
`

func TestDeployStaticSite(t *testing.T) {
	f := newFixture(t)
	b := bundle(t, staticSite, map[string]string{"public/index.html": "<h1>hi</h1>"})

	state, err := f.deployer.Deploy(context.Background(), "", b, false)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if state.Status != model.StatusRunning {
		t.Errorf("state = %q, want running", state.Status)
	}

	current, err := f.releases.Current("site")
	if err != nil {
		t.Fatalf("no current version after deploy: %v", err)
	}
	root := filepath.Join(f.releases.VersionDir("site", current), "public")
	want := fmt.Sprintf("static site.test %s", root)
	if len(f.binder.calls) == 0 || f.binder.calls[len(f.binder.calls)-1] != want {
		t.Errorf("gateway calls = %v, want last %q", f.binder.calls, want)
	}
}

func TestDeployServiceRunsHealthCheck(t *testing.T) {
	f := newFixture(t)
	b := bundle(t, fmt.Sprintf(apiService, "1.0"), nil)

	state, err := f.deployer.Deploy(context.Background(), "api", b, false)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if state.Port != 3000 || state.PID == 0 {
		t.Errorf("unexpected state %+v", state)
	}
	if len(f.checker.checks) != 1 || f.checker.checks[0].URL == "" {
		t.Errorf("health checks = %+v, want one URL check", f.checker.checks)
	}
	found := false
	for _, c := range f.binder.calls {
		if c == "port api.test 3000" {
			found = true
		}
	}
	if !found {
		t.Errorf("gateway never bound the backend port: %v", f.binder.calls)
	}
}

func TestDeployRejectsAppNameMismatch(t *testing.T) {
	f := newFixture(t)
	b := bundle(t, staticSite, nil)
	_, err := f.deployer.Deploy(context.Background(), "other", b, false)
	if !errors.Is(err, model.ErrManifest) {
		t.Fatalf("Deploy = %v, want ErrManifest", err)
	}
}

func TestDeployRejectsBundleWithoutManifest(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "file.txt"), []byte("x"), 0o644)
	var buf bytes.Buffer
	if err := archive.Pack(dir, &buf); err != nil {
		t.Fatal(err)
	}
	_, err := f.deployer.Deploy(context.Background(), "", buf.Bytes(), false)
	if !errors.Is(err, model.ErrManifest) {
		t.Fatalf("Deploy = %v, want ErrManifest", err)
	}
}

func TestBuildFailureLeavesCurrentUntouched(t *testing.T) {
	f := newFixture(t)
	good := bundle(t, staticSite, map[string]string{"public/index.html": "v1"})
	if _, err := f.deployer.Deploy(context.Background(), "", good, false); err != nil {
		t.Fatal(err)
	}
	v1, _ := f.releases.Current("site")

	broken := bundle(t, staticSite+"\n[build]\ncommand = \"exit 7\"\n", nil)
	_, err := f.deployer.Deploy(context.Background(), "", broken, false)
	if !errors.Is(err, model.ErrBuild) {
		t.Fatalf("Deploy = %v, want ErrBuild", err)
	}

	if cur, _ := f.releases.Current("site"); cur != v1 {
		t.Errorf("current moved to %q despite the failed build", cur)
	}
	ids, _ := f.releases.BuiltVersionIDs("site")
	if len(ids) != 1 {
		t.Errorf("failed build left versions behind: %v", ids)
	}
}

func TestHealthFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	doc := apiService + "\n[notify]\non_fail = [\"http://hooks.test/fail\"]\n"
	if _, err := f.deployer.Deploy(context.Background(), "", bundle(t, fmt.Sprintf(doc, "1.0"), nil), false); err != nil {
		t.Fatal(err)
	}
	v1, _ := f.releases.Current("api")

	f.checker.failures = 1
	state, err := f.deployer.Deploy(context.Background(), "", bundle(t, fmt.Sprintf(doc, "2.0"), nil), false)
	if !errors.Is(err, model.ErrHealthTimeout) {
		t.Fatalf("Deploy = %v, want ErrHealthTimeout", err)
	}

	if cur, _ := f.releases.Current("api"); cur != v1 {
		t.Errorf("current = %q after rollback, want %q", cur, v1)
	}
	if state.Status != model.StatusRunning || state.Version != v1 {
		t.Errorf("state = %+v, want previous version running", state)
	}

	log := f.procs.callLog()
	if log[len(log)-1] != fmt.Sprintf("start api %s port=3000", v1) {
		t.Errorf("last supervisor call = %q, want restart of %s", log[len(log)-1], v1)
	}

	// The failure notification mentions the rollback.
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.events) == 0 {
		t.Fatal("no failure event dispatched")
	}
	last := f.sink.events[len(f.sink.events)-1]
	if last.Outcome != "failed" || !strings.Contains(last.Message, "rolled back") {
		t.Errorf("failure event = %+v", last)
	}
}

func TestHealthFailureWithoutPreviousIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.checker.failures = 1
	_, err := f.deployer.Deploy(context.Background(), "", bundle(t, fmt.Sprintf(apiService, "1.0"), nil), false)
	if !errors.Is(err, model.ErrHealthTimeout) {
		t.Fatalf("Deploy = %v, want ErrHealthTimeout in the chain", err)
	}
	if !errors.Is(err, model.ErrRollback) {
		t.Errorf("Deploy = %v, want ErrRollback in the chain (nothing to roll back to)", err)
	}
}

func TestPreHookRunsBeforeExtraction(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(t.TempDir(), "hook-ran")
	doc := staticSite + fmt.Sprintf("\n[hooks]\npre_deploy = \"touch %s\"\n", marker)

	if _, err := f.deployer.Deploy(context.Background(), "", bundle(t, doc, nil), false); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("pre_deploy hook never ran: %v", err)
	}
}

func TestPreHookFailureAbortsBeforeAnyVersionExists(t *testing.T) {
	f := newFixture(t)
	doc := staticSite + "\n[hooks]\npre_deploy = \"exit 1\"\n"
	_, err := f.deployer.Deploy(context.Background(), "", bundle(t, doc, nil), false)
	if err == nil {
		t.Fatal("Deploy succeeded despite a failing pre_deploy hook")
	}
	ids, _ := f.releases.BuiltVersionIDs("site")
	if len(ids) != 0 {
		t.Errorf("failed hook still created versions: %v", ids)
	}
}

func TestProvisionFailureDiscardsVersion(t *testing.T) {
	f := newFixture(t)
	f.prov.err = fmt.Errorf("%w: docker exploded", model.ErrProvision)
	doc := staticSite + "\n[database]\ntype = \"postgres\"\n"
	_, err := f.deployer.Deploy(context.Background(), "", bundle(t, doc, nil), false)
	if !errors.Is(err, model.ErrProvision) {
		t.Fatalf("Deploy = %v, want ErrProvision", err)
	}
	ids, _ := f.releases.BuiltVersionIDs("site")
	if len(ids) != 0 {
		t.Errorf("failed provisioning left versions: %v", ids)
	}
}

func TestCanaryWindowSplitsAndPromotes(t *testing.T) {
	f := newFixture(t)
	canaryDoc := fmt.Sprintf(apiService, "2.0") + "\n[strategy]\ntype = \"canary\"\npercent = 20\nwait_time = \"10ms\"\n"

	if _, err := f.deployer.Deploy(context.Background(), "", bundle(t, fmt.Sprintf(apiService, "1.0"), nil), false); err != nil {
		t.Fatal(err)
	}
	state, err := f.deployer.Deploy(context.Background(), "", bundle(t, canaryDoc, nil), false)
	if err != nil {
		t.Fatalf("canary deploy failed: %v", err)
	}
	if state.Port != 3000 {
		t.Errorf("promoted port = %d, want canonical 3000", state.Port)
	}

	joined := strings.Join(f.binder.calls, "\n")
	if !strings.Contains(joined, "split api.test 13000 20") {
		t.Errorf("gateway never split traffic: %v", f.binder.calls)
	}
	if !strings.Contains(joined, "clearsplit api.test") {
		t.Errorf("gateway split never cleared: %v", f.binder.calls)
	}

	procLog := strings.Join(f.procs.callLog(), "\n")
	if !strings.Contains(procLog, "start api~canary") {
		t.Errorf("no canary instance started: %v", f.procs.callLog())
	}
	if !strings.Contains(procLog, "port=13000") {
		t.Errorf("canary did not run on the shifted port: %v", f.procs.callLog())
	}
	if !strings.Contains(procLog, "stop api~canary") {
		t.Errorf("canary instance never retired: %v", f.procs.callLog())
	}
}

func TestExplicitRollback(t *testing.T) {
	f := newFixture(t)
	if _, err := f.deployer.Deploy(context.Background(), "", bundle(t, fmt.Sprintf(apiService, "1.0"), nil), false); err != nil {
		t.Fatal(err)
	}
	v1, _ := f.releases.Current("api")
	if _, err := f.deployer.Deploy(context.Background(), "", bundle(t, fmt.Sprintf(apiService, "2.0"), nil), false); err != nil {
		t.Fatal(err)
	}

	state, err := f.deployer.Rollback(context.Background(), "api")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if state.Version != v1 {
		t.Errorf("rolled back to %q, want %q", state.Version, v1)
	}
	if cur, _ := f.releases.Current("api"); cur != v1 {
		t.Errorf("current = %q, want %q", cur, v1)
	}

	if _, err := f.deployer.Rollback(context.Background(), "api"); !errors.Is(err, model.ErrRollback) {
		t.Errorf("second Rollback = %v, want ErrRollback", err)
	}
}

func TestRollbackWithSingleVersionChangesNothing(t *testing.T) {
	f := newFixture(t)
	if _, err := f.deployer.Deploy(context.Background(), "", bundle(t, fmt.Sprintf(apiService, "1.0"), nil), false); err != nil {
		t.Fatal(err)
	}
	v1, _ := f.releases.Current("api")
	before := len(f.procs.callLog())

	_, err := f.deployer.Rollback(context.Background(), "api")
	if !errors.Is(err, model.ErrRollback) {
		t.Fatalf("Rollback = %v, want ErrRollback", err)
	}
	if st := f.procs.Status("api"); st.Status != model.StatusRunning {
		t.Errorf("status after failed rollback = %q, want the app left running", st.Status)
	}
	if cur, _ := f.releases.Current("api"); cur != v1 {
		t.Errorf("current = %q, want untouched %q", cur, v1)
	}
	if calls := f.procs.callLog(); len(calls) != before {
		t.Errorf("failed rollback touched the process: %v", calls[before:])
	}
}

func TestRollbackUnknownApp(t *testing.T) {
	f := newFixture(t)
	if _, err := f.deployer.Rollback(context.Background(), "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Rollback = %v, want ErrNotFound", err)
	}
}

func TestAutoHealthSynthesizesTCPCheck(t *testing.T) {
	f := newFixture(t)
	doc := `
[app]
name = "api"
version = "1.0"

[run]
command = "./server"
port = 3000
`
	if _, err := f.deployer.Deploy(context.Background(), "", bundle(t, doc, nil), true); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if len(f.checker.checks) != 1 {
		t.Fatalf("checks = %+v, want exactly one", f.checker.checks)
	}
	if f.checker.checks[0].Port != 3000 || f.checker.checks[0].URL != "" {
		t.Errorf("check = %+v, want TCP probe of port 3000", f.checker.checks[0])
	}
}

func TestDeploySuccessNotification(t *testing.T) {
	f := newFixture(t)
	doc := staticSite + "\n[notify]\non_success = [\"http://hooks.test/ok\"]\n"
	if _, err := f.deployer.Deploy(context.Background(), "", bundle(t, doc, nil), false); err != nil {
		t.Fatal(err)
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.events) != 1 || f.sink.events[0].Outcome != "deployed" {
		t.Errorf("events = %+v, want one deployed event", f.sink.events)
	}
}

func TestStatusListsBuiltVersions(t *testing.T) {
	f := newFixture(t)
	if _, err := f.deployer.Deploy(context.Background(), "", bundle(t, staticSite, nil), false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.deployer.Deploy(context.Background(), "", bundle(t, staticSite, nil), false); err != nil {
		t.Fatal(err)
	}
	_, versions, err := f.deployer.Status("site")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("versions = %v, want 2", versions)
	}

	if _, _, err := f.deployer.Status("ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Status(ghost) = %v, want ErrNotFound", err)
	}
}
