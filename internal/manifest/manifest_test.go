package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sparkle/internal/domain/model"
)

const fullManifest = `
[app]
name = "shop-api"
version = "1.4.0"

[build]
command = "make build"

[run]
command = "./bin/server"
port = 3000

[env]
APP_ENV = "production"

[web]
domain = "shop.example.com"

[health]
url = "http://127.0.0.1:3000/healthz"
timeout = 10

[isolation]
type = "systemd"

[database]
type = "postgres"
name = "shop"
user = "shop"
password = "secret"

[hooks]
pre_deploy = "./scripts/migrate.sh"

[strategy]
type = "canary"
percent = 25
wait_time = "90s"
`

func TestParseFullManifest(t *testing.T) {
	m, err := Parse([]byte(fullManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.App.Name != "shop-api" || m.App.Version != "1.4.0" {
		t.Errorf("unexpected app section: %+v", m.App)
	}
	if m.Build.Command != "make build" {
		t.Errorf("unexpected build command %q", m.Build.Command)
	}
	if m.RunPort() != 3000 {
		t.Errorf("RunPort() = %d, want 3000", m.RunPort())
	}
	if m.Web.Domain != "shop.example.com" {
		t.Errorf("unexpected domain %q", m.Web.Domain)
	}
	if m.HealthTimeout() != 10*time.Second {
		t.Errorf("HealthTimeout() = %v, want 10s", m.HealthTimeout())
	}
	if m.IsolationType() != IsolationSystemd {
		t.Errorf("IsolationType() = %q, want systemd", m.IsolationType())
	}
	if m.StrategyPercent() != 25 {
		t.Errorf("StrategyPercent() = %d, want 25", m.StrategyPercent())
	}
	if m.StrategyWait() != 90*time.Second {
		t.Errorf("StrategyWait() = %v, want 90s", m.StrategyWait())
	}
}

func TestParseMinimalManifest(t *testing.T) {
	m, err := Parse([]byte("[app]\nname = \"blog\"\nversion = \"0.1.0\"\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.IsolationType() != IsolationNone {
		t.Errorf("IsolationType() = %q, want none", m.IsolationType())
	}
	if m.HealthTimeout() != DefaultHealthTimeout {
		t.Errorf("HealthTimeout() = %v, want default", m.HealthTimeout())
	}
	if m.WebRoot() != DefaultWebRoot {
		t.Errorf("WebRoot() = %q, want %q", m.WebRoot(), DefaultWebRoot)
	}
	if m.RunPort() != 0 {
		t.Errorf("RunPort() = %d, want 0", m.RunPort())
	}
}

func TestParseRejectsInvalidManifests(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing name", "[app]\nversion = \"1.0\"\n"},
		{"missing version", "[app]\nname = \"a\"\n"},
		{"name with slash", "[app]\nname = \"a/b\"\nversion = \"1.0\"\n"},
		{"name with tilde", "[app]\nname = \"a~canary\"\nversion = \"1.0\"\n"},
		{"name starting with dash", "[app]\nname = \"-a\"\nversion = \"1.0\"\n"},
		{"empty build command", "[app]\nname = \"a\"\nversion = \"1.0\"\n[build]\ncommand = \"\"\n"},
		{"empty run command", "[app]\nname = \"a\"\nversion = \"1.0\"\n[run]\ncommand = \"\"\n"},
		{"bad port", "[app]\nname = \"a\"\nversion = \"1.0\"\n[run]\ncommand = \"x\"\nport = 70000\n"},
		{"web without domain", "[app]\nname = \"a\"\nversion = \"1.0\"\n[web]\nroot = \"public\"\n"},
		{"health without url", "[app]\nname = \"a\"\nversion = \"1.0\"\n[health]\ntimeout = 5\n"},
		{"unknown isolation", "[app]\nname = \"a\"\nversion = \"1.0\"\n[isolation]\ntype = \"jail\"\n"},
		{"unknown database", "[app]\nname = \"a\"\nversion = \"1.0\"\n[database]\ntype = \"oracle\"\n"},
		{"unknown storage", "[app]\nname = \"a\"\nversion = \"1.0\"\n[storage]\ntype = \"gcs\"\n"},
		{"unknown strategy", "[app]\nname = \"a\"\nversion = \"1.0\"\n[strategy]\ntype = \"yolo\"\n"},
		{"strategy percent out of range", "[app]\nname = \"a\"\nversion = \"1.0\"\n[strategy]\ntype = \"canary\"\npercent = 150\n"},
		{"bad strategy wait", "[app]\nname = \"a\"\nversion = \"1.0\"\n[strategy]\ntype = \"canary\"\nwait_time = \"soon\"\n"},
		{"bad secret reference", "[app]\nname = \"a\"\nversion = \"1.0\"\n[secrets]\nAPI_KEY = \"vault:foo\"\n"},
		{"not toml at all", "{\"app\": {}}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("Parse accepted an invalid manifest")
			}
			if !errors.Is(err, model.ErrManifest) {
				t.Errorf("error %v is not ErrManifest", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	if !errors.Is(err, model.ErrManifest) {
		t.Fatalf("Load() error = %v, want ErrManifest", err)
	}
}

func TestLoadReadsFromDir(t *testing.T) {
	dir := t.TempDir()
	doc := "[app]\nname = \"site\"\nversion = \"2.0\"\n[web]\ndomain = \"site.test\"\nroot = \"public\"\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.WebRoot() != "public" {
		t.Errorf("WebRoot() = %q, want public", m.WebRoot())
	}
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("SPARK_TEST_API_KEY", "hunter2")
	m, err := Parse([]byte("[app]\nname = \"a\"\nversion = \"1.0\"\n[secrets]\nAPI_KEY = \"env:SPARK_TEST_API_KEY\"\nMISSING = \"env:SPARK_TEST_UNSET\"\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	got := m.ResolveSecrets()
	if got["API_KEY"] != "hunter2" {
		t.Errorf("API_KEY = %q, want hunter2", got["API_KEY"])
	}
	if got["MISSING"] != "" {
		t.Errorf("MISSING = %q, want empty", got["MISSING"])
	}
}

func TestCommandTimeout(t *testing.T) {
	m, err := Parse([]byte("[app]\nname = \"a\"\nversion = \"1.0\"\n[resource_limits]\ntimeout = \"2m\"\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := m.CommandTimeout(5 * time.Minute); got != 2*time.Minute {
		t.Errorf("CommandTimeout() = %v, want 2m", got)
	}
	m2, _ := Parse([]byte("[app]\nname = \"a\"\nversion = \"1.0\"\n"))
	if got := m2.CommandTimeout(5 * time.Minute); got != 5*time.Minute {
		t.Errorf("CommandTimeout() fallback = %v, want 5m", got)
	}
}
