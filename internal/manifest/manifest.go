// Package manifest parses and validates spark.toml, the per-application
// deployment manifest shipped at the root of every bundle. A manifest is
// parsed once per version at deploy time and is immutable afterwards.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"sparkle/internal/domain/model"
)

// FileName is the manifest file expected at the bundle root.
const FileName = "spark.toml"

// nameRe restricts app names to filesystem- and shell-safe characters.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Isolation backend identifiers accepted by [isolation].type.
const (
	IsolationNone    = "none"
	IsolationSystemd = "systemd"
	IsolationChroot  = "chroot"
	IsolationDocker  = "docker"
)

// Deployment strategy identifiers accepted by [strategy].type.
const (
	StrategyCanary    = "canary"
	StrategyBlueGreen = "bluegreen"
	StrategyRolling   = "rolling"
)

// Defaults applied to absent optional fields.
const (
	DefaultHealthTimeout   = 30 * time.Second
	DefaultStrategyPercent = 10
	DefaultStrategyWait    = 60 * time.Second
	DefaultWebRoot         = "."
)

// Manifest is the typed, validated view of spark.toml. Only [app] is
// mandatory; nil section pointers mean the section was absent.
type Manifest struct {
	App            App               `toml:"app"`
	Build          *Build            `toml:"build"`
	Run            *Run              `toml:"run"`
	Env            map[string]string `toml:"env"`
	Web            *Web              `toml:"web"`
	Health         *Health           `toml:"health"`
	AutoHealth     bool              `toml:"auto_health"`
	Isolation      *Isolation        `toml:"isolation"`
	Database       *Database         `toml:"database"`
	Storage        *Storage          `toml:"storage"`
	Hooks          *Hooks            `toml:"hooks"`
	Notify         *Notify           `toml:"notify"`
	Secrets        map[string]string `toml:"secrets"`
	ResourceLimits *ResourceLimits   `toml:"resource_limits"`
	Metrics        *Metrics          `toml:"metrics"`
	Strategy       *Strategy         `toml:"strategy"`
}

type App struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

type Build struct {
	Command string `toml:"command"`
}

type Run struct {
	Command string `toml:"command"`
	Port    int    `toml:"port"`
}

type Web struct {
	Domain string `toml:"domain"`
	Root   string `toml:"root"`
}

type Health struct {
	Url     string `toml:"url"`
	Timeout int    `toml:"timeout"` // seconds
}

type Isolation struct {
	Type string `toml:"type"`
}

type Database struct {
	Type     string `toml:"type"`
	Name     string `toml:"name"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Port     int    `toml:"port"`
	Preseed  string `toml:"preseed"`
}

type Storage struct {
	Type      string `toml:"type"`
	Bucket    string `toml:"bucket"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

type Hooks struct {
	PreDeploy  string `toml:"pre_deploy"`
	PostDeploy string `toml:"post_deploy"`
}

type Notify struct {
	OnSuccess []string `toml:"on_success"`
	OnFail    []string `toml:"on_fail"`
}

type ResourceLimits struct {
	Memory  string `toml:"memory"`  // e.g. "256m"
	CPU     string `toml:"cpu"`     // e.g. "0.5"
	Timeout string `toml:"timeout"` // build/hook timeout, e.g. "5m"
}

// Metrics is parsed and retained for operator tooling; delivery to a push
// gateway is outside the deployment engine.
type Metrics struct {
	Pushgateway string   `toml:"pushgateway"`
	Collect     []string `toml:"collect"`
}

type Strategy struct {
	Type     string `toml:"type"`
	Percent  int    `toml:"percent"`
	WaitTime string `toml:"wait_time"` // duration, e.g. "90s"
}

// Load reads and validates the manifest at the root of dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s missing: %v", model.ErrManifest, FileName, err)
	}
	return Parse(data)
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrManifest, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.App.Name == "" {
		return fieldErr("app.name", "is required")
	}
	if !nameRe.MatchString(m.App.Name) {
		return fieldErr("app.name", "must contain only letters, digits, '-' and '_'")
	}
	if m.App.Version == "" {
		return fieldErr("app.version", "is required")
	}
	if m.Build != nil && m.Build.Command == "" {
		return fieldErr("build.command", "is required when [build] is present")
	}
	if m.Run != nil && m.Run.Command == "" {
		return fieldErr("run.command", "is required when [run] is present")
	}
	if m.Run != nil && (m.Run.Port < 0 || m.Run.Port > 65535) {
		return fieldErr("run.port", "must be a valid port number")
	}
	if m.Web != nil && m.Web.Domain == "" {
		return fieldErr("web.domain", "is required when [web] is present")
	}
	if m.Health != nil && m.Health.Url == "" {
		return fieldErr("health.url", "is required when [health] is present")
	}
	if m.Health != nil && m.Health.Timeout < 0 {
		return fieldErr("health.timeout", "must not be negative")
	}
	if m.Isolation != nil {
		switch m.Isolation.Type {
		case IsolationNone, IsolationSystemd, IsolationChroot, IsolationDocker:
		default:
			return fieldErr("isolation.type", fmt.Sprintf("unsupported backend %q", m.Isolation.Type))
		}
	}
	if m.Database != nil {
		switch m.Database.Type {
		case "postgres", "mysql", "sqlite":
		default:
			return fieldErr("database.type", fmt.Sprintf("unsupported database %q", m.Database.Type))
		}
	}
	if m.Storage != nil {
		switch m.Storage.Type {
		case "minio", "s3":
		default:
			return fieldErr("storage.type", fmt.Sprintf("unsupported storage %q", m.Storage.Type))
		}
	}
	if m.Strategy != nil {
		switch m.Strategy.Type {
		case StrategyCanary, StrategyBlueGreen, StrategyRolling:
		default:
			return fieldErr("strategy.type", fmt.Sprintf("unsupported strategy %q", m.Strategy.Type))
		}
		if m.Strategy.Percent < 0 || m.Strategy.Percent > 100 {
			return fieldErr("strategy.percent", "must be between 0 and 100")
		}
		if m.Strategy.WaitTime != "" {
			if _, err := time.ParseDuration(m.Strategy.WaitTime); err != nil {
				return fieldErr("strategy.wait_time", "must be a duration such as \"90s\"")
			}
		}
	}
	for key, ref := range m.Secrets {
		if !strings.HasPrefix(ref, "env:") || len(ref) <= len("env:") {
			return fieldErr("secrets."+key, `must reference a daemon environment variable as "env:VAR"`)
		}
	}
	if m.ResourceLimits != nil && m.ResourceLimits.Timeout != "" {
		if _, err := time.ParseDuration(m.ResourceLimits.Timeout); err != nil {
			return fieldErr("resource_limits.timeout", "must be a duration such as \"5m\"")
		}
	}
	return nil
}

func fieldErr(field, msg string) error {
	return fmt.Errorf("%w: %s %s", model.ErrManifest, field, msg)
}

// IsolationType returns the configured isolation backend, defaulting to
// "none".
func (m *Manifest) IsolationType() string {
	if m.Isolation == nil || m.Isolation.Type == "" {
		return IsolationNone
	}
	return m.Isolation.Type
}

// WebRoot returns the static root relative to the version directory.
func (m *Manifest) WebRoot() string {
	if m.Web == nil || m.Web.Root == "" {
		return DefaultWebRoot
	}
	return m.Web.Root
}

// HealthTimeout returns the configured health-check timeout.
func (m *Manifest) HealthTimeout() time.Duration {
	if m.Health == nil || m.Health.Timeout <= 0 {
		return DefaultHealthTimeout
	}
	return time.Duration(m.Health.Timeout) * time.Second
}

// RunPort returns run.port or zero when no [run] section exists.
func (m *Manifest) RunPort() int {
	if m.Run == nil {
		return 0
	}
	return m.Run.Port
}

// StrategyPercent returns the traffic share (0-100) directed at the new
// instance during the strategy window.
func (m *Manifest) StrategyPercent() int {
	if m.Strategy == nil || m.Strategy.Percent == 0 {
		return DefaultStrategyPercent
	}
	return m.Strategy.Percent
}

// StrategyWait returns the length of the strategy window.
func (m *Manifest) StrategyWait() time.Duration {
	if m.Strategy == nil || m.Strategy.WaitTime == "" {
		return DefaultStrategyWait
	}
	d, err := time.ParseDuration(m.Strategy.WaitTime)
	if err != nil {
		return DefaultStrategyWait
	}
	return d
}

// CommandTimeout returns resource_limits.timeout or the given fallback. It
// bounds build commands and hooks.
func (m *Manifest) CommandTimeout(fallback time.Duration) time.Duration {
	if m.ResourceLimits == nil || m.ResourceLimits.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(m.ResourceLimits.Timeout)
	if err != nil {
		return fallback
	}
	return d
}

// ResolveSecrets maps each secrets entry to its value from the daemon
// environment, returned as KEY=value pairs. Unset variables resolve to an
// empty value; validation already guaranteed the "env:" prefix.
func (m *Manifest) ResolveSecrets() map[string]string {
	if len(m.Secrets) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.Secrets))
	for key, ref := range m.Secrets {
		out[key] = os.Getenv(strings.TrimPrefix(ref, "env:"))
	}
	return out
}
