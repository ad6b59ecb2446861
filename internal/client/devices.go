// Package client implements the operator side of the control channel: the
// device registry kept on the operator machine and the connection logic the
// CLI commands share.
package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"
)

// DevicesFileName is the registry file under the operator config directory.
const DevicesFileName = "devices.yaml"

// Device is one paired daemon in the registry. The token is stored in the
// clear on the operator machine; the daemon keeps only a hash.
type Device struct {
	Name  string `yaml:"name"`
	Addr  string `yaml:"addr"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
	ID    string `yaml:"id,omitempty"`
}

// Registry is the persisted set of paired devices.
type Registry struct {
	path    string
	Devices []Device `yaml:"devices"`
}

// DefaultRegistryPath returns the per-user registry location.
func DefaultRegistryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".spark", DevicesFileName), nil
}

// LoadRegistry reads the registry at path; a missing file yields an empty
// registry.
func LoadRegistry(path string) (*Registry, error) {
	reg := &Registry{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return reg, nil
}

// Save writes the registry back with owner-only permissions, since it holds
// tokens.
func (r *Registry) Save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode device registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", r.path, err)
	}
	return nil
}

// Get looks a device up by name.
func (r *Registry) Get(name string) (Device, bool) {
	for _, d := range r.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// Put inserts or replaces a device by name.
func (r *Registry) Put(dev Device) {
	for i, d := range r.Devices {
		if d.Name == dev.Name {
			r.Devices[i] = dev
			return
		}
	}
	r.Devices = append(r.Devices, dev)
	sort.Slice(r.Devices, func(i, j int) bool { return r.Devices[i].Name < r.Devices[j].Name })
}

// Remove deletes a device by name, reporting whether it existed.
func (r *Registry) Remove(name string) bool {
	for i, d := range r.Devices {
		if d.Name == name {
			r.Devices = append(r.Devices[:i], r.Devices[i+1:]...)
			return true
		}
	}
	return false
}
