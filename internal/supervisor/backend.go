// Package supervisor spawns, stops and tracks application processes through
// a pluggable isolation backend, and owns every application's runtime state.
package supervisor

import (
	"context"

	"sparkle/internal/manifest"
)

// SpawnSpec describes one process to start.
type SpawnSpec struct {
	// Command is executed through "sh -c".
	Command string
	// Dir is the working directory (the active version directory).
	Dir string
	// Env holds extra KEY=value pairs appended to the daemon environment.
	Env []string
	// Limits are applied where the backend supports them (docker).
	Limits *manifest.ResourceLimits
}

// Backend is the capability set every isolation mechanism implements. The
// chosen backend must honor the same contract regardless of how it confines
// the process.
type Backend interface {
	// Spawn starts the process and returns its pid.
	Spawn(ctx context.Context, spec SpawnSpec) (int, error)
	// Terminate stops the process, escalating if it ignores the first
	// signal.
	Terminate(pid int) error
	// IsAlive reports whether the process is still running.
	IsAlive(pid int) bool
}
