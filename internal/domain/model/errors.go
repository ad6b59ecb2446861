package model

import "errors"

// Error taxonomy for the deployment engine. Handlers match these with
// errors.Is to choose the response code; everything else maps to an
// internal error. Failures before activation abort with no state change;
// failures at or after activation trigger the automatic rollback path.
var (
	// ErrAuth is returned for a bad or missing token, before any side effect.
	ErrAuth = errors.New("authentication failed")
	// ErrManifest is returned for a missing or malformed spark.toml.
	ErrManifest = errors.New("invalid manifest")
	// ErrExtract is returned for a corrupt or incompatible bundle.
	ErrExtract = errors.New("bundle extraction failed")
	// ErrBuild is returned when the build command exits non-zero.
	ErrBuild = errors.New("build failed")
	// ErrProvision is returned when database or storage provisioning fails.
	ErrProvision = errors.New("provisioning failed")
	// ErrHealthTimeout is returned when the health check never succeeds
	// within its timeout.
	ErrHealthTimeout = errors.New("health check timed out")
	// ErrSpawn is returned when the application process cannot be started.
	ErrSpawn = errors.New("process spawn failed")
	// ErrRollback is returned when no prior version exists to roll back to.
	ErrRollback = errors.New("no previous version to roll back to")
	// ErrNotFound is returned for an unknown application.
	ErrNotFound = errors.New("application not found")
	// ErrBusy is returned when another mutating operation is already in
	// flight for the same application.
	ErrBusy = errors.New("operation already in progress")
)
