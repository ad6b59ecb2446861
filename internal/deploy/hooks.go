package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"sparkle/pkg/log"
)

// defaultHookTimeout bounds hook and build commands when the manifest sets
// no resource_limits.timeout.
const defaultHookTimeout = 5 * time.Minute

// runHook executes a deploy hook through "sh -c" in dir. The hook's
// combined output is returned in the error on failure.
func runHook(ctx context.Context, name, command, dir string, timeout time.Duration) error {
	if command == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info("Running hook", "hook", name, "command", command)
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s hook failed: %v\n%s", name, err, out.String())
	}
	return nil
}
