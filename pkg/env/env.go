// Package env writes .env files. The supervisor drops the resolved
// environment of every spawned process next to its version directory so
// hooks can source it and operators can inspect it.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Save writes the key/value pairs to path in .env format, overwriting any
// existing file. Keys are sorted so repeated writes diff cleanly. Values
// containing whitespace, quotes or '#' are quoted with internal quotes and
// backslashes escaped.
func Save(path string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create env directory: %w", err)
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := vars[k]
		if strings.ContainsAny(v, " \t\n\r\"#") {
			v = strings.ReplaceAll(v, `\`, `\\`)
			v = strings.ReplaceAll(v, `"`, `\"`)
			v = `"` + v + `"`
		}
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write env file %s: %w", path, err)
	}
	return nil
}
