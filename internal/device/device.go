// Package device collects the hardware and capability facts reported during
// a sync.
package device

import (
	"bufio"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Info is the device inventory returned to the operator.
type Info struct {
	ID          string
	OS          string
	Arch        string
	CPUCores    int
	MemoryBytes uint64
	Docker      bool
}

var dockerOnce struct {
	sync.Once
	ok bool
}

// Collect gathers the current device facts. The machine id comes from the
// given file, generated on first use so it survives re-pairing.
func Collect(idPath string) Info {
	return Info{
		ID:          machineID(idPath),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUCores:    runtime.NumCPU(),
		MemoryBytes: totalMemory(),
		Docker:      DockerAvailable(),
	}
}

// DockerAvailable reports whether a working docker daemon is reachable. The
// probe runs once per process.
func DockerAvailable() bool {
	dockerOnce.Do(func() {
		if _, err := exec.LookPath("docker"); err != nil {
			return
		}
		dockerOnce.ok = exec.Command("docker", "version", "--format", "{{.Server.Version}}").Run() == nil
	})
	return dockerOnce.ok
}

func machineID(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	os.WriteFile(path, []byte(id+"\n"), 0o644)
	return id
}

// totalMemory reads MemTotal from /proc/meminfo, in bytes. Zero on
// non-Linux systems.
func totalMemory() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
