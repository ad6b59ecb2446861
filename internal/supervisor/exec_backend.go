package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"sparkle/internal/domain/model"
	"sparkle/internal/manifest"
	"sparkle/pkg/log"
)

// terminateGrace is how long a process gets to exit after SIGTERM before
// the whole group is killed.
const terminateGrace = 5 * time.Second

// execBackend runs processes as direct children of the daemon. The none,
// systemd and chroot isolation types differ only in the argv wrapper they
// put around "sh -c <command>".
type execBackend struct {
	isolation string

	mu    sync.Mutex
	procs map[int]*execProc
}

type execProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewExecBackend returns the backend for one of the exec-based isolation
// types: manifest.IsolationNone, manifest.IsolationSystemd or
// manifest.IsolationChroot.
func NewExecBackend(isolation string) Backend {
	return &execBackend{
		isolation: isolation,
		procs:     make(map[int]*execProc),
	}
}

// buildCmd wraps the command for the isolation type. The spawned process
// must outlive the request that started it, so no context is attached.
func (b *execBackend) buildCmd(spec SpawnSpec) *exec.Cmd {
	switch b.isolation {
	case manifest.IsolationSystemd:
		// A transient scope keeps the process under systemd's supervision
		// while the daemon still holds the pid of the unit leader.
		cmd := exec.Command("systemd-run", "--user", "--scope", "--collect",
			"sh", "-c", spec.Command)
		cmd.Dir = spec.Dir
		return cmd
	case manifest.IsolationChroot:
		return exec.Command("chroot", spec.Dir, "sh", "-c", spec.Command)
	default:
		cmd := exec.Command("sh", "-c", spec.Command)
		cmd.Dir = spec.Dir
		return cmd
	}
}

// Spawn implements Backend.
func (b *execBackend) Spawn(ctx context.Context, spec SpawnSpec) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cmd := b.buildCmd(spec)
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group so Terminate can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrSpawn, err)
	}
	pid := cmd.Process.Pid

	proc := &execProc{cmd: cmd, done: make(chan struct{})}
	b.mu.Lock()
	b.procs[pid] = proc
	b.mu.Unlock()

	// Reap the child so it never lingers as a zombie; closing done is what
	// IsAlive observes.
	go func() {
		err := cmd.Wait()
		close(proc.done)
		if err != nil {
			log.Debug("Process exited", "pid", pid, "error", err)
		}
	}()

	return pid, nil
}

// Terminate implements Backend.
func (b *execBackend) Terminate(pid int) error {
	b.mu.Lock()
	proc, ok := b.procs[pid]
	b.mu.Unlock()

	// Signal the process group; fall back to the single pid for processes
	// adopted from a previous daemon run.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			if err == syscall.ESRCH {
				return nil // already gone
			}
			return fmt.Errorf("failed to signal pid %d: %w", pid, err)
		}
	}

	if ok {
		select {
		case <-proc.done:
		case <-time.After(terminateGrace):
			syscall.Kill(-pid, syscall.SIGKILL)
			<-proc.done
		}
		b.mu.Lock()
		delete(b.procs, pid)
		b.mu.Unlock()
		return nil
	}

	// No handle: poll until the pid disappears or the grace period ends.
	deadline := time.Now().Add(terminateGrace)
	for time.Now().Before(deadline) {
		if !b.IsAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	syscall.Kill(-pid, syscall.SIGKILL)
	return nil
}

// IsAlive implements Backend.
func (b *execBackend) IsAlive(pid int) bool {
	b.mu.Lock()
	proc, ok := b.procs[pid]
	b.mu.Unlock()
	if ok {
		select {
		case <-proc.done:
			return false
		default:
			return true
		}
	}
	// Processes inherited from a previous daemon run have no handle; signal
	// 0 only checks existence.
	return syscall.Kill(pid, 0) == nil
}
