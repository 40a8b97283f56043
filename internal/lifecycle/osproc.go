//go:build !windows

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/pkg/models"
)

// OSControl implements ProcessControl with POSIX signals. Workers it starts
// lead their own process group so that suspend/continue reach their
// children too, and are reaped so a dead child never reads as alive.
type OSControl struct {
	Stdout io.Writer
	Stderr io.Writer

	mu     sync.Mutex
	groups map[int]bool              // PIDs started here, each a process group leader
	exited map[int]models.ExitStatus // reaped children
	logger *logging.Logger
}

// NewOSControl creates an OS-backed process control
func NewOSControl(logger *logging.Logger) *OSControl {
	if logger == nil {
		logger = logging.Discard()
	}
	return &OSControl{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		groups: make(map[int]bool),
		exited: make(map[int]models.ExitStatus),
		logger: logger,
	}
}

// Start spawns the worker. The process is not tied to ctx: a worker must
// outlive the call that launched it.
func (c *OSControl) Start(ctx context.Context, w models.Worker) (int, error) {
	if len(w.Command) == 0 {
		return 0, fmt.Errorf("worker %s has no command", w.Name)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cmd := exec.Command(w.Command[0], w.Command[1:]...)
	cmd.Dir = w.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // New process group
		Pgid:    0,    // Process becomes its own group leader
	}
	stderr := newTailBuffer(StderrTailBytes)
	cmd.Stdout = c.Stdout
	cmd.Stderr = stderr
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.Stderr, stderr)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", w.Name, err)
	}

	pid := cmd.Process.Pid
	c.mu.Lock()
	c.groups[pid] = true
	delete(c.exited, pid)
	c.mu.Unlock()

	go func() {
		err := cmd.Wait()
		status := models.ExitStatus{Stderr: stderr.String()}
		if err != nil {
			status.Err = err.Error()
		}
		c.mu.Lock()
		c.exited[pid] = status
		delete(c.groups, pid)
		c.mu.Unlock()

		fields := map[string]interface{}{"worker": w.Name, "pid": pid}
		if err != nil {
			fields["error"] = err.Error()
		}
		c.logger.Debug("Worker process exited", fields)
	}()

	return pid, nil
}

// LastExit returns how a reaped child ended, including the tail of what it
// wrote to standard error
func (c *OSControl) LastExit(pid int) (models.ExitStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.exited[pid]
	return status, ok
}

// Suspend sends SIGSTOP
func (c *OSControl) Suspend(pid int) error {
	return c.signal(pid, syscall.SIGSTOP)
}

// Resume sends SIGCONT
func (c *OSControl) Resume(pid int) error {
	return c.signal(pid, syscall.SIGCONT)
}

// Terminate sends SIGTERM (and SIGCONT so a stopped process can act on
// it), then SIGKILL if the process is still alive after grace.
func (c *OSControl) Terminate(pid int, grace time.Duration) error {
	if err := c.signal(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, ErrNoProcess) {
			return nil
		}
		return err
	}
	_ = c.signal(pid, syscall.SIGCONT)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		alive, err := c.Alive(pid)
		if err == nil && !alive {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := c.signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, ErrNoProcess) {
		return err
	}
	return nil
}

// Alive reports whether pid exists and is not a zombie
func (c *OSControl) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	c.mu.Lock()
	_, reaped := c.exited[pid]
	c.mu.Unlock()
	if reaped {
		return false, nil
	}

	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("liveness check for PID %d: %w", pid, err)
	}
	if !exists {
		return false, nil
	}

	statuses, err := c.status(pid)
	if err != nil {
		if errors.Is(err, ErrNoProcess) {
			return false, nil
		}
		return false, err
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}

// Suspended reports whether the kernel lists pid as stopped
func (c *OSControl) Suspended(pid int) (bool, error) {
	statuses, err := c.status(pid)
	if err != nil {
		return false, err
	}
	for _, s := range statuses {
		if s == process.Stop {
			return true, nil
		}
	}
	return false, nil
}

func (c *OSControl) status(pid int) ([]string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("%w: PID %d", ErrNoProcess, pid)
	}
	statuses, err := p.Status()
	if err != nil {
		return nil, fmt.Errorf("read status of PID %d: %w", pid, err)
	}
	return statuses, nil
}

// signal delivers sig to the process group of workers started here and to
// the bare PID otherwise
func (c *OSControl) signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("%w: PID %d", ErrNoProcess, pid)
	}

	c.mu.Lock()
	group := c.groups[pid]
	c.mu.Unlock()

	target := pid
	if group {
		target = -pid
	}

	if err := syscall.Kill(target, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("%w: PID %d", ErrNoProcess, pid)
		}
		return fmt.Errorf("send %v to PID %d: %w", sig, pid, err)
	}
	return nil
}
