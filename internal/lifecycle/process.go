package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/healwatch/pkg/models"
)

// ErrNoProcess is returned when the target process no longer exists
var ErrNoProcess = errors.New("no such process")

// ProcessControl is the OS primitive the controller drives: spawning,
// suspend/continue signals and liveness polling.
type ProcessControl interface {
	// Start spawns the worker's command and returns its PID
	Start(ctx context.Context, w models.Worker) (int, error)
	// Suspend freezes the process without terminating it (SIGSTOP)
	Suspend(pid int) error
	// Resume continues a suspended process (SIGCONT)
	Resume(pid int) error
	// Terminate asks the process to exit, killing it after grace
	Terminate(pid int, grace time.Duration) error
	// Alive reports whether the process still exists and is not a zombie
	Alive(pid int) (bool, error)
	// Suspended reports whether the kernel has the process in stopped state
	Suspended(pid int) (bool, error)
}
