// Package lifecycle suspends, resumes, stops and (re)launches supervised
// workers and keeps the registry's run-state in step with the OS.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/internal/registry"
	"github.com/psantana5/healwatch/pkg/models"
)

var (
	// ErrPartialPause is matched by a PartialFailureError from PauseAll
	ErrPartialPause = errors.New("partial pause failure")
	// ErrPartialResume is matched by a PartialFailureError from ResumeAll
	ErrPartialResume = errors.New("partial resume failure")

	errAckTimeout = errors.New("acknowledgement timeout")
)

// PartialFailureError names the workers that did not transition
type PartialFailureError struct {
	Op      string // "pause" or "resume"
	Workers []string
	Causes  map[string]error
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Workers))
	for _, name := range e.Workers {
		if cause := e.Causes[name]; cause != nil {
			parts = append(parts, fmt.Sprintf("%s (%v)", name, cause))
		} else {
			parts = append(parts, name)
		}
	}
	return fmt.Sprintf("%s failed for %d worker(s): %s", e.Op, len(e.Workers), strings.Join(parts, ", "))
}

func (e *PartialFailureError) Unwrap() error {
	if e.Op == "resume" {
		return ErrPartialResume
	}
	return ErrPartialPause
}

// CrashReporter receives workers that died or had to be terminated while
// the controller was driving them
type CrashReporter interface {
	ReportCrash(w models.Worker, reason string)
}

// Config holds controller timings
type Config struct {
	AckTimeout   time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StopGrace    time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	Probation    time.Duration `mapstructure:"probation" yaml:"probation"`
}

// DefaultConfig returns the default controller timings
func DefaultConfig() Config {
	return Config{
		AckTimeout:   3 * time.Second,
		PollInterval: 50 * time.Millisecond,
		StopGrace:    5 * time.Second,
		Probation:    2 * time.Second,
	}
}

// Controller is the only writer of worker run-state
type Controller struct {
	mu       sync.Mutex
	reg      *registry.Registry
	proc     ProcessControl
	cfg      Config
	logger   *logging.Logger
	reporter CrashReporter
}

// NewController creates a lifecycle controller
func NewController(reg *registry.Registry, proc ProcessControl, cfg Config, logger *logging.Logger) *Controller {
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if cfg.Probation < 0 {
		cfg.Probation = 0
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Controller{
		reg:    reg,
		proc:   proc,
		cfg:    cfg,
		logger: logger.Component("lifecycle"),
	}
}

// SetCrashReporter sets where unacknowledged or vanished workers are reported
func (c *Controller) SetCrashReporter(r CrashReporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reporter = r
}

// PauseAll suspends every Running worker. Already paused and stopped workers
// are left alone, so a second call is a no-op.
func (c *Controller) PauseAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := &PartialFailureError{Op: "pause", Causes: make(map[string]error)}
	paused := 0

	for _, w := range c.reg.Snapshot() {
		if w.State != models.RunStateRunning {
			continue
		}

		err := c.suspend(ctx, w.PID)
		switch {
		case err == nil:
			if err := c.reg.SetState(w.Name, models.RunStatePaused); err != nil {
				failed.add(w.Name, err)
				continue
			}
			paused++
		case errors.Is(err, ErrNoProcess):
			c.crashed(w, "exited before it could be paused")
		case errors.Is(err, errAckTimeout):
			c.logger.Warn("Worker did not acknowledge suspension, terminating", map[string]interface{}{
				"worker": w.Name,
				"pid":    w.PID,
			})
			if terr := c.proc.Terminate(w.PID, c.cfg.StopGrace); terr != nil {
				c.logger.Error("Failed to terminate unresponsive worker", map[string]interface{}{
					"worker": w.Name,
					"error":  terr.Error(),
				})
			}
			c.crashed(w, fmt.Sprintf("did not acknowledge suspension within %s", c.cfg.AckTimeout))
		default:
			failed.add(w.Name, err)
		}
	}

	if len(failed.Workers) > 0 {
		c.logger.Error("Pause incomplete", map[string]interface{}{"workers": failed.Workers})
		return failed
	}
	if paused > 0 {
		c.logger.Info("Workers paused", map[string]interface{}{"count": paused})
	}
	return nil
}

// ResumeAll continues every Paused worker. Running and stopped workers are
// left alone.
func (c *Controller) ResumeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := &PartialFailureError{Op: "resume", Causes: make(map[string]error)}
	resumed := 0

	for _, w := range c.reg.Snapshot() {
		if w.State != models.RunStatePaused {
			continue
		}

		err := c.resume(ctx, w.PID)
		switch {
		case err == nil:
			if err := c.reg.SetState(w.Name, models.RunStateRunning); err != nil {
				failed.add(w.Name, err)
				continue
			}
			resumed++
		case errors.Is(err, ErrNoProcess):
			c.crashed(w, "exited while paused")
		default:
			failed.add(w.Name, err)
		}
	}

	if len(failed.Workers) > 0 {
		c.logger.Error("Resume incomplete", map[string]interface{}{"workers": failed.Workers})
		return failed
	}
	if resumed > 0 {
		c.logger.Info("Workers resumed", map[string]interface{}{"count": resumed})
	}
	return nil
}

// Stop terminates one worker and marks it Stopped
func (c *Controller) Stop(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop(ctx, name)
}

// StopAll terminates every worker that is not already stopped
func (c *Controller) StopAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, w := range c.reg.Snapshot() {
		if w.State == models.RunStateStopped {
			continue
		}
		if err := c.stop(ctx, w.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Launch starts a registered worker and marks it Running
func (c *Controller) Launch(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	if w.State != models.RunStateStopped {
		if alive, _ := c.proc.Alive(w.PID); alive {
			return fmt.Errorf("worker %s is already %s", name, w.State)
		}
	}

	if err := c.start(ctx, w); err != nil {
		return err
	}
	return c.reg.SetState(name, models.RunStateRunning)
}

// Relaunch restarts a worker to verify a fix: it must survive the probation
// window, after which it is suspended and left Paused so nothing runs until
// the supervisor resumes the system.
func (c *Controller) Relaunch(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	if alive, _ := c.proc.Alive(w.PID); alive {
		if err := c.proc.Terminate(w.PID, c.cfg.StopGrace); err != nil {
			return fmt.Errorf("terminate previous %s: %w", name, err)
		}
	}
	if err := c.reg.MarkCrashed(name); err != nil {
		return err
	}

	if err := c.start(ctx, w); err != nil {
		return err
	}
	w, _ = c.reg.Get(name)

	if c.cfg.Probation > 0 {
		timer := time.NewTimer(c.cfg.Probation)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = c.proc.Terminate(w.PID, c.cfg.StopGrace)
			return ctx.Err()
		case <-timer.C:
		}
	}

	alive, err := c.proc.Alive(w.PID)
	if err != nil {
		return fmt.Errorf("check %s after relaunch: %w", name, err)
	}
	if !alive {
		return fmt.Errorf("worker %s exited within %s of relaunch", name, c.cfg.Probation)
	}

	if err := c.suspend(ctx, w.PID); err != nil {
		_ = c.proc.Terminate(w.PID, c.cfg.StopGrace)
		return fmt.Errorf("suspend relaunched %s: %w", name, err)
	}
	if err := c.reg.SetState(name, models.RunStatePaused); err != nil {
		return err
	}

	c.logger.Info("Worker relaunched and held paused", map[string]interface{}{
		"worker": name,
		"pid":    w.PID,
	})
	return nil
}

// MarkCrashed records that a worker is no longer running
func (c *Controller) MarkCrashed(name string) error {
	return c.reg.MarkCrashed(name)
}

func (c *Controller) start(ctx context.Context, w models.Worker) error {
	pid, err := c.proc.Start(ctx, w)
	if err != nil {
		return fmt.Errorf("launch %s: %w", w.Name, err)
	}
	if err := c.reg.SetHandle(w.Name, pid, time.Now()); err != nil {
		return err
	}
	c.logger.Info("Worker started", map[string]interface{}{
		"worker": w.Name,
		"pid":    pid,
	})
	return nil
}

func (c *Controller) stop(ctx context.Context, name string) error {
	w, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	if w.State == models.RunStateStopped {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.proc.Terminate(w.PID, c.cfg.StopGrace); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	if err := c.reg.SetState(name, models.RunStateStopped); err != nil {
		return err
	}
	c.logger.Info("Worker stopped", map[string]interface{}{"worker": name})
	return nil
}

// suspend signals pid and waits for the kernel to report it stopped
func (c *Controller) suspend(ctx context.Context, pid int) error {
	if err := c.proc.Suspend(pid); err != nil {
		return err
	}
	return c.await(ctx, pid, true)
}

// resume signals pid and waits for it to leave the stopped state
func (c *Controller) resume(ctx context.Context, pid int) error {
	if err := c.proc.Resume(pid); err != nil {
		return err
	}
	return c.await(ctx, pid, false)
}

func (c *Controller) await(ctx context.Context, pid int, wantSuspended bool) error {
	deadline := time.Now().Add(c.cfg.AckTimeout)
	for {
		alive, err := c.proc.Alive(pid)
		if err == nil && !alive {
			return fmt.Errorf("%w: PID %d", ErrNoProcess, pid)
		}
		suspended, err := c.proc.Suspended(pid)
		if err == nil && suspended == wantSuspended {
			return nil
		}
		if errors.Is(err, ErrNoProcess) {
			return err
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", errAckTimeout, c.cfg.AckTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Controller) crashed(w models.Worker, reason string) {
	if err := c.reg.MarkCrashed(w.Name); err != nil {
		c.logger.Error("Failed to mark worker crashed", map[string]interface{}{
			"worker": w.Name,
			"error":  err.Error(),
		})
	}
	c.logger.Warn("Worker lost", map[string]interface{}{
		"worker": w.Name,
		"reason": reason,
	})
	if c.reporter != nil {
		w.State = models.RunStateStopped
		c.reporter.ReportCrash(w, reason)
	}
}

func (e *PartialFailureError) add(name string, cause error) {
	e.Workers = append(e.Workers, name)
	sort.Strings(e.Workers)
	e.Causes[name] = cause
}
