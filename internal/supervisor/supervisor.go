// Package supervisor drives the system: it starts the detector, hands the
// highest-priority fault to the correction workflow one at a time, and
// decides after each disposition whether workers may resume.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/healwatch/internal/faultq"
	"github.com/psantana5/healwatch/internal/history"
	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/internal/workflow"
	"github.com/psantana5/healwatch/pkg/models"
)

// ErrNotHeld is returned by Acknowledge when nothing awaits acknowledgement
var ErrNotHeld = errors.New("no abandoned fault awaiting acknowledgement")

// SystemState is the top-level run flag
type SystemState string

const (
	StateRunning      SystemState = "running"
	StateRemediating  SystemState = "remediating"
	StateHeld         SystemState = "held" // abandoned critical/high fault awaits acknowledgement
	StateShuttingDown SystemState = "shutting_down"
)

// Detector is the fault source the supervisor runs and releases faults on
type Detector interface {
	Run(ctx context.Context)
	Release(f models.Fault)
}

// Remediator is the correction workflow
type Remediator interface {
	Run(ctx context.Context, f models.Fault) (workflow.Result, error)
	Current() workflow.Snapshot
	Abandon(reason string) bool
}

// Lifecycle resumes and stops workers
type Lifecycle interface {
	ResumeAll(ctx context.Context) error
	Stop(ctx context.Context, name string) error
	StopAll(ctx context.Context) error
}

// Workers is the read side of the registry
type Workers interface {
	Snapshot() []models.Worker
	CountByState() map[models.RunState]int
}

// Recorder persists dispositions and acknowledgements
type Recorder interface {
	RecordDisposition(ctx context.Context, d history.Disposition) error
	Acknowledge(ctx context.Context, faultID string) error
	Unacknowledged(ctx context.Context) ([]history.Record, error)
}

// Gauges receives supervisor level metrics
type Gauges interface {
	SetQueueDepth(n int)
	SetWorkers(counts map[models.RunState]int)
	SetHeld(held bool)
	RemediationFinished(f models.Fault, outcome models.WorkflowState, took time.Duration)
}

// HealthReporter describes detector health for status output
type HealthReporter interface {
	GetHealthReport() map[string]interface{}
}

// Deps are the collaborators of a supervisor. History, Metrics and Health
// are optional.
type Deps struct {
	Workers   Workers
	Queue     *faultq.Queue
	Detector  Detector
	Workflow  Remediator
	Lifecycle Lifecycle
	History   Recorder
	Metrics   Gauges
	Health    HealthReporter
}

// Config holds supervisor timings
type Config struct {
	// PauseRetryDelay is the wait before retrying a fault whose pause failed
	PauseRetryDelay time.Duration `mapstructure:"pause_retry_delay" yaml:"pause_retry_delay"`
	// RefreshInterval is how often gauges are refreshed while idle
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	// StopWorkersOnExit terminates workers when the supervisor stops
	StopWorkersOnExit bool `mapstructure:"stop_workers_on_exit" yaml:"stop_workers_on_exit"`
}

// DefaultConfig returns the default supervisor timings
func DefaultConfig() Config {
	return Config{
		PauseRetryDelay:   2 * time.Second,
		RefreshInterval:   5 * time.Second,
		StopWorkersOnExit: true,
	}
}

// HeldFault is an abandoned critical or high fault the operator has not
// acknowledged yet
type HeldFault struct {
	Fault  models.Fault `json:"fault"`
	Reason string       `json:"reason"`
}

// Supervisor owns the run/pause/shutdown state of the system
type Supervisor struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger

	mu            sync.Mutex
	state         SystemState
	held          []HeldFault
	resumePending bool
	last          *workflow.Result
	wake          chan struct{}
	quit          chan struct{}
	quitMu        sync.Once
}

// New creates a supervisor
func New(deps Deps, cfg Config, logger *logging.Logger) (*Supervisor, error) {
	switch {
	case deps.Workers == nil:
		return nil, fmt.Errorf("supervisor: workers are required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("supervisor: fault queue is required")
	case deps.Detector == nil:
		return nil, fmt.Errorf("supervisor: detector is required")
	case deps.Workflow == nil:
		return nil, fmt.Errorf("supervisor: workflow is required")
	case deps.Lifecycle == nil:
		return nil, fmt.Errorf("supervisor: lifecycle controller is required")
	}

	def := DefaultConfig()
	if cfg.PauseRetryDelay <= 0 {
		cfg.PauseRetryDelay = def.PauseRetryDelay
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Supervisor{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Component("supervisor"),
		state:  StateRunning,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}, nil
}

// Run drives detection and remediation until ctx is cancelled or Quit is
// called. It is the only caller of the workflow.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.restoreHeld(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.deps.Detector.Run(ctx)
	}()

	refresh := time.NewTicker(s.cfg.RefreshInterval)
	defer refresh.Stop()

	s.logger.Info("Supervisor started")
	for {
		s.refreshGauges()

		if s.takeResume() {
			s.resumeIfClear(ctx)
		}
		if !s.isHeld() {
			if f, err := s.deps.Queue.Dequeue(); err == nil {
				s.remediate(ctx, f)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return s.shutdown(&wg)
		case <-s.quit:
			cancel()
			return s.shutdown(&wg)
		case <-s.deps.Queue.Ready():
		case <-s.wake:
		case <-refresh.C:
		}
	}
}

func (s *Supervisor) remediate(ctx context.Context, f models.Fault) {
	s.setState(StateRemediating)
	started := time.Now()

	res, err := s.deps.Workflow.Run(ctx, f)
	if err != nil {
		// Pause failed: the fault was not consumed and goes back to the front
		// of its severity class
		s.deps.Queue.Requeue(f)
		s.setState(StateRunning)
		s.logger.Error("Remediation could not start, retrying", map[string]interface{}{
			"fault_id": f.ID,
			"error":    err.Error(),
			"retry_in": s.cfg.PauseRetryDelay.String(),
		})
		select {
		case <-ctx.Done():
		case <-s.quit:
		case <-time.After(s.cfg.PauseRetryDelay):
		}
		return
	}

	s.finish(ctx, res, time.Since(started))
}

// finish records the disposition and applies the resume rule
func (s *Supervisor) finish(ctx context.Context, res workflow.Result, took time.Duration) {
	f := res.Fault

	s.mu.Lock()
	last := res
	s.last = &last
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RemediationFinished(f, res.State, took)
	}
	if s.deps.History != nil {
		err := s.deps.History.RecordDisposition(context.WithoutCancel(ctx), history.Disposition{
			FaultID:   f.ID,
			Outcome:   res.State,
			Reason:    res.Reason,
			Attempts:  res.Attempt.Count,
			BackupRef: res.Attempt.BackupRef,
		})
		if err != nil {
			s.logger.Error("Failed to record disposition", map[string]interface{}{
				"fault_id": f.ID,
				"error":    err.Error(),
			})
		}
	}

	if res.State == models.StateAbandoned && f.Severity >= models.SeverityHigh {
		s.mu.Lock()
		s.held = append(s.held, HeldFault{Fault: f, Reason: res.Reason})
		s.state = StateHeld
		s.mu.Unlock()
		s.logger.Error("Abandoned fault needs operator acknowledgement, workers stay paused", map[string]interface{}{
			"fault_id": f.ID,
			"severity": f.Severity.String(),
			"reason":   res.Reason,
		})
		return
	}

	s.deps.Detector.Release(f)
	s.setState(StateRunning)
	s.resumeIfClear(ctx)
}

// resumeIfClear resumes workers unless a critical or high fault is queued,
// in which case the next remediation starts with workers still paused
func (s *Supervisor) resumeIfClear(ctx context.Context) {
	if s.deps.Queue.HasAtLeast(models.SeverityHigh) {
		s.logger.Info("Critical or high fault queued, workers stay paused", map[string]interface{}{
			"queued": s.deps.Queue.Size(),
		})
		return
	}
	if err := s.deps.Lifecycle.ResumeAll(ctx); err != nil {
		s.logger.Error("Resume incomplete", map[string]interface{}{"error": err.Error()})
	}
}

// Acknowledge releases the oldest held fault. When none remain the loop
// resumes the system.
func (s *Supervisor) Acknowledge(ctx context.Context) error {
	s.mu.Lock()
	if len(s.held) == 0 {
		s.mu.Unlock()
		return ErrNotHeld
	}
	h := s.held[0]
	s.held = s.held[1:]
	remaining := len(s.held)
	if remaining == 0 {
		s.resumePending = true
		if s.state == StateHeld {
			s.state = StateRunning
		}
	}
	s.mu.Unlock()

	if s.deps.History != nil {
		if err := s.deps.History.Acknowledge(ctx, h.Fault.ID); err != nil && !errors.Is(err, history.ErrNotFound) {
			s.logger.Warn("Failed to record acknowledgement", map[string]interface{}{
				"fault_id": h.Fault.ID,
				"error":    err.Error(),
			})
		}
	}
	s.deps.Detector.Release(h.Fault)
	s.logger.Info("Abandoned fault acknowledged", map[string]interface{}{
		"fault_id":  h.Fault.ID,
		"remaining": remaining,
	})

	s.poke()
	return nil
}

// AbandonCurrent abandons the fault in remediation, if any
func (s *Supervisor) AbandonCurrent(reason string) bool {
	return s.deps.Workflow.Abandon(reason)
}

// StopWorker terminates a worker the operator gave up on. It stays Stopped:
// resumes skip it and the detector no longer probes it.
func (s *Supervisor) StopWorker(ctx context.Context, name string) error {
	if err := s.deps.Lifecycle.Stop(ctx, name); err != nil {
		return err
	}
	s.logger.Info("Worker stopped by operator", map[string]interface{}{"worker": name})
	s.refreshGauges()
	return nil
}

// Quit stops the supervisor loop, abandoning any remediation in flight
func (s *Supervisor) Quit() {
	s.quitMu.Do(func() {
		s.logger.Info("Shutdown requested")
		s.deps.Workflow.Abandon("supervisor shutting down")
		close(s.quit)
	})
}

// Done is closed once Quit has been called
func (s *Supervisor) Done() <-chan struct{} {
	return s.quit
}

// State returns the system state
func (s *Supervisor) State() SystemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) shutdown(wg *sync.WaitGroup) error {
	s.setState(StateShuttingDown)
	wg.Wait()

	if s.cfg.StopWorkersOnExit {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.deps.Lifecycle.StopAll(ctx); err != nil {
			s.logger.Error("Failed to stop workers", map[string]interface{}{"error": err.Error()})
			return fmt.Errorf("stop workers: %w", err)
		}
	}
	s.logger.Info("Supervisor stopped")
	return nil
}

// restoreHeld re-enters the held state for abandonments acknowledged by
// nobody before the last shutdown
func (s *Supervisor) restoreHeld(ctx context.Context) {
	if s.deps.History == nil {
		return
	}
	records, err := s.deps.History.Unacknowledged(ctx)
	if err != nil {
		s.logger.Warn("Could not load unacknowledged faults", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(records) == 0 {
		return
	}

	s.mu.Lock()
	for _, r := range records {
		s.held = append(s.held, HeldFault{Fault: r.Fault, Reason: r.Reason})
	}
	s.state = StateHeld
	s.mu.Unlock()
	s.logger.Warn("Unacknowledged abandoned faults from a previous run, holding", map[string]interface{}{
		"count": len(records),
	})
}

func (s *Supervisor) takeResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.resumePending
	s.resumePending = false
	return pending
}

func (s *Supervisor) isHeld() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held) > 0
}

func (s *Supervisor) setState(state SystemState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateShuttingDown {
		return
	}
	if len(s.held) > 0 && state == StateRunning {
		state = StateHeld
	}
	s.state = state
}

func (s *Supervisor) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) refreshGauges() {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.SetQueueDepth(s.deps.Queue.Size())
	s.deps.Metrics.SetWorkers(s.deps.Workers.CountByState())
	s.deps.Metrics.SetHeld(s.isHeld())
}
