// Package workflow runs the correction state machine for one fault at a
// time: propose, approve, back up, apply, verify, then commit or roll back.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/healwatch/internal/backup"
	"github.com/psantana5/healwatch/internal/corrector"
	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/internal/tracing"
	"github.com/psantana5/healwatch/pkg/models"
)

var (
	// ErrCorrectorFailure marks a proposal the corrector could not produce
	ErrCorrectorFailure = errors.New("corrector failure")
	// ErrBackupFailure marks a backup that could not be taken; the artifact is untouched
	ErrBackupFailure = errors.New("backup failure")
	// ErrVerificationFailure marks an applied fix that did not hold
	ErrVerificationFailure = errors.New("verification failure")
	// ErrBusy is returned when Run is called while a fault is in remediation
	ErrBusy = errors.New("workflow is already remediating a fault")
)

// DefaultMaxAttempts bounds corrector and verification failures per fault
const DefaultMaxAttempts = 5

// Attempt results reported to observers
const (
	ResultCorrectorFailure    = "corrector_failure"
	ResultRejected            = "rejected"
	ResultVerificationFailure = "verification_failure"
	ResultVerified            = "verified"
)

// Pauser suspends every running worker
type Pauser interface {
	PauseAll(ctx context.Context) error
	MarkCrashed(name string) error
}

// Backups saves and restores artifact copies
type Backups interface {
	Save(artifact string) (string, error)
	Restore(ref, artifact string) error
}

// Observer is notified of transitions and attempt results
type Observer interface {
	StateChanged(f models.Fault, tr models.StateTransition)
	AttemptResult(f models.Fault, result string)
}

// Config holds workflow settings
type Config struct {
	MaxAttempts int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	AutoApprove bool   `mapstructure:"auto_approve" yaml:"auto_approve"`
	BackupDir   string `mapstructure:"backup_dir" yaml:"backup_dir"`
}

// DefaultConfig returns the default workflow settings
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		BackupDir:   backup.DefaultDir,
	}
}

// Result is the terminal disposition of one fault
type Result struct {
	Fault       models.Fault             `json:"fault"`
	State       models.WorkflowState     `json:"state"`
	Attempt     models.CorrectionAttempt `json:"attempt"`
	Reason      string                   `json:"reason,omitempty"`
	Transitions []models.StateTransition `json:"transitions"`
}

// Snapshot is the operator view of the workflow
type Snapshot struct {
	State       models.WorkflowState     `json:"state"`
	Fault       *models.Fault            `json:"fault,omitempty"`
	Attempt     models.CorrectionAttempt `json:"attempt"`
	Failures    int                      `json:"failures"`
	MaxAttempts int                      `json:"max_attempts"`
	LastError   string                   `json:"last_error,omitempty"`
	Transitions []models.StateTransition `json:"transitions,omitempty"`
}

// Workflow is the correction state machine. Run is called by one goroutine
// at a time; State, Current and Abandon are safe from any goroutine.
type Workflow struct {
	pauser    Pauser
	corrector corrector.Corrector
	approver  Approver
	backups   Backups
	verifier  Verifier
	cfg       Config
	logger    *logging.Logger
	tracer    trace.Tracer

	mu            sync.Mutex
	state         models.WorkflowState
	fault         *models.Fault
	attempt       models.CorrectionAttempt
	failures      int
	lastErr       string
	transitions   []models.StateTransition
	cancel        context.CancelFunc
	abandonReason string
	observers     []Observer
	spanCtx       context.Context
}

// New creates a workflow in the Idle state
func New(pauser Pauser, c corrector.Corrector, approver Approver, backups Backups, verifier Verifier, cfg Config, logger *logging.Logger) *Workflow {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if approver == nil || cfg.AutoApprove {
		approver = AutoApprove{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Workflow{
		pauser:    pauser,
		corrector: c,
		approver:  approver,
		backups:   backups,
		verifier:  verifier,
		cfg:       cfg,
		logger:    logger.Component("workflow"),
		tracer:    tracing.Tracer("healwatch/workflow"),
		state:     models.StateIdle,
	}
}

// AddObserver registers an observer
func (w *Workflow) AddObserver(o Observer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observers = append(w.observers, o)
}

// State returns the current state
func (w *Workflow) State() models.WorkflowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// MaxAttempts returns the failure bound per fault
func (w *Workflow) MaxAttempts() int {
	return w.cfg.MaxAttempts
}

// Current returns a copy of the in-flight remediation, if any
func (w *Workflow) Current() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{
		State:       w.state,
		Attempt:     w.attempt,
		Failures:    w.failures,
		MaxAttempts: w.cfg.MaxAttempts,
		LastError:   w.lastErr,
		Transitions: append([]models.StateTransition(nil), w.transitions...),
	}
	if w.fault != nil {
		f := *w.fault
		s.Fault = &f
	}
	return s
}

// Abandon moves the in-flight remediation to Abandoned from any
// non-terminal state. It returns false when nothing is in remediation.
func (w *Workflow) Abandon(reason string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil || w.state == models.StateIdle || models.IsTerminalState(w.state) {
		return false
	}
	if w.abandonReason == "" {
		if reason == "" {
			reason = "abandoned by operator"
		}
		w.abandonReason = reason
	}
	w.cancel()
	return true
}

// Run remediates f. Workers are paused first; if that fails the error is
// returned, the workflow stays Idle and the fault is not consumed.
// Otherwise Run always reaches Committed or Abandoned, returns the result,
// and leaves the workflow Idle for the next fault.
func (w *Workflow) Run(ctx context.Context, f models.Fault) (Result, error) {
	w.mu.Lock()
	if w.state != models.StateIdle {
		w.mu.Unlock()
		return Result{}, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	fault := f
	w.fault = &fault
	w.attempt = models.CorrectionAttempt{FaultID: f.ID, Count: 1, Outcome: models.OutcomePending, UpdatedAt: time.Now()}
	w.failures = 0
	w.lastErr = ""
	w.transitions = nil
	w.abandonReason = ""
	w.cancel = cancel
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.cancel = nil
		w.fault = nil
		w.spanCtx = nil
		w.mu.Unlock()
	}()

	spanCtx, span := tracing.StartRemediation(runCtx, w.tracer, f)
	w.mu.Lock()
	w.spanCtx = spanCtx
	w.mu.Unlock()

	if f.Kind == models.FaultProcessCrash {
		if err := w.pauser.MarkCrashed(f.Origin); err != nil {
			w.logger.Warn("Could not mark crashed worker", map[string]interface{}{
				"worker": f.Origin,
				"error":  err.Error(),
			})
		}
	}
	if err := w.pauser.PauseAll(spanCtx); err != nil {
		tracing.Fail(spanCtx, err)
		span.End()
		w.resetIdle()
		return Result{}, fmt.Errorf("pause workers: %w", err)
	}

	w.logger.Info("Remediation started", map[string]interface{}{
		"fault_id": f.ID,
		"kind":     string(f.Kind),
		"severity": f.Severity.String(),
		"origin":   f.Origin,
	})

	res := w.remediate(spanCtx, f)
	tracing.EndRemediation(span, res.State, res.Reason, res.Attempt.Count)

	w.transition(f, models.StateIdle, "ready for next fault")
	w.mu.Lock()
	res.Transitions = append([]models.StateTransition(nil), w.transitions...)
	w.mu.Unlock()
	return res, nil
}

func (w *Workflow) remediate(ctx context.Context, f models.Fault) Result {
	w.transition(f, models.StateAwaitingFix, "workers paused")

	path := ""
	if f.HasArtifact() {
		path = f.Artifact.Path
	}

	var feedback, prevErr string
	for {
		if reason, ok := w.stopped(ctx); ok {
			return w.abandon(f, reason)
		}

		// AwaitingFix
		current, advisory, err := readArtifact(path)
		if err != nil {
			return w.abandon(f, fmt.Sprintf("artifact unreadable: %v", err))
		}
		w.setAttempt(func(a *models.CorrectionAttempt) {
			a.Proposed = ""
			a.BackupRef = ""
			a.Outcome = models.OutcomePending
		})

		proposed, err := w.corrector.Propose(ctx, corrector.Request{
			Fault:         f,
			ArtifactPath:  path,
			Content:       current,
			PreviousError: prevErr,
			Feedback:      feedback,
			Attempt:       w.count(),
		})
		if reason, ok := w.stopped(ctx); ok {
			return w.abandon(f, reason)
		}
		if err == nil && strings.TrimSpace(proposed) == "" {
			err = corrector.ErrEmptyProposal
		}
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrCorrectorFailure, err)
			w.notifyResult(f, ResultCorrectorFailure)
			if w.fail(err) {
				return w.abandon(f, fmt.Sprintf("gave up after %d attempts: %v", w.cfg.MaxAttempts, err))
			}
			w.transition(f, models.StateAwaitingFix, err.Error())
			continue
		}
		feedback = ""
		w.setAttempt(func(a *models.CorrectionAttempt) { a.Proposed = proposed })
		w.transition(f, models.StateAwaitingApproval, "proposal received")

		// AwaitingApproval
		verdict, err := w.approver.Review(ctx, Proposal{
			Fault:    f,
			Attempt:  w.count(),
			Path:     path,
			Current:  current,
			Content:  proposed,
			Advisory: advisory,
		})
		if reason, ok := w.stopped(ctx); ok {
			return w.abandon(f, reason)
		}
		if err != nil {
			return w.abandon(f, fmt.Sprintf("approval failed: %v", err))
		}

		switch verdict.Decision {
		case DecisionReject:
			feedback = verdict.Reason
			w.notifyResult(f, ResultRejected)
			w.transition(f, models.StateAwaitingFix, "rejected by operator: "+verdict.Reason)
			continue
		case DecisionAbandon:
			reason := verdict.Reason
			if reason == "" {
				reason = "operator abandoned the fault"
			}
			return w.abandon(f, reason)
		}

		// Applying
		w.transition(f, models.StateApplying, verdict.Reason)
		if !advisory {
			ref, err := w.backups.Save(path)
			if err != nil {
				return w.abandon(f, fmt.Errorf("%w: %v", ErrBackupFailure, err).Error())
			}
			w.setAttempt(func(a *models.CorrectionAttempt) { a.BackupRef = ref })

			if err := writeArtifact(path, proposed); err != nil {
				err = fmt.Errorf("%w: write: %v", ErrVerificationFailure, err)
				if res, done := w.rollBack(f, err); done {
					return res
				}
				prevErr = err.Error()
				continue
			}
		}
		w.setAttempt(func(a *models.CorrectionAttempt) { a.Outcome = models.OutcomeApplied })
		w.transition(f, models.StateVerifying, "applied")

		// Verifying
		err = w.verifier.Verify(ctx, f)
		if reason, ok := w.stopped(ctx); ok {
			return w.abandon(f, reason)
		}
		if err != nil {
			if !errors.Is(err, ErrVerificationFailure) {
				err = fmt.Errorf("%w: %v", ErrVerificationFailure, err)
			}
			if res, done := w.rollBack(f, err); done {
				return res
			}
			prevErr = err.Error()
			continue
		}

		w.setAttempt(func(a *models.CorrectionAttempt) { a.Outcome = models.OutcomeVerified })
		w.notifyResult(f, ResultVerified)
		w.transition(f, models.StateCommitted, "verified")
		w.logger.Info("Fault resolved", map[string]interface{}{
			"fault_id": f.ID,
			"attempt":  w.count(),
		})
		return w.result(f, models.StateCommitted, "")
	}
}

// rollBack restores the backup after a failed apply or verification. done
// is true when the workflow ended in Abandoned.
func (w *Workflow) rollBack(f models.Fault, cause error) (Result, bool) {
	w.logger.Warn("Fix did not hold, rolling back", map[string]interface{}{
		"fault_id": f.ID,
		"attempt":  w.count(),
		"error":    cause.Error(),
	})
	if err := w.restore(f); err != nil {
		return w.abandon(f, fmt.Sprintf("rollback failed: %v", err)), true
	}
	w.setAttempt(func(a *models.CorrectionAttempt) { a.Outcome = models.OutcomeRolledBack })
	w.notifyResult(f, ResultVerificationFailure)
	w.transition(f, models.StateRolledBack, cause.Error())

	if w.fail(cause) {
		return w.abandon(f, fmt.Sprintf("gave up after %d attempts: %v", w.cfg.MaxAttempts, cause)), true
	}
	w.transition(f, models.StateAwaitingFix, "requesting a new proposal")
	return Result{}, false
}

// fail counts one failure and reports whether the bound is reached. The
// attempt counter moves to the next proposal unless it is.
func (w *Workflow) fail(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.failures++
	w.lastErr = err.Error()
	if w.failures >= w.cfg.MaxAttempts {
		return true
	}
	w.attempt.Count = w.failures + 1
	w.attempt.UpdatedAt = time.Now()
	return false
}

// abandon restores the artifact if it may have been mutated and ends the
// remediation
func (w *Workflow) abandon(f models.Fault, reason string) Result {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	if models.IsMutatingState(state) {
		if err := w.restore(f); err != nil {
			reason = fmt.Sprintf("%s; restore failed: %v", reason, err)
		}
	}

	w.setAttempt(func(a *models.CorrectionAttempt) { a.Outcome = models.OutcomeAbandoned })
	w.transition(f, models.StateAbandoned, reason)
	w.logger.Error("Fault abandoned", map[string]interface{}{
		"fault_id": f.ID,
		"severity": f.Severity.String(),
		"attempt":  w.count(),
		"reason":   reason,
	})
	return w.result(f, models.StateAbandoned, reason)
}

func (w *Workflow) restore(f models.Fault) error {
	w.mu.Lock()
	ref := w.attempt.BackupRef
	w.mu.Unlock()

	if ref == "" || !f.HasArtifact() {
		return nil
	}
	return w.backups.Restore(ref, f.Artifact.Path)
}

// stopped reports an operator abandon or a cancelled run context
func (w *Workflow) stopped(ctx context.Context) (string, bool) {
	w.mu.Lock()
	reason := w.abandonReason
	w.mu.Unlock()
	if reason != "" {
		return reason, true
	}
	if err := ctx.Err(); err != nil {
		return "interrupted: " + err.Error(), true
	}
	return "", false
}

func (w *Workflow) transition(f models.Fault, to models.WorkflowState, reason string) {
	w.mu.Lock()
	from := w.state
	if err := models.ValidateTransition(from, to); err != nil {
		w.mu.Unlock()
		// The loop above only takes table transitions
		panic(err)
	}
	tr := models.StateTransition{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	w.state = to
	w.transitions = append(w.transitions, tr)
	observers := append([]Observer(nil), w.observers...)
	spanCtx := w.spanCtx
	w.mu.Unlock()

	if spanCtx != nil {
		tracing.Step(spanCtx, to, reason)
	}
	w.logger.Debug("Workflow transition", map[string]interface{}{
		"fault_id": f.ID,
		"from":     string(from),
		"to":       string(to),
		"reason":   reason,
	})
	for _, o := range observers {
		o.StateChanged(f, tr)
	}
}

func (w *Workflow) notifyResult(f models.Fault, result string) {
	w.mu.Lock()
	observers := append([]Observer(nil), w.observers...)
	w.mu.Unlock()
	for _, o := range observers {
		o.AttemptResult(f, result)
	}
}

func (w *Workflow) setAttempt(fn func(a *models.CorrectionAttempt)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.attempt)
	w.attempt.UpdatedAt = time.Now()
}

func (w *Workflow) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempt.Count
}

func (w *Workflow) result(f models.Fault, state models.WorkflowState, reason string) Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Result{Fault: f, State: state, Attempt: w.attempt, Reason: reason}
}

// resetIdle clears per-fault state after a pause failure
func (w *Workflow) resetIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = models.StateIdle
	w.attempt = models.CorrectionAttempt{}
}

// readArtifact returns the artifact content. advisory is true when there is
// no artifact to write.
func readArtifact(path string) (string, bool, error) {
	if path == "" {
		return "", true, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	return string(data), false, nil
}

func writeArtifact(path, content string) error {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	perm := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return backup.WriteAtomic(path, []byte(content), perm)
}
