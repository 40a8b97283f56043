package models

import (
	"fmt"
	"time"
)

// WorkflowState is a state of the correction workflow for one fault
type WorkflowState string

// Correction workflow states
const (
	StateIdle             WorkflowState = "idle"              // No fault in remediation
	StateAwaitingFix      WorkflowState = "awaiting_fix"      // Waiting for the corrector to propose content
	StateAwaitingApproval WorkflowState = "awaiting_approval" // Proposal waiting for operator or policy
	StateApplying         WorkflowState = "applying"          // Backing up and writing the proposal
	StateVerifying        WorkflowState = "verifying"         // Re-validating or relaunching
	StateCommitted        WorkflowState = "committed"         // Fix verified, fault resolved
	StateRolledBack       WorkflowState = "rolled_back"       // Verification failed, backup restored
	StateAbandoned        WorkflowState = "abandoned"         // Gave up on this fault
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[WorkflowState]map[WorkflowState]bool{
	StateIdle: {
		StateAwaitingFix: true, // Idle → AwaitingFix (fault dequeued, workers paused)
	},
	StateAwaitingFix: {
		StateAwaitingApproval: true, // AwaitingFix → AwaitingApproval (proposal received)
		StateAwaitingFix:      true, // AwaitingFix → AwaitingFix (corrector failed, retry)
		StateAbandoned:        true, // AwaitingFix → Abandoned (attempts exhausted or operator)
	},
	StateAwaitingApproval: {
		StateApplying:    true, // AwaitingApproval → Applying (approved)
		StateAwaitingFix: true, // AwaitingApproval → AwaitingFix (rejected, regenerate)
		StateAbandoned:   true, // AwaitingApproval → Abandoned (operator quits)
	},
	StateApplying: {
		StateVerifying:  true, // Applying → Verifying (written)
		StateRolledBack: true, // Applying → RolledBack (write failed after backup)
		StateAbandoned:  true, // Applying → Abandoned (backup failed or operator)
	},
	StateVerifying: {
		StateCommitted:  true, // Verifying → Committed (validation succeeded)
		StateRolledBack: true, // Verifying → RolledBack (validation failed)
		StateAbandoned:  true, // Verifying → Abandoned (operator)
	},
	StateRolledBack: {
		StateAwaitingFix: true, // RolledBack → AwaitingFix (request a new proposal)
		StateAbandoned:   true, // RolledBack → Abandoned (attempts exhausted)
	},
	// Terminal for the current fault; the workflow returns to Idle for the next one
	StateCommitted: {
		StateIdle: true,
	},
	StateAbandoned: {
		StateIdle: true,
	},
}

// ValidateTransition checks if a workflow state transition is valid
func ValidateTransition(from, to WorkflowState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if remediation of the current fault is over
func IsTerminalState(state WorkflowState) bool {
	return state == StateCommitted || state == StateAbandoned
}

// IsMutatingState returns true if the artifact may differ from its backup
func IsMutatingState(state WorkflowState) bool {
	return state == StateApplying || state == StateVerifying
}

// AttemptOutcome is the disposition of one correction attempt
type AttemptOutcome string

const (
	OutcomePending    AttemptOutcome = "pending"
	OutcomeApplied    AttemptOutcome = "applied"
	OutcomeVerified   AttemptOutcome = "verified"
	OutcomeRolledBack AttemptOutcome = "rolled_back"
	OutcomeAbandoned  AttemptOutcome = "abandoned"
)

// CorrectionAttempt links one fault to the proposal currently being handled
type CorrectionAttempt struct {
	FaultID   string         `json:"fault_id"`
	Proposed  string         `json:"proposed,omitempty"`
	BackupRef string         `json:"backup_ref,omitempty"`
	Count     int            `json:"count"`
	Outcome   AttemptOutcome `json:"outcome"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Unverified returns true while workers must stay paused for this attempt
func (a *CorrectionAttempt) Unverified() bool {
	return a.Outcome == OutcomePending || a.Outcome == OutcomeApplied
}

// StateTransition tracks workflow state changes with timestamps
type StateTransition struct {
	From      WorkflowState `json:"from"`
	To        WorkflowState `json:"to"`
	Timestamp time.Time     `json:"timestamp"`
	Reason    string        `json:"reason,omitempty"`
}
