package models

import (
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    WorkflowState
		to      WorkflowState
		wantErr bool
	}{
		// Valid transitions
		{"Idle to AwaitingFix", StateIdle, StateAwaitingFix, false},
		{"AwaitingFix to AwaitingApproval", StateAwaitingFix, StateAwaitingApproval, false},
		{"AwaitingFix retry", StateAwaitingFix, StateAwaitingFix, false},
		{"AwaitingApproval to Applying", StateAwaitingApproval, StateApplying, false},
		{"AwaitingApproval to AwaitingFix", StateAwaitingApproval, StateAwaitingFix, false},
		{"Applying to Verifying", StateApplying, StateVerifying, false},
		{"Applying to Abandoned", StateApplying, StateAbandoned, false},
		{"Verifying to Committed", StateVerifying, StateCommitted, false},
		{"Verifying to RolledBack", StateVerifying, StateRolledBack, false},
		{"RolledBack to AwaitingFix", StateRolledBack, StateAwaitingFix, false},
		{"Committed to Idle", StateCommitted, StateIdle, false},
		{"Abandoned to Idle", StateAbandoned, StateIdle, false},

		// Invalid transitions
		{"Idle to Applying", StateIdle, StateApplying, true},
		{"AwaitingFix to Applying", StateAwaitingFix, StateApplying, true},
		{"AwaitingApproval to Verifying", StateAwaitingApproval, StateVerifying, true},
		{"Applying to Committed", StateApplying, StateCommitted, true},
		{"Committed to AwaitingFix", StateCommitted, StateAwaitingFix, true},
		{"Abandoned to Applying", StateAbandoned, StateApplying, true},
		{"Unknown source", WorkflowState("bogus"), StateIdle, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    WorkflowState
		expected bool
	}{
		{StateCommitted, true},
		{StateAbandoned, true},
		{StateRolledBack, false},
		{StateVerifying, false},
		{StateIdle, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminalState(tt.state); got != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, expected %v", tt.state, got, tt.expected)
			}
		})
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !(SeverityCritical > SeverityHigh && SeverityHigh > SeverityMedium && SeverityMedium > SeverityLow) {
		t.Fatal("severity levels are not totally ordered with critical highest")
	}

	for _, name := range []string{"low", "medium", "high", "critical"} {
		s, err := ParseSeverity(name)
		if err != nil {
			t.Fatalf("ParseSeverity(%q) failed: %v", name, err)
		}
		if s.String() != name {
			t.Errorf("ParseSeverity(%q).String() = %q", name, s.String())
		}
	}

	if _, err := ParseSeverity("urgent"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestFaultKey(t *testing.T) {
	crash := NewFault(FaultProcessCrash, SeverityCritical, "sim", "exited", nil)
	if crash.Key() != "worker:sim" {
		t.Errorf("crash key = %q", crash.Key())
	}

	defect := NewFault(FaultSourceDefect, SeverityHigh, "inspector", "bad syntax", &ArtifactRef{Path: "a.py", Line: 3})
	if defect.Key() != "artifact:a.py" {
		t.Errorf("defect key = %q", defect.Key())
	}

	anomaly := NewFault(FaultLogAnomaly, SeverityMedium, "sim", "boom", nil)
	if anomaly.Key() != "" {
		t.Errorf("log anomaly key = %q, expected empty", anomaly.Key())
	}

	if crash.ID == defect.ID {
		t.Error("expected distinct fault IDs")
	}
}

func TestNewFaultCopiesArtifact(t *testing.T) {
	ref := &ArtifactRef{Path: "a.py", Line: 1}
	f := NewFault(FaultSourceDefect, SeverityHigh, "inspector", "x", ref)
	ref.Line = 99
	if f.Artifact.Line != 1 {
		t.Errorf("fault artifact changed through caller pointer: line=%d", f.Artifact.Line)
	}
}
