package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FaultKind classifies what was detected
type FaultKind string

const (
	FaultProcessCrash FaultKind = "process_crash"
	FaultSourceDefect FaultKind = "source_defect"
	FaultLogAnomaly   FaultKind = "log_anomaly"
)

// Severity is totally ordered, Critical highest
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity parses a severity name
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityLow, fmt.Errorf("unknown severity: %q", s)
	}
}

// MarshalText renders the severity by name in JSON and YAML output
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ArtifactRef points at a file and optionally a line in it
type ArtifactRef struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

func (a ArtifactRef) String() string {
	if a.Line > 0 {
		return fmt.Sprintf("%s:%d", a.Path, a.Line)
	}
	return a.Path
}

// Fault is a detected anomaly. Faults are values and are never mutated
// after the detector builds them.
type Fault struct {
	ID         string       `json:"id"`
	Kind       FaultKind    `json:"kind"`
	Severity   Severity     `json:"severity"`
	Origin     string       `json:"origin"` // Worker, log stream or artifact that produced the fault
	Message    string       `json:"message"`
	Artifact   *ArtifactRef `json:"artifact,omitempty"`
	DetectedAt time.Time    `json:"detected_at"`
}

// NewFault creates a fault with a fresh ID
func NewFault(kind FaultKind, severity Severity, origin, message string, artifact *ArtifactRef) Fault {
	var ref *ArtifactRef
	if artifact != nil {
		a := *artifact
		ref = &a
	}
	return Fault{
		ID:         uuid.NewString(),
		Kind:       kind,
		Severity:   severity,
		Origin:     origin,
		Message:    message,
		Artifact:   ref,
		DetectedAt: time.Now(),
	}
}

// Key identifies the underlying defect a fault reports. Faults with the
// same non-empty key describe the same thing. Log anomalies have no key.
func (f Fault) Key() string {
	switch f.Kind {
	case FaultProcessCrash:
		return "worker:" + f.Origin
	case FaultSourceDefect:
		if f.Artifact != nil {
			return "artifact:" + f.Artifact.Path
		}
	}
	return ""
}

// HasArtifact reports whether the fault points at a replaceable file
func (f Fault) HasArtifact() bool {
	return f.Artifact != nil && f.Artifact.Path != ""
}

// Summary returns a one-line description for operators
func (f Fault) Summary() string {
	s := fmt.Sprintf("[%s] %s from %s: %s", strings.ToUpper(f.Severity.String()), f.Kind, f.Origin, f.Message)
	if f.HasArtifact() {
		s += " (" + f.Artifact.String() + ")"
	}
	return s
}
