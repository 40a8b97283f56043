package detect

import (
	"fmt"
	"time"
)

// Failure sources
const (
	SourceLiveness  = "liveness"
	SourceInspector = "inspector"
	SourceLogs      = "logs"
)

// DetectionFailure is a collaborator the detector could not reach. It is
// logged and counted, never turned into a fault, and retried next tick.
type DetectionFailure struct {
	Source    string // liveness, inspector or logs
	Target    string // worker name, artifact path or stream
	Err       error
	Timestamp time.Time
}

// Error implements error interface
func (e *DetectionFailure) Error() string {
	return fmt.Sprintf("%s check failed for %s: %v", e.Source, e.Target, e.Err)
}

// Unwrap implements error unwrapping
func (e *DetectionFailure) Unwrap() error {
	return e.Err
}

func newFailure(source, target string, err error) *DetectionFailure {
	return &DetectionFailure{
		Source:    source,
		Target:    target,
		Err:       err,
		Timestamp: time.Now(),
	}
}
