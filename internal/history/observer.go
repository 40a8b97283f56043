package history

import (
	"context"
	"time"

	"github.com/psantana5/healwatch/internal/detect"
	"github.com/psantana5/healwatch/pkg/models"
)

const observeTimeout = 5 * time.Second

// FaultDetected implements detect.Observer
func (s *Store) FaultDetected(f models.Fault) {
	ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
	defer cancel()
	if err := s.RecordFault(ctx, f); err != nil {
		s.logger.Error("Failed to record fault", map[string]interface{}{
			"fault_id": f.ID,
			"error":    err.Error(),
		})
	}
}

// DetectionFailed implements detect.Observer. Collaborator outages are
// retried by the detector and are not part of the audit trail.
func (s *Store) DetectionFailed(err *detect.DetectionFailure) {}
