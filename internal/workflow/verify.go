package workflow

import (
	"context"
	"fmt"

	"github.com/psantana5/healwatch/internal/inspect"
	"github.com/psantana5/healwatch/pkg/models"
)

// Verifier decides whether an applied fix resolved a fault. A non-nil error
// means the fix did not hold and must be rolled back.
type Verifier interface {
	Verify(ctx context.Context, f models.Fault) error
}

// Relauncher restarts a crashed worker and holds it paused
type Relauncher interface {
	Relaunch(ctx context.Context, name string) error
}

// FaultVerifier re-validates the artifact with the same inspector the
// detector uses and, for crashes, relaunches the worker
type FaultVerifier struct {
	Inspector  inspect.Inspector
	Relauncher Relauncher
}

// Verify implements Verifier
func (v FaultVerifier) Verify(ctx context.Context, f models.Fault) error {
	if f.HasArtifact() && v.Inspector != nil {
		defect, err := v.Inspector.Validate(ctx, f.Artifact.Path)
		if err != nil {
			return fmt.Errorf("%w: inspector: %v", ErrVerificationFailure, err)
		}
		if defect != nil {
			return fmt.Errorf("%w: %s", ErrVerificationFailure, defect)
		}
	}

	if f.Kind == models.FaultProcessCrash && v.Relauncher != nil {
		if err := v.Relauncher.Relaunch(ctx, f.Origin); err != nil {
			return fmt.Errorf("%w: relaunch %s: %v", ErrVerificationFailure, f.Origin, err)
		}
	}
	return nil
}
