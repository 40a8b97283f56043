package workflow

import (
	"context"

	"github.com/psantana5/healwatch/pkg/models"
)

// Decision is an operator's answer to a proposal
type Decision int

const (
	DecisionApprove Decision = iota
	DecisionReject           // discard and ask the corrector again
	DecisionAbandon          // give up on the fault
)

func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "approve"
	case DecisionReject:
		return "reject"
	case DecisionAbandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// Verdict is a decision with the operator's reason
type Verdict struct {
	Decision Decision
	Reason   string
}

// Proposal is what the operator reviews in AwaitingApproval
type Proposal struct {
	Fault    models.Fault `json:"fault"`
	Attempt  int          `json:"attempt"`
	Path     string       `json:"path,omitempty"`
	Current  string       `json:"current,omitempty"`
	Content  string       `json:"content"`
	Advisory bool         `json:"advisory"` // nothing will be written
}

// Approver decides on proposals. Review blocks until a decision is made or
// ctx is done.
type Approver interface {
	Review(ctx context.Context, p Proposal) (Verdict, error)
}

// AutoApprove approves every proposal
type AutoApprove struct{}

// Review implements Approver
func (AutoApprove) Review(ctx context.Context, p Proposal) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	return Verdict{Decision: DecisionApprove, Reason: "auto-approve policy"}, nil
}
