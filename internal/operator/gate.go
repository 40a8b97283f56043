// Package operator is the human side of the approval step: a gate that
// holds the pending proposal and the interactive console that answers it.
package operator

import (
	"context"
	"errors"
	"sync"

	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/internal/workflow"
)

// ErrNoProposal is returned when a decision arrives with nothing pending
var ErrNoProposal = errors.New("no proposal awaiting approval")

type pending struct {
	proposal workflow.Proposal
	reply    chan workflow.Verdict
}

// Gate is a workflow.Approver that parks each proposal until Decide is
// called from the console or the HTTP API
type Gate struct {
	mu      sync.Mutex
	current *pending
	notify  chan workflow.Proposal
	logger  *logging.Logger
}

// NewGate creates an empty gate
func NewGate(logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gate{
		notify: make(chan workflow.Proposal, 1),
		logger: logger.Component("operator"),
	}
}

// Review implements workflow.Approver. It blocks until Decide or ctx is done.
func (g *Gate) Review(ctx context.Context, p workflow.Proposal) (workflow.Verdict, error) {
	req := &pending{proposal: p, reply: make(chan workflow.Verdict, 1)}

	g.mu.Lock()
	g.current = req
	g.mu.Unlock()

	// Keep only the newest notification
	select {
	case <-g.notify:
	default:
	}
	g.notify <- p

	g.logger.Info("Proposal awaiting approval", map[string]interface{}{
		"fault_id": p.Fault.ID,
		"attempt":  p.Attempt,
		"path":     p.Path,
		"advisory": p.Advisory,
	})

	defer func() {
		g.mu.Lock()
		if g.current == req {
			g.current = nil
		}
		g.mu.Unlock()
	}()

	select {
	case v := <-req.reply:
		return v, nil
	case <-ctx.Done():
		return workflow.Verdict{}, ctx.Err()
	}
}

// Pending returns the proposal awaiting a decision, if any
func (g *Gate) Pending() (workflow.Proposal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return workflow.Proposal{}, false
	}
	return g.current.proposal, true
}

// Decide answers the pending proposal
func (g *Gate) Decide(v workflow.Verdict) error {
	g.mu.Lock()
	req := g.current
	g.current = nil
	g.mu.Unlock()

	if req == nil {
		return ErrNoProposal
	}
	req.reply <- v
	g.logger.Info("Proposal decided", map[string]interface{}{
		"fault_id": req.proposal.Fault.ID,
		"decision": v.Decision.String(),
		"reason":   v.Reason,
	})
	return nil
}

// Proposals delivers each new proposal. Slow readers only see the newest.
func (g *Gate) Proposals() <-chan workflow.Proposal {
	return g.notify
}
