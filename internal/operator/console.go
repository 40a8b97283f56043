package operator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/internal/workflow"
)

// Controls are the supervisor operations reachable from the console
type Controls interface {
	AbandonCurrent(reason string) bool
	Acknowledge(ctx context.Context) error
	StopWorker(ctx context.Context, name string) error
	Quit()
	WriteStatus(w io.Writer) error
}

const consoleHelp = `Commands:
  y [reason]    apply the proposed fix
  n <feedback>  reject and ask for a new proposal
  d             show the proposal as a diff
  p             show the full proposal
  a [reason]    abandon the current fault
  s             show status
  k             acknowledge a held fault and resume
  x <worker>    stop a worker for good
  q             shut down
  h             this help
`

// Console reads operator commands line by line
type Console struct {
	gate     *Gate
	controls Controls
	in       io.Reader
	out      io.Writer
	logger   *logging.Logger
}

// NewConsole creates a console on in and out
func NewConsole(gate *Gate, controls Controls, in io.Reader, out io.Writer, logger *logging.Logger) *Console {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Console{
		gate:     gate,
		controls: controls,
		in:       in,
		out:      out,
		logger:   logger.Component("console"),
	}
}

// Run serves commands until ctx is done, input ends, or the operator quits
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Warn("Console input failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	fmt.Fprint(c.out, "healwatch console ready, type h for help\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-c.gate.Proposals():
			c.showProposal(p)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.Handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// Handle executes one command line and reports whether the operator quit
func (c *Console) Handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
		return false
	case "y", "yes":
		c.decide(workflow.Verdict{Decision: workflow.DecisionApprove, Reason: orDefault(arg, "approved by operator")})
	case "n", "no":
		if arg == "" {
			fmt.Fprintln(c.out, "reject needs feedback for the corrector, e.g. n keep the public API")
			return false
		}
		c.decide(workflow.Verdict{Decision: workflow.DecisionReject, Reason: arg})
	case "d", "diff":
		p, ok := c.gate.Pending()
		if !ok {
			fmt.Fprintln(c.out, ErrNoProposal.Error())
			return false
		}
		fmt.Fprint(c.out, Diff(p))
	case "p", "show":
		p, ok := c.gate.Pending()
		if !ok {
			fmt.Fprintln(c.out, ErrNoProposal.Error())
			return false
		}
		c.showProposal(p)
	case "a", "abandon":
		reason := orDefault(arg, "abandoned by operator")
		if _, ok := c.gate.Pending(); ok {
			c.decide(workflow.Verdict{Decision: workflow.DecisionAbandon, Reason: reason})
			return false
		}
		if !c.controls.AbandonCurrent(reason) {
			fmt.Fprintln(c.out, "no fault in remediation")
		}
	case "s", "status":
		if err := c.controls.WriteStatus(c.out); err != nil {
			fmt.Fprintf(c.out, "status failed: %v\n", err)
		}
	case "k", "ack":
		if err := c.controls.Acknowledge(ctx); err != nil {
			fmt.Fprintf(c.out, "acknowledge failed: %v\n", err)
			return false
		}
		fmt.Fprintln(c.out, "acknowledged, workers resuming")
	case "x", "stop":
		if arg == "" {
			fmt.Fprintln(c.out, "stop needs a worker name, e.g. x api")
			return false
		}
		if err := c.controls.StopWorker(ctx, arg); err != nil {
			fmt.Fprintf(c.out, "stop failed: %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "worker %s stopped\n", arg)
	case "q", "quit", "exit":
		c.controls.Quit()
		return true
	case "h", "help", "?":
		fmt.Fprint(c.out, consoleHelp)
	default:
		fmt.Fprintf(c.out, "unknown command %q, type h for help\n", cmd)
	}
	return false
}

func (c *Console) decide(v workflow.Verdict) {
	if err := c.gate.Decide(v); err != nil {
		fmt.Fprintln(c.out, err.Error())
		return
	}
	fmt.Fprintf(c.out, "%s: %s\n", v.Decision, v.Reason)
}

func (c *Console) showProposal(p workflow.Proposal) {
	fmt.Fprintf(c.out, "\n=== Proposal %d for %s ===\n", p.Attempt, p.Fault.Summary())
	if p.Advisory {
		fmt.Fprintln(c.out, "(advisory: no artifact will be modified)")
	}
	fmt.Fprintln(c.out, p.Content)
	fmt.Fprintln(c.out, "Apply? [y]es / [n]o <feedback> / [d]iff / [a]bandon")
}

// Diff renders a unified diff of the current artifact against the proposal
func Diff(p workflow.Proposal) string {
	if p.Advisory {
		return p.Content + "\n"
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(p.Current),
		B:        difflib.SplitLines(p.Content),
		FromFile: p.Path,
		ToFile:   p.Path + " (proposed)",
		Context:  3,
	})
	if err != nil {
		return fmt.Sprintf("diff failed: %v\n", err)
	}
	if text == "" {
		return "proposal is identical to the current file\n"
	}
	return text
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
