package supervisor

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/psantana5/healwatch/internal/workflow"
	"github.com/psantana5/healwatch/pkg/models"
)

// Status is the operator view of the whole system
type Status struct {
	State       SystemState            `json:"state"`
	Workers     []models.Worker        `json:"workers"`
	Queue       []models.Fault         `json:"queue"`
	Remediation workflow.Snapshot      `json:"remediation"`
	Held        []HeldFault            `json:"held,omitempty"`
	LastResult  *workflow.Result       `json:"last_result,omitempty"`
	Detector    map[string]interface{} `json:"detector,omitempty"`
}

// Status returns a consistent copy of the system state
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State: s.state,
		Held:  append([]HeldFault(nil), s.held...),
	}
	if s.last != nil {
		last := *s.last
		st.LastResult = &last
	}
	s.mu.Unlock()

	st.Workers = s.deps.Workers.Snapshot()
	st.Queue = s.deps.Queue.Snapshot()
	st.Remediation = s.deps.Workflow.Current()
	if s.deps.Health != nil {
		st.Detector = s.deps.Health.GetHealthReport()
	}
	return st
}

// WriteStatus renders Status as tables
func (s *Supervisor) WriteStatus(w io.Writer) error {
	return RenderStatus(w, s.Status())
}

// RenderStatus writes the system state, workers, the remediation in flight
// and the queue as tables
func RenderStatus(w io.Writer, st Status) error {
	fmt.Fprintf(w, "System: %s\n", st.State)
	if health, ok := st.Detector["status"]; ok {
		fmt.Fprintf(w, "Detector: %v\n", health)
	}
	fmt.Fprintln(w)

	workers := tablewriter.NewWriter(w)
	workers.Header("Worker", "State", "PID", "Last Seen", "Source")
	for _, wk := range st.Workers {
		pid := "-"
		if wk.PID > 0 {
			pid = strconv.Itoa(wk.PID)
		}
		workers.Append([]string{wk.Name, string(wk.State), pid, since(wk.LastSeen), wk.Source})
	}
	if err := workers.Render(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	rem := st.Remediation
	if rem.Fault != nil {
		current := tablewriter.NewWriter(w)
		current.Header("Property", "Value")
		current.Append([]string{"Fault", rem.Fault.Summary()})
		current.Append([]string{"State", string(rem.State)})
		current.Append([]string{"Attempt", fmt.Sprintf("%d/%d", rem.Attempt.Count, rem.MaxAttempts)})
		if rem.Attempt.BackupRef != "" {
			current.Append([]string{"Backup", rem.Attempt.BackupRef})
		}
		if rem.LastError != "" {
			current.Append([]string{"Last Error", rem.LastError})
		}
		if err := current.Render(); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, "No fault in remediation")
	}

	if len(st.Held) > 0 {
		fmt.Fprintln(w)
		held := tablewriter.NewWriter(w)
		held.Header("Held Fault", "Severity", "Reason")
		for _, h := range st.Held {
			held.Append([]string{h.Fault.ID, h.Fault.Severity.String(), h.Reason})
		}
		if err := held.Render(); err != nil {
			return err
		}
		fmt.Fprintln(w, "Workers stay paused until acknowledged (healwatch ack)")
	}

	if st.LastResult != nil {
		fmt.Fprintf(w, "\nLast disposition: %s %s (attempt %d)",
			st.LastResult.Fault.ID, st.LastResult.State, st.LastResult.Attempt.Count)
		if st.LastResult.Reason != "" {
			fmt.Fprintf(w, ": %s", st.LastResult.Reason)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
	if len(st.Queue) == 0 {
		fmt.Fprintln(w, "Fault queue empty")
		return nil
	}
	queue := tablewriter.NewWriter(w)
	queue.Header("#", "Severity", "Kind", "Origin", "Message", "Detected")
	for i, f := range st.Queue {
		queue.Append([]string{
			strconv.Itoa(i + 1),
			f.Severity.String(),
			string(f.Kind),
			f.Origin,
			truncate(f.Message, 60),
			since(f.DetectedAt),
		})
	}
	return queue.Render()
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String() + " ago"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
