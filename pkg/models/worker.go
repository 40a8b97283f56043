package models

import (
	"time"
)

// RunState represents the run state of a supervised worker
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStatePaused  RunState = "paused"
	RunStateStopped RunState = "stopped"
)

// Worker represents a long-running supervised process
type Worker struct {
	Name      string    `json:"name"`
	Command   []string  `json:"command"`
	Dir       string    `json:"dir,omitempty"`
	Source    string    `json:"source,omitempty"` // Main source artifact, used for crash remediation
	PID       int       `json:"pid,omitempty"`
	State     RunState  `json:"state"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// ExitStatus describes how a worker process ended
type ExitStatus struct {
	Err    string `json:"error,omitempty"`
	Stderr string `json:"stderr,omitempty"` // Tail of standard error
}

// WorkerSpec is the static description of a worker to register
type WorkerSpec struct {
	Name    string   `json:"name" yaml:"name" mapstructure:"name"`
	Command []string `json:"command" yaml:"command" mapstructure:"command"`
	Dir     string   `json:"dir,omitempty" yaml:"dir,omitempty" mapstructure:"dir"`
	Source  string   `json:"source,omitempty" yaml:"source,omitempty" mapstructure:"source"`
}

// NewWorker builds an unstarted worker from its spec
func NewWorker(spec WorkerSpec) Worker {
	cmd := make([]string, len(spec.Command))
	copy(cmd, spec.Command)
	return Worker{
		Name:    spec.Name,
		Command: cmd,
		Dir:     spec.Dir,
		Source:  spec.Source,
		State:   RunStateStopped,
	}
}

// Clone returns a deep copy of the worker
func (w Worker) Clone() Worker {
	c := w
	c.Command = make([]string, len(w.Command))
	copy(c.Command, w.Command)
	return c
}
