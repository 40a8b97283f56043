// Package lifecycletest provides an in-memory ProcessControl for tests.
package lifecycletest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/healwatch/internal/lifecycle"
	"github.com/psantana5/healwatch/pkg/models"
)

// Proc is the simulated state of one process
type Proc struct {
	Worker    string
	Alive     bool
	Suspended bool
}

// FakeControl simulates processes without touching the OS
type FakeControl struct {
	mu    sync.Mutex
	next  int
	procs map[int]*Proc

	// Per-worker behaviour switches
	IgnoreStop map[string]bool  // never report stopped
	SuspendErr map[string]error // Suspend returns this error
	ResumeErr  map[string]error // Resume returns this error
	DieOnStart map[string]bool  // process is dead right after Start
	StartErr   error
	Calls      []string
}

// NewFakeControl creates an empty fake
func NewFakeControl() *FakeControl {
	return &FakeControl{
		next:       1000,
		procs:      make(map[int]*Proc),
		IgnoreStop: make(map[string]bool),
		SuspendErr: make(map[string]error),
		ResumeErr:  make(map[string]error),
		DieOnStart: make(map[string]bool),
	}
}

func (f *FakeControl) Start(ctx context.Context, w models.Worker) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "start:"+w.Name)
	if f.StartErr != nil {
		return 0, f.StartErr
	}
	f.next++
	f.procs[f.next] = &Proc{Worker: w.Name, Alive: !f.DieOnStart[w.Name]}
	return f.next, nil
}

func (f *FakeControl) Suspend(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.lookup(pid)
	if err != nil {
		return err
	}
	f.Calls = append(f.Calls, "suspend:"+p.Worker)
	if err := f.SuspendErr[p.Worker]; err != nil {
		return err
	}
	if !f.IgnoreStop[p.Worker] {
		p.Suspended = true
	}
	return nil
}

func (f *FakeControl) Resume(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.lookup(pid)
	if err != nil {
		return err
	}
	f.Calls = append(f.Calls, "resume:"+p.Worker)
	if err := f.ResumeErr[p.Worker]; err != nil {
		return err
	}
	p.Suspended = false
	return nil
}

func (f *FakeControl) Terminate(pid int, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[pid]; ok {
		f.Calls = append(f.Calls, "terminate:"+p.Worker)
		p.Alive = false
		p.Suspended = false
	}
	return nil
}

func (f *FakeControl) Alive(pid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	return ok && p.Alive, nil
}

func (f *FakeControl) Suspended(pid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.lookup(pid)
	if err != nil {
		return false, err
	}
	return p.Suspended, nil
}

// SetSuspendErr changes the Suspend error of a worker while the fake is in use
func (f *FakeControl) SetSuspendErr(worker string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.SuspendErr, worker)
		return
	}
	f.SuspendErr[worker] = err
}

// Kill simulates a worker dying on its own
func (f *FakeControl) Kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[pid]; ok {
		p.Alive = false
		p.Suspended = false
	}
}

// State returns a copy of the simulated process
func (f *FakeControl) State(pid int) (Proc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok {
		return Proc{}, false
	}
	return *p, true
}

// AnyRunning reports whether some live process is not suspended
func (f *FakeControl) AnyRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		if p.Alive && !p.Suspended {
			return true
		}
	}
	return false
}

// CallCount counts recorded calls equal to call
func (f *FakeControl) CallCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *FakeControl) lookup(pid int) (*Proc, error) {
	p, ok := f.procs[pid]
	if !ok || !p.Alive {
		return nil, fmt.Errorf("%w: PID %d", lifecycle.ErrNoProcess, pid)
	}
	return p, nil
}
