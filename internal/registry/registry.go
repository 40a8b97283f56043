// Package registry tracks supervised workers. Run-state is written only by
// the lifecycle controller; every other component sees the Reader view.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/healwatch/pkg/models"
)

var (
	// ErrUnknownWorker is returned for operations on an unregistered worker
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrDuplicateWorker is returned when registering a name twice
	ErrDuplicateWorker = errors.New("worker already registered")
)

// Reader is the read-only view of the registry
type Reader interface {
	Get(name string) (models.Worker, error)
	Snapshot() []models.Worker
}

// Registry owns the set of supervised workers
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*models.Worker
	order   []string
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		workers: make(map[string]*models.Worker),
	}
}

// Register adds a worker
func (r *Registry) Register(w models.Worker) error {
	if w.Name == "" {
		return fmt.Errorf("worker name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, w.Name)
	}
	if w.State == "" {
		w.State = models.RunStateStopped
	}

	c := w.Clone()
	r.workers[w.Name] = &c
	r.order = append(r.order, w.Name)
	return nil
}

// MarkCrashed marks a worker Stopped. Calling it on a Stopped worker is a no-op.
func (r *Registry) MarkCrashed(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	if w.State == models.RunStateStopped {
		return nil
	}
	w.State = models.RunStateStopped
	return nil
}

// SetState sets a worker's run-state
func (r *Registry) SetState(name string, state models.RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	w.State = state
	return nil
}

// SetHandle records the live process handle of a worker
func (r *Registry) SetHandle(name string, pid int, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	w.PID = pid
	w.StartedAt = startedAt
	w.LastSeen = startedAt
	return nil
}

// ObserveAlive records the last time a worker was seen alive. It never
// touches run-state.
func (r *Registry) ObserveAlive(name string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	if at.After(w.LastSeen) {
		w.LastSeen = at
	}
	return nil
}

// Get returns a copy of one worker
func (r *Registry) Get(name string) (models.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[name]
	if !ok {
		return models.Worker{}, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	return w.Clone(), nil
}

// Snapshot returns copies of all workers in registration order
func (r *Registry) Snapshot() []models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Worker, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.workers[name].Clone())
	}
	return out
}

// CountByState returns the number of workers in each run-state
func (r *Registry) CountByState() map[models.RunState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[models.RunState]int{
		models.RunStateRunning: 0,
		models.RunStatePaused:  0,
		models.RunStateStopped: 0,
	}
	for _, w := range r.workers {
		counts[w.State]++
	}
	return counts
}
