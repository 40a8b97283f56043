// Package faultq orders pending faults by severity, then arrival.
package faultq

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/psantana5/healwatch/pkg/models"
)

// ErrEmptyQueue is returned by Peek and Dequeue when no fault is pending
var ErrEmptyQueue = errors.New("fault queue is empty")

type entry struct {
	fault models.Fault
	seq   int64
}

// faultHeap implements heap.Interface: severity descending, sequence ascending
type faultHeap []entry

func (h faultHeap) Len() int { return len(h) }

func (h faultHeap) Less(i, j int) bool {
	if h[i].fault.Severity != h[j].fault.Severity {
		return h[i].fault.Severity > h[j].fault.Severity
	}
	return h[i].seq < h[j].seq
}

func (h faultHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *faultHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }

func (h *faultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue is an unbounded, concurrency-safe priority queue of faults
type Queue struct {
	mu    sync.Mutex
	items faultHeap
	next  int64 // arrival sequence for Enqueue
	front int64 // sequence for Requeue, counts down
	ready chan struct{}
}

// New creates an empty queue
func New() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
	}
}

// Enqueue adds a fault. It always succeeds.
func (q *Queue) Enqueue(f models.Fault) {
	q.mu.Lock()
	q.next++
	heap.Push(&q.items, entry{fault: f, seq: q.next})
	q.mu.Unlock()
	q.signal()
}

// Requeue puts back a fault whose remediation could not start. It is
// ordered ahead of every other fault of the same severity.
func (q *Queue) Requeue(f models.Fault) {
	q.mu.Lock()
	q.front--
	heap.Push(&q.items, entry{fault: f, seq: q.front})
	q.mu.Unlock()
	q.signal()
}

// Peek returns the highest-priority fault without removing it
func (q *Queue) Peek() (models.Fault, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return models.Fault{}, ErrEmptyQueue
	}
	return q.items[0].fault, nil
}

// Dequeue removes and returns the highest-priority fault
func (q *Queue) Dequeue() (models.Fault, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return models.Fault{}, ErrEmptyQueue
	}
	e := heap.Pop(&q.items).(entry)
	return e.fault, nil
}

// Size returns the number of pending faults
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HasAtLeast reports whether any pending fault has severity >= min
func (q *Queue) HasAtLeast(min models.Severity) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	// The root is the maximum severity
	return len(q.items) > 0 && q.items[0].fault.Severity >= min
}

// Snapshot returns the pending faults in dequeue order
func (q *Queue) Snapshot() []models.Fault {
	q.mu.Lock()
	cp := make(faultHeap, len(q.items))
	copy(cp, q.items)
	q.mu.Unlock()

	out := make([]models.Fault, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(entry).fault)
	}
	return out
}

// Ready returns a channel that receives after a fault is added
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
