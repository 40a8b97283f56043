package faultq

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/psantana5/healwatch/pkg/models"
)

func fault(sev models.Severity, msg string) models.Fault {
	return models.NewFault(models.FaultLogAnomaly, sev, "test", msg, nil)
}

func TestDequeueEmpty(t *testing.T) {
	q := New()
	if _, err := q.Dequeue(); !errors.Is(err, ErrEmptyQueue) {
		t.Errorf("Dequeue on empty queue: expected ErrEmptyQueue, got %v", err)
	}
	if _, err := q.Peek(); !errors.Is(err, ErrEmptyQueue) {
		t.Errorf("Peek on empty queue: expected ErrEmptyQueue, got %v", err)
	}
}

// Medium then Critical: Critical is dequeued first regardless of arrival order
func TestSeverityBeatsArrival(t *testing.T) {
	q := New()
	q.Enqueue(fault(models.SeverityMedium, "medium"))
	q.Enqueue(fault(models.SeverityCritical, "critical"))

	first, err := q.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Dequeue()
	if err != nil {
		t.Fatal(err)
	}

	if first.Message != "critical" || second.Message != "medium" {
		t.Errorf("expected critical then medium, got %s then %s", first.Message, second.Message)
	}
}

func TestSameSeverityFIFO(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Enqueue(fault(models.SeverityHigh, fmt.Sprintf("f%d", i)))
	}

	for i := 0; i < 5; i++ {
		f, err := q.Dequeue()
		if err != nil {
			t.Fatal(err)
		}
		if expected := fmt.Sprintf("f%d", i); f.Message != expected {
			t.Errorf("position %d: expected %s, got %s", i, expected, f.Message)
		}
	}
}

func TestRequeueGoesAheadOfSameSeverity(t *testing.T) {
	q := New()
	q.Enqueue(fault(models.SeverityHigh, "later"))
	q.Enqueue(fault(models.SeverityCritical, "critical"))
	q.Requeue(fault(models.SeverityHigh, "requeued"))

	expected := []string{"critical", "requeued", "later"}
	for i, msg := range expected {
		f, err := q.Dequeue()
		if err != nil {
			t.Fatal(err)
		}
		if f.Message != msg {
			t.Errorf("position %d: expected %s, got %s", i, msg, f.Message)
		}
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New()
	q.Enqueue(fault(models.SeverityLow, "only"))

	if _, err := q.Peek(); err != nil {
		t.Fatal(err)
	}
	if q.Size() != 1 {
		t.Errorf("Peek removed the fault: size=%d", q.Size())
	}
}

func TestHasAtLeast(t *testing.T) {
	q := New()
	if q.HasAtLeast(models.SeverityLow) {
		t.Error("empty queue reported a fault")
	}

	q.Enqueue(fault(models.SeverityMedium, "m"))
	if q.HasAtLeast(models.SeverityHigh) {
		t.Error("medium-only queue reported a high fault")
	}

	q.Enqueue(fault(models.SeverityCritical, "c"))
	if !q.HasAtLeast(models.SeverityHigh) {
		t.Error("queue with a critical fault did not report >= high")
	}
}

func TestSnapshotOrderAndIsolation(t *testing.T) {
	q := New()
	q.Enqueue(fault(models.SeverityLow, "low"))
	q.Enqueue(fault(models.SeverityHigh, "high"))
	q.Enqueue(fault(models.SeverityMedium, "medium"))

	snap := q.Snapshot()
	expected := []string{"high", "medium", "low"}
	for i, msg := range expected {
		if snap[i].Message != msg {
			t.Errorf("position %d: expected %s, got %s", i, msg, snap[i].Message)
		}
	}
	if q.Size() != 3 {
		t.Errorf("Snapshot drained the queue: size=%d", q.Size())
	}
}

func TestReadySignalsOnEnqueue(t *testing.T) {
	q := New()
	q.Enqueue(fault(models.SeverityLow, "x"))
	select {
	case <-q.Ready():
	default:
		t.Fatal("Ready did not fire after Enqueue")
	}
}

func TestConcurrentEnqueueDequeue(t *testing.T) {
	q := New()
	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(fault(models.Severity(i%4), fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}

	got := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		if _, err := q.Dequeue(); err == nil {
			got++
			continue
		}
		select {
		case <-done:
			for q.Size() > 0 {
				if _, err := q.Dequeue(); err == nil {
					got++
				}
			}
			if got != producers*perProducer {
				t.Errorf("expected %d faults, dequeued %d", producers*perProducer, got)
			}
			return
		default:
		}
	}
}
