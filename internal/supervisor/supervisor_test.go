package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/healwatch/internal/backup"
	"github.com/psantana5/healwatch/internal/corrector"
	"github.com/psantana5/healwatch/internal/faultq"
	"github.com/psantana5/healwatch/internal/history"
	"github.com/psantana5/healwatch/internal/inspect"
	"github.com/psantana5/healwatch/internal/lifecycle"
	"github.com/psantana5/healwatch/internal/lifecycle/lifecycletest"
	"github.com/psantana5/healwatch/internal/registry"
	"github.com/psantana5/healwatch/internal/workflow"
	"github.com/psantana5/healwatch/pkg/models"
)

const brokenGo = "package sim\n\nfunc Run() {\n\treturn (\n}\n"
const fixedGo = "package sim\n\nfunc Run() {}\n"

type fakeDetector struct {
	mu       sync.Mutex
	released []string
}

func (d *fakeDetector) Run(ctx context.Context) { <-ctx.Done() }

func (d *fakeDetector) Release(f models.Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, f.ID)
}

func (d *fakeDetector) Released() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.released...)
}

type fakeRecorder struct {
	mu           sync.Mutex
	dispositions []history.Disposition
	acked        []string
	pending      []history.Record
}

func (r *fakeRecorder) RecordDisposition(ctx context.Context, d history.Disposition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispositions = append(r.dispositions, d)
	return nil
}

func (r *fakeRecorder) Acknowledge(ctx context.Context, faultID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, faultID)
	return nil
}

func (r *fakeRecorder) Unacknowledged(ctx context.Context) ([]history.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, nil
}

func (r *fakeRecorder) Dispositions() []history.Disposition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Disposition(nil), r.dispositions...)
}

// scriptedCorrector returns replies in order, repeating the last one
type scriptedCorrector struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (c *scriptedCorrector) Propose(ctx context.Context, req corrector.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	return c.replies[i], nil
}

// pausedInvariant fails the test if any worker is Running while a fault is
// in remediation
type pausedInvariant struct {
	t   *testing.T
	reg *registry.Registry
}

func (p pausedInvariant) StateChanged(f models.Fault, tr models.StateTransition) {
	for _, w := range p.reg.Snapshot() {
		assert.NotEqual(p.t, models.RunStateRunning, w.State,
			"worker %s running during %s -> %s", w.Name, tr.From, tr.To)
	}
}

func (pausedInvariant) AttemptResult(models.Fault, string) {}

type harness struct {
	sup      *Supervisor
	reg      *registry.Registry
	proc     *lifecycletest.FakeControl
	queue    *faultq.Queue
	detector *fakeDetector
	recorder *fakeRecorder
	dir      string

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, c corrector.Corrector, backups workflow.Backups) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		reg:      registry.New(),
		proc:     lifecycletest.NewFakeControl(),
		queue:    faultq.New(),
		detector: &fakeDetector{},
		recorder: &fakeRecorder{},
		dir:      dir,
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sim.go"), []byte(fixedGo), 0644))
	for _, spec := range []models.WorkerSpec{
		{Name: "sim", Command: []string{"sim"}, Source: filepath.Join(dir, "sim.go")},
		{Name: "ui", Command: []string{"ui"}},
	} {
		require.NoError(t, h.reg.Register(models.NewWorker(spec)))
	}

	ctl := lifecycle.NewController(h.reg, h.proc, lifecycle.Config{
		AckTimeout:   200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		StopGrace:    10 * time.Millisecond,
	}, nil)
	require.NoError(t, ctl.Launch(context.Background(), "sim"))
	require.NoError(t, ctl.Launch(context.Background(), "ui"))

	if backups == nil {
		backups = backup.New(filepath.Join(dir, "backups"), nil)
	}
	verifier := workflow.FaultVerifier{Inspector: inspect.New(inspect.Config{}, nil), Relauncher: ctl}
	wf := workflow.New(ctl, c, workflow.AutoApprove{}, backups, verifier, workflow.Config{MaxAttempts: 3}, nil)
	wf.AddObserver(pausedInvariant{t: t, reg: h.reg})

	sup, err := New(Deps{
		Workers:   h.reg,
		Queue:     h.queue,
		Detector:  h.detector,
		Workflow:  wf,
		Lifecycle: ctl,
		History:   h.recorder,
	}, Config{PauseRetryDelay: 20 * time.Millisecond, RefreshInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	h.sup = sup
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.sup.Run(ctx) }()
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func (h *harness) waitDispositions(t *testing.T, n int) []history.Disposition {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.recorder.Dispositions()) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return h.recorder.Dispositions()
}

func (h *harness) worker(t *testing.T, name string) models.Worker {
	t.Helper()
	w, err := h.reg.Get(name)
	require.NoError(t, err)
	return w
}

func (h *harness) state(name string) models.RunState {
	w, _ := h.reg.Get(name)
	return w.State
}

func (h *harness) defect(path string, sev models.Severity) models.Fault {
	return models.NewFault(models.FaultSourceDefect, sev, "sim", "expected operand",
		&models.ArtifactRef{Path: path, Line: 4})
}

func (h *harness) brokenArtifact(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(brokenGo), 0644))
	return path
}

// A crashed worker is relaunched with the fix and everyone resumes
func TestCrashRemediatedAndResumed(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{replies: []string{fixedGo}}, nil)
	sim := h.worker(t, "sim")
	h.proc.Kill(sim.PID)

	f := models.NewFault(models.FaultProcessCrash, models.SeverityCritical, "sim", "process exited",
		&models.ArtifactRef{Path: sim.Source})
	h.queue.Enqueue(f)
	h.start()

	got := h.waitDispositions(t, 1)
	require.Eventually(t, func() bool {
		return h.state("sim") == models.RunStateRunning && h.state("ui") == models.RunStateRunning
	}, 2*time.Second, 10*time.Millisecond, "resumeAll after commit with an empty queue")
	h.stop(t)

	assert.Equal(t, models.StateCommitted, got[0].Outcome)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, []string{f.ID}, h.detector.Released())
	assert.Equal(t, 2, h.proc.CallCount("start:sim"), "relaunched once")
	assert.Equal(t, 1, h.proc.CallCount("resume:ui"))
	assert.NotEqual(t, sim.PID, h.worker(t, "sim").PID)
}

// Critical work is drained before a medium fault queued first
func TestCriticalRemediatedBeforeMedium(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{replies: []string{"restart the ui worker"}}, nil)

	medium := models.NewFault(models.FaultLogAnomaly, models.SeverityMedium, "ui", "slow response", nil)
	critical := models.NewFault(models.FaultLogAnomaly, models.SeverityCritical, "ui", "database gone", nil)
	h.queue.Enqueue(medium)
	h.queue.Enqueue(critical)
	h.start()

	got := h.waitDispositions(t, 2)
	h.stop(t)

	assert.Equal(t, critical.ID, got[0].FaultID)
	assert.Equal(t, medium.ID, got[1].FaultID)
}

func TestBackupFailureHoldsUntilAcknowledged(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{replies: []string{fixedGo}}, failingBackups{})
	path := h.brokenArtifact(t, "engine.go")
	f := h.defect(path, models.SeverityHigh)
	h.queue.Enqueue(f)
	h.start()

	got := h.waitDispositions(t, 1)
	assert.Equal(t, models.StateAbandoned, got[0].Outcome)
	assert.Contains(t, got[0].Reason, workflow.ErrBackupFailure.Error())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, brokenGo, string(content), "artifact untouched")

	require.Eventually(t, func() bool { return h.sup.State() == StateHeld }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.RunStatePaused, h.worker(t, "ui").State, "no silent resume while held")
	assert.Equal(t, 0, h.proc.CallCount("resume:ui"))
	assert.Empty(t, h.detector.Released())

	require.NoError(t, h.sup.Acknowledge(context.Background()))
	require.Eventually(t, func() bool {
		return h.state("ui") == models.RunStateRunning
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, h.sup.State())
	assert.Equal(t, []string{f.ID}, h.detector.Released())
	assert.Equal(t, []string{f.ID}, h.recorder.acked)

	assert.True(t, errors.Is(h.sup.Acknowledge(context.Background()), ErrNotHeld))
	h.stop(t)
}

// A fix that fails verification is rolled back and the next one commits
func TestVerificationFailureThenCommit(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{replies: []string{brokenGo, fixedGo}}, nil)
	path := h.brokenArtifact(t, "engine.go")
	h.queue.Enqueue(h.defect(path, models.SeverityHigh))
	h.start()

	got := h.waitDispositions(t, 1)
	h.stop(t)

	assert.Equal(t, models.StateCommitted, got[0].Outcome)
	assert.Equal(t, 2, got[0].Attempts)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fixedGo, string(content))
}

func TestWorkersStayPausedAcrossHighFaults(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{replies: []string{fixedGo}}, nil)
	h.queue.Enqueue(h.defect(h.brokenArtifact(t, "a.go"), models.SeverityHigh))
	h.queue.Enqueue(h.defect(h.brokenArtifact(t, "b.go"), models.SeverityCritical))
	h.start()

	h.waitDispositions(t, 2)
	require.Eventually(t, func() bool {
		return h.state("ui") == models.RunStateRunning
	}, 2*time.Second, 10*time.Millisecond)
	h.stop(t)

	assert.Equal(t, 1, h.proc.CallCount("suspend:ui"), "paused once for both faults")
	assert.Equal(t, 1, h.proc.CallCount("resume:ui"), "resumed only after the last high fault")
}

func TestLowAbandonReleasesAndResumes(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{err: errors.New("service unavailable")}, nil)
	f := models.NewFault(models.FaultLogAnomaly, models.SeverityLow, "ui", "deprecated flag", nil)
	h.queue.Enqueue(f)
	h.start()

	got := h.waitDispositions(t, 1)
	require.Eventually(t, func() bool {
		return h.state("ui") == models.RunStateRunning
	}, 2*time.Second, 10*time.Millisecond)
	h.stop(t)

	assert.Equal(t, models.StateAbandoned, got[0].Outcome)
	assert.Equal(t, 3, got[0].Attempts)
	assert.Equal(t, []string{f.ID}, h.detector.Released())
	assert.NotEqual(t, StateHeld, h.sup.State())
}

func TestStopWorkerKeepsItStopped(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{replies: []string{"rotate the log file"}}, nil)
	require.NoError(t, h.sup.StopWorker(context.Background(), "ui"))
	assert.Equal(t, models.RunStateStopped, h.state("ui"))
	assert.Equal(t, 1, h.proc.CallCount("terminate:ui"))

	err := h.sup.StopWorker(context.Background(), "missing")
	assert.True(t, errors.Is(err, registry.ErrUnknownWorker))

	h.queue.Enqueue(models.NewFault(models.FaultLogAnomaly, models.SeverityLow, "sim", "disk nearly full", nil))
	h.start()
	got := h.waitDispositions(t, 1)
	require.Eventually(t, func() bool {
		return h.state("sim") == models.RunStateRunning
	}, 2*time.Second, 10*time.Millisecond)
	h.stop(t)

	assert.Equal(t, models.StateCommitted, got[0].Outcome)
	assert.Equal(t, models.RunStateStopped, h.state("ui"), "resume skips a stopped worker")
	assert.Zero(t, h.proc.CallCount("resume:ui"))
}

func TestPauseFailureRequeuesFault(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{replies: []string{fixedGo}}, nil)
	h.proc.SetSuspendErr("ui", errors.New("operation not permitted"))

	path := h.brokenArtifact(t, "engine.go")
	f := h.defect(path, models.SeverityHigh)
	h.queue.Enqueue(f)
	h.start()

	require.Eventually(t, func() bool {
		return h.proc.CallCount("suspend:ui") >= 2
	}, 2*time.Second, 5*time.Millisecond, "pause retried")
	assert.Empty(t, h.recorder.Dispositions(), "fault not consumed while pause fails")

	h.proc.SetSuspendErr("ui", nil)
	got := h.waitDispositions(t, 1)
	h.stop(t)

	assert.Equal(t, f.ID, got[0].FaultID)
	assert.Equal(t, models.StateCommitted, got[0].Outcome)
}

func TestRestoresHeldFromHistory(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{replies: []string{fixedGo}}, nil)
	old := models.NewFault(models.FaultProcessCrash, models.SeverityCritical, "sim", "exited", nil)
	h.recorder.pending = []history.Record{{Fault: old, Outcome: models.StateAbandoned, Reason: "max attempts"}}

	queued := h.defect(h.brokenArtifact(t, "engine.go"), models.SeverityHigh)
	h.queue.Enqueue(queued)
	h.start()

	require.Eventually(t, func() bool { return h.sup.State() == StateHeld }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.recorder.Dispositions(), "nothing remediated while held")

	require.NoError(t, h.sup.Acknowledge(context.Background()))
	got := h.waitDispositions(t, 1)
	h.stop(t)
	assert.Equal(t, queued.ID, got[0].FaultID)
}

func TestQuitAbandonsAndStops(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{replies: []string{fixedGo}}, nil)
	h.start()

	h.sup.Quit()
	h.sup.Quit()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on Quit")
	}
	assert.Equal(t, StateShuttingDown, h.sup.State())
	h.cancel()
}

func TestStatusAndRender(t *testing.T) {
	h := newHarness(t, &scriptedCorrector{replies: []string{fixedGo}}, nil)
	h.queue.Enqueue(models.NewFault(models.FaultLogAnomaly, models.SeverityMedium, "ui", "slow response", nil))

	st := h.sup.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Len(t, st.Workers, 2)
	assert.Len(t, st.Queue, 1)
	assert.Nil(t, st.Remediation.Fault)

	var buf bytes.Buffer
	require.NoError(t, h.sup.WriteStatus(&buf))
	out := buf.String()
	assert.Contains(t, out, "System: running")
	assert.Contains(t, out, "sim")
	assert.Contains(t, out, "slow response")
	assert.Contains(t, out, "No fault in remediation")
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig(), nil)
	assert.Error(t, err)
}

type failingBackups struct{}

func (failingBackups) Save(string) (string, error) { return "", errors.New("disk full") }

func (failingBackups) Restore(string, string) error { return errors.New("unexpected restore") }
