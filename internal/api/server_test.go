package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/healwatch/internal/history"
	"github.com/psantana5/healwatch/internal/metrics"
	"github.com/psantana5/healwatch/internal/operator"
	"github.com/psantana5/healwatch/internal/registry"
	"github.com/psantana5/healwatch/internal/supervisor"
	"github.com/psantana5/healwatch/internal/workflow"
	"github.com/psantana5/healwatch/pkg/models"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	held      bool
	inFlight  bool
	abandoned []string
	stopped   []string
}

func (f *fakeSupervisor) StopWorker(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "sim" {
		return fmt.Errorf("%w: %s", registry.ErrUnknownWorker, name)
	}
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeSupervisor) stoppedWorkers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeSupervisor) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := supervisor.Status{
		State:   supervisor.StateRunning,
		Workers: []models.Worker{{Name: "sim", State: models.RunStatePaused}},
	}
	if f.held {
		st.State = supervisor.StateHeld
	}
	return st
}

func (f *fakeSupervisor) AbandonCurrent(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inFlight {
		return false
	}
	f.abandoned = append(f.abandoned, reason)
	return true
}

func (f *fakeSupervisor) Acknowledge(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.held {
		return supervisor.ErrNotHeld
	}
	f.held = false
	return nil
}

func (f *fakeSupervisor) setInFlight(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = v
}

func (f *fakeSupervisor) abandonReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.abandoned...)
}

type fakeHistory struct{}

func (fakeHistory) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	f := models.NewFault(models.FaultLogAnomaly, models.SeverityLow, "ui", "deprecated flag", nil)
	return []history.Record{{Fault: f, Outcome: models.StateCommitted}}, nil
}

func newTestServer(t *testing.T, sup *fakeSupervisor, gate *operator.Gate, cfg Config) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	s, err := NewServer(sup, gate, fakeHistory{}, m.Handler(), cfg, nil, m.Middleware(RouteName))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, m
}

// pendingProposal parks a proposal in gate and returns the verdict channel
func pendingProposal(t *testing.T, gate *operator.Gate) <-chan workflow.Verdict {
	t.Helper()
	out := make(chan workflow.Verdict, 1)
	f := models.NewFault(models.FaultSourceDefect, models.SeverityHigh, "sim", "syntax error",
		&models.ArtifactRef{Path: "sim.go", Line: 2})
	go func() {
		v, err := gate.Review(context.Background(), workflow.Proposal{
			Fault: f, Attempt: 1, Path: "sim.go",
			Current: "package sim\nfunc (\n", Content: "package sim\n",
		})
		if err == nil {
			out <- v
		}
	}()
	require.Eventually(t, func() bool {
		_, ok := gate.Pending()
		return ok
	}, time.Second, 5*time.Millisecond)
	return out
}

func TestStatusAndHealth(t *testing.T) {
	ts, _ := newTestServer(t, &fakeSupervisor{}, operator.NewGate(nil), Config{})
	c := NewClient(ts.URL, "")

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateRunning, st.State)
	require.Len(t, st.Workers, 1)
	assert.Equal(t, models.RunStatePaused, st.Workers[0].State)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProposalApprove(t *testing.T) {
	gate := operator.NewGate(nil)
	ts, _ := newTestServer(t, &fakeSupervisor{}, gate, Config{})
	c := NewClient(ts.URL, "")
	ctx := context.Background()

	_, err := c.Proposal(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	verdicts := pendingProposal(t, gate)
	p, err := c.Proposal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sim.go", p.Path)
	assert.Contains(t, p.Diff, "+++ sim.go (proposed)")

	require.NoError(t, c.Approve(ctx, ""))
	v := <-verdicts
	assert.Equal(t, workflow.DecisionApprove, v.Decision)
	assert.Equal(t, "approved via API", v.Reason)

	err = c.Approve(ctx, "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestRejectNeedsReason(t *testing.T) {
	gate := operator.NewGate(nil)
	ts, _ := newTestServer(t, &fakeSupervisor{}, gate, Config{})
	c := NewClient(ts.URL, "")
	verdicts := pendingProposal(t, gate)

	err := c.Reject(context.Background(), "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	require.NoError(t, c.Reject(context.Background(), "keep the signature"))
	v := <-verdicts
	assert.Equal(t, workflow.DecisionReject, v.Decision)
	assert.Equal(t, "keep the signature", v.Reason)
}

func TestAbandon(t *testing.T) {
	sup := &fakeSupervisor{}
	gate := operator.NewGate(nil)
	ts, _ := newTestServer(t, sup, gate, Config{})
	c := NewClient(ts.URL, "")
	ctx := context.Background()

	var apiErr *APIError
	require.True(t, errors.As(c.Abandon(ctx, ""), &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	sup.setInFlight(true)
	require.NoError(t, c.Abandon(ctx, "wrong file"))
	assert.Equal(t, []string{"wrong file"}, sup.abandonReasons())

	verdicts := pendingProposal(t, gate)
	require.NoError(t, c.Abandon(ctx, "not safe"))
	v := <-verdicts
	assert.Equal(t, workflow.DecisionAbandon, v.Decision)
	assert.Len(t, sup.abandonReasons(), 1, "pending proposal answered through the gate")
}

func TestAck(t *testing.T) {
	sup := &fakeSupervisor{held: true}
	ts, _ := newTestServer(t, sup, operator.NewGate(nil), Config{})
	c := NewClient(ts.URL, "")

	require.NoError(t, c.Ack(context.Background()))
	var apiErr *APIError
	require.True(t, errors.As(c.Ack(context.Background()), &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestStopWorker(t *testing.T) {
	sup := &fakeSupervisor{}
	ts, _ := newTestServer(t, sup, operator.NewGate(nil), Config{})
	c := NewClient(ts.URL, "")

	require.NoError(t, c.StopWorker(context.Background(), "sim"))
	assert.Equal(t, []string{"sim"}, sup.stoppedWorkers())

	var apiErr *APIError
	require.True(t, errors.As(c.StopWorker(context.Background(), "ghost"), &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestHistory(t *testing.T) {
	ts, _ := newTestServer(t, &fakeSupervisor{}, operator.NewGate(nil), Config{})
	c := NewClient(ts.URL, "")

	records, err := c.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StateCommitted, records[0].Outcome)

	resp, err := http.Get(ts.URL + "/api/v1/history?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenRequiredForControls(t *testing.T) {
	token, hash, err := GenerateToken()
	require.NoError(t, err)

	sup := &fakeSupervisor{held: true}
	ts, _ := newTestServer(t, sup, operator.NewGate(nil), Config{TokenHash: hash})

	var apiErr *APIError
	err = NewClient(ts.URL, "").Ack(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	err = NewClient(ts.URL, "wrong").Ack(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	require.NoError(t, NewClient(ts.URL, token).Ack(context.Background()))

	// Reads stay open
	_, err = NewClient(ts.URL, "").Status(context.Background())
	assert.NoError(t, err)
}

func TestInvalidTokenHash(t *testing.T) {
	_, err := NewServer(&fakeSupervisor{}, operator.NewGate(nil), nil, nil, Config{TokenHash: "plaintext"}, nil)
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, &fakeSupervisor{}, operator.NewGate(nil), Config{RateLimit: 0.001, Burst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMetricsUseRouteTemplates(t *testing.T) {
	ts, _ := newTestServer(t, &fakeSupervisor{}, operator.NewGate(nil), Config{})
	_, err := NewClient(ts.URL, "").Status(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `healwatch_http_requests_total{method="GET",route="/api/v1/status",status="200"} 1`)
}
