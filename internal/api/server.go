// Package api is the structured operator channel: status, the pending
// proposal, the approve/reject/abandon/acknowledge controls and worker stop
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/healwatch/internal/history"
	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/internal/operator"
	"github.com/psantana5/healwatch/internal/registry"
	"github.com/psantana5/healwatch/internal/supervisor"
	"github.com/psantana5/healwatch/internal/workflow"
)

var (
	errRateLimited   = errors.New("rate limit exceeded")
	errNoRemediation = errors.New("no fault in remediation")
)

// Supervisor is the control surface the API drives
type Supervisor interface {
	Status() supervisor.Status
	AbandonCurrent(reason string) bool
	Acknowledge(ctx context.Context) error
	StopWorker(ctx context.Context, name string) error
}

// Proposals is the approval gate
type Proposals interface {
	Pending() (workflow.Proposal, bool)
	Decide(v workflow.Verdict) error
}

// History lists recent faults
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// Config holds API server settings
type Config struct {
	Listen    string    `mapstructure:"listen" yaml:"listen"`
	TokenHash string    `mapstructure:"token_hash" yaml:"token_hash,omitempty"`
	RateLimit float64   `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second per client, 0 disables
	Burst     int       `mapstructure:"burst" yaml:"burst"`
	TLS       TLSConfig `mapstructure:"tls" yaml:"tls"`
}

// DefaultConfig returns the default API settings
func DefaultConfig() Config {
	return Config{
		Listen:    "127.0.0.1:9190",
		RateLimit: 20,
		Burst:     40,
	}
}

// ProposalResponse is a pending proposal with its diff
type ProposalResponse struct {
	workflow.Proposal
	Diff string `json:"diff"`
}

// DecisionRequest carries the operator's reason or feedback
type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Server serves the operator API
type Server struct {
	sup     Supervisor
	gate    Proposals
	history History
	metrics http.Handler
	auth    *TokenAuth
	limiter *limiter
	logger  *logging.Logger
	router  *mux.Router
}

// Middleware wraps every routed request, e.g. request metrics
type Middleware = mux.MiddlewareFunc

// NewServer builds the router. hist, metricsHandler and mw are optional.
func NewServer(sup Supervisor, gate Proposals, hist History, metricsHandler http.Handler, cfg Config, logger *logging.Logger, mw ...Middleware) (*Server, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		sup:     sup,
		gate:    gate,
		history: hist,
		metrics: metricsHandler,
		logger:  logger.Component("api"),
	}
	if cfg.TokenHash != "" {
		auth, err := NewTokenAuth(cfg.TokenHash)
		if err != nil {
			return nil, err
		}
		s.auth = auth
	}
	if cfg.RateLimit > 0 {
		s.limiter = newLimiter(cfg.RateLimit, cfg.Burst)
	}
	s.routes(mw)
	return s, nil
}

func (s *Server) routes(mw []Middleware) {
	r := mux.NewRouter()
	for _, m := range mw {
		r.Use(m)
	}
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}

	r.HandleFunc("/health", s.Health).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods("GET")
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.Status).Methods("GET")
	v1.HandleFunc("/proposal", s.Proposal).Methods("GET")
	v1.HandleFunc("/history", s.History).Methods("GET")

	control := v1.NewRoute().Subrouter()
	if s.auth != nil {
		control.Use(s.auth.Middleware)
	}
	control.HandleFunc("/proposal/approve", s.Approve).Methods("POST")
	control.HandleFunc("/proposal/reject", s.Reject).Methods("POST")
	control.HandleFunc("/abandon", s.Abandon).Methods("POST")
	control.HandleFunc("/ack", s.Ack).Methods("POST")
	control.HandleFunc("/workers/{name}/stop", s.StopWorker).Methods("POST")

	s.router = r
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// RouteName labels a request by its route template for metrics
func RouteName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// NewHTTPServer wraps the handler with the timeouts the API runs with
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// RunLimiterCleanup drops idle rate limit buckets until ctx is done
func (s *Server) RunLimiterCleanup(ctx context.Context) {
	if s.limiter == nil {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.cleanup(10 * time.Minute)
		}
	}
}

// Health reports liveness and the system state
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	st := s.sup.Status()
	body := map[string]interface{}{
		"status": "ok",
		"state":  st.State,
	}
	if st.Detector != nil {
		body["detector"] = st.Detector["status"]
	}
	writeJSON(w, http.StatusOK, body)
}

// Status returns the full system status
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Status())
}

// Proposal returns the proposal awaiting approval
func (s *Server) Proposal(w http.ResponseWriter, r *http.Request) {
	p, ok := s.gate.Pending()
	if !ok {
		writeError(w, http.StatusNotFound, operator.ErrNoProposal)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResponse{Proposal: p, Diff: operator.Diff(p)})
}

// History returns recent faults with their dispositions
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, errors.New("history store not configured"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("History query failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"faults": records,
		"count":  len(records),
	})
}

// Approve applies the pending proposal
func (s *Server) Approve(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "approved via API"
	}
	s.decide(w, workflow.Verdict{Decision: workflow.DecisionApprove, Reason: req.Reason})
}

// Reject discards the pending proposal and asks for another one
func (s *Server) Reject(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, errors.New("reject needs a reason for the corrector"))
		return
	}
	s.decide(w, workflow.Verdict{Decision: workflow.DecisionReject, Reason: req.Reason})
}

// Abandon gives up on the fault in remediation
func (s *Server) Abandon(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "abandoned via API"
	}
	if _, pending := s.gate.Pending(); pending {
		s.decide(w, workflow.Verdict{Decision: workflow.DecisionAbandon, Reason: req.Reason})
		return
	}
	if !s.sup.AbandonCurrent(req.Reason) {
		writeError(w, http.StatusConflict, errNoRemediation)
		return
	}
	s.logger.Info("Remediation abandoned via API", map[string]interface{}{"reason": req.Reason})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "abandoning"})
}

// Ack acknowledges the oldest held fault
func (s *Server) Ack(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Acknowledge(r.Context()); err != nil {
		if errors.Is(err, supervisor.ErrNotHeld) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// StopWorker terminates one worker and keeps it stopped
func (s *Server) StopWorker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.sup.StopWorker(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("Worker stopped via API", map[string]interface{}{"worker": name})
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "worker": name})
}

func (s *Server) decide(w http.ResponseWriter, v workflow.Verdict) {
	if err := s.gate.Decide(v); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": v.Decision.String()})
}

func decodeDecision(w http.ResponseWriter, r *http.Request) (DecisionRequest, bool) {
	var req DecisionRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, true
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
