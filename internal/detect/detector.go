// Package detect probes workers, source artifacts and log streams and turns
// what it finds into faults on the fault queue. It never pauses anything.
package detect

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/psantana5/healwatch/internal/inspect"
	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/internal/logtail"
	"github.com/psantana5/healwatch/internal/registry"
	"github.com/psantana5/healwatch/pkg/models"
)

// Workers is the registry view the detector needs: read access plus the
// liveness timestamp, which is not run-state
type Workers interface {
	registry.Reader
	ObserveAlive(name string, at time.Time) error
}

// Prober answers process-liveness queries
type Prober interface {
	Alive(pid int) (bool, error)
}

// ExitReporter is implemented by probers that remember how a process ended
type ExitReporter interface {
	LastExit(pid int) (models.ExitStatus, bool)
}

// Sink receives emitted faults
type Sink interface {
	Enqueue(f models.Fault)
}

// Observer is notified of detector activity (metrics, audit)
type Observer interface {
	FaultDetected(f models.Fault)
	DetectionFailed(err *DetectionFailure)
}

// Stream is a tailed log stream, optionally tied to the artifact that
// produces it
type Stream struct {
	Name     string `mapstructure:"stream" yaml:"stream"`
	Path     string `mapstructure:"path" yaml:"path"`
	Artifact string `mapstructure:"artifact" yaml:"artifact,omitempty"`
}

// Config holds detector cadences and targets
type Config struct {
	LivenessInterval time.Duration `mapstructure:"liveness_interval" yaml:"liveness_interval"`
	AnalysisInterval time.Duration `mapstructure:"analysis_interval" yaml:"analysis_interval"`
	TailLines        int           `mapstructure:"tail_lines" yaml:"tail_lines"`
	Artifacts        []string      `mapstructure:"-" yaml:"-"`
	Streams          []Stream      `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the default cadences
func DefaultConfig() Config {
	return Config{
		LivenessInterval: 5 * time.Second,
		AnalysisInterval: 30 * time.Second,
		TailLines:        10,
	}
}

// Detector emits faults from periodic liveness and analysis passes
type Detector struct {
	workers   Workers
	prober    Prober
	inspector inspect.Inspector
	logs      logtail.Source
	sink      Sink
	cfg       Config
	logger    *logging.Logger
	health    *HealthCheck

	mu         sync.Mutex
	observers  []Observer
	open       map[string]string // fault key -> fault ID
	watermarks map[string]watermark

	trigger chan struct{}
}

// New creates a detector. inspector and logs may be nil when no artifacts or
// streams are tracked.
func New(workers Workers, prober Prober, inspector inspect.Inspector, logs logtail.Source, sink Sink, cfg Config, logger *logging.Logger) *Detector {
	def := DefaultConfig()
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = def.LivenessInterval
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = def.AnalysisInterval
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = def.TailLines
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Detector{
		workers:    workers,
		prober:     prober,
		inspector:  inspector,
		logs:       logs,
		sink:       sink,
		cfg:        cfg,
		logger:     logger.Component("detector"),
		health:     NewHealthCheck(),
		open:       make(map[string]string),
		watermarks: make(map[string]watermark),
		trigger:    make(chan struct{}, 1),
	}
}

// AddObserver registers an observer
func (d *Detector) AddObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Health returns the detector health tracker
func (d *Detector) Health() *HealthCheck {
	return d.health
}

// Trigger requests an analysis pass ahead of the next tick
func (d *Detector) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run drives both cadences until ctx is cancelled. An analysis pass runs
// immediately so defects present at startup are found without waiting.
func (d *Detector) Run(ctx context.Context) {
	liveness := time.NewTicker(d.cfg.LivenessInterval)
	defer liveness.Stop()
	analysis := time.NewTicker(d.cfg.AnalysisInterval)
	defer analysis.Stop()

	d.logger.Info("Detector started", map[string]interface{}{
		"liveness_interval": d.cfg.LivenessInterval.String(),
		"analysis_interval": d.cfg.AnalysisInterval.String(),
		"artifacts":         len(d.cfg.Artifacts),
		"streams":           len(d.cfg.Streams),
	})

	d.Analyze(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Detector stopped")
			return
		case <-liveness.C:
			d.CheckLiveness(ctx)
		case <-analysis.C:
			d.Analyze(ctx)
		case <-d.trigger:
			d.Analyze(ctx)
		}
	}
}

// CheckLiveness probes every Running worker and emits a critical
// process_crash for each one whose process is gone
func (d *Detector) CheckLiveness(ctx context.Context) []models.Fault {
	var (
		emitted []models.Fault
		failed  *DetectionFailure
	)

	for _, w := range d.workers.Snapshot() {
		if ctx.Err() != nil {
			return emitted
		}
		if w.State != models.RunStateRunning {
			continue
		}

		alive, err := d.prober.Alive(w.PID)
		if err != nil {
			failed = newFailure(SourceLiveness, w.Name, err)
			d.fail(failed)
			continue
		}
		if alive {
			_ = d.workers.ObserveAlive(w.Name, time.Now())
			continue
		}

		var exit models.ExitStatus
		if er, ok := d.prober.(ExitReporter); ok {
			exit, _ = er.LastExit(w.PID)
		}
		if f, ok := d.emit(crashFault(w, crashMessage(w, exit), exit.Stderr)); ok {
			emitted = append(emitted, f)
		}
	}

	if failed == nil {
		d.health.RecordSuccess(SourceLiveness)
	}
	return emitted
}

// ReportCrash emits a process_crash for a worker lost during lifecycle
// control, such as one that never acknowledged suspension
func (d *Detector) ReportCrash(w models.Worker, reason string) {
	msg := fmt.Sprintf("worker %s (PID %d) %s", w.Name, w.PID, reason)
	d.emit(crashFault(w, msg, ""))
}

// Analyze validates every tracked artifact and tails every log stream
func (d *Detector) Analyze(ctx context.Context) []models.Fault {
	emitted := d.inspectArtifacts(ctx)
	return append(emitted, d.scanLogs(ctx)...)
}

func (d *Detector) inspectArtifacts(ctx context.Context) []models.Fault {
	if d.inspector == nil || len(d.cfg.Artifacts) == 0 {
		return nil
	}

	var (
		emitted []models.Fault
		failed  bool
	)
	owners := d.artifactOwners()

	for _, path := range d.cfg.Artifacts {
		if ctx.Err() != nil {
			return emitted
		}

		defect, err := d.inspector.Validate(ctx, path)
		if err != nil {
			d.fail(newFailure(SourceInspector, path, err))
			failed = true
			continue
		}
		if defect == nil {
			continue
		}

		origin := owners[path]
		if origin == "" {
			origin = filepath.Base(path)
		}
		f := models.NewFault(models.FaultSourceDefect, models.SeverityHigh, origin, defect.Message,
			&models.ArtifactRef{Path: path, Line: defect.Line})
		if f, ok := d.emit(f); ok {
			emitted = append(emitted, f)
		}
	}

	if !failed {
		d.health.RecordSuccess(SourceInspector)
	}
	return emitted
}

func (d *Detector) scanLogs(ctx context.Context) []models.Fault {
	if d.logs == nil || len(d.cfg.Streams) == 0 {
		return nil
	}

	var (
		emitted []models.Fault
		failed  bool
	)

	for _, stream := range d.cfg.Streams {
		if ctx.Err() != nil {
			return emitted
		}

		entries, err := d.logs.Tail(ctx, stream.Name, d.cfg.TailLines)
		if err != nil {
			d.fail(newFailure(SourceLogs, stream.Name, err))
			failed = true
			continue
		}

		d.mu.Lock()
		mark := d.watermarks[stream.Name]
		d.mu.Unlock()
		next := mark.clone()
		atMark := make(map[string]int)

		for _, e := range entries {
			if e.Timestamp.Before(mark.at) {
				continue
			}
			key := entryKey(e)
			if e.Timestamp.Equal(mark.at) {
				atMark[key]++
				if atMark[key] <= mark.seen[key] {
					continue
				}
			}
			next.observe(e.Timestamp, key)

			var sev models.Severity
			switch e.Tag {
			case logtail.TagError:
				sev = models.SeverityMedium
			case logtail.TagWarning:
				sev = models.SeverityLow
			default:
				continue
			}

			origin := e.Component
			if origin == "" {
				origin = stream.Name
			}
			var ref *models.ArtifactRef
			if stream.Artifact != "" {
				ref = &models.ArtifactRef{Path: stream.Artifact}
			}
			f := models.NewFault(models.FaultLogAnomaly, sev, origin, e.Message, ref)
			if f, ok := d.emit(f); ok {
				emitted = append(emitted, f)
			}
		}

		d.mu.Lock()
		d.watermarks[stream.Name] = next
		d.mu.Unlock()
	}

	if !failed {
		d.health.RecordSuccess(SourceLogs)
	}
	return emitted
}

// Release clears the open-fault marker for f so the same condition can be
// reported again
func (d *Detector) Release(f models.Fault) {
	key := f.Key()
	if key == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open[key] == f.ID {
		delete(d.open, key)
	}
}

// IsOpen reports whether a fault with key is queued or in remediation
func (d *Detector) IsOpen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.open[key]
	return ok
}

// emit enqueues f unless a fault with the same key is still open
func (d *Detector) emit(f models.Fault) (models.Fault, bool) {
	d.mu.Lock()
	if key := f.Key(); key != "" {
		if _, open := d.open[key]; open {
			d.mu.Unlock()
			d.logger.Debug("Fault suppressed, already open", map[string]interface{}{"key": key})
			return f, false
		}
		d.open[key] = f.ID
	}
	observers := append([]Observer(nil), d.observers...)
	d.mu.Unlock()

	d.sink.Enqueue(f)
	for _, o := range observers {
		o.FaultDetected(f)
	}

	d.logger.Warn("Fault detected", map[string]interface{}{
		"fault_id": f.ID,
		"kind":     string(f.Kind),
		"severity": f.Severity.String(),
		"origin":   f.Origin,
		"message":  f.Message,
	})
	return f, true
}

func (d *Detector) fail(err *DetectionFailure) {
	d.health.RecordFailure(err)

	d.mu.Lock()
	observers := append([]Observer(nil), d.observers...)
	d.mu.Unlock()
	for _, o := range observers {
		o.DetectionFailed(err)
	}

	d.logger.Warn("Detection failed, retrying next tick", map[string]interface{}{
		"source": err.Source,
		"target": err.Target,
		"error":  err.Err.Error(),
	})
}

func (d *Detector) artifactOwners() map[string]string {
	owners := make(map[string]string)
	for _, w := range d.workers.Snapshot() {
		if w.Source != "" {
			owners[w.Source] = w.Name
		}
	}
	return owners
}

func crashFault(w models.Worker, msg, stderr string) models.Fault {
	return models.NewFault(models.FaultProcessCrash, models.SeverityCritical, w.Name, msg, crashArtifact(w, stderr))
}

func crashMessage(w models.Worker, exit models.ExitStatus) string {
	msg := fmt.Sprintf("worker %s (PID %d) exited unexpectedly", w.Name, w.PID)
	if exit.Err != "" {
		msg += ": " + exit.Err
	}
	if exit.Stderr != "" {
		msg += "\n" + exit.Stderr
	}
	return msg
}

// watermark is the newest timestamp reported on a stream and how many
// entries of each kind were already seen at exactly that timestamp. Log
// timestamps have second resolution, so several entries share one.
type watermark struct {
	at   time.Time
	seen map[string]int
}

func (w watermark) clone() watermark {
	c := watermark{at: w.at, seen: make(map[string]int, len(w.seen))}
	for k, n := range w.seen {
		c.seen[k] = n
	}
	return c
}

func (w *watermark) observe(at time.Time, key string) {
	if at.After(w.at) {
		w.at = at
		w.seen = make(map[string]int)
	}
	if at.Equal(w.at) {
		w.seen[key]++
	}
}

func entryKey(e logtail.Entry) string {
	return string(e.Tag) + "\x00" + e.Component + "\x00" + e.Message
}
