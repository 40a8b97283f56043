// Package history is the remediation audit trail: every fault the detector
// emitted and the terminal disposition it reached.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/internal/retry"
	"github.com/psantana5/healwatch/pkg/models"
)

// ErrNotFound is returned when a fault has no record
var ErrNotFound = errors.New("fault not found in history")

// DefaultDSN is the SQLite database used when none is configured
const DefaultDSN = "healwatch.db"

// Config selects the database. A postgres:// or postgresql:// DSN uses
// PostgreSQL; anything else is a SQLite file path.
type Config struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// Disposition is the terminal outcome of a remediation
type Disposition struct {
	FaultID    string
	Outcome    models.WorkflowState
	Reason     string
	Attempts   int
	BackupRef  string
	FinishedAt time.Time
}

// Record is one fault with its disposition, if it has reached one
type Record struct {
	Fault        models.Fault         `json:"fault"`
	Outcome      models.WorkflowState `json:"outcome,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Attempts     int                  `json:"attempts,omitempty"`
	BackupRef    string               `json:"backup_ref,omitempty"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
	Acknowledged bool                 `json:"acknowledged"`
}

// Store persists the audit trail
type Store struct {
	db       *sql.DB
	postgres bool
	mu       sync.Mutex
	logger   *logging.Logger
}

// Open connects to the database and creates the schema, retrying
// transient failures
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	dsn := cfg.DSN
	if dsn == "" {
		dsn = DefaultDSN
	}
	postgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	rc := retry.DefaultConfig()
	rc.OnRetry = func(attempt int, wait time.Duration, err error) {
		logger.Warn("History store unavailable, retrying", map[string]interface{}{
			"attempt": attempt,
			"wait":    wait.String(),
			"error":   err.Error(),
		})
	}

	var s *Store
	err := retry.Do(ctx, rc, func(ctx context.Context) error {
		db, err := openDB(dsn, postgres)
		if err != nil {
			return retry.Permanent(err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return fmt.Errorf("failed to ping database: %w", err)
		}
		candidate := &Store{db: db, postgres: postgres, logger: logger.Component("history")}
		if err := candidate.initSchema(ctx); err != nil {
			db.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		s = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}

	driver := "sqlite3"
	if postgres {
		driver = "postgres"
	}
	s.logger.Info("History store opened", map[string]interface{}{"driver": driver})
	return s, nil
}

func openDB(dsn string, postgres bool) (*sql.DB, error) {
	if postgres {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
		return db, nil
	}

	// WAL and a busy timeout let the CLI read while the supervisor writes
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS faults (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			origin TEXT NOT NULL,
			message TEXT NOT NULL,
			artifact_path TEXT NOT NULL DEFAULT '',
			artifact_line INTEGER NOT NULL DEFAULT 0,
			detected_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dispositions (
			fault_id TEXT PRIMARY KEY,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			backup_ref TEXT NOT NULL DEFAULT '',
			finished_at TEXT NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_faults_detected_at ON faults(detected_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordFault stores a newly detected fault. Recording the same fault twice
// is a no-op.
func (s *Store) RecordFault(ctx context.Context, f models.Fault) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, line := "", 0
	if f.Artifact != nil {
		path, line = f.Artifact.Path, f.Artifact.Line
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO faults (id, kind, severity, origin, message, artifact_path, artifact_line, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		f.ID, string(f.Kind), f.Severity.String(), f.Origin, f.Message, path, line, formatTime(f.DetectedAt))
	if err != nil {
		return fmt.Errorf("record fault %s: %w", f.ID, err)
	}
	return nil
}

// RecordDisposition stores the terminal outcome of a fault
func (s *Store) RecordDisposition(ctx context.Context, d Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.FinishedAt.IsZero() {
		d.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO dispositions (fault_id, outcome, reason, attempts, backup_ref, finished_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (fault_id) DO UPDATE SET
			outcome = excluded.outcome,
			reason = excluded.reason,
			attempts = excluded.attempts,
			backup_ref = excluded.backup_ref,
			finished_at = excluded.finished_at`),
		d.FaultID, string(d.Outcome), d.Reason, d.Attempts, d.BackupRef, formatTime(d.FinishedAt))
	if err != nil {
		return fmt.Errorf("record disposition %s: %w", d.FaultID, err)
	}
	return nil
}

// Acknowledge marks an abandoned fault as seen by the operator
func (s *Store) Acknowledge(ctx context.Context, faultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE dispositions SET acknowledged = 1 WHERE fault_id = ?`), faultID)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", faultID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, faultID)
	}
	return nil
}

// Recent returns the newest faults first
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `ORDER BY f.detected_at DESC LIMIT `+strconv.Itoa(limit))
}

// Unacknowledged returns abandoned critical and high faults still awaiting
// operator acknowledgement, oldest first
func (s *Store) Unacknowledged(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `WHERE d.outcome = 'abandoned' AND d.acknowledged = 0
		AND f.severity IN ('critical', 'high')
		ORDER BY f.detected_at ASC`)
}

func (s *Store) query(ctx context.Context, tail string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.kind, f.severity, f.origin, f.message, f.artifact_path, f.artifact_line, f.detected_at,
			COALESCE(d.outcome, ''), COALESCE(d.reason, ''), COALESCE(d.attempts, 0),
			COALESCE(d.backup_ref, ''), COALESCE(d.finished_at, ''), COALESCE(d.acknowledged, 0)
		FROM faults f
		LEFT JOIN dispositions d ON d.fault_id = f.id
		`+tail)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                            Record
			kind, severity, path         string
			detectedAt, outcome          string
			finishedAt                   string
			line, attempts, acknowledged int
		)
		if err := rows.Scan(&r.Fault.ID, &kind, &severity, &r.Fault.Origin, &r.Fault.Message, &path, &line, &detectedAt,
			&outcome, &r.Reason, &attempts, &r.BackupRef, &finishedAt, &acknowledged); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}

		r.Fault.Kind = models.FaultKind(kind)
		if sev, err := models.ParseSeverity(severity); err == nil {
			r.Fault.Severity = sev
		}
		if path != "" {
			r.Fault.Artifact = &models.ArtifactRef{Path: path, Line: line}
		}
		r.Fault.DetectedAt = parseTime(detectedAt)
		r.Outcome = models.WorkflowState(outcome)
		r.Attempts = attempts
		r.Acknowledged = acknowledged != 0
		if finishedAt != "" {
			t := parseTime(finishedAt)
			r.FinishedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $N for PostgreSQL
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
