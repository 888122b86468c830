// Package ledger keeps a durable record of finished runs so their outcome can
// be queried after they leave the in-memory registry.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/tendant/simple-media-pipeline/internal/log"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrNotFound is returned when no entry exists for a run ID
var ErrNotFound = errors.New("ledger entry not found")

// Entry is one finished run
type Entry struct {
	RunID       string             `json:"run_id"`
	RecordID    string             `json:"record_id"`
	Kind        pipeline.Kind      `json:"kind"`
	Status      pipeline.Status    `json:"status"`
	Progress    float64            `json:"progress"`
	Error       string             `json:"error,omitempty"`
	ErrorCode   pipeline.ErrorCode `json:"error_code,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Duration    time.Duration      `json:"duration"`
	Outputs     json.RawMessage    `json:"outputs,omitempty"`
	SeenCount   int                `json:"seen_count"`
}

// outputs is the persisted subset of a result; inputs are not stored
type outputs struct {
	Image    *pipeline.ImageResult    `json:"image,omitempty"`
	Audio    *pipeline.AudioResult    `json:"audio,omitempty"`
	Document *pipeline.DocumentResult `json:"document,omitempty"`
}

// Store records terminal runs in postgres or sqlite
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and prepares the tables
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if driver == DriverSQLite {
		// a single connection keeps :memory: databases shared and serialises writers
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}

	s, err := New(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection and prepares the tables
func New(ctx context.Context, db *sql.DB, driver string) (*Store, error) {
	s := &Store{db: db, driver: driver}
	if err := s.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger tables: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureTables(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS run_ledger (
			run_id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			source_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			completed_at BIGINT,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			outputs TEXT NOT NULL DEFAULT '{}'
		)`, `
		CREATE TABLE IF NOT EXISTS source_seen (
			source_key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			first_seen_at BIGINT NOT NULL,
			last_seen_at BIGINT NOT NULL,
			seen_count INTEGER NOT NULL DEFAULT 1
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	logger := log.WithComponent("ledger")
	logger.Info().Str("driver", s.driver).Msg("ledger tables ready")
	return nil
}

// Record stores a terminal result and bumps the seen count of its source
func (s *Store) Record(ctx context.Context, result *pipeline.Result) error {
	if result == nil {
		return fmt.Errorf("nil result")
	}

	var recordID, locator string
	if result.Input != nil {
		recordID = result.Input.RecordHeader().ID
		locator = sourceLocator(result.Input)
	}
	key := sourceKey(locator, recordID)

	out, err := json.Marshal(outputs{Image: stripInline(result.Image), Audio: stripAudio(result.Audio), Document: result.Document})
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	var completed sql.NullInt64
	if result.CompletedAt != nil {
		completed = sql.NullInt64{Int64: result.CompletedAt.UnixMilli(), Valid: true}
	}
	now := time.Now().UTC().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO run_ledger (run_id, record_id, source_key, kind, status, progress, error, error_code, created_at, completed_at, duration_ms, outputs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status,
		    progress = EXCLUDED.progress,
		    error = EXCLUDED.error,
		    error_code = EXCLUDED.error_code,
		    completed_at = EXCLUDED.completed_at,
		    duration_ms = EXCLUDED.duration_ms,
		    outputs = EXCLUDED.outputs
	`), result.ID, recordID, key, string(result.Kind), string(result.Status), result.Progress,
		result.Error, string(result.ErrorCode), result.CreatedAt.UnixMilli(), completed,
		result.Duration.Milliseconds(), string(out))
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO source_seen (source_key, kind, first_seen_at, last_seen_at, seen_count)
		VALUES ($1, $2, $3, $3, 1)
		ON CONFLICT (source_key) DO UPDATE
		SET last_seen_at = EXCLUDED.last_seen_at,
		    seen_count = source_seen.seen_count + 1
	`), key, string(result.Kind), now)
	if err != nil {
		return fmt.Errorf("failed to record source: %w", err)
	}

	return tx.Commit()
}

// Get returns the entry for a run
func (s *Store) Get(ctx context.Context, runID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT l.run_id, l.record_id, l.kind, l.status, l.progress, l.error, l.error_code,
		       l.created_at, l.completed_at, l.duration_ms, l.outputs, COALESCE(s.seen_count, 0)
		FROM run_ledger l
		LEFT JOIN source_seen s ON s.source_key = l.source_key
		WHERE l.run_id = $1
	`), runID)

	var (
		e           Entry
		kind        string
		status      string
		code        string
		createdAt   int64
		completedAt sql.NullInt64
		durationMS  int64
		out         string
	)
	err := row.Scan(&e.RunID, &e.RecordID, &kind, &status, &e.Progress, &e.Error, &code,
		&createdAt, &completedAt, &durationMS, &out, &e.SeenCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	e.Kind = pipeline.Kind(kind)
	e.Status = pipeline.Status(status)
	e.ErrorCode = pipeline.ErrorCode(code)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		e.CompletedAt = &t
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	e.Outputs = json.RawMessage(out)
	return &e, nil
}

// SeenCount returns how many finished runs processed the given source,
// keyed by locator when the record had one and by record ID otherwise
func (s *Store) SeenCount(ctx context.Context, locator, recordID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT seen_count FROM source_seen WHERE source_key = $1`),
		sourceKey(locator, recordID)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}
	return n, nil
}

// rebind rewrites $n placeholders for drivers that only accept ?
func (s *Store) rebind(query string) string {
	if s.driver != DriverSQLite {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if j > i+1 {
				b.WriteString("?")
				b.WriteString(query[i+1 : j])
				i = j - 1
				continue
			}
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func sourceLocator(rec pipeline.Record) string {
	switch r := rec.(type) {
	case *pipeline.ImageRecord:
		return r.Locator
	case *pipeline.AudioRecord:
		return r.Locator
	case *pipeline.DocumentRecord:
		return r.Locator
	}
	return ""
}

func sourceKey(locator, recordID string) string {
	if locator != "" {
		return locator
	}
	return "record:" + recordID
}

func stripInline(img *pipeline.ImageResult) *pipeline.ImageResult {
	if img == nil {
		return nil
	}
	c := *img
	c.Enhanced = withoutData(c.Enhanced)
	c.BackgroundRemoved = withoutData(c.BackgroundRemoved)
	c.Resized = withoutData(c.Resized)
	return &c
}

func stripAudio(a *pipeline.AudioResult) *pipeline.AudioResult {
	if a == nil {
		return nil
	}
	c := *a
	c.SilenceRemoved = withoutData(c.SilenceRemoved)
	c.NoiseReduced = withoutData(c.NoiseReduced)
	c.Processed = withoutData(c.Processed)
	return &c
}

func withoutData(m *pipeline.MediaOutput) *pipeline.MediaOutput {
	if m == nil {
		return nil
	}
	c := *m
	c.Data = nil
	return &c
}
