// Package archive persists the document stream to SQLite so completed runs
// can be inspected after the fact. The archive is a plain broadcast
// subscriber: it records what it receives and counts what it missed, and a
// slow disk never stalls the engine.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/easternanemone/labdaq/pkg/document"
	"github.com/easternanemone/labdaq/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds archive configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Metrics         *telemetry.Metrics
}

// Archive is a SQLite-backed recorder for run documents.
type Archive struct {
	db      *sql.DB
	path    string
	cfg     Config
	metrics *telemetry.Metrics
}

// RunRecord is the archived summary row for one run.
type RunRecord struct {
	ID        string     `json:"id"`
	PlanName  string     `json:"plan_name"`
	Status    string     `json:"status"`
	Detail    *string    `json:"detail,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	NumEvents uint64     `json:"num_events"`
	// DocsMissed counts documents the archive's subscription dropped.
	DocsMissed uint64 `json:"docs_missed"`
}

// New creates an archive over a SQLite file. Use ":memory:" for tests.
func New(cfg Config) (*Archive, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}
	return &Archive{path: cfg.Path, cfg: cfg, metrics: metrics}, nil
}

// Init opens the database connection and enables WAL mode.
func (a *Archive) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", a.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(a.cfg.MaxOpenConns)
	db.SetMaxIdleConns(a.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	a.db = db
	return nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (a *Archive) HealthCheck(ctx context.Context) error {
	if a.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return a.db.PingContext(ctx)
}

// Migrate runs database migrations from the embedded sources.
func (a *Archive) Migrate(_ context.Context) error {
	if a.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(a.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Record persists one document. Start documents open a run row, Stop
// documents close it; every document is also stored verbatim as JSON.
func (a *Archive) Record(ctx context.Context, doc document.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	stream, seq := streamAndSeq(doc)
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO documents (uid, run_id, kind, stream, seq_num, body, time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, doc.DocUID(), doc.RunUID(), string(doc.DocKind()), stream, seq, string(body), doc.DocTime())
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}

	switch d := doc.(type) {
	case *document.Start:
		meta, _ := json.Marshal(d.Metadata)
		_, err = a.db.ExecContext(ctx, `
			INSERT INTO runs (id, plan_name, status, started_at, num_events, docs_missed, metadata)
			VALUES (?, ?, 'running', ?, 0, 0, ?)
		`, d.UID, d.PlanName, d.Time, string(meta))
		if err != nil {
			return fmt.Errorf("failed to open run record: %w", err)
		}
	case *document.Stop:
		var detail *string
		if d.Detail != "" {
			detail = &d.Detail
		}
		_, err = a.db.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, detail = ?, stopped_at = ?, num_events = ?
			WHERE id = ?
		`, string(d.Reason), detail, d.Time, d.NumEvents, d.Run)
		if err != nil {
			return fmt.Errorf("failed to close run record: %w", err)
		}
	}
	return nil
}

func streamAndSeq(doc document.Document) (*string, *uint64) {
	switch d := doc.(type) {
	case *document.Descriptor:
		return &d.Stream, nil
	case *document.Event:
		return nil, &d.SeqNum
	default:
		return nil, nil
	}
}

// RecordGap adds dropped-document counts to a run's archive row, so an
// incomplete archive is distinguishable from a complete one.
func (a *Archive) RecordGap(ctx context.Context, runID string, missed uint64) error {
	a.metrics.RecordDocumentsDropped(missed)
	_, err := a.db.ExecContext(ctx, `
		UPDATE runs SET docs_missed = docs_missed + ? WHERE id = ?
	`, missed, runID)
	if err != nil {
		return fmt.Errorf("failed to record document gap: %w", err)
	}
	return nil
}

// Follow consumes a broadcast subscription until the context is cancelled
// or the subscription closes, recording every delivered document. Gaps
// reported by the subscription are tallied against the affected run.
func (a *Archive) Follow(ctx context.Context, sub *document.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-sub.C():
			if !ok {
				return nil
			}
			if d.Missed > 0 {
				if err := a.RecordGap(ctx, d.Doc.RunUID(), d.Missed); err != nil {
					return err
				}
			}
			if err := a.Record(ctx, d.Doc); err != nil {
				return err
			}
		}
	}
}

// GetRun retrieves one archived run summary.
func (a *Archive) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	run := &RunRecord{}
	err := a.db.QueryRowContext(ctx, `
		SELECT id, plan_name, status, detail, started_at, stopped_at, num_events, docs_missed
		FROM runs
		WHERE id = ?
	`, id).Scan(
		&run.ID,
		&run.PlanName,
		&run.Status,
		&run.Detail,
		&run.StartedAt,
		&run.StoppedAt,
		&run.NumEvents,
		&run.DocsMissed,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists archived runs, newest first.
func (a *Archive) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, plan_name, status, detail, started_at, stopped_at, num_events, docs_missed
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		err := rows.Scan(
			&run.ID,
			&run.PlanName,
			&run.Status,
			&run.Detail,
			&run.StartedAt,
			&run.StoppedAt,
			&run.NumEvents,
			&run.DocsMissed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// EventsForRun returns the archived events of one run in seq_num order.
func (a *Archive) EventsForRun(ctx context.Context, runID string) ([]*document.Event, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT body
		FROM documents
		WHERE run_id = ? AND kind = 'event'
		ORDER BY seq_num ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []*document.Event{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev := &document.Event{}
		if err := json.Unmarshal([]byte(body), ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// DocumentsForRun returns every archived document of a run in insertion
// order, decoded to the typed document variants.
func (a *Archive) DocumentsForRun(ctx context.Context, runID string) ([]document.Document, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT kind, body
		FROM documents
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := []document.Document{}
	for rows.Next() {
		var kind, body string
		if err := rows.Scan(&kind, &body); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decodeDocument(document.Kind(kind), []byte(body))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

func decodeDocument(kind document.Kind, body []byte) (document.Document, error) {
	var doc document.Document
	switch kind {
	case document.KindStart:
		doc = &document.Start{}
	case document.KindDescriptor:
		doc = &document.Descriptor{}
	case document.KindEvent:
		doc = &document.Event{}
	case document.KindStop:
		doc = &document.Stop{}
	default:
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}
	if err := json.Unmarshal(body, doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s document: %w", kind, err)
	}
	return doc, nil
}
