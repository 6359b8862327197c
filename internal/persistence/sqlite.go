package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSqlite opens the service database. All stores share the one handle.
func OpenSqlite(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases whole and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

type SqliteSink struct {
	db *sql.DB
}

func NewSqliteSink(db *sql.DB) (*SqliteSink, error) {
	s := &SqliteSink{db: db}
	if err := s.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize document schema: %w", err)
	}
	return s, nil
}

func (s *SqliteSink) Init() error {
	// Documents table
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			owner_ref TEXT NOT NULL,
			company_ref TEXT NOT NULL,
			uuid TEXT NOT NULL,
			job_id TEXT NOT NULL,
			type TEXT NOT NULL,
			format TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload BLOB,
			xml_ref TEXT,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (owner_ref, company_ref, uuid)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}

	// Job events table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			state TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			detail TEXT,
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS job_events_job_id ON job_events (job_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create job_events table: %w", err)
	}
	return nil
}

// UpsertDocument inserts a document or replaces the stored one with the same
// key. A metadata row never replaces a full document.
func (s *SqliteSink) UpsertDocument(ctx context.Context, rec DocumentRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (owner_ref, company_ref, uuid, job_id, type, format, direction, payload, xml_ref, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_ref, company_ref, uuid) DO UPDATE SET
			job_id = excluded.job_id,
			type = excluded.type,
			format = excluded.format,
			direction = excluded.direction,
			payload = excluded.payload,
			xml_ref = excluded.xml_ref,
			updated_at = excluded.updated_at
		WHERE NOT (documents.format = 'xml' AND excluded.format = 'metadata')`,
		rec.OwnerRef, rec.CompanyRef, rec.UUID, rec.JobID, rec.Type, rec.Format, rec.Direction,
		rec.Payload, nullable(rec.XMLRef), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", rec.UUID, err)
	}
	return nil
}

func (s *SqliteSink) AppendJobEvent(ctx context.Context, ev JobEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	var detail []byte
	if len(ev.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(ev.Detail); err != nil {
			return fmt.Errorf("failed to encode job event detail: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_events (job_id, stage, state, duration_ms, detail, at) VALUES (?, ?, ?, ?, ?, ?)",
		ev.JobID, ev.Stage, ev.State, ev.DurationMs, nullable(string(detail)), ev.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append job event for %s: %w", ev.JobID, err)
	}
	return nil
}

// Documents lists the stored documents of one company, by UUID.
func (s *SqliteSink) Documents(ctx context.Context, ownerRef, companyRef string) ([]DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, owner_ref, company_ref, uuid, type, format, direction, payload, COALESCE(xml_ref, ''), updated_at
		FROM documents WHERE owner_ref = ? AND company_ref = ? ORDER BY uuid`,
		ownerRef, companyRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Error("failed to close documents query", "err", closeErr)
		}
	}()

	var out []DocumentRecord
	for rows.Next() {
		var (
			rec       DocumentRecord
			updatedAt int64
		)
		if err := rows.Scan(&rec.JobID, &rec.OwnerRef, &rec.CompanyRef, &rec.UUID, &rec.Type, &rec.Format,
			&rec.Direction, &rec.Payload, &rec.XMLRef, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// JobEvents returns a job's history, oldest first.
func (s *SqliteSink) JobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_id, stage, state, duration_ms, COALESCE(detail, ''), at FROM job_events WHERE job_id = ? ORDER BY id",
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Error("failed to close job events query", "err", closeErr)
		}
	}()

	var out []JobEvent
	for rows.Next() {
		var (
			ev     JobEvent
			detail string
			at     int64
		)
		if err := rows.Scan(&ev.JobID, &ev.Stage, &ev.State, &ev.DurationMs, &detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan job event row: %w", err)
		}
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode job event detail: %w", err)
			}
		}
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
