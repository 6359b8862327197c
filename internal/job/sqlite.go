package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Db defines the interface for database operations.
type Db interface {
	Init() error
	CreateJob(ctx context.Context, j RetrievalJob) error
	GetJob(ctx context.Context, id string) (RetrievalJob, error)
	UpdateJob(ctx context.Context, j *RetrievalJob) error
	ListJobs(ctx context.Context, filter ListFilter) ([]RetrievalJob, error)
	CountJobsByState(ctx context.Context) (map[State]int, error)
	SetCancelRequested(ctx context.Context, id string, requested bool) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	GetCompanyRFC(ctx context.Context, ownerRef, companyRef string) (string, error)
	SetCompanyRFC(ctx context.Context, ownerRef, companyRef, rfc string) error
	GetConfigValue(key string) (string, error)
	SetConfigValue(key, value string) error
	SeedConfigValue(key, value string) error
	GetCredential(key string) (string, error)
	SetCredential(key, value string) error
	GetSchedulerStatus() (bool, error)
	SetSchedulerStatus(isActive bool) error
	RecordSchedulerAttempt(attemptType string) error
	GetRecentSchedulerAttempts(attemptType string, duration time.Duration) (int, error)
	CleanupOldSchedulerAttempts(olderThan time.Duration) error
	Ping(ctx context.Context) error
}

// ListFilter selects jobs. Empty States means every state; zero Limit means
// no limit.
type ListFilter struct {
	States []State
	Limit  int
}

// ConfigFallbackCodes is the configuration key of the comma-separated remote
// codes that downgrade a full-document request to metadata.
const ConfigFallbackCodes = "fallback_codes"

var DefaultFallbackCodes = []string{"5003", "301"}

type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore prepares the job schema on an open database.
func NewSqliteStore(db *sql.DB) (*SqliteStore, error) {
	store := &SqliteStore{db: db}
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return store, nil
}

func (s *SqliteStore) Init() error {
	// Jobs table. data holds the full record; the other columns are for
	// filtering and for the version check.
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			owner_ref TEXT NOT NULL,
			company_ref TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS jobs_state ON jobs (state, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}

	// Companies table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS companies (
			owner_ref TEXT NOT NULL,
			company_ref TEXT NOT NULL,
			rfc TEXT NOT NULL,
			PRIMARY KEY (owner_ref, company_ref)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create companies table: %w", err)
	}

	// Configuration table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create configuration table: %w", err)
	}

	// Credentials table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create credentials table: %w", err)
	}

	// Scheduler status table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduler_status (
			id INTEGER PRIMARY KEY,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			last_updated INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create scheduler_status table: %w", err)
	}

	// Pause/resume attempts table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduler_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			attempt_type TEXT NOT NULL,
			attempted_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create scheduler_attempts table: %w", err)
	}

	_, err = s.db.Exec("INSERT OR IGNORE INTO scheduler_status (id, is_active, last_updated) VALUES (1, 1, ?)", time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler status: %w", err)
	}

	if err := s.SeedConfigValue(ConfigFallbackCodes, strings.Join(DefaultFallbackCodes, ",")); err != nil {
		return fmt.Errorf("failed to insert default fallback codes: %w", err)
	}
	return nil
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SqliteStore) CreateJob(ctx context.Context, j RetrievalJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_ref, company_ref, state, version, cancel_requested, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		j.ID, j.OwnerRef, j.CompanyRef, j.State, j.Version, j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SqliteStore) GetJob(ctx context.Context, id string) (RetrievalJob, error) {
	row := s.db.QueryRowContext(ctx, "SELECT data, version, cancel_requested FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RetrievalJob{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return RetrievalJob{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return j, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (RetrievalJob, error) {
	var (
		data    string
		version int64
		cancel  bool
		j       RetrievalJob
	)
	if err := row.Scan(&data, &version, &cancel); err != nil {
		return RetrievalJob{}, err
	}
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return RetrievalJob{}, fmt.Errorf("failed to decode job: %w", err)
	}
	j.Version = version
	j.CancelRequested = cancel
	return j, nil
}

// UpdateJob writes j if nobody else has written since it was read. On success
// j.Version moves to the stored version.
func (s *SqliteStore) UpdateJob(ctx context.Context, j *RetrievalJob) error {
	next := *j
	next.Version = j.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, version = ?, updated_at = ?, data = ? WHERE id = ? AND version = ?",
		next.State, next.Version, next.UpdatedAt.UnixMilli(), string(data), j.ID, j.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", j.ID, err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE id = ?", j.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check job %s: %w", j.ID, err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, j.ID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrConcurrentModification, j.ID, j.Version)
	}

	j.Version = next.Version
	return nil
}

func (s *SqliteStore) ListJobs(ctx context.Context, filter ListFilter) ([]RetrievalJob, error) {
	query := "SELECT data, version, cancel_requested FROM jobs"
	var args []any
	if len(filter.States) > 0 {
		query += " WHERE state IN (?" + strings.Repeat(", ?", len(filter.States)-1) + ")"
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Error("failed to close jobs query", "err", closeErr)
		}
	}()

	var jobs []RetrievalJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SqliteStore) CountJobsByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Error("failed to close job count query", "err", closeErr)
		}
	}()

	counts := make(map[State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// SetCancelRequested flips the external cancel flag without touching the
// versioned record.
func (s *SqliteStore) SetCancelRequested(ctx context.Context, id string, requested bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE jobs SET cancel_requested = ? WHERE id = ?", requested, id)
	if err != nil {
		return fmt.Errorf("failed to set cancel flag on %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SqliteStore) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, "SELECT cancel_requested FROM jobs WHERE id = ?", id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag on %s: %w", id, err)
	}
	return requested, nil
}

// GetCompanyRFC returns "" for an unknown company.
func (s *SqliteStore) GetCompanyRFC(ctx context.Context, ownerRef, companyRef string) (string, error) {
	var rfc string
	err := s.db.QueryRowContext(ctx, "SELECT rfc FROM companies WHERE owner_ref = ? AND company_ref = ?", ownerRef, companyRef).Scan(&rfc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get company %s: %w", companyRef, err)
	}
	return rfc, nil
}

func (s *SqliteStore) SetCompanyRFC(ctx context.Context, ownerRef, companyRef, rfc string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO companies (owner_ref, company_ref, rfc) VALUES (?, ?, ?)", ownerRef, companyRef, rfc)
	if err != nil {
		return fmt.Errorf("failed to set company %s: %w", companyRef, err)
	}
	return nil
}

// GetConfigValue retrieves a configuration value.
func (s *SqliteStore) GetConfigValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM configuration WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get config value for key %s: %w", key, err)
	}
	return value, nil
}

// SetConfigValue sets a configuration value.
func (s *SqliteStore) SetConfigValue(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO configuration (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to set config value for key %s: %w", key, err)
	}
	return nil
}

// SeedConfigValue sets a configuration value only if it has none yet.
func (s *SqliteStore) SeedConfigValue(key, value string) error {
	_, err := s.db.Exec("INSERT OR IGNORE INTO configuration (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to seed config value for key %s: %w", key, err)
	}
	return nil
}

// GetCredential retrieves a credential value.
func (s *SqliteStore) GetCredential(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM credentials WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get credential for key %s: %w", key, err)
	}
	return value, nil
}

// SetCredential sets a credential value.
func (s *SqliteStore) SetCredential(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO credentials (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to set credential for key %s: %w", key, err)
	}
	return nil
}

// GetSchedulerStatus reports whether queued jobs are being dispatched.
func (s *SqliteStore) GetSchedulerStatus() (bool, error) {
	var isActive bool
	err := s.db.QueryRow("SELECT is_active FROM scheduler_status WHERE id = 1").Scan(&isActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("failed to get scheduler status: %w", err)
	}
	return isActive, nil
}

func (s *SqliteStore) SetSchedulerStatus(isActive bool) error {
	_, err := s.db.Exec("UPDATE scheduler_status SET is_active = ?, last_updated = ? WHERE id = 1", isActive, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set scheduler status: %w", err)
	}
	return nil
}

// RecordSchedulerAttempt records an authorized pause or resume request.
func (s *SqliteStore) RecordSchedulerAttempt(attemptType string) error {
	_, err := s.db.Exec("INSERT INTO scheduler_attempts (attempt_type, attempted_at) VALUES (?, ?)", attemptType, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record scheduler attempt: %w", err)
	}
	return nil
}

func (s *SqliteStore) GetRecentSchedulerAttempts(attemptType string, duration time.Duration) (int, error) {
	cutoff := time.Now().Add(-duration).UnixMilli()
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM scheduler_attempts WHERE attempt_type = ? AND attempted_at >= ?",
		attemptType, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get recent scheduler attempts: %w", err)
	}
	return count, nil
}

func (s *SqliteStore) CleanupOldSchedulerAttempts(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	_, err := s.db.Exec("DELETE FROM scheduler_attempts WHERE attempted_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup old scheduler attempts: %w", err)
	}
	return nil
}

// fallbackCodes reads the runtime allow-list, falling back to the defaults
// when it is unset.
func fallbackCodes(db Db) (map[string]bool, error) {
	value, err := db.GetConfigValue(ConfigFallbackCodes)
	if err != nil {
		return nil, err
	}
	codes := make(map[string]bool)
	for _, c := range strings.Split(value, ",") {
		if c = strings.TrimSpace(c); c != "" {
			codes[c] = true
		}
	}
	if len(codes) == 0 {
		for _, c := range DefaultFallbackCodes {
			codes[c] = true
		}
	}
	return codes, nil
}
