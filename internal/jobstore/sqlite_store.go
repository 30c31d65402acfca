// Package jobstore provides persistent storage for render job state using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a render job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// timeLayout sorts lexicographically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// JobParams contains the parameters for a render job. Request is the plot
// request body exactly as submitted.
type JobParams struct {
	DatasetID string          `json:"dataset_id"`
	Format    string          `json:"format"`
	Path      string          `json:"path,omitempty"`
	Request   json.RawMessage `json:"request"`
}

// Job represents a render job.
type Job struct {
	ID         string     `json:"job_id"`
	DatasetID  string     `json:"dataset_id"`
	Status     JobStatus  `json:"status"`
	Params     JobParams  `json:"params"`
	OutputPath string     `json:"output_path,omitempty"`
	Bytes      int64      `json:"bytes"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Store provides persistent storage for render jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS render_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		output_path TEXT DEFAULT '',
		bytes INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_render_jobs_dataset ON render_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_render_jobs_status ON render_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_render_jobs_finished ON render_jobs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const selectJob = `
	SELECT job_id, dataset_id, status, params_json, output_path, bytes, error, created_at, started_at, finished_at
	FROM render_jobs`

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = JobStatusQueued
	}

	_, err = s.db.Exec(`
		INSERT INTO render_jobs (job_id, dataset_id, status, params_json, output_path, bytes, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.OutputPath,
		job.Bytes,
		job.Error,
		formatTime(job.CreatedAt),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job is (nil, nil).
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(selectJob+` WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// UpdateJobStatus updates the job status and error message. Terminal statuses
// record the finish time.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := formatTime(time.Now())
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE render_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE render_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), formatTime(time.Now()), jobID)
	return err
}

// UpdateJobOutput records the written figure file.
func (s *Store) UpdateJobOutput(jobID, outputPath string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE render_jobs SET output_path = ?, bytes = ?
		WHERE job_id = ?
	`, outputPath, size, jobID)
	return err
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(selectJob+`
		WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(selectJob+`
		WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE render_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, formatTime(time.Now()), string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays and
// returns them so their output files can be removed.
func (s *Store) DeleteExpiredJobs(retentionDays int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))

	rows, err := s.db.Query(selectJob+`
		WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	expired, err := scanJobs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		DELETE FROM render_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// DeleteJob deletes a job record.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM render_jobs WHERE job_id = ?", jobID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.OutputPath,
		&job.Bytes,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(timeLayout, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(timeLayout, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(timeLayout, finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
