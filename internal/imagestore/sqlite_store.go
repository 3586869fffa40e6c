// Package imagestore persists uploaded image records and analysis job state in SQLite.
package imagestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Image is the metadata record of one stored image.
type Image struct {
	ID           string    `json:"id"`
	MediaPath    string    `json:"-"`
	OriginalName string    `json:"original_name"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is a queued channel reduction of one image.
type Job struct {
	ID          string     `json:"job_id"`
	ImageID     string     `json:"image_id"`
	Status      JobStatus  `json:"status"`
	NComponents int        `json:"n_components"`
	Phase       string     `json:"phase,omitempty"`
	ResultPath  string     `json:"-"`
	ResultShape []int      `json:"result_shape,omitempty"`
	ResultBytes int64      `json:"result_bytes,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Store provides persistent storage for images and jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based store.
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
	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		media_path TEXT NOT NULL,
		original_name TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_images_created ON images(created_at);

	CREATE TABLE IF NOT EXISTS analysis_jobs (
		job_id TEXT PRIMARY KEY,
		image_id TEXT NOT NULL,
		status TEXT NOT NULL,
		n_components INTEGER NOT NULL,
		phase TEXT DEFAULT '',
		result_path TEXT DEFAULT '',
		result_shape TEXT DEFAULT '',
		result_bytes INTEGER DEFAULT 0,
		error_kind TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_image ON analysis_jobs(image_id);
	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_finished ON analysis_jobs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout keeps a fixed width so stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// CreateImage inserts a new image record.
func (s *Store) CreateImage(img *Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	if img.UpdatedAt.IsZero() {
		img.UpdatedAt = img.CreatedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO images (id, media_path, original_name, size_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, img.ID, img.MediaPath, img.OriginalName, img.SizeBytes, formatTime(img.CreatedAt), formatTime(img.UpdatedAt))
	return err
}

// GetImage retrieves an image by ID. It returns nil, nil when absent.
func (s *Store) GetImage(id string) (*Image, error) {
	row := s.db.QueryRow(`
		SELECT id, media_path, original_name, size_bytes, created_at, updated_at
		FROM images WHERE id = ?
	`, id)

	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return img, err
}

// ListImages returns images newest first.
func (s *Store) ListImages(offset, limit int) ([]*Image, int, error) {
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM images").Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT id, media_path, original_name, size_bytes, created_at, updated_at
		FROM images
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, 0, err
		}
		images = append(images, img)
	}
	return images, total, rows.Err()
}

// TouchImage records that the image file changed, invalidating derived caches.
func (s *Store) TouchImage(id string, sizeBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE images SET size_bytes = ?, updated_at = ? WHERE id = ?
	`, sizeBytes, formatTime(time.Now()), id)
	return err
}

// DeleteImage deletes an image and its jobs, returning the result paths of
// the deleted jobs.
func (s *Store) DeleteImage(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	paths, err := resultPaths(tx, `SELECT result_path FROM analysis_jobs WHERE image_id = ? AND result_path != ''`, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec("DELETE FROM analysis_jobs WHERE image_id = ?", id); err != nil {
		return nil, err
	}
	if _, err := tx.Exec("DELETE FROM images WHERE id = ?", id); err != nil {
		return nil, err
	}
	return paths, tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanImage(row scanner) (*Image, error) {
	var img Image
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&img.ID, &img.MediaPath, &img.OriginalName, &img.SizeBytes, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	img.CreatedAt = parseTime(createdAtStr)
	img.UpdatedAt = parseTime(updatedAtStr)
	return &img, nil
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO analysis_jobs (job_id, image_id, status, n_components, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.ImageID, string(job.Status), job.NComponents, formatTime(job.CreatedAt))
	return err
}

const jobColumns = `job_id, image_id, status, n_components, phase, result_path, result_shape, result_bytes,
	error_kind, error, created_at, started_at, finished_at`

// GetJob retrieves a job by ID. It returns nil, nil when absent.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM analysis_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// UpdateJobStarted moves a queued job to running. It reports false when the
// job is no longer queued, for example after a cancel.
func (s *Store) UpdateJobStarted(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE analysis_jobs SET status = ?, started_at = ?
		WHERE job_id = ? AND status = ?
	`, string(JobStatusRunning), formatTime(time.Now()), jobID, string(JobStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateJobPhase records the step a running job is in.
func (s *Store) UpdateJobPhase(jobID, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE analysis_jobs SET phase = ? WHERE job_id = ?`, phase, jobID)
	return err
}

// UpdateJobStatus updates the job status; terminal statuses also set finished_at.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errKind, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := formatTime(time.Now())
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE analysis_jobs SET status = ?, error_kind = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errKind, errMsg, finishedAt, jobID)
	return err
}

// SetJobResult stores where the encoded output of a job lives.
func (s *Store) SetJobResult(jobID, path string, shape []int, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shapeJSON, err := json.Marshal(shape)
	if err != nil {
		return fmt.Errorf("failed to marshal shape: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE analysis_jobs SET result_path = ?, result_shape = ?, result_bytes = ?
		WHERE job_id = ?
	`, path, string(shapeJSON), size, jobID)
	return err
}

// ListJobsByImage returns all jobs of an image, newest first.
func (s *Store) ListJobsByImage(imageID string) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM analysis_jobs WHERE image_id = ? ORDER BY created_at DESC`, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM analysis_jobs WHERE status = ? ORDER BY created_at ASC`, string(JobStatusQueued))
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
		UPDATE analysis_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, formatTime(time.Now()), string(JobStatusRunning))
	return err
}

// DeleteJob deletes one job and returns its result path, if any.
func (s *Store) DeleteJob(jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var path string
	err := s.db.QueryRow(`SELECT result_path FROM analysis_jobs WHERE job_id = ?`, jobID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(`DELETE FROM analysis_jobs WHERE job_id = ?`, jobID)
	return path, err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays and returns
// their result paths so the caller can remove the files.
func (s *Store) DeleteExpiredJobs(retentionDays int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	paths, err := resultPaths(tx, `
		SELECT result_path FROM analysis_jobs
		WHERE finished_at IS NOT NULL AND finished_at < ? AND result_path != ''
	`, cutoff)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		DELETE FROM analysis_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff); err != nil {
		return nil, err
	}
	return paths, tx.Commit()
}

func resultPaths(tx *sql.Tx, query string, args ...interface{}) ([]string, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var shapeJSON, createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.ImageID,
		&job.Status,
		&job.NComponents,
		&job.Phase,
		&job.ResultPath,
		&shapeJSON,
		&job.ResultBytes,
		&job.ErrorKind,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if shapeJSON != "" {
		if err := json.Unmarshal([]byte(shapeJSON), &job.ResultShape); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result shape: %w", err)
		}
	}
	job.CreatedAt = parseTime(createdAtStr)
	if startedAtStr.Valid {
		t := parseTime(startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t := parseTime(finishedAtStr.String)
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
