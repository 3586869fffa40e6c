package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiff-analytics/server/internal/imagestore"
	"github.com/tiff-analytics/server/internal/media"
	"github.com/tiff-analytics/server/internal/processing"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full; try again later")

var (
	errCancelledByUser = errors.New("cancelled")
	errShuttingDown    = errors.New("job manager stopped")
)

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int // Max concurrent analysis jobs (default 1)
	QueueSize     int // Pending jobs held in memory (default 100)
	RetentionDays int // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	Store         *imagestore.Store
	Media         *media.Store
	Logger        zerolog.Logger
}

// JobManager runs analysis jobs on a bounded worker pool, persisting their
// state in SQLite.
type JobManager struct {
	cfg      JobManagerConfig
	store    *imagestore.Store
	media    *media.Store
	log      zerolog.Logger
	queue    chan string // job IDs
	running  map[string]context.CancelCauseFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual reduction.
	Executor func(ctx context.Context, store *imagestore.Store, jobID string) error
}

// NewJobManager creates a new job manager.
func NewJobManager(cfg JobManagerConfig) *JobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	return &JobManager{
		cfg:     cfg,
		store:   cfg.Store,
		media:   cfg.Media,
		log:     cfg.Logger,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelCauseFunc),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.log.Error().Err(err).Msg("failed to mark running jobs as failed")
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.log.Error().Err(err).Msg("failed to list queued jobs")
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.log.Info().Str("job_id", job.ID).Msg("re-queued job")
			default:
				jm.log.Warn().Str("job_id", job.ID).Msg("queue full, cannot re-queue job")
				jm.store.UpdateJobStatus(job.ID, imagestore.JobStatusFailed, "", ErrQueueFull.Error())
			}
		}
	}

	// Start workers
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	// Start cleanup ticker
	go jm.cleaner()
}

// Stop interrupts running jobs and waits for the workers to exit. Interrupted
// jobs go back to queued, so they and the jobs still waiting are picked up by
// the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel(errShuttingDown)
		}
		jm.mu.Unlock()
		jm.wg.Wait()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for {
		select {
		case <-jm.stopCh:
			return
		case jobID := <-jm.queue:
			jm.runJob(jobID)
		}
	}
}

func (jm *JobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	jm.mu.Lock()
	select {
	case <-jm.stopCh:
		// dequeued during Stop; leave it queued for the next Start
		jm.mu.Unlock()
		return
	default:
	}
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	// Mark as running; a job cancelled while queued is skipped
	started, err := jm.store.UpdateJobStarted(jobID)
	if err != nil {
		jm.log.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job as started")
		return
	}
	if !started {
		return
	}

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	// Update final status
	switch {
	case errors.Is(context.Cause(ctx), errShuttingDown):
		jm.log.Info().Str("job_id", jobID).Msg("job interrupted by shutdown, re-queued")
		jm.store.UpdateJobPhase(jobID, "")
		jm.store.UpdateJobStatus(jobID, imagestore.JobStatusQueued, "", "")
		if jm.media != nil {
			jm.removeResult(jm.media.ResultPath(jobID))
		}
	case errors.Is(ctx.Err(), context.Canceled):
		jm.store.UpdateJobStatus(jobID, imagestore.JobStatusCancelled, "", "cancelled")
		if jm.media != nil {
			jm.removeResult(jm.media.ResultPath(jobID))
		}
	case execErr != nil:
		kind := processing.KindOf(execErr)
		jm.log.Warn().Err(execErr).Str("job_id", jobID).Str("kind", kind.String()).Msg("analysis job failed")
		jm.store.UpdateJobStatus(jobID, imagestore.JobStatusFailed, kind.String(), execErr.Error())
	default:
		jm.store.UpdateJobStatus(jobID, imagestore.JobStatusCompleted, "", "")
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	paths, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		jm.log.Error().Err(err).Msg("cleanup error")
		return
	}
	for _, p := range paths {
		jm.removeResult(p)
	}
	if len(paths) > 0 {
		jm.log.Info().Int("results", len(paths)).Msg("cleaned up expired jobs")
	}
}

func (jm *JobManager) removeResult(path string) {
	if jm.media == nil || path == "" {
		return
	}
	if err := jm.media.Remove(path); err != nil {
		jm.log.Warn().Err(err).Str("path", path).Msg("failed to remove result")
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(imageID string, nComponents int) (*imagestore.Job, error) {
	job := &imagestore.Job{
		ID:          generateJobID(),
		ImageID:     imageID,
		Status:      imagestore.JobStatusQueued,
		NComponents: nComponents,
		CreatedAt:   time.Now().UTC(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- job.ID:
	default:
		// Queue full; mark as failed immediately
		jm.store.UpdateJobStatus(job.ID, imagestore.JobStatusFailed, "", ErrQueueFull.Error())
		job.Status = imagestore.JobStatusFailed
		job.Error = ErrQueueFull.Error()
		return job, ErrQueueFull
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *imagestore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		jm.log.Error().Err(err).Str("job_id", id).Msg("error getting job")
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel(errCancelledByUser)
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == imagestore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, imagestore.JobStatusCancelled, "", "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a finished job and its result file.
func (jm *JobManager) Delete(id string) error {
	path, err := jm.store.DeleteJob(id)
	if err != nil {
		return err
	}
	jm.removeResult(path)
	return nil
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
