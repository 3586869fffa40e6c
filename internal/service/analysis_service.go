package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/tiff-analytics/server/internal/imagestore"
	"github.com/tiff-analytics/server/internal/media"
	"github.com/tiff-analytics/server/internal/processing"
)

// Job phases recorded while an analysis runs.
const (
	PhaseLoading  = "loading"
	PhaseReducing = "reducing"
	PhaseWriting  = "writing"
)

// AnalysisService runs queued channel reductions.
type AnalysisService struct {
	reducer *processing.Reducer
	media   *media.Store
	log     zerolog.Logger
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(reducer *processing.Reducer, m *media.Store, log zerolog.Logger) *AnalysisService {
	return &AnalysisService{reducer: reducer, media: m, log: log}
}

// ExecuteJob runs the reduction for a job (called by JobManager worker).
func (s *AnalysisService) ExecuteJob(ctx context.Context, store *imagestore.Store, jobID string) error {
	// Load job from store
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	img, err := store.GetImage(job.ImageID)
	if err != nil {
		return fmt.Errorf("failed to get image: %w", err)
	}
	if img == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ImageID)
	}

	start := time.Now()

	// Phase 1: Load samples
	store.UpdateJobPhase(jobID, PhaseLoading)
	a, err := processing.LoadArray(img.MediaPath)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: Reduce channels
	store.UpdateJobPhase(jobID, PhaseReducing)
	enc, err := s.reducer.Encode(a, job.NComponents)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 3: Write result
	store.UpdateJobPhase(jobID, PhaseWriting)
	path := s.media.ResultPath(jobID)
	if err := writeFileAtomic(path, enc.Data); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if err := store.SetJobResult(jobID, path, enc.Shape, int64(len(enc.Data))); err != nil {
		s.media.Remove(path)
		return fmt.Errorf("failed to record result: %w", err)
	}

	s.log.Info().
		Str("job_id", jobID).
		Str("image_id", img.ID).
		Ints("result_shape", enc.Shape).
		Str("result_size", humanize.IBytes(uint64(len(enc.Data)))).
		Dur("elapsed", time.Since(start)).
		Msg("analysis job finished")
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
