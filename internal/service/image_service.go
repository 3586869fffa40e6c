// Package service provides business logic for the image analysis server.
package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/tiff-analytics/server/internal/cache"
	"github.com/tiff-analytics/server/internal/data/tiff"
	"github.com/tiff-analytics/server/internal/imagestore"
	"github.com/tiff-analytics/server/internal/media"
	"github.com/tiff-analytics/server/internal/processing"
	"github.com/tiff-analytics/server/internal/render"
)

var (
	// ErrNotFound is returned for unknown image ids.
	ErrNotFound = errors.New("image not found")
	// ErrInvalidImage is returned when an upload is not a readable TIFF.
	ErrInvalidImage = errors.New("file is not a readable TIFF image")
	// ErrTooLargeForSync is returned when an image must be reduced through a job.
	ErrTooLargeForSync = errors.New("image is too large for a synchronous request; submit an analysis job")
)

// ImageServiceConfig contains image service configuration.
type ImageServiceConfig struct {
	Store        *imagestore.Store
	Media        *media.Store
	Cache        *cache.Manager
	Stats        *processing.StatsEngine
	Reducer      *processing.Reducer
	Renderer     *render.PreviewRenderer
	Decomposer   string
	MaxSyncBytes int64
	Logger       zerolog.Logger
}

// ImageService handles image records and the analyses run on them.
type ImageService struct {
	store        *imagestore.Store
	media        *media.Store
	cache        *cache.Manager
	stats        *processing.StatsEngine
	reducer      *processing.Reducer
	renderer     *render.PreviewRenderer
	decomposer   string
	maxSyncBytes int64
	log          zerolog.Logger
}

// NewImageService creates a new image service.
func NewImageService(cfg ImageServiceConfig) *ImageService {
	decomposer := cfg.Decomposer
	if decomposer == "" {
		decomposer = "svd"
	}
	return &ImageService{
		store:        cfg.Store,
		media:        cfg.Media,
		cache:        cfg.Cache,
		stats:        cfg.Stats,
		reducer:      cfg.Reducer,
		renderer:     cfg.Renderer,
		decomposer:   decomposer,
		maxSyncBytes: cfg.MaxSyncBytes,
		log:          cfg.Logger,
	}
}

// Store returns the metadata store.
func (s *ImageService) Store() *imagestore.Store { return s.store }

// Upload stores a new image after checking that it parses as a TIFF.
func (s *ImageService) Upload(r io.Reader, originalName string) (*imagestore.Image, error) {
	st, err := s.media.Save(r, originalName)
	if err != nil {
		return nil, err
	}

	f, err := tiff.Open(st.Path)
	if err != nil {
		s.media.Remove(st.Path)
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	f.Close()

	img := &imagestore.Image{
		ID:           st.ID,
		MediaPath:    st.Path,
		OriginalName: originalName,
		SizeBytes:    st.Size,
	}
	if err := s.store.CreateImage(img); err != nil {
		s.media.Remove(st.Path)
		return nil, fmt.Errorf("failed to record image: %w", err)
	}
	return img, nil
}

// Get returns an image record.
func (s *ImageService) Get(id string) (*imagestore.Image, error) {
	img, err := s.store.GetImage(id)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, ErrNotFound
	}
	return img, nil
}

// List returns a page of images, newest first, and the total count.
func (s *ImageService) List(offset, limit int) ([]*imagestore.Image, int, error) {
	return s.store.ListImages(offset, limit)
}

// Delete removes an image, its jobs and every file derived from it.
func (s *ImageService) Delete(id string) error {
	img, err := s.Get(id)
	if err != nil {
		return err
	}
	results, err := s.store.DeleteImage(id)
	if err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	for _, p := range append(results, img.MediaPath) {
		if err := s.media.Remove(p); err != nil {
			s.log.Warn().Err(err).Str("path", p).Msg("failed to remove file")
		}
	}
	s.cache.ForgetImage(id)
	return nil
}

// Metadata returns the layout of an image.
func (s *ImageService) Metadata(id string) (*tiff.Info, error) {
	img, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	key := cache.MetadataKey(img.ID, img.UpdatedAt)
	if data, ok := s.cache.GetSummary(key); ok {
		var info tiff.Info
		if err := json.Unmarshal(data, &info); err == nil {
			return &info, nil
		}
	}

	f, err := tiff.Open(img.MediaPath)
	if err != nil {
		return nil, &processing.Error{Kind: processing.KindSourceUnreadable, Op: "metadata", Err: err}
	}
	defer f.Close()
	info := f.Info()

	if data, err := json.Marshal(info); err == nil {
		s.cache.SetSummary(key, data)
	}
	return &info, nil
}

// Statistics returns the global mean, standard deviation, minimum and maximum.
func (s *ImageService) Statistics(id string) (*processing.Summary, error) {
	img, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	key := cache.StatsKey(img.ID, img.UpdatedAt)
	if data, ok := s.cache.GetSummary(key); ok {
		var sum processing.Summary
		if err := json.Unmarshal(data, &sum); err == nil {
			return &sum, nil
		}
	}

	sum, err := s.stats.ComputeFile(img.MediaPath)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(sum); err == nil {
		s.cache.SetSummary(key, data)
	}
	return sum, nil
}

// Reduce projects the channel axis of an image onto k principal components
// and returns the encoded float32 TIFF.
func (s *ImageService) Reduce(id string, k int) (*processing.Encoded, error) {
	img, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.checkSyncSize(img); err != nil {
		return nil, err
	}

	key := cache.ReductionKey(img.ID, img.UpdatedAt, k, s.decomposer)
	if data, ok := s.cache.GetResult(key); ok {
		if enc, err := encodedFromBytes(data); err == nil {
			return enc, nil
		}
	}

	enc, err := s.reducer.ReduceFile(img.MediaPath, k)
	if err != nil {
		return nil, err
	}
	s.storeResult(key, enc.Data)
	return enc, nil
}

// Preview renders one 2-D plane of an image. index fixes every axis after
// the first two.
func (s *ImageService) Preview(id string, index []int, opts render.Options) ([]byte, error) {
	img, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.checkSyncSize(img); err != nil {
		return nil, err
	}

	key := cache.PreviewKey(img.ID, img.UpdatedAt, map[string]interface{}{
		"index":    fmt.Sprint(index),
		"colormap": opts.Colormap,
		"scale":    opts.Scale,
		"colorbar": opts.Colorbar,
	})
	if data, ok := s.cache.GetResult(key); ok {
		return data, nil
	}

	a, err := processing.LoadArray(img.MediaPath)
	if err != nil {
		return nil, err
	}
	plane, err := a.Plane(index...)
	if err != nil {
		return nil, &processing.Error{Kind: processing.KindShape, Op: "preview", Err: fmt.Errorf("%w: %v", processing.ErrShape, err)}
	}
	data, err := s.renderer.Render(plane, opts)
	if err != nil {
		return nil, err
	}
	s.storeResult(key, data)
	return data, nil
}

func (s *ImageService) checkSyncSize(img *imagestore.Image) error {
	if s.maxSyncBytes > 0 && img.SizeBytes > s.maxSyncBytes {
		return fmt.Errorf("%w (%s > %s)", ErrTooLargeForSync,
			humanize.IBytes(uint64(img.SizeBytes)), humanize.IBytes(uint64(s.maxSyncBytes)))
	}
	return nil
}

func (s *ImageService) storeResult(key string, data []byte) {
	if err := s.cache.SetResult(key, data); err != nil {
		s.log.Debug().Err(err).Str("key", key).Int("bytes", len(data)).Msg("result not cached")
	}
}

// encodedFromBytes rebuilds the shape of a cached output from its TIFF header.
func encodedFromBytes(data []byte) (*processing.Encoded, error) {
	f, err := tiff.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return &processing.Encoded{Data: data, ContentType: tiff.ContentType, Shape: f.Shape()}, nil
}

// ResultFile opens the output of a completed job.
func ResultFile(job *imagestore.Job) (*os.File, error) {
	if job.Status != imagestore.JobStatusCompleted || job.ResultPath == "" {
		return nil, os.ErrNotExist
	}
	return os.Open(job.ResultPath)
}
