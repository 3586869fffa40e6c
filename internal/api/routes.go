// Package api provides HTTP handlers for the image analysis server.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/tiff-analytics/server/internal/cache"
	"github.com/tiff-analytics/server/internal/data/tiff"
	"github.com/tiff-analytics/server/internal/imagestore"
	"github.com/tiff-analytics/server/internal/logging"
	"github.com/tiff-analytics/server/internal/processing"
	"github.com/tiff-analytics/server/internal/render"
	"github.com/tiff-analytics/server/internal/service"
	"github.com/tiff-analytics/server/pkg/colormap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	// uploadFormSlack covers multipart headers around the file part.
	uploadFormSlack = 1 << 20
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Images            *service.ImageService
	JobManager        *JobManager
	Cache             *cache.Manager
	CORSOrigins       []string
	MaxUploadBytes    int64
	DefaultComponents int
	Logger            zerolog.Logger
}

type handlers struct {
	images            *service.ImageService
	jobs              *JobManager
	cache             *cache.Manager
	maxUploadBytes    int64
	defaultComponents int
	log               zerolog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	h := &handlers{
		images:            cfg.Images,
		jobs:              cfg.JobManager,
		cache:             cfg.Cache,
		maxUploadBytes:    cfg.MaxUploadBytes,
		defaultComponents: cfg.DefaultComponents,
		log:               cfg.Logger,
	}
	if h.defaultComponents <= 0 {
		h.defaultComponents = 2
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.AccessLog(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Image-Shape"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/stats", h.cacheStats)

	r.Route("/images", func(r chi.Router) {
		r.Get("/", h.listImages)
		r.Post("/upload", h.uploadImage)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getImage)
			r.Delete("/", h.deleteImage)
			r.Get("/metadata", h.imageMetadata)
			r.Get("/statistics", h.imageStatistics)
			r.Get("/analyze", h.analyzeImage)
			r.Get("/preview.png", h.previewImage)
			r.Get("/jobs", h.listImageJobs)
			r.Post("/analyze/jobs", h.submitJob)
		})
	})

	r.Route("/jobs/{job_id}", func(r chi.Router) {
		r.Get("/", h.jobStatus)
		r.Get("/result", h.jobResult)
		r.Delete("/", h.cancelJob)
	})

	return r
}

func (h *handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

func (h *handlers) listImages(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit := defaultPageSize
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			limit = v
			if limit > maxPageSize {
				limit = maxPageSize
			}
		}
	}

	images, total, err := h.images.List(offset, limit)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if images == nil {
		images = []*imagestore.Image{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"images": images,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// uploadImage streams the multipart "file" part straight to media storage.
func (h *handlers) uploadImage(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+uploadFormSlack)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expected multipart/form-data: "+err.Error(), http.StatusBadRequest)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.uploadError(w, r, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		img, err := h.images.Upload(part, part.FileName())
		part.Close()
		if err != nil {
			h.uploadError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, img)
		return
	}
	http.Error(w, "missing form field \"file\"", http.StatusBadRequest)
}

func (h *handlers) uploadError(w http.ResponseWriter, r *http.Request, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		http.Error(w, "upload exceeds size limit", http.StatusRequestEntityTooLarge)
		return
	}
	writeError(w, r, h.log, err)
}

func (h *handlers) getImage(w http.ResponseWriter, r *http.Request) {
	img, err := h.images.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (h *handlers) deleteImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.images.Delete(id); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"deleted": true,
	})
}

func (h *handlers) imageMetadata(w http.ResponseWriter, r *http.Request) {
	info, err := h.images.Metadata(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) imageStatistics(w http.ResponseWriter, r *http.Request) {
	sum, err := h.images.Statistics(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// parseComponents reads n_components, falling back to the configured default.
func (h *handlers) parseComponents(raw string) (int, error) {
	if raw == "" {
		return h.defaultComponents, nil
	}
	k, err := strconv.Atoi(raw)
	if err != nil || k < 1 {
		return 0, fmt.Errorf("n_components must be a positive integer, got %q", raw)
	}
	return k, nil
}

func (h *handlers) analyzeImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	k, err := h.parseComponents(r.URL.Query().Get("n_components"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	enc, err := h.images.Reduce(id, k)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	w.Header().Set("Content-Type", enc.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(enc.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s_pca%d.tiff", id, k)))
	w.Header().Set("X-Image-Shape", formatShape(enc.Shape))
	w.WriteHeader(http.StatusOK)
	w.Write(enc.Data)
}

func (h *handlers) previewImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	index, err := parseIndex(q.Get("index"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := render.Options{Colormap: q.Get("colormap"), Scale: 1}
	if opts.Colormap != "" {
		if _, ok := colormap.ByName(opts.Colormap); !ok {
			http.Error(w, fmt.Sprintf("unknown colormap %q (available: %s)", opts.Colormap, strings.Join(colormap.Names(), ", ")), http.StatusBadRequest)
			return
		}
	}
	if s := q.Get("scale"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > render.MaxScale {
			http.Error(w, fmt.Sprintf("scale must be between 1 and %d", render.MaxScale), http.StatusBadRequest)
			return
		}
		opts.Scale = v
	}
	if c := q.Get("colorbar"); c != "" {
		opts.Colorbar, err = strconv.ParseBool(c)
		if err != nil {
			http.Error(w, "colorbar must be a boolean", http.StatusBadRequest)
			return
		}
	}

	data, err := h.images.Preview(chi.URLParam(r, "id"), index, opts)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.Header().Set("Content-Type", render.ContentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// parseIndex parses "2,1,0" into the indices of the axes after the plane.
func parseIndex(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	index := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid index %q", raw)
		}
		index[i] = v
	}
	return index, nil
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, s := range shape {
		parts[i] = strconv.Itoa(s)
	}
	return strings.Join(parts, ",")
}

type jobSubmitRequest struct {
	NComponents int `json:"n_components"`
}

func (h *handlers) submitJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return
	}

	img, err := h.images.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	k, err := h.parseComponents(r.URL.Query().Get("n_components"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.ContentLength != 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req jobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.NComponents != 0 {
			if req.NComponents < 1 {
				http.Error(w, "n_components must be a positive integer", http.StatusBadRequest)
				return
			}
			k = req.NComponents
		}
	}

	// reject a reduction that is bound to fail before it takes a queue slot
	info, err := h.images.Metadata(img.ID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if err := processing.CheckComponents(info.Shape, k); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	job, err := h.jobs.Submit(img.ID, k)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *handlers) listImageJobs(w http.ResponseWriter, r *http.Request) {
	img, err := h.images.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	jobs, err := h.images.Store().ListJobsByImage(img.ID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if jobs == nil {
		jobs = []*imagestore.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"image_id": img.ID,
		"jobs":     jobs,
	})
}

func (h *handlers) lookupJob(w http.ResponseWriter, r *http.Request) *imagestore.Job {
	if h.jobs == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := h.jobs.Get(chi.URLParam(r, "job_id"))
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func (h *handlers) jobStatus(w http.ResponseWriter, r *http.Request) {
	job := h.lookupJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) jobResult(w http.ResponseWriter, r *http.Request) {
	job := h.lookupJob(w, r)
	if job == nil {
		return
	}
	if job.Status != imagestore.JobStatusCompleted {
		http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusConflict)
		return
	}

	fh, err := service.ResultFile(job)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "job result no longer available", http.StatusGone)
			return
		}
		writeError(w, r, h.log, err)
		return
	}
	defer fh.Close()

	w.Header().Set("Content-Type", tiff.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s_pca%d.tiff", job.ImageID, job.NComponents)))
	w.Header().Set("X-Image-Shape", formatShape(job.ResultShape))
	st, err := fh.Stat()
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	http.ServeContent(w, r, "", st.ModTime(), fh)
}

// cancelJob cancels an active job, or deletes a finished one with its result.
func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	job := h.lookupJob(w, r)
	if job == nil {
		return
	}

	if !job.Status.Terminal() {
		cancelled := h.jobs.Cancel(job.ID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": cancelled,
		})
		return
	}

	if err := h.jobs.Delete(job.ID); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  job.ID,
		"deleted": true,
	})
}
