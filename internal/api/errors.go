package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tiff-analytics/server/internal/media"
	"github.com/tiff-analytics/server/internal/processing"
	"github.com/tiff-analytics/server/internal/render"
	"github.com/tiff-analytics/server/internal/service"
)

// errorStatus maps service and processing errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, media.ErrExtension), errors.Is(err, service.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrTooLarge), errors.Is(err, service.ErrTooLargeForSync):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, render.ErrEmptyPlane):
		return http.StatusUnprocessableEntity
	}

	switch processing.KindOf(err) {
	case processing.KindSourceUnreadable, processing.KindEmptySource:
		return http.StatusUnprocessableEntity
	case processing.KindShape:
		return http.StatusBadRequest
	case processing.KindNumericDomain:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// writeError sends a JSON error body. Server-side failures are logged with
// the request id.
func writeError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	status := errorStatus(err)
	body := map[string]interface{}{
		"error": err.Error(),
	}
	if kind := processing.KindOf(err); kind != processing.KindUnknown {
		body["kind"] = kind.String()
	}
	if status >= http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
