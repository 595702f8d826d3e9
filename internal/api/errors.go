package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/lock"
	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/schedule"
	"github.com/seantiz/runengine/internal/store"
	"github.com/seantiz/runengine/internal/waitpoint"
)

// Error codes returned in the error envelope.
const (
	CodeStaleSnapshot   = "STALE_SNAPSHOT"
	CodeInvalidStatus   = "INVALID_STATUS"
	CodeLockContention  = "LOCK_CONTENTION"
	CodeNotFound        = "NOT_FOUND"
	CodeValidation      = "VALIDATION"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInternal        = "INTERNAL"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// classify maps an error to its HTTP status, code and retryability.
func classify(err error) (int, string, bool) {
	var verr *engine.ValidationError
	var tooLarge *http.MaxBytesError
	var retryable interface{ Retryable() bool }
	switch {
	case errors.Is(err, engine.ErrStaleSnapshot), errors.Is(err, store.ErrSnapshotConflict):
		return http.StatusConflict, CodeStaleSnapshot, true
	case errors.Is(err, engine.ErrInvalidStatus):
		return http.StatusConflict, CodeInvalidStatus, false
	case errors.Is(err, lock.ErrLockAcquisition), errors.Is(err, lock.ErrLockLost):
		return http.StatusServiceUnavailable, CodeLockContention, true
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, false
	case errors.Is(err, waitpoint.ErrPayloadTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, CodePayloadTooLarge, false
	case errors.As(err, &verr),
		errors.Is(err, model.ErrInvalidFriendlyID),
		errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, waitpoint.ErrWrongType):
		return http.StatusBadRequest, CodeValidation, false
	case errors.As(err, &retryable):
		return http.StatusServiceUnavailable, CodeInternal, retryable.Retryable()
	}
	return http.StatusInternalServerError, CodeInternal, false
}

// writeError writes the JSON error envelope for err. Internal errors are
// logged and their message hidden from the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, retryable := classify(err)
	apiErrorsTotal.WithLabelValues(code, strconv.FormatBool(retryable)).Inc()
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		msg = "internal error"
	}
	s.writeJSON(w, status, errorResponse{Error: msg, Code: code, Retryable: retryable})
}
