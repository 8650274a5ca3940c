package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/graph"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string   `json:"error"`
	Paths []string `json:"paths,omitempty"`
}

// requestError is malformed client input.
type requestError struct {
	msg    string
	fields []string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	var (
		reqErr     *requestError
		validation *diff.ValidationError
		build      *diff.BuildError
		combine    *diff.CombineError
		merge      *diff.MergeError
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, diff.ErrConflictNotApplicable), errors.Is(err, graph.ErrBranchExists):
		return http.StatusConflict
	case errors.Is(err, diff.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &merge):
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	case errors.As(err, &build), errors.As(err, &combine):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var (
		reqErr     *requestError
		validation *diff.ValidationError
	)
	switch {
	case errors.As(err, &reqErr):
		resp.Paths = reqErr.fields
	case errors.As(err, &validation):
		resp.Paths = validation.Paths
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// queryTime parses an optional RFC 3339 query parameter.
func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, badRequest("invalid %s parameter (use RFC3339 format)", name)
	}
	return t.UTC(), nil
}
