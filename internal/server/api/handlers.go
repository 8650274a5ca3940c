// Package api exposes branches, graph writes, diffs, conflicts and merges
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/coordinator"
	"github.com/systemshift/graphdiff/internal/diff/merge"
	"github.com/systemshift/graphdiff/internal/events"
	"github.com/systemshift/graphdiff/internal/graph"
	"github.com/systemshift/graphdiff/internal/lock"
)

// Options tune the server.
type Options struct {
	// AllowUnresolved is the default of the merge override.
	AllowUnresolved bool
}

// Server holds the HTTP server dependencies
type Server struct {
	graph  *graph.SQLite
	coord  *coordinator.Coordinator
	merger *merge.Merger
	locks  *lock.Registry
	events *events.Manager
	opts   Options
	logger *zap.Logger

	validate *validator.Validate
	now      func() time.Time
}

// New creates a new API server. events may be nil, in which case graph
// writes do not emit branch events and bulk updates are unavailable.
func New(g *graph.SQLite, coord *coordinator.Coordinator, merger *merge.Merger, locks *lock.Registry, ev *events.Manager, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = lock.NewRegistry()
	}
	return &Server{
		graph:    g,
		coord:    coord,
		merger:   merger,
		locks:    locks,
		events:   ev,
		opts:     opts,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Routes returns the router serving /health and /api.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/branches", s.CreateBranch)
		r.Get("/branches", s.ListBranches)
		r.Route("/branches/{name}", func(r chi.Router) {
			r.Get("/", s.GetBranch)
			r.Post("/merge", s.Merge)
			r.Post("/rebase", s.Rebase)
			r.Post("/nodes", s.UpsertNode)
			r.Get("/nodes/{id}", s.GetNode)
			r.Delete("/nodes/{id}", s.DeleteNode)
			r.Put("/nodes/{id}/attributes/{attr}", s.UpsertAttribute)
			r.Put("/nodes/{id}/relationships/{rel}/{peer}", s.UpsertRelationship)
			r.Delete("/nodes/{id}/relationships/{rel}/{peer}", s.RemoveRelationship)
		})

		r.Post("/diffs/update", s.UpdateAllDiffs)
		r.Delete("/diffs/empty", s.PurgeEmptyDiffs)
		r.Get("/diffs/roots/{uuid}", s.GetDiffRoot)
		r.Route("/diffs/{branch}", func(r chi.Router) {
			r.Get("/", s.GetDiff)
			r.Post("/update", s.UpdateDiff)
			r.Post("/recalculate", s.RecalculateDiff)
			r.Get("/conflicts", s.GetConflicts)
			r.Get("/adhoc", s.AdHocDiff)
		})

		r.Put("/conflicts/{uuid}", s.ResolveConflict)
	})
	return r
}

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if _, err := s.graph.GetBranch(r.Context(), graph.DefaultBranch); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// trackedBranch returns a branch that has an origin to diff against.
func (s *Server) trackedBranch(ctx context.Context, name string) (*graph.Branch, error) {
	b, err := s.graph.GetBranch(ctx, name)
	if err != nil {
		return nil, err
	}
	if b.IsDefault || b.Origin == "" {
		return nil, &diff.ValidationError{Reason: fmt.Sprintf("branch %s has no origin to diff against", name)}
	}
	return b, nil
}

// emit queues a branch event when an event manager is wired.
func (s *Server) emit(t events.Type, branch string, at time.Time) {
	if s.events == nil || branch == graph.DefaultBranch {
		return
	}
	s.events.Emit(events.Event{Type: t, Branch: branch, At: at})
}

// decode reads a JSON body into v and validates it. An empty body leaves v
// untouched when allowEmpty is set.
func (s *Server) decode(r *http.Request, v any, allowEmpty bool) error {
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			if !(allowEmpty && errors.Is(err, io.EOF)) {
				return badRequest("invalid request body: %v", err)
			}
		}
	} else if !allowEmpty {
		return badRequest("request body required")
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			paths := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				paths = append(paths, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
			}
			return &requestError{msg: "invalid request", fields: paths}
		}
		return badRequest("%v", err)
	}
	return nil
}

func (s *Server) orNow(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}
