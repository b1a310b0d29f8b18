// Package status serves the run's live progress over HTTP, so a long
// build can be watched from another terminal with curl. It replaces
// nothing on failure: the endpoint reports whatever state the run is in.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
	"github.com/oqs-tools/pqsetup/internal/pipeline"
)

// Server exposes /health and /status for one pipeline run.
type Server struct {
	run  *pipeline.Run
	http *http.Server
}

// NewServer builds the server for the given run on the given port.
func NewServer(port int, run *pipeline.Run) *Server {
	s := &Server{run: run}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background. Listen failures are logged, not fatal:
// the install must not die because a debug port is taken.
func (s *Server) Start(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	go func() {
		logger.Info("Status endpoint listening.", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("Status endpoint stopped.", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		RunID     string                  `json:"run_id"`
		Status    string                  `json:"status"`
		StartedAt time.Time               `json:"started_at"`
		Steps     []pipeline.StepSnapshot `json:"steps"`
	}{
		RunID:     s.run.ID,
		Status:    s.run.Status().String(),
		StartedAt: s.run.StartedAt,
		Steps:     s.run.Steps(),
	})
}
