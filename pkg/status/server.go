// Package status serves run progress over HTTP: a health probe, ledger
// summaries and the Prometheus scrape endpoint.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wehubfusion/subtimizer/pkg/ledger"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// FailureView is one failed item in a summary response.
type FailureView struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

// SummaryView is the JSON form of a ledger summary.
type SummaryView struct {
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Failures  []FailureView `json:"failures,omitempty"`
}

func newSummaryView(s ledger.Summary) SummaryView {
	v := SummaryView{
		RunID:     s.RunID,
		Stage:     s.Stage,
		Succeeded: s.Succeeded,
		Failed:    s.Failed,
		Cancelled: s.Cancelled,
	}
	for _, f := range s.Failures {
		v.Failures = append(v.Failures, FailureView{Index: f.Item.Index, Name: f.Item.Name, Detail: f.Detail})
	}
	return v
}

// Server is the status HTTP handler.
type Server struct {
	router   chi.Router
	ledger   *ledger.Ledger
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// New builds the router. A nil gatherer serves the default registry.
func New(l *ledger.Ledger, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ledger: l, gatherer: gatherer, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/summary", s.handleSummaries)
	r.Get("/summary/{stage}", s.handleSummary)
	r.Get("/runs/{runID}", s.handleRun)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("Status server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSummaries returns the latest run of every stage in the ledger.
func (s *Server) handleSummaries(w http.ResponseWriter, _ *http.Request) {
	stages := make(map[string]struct{})
	for _, e := range s.ledger.Entries() {
		stages[e.Stage] = struct{}{}
	}
	names := make([]string, 0, len(stages))
	for name := range stages {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SummaryView, 0, len(names))
	for _, name := range names {
		runID, _ := s.ledger.LatestRun(name)
		out = append(out, newSummaryView(s.ledger.Summarize(runID, name, 0, 0)))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	runID, ok := s.ledger.LatestRun(stage)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no runs recorded for stage " + stage})
		return
	}
	s.writeJSON(w, http.StatusOK, newSummaryView(s.ledger.Summarize(runID, stage, 0, 0)))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	entries := s.ledger.RunEntries(runID)
	if len(entries) == 0 {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown run " + runID})
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write status response", zap.Error(err))
	}
}
