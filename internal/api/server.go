// Package api exposes the HTTP interface for the analysis service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ecotrace/ecotrace/internal/carbon"
	"github.com/ecotrace/ecotrace/internal/metrics"
	"github.com/ecotrace/ecotrace/internal/orchestrator"
)

// Server wires HTTP handlers to the orchestrator and blob store.
type Server struct {
	router chi.Router
	orch   *orchestrator.Orchestrator
	blob   carbon.BlobStore
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(orch *orchestrator.Orchestrator, blob carbon.BlobStore, timeout time.Duration, logger *zap.Logger) *Server {
	s := &Server{
		orch:   orch,
		blob:   blob,
		logger: logger,
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Route("/reports", func(r chi.Router) {
			r.Post("/", s.submitReport)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/file", s.getReportFile)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	Target  string            `json:"target"`
	Options carbon.JobOptions `json:"options"`
}

type submitResponse struct {
	JobID        string `json:"job_id"`
	State        string `json:"state"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target required")
		return
	}
	job, dedup, err := s.orch.Submit(r.Context(), req.Target, req.Options)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:        job.ID,
		State:        string(job.State),
		Deduplicated: dedup,
	})
}

type reportRequest struct {
	SourceJobID string `json:"source_job_id"`
}

func (s *Server) submitReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceJobID == "" {
		writeError(w, http.StatusBadRequest, "source_job_id required")
		return
	}
	job, dedup, err := s.orch.SubmitReport(r.Context(), req.SourceJobID)
	if err != nil {
		if errors.Is(err, carbon.ErrNotFound) {
			writeError(w, http.StatusNotFound, "source job not found")
			return
		}
		writeError(w, submitStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:        job.ID,
		State:        string(job.State),
		Deduplicated: dedup,
	})
}

type statusResponse struct {
	JobID     string          `json:"job_id"`
	Kind      carbon.JobKind  `json:"kind"`
	Target    string          `json:"target"`
	State     carbon.JobState `json:"state"`
	Progress  carbon.Progress `json:"progress"`
	Error     *carbon.Error   `json:"error,omitempty"`
	ResultRef string          `json:"result_ref,omitempty"`
	Submitted time.Time       `json:"submitted_at"`
	Started   *time.Time      `json:"started_at,omitempty"`
	Finished  *time.Time      `json:"finished_at,omitempty"`
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.orch.GetStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, lookupStatus(err), "job not found")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		JobID:     job.ID,
		Kind:      job.Kind,
		Target:    job.Target,
		State:     job.State,
		Progress:  job.Progress,
		Error:     job.Error,
		ResultRef: job.ResultRef,
		Submitted: job.Submitted,
		Started:   job.Started,
		Finished:  job.Finished,
	})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	result, err := s.orch.GetResult(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, carbon.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, carbon.ErrNotReady):
			writeError(w, http.StatusConflict, "result not ready")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.orch.Cancel(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, carbon.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, carbon.ErrTerminal):
			writeError(w, http.StatusConflict, "job already finished")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
}

func (s *Server) getReportFile(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	report, err := s.orch.GetReport(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, carbon.ErrNotFound):
			writeError(w, http.StatusNotFound, "report not found")
		case errors.Is(err, carbon.ErrNotReady):
			writeError(w, http.StatusConflict, "report not ready")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	data, contentType, err := s.blob.Get(r.Context(), report.FileRef)
	if err != nil {
		s.logger.Error("report blob read failed",
			zap.String("job_id", jobID),
			zap.String("ref", report.FileRef),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report file unavailable")
		return
	}
	if contentType == "" {
		contentType = "application/pdf"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".pdf"))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	if _, err := w.Write(data); err != nil {
		s.logger.Error("report file write failed", zap.Error(err))
	}
}

// submitStatus maps submission errors onto HTTP codes. Invalid targets
// and bad source jobs are client errors; everything else is internal.
func submitStatus(err error) int {
	var jerr *carbon.Error
	if errors.As(err, &jerr) && jerr.Kind == carbon.ErrKindStorage {
		return http.StatusInternalServerError
	}
	if errors.Is(err, carbon.ErrDuplicateFingerprint) {
		return http.StatusConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout
	}
	return http.StatusBadRequest
}

func lookupStatus(err error) int {
	if errors.Is(err, carbon.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			took := time.Since(start)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			metrics.ObserveHTTPRequest(r.Method, route, ww.status, took)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", took.Milliseconds()))
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
