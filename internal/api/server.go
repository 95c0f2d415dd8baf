package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"worklog-engine/internal/config"
	"worklog-engine/internal/resilience"
	"worklog-engine/internal/schedule"
	"worklog-engine/internal/telemetry"
)

// Server wires the operational HTTP surface: health, job introspection and
// force-firing, breaker status, and error stats.
type Server struct {
	cfg      config.Config
	sched    *schedule.Scheduler
	breakers *resilience.BreakerSet
	stats    *resilience.Stats
}

// New constructs the admin server.
func New(cfg config.Config, sched *schedule.Scheduler, breakers *resilience.BreakerSet, stats *resilience.Stats) *Server {
	return &Server{
		cfg:      cfg,
		sched:    sched,
		breakers: breakers,
		stats:    stats,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Post("/jobs/{id}/run", s.handleRunJob)
	r.Get("/breakers", s.handleBreakers)
	r.Get("/errors", s.handleErrors)
	r.Post("/errors/reset", s.handleErrorsReset)
	return r
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.sched.Jobs()})
}

// handleRunJob force-fires a registered job outside its schedule. The run
// detaches from the request: it keeps going after the 202 is written.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.RunNow(id); err != nil {
		if errors.Is(err, schedule.ErrUnknownJob) {
			http.Error(w, "unknown job", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "job": id})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.Statuses()})
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleErrorsReset(w http.ResponseWriter, _ *http.Request) {
	s.stats.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
