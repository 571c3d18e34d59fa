// Package localdev implements a minimal stand-in for the control plane
// (C12): the same four endpoints C2 talks to, served in-process so
// --rp_serve_api has something real to point the transport at instead
// of a remote control plane. Grounded on the teacher's deleted
// internal/scheduler/internal/server pair: plain net/http.HandleFunc,
// no framework, just inverted from receiving pushed jobs to serving
// pulled ones.
package localdev

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

// Server simulates the acquisition/result/stream/ping endpoints.
type Server struct {
	log zerolog.Logger

	mu   sync.Mutex
	jobs []models.Job

	listener net.Listener
	httpSrv  *http.Server
}

// New builds a Server. Call Seed before Start to give it jobs to hand
// out, or Seed at any point afterward for ongoing local iteration.
func New(log zerolog.Logger) *Server {
	return &Server{log: log}
}

// Seed appends a job that a future GET /take can hand out.
func (s *Server) Seed(job models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// SeedInput builds a job with a fresh ID around input and seeds it,
// for callers (tests, --rp_serve_api local iteration) that don't need
// to pick their own job IDs.
func (s *Server) SeedInput(input json.RawMessage) models.Job {
	job := models.Job{ID: uuid.NewString(), Input: input}
	s.Seed(job)
	return job
}

// Start binds a loopback listener and begins serving. It returns the
// server's base URL.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("localdev: listening: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/take", s.handleTake)
	mux.HandleFunc("/result", s.handleResult)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/ping", s.handlePing)

	s.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("localdev: server exited")
		}
	}()

	return "http://" + ln.Addr().String(), nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jobs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Str("job_id", r.URL.Query().Get("id")).Msg("localdev: result received")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.log.Debug().Str("job_id", r.URL.Query().Get("id")).Msg("localdev: stream fragment received")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.log.Debug().Str("job_id", r.URL.Query().Get("job_id")).Msg("localdev: ping received")
	w.WriteHeader(http.StatusOK)
}
