// Package server exposes a read-only HTTP view of the photometry
// database, for monitoring a reduction while it runs.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"photpipe/internal/storage"
)

// Server wraps the HTTP status API over a Store.
type Server struct {
	addr   string
	store  *storage.Store
	log    *slog.Logger
	server *http.Server
}

// New creates a status server bound to addr.
func New(addr string, store *storage.Store, log *slog.Logger) *Server {
	return &Server{addr: addr, store: store, log: log}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/frames", s.handleFrames).Methods("GET")
	r.HandleFunc("/api/photometry", s.handleFramePhotometry).Methods("GET").Queries("frame", "{frame}")
	r.HandleFunc("/api/stars/{star}/series", s.handleStarSeries).Methods("GET")
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down status server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("status server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.store.RecentFrames(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleFramePhotometry(w http.ResponseWriter, r *http.Request) {
	frame := r.URL.Query().Get("frame")
	if frame == "" {
		http.Error(w, "frame query parameter required", http.StatusBadRequest)
		return
	}
	recs, err := s.store.FramePhotometry(frame)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleStarSeries(w http.ResponseWriter, r *http.Request) {
	star, err := strconv.Atoi(mux.Vars(r)["star"])
	if err != nil {
		http.Error(w, "star must be an integer index", http.StatusBadRequest)
		return
	}
	radius, err := strconv.ParseFloat(r.URL.Query().Get("radius"), 64)
	if err != nil {
		http.Error(w, "radius query parameter required", http.StatusBadRequest)
		return
	}
	recs, err := s.store.StarSeries(star, radius)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
