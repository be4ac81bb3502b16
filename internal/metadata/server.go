package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxRecordBytes = 64 << 10

// Server exposes a Store over HTTP.
//
//	POST /            create a record, the server assigns the id
//	POST /transfers   same as above
//	GET  /transfer?id fetch a live record
type Server struct {
	store Store
	log   *logrus.Entry
	now   func() time.Time
}

func NewServer(store Store, log *logrus.Entry) *Server {
	return &Server{store: store, log: log, now: time.Now}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(allowAnyOrigin)
	r.HandleFunc("/", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/transfers", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/transfer", s.handleGet).Methods(http.MethodGet)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infof("Metadata service listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var rec Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBytes))
	if err := dec.Decode(&rec); err != nil {
		http.Error(w, "malformed transfer body", http.StatusBadRequest)
		return
	}

	rec.ID = ""
	rec, err := Normalize(rec, s.now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err = s.store.Put(r.Context(), rec)
	if err != nil {
		s.log.WithError(err).Error("Failed to store transfer")
		http.Error(w, "could not store transfer", http.StatusInternalServerError)
		return
	}

	s.log.WithFields(logrus.Fields{
		"id":    rec.ID,
		"bytes": rec.ContentLengthBytes,
	}).Info("Transfer registered")
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id query parameter must be passed", http.StatusBadRequest)
		return
	}

	rec, err := s.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "transfer not found", http.StatusNotFound)
	case err != nil:
		s.log.WithError(err).Error("Failed to load transfer")
		http.Error(w, "could not load transfer", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}
