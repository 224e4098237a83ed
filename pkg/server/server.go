// Package server provides the REST APIs of the compute provider and the data
// owner.
//
// Both speak JSON. Successful mutations answer with the JSON string "OK";
// failures answer with protocol.ErrorResponse, whose code lets remote clients
// rebuild the sentinel error.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opaque/secureknn/pkg/protocol"
)

// Server is an HTTP server for one party.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	log        logrus.FieldLogger
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Read/write timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // ComputeKnn may wait for a preparation
	}
}

func newServer(cfg Config, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		mux: http.NewServeMux(),
		log: log,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routes wrapped in logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("Server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				s.log.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"panic":  p,
					"stack":  string(debug.Stack()),
				}).Error("Panic in HTTP handler")
				writeError(rec, http.StatusInternalServerError, protocol.CodeInternal, "internal server error")
			}
			s.log.WithFields(logrus.Fields{
				"method":  r.Method,
				"path":    r.URL.Path,
				"status":  rec.status,
				"elapsed": time.Since(start),
			}).Debug("http request")
		}()

		next.ServeHTTP(rec, r)
	})
}

// decode reads a JSON request body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeServiceError answers with the protocol code of err. Errors inside the
// taxonomy are the caller's fault.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := protocol.Code(err)
	status := http.StatusBadRequest
	switch {
	case code == protocol.CodeInternal && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		status = http.StatusServiceUnavailable
	case code == protocol.CodeInternal:
		status = http.StatusInternalServerError
		s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	writeError(w, status, code, err.Error())
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, "OK")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}
