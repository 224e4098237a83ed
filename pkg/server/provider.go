package server

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opaque/secureknn/internal/service"
	"github.com/opaque/secureknn/pkg/protocol"
)

// ProviderBackend is what the provider API serves.
type ProviderBackend interface {
	protocol.Provider
	Stats() service.Stats
}

type providerAPI struct {
	*Server
	backend ProviderBackend
}

// NewProvider creates the compute provider's REST server.
func NewProvider(cfg Config, backend ProviderBackend, log logrus.FieldLogger) *Server {
	s := newServer(cfg, log)
	api := &providerAPI{Server: s, backend: backend}

	s.mux.HandleFunc("GET /health", api.handleHealth)
	s.mux.HandleFunc("POST /cleardb", api.handleClear)
	s.mux.HandleFunc("POST /upload", api.handleUpload)
	s.mux.HandleFunc("GET /getdata", api.handleGetData)
	s.mux.HandleFunc("POST /pushquery", api.handlePushQuery)
	s.mux.HandleFunc("GET /getmt", api.handleGetMt)
	s.mux.HandleFunc("POST /computeknn", api.handleComputeKnn)
	return s
}

// ProviderHealth is the body of the provider's GET /health.
type ProviderHealth struct {
	Status string `json:"status"`
	Time   string `json:"time"`
	service.Stats
}

func (a *providerAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProviderHealth{
		Status: "healthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
		Stats:  a.backend.Stats(),
	})
}

func (a *providerAPI) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := a.backend.Clear(r.Context()); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeOK(w)
}

func (a *providerAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req protocol.DatapointsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.backend.Upload(r.Context(), req.Datapoints); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeOK(w)
}

func (a *providerAPI) handleGetData(w http.ResponseWriter, r *http.Request) {
	rows, err := a.backend.Database(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *providerAPI) handlePushQuery(w http.ResponseWriter, r *http.Request) {
	var req protocol.PushQueryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.QueryID == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "queryid is required")
		return
	}
	if err := a.backend.PushQuery(r.Context(), req.QueryID, req.Mt); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeOK(w)
}

func (a *providerAPI) handleGetMt(w http.ResponseWriter, r *http.Request) {
	queryID := r.URL.Query().Get("queryid")
	if queryID == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "queryid is required")
		return
	}
	mt, err := a.backend.TransformDef(r.Context(), queryID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.TransformDefResponse{Mt: mt})
}

func (a *providerAPI) handleComputeKnn(w http.ResponseWriter, r *http.Request) {
	var req protocol.ComputeKnnRequest
	if !decode(w, r, &req) {
		return
	}
	rows, err := a.backend.ComputeKnn(r.Context(), req.QueryID, req.Query, req.K)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.DatapointsResponse{Datapoints: rows})
}
