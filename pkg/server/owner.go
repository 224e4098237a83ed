package server

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opaque/secureknn/pkg/protocol"
)

// OwnerBackend is what the owner API serves.
type OwnerBackend interface {
	protocol.Owner
	UploadDatabase(ctx context.Context) error
	HasKeys() bool
}

type ownerAPI struct {
	*Server
	backend OwnerBackend
}

// NewOwner creates the data owner's REST server.
func NewOwner(cfg Config, backend OwnerBackend, log logrus.FieldLogger) *Server {
	s := newServer(cfg, log)
	api := &ownerAPI{Server: s, backend: backend}

	s.mux.HandleFunc("GET /health", api.handleHealth)
	s.mux.HandleFunc("POST /uploaddatabase", api.handleUploadDatabase)
	s.mux.HandleFunc("POST /encryptquery", api.handleEncryptQuery)
	s.mux.HandleFunc("POST /decrypt", api.handleDecrypt)
	return s
}

// OwnerHealth is the body of the owner's GET /health.
type OwnerHealth struct {
	Status  string `json:"status"`
	Time    string `json:"time"`
	HasKeys bool   `json:"has_keys"`
}

func (a *ownerAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, OwnerHealth{
		Status:  "healthy",
		Time:    time.Now().UTC().Format(time.RFC3339),
		HasKeys: a.backend.HasKeys(),
	})
}

func (a *ownerAPI) handleUploadDatabase(w http.ResponseWriter, r *http.Request) {
	if err := a.backend.UploadDatabase(r.Context()); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeOK(w)
}

func (a *ownerAPI) handleEncryptQuery(w http.ResponseWriter, r *http.Request) {
	var req protocol.EncryptQueryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.QueryID == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "queryid is required")
		return
	}
	secure, err := a.backend.EncryptQuery(r.Context(), req.QueryID, req.Datapoints)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.DatapointsResponse{Datapoints: secure})
}

func (a *ownerAPI) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req protocol.DatapointsRequest
	if !decode(w, r, &req) {
		return
	}
	rows, err := a.backend.Decrypt(r.Context(), req.Datapoints)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.DecryptResponse{Datapoints: rows})
}
