package handler

import (
	"encoding/base64"
	"net/http"

	"github.com/medivault/lifeline/internal/adapter"
	"github.com/medivault/lifeline/internal/service"
)

// CredentialHandler serves the token-consuming retrieval endpoint.
type CredentialHandler struct {
	retrieval *service.RetrievalService
}

// NewCredentialHandler creates a CredentialHandler.
func NewCredentialHandler(retrieval *service.RetrievalService) *CredentialHandler {
	return &CredentialHandler{retrieval: retrieval}
}

type retrieveResponse struct {
	ReqID     string         `json:"req_id"`
	Format    adapter.Format `json:"format"`
	Data      any            `json:"data"`
	Requested int            `json:"requested"`
	Succeeded int            `json:"succeeded"`
	Bytes     int64          `json:"bytes"`
	ProofID   string         `json:"merkle_proof_id"`
}

// Retrieve handles POST /api/v1/credentials/retrieve. The token in the body
// is burned regardless of the outcome; callers get exactly one shot per
// issuance.
func (h *CredentialHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var in service.RetrievalInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	result, err := h.retrieval.Retrieve(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := retrieveResponse{
		ReqID:     result.ReqID,
		Format:    result.Format,
		Requested: result.Requested,
		Succeeded: result.Succeeded,
		Bytes:     result.Bytes,
		ProofID:   result.ProofID,
	}
	// Raw payloads travel base64-encoded inside the JSON envelope so the
	// response stays a single self-describing document.
	if result.Format == adapter.FormatRaw {
		resp.Data = base64.StdEncoding.EncodeToString(result.Data)
	} else {
		resp.Data = jsonRaw(result.Data)
	}
	writeJSON(w, http.StatusOK, resp)
}

// jsonRaw passes already-serialized JSON through without re-encoding.
type jsonRaw []byte

func (j jsonRaw) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}
