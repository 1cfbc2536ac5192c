package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medivault/lifeline/internal/audit"
	"github.com/medivault/lifeline/internal/model"
)

// AuditHandler serves read-only ledger endpoints.
type AuditHandler struct {
	audit *audit.Service
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(aud *audit.Service) *AuditHandler {
	return &AuditHandler{audit: aud}
}

// List handles GET /api/v1/audit/log.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)

	entries, err := h.audit.List(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: entries,
		Meta:     &model.ResponseMeta{Count: len(entries), Limit: limit, Offset: offset},
	})
}

// Stats handles GET /api/v1/audit/stats.
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.audit.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Verify handles GET /api/v1/audit/log/{proofID}/verify.
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	proofID := chi.URLParam(r, "proofID")
	ok, err := h.audit.Verify(r.Context(), proofID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proof_id": proofID,
		"valid":    ok,
	})
}
