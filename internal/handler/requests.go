package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/server/middleware"
	"github.com/medivault/lifeline/internal/service"
)

// RequestHandler serves the credential request lifecycle endpoints.
type RequestHandler struct {
	requests  *service.RequestService
	approvals *service.ApprovalService
	tokens    *service.TokenService
}

// NewRequestHandler creates a RequestHandler.
func NewRequestHandler(requests *service.RequestService, approvals *service.ApprovalService, tokens *service.TokenService) *RequestHandler {
	return &RequestHandler{requests: requests, approvals: approvals, tokens: tokens}
}

// Create handles POST /api/v1/requests.
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in service.CreateRequestInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// The authenticated caller is the requester unless the body names one,
	// which lets gateway integrations file on behalf of clinicians.
	if in.RequesterID == "" {
		in.RequesterID = middleware.GetCallerID(r.Context())
	}

	req, err := h.requests.Create(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// List handles GET /api/v1/requests.
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	status := model.RequestStatus(queryString(r, "status"))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	reqs, err := h.requests.List(r.Context(), status, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: reqs,
		Meta:     &model.ResponseMeta{Count: len(reqs), Limit: limit, Offset: offset},
	})
}

// Get handles GET /api/v1/requests/{reqID}.
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Get(r.Context(), chi.URLParam(r, "reqID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Approve handles POST /api/v1/requests/{reqID}/approve.
func (h *RequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var in service.ApproveInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	approval, err := h.approvals.Approve(r.Context(), chi.URLParam(r, "reqID"), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// Deny handles POST /api/v1/requests/{reqID}/deny.
func (h *RequestHandler) Deny(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Reason string `json:"reason"`
	}
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := h.requests.Deny(r.Context(), chi.URLParam(r, "reqID"), middleware.GetCallerID(r.Context()), in.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// IssueToken handles GET /api/v1/requests/{reqID}/token.
func (h *RequestHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	issued, err := h.tokens.Issue(r.Context(), chi.URLParam(r, "reqID"), middleware.GetCallerID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}
