package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/medivault/lifeline/internal/adapter"
	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/service"
	"github.com/medivault/lifeline/internal/store"
	"github.com/medivault/lifeline/internal/vault"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]any) {
	var ctxMap map[string]any
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// writeServiceError maps a service-layer error onto the broker's status
// taxonomy and writes the envelope.
func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, classifyError(err), err.Error())
}

// classifyError maps the failure taxonomy onto HTTP status codes. Backend
// errors surface the adapter kind but never credential material; the
// adapters guarantee the latter.
func classifyError(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, adapter.ErrUnknownAdapter):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidSignature),
		errors.Is(err, vault.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, vault.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyDecided),
		errors.Is(err, service.ErrNotApproved),
		errors.Is(err, service.ErrNonceReplay):
		return http.StatusConflict
	case errors.Is(err, service.ErrExpiredRequest),
		errors.Is(err, service.ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, adapter.ErrConnection),
		errors.Is(err, adapter.ErrAuthentication),
		errors.Is(err, adapter.ErrRetrieval),
		errors.Is(err, adapter.ErrEphemeralAccount):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}
