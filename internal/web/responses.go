package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/engine"
)

// Error codes carried in ErrorResponse.Error.
const (
	CodeValidation           = "validation"
	CodeNotFound             = "not_found"
	CodeReferentialIntegrity = "referential_integrity"
	CodeInvalidPackage       = "invalid_package"
	CodeUnavailable          = "unavailable"
	CodeInternal             = "internal"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Entity    string `json:"entity,omitempty"`
	Stage     string `json:"stage,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// errorStatus maps an error to its HTTP status and response body.
func errorStatus(err error) (int, ErrorResponse) {
	var (
		verr *domain.ValidationError
		nerr *domain.NotFoundError
		ferr *domain.FormatError
	)
	switch {
	case errors.As(err, &ferr):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: CodeInvalidPackage, Stage: string(ferr.Stage)}
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Field: verr.Field}
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{Error: CodeValidation}
	case errors.As(err, &nerr):
		return http.StatusNotFound, ErrorResponse{Error: CodeNotFound, Entity: nerr.Entity}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: CodeNotFound}
	case errors.Is(err, domain.ErrReferentialIntegrity):
		return http.StatusConflict, ErrorResponse{Error: CodeReferentialIntegrity}
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable, ErrorResponse{Error: CodeUnavailable}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: CodeInternal}
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorStatus(err)
	body.RequestID = middleware.GetReqID(r.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	s.respondJSON(w, status, body)
}
