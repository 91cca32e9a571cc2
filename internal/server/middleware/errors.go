package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/3leaps/gopds/internal/observability"
)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ErrorResponse is the JSON error envelope on the wire: {"error": {...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorEnvelope builds the envelope for one failed request. The request
// id travels as the correlation id, details as the envelope context.
func NewErrorEnvelope(r *http.Request, code, message string, details map[string]any) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope(code, message)
	if r != nil {
		if id := GetRequestID(r.Context()); id != "" {
			envelope = envelope.WithCorrelationID(id)
		}
	}
	if len(details) > 0 {
		withContext, err := envelope.WithContext(details)
		if err != nil {
			observability.CLILogger.Warn("Dropping error details",
				zap.String("code", code),
				zap.Error(err))
		} else {
			envelope = withContext
		}
	}
	return envelope
}

// WriteError writes an error envelope with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeErrorResponse(w, NewErrorEnvelope(r, code, message, details), status)
}

// WriteEnvelope writes a prepared envelope with the given status.
func WriteEnvelope(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int) {
	writeErrorResponse(w, envelope, status)
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int) {
	body := ErrorBody{Code: "INTERNAL_ERROR", Message: http.StatusText(status)}
	if envelope != nil {
		body = ErrorBody{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   envelope.Context,
			RequestID: envelope.CorrelationID,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: body})
}

// Recovery turns a panic in the handler chain into a 500 error envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				observability.CLILogger.Error("Handler panic recovered",
					zap.String("path", r.URL.Path),
					zap.String("request_id", GetRequestID(r.Context())),
					zap.String("panic", fmt.Sprint(rec)))
				envelope := NewErrorEnvelope(r, "INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec), nil)
				writeErrorResponse(w, envelope, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias of Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}
