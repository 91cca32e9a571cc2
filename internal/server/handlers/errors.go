package handlers

import (
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/3leaps/gopds/internal/observability"
	"github.com/3leaps/gopds/internal/server/middleware"
	"github.com/3leaps/gopds/pkg/autocleanup"
	"github.com/3leaps/gopds/pkg/pdsjob"
)

// ErrBadRequest marks request decoding and validation failures.
var ErrBadRequest = errors.New("bad request")

var httpErrorResponder = defaultHTTPErrorResponder

// SetHTTPErrorResponder replaces the function turning handler errors into
// responses. nil restores the default.
func SetHTTPErrorResponder(fn func(http.ResponseWriter, *http.Request, error)) {
	if fn == nil {
		httpErrorResponder = defaultHTTPErrorResponder
		return
	}
	httpErrorResponder = fn
}

func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultHTTPErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	status, envelope := errorEnvelopeFor(r, err)
	middleware.WriteEnvelope(w, envelope, status)
}

// errorEnvelopeFor maps a handler error to its status and envelope.
func errorEnvelopeFor(r *http.Request, err error) (int, *gferrors.ErrorEnvelope) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, middleware.NewErrorEnvelope(r, "BAD_REQUEST", err.Error(), nil)
	case pdsjob.IsNotFound(err):
		return http.StatusNotFound, middleware.NewErrorEnvelope(r, "NOT_FOUND", err.Error(), nil)
	case pdsjob.IsInvalidState(err):
		var ise *pdsjob.InvalidStateError
		var details map[string]any
		if errors.As(err, &ise) {
			details = map[string]any{"state": string(ise.Current)}
		}
		return http.StatusConflict, middleware.NewErrorEnvelope(r, "CONFLICT", err.Error(), details)
	case errors.Is(err, autocleanup.ErrNotAcceptable):
		return http.StatusNotAcceptable, middleware.NewErrorEnvelope(r, "NOT_ACCEPTABLE", err.Error(), nil)
	default:
		observability.CLILogger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		return http.StatusInternalServerError, middleware.NewErrorEnvelope(r, "INTERNAL_ERROR", "internal error", nil)
	}
}
