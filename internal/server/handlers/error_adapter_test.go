package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gopds/internal/server/middleware"
	"github.com/3leaps/gopds/pkg/autocleanup"
	"github.com/3leaps/gopds/pkg/pdsjob"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	// Save original
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	t.Run("sets custom responder", func(t *testing.T) {
		called := false
		customResponder := func(w http.ResponseWriter, r *http.Request, err error) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		}

		SetHTTPErrorResponder(customResponder)

		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, req, assert.AnError)

		assert.True(t, called)
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("nil resets to default", func(t *testing.T) {
		// Set a custom responder first
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusTeapot)
		})

		// Reset with nil
		SetHTTPErrorResponder(nil)

		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, req, assert.AnError)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestResetHTTPErrorResponder(t *testing.T) {
	// Save original
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	// Set a custom responder
	customCalled := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		customCalled = true
	})

	// Reset to default
	ResetHTTPErrorResponder()

	// Verify it's reset (default responder is not our custom one)
	assert.False(t, customCalled)
	assert.NotNil(t, httpErrorResponder)
}

func TestRespondWithError(t *testing.T) {
	// Save original
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	called := false
	var capturedErr error

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		called = true
		capturedErr = err
		w.WriteHeader(http.StatusInternalServerError)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	respondWithError(rec, req, assert.AnError)

	assert.True(t, called)
	assert.Equal(t, assert.AnError, capturedErr)
}

func TestDefaultHTTPErrorResponder_Mapping(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bad request", fmt.Errorf("%w: owner is required", ErrBadRequest), http.StatusBadRequest, "BAD_REQUEST"},
		{"not found", &pdsjob.NotFoundError{ID: id}, http.StatusNotFound, "NOT_FOUND"},
		{"invalid state", &pdsjob.InvalidStateError{ID: id, Op: "cancel", Current: pdsjob.StateDone}, http.StatusConflict, "CONFLICT"},
		{"not acceptable", fmt.Errorf("%w: bad unit", autocleanup.ErrNotAcceptable), http.StatusNotAcceptable, "NOT_ACCEPTABLE"},
		{"persistence", &pdsjob.PersistenceError{Op: "get job", Err: assert.AnError}, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			rec := httptest.NewRecorder()

			defaultHTTPErrorResponder(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var resp middleware.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestDefaultHTTPErrorResponder_HidesInternalMessage(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	defaultHTTPErrorResponder(rec, req, fmt.Errorf("dsn secret leaked"))

	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestErrorEnvelopeFor_CarriesStateAndRequestID(t *testing.T) {
	req := httptest.NewRequest("PUT", "/api/admin/job/x/cancel", nil)
	req = req.WithContext(middleware.WithRequestID(req.Context(), "req-7"))

	status, envelope := errorEnvelopeFor(req, &pdsjob.InvalidStateError{ID: uuid.New(), Op: "cancel", Current: pdsjob.StateFailed})

	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", envelope.Code)
	assert.Equal(t, "req-7", envelope.CorrelationID)
	assert.Equal(t, "FAILED", envelope.Context["state"])
}
