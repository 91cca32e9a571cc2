package handlers

import (
	"context"
	"net/http"

	"github.com/3leaps/gopds/pkg/autocleanup"
	"github.com/3leaps/gopds/pkg/cluster"
)

// CleanupService is the part of the auto cleanup scheduler exposed over HTTP.
type CleanupService interface {
	Config() autocleanup.Config
	UpdateConfig(ctx context.Context, cfg autocleanup.Config) error
	LastResults() []autocleanup.Result
}

// AdminHandler serves /api/admin.
type AdminHandler struct {
	monitor cluster.SnapshotSource
	cleanup CleanupService
}

func NewAdminHandler(monitor cluster.SnapshotSource, cleanup CleanupService) *AdminHandler {
	return &AdminHandler{monitor: monitor, cleanup: cleanup}
}

// MonitoringStatus handles GET /api/admin/monitoring/status.
func (h *AdminHandler) MonitoringStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.monitor.Snapshot(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetAutoCleanConfig handles GET /api/admin/config/autoclean.
func (h *AdminHandler) GetAutoCleanConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cleanup.Config())
}

type autoCleanRequest struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
}

// PutAutoCleanConfig handles PUT /api/admin/config/autoclean.
func (h *AdminHandler) PutAutoCleanConfig(w http.ResponseWriter, r *http.Request) {
	var req autoCleanRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	unit, err := autocleanup.ParseUnit(req.Unit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	cfg := autocleanup.Config{Amount: req.Amount, Unit: unit}
	if err := h.cleanup.UpdateConfig(r.Context(), cfg); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.cleanup.Config())
}

// AutoCleanResults handles GET /api/admin/autoclean/results.
func (h *AdminHandler) AutoCleanResults(w http.ResponseWriter, r *http.Request) {
	results := h.cleanup.LastResults()
	if results == nil {
		results = []autocleanup.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}
