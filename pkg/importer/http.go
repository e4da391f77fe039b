package importer

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stockpilot-ai/platform/pkg/common/logger"
	"github.com/stockpilot-ai/platform/pkg/common/models"
	"github.com/stockpilot-ai/platform/pkg/diagnostics"
)

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/imports", h.handleCreate).Methods(http.MethodPost)
	router.HandleFunc("/imports/preview", h.handlePreview).Methods(http.MethodPost)
	router.HandleFunc("/imports/{id}", h.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/imports/{id}", h.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/imports/{id}/confirm", h.handleConfirm).Methods(http.MethodPost)
	router.HandleFunc("/imports/{id}/retry", h.handleRetry).Methods(http.MethodPost)
	router.HandleFunc("/imports/{id}/rollback", h.handleRollback).Methods(http.MethodPost)
}

// statusResponse augments the batch record with advisory triage hints.
type statusResponse struct {
	*ImportBatch
	DurationMS      int64    `json:"duration_ms,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req models.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	batch, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(batch)
}

func (h *HTTPHandler) handlePreview(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req models.PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.service.Preview(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *HTTPHandler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req models.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.service.Confirm(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	var rec *diagnostics.Reconciliation
	if meta := batch.DecodedMetadata(); meta.Reconciliation != nil {
		rec = &diagnostics.Reconciliation{
			RowsSeen:    meta.Reconciliation.RowsSeen,
			RowsDropped: meta.Reconciliation.RowsDropped,
			DropReasons: meta.Reconciliation.DropReasons,
		}
	}

	resp := statusResponse{
		ImportBatch:     batch,
		DurationMS:      batch.Duration().Milliseconds(),
		Recommendations: diagnostics.Recommend(batch.DecodedErrors(), batch.DecodedDiagnostics(), rec),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *HTTPHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.RetryPostProcessing(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batch)
}

func (h *HTTPHandler) handleRollback(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.Rollback(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batch)
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "import batch not found", http.StatusNotFound)
	case IsValidationError(err) || IsInvalidState(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Log.WithError(err).Error("import request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
