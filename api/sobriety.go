package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/garnizeh/sobershift/internal/models"
	"github.com/garnizeh/sobershift/internal/sobriety"
)

// MaxRecordingBytes bounds an uploaded sobriety recording.
const MaxRecordingBytes = 32 << 20

type SobrietyHandler struct {
	service *sobriety.Service
}

func NewSobrietyHandler(service *sobriety.Service) *SobrietyHandler {
	return &SobrietyHandler{service: service}
}

type analysisUnavailableResponse struct {
	errorResponse
	Check *models.SobrietyCheck `json:"check"`
}

// SubmitRecording takes the raw recording as the request body.
func (h *SobrietyHandler) SubmitRecording(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRecordingBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "recording too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	check, err := h.service.SubmitRecording(r.Context(), mux.Vars(r)["id"], id.Subject, body)
	if err != nil {
		if check != nil && errors.Is(err, models.ErrAnalysisUnavailable) {
			status, code := statusFor(err)
			writeJSON(w, analysisUnavailableResponse{
				errorResponse: errorResponse{Error: err.Error(), Code: code},
				Check:         check,
			}, status)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, check, http.StatusCreated)
}

func (h *SobrietyHandler) GetCheck(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.GetCheck(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !canSeeWorker(r, c.WorkerID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, c, http.StatusOK)
}

// Recording streams the stored recording back to a reviewer.
func (h *SobrietyHandler) Recording(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.Recording(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *SobrietyHandler) ListWorkerChecks(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	if !canSeeWorker(r, workerID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	rows, err := h.service.ListWorkerChecks(r.Context(), workerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rows, http.StatusOK)
}

func (h *SobrietyHandler) ListPendingReviews(w http.ResponseWriter, r *http.Request) {
	rows, err := h.service.ListPendingReviews(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rows, http.StatusOK)
}

type reviewPayload struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

// Review records the reviewer's decision on an uncertain check.
func (h *SobrietyHandler) Review(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var p reviewPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	c, err := h.service.ManualReview(r.Context(), mux.Vars(r)["id"], id.Subject, p.Decision, p.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, c, http.StatusOK)
}
