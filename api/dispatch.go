package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/garnizeh/sobershift/internal/dispatch"
	"github.com/garnizeh/sobershift/internal/models"
)

type DispatchHandler struct {
	engine *dispatch.Engine
}

func NewDispatchHandler(engine *dispatch.Engine) *DispatchHandler {
	return &DispatchHandler{engine: engine}
}

type postJobPayload struct {
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Category       string   `json:"category,omitempty"`
	RequiredSkills []string `json:"required_skills"`
	BudgetMin      float64  `json:"budget_min"`
	BudgetMax      float64  `json:"budget_max"`
	Urgency        string   `json:"urgency_level,omitempty"`
	AutoAssign     bool     `json:"auto_assign"`
}

type postJobResponse struct {
	Job             *models.JobRequest    `json:"job"`
	Assignment      *models.JobAssignment `json:"assignment,omitempty"`
	AssignmentError string                `json:"assignment_error,omitempty"`
}

// PostJob stores a job for the calling buyer. When auto-assign finds nobody
// the job is still created and the outcome is reported in the body.
func (h *DispatchHandler) PostJob(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var p postJobPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	job, a, err := h.engine.PostJob(r.Context(), &models.JobRequest{
		BuyerID:        id.Subject,
		Title:          p.Title,
		Description:    p.Description,
		Category:       p.Category,
		RequiredSkills: p.RequiredSkills,
		BudgetMin:      p.BudgetMin,
		BudgetMax:      p.BudgetMax,
		Urgency:        p.Urgency,
		AutoAssign:     p.AutoAssign,
	})
	if err != nil && job == nil {
		writeError(w, r, err)
		return
	}

	resp := postJobResponse{Job: job, Assignment: a}
	if err != nil {
		if !errors.Is(err, models.ErrNoEligibleWorkers) {
			writeError(w, r, err)
			return
		}
		resp.AssignmentError = err.Error()
	}
	writeJSON(w, resp, http.StatusCreated)
}

func (h *DispatchHandler) Assign(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeJob(w, r, mux.Vars(r)["id"]) {
		return
	}
	a, err := h.engine.Assign(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, a, http.StatusCreated)
}

func (h *DispatchHandler) AssignManual(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !h.authorizeJob(w, r, vars["id"]) {
		return
	}
	a, err := h.engine.AssignManual(r.Context(), vars["id"], vars["worker_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, a, http.StatusCreated)
}

func (h *DispatchHandler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetAssignment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !h.authorizeAssignment(w, r, a) {
		return
	}
	writeJSON(w, a, http.StatusOK)
}

func (h *DispatchHandler) ListWorkerAssignments(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	if !canSeeWorker(r, workerID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	rows, err := h.engine.ListWorkerAssignments(r.Context(), workerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rows, http.StatusOK)
}

// StartWork is called by the assigned worker once sobriety is approved.
func (h *DispatchHandler) StartWork(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	a, err := h.engine.StartWork(r.Context(), mux.Vars(r)["id"], id.Subject)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, a, http.StatusOK)
}

func (h *DispatchHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cur, err := h.engine.GetAssignment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !h.authorizeAssignment(w, r, cur) {
		return
	}
	a, err := h.engine.Complete(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, a, http.StatusOK)
}

func (h *DispatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cur, err := h.engine.GetAssignment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !h.authorizeAssignment(w, r, cur) {
		return
	}
	a, err := h.engine.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, a, http.StatusOK)
}

// authorizeJob lets a buyer act only on jobs they posted. It writes the
// response and returns false when the caller may not proceed.
func (h *DispatchHandler) authorizeJob(w http.ResponseWriter, r *http.Request, jobID string) bool {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	if id.Role != RoleBuyer {
		return true
	}
	job, err := h.engine.GetJobRequest(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if job.BuyerID != id.Subject {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// authorizeAssignment keeps workers to their own assignments and buyers to
// assignments on their own jobs.
func (h *DispatchHandler) authorizeAssignment(w http.ResponseWriter, r *http.Request, a *models.JobAssignment) bool {
	if !canSeeWorker(r, a.WorkerID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return h.authorizeJob(w, r, a.JobRequestID)
}

// canSeeWorker keeps workers to their own records. Other roles see everyone.
func canSeeWorker(r *http.Request, workerID string) bool {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		return false
	}
	return id.Role != RoleWorker || id.Subject == workerID
}
