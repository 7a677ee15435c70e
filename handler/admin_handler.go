package handler

import (
	"encoding/json"
	"net/http"

	"go-interest-ledger/model"
)

// AdminHandler serves the operator endpoints. Routes are guarded by RequireAdmin.
type AdminHandler struct {
	ledger    Ledger
	runner    InterestRunner
	scheduler StatusReporter
}

func NewAdminHandler(l Ledger, runner InterestRunner, scheduler StatusReporter) *AdminHandler {
	return &AdminHandler{ledger: l, runner: runner, scheduler: scheduler}
}

// RunInterestHandler runs the interest batch immediately on behalf of "actor_id".
//
// Method: POST
// Path: /admin/interest/runs
// Success: 200 OK with the batch result
// Error: 400 Bad Request (for invalid JSON or a missing actor id)
func (h *AdminHandler) RunInterestHandler(w http.ResponseWriter, r *http.Request) {
	var req model.InterestRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.runner.RunBatch(r.Context(), req.ActorID)
	if err != nil {
		writeError(w, err, "run interest batch")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PreviewHandler lists the interest every account would receive if a batch ran now.
//
// Method: GET
// Path: /admin/interest/preview
func (h *AdminHandler) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.runner.Preview(r.Context())
	if err != nil {
		writeError(w, err, "preview interest")
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// PaymentsHandler lists every interest payment, newest first.
//
// Method: GET
// Path: /admin/interest/payments
func (h *AdminHandler) PaymentsHandler(w http.ResponseWriter, r *http.Request) {
	payments, err := h.ledger.InterestPayments(r.Context(), "")
	if err != nil {
		writeError(w, err, "retrieve interest payments")
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// SchedulerStatusHandler reports the recurring scheduler state.
//
// Method: GET
// Path: /admin/scheduler
func (h *AdminHandler) SchedulerStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}
