package handler

import (
	"encoding/json"
	"net/http"

	"go-interest-ledger/model"
)

// TransactionHandler holds dependencies for transaction-related handlers.
type TransactionHandler struct {
	ledger Ledger
}

// NewTransactionHandler creates a new TransactionHandler.
func NewTransactionHandler(l Ledger) *TransactionHandler {
	return &TransactionHandler{ledger: l}
}

// CreateTransactionHandler transfers money between two accounts.
// Both legs are booked atomically; the source account's password is checked first.
//
// Method: POST
// Path: /transactions
// Success: 200 OK with both transaction rows
// Error: 400 Bad Request (for invalid JSON or validation failure)
// Error: 401 Unauthorized (for a wrong password)
// Error: 404 Not Found (if either account does not exist)
// Error: 422 Unprocessable Entity (for business logic errors like insufficient funds)
// Error: 500 Internal Server Error (for database errors)
func (h *TransactionHandler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req model.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Validation
	if req.SourceAccountID == "" || req.DestinationAccountID == "" {
		http.Error(w, "Source and destination accounts are required", http.StatusBadRequest)
		return
	}
	if req.SourceAccountID == req.DestinationAccountID {
		http.Error(w, "Source and destination accounts cannot be the same", http.StatusBadRequest)
		return
	}

	if err := h.ledger.VerifyPassword(r.Context(), req.SourceAccountID, req.Password); err != nil {
		writeError(w, err, "verify password")
		return
	}

	receipt, err := h.ledger.Transfer(r.Context(), req.SourceAccountID, req.DestinationAccountID, req.Amount, req.Memo)
	if err != nil {
		writeError(w, err, "process transaction")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
