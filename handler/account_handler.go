package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go-interest-ledger/model"

	"github.com/gorilla/mux"
)

// AccountHandler holds dependencies for account-related handlers.
type AccountHandler struct {
	ledger Ledger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(l Ledger) *AccountHandler {
	return &AccountHandler{ledger: l}
}

// CreateAccountHandler opens a new account.
// It expects a JSON body with "owner_id", "account_type", "initial_deposit" and "password".
//
// Method: POST
// Path: /accounts
// Success: 201 Created
// Error: 400 Bad Request (for invalid JSON or validation failure)
// Error: 500 Internal Server Error (for database errors)
func (h *AccountHandler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	acc, err := h.ledger.CreateAccount(r.Context(), req)
	if err != nil {
		writeError(w, err, "create account")
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// ListAccountsHandler lists the accounts of the owner given in the "owner_id" query parameter,
// or every account when it is absent.
//
// Method: GET
// Path: /accounts
// Success: 200 OK
func (h *AccountHandler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.ledger.ListAccounts(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		writeError(w, err, "list accounts")
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// GetAccountHandler handles retrieving a specific account.
// It expects an "account_id" as a URL path parameter.
//
// Method: GET
// Path: /accounts/{account_id}
// Success: 200 OK
// Error: 404 Not Found (if account does not exist)
// Error: 500 Internal Server Error (for database errors)
func (h *AccountHandler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, err := h.ledger.GetAccount(r.Context(), mux.Vars(r)["account_id"])
	if err != nil {
		writeError(w, err, "retrieve account")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// HistoryHandler returns the newest transactions of an account. The optional "limit" query
// parameter caps the number of rows.
//
// Method: GET
// Path: /accounts/{account_id}/transactions
// Success: 200 OK
// Error: 400 Bad Request (for an invalid limit)
// Error: 404 Not Found (if account does not exist)
func (h *AccountHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	history, err := h.ledger.History(r.Context(), mux.Vars(r)["account_id"], limit)
	if err != nil {
		writeError(w, err, "retrieve transactions")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// InterestPaymentsHandler returns the interest receipts of an account.
//
// Method: GET
// Path: /accounts/{account_id}/interest-payments
// Success: 200 OK
// Error: 404 Not Found (if account does not exist)
func (h *AccountHandler) InterestPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]
	if accountID == "" {
		http.Error(w, "Account ID is required", http.StatusBadRequest)
		return
	}
	payments, err := h.ledger.InterestPayments(r.Context(), accountID)
	if err != nil {
		writeError(w, err, "retrieve interest payments")
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// DepositHandler credits money to an account.
//
// Method: POST
// Path: /accounts/{account_id}/deposits
// Success: 200 OK with the transaction row
// Error: 400 Bad Request (for invalid JSON or amount)
// Error: 404 Not Found (if account does not exist)
func (h *AccountHandler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	var req model.AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	txn, err := h.ledger.Deposit(r.Context(), mux.Vars(r)["account_id"], req.Amount, req.Memo)
	if err != nil {
		writeError(w, err, "deposit")
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// WithdrawHandler debits money from an account after checking its password.
//
// Method: POST
// Path: /accounts/{account_id}/withdrawals
// Success: 200 OK with the transaction row
// Error: 400 Bad Request (for invalid JSON or amount)
// Error: 401 Unauthorized (for a wrong password)
// Error: 404 Not Found (if account does not exist)
// Error: 422 Unprocessable Entity (for insufficient funds)
func (h *AccountHandler) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	var req model.AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	accountID := mux.Vars(r)["account_id"]
	if err := h.ledger.VerifyPassword(r.Context(), accountID, req.Password); err != nil {
		writeError(w, err, "verify password")
		return
	}

	txn, err := h.ledger.Withdraw(r.Context(), accountID, req.Amount, req.Memo)
	if err != nil {
		writeError(w, err, "withdraw")
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// CloseAccountHandler closes an empty account after checking its password. The account and its
// history stay readable.
//
// Method: POST
// Path: /accounts/{account_id}/close
// Success: 200 OK with the closed account
// Error: 401 Unauthorized (for a wrong password)
// Error: 404 Not Found (if account does not exist)
// Error: 422 Unprocessable Entity (if the balance is not zero or the account is already closed)
func (h *AccountHandler) CloseAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req model.CloseAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	accountID := mux.Vars(r)["account_id"]
	if err := h.ledger.VerifyPassword(r.Context(), accountID, req.Password); err != nil {
		writeError(w, err, "verify password")
		return
	}

	acc, err := h.ledger.CloseAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err, "close account")
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// ChangePasswordHandler replaces the password of an account.
//
// Method: PUT
// Path: /accounts/{account_id}/password
// Success: 204 No Content
// Error: 400 Bad Request (if the new password is empty or equals the current one)
// Error: 401 Unauthorized (for a wrong current password)
// Error: 404 Not Found (if account does not exist)
func (h *AccountHandler) ChangePasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req model.ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.ledger.ChangePassword(r.Context(), mux.Vars(r)["account_id"], req.CurrentPassword, req.NewPassword)
	if err != nil {
		writeError(w, err, "change password")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
