package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"go-interest-ledger/ledger"
	"go-interest-ledger/model"
	"go-interest-ledger/storage"

	"github.com/shopspring/decimal"
)

// Ledger is the part of ledger.Ledger the HTTP layer calls.
type Ledger interface {
	CreateAccount(ctx context.Context, req model.CreateAccountRequest) (*model.Account, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	ListAccounts(ctx context.Context, ownerID string) ([]model.Account, error)
	History(ctx context.Context, accountID string, limit int) ([]model.Transaction, error)
	InterestPayments(ctx context.Context, accountID string) ([]model.InterestPayment, error)
	VerifyPassword(ctx context.Context, accountID, password string) error
	ChangePassword(ctx context.Context, accountID, current, next string) error
	CloseAccount(ctx context.Context, accountID string) (*model.Account, error)
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*model.Transaction, error)
	Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*model.Transaction, error)
	Transfer(ctx context.Context, src, dst string, amount decimal.Decimal, memo string) (*model.TransferReceipt, error)
}

// InterestRunner triggers and previews interest batches.
type InterestRunner interface {
	RunBatch(ctx context.Context, actorID string) (*model.BatchResult, error)
	Preview(ctx context.Context) ([]model.InterestQuote, error)
}

// StatusReporter exposes the recurring scheduler state.
type StatusReporter interface {
	Status() model.SchedulerStatus
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing JSON response: %v", err)
	}
}

// writeError maps ledger and storage errors to status codes. Unexpected errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "Account not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		http.Error(w, "Insufficient funds", http.StatusUnprocessableEntity)
	case errors.Is(err, ledger.ErrAccountClosed):
		http.Error(w, "Account is closed", http.StatusUnprocessableEntity)
	case errors.Is(err, ledger.ErrAccountNotEmpty):
		http.Error(w, "Account balance must be zero before closing", http.StatusUnprocessableEntity)
	case errors.Is(err, ledger.ErrAccrualStale):
		http.Error(w, "Interest for this period has already been posted", http.StatusUnprocessableEntity)
	case errors.Is(err, ledger.ErrWrongPassword):
		http.Error(w, "Wrong password", http.StatusUnauthorized)
	case errors.Is(err, storage.ErrConflict):
		http.Error(w, "Concurrent update, please retry", http.StatusConflict)
	default:
		log.Printf("Error trying to %s: %v", action, err)
		http.Error(w, "Failed to "+action, http.StatusInternalServerError)
	}
}
