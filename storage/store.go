package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-interest-ledger/model"

	"github.com/shopspring/decimal"
)

// Custom errors for the storage layer.
var (
	ErrNotFound = errors.New("account not found")
	// ErrConflict means the database aborted the unit of work because of lock contention
	// (deadlock, serialization failure, lock timeout). The whole unit may be retried.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrPersistence wraps any other failure of the backing store.
	ErrPersistence = errors.New("persistence failure")
)

// Store defines the interface for database operations.
//
// All writes go through WithTx: fn runs inside one database transaction and every write made
// through its Tx is committed together when fn returns nil, or discarded when it returns an error.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetAccount(ctx context.Context, id string) (*model.Account, error)
	// ListAccounts returns the accounts of ownerID, or every account when ownerID is empty,
	// ordered by account type and creation time.
	ListAccounts(ctx context.Context, ownerID string) ([]model.Account, error)
	// ListTransactions returns up to limit rows of an account, newest first. limit <= 0 means all.
	ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error)
	// ListInterestPayments returns the payments of an account, or all payments when accountID is empty.
	ListInterestPayments(ctx context.Context, accountID string) ([]model.InterestPayment, error)
	PasswordHash(ctx context.Context, accountID string) (string, error)

	// LastInterestPaymentAt reports the newest interest payment time across all accounts.
	LastInterestPaymentAt(ctx context.Context) (time.Time, bool, error)
	// ClaimRun records run as the owner of run.PeriodEnd. It returns false when the period is
	// already finished, or when another claim on it is unfinished and was made at or after
	// staleBefore. An unfinished claim older than staleBefore is taken over.
	ClaimRun(ctx context.Context, run model.InterestRun, staleBefore time.Time) (bool, error)
	// ReleaseRun drops the unfinished claim on periodEnd so the period can be claimed again.
	// Finished runs are kept.
	ReleaseRun(ctx context.Context, periodEnd time.Time) error
	CompleteRun(ctx context.Context, run model.InterestRun) error
	GetRun(ctx context.Context, periodEnd time.Time) (*model.InterestRun, error)

	Close()
}

// Tx is the write side of a unit of work. Accounts must be locked before they are modified.
type Tx interface {
	NextAccountID(ctx context.Context) (string, error)
	InsertAccount(ctx context.Context, acc model.Account, passwordHash string) error

	// LockAccount locks one account row until the unit of work ends and returns its current state.
	LockAccount(ctx context.Context, id string) (*model.Account, error)
	// LockAccounts locks several rows in ascending id order so that two transfers touching the
	// same pair can never deadlock each other.
	LockAccounts(ctx context.Context, ids ...string) (map[string]*model.Account, error)

	UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error
	AdvanceWatermark(ctx context.Context, id string, at time.Time) error
	// CloseAccount marks a locked, empty account closed. Rows are never deleted.
	CloseAccount(ctx context.Context, id string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id string, hash string) error

	// AppendTransaction stores t and fills in its TransactionID.
	AppendTransaction(ctx context.Context, t *model.Transaction) error
	// InsertInterestPayment stores p and fills in its PaymentID.
	InsertInterestPayment(ctx context.Context, p *model.InterestPayment) error
}

// FormatAccountID renders a sequence number as a customer-facing account number.
func FormatAccountID(seq int64) string {
	return fmt.Sprintf("110-234-%06d", seq)
}
