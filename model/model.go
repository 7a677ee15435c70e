// Package model defines the data structures shared by the ledger, the interest batch and the HTTP layer.
//
// Every monetary value is a decimal.Decimal from "github.com/shopspring/decimal", never a float64.
// A float64 cannot store most decimal fractions exactly (0.1 + 0.2 != 0.3), and the small errors it
// introduces accumulate across postings until balances and the transaction log stop agreeing.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is a customer account together with its accrual watermark.
type Account struct {
	AccountID      string          `json:"account_id"`
	OwnerID        string          `json:"owner_id"`
	Type           AccountType     `json:"account_type"`
	Name           string          `json:"account_name"`
	Balance        decimal.Decimal `json:"balance"`
	AnnualRate     decimal.Decimal `json:"annual_rate"`
	CreatedAt      time.Time       `json:"created_at"`
	LastInterestAt time.Time       `json:"last_interest_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// Closed reports whether the account has been closed.
func (a Account) Closed() bool { return a.ClosedAt != nil }

// TransactionKind classifies a ledger row.
type TransactionKind string

const (
	KindDeposit        TransactionKind = "deposit"
	KindWithdrawal     TransactionKind = "withdrawal"
	KindTransferIn     TransactionKind = "transfer_in"
	KindTransferOut    TransactionKind = "transfer_out"
	KindInterestCredit TransactionKind = "interest_credit"
)

// Transaction is one immutable row of the append-only ledger. BalanceAfter is the account
// balance right after the row was applied.
type Transaction struct {
	TransactionID         int64           `json:"transaction_id"`
	AccountID             string          `json:"account_id"`
	Kind                  TransactionKind `json:"kind"`
	Amount                decimal.Decimal `json:"amount"`
	BalanceAfter          decimal.Decimal `json:"balance_after"`
	CounterpartyAccountID string          `json:"counterparty_account_id,omitempty"`
	CounterpartyName      string          `json:"counterparty_name,omitempty"`
	Memo                  string          `json:"memo,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

// InterestPayment is the receipt written together with an interest_credit transaction.
type InterestPayment struct {
	PaymentID     int64           `json:"payment_id"`
	AccountID     string          `json:"account_id"`
	TransactionID int64           `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	AccruedFrom   time.Time       `json:"accrued_from"`
	AccruedTo     time.Time       `json:"accrued_to"`
	Days          int             `json:"days"`
	ActorID       string          `json:"actor_id"`
	BatchID       uuid.UUID       `json:"batch_id"`
	PaidAt        time.Time       `json:"paid_at"`
}

// InterestPosting is the input of a single interest credit. AccruedFrom must match the
// account's current watermark and Principal its current balance; AccruedTo becomes the new watermark.
type InterestPosting struct {
	AccountID   string
	Amount      decimal.Decimal
	Principal   decimal.Decimal
	AccruedFrom time.Time
	AccruedTo   time.Time
	Days        int
	ActorID     string
	BatchID     uuid.UUID
}

// InterestRun marks one scheduled accrual period as claimed by a process.
type InterestRun struct {
	PeriodEnd   time.Time       `json:"period_end"`
	ActorID     string          `json:"actor_id"`
	BatchID     uuid.UUID       `json:"batch_id"`
	ClaimedAt   time.Time       `json:"claimed_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Posted      int             `json:"posted"`
	Failed      int             `json:"failed"`
	TotalPosted decimal.Decimal `json:"total_posted"`
}

// BatchFailure records why one account could not be paid in a batch.
type BatchFailure struct {
	AccountID string `json:"account_id"`
	Error     string `json:"error"`
}

// BatchResult summarises one execution of the interest posting batch.
type BatchResult struct {
	BatchID     uuid.UUID       `json:"batch_id"`
	ActorID     string          `json:"actor_id"`
	Posted      int             `json:"posted_count"`
	Failed      int             `json:"failed_count"`
	Skipped     int             `json:"skipped_count"`
	TotalPosted decimal.Decimal `json:"total_posted"`
	Failures    []BatchFailure  `json:"failures,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// InterestQuote is the interest an account would receive if a batch ran now.
type InterestQuote struct {
	AccountID  string          `json:"account_id"`
	OwnerID    string          `json:"owner_id"`
	Type       AccountType     `json:"account_type"`
	Principal  decimal.Decimal `json:"principal"`
	AnnualRate decimal.Decimal `json:"annual_rate"`
	Days       int             `json:"days"`
	Amount     decimal.Decimal `json:"amount"`
}

// SchedulerStatus is what the admin surface reports about the recurring scheduler.
type SchedulerStatus struct {
	Running    bool       `json:"running"`
	State      string     `json:"state"`
	NextFireAt *time.Time `json:"next_fire_at"`
}

// CreateAccountRequest defines the expected JSON body for opening an account.
type CreateAccountRequest struct {
	OwnerID        string          `json:"owner_id"`
	Type           AccountType     `json:"account_type"`
	InitialDeposit decimal.Decimal `json:"initial_deposit"`
	Password       string          `json:"password"`
}

// AmountRequest defines the expected JSON body for deposits and withdrawals.
// Password is checked for withdrawals only.
type AmountRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Memo     string          `json:"memo,omitempty"`
	Password string          `json:"password,omitempty"`
}

// TransactionRequest defines the expected JSON body for submitting a transfer.
// Password belongs to the source account.
type TransactionRequest struct {
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Memo                 string          `json:"memo,omitempty"`
	Password             string          `json:"password"`
}

// TransferReceipt holds both legs of a completed transfer.
type TransferReceipt struct {
	Out Transaction `json:"out"`
	In  Transaction `json:"in"`
}

// CloseAccountRequest defines the expected JSON body for closing an account.
type CloseAccountRequest struct {
	Password string `json:"password"`
}

// ChangePasswordRequest defines the expected JSON body for replacing an account password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// InterestRunRequest defines the expected JSON body for a manual interest batch.
type InterestRunRequest struct {
	ActorID string `json:"actor_id"`
}
