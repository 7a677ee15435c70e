// Package ledger is the only writer of balances. Every operation locks the accounts it touches,
// updates balances and appends the matching transaction rows inside one storage unit of work.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go-interest-ledger/interest"
	"go-interest-ledger/model"
	"go-interest-ledger/storage"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultMaxRetries bounds how often a unit of work aborted by lock contention is replayed.
	DefaultMaxRetries = 3

	openingDepositMemo = "account opening deposit"
)

// Ledger applies money movements to a storage.Store.
type Ledger struct {
	store        storage.Store
	now          func() time.Time
	scale        int32
	maxRetries   uint64
	passwordCost int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock used to stamp transactions.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithScale sets the number of decimal places of the minor currency unit.
func WithScale(scale int32) Option {
	return func(l *Ledger) { l.scale = scale }
}

// WithMaxRetries sets how many times a conflicting unit of work is retried. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.maxRetries = uint64(n)
		}
	}
}

// WithPasswordCost sets the bcrypt cost for account passwords.
func WithPasswordCost(cost int) Option {
	return func(l *Ledger) { l.passwordCost = cost }
}

// New creates a Ledger on top of store.
func New(store storage.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		now:          defaultNow,
		scale:        interest.DefaultScale,
		maxRetries:   DefaultMaxRetries,
		passwordCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Timestamps are kept at microsecond precision, which is what Postgres stores.
func defaultNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Scale returns the configured minor unit.
func (l *Ledger) Scale() int32 {
	return l.scale
}

// CreateAccount opens an account and books its initial deposit in the same unit of work.
func (l *Ledger) CreateAccount(ctx context.Context, req model.CreateAccountRequest) (*model.Account, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	if req.Password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidRequest)
	}
	typ, err := model.ParseAccountType(string(req.Type))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccountType, err)
	}
	if err := l.validateAmount(req.InitialDeposit); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), l.passwordCost)
	if err != nil {
		return nil, fmt.Errorf("could not hash password: %w", err)
	}

	var acc model.Account
	err = l.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		id, err := tx.NextAccountID(ctx)
		if err != nil {
			return err
		}
		now := l.now()
		acc = model.Account{
			AccountID:      id,
			OwnerID:        owner,
			Type:           typ,
			Name:           typ.AccountName(owner),
			Balance:        req.InitialDeposit,
			AnnualRate:     typ.AnnualRate(),
			CreatedAt:      now,
			LastInterestAt: now,
		}
		if err := tx.InsertAccount(ctx, acc, string(hash)); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &model.Transaction{
			AccountID:    id,
			Kind:         model.KindDeposit,
			Amount:       req.InitialDeposit,
			BalanceAfter: req.InitialDeposit,
			Memo:         openingDepositMemo,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetAccount returns the current state of an account.
func (l *Ledger) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// ListAccounts returns the accounts of ownerID, or every account when ownerID is empty.
func (l *Ledger) ListAccounts(ctx context.Context, ownerID string) ([]model.Account, error) {
	return l.store.ListAccounts(ctx, strings.TrimSpace(ownerID))
}

// History returns up to limit transactions of an account, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, accountID, limit)
}

// InterestPayments returns the interest receipts of an account, or of every account when
// accountID is empty.
func (l *Ledger) InterestPayments(ctx context.Context, accountID string) ([]model.InterestPayment, error) {
	if accountID != "" {
		if _, err := l.store.GetAccount(ctx, accountID); err != nil {
			return nil, err
		}
	}
	return l.store.ListInterestPayments(ctx, accountID)
}

// VerifyPassword checks password against the stored hash of the account.
func (l *Ledger) VerifyPassword(ctx context.Context, accountID, password string) error {
	hash, err := l.store.PasswordHash(ctx, accountID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrWrongPassword
		}
		return fmt.Errorf("could not verify password: %w", err)
	}
	return nil
}

// ChangePassword replaces the password of an account after checking the current one.
// The new password must not be empty and must differ from the current one.
func (l *Ledger) ChangePassword(ctx context.Context, accountID, current, next string) error {
	if next == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidRequest)
	}
	if err := l.VerifyPassword(ctx, accountID, current); err != nil {
		return err
	}
	if current == next {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), l.passwordCost)
	if err != nil {
		return fmt.Errorf("could not hash password: %w", err)
	}
	return l.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		acc, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := checkOpen(acc); err != nil {
			return err
		}
		return tx.UpdatePasswordHash(ctx, accountID, string(hash))
	})
}

// CloseAccount marks an account closed. Only an empty account can be closed; its rows and
// history are kept, and no money moves through it afterwards.
func (l *Ledger) CloseAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var closed *model.Account
	err := l.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		acc, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := checkOpen(acc); err != nil {
			return err
		}
		if !acc.Balance.IsZero() {
			return fmt.Errorf("%w: balance %s", ErrAccountNotEmpty, acc.Balance)
		}
		now := l.now()
		if err := tx.CloseAccount(ctx, accountID, now); err != nil {
			return err
		}
		acc.ClosedAt = &now
		closed = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// Deposit credits amount to an account.
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*model.Transaction, error) {
	if err := l.validateAmount(amount); err != nil {
		return nil, err
	}

	var txn model.Transaction
	err := l.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		acc, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := checkOpen(acc); err != nil {
			return err
		}
		txn = model.Transaction{
			AccountID:    accountID,
			Kind:         model.KindDeposit,
			Amount:       amount,
			BalanceAfter: acc.Balance.Add(amount),
			Memo:         memo,
			CreatedAt:    l.now(),
		}
		return l.apply(ctx, tx, &txn)
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// Withdraw debits amount from an account. The balance never goes below zero.
func (l *Ledger) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*model.Transaction, error) {
	if err := l.validateAmount(amount); err != nil {
		return nil, err
	}

	var txn model.Transaction
	err := l.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		acc, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := checkOpen(acc); err != nil {
			return err
		}
		if acc.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, acc.Balance, amount)
		}
		txn = model.Transaction{
			AccountID:    accountID,
			Kind:         model.KindWithdrawal,
			Amount:       amount,
			BalanceAfter: acc.Balance.Sub(amount),
			Memo:         memo,
			CreatedAt:    l.now(),
		}
		return l.apply(ctx, tx, &txn)
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// Transfer moves amount from src to dst. Both legs commit together or not at all.
func (l *Ledger) Transfer(ctx context.Context, src, dst string, amount decimal.Decimal, memo string) (*model.TransferReceipt, error) {
	if src == dst {
		return nil, ErrSameAccount
	}
	if err := l.validateAmount(amount); err != nil {
		return nil, err
	}

	var receipt model.TransferReceipt
	err := l.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		locked, err := tx.LockAccounts(ctx, src, dst)
		if err != nil {
			return err
		}
		from, to := locked[src], locked[dst]
		if err := checkOpen(from); err != nil {
			return err
		}
		if err := checkOpen(to); err != nil {
			return err
		}
		if from.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, from.Balance, amount)
		}

		now := l.now()
		receipt.Out = model.Transaction{
			AccountID:             src,
			Kind:                  model.KindTransferOut,
			Amount:                amount,
			BalanceAfter:          from.Balance.Sub(amount),
			CounterpartyAccountID: dst,
			CounterpartyName:      to.Name,
			Memo:                  memo,
			CreatedAt:             now,
		}
		if err := l.apply(ctx, tx, &receipt.Out); err != nil {
			return err
		}
		receipt.In = model.Transaction{
			AccountID:             dst,
			Kind:                  model.KindTransferIn,
			Amount:                amount,
			BalanceAfter:          to.Balance.Add(amount),
			CounterpartyAccountID: src,
			CounterpartyName:      from.Name,
			Memo:                  memo,
			CreatedAt:             now,
		}
		return l.apply(ctx, tx, &receipt.In)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// PostInterest credits one accrual period to an account, writes the interest receipt and
// advances the account's watermark to p.AccruedTo.
//
// p.AccruedFrom must equal the watermark found under the row lock. Otherwise another run has
// already paid the period and ErrAccrualStale is returned without touching the account.
// p.Principal must equal the locked balance, or ErrPrincipalChanged is returned so the caller
// can quote the period again.
func (l *Ledger) PostInterest(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error) {
	if err := l.validateAmount(p.Amount); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ActorID) == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrInvalidRequest)
	}
	if p.AccruedTo.Before(p.AccruedFrom) {
		return nil, fmt.Errorf("%w: accrual ends before it starts", ErrInvalidRequest)
	}

	var payment model.InterestPayment
	err := l.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		acc, err := tx.LockAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if err := checkOpen(acc); err != nil {
			return err
		}
		if !acc.LastInterestAt.Equal(p.AccruedFrom) {
			return fmt.Errorf("%w: account %s accrued up to %s, posting starts at %s",
				ErrAccrualStale, p.AccountID, acc.LastInterestAt.Format(time.RFC3339), p.AccruedFrom.Format(time.RFC3339))
		}
		if !acc.Balance.Equal(p.Principal) {
			return fmt.Errorf("%w: account %s holds %s, quoted on %s",
				ErrPrincipalChanged, p.AccountID, acc.Balance, p.Principal)
		}

		now := l.now()
		txn := model.Transaction{
			AccountID:    p.AccountID,
			Kind:         model.KindInterestCredit,
			Amount:       p.Amount,
			BalanceAfter: acc.Balance.Add(p.Amount),
			Memo:         fmt.Sprintf("interest for %d days", p.Days),
			CreatedAt:    now,
		}
		if err := l.apply(ctx, tx, &txn); err != nil {
			return err
		}
		payment = model.InterestPayment{
			AccountID:     p.AccountID,
			TransactionID: txn.TransactionID,
			Amount:        p.Amount,
			AccruedFrom:   p.AccruedFrom,
			AccruedTo:     p.AccruedTo,
			Days:          p.Days,
			ActorID:       p.ActorID,
			BatchID:       p.BatchID,
			PaidAt:        now,
		}
		if err := tx.InsertInterestPayment(ctx, &payment); err != nil {
			return err
		}
		return tx.AdvanceWatermark(ctx, p.AccountID, p.AccruedTo)
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// apply writes the new balance and the row that explains it.
func (l *Ledger) apply(ctx context.Context, tx storage.Tx, txn *model.Transaction) error {
	if err := tx.UpdateBalance(ctx, txn.AccountID, txn.BalanceAfter); err != nil {
		return err
	}
	return tx.AppendTransaction(ctx, txn)
}

func checkOpen(acc *model.Account) error {
	if acc.Closed() {
		return fmt.Errorf("%w: %s", ErrAccountClosed, acc.AccountID)
	}
	return nil
}

func (l *Ledger) validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Round(l.scale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, l.scale)
	}
	return nil
}

// inTx runs fn in a unit of work and replays it with exponential backoff while the store reports
// storage.ErrConflict. Any other error ends the attempt immediately.
func (l *Ledger) inTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	operation := func() error {
		err := l.store.WithTx(ctx, fn)
		if err == nil || errors.Is(err, storage.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, l.maxRetries), ctx)

	return backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		log.Printf("ledger: unit of work conflicted, retrying in %s: %v", wait, err)
	})
}
