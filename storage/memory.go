package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go-interest-ledger/model"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

// MemoryStore keeps the ledger in process memory.
//
// Each account has its own lock, taken by Tx.LockAccount and held until the unit of work ends,
// so operations on different accounts run in parallel. Writes are staged on the Tx and applied
// under the store lock only when the unit of work succeeds, which keeps balances and the
// transaction log consistent for readers.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memoryAccount
	txs      []model.Transaction
	payments []model.InterestPayment
	runs     map[int64]model.InterestRun

	accountSeq atomic.Int64
	txSeq      atomic.Int64
	paymentSeq atomic.Int64
}

type memoryAccount struct {
	lock         *semaphore.Weighted // weight 1, held while a unit of work owns the row
	acc          model.Account
	passwordHash string
}

func newMemoryAccount(acc model.Account, passwordHash string) *memoryAccount {
	return &memoryAccount{lock: semaphore.NewWeighted(1), acc: acc, passwordHash: passwordHash}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memoryAccount),
		runs:     make(map[int64]model.InterestRun),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// WithTx runs fn and applies its staged writes only if it returns nil.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	tx := &memoryTx{
		store:   s,
		locked:  make(map[string]*memoryAccount),
		staged:  make(map[string]*model.Account),
		created: make(map[string]string),
		hashes:  make(map[string]string),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	acc := row.acc
	return &acc, nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context, ownerID string) ([]model.Account, error) {
	s.mu.RLock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, row := range s.accounts {
		if ownerID == "" || row.acc.OwnerID == ownerID {
			out = append(out, row.acc)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.AccountID < b.AccountID
	})
	return out, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Transaction{}
	for i := len(s.txs) - 1; i >= 0; i-- {
		if s.txs[i].AccountID != accountID {
			continue
		}
		out = append(out, s.txs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListInterestPayments(ctx context.Context, accountID string) ([]model.InterestPayment, error) {
	s.mu.RLock()
	out := []model.InterestPayment{}
	for _, p := range s.payments {
		if accountID == "" || p.AccountID == accountID {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.After(out[j].PaidAt)
		}
		return out[i].PaymentID > out[j].PaymentID
	})
	return out, nil
}

func (s *MemoryStore) PasswordHash(ctx context.Context, accountID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.accounts[accountID]
	if !ok {
		return "", ErrNotFound
	}
	return row.passwordHash, nil
}

func (s *MemoryStore) LastInterestPaymentAt(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	found := false
	for _, p := range s.payments {
		if !found || p.PaidAt.After(last) {
			last = p.PaidAt
			found = true
		}
	}
	return last, found, nil
}

func (s *MemoryStore) ClaimRun(ctx context.Context, run model.InterestRun, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := run.PeriodEnd.UnixMicro()
	if held, ok := s.runs[key]; ok {
		if held.FinishedAt != nil || !held.ClaimedAt.Before(staleBefore) {
			return false, nil
		}
	}
	run.FinishedAt = nil
	s.runs[key] = run
	return true, nil
}

func (s *MemoryStore) ReleaseRun(ctx context.Context, periodEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := periodEnd.UnixMicro()
	if run, ok := s.runs[key]; ok && run.FinishedAt == nil {
		delete(s.runs, key)
	}
	return nil
}

func (s *MemoryStore) CompleteRun(ctx context.Context, run model.InterestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := run.PeriodEnd.UnixMicro()
	stored, ok := s.runs[key]
	if !ok {
		return ErrRunNotFound
	}
	stored.BatchID = run.BatchID
	stored.FinishedAt = run.FinishedAt
	stored.Posted = run.Posted
	stored.Failed = run.Failed
	stored.TotalPosted = run.TotalPosted
	s.runs[key] = stored
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, periodEnd time.Time) (*model.InterestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[periodEnd.UnixMicro()]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

// memoryTx stages the writes of one unit of work.
type memoryTx struct {
	store    *MemoryStore
	locked   map[string]*memoryAccount
	staged   map[string]*model.Account
	created  map[string]string // account id -> password hash, for accounts inserted by this tx
	hashes   map[string]string
	txs      []model.Transaction
	payments []model.InterestPayment
}

func (t *memoryTx) NextAccountID(ctx context.Context) (string, error) {
	return FormatAccountID(t.store.accountSeq.Add(1)), nil
}

func (t *memoryTx) InsertAccount(ctx context.Context, acc model.Account, passwordHash string) error {
	t.store.mu.RLock()
	_, exists := t.store.accounts[acc.AccountID]
	t.store.mu.RUnlock()
	if _, staged := t.staged[acc.AccountID]; exists || staged {
		return fmt.Errorf("%w: duplicate account id %s", ErrPersistence, acc.AccountID)
	}
	if acc.Balance.IsNegative() {
		return fmt.Errorf("%w: negative balance for %s", ErrPersistence, acc.AccountID)
	}
	t.staged[acc.AccountID] = &acc
	t.created[acc.AccountID] = passwordHash
	return nil
}

func (t *memoryTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	if acc, ok := t.staged[id]; ok {
		cp := *acc
		return &cp, nil
	}

	t.store.mu.RLock()
	row, ok := t.store.accounts[id]
	t.store.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if err := row.lock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("could not lock account %s: %w", id, err)
	}
	t.locked[id] = row

	t.store.mu.RLock()
	acc := row.acc
	t.store.mu.RUnlock()
	t.staged[id] = &acc

	cp := acc
	return &cp, nil
}

func (t *memoryTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*model.Account, error) {
	locked := make(map[string]*model.Account, len(ids))
	for _, id := range sortedUnique(ids) {
		acc, err := t.LockAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = acc
	}
	return locked, nil
}

func (t *memoryTx) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	acc, ok := t.staged[id]
	if !ok {
		return fmt.Errorf("%w: account %s updated without lock", ErrPersistence, id)
	}
	if balance.IsNegative() {
		return fmt.Errorf("%w: negative balance for %s", ErrPersistence, id)
	}
	acc.Balance = balance
	return nil
}

func (t *memoryTx) AdvanceWatermark(ctx context.Context, id string, at time.Time) error {
	acc, ok := t.staged[id]
	if !ok {
		return fmt.Errorf("%w: account %s updated without lock", ErrPersistence, id)
	}
	if at.Before(acc.LastInterestAt) {
		return fmt.Errorf("%w: watermark of %s not advanced to %s", ErrPersistence, id, at)
	}
	acc.LastInterestAt = at
	return nil
}

func (t *memoryTx) CloseAccount(ctx context.Context, id string, at time.Time) error {
	acc, ok := t.staged[id]
	if !ok {
		return fmt.Errorf("%w: account %s updated without lock", ErrPersistence, id)
	}
	if acc.ClosedAt != nil || !acc.Balance.IsZero() {
		return fmt.Errorf("%w: account %s cannot be closed", ErrPersistence, id)
	}
	acc.ClosedAt = &at
	return nil
}

func (t *memoryTx) UpdatePasswordHash(ctx context.Context, id string, hash string) error {
	if _, ok := t.staged[id]; !ok {
		return fmt.Errorf("%w: account %s updated without lock", ErrPersistence, id)
	}
	if _, ok := t.created[id]; ok {
		t.created[id] = hash
		return nil
	}
	t.hashes[id] = hash
	return nil
}

func (t *memoryTx) AppendTransaction(ctx context.Context, txn *model.Transaction) error {
	if _, ok := t.staged[txn.AccountID]; !ok {
		return fmt.Errorf("%w: transaction for unlocked account %s", ErrPersistence, txn.AccountID)
	}
	if !txn.Amount.IsPositive() {
		return fmt.Errorf("%w: non-positive transaction amount", ErrPersistence)
	}
	txn.TransactionID = t.store.txSeq.Add(1)
	t.txs = append(t.txs, *txn)
	return nil
}

func (t *memoryTx) InsertInterestPayment(ctx context.Context, p *model.InterestPayment) error {
	if _, ok := t.staged[p.AccountID]; !ok {
		return fmt.Errorf("%w: interest payment for unlocked account %s", ErrPersistence, p.AccountID)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: non-positive interest payment", ErrPersistence)
	}
	p.PaymentID = t.store.paymentSeq.Add(1)
	t.payments = append(t.payments, *p)
	return nil
}

func (t *memoryTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, acc := range t.staged {
		if hash, ok := t.created[id]; ok {
			s.accounts[id] = newMemoryAccount(*acc, hash)
			continue
		}
		s.accounts[id].acc = *acc
	}
	for id, hash := range t.hashes {
		s.accounts[id].passwordHash = hash
	}
	s.txs = append(s.txs, t.txs...)
	s.payments = append(s.payments, t.payments...)
}

func (t *memoryTx) release() {
	for _, row := range t.locked {
		row.lock.Release(1)
	}
}

var _ Store = (*MemoryStore)(nil)
