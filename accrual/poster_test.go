package accrual

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go-interest-ledger/ledger"
	"go-interest-ledger/model"
	"go-interest-ledger/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var (
	batchTime = time.Date(2025, 4, 30, 14, 0, 0, 0, time.UTC)
	monthAgo  = batchTime.AddDate(0, 0, -30)
)

// MockLedger provides a mock implementation of Ledger for testing.
type MockLedger struct {
	GetAccountFunc   func(ctx context.Context, accountID string) (*model.Account, error)
	ListAccountsFunc func(ctx context.Context, ownerID string) ([]model.Account, error)
	PostInterestFunc func(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error)
}

func (m *MockLedger) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return m.GetAccountFunc(ctx, accountID)
}

func (m *MockLedger) ListAccounts(ctx context.Context, ownerID string) ([]model.Account, error) {
	return m.ListAccountsFunc(ctx, ownerID)
}

func (m *MockLedger) PostInterest(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error) {
	return m.PostInterestFunc(ctx, p)
}

// MockPublisher records published results.
type MockPublisher struct {
	PublishFunc func(ctx context.Context, result model.BatchResult) error
}

func (m *MockPublisher) PublishBatchCompleted(ctx context.Context, result model.BatchResult) error {
	return m.PublishFunc(ctx, result)
}

// depositAfterList deposits into one account right after the batch has listed the accounts,
// so every quote taken from the listing is stale.
type depositAfterList struct {
	*ledger.Ledger
	accountID string
	amount    decimal.Decimal
	done      bool
}

func (d *depositAfterList) ListAccounts(ctx context.Context, ownerID string) ([]model.Account, error) {
	accounts, err := d.Ledger.ListAccounts(ctx, ownerID)
	if err != nil || d.done {
		return accounts, err
	}
	d.done = true
	if _, err := d.Ledger.Deposit(ctx, d.accountID, d.amount, "payroll"); err != nil {
		return nil, err
	}
	return accounts, nil
}

func account(id string, balance int64, typ model.AccountType, watermark time.Time) model.Account {
	return model.Account{
		AccountID:      id,
		OwnerID:        "owner-" + id,
		Type:           typ,
		Balance:        decimal.NewFromInt(balance),
		AnnualRate:     typ.AnnualRate(),
		CreatedAt:      watermark,
		LastInterestAt: watermark,
	}
}

func fixedClock() Option {
	return WithClock(func() time.Time { return batchTime })
}

func TestRunBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("posts due accounts and skips the rest", func(t *testing.T) {
		// Arrange
		accounts := []model.Account{
			account("due", 100000, model.AccountTypeInstallment, monthAgo),
			account("empty", 0, model.AccountTypeInstallment, monthAgo),
			account("fresh", 100000, model.AccountTypeInstallment, batchTime.Add(-time.Hour)),
			account("tiny", 10, model.AccountTypeBasic, monthAgo),
		}
		var postings []model.InterestPosting
		mock := &MockLedger{
			ListAccountsFunc: func(ctx context.Context, ownerID string) ([]model.Account, error) {
				assert.Empty(t, ownerID)
				return accounts, nil
			},
			PostInterestFunc: func(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error) {
				postings = append(postings, p)
				return &model.InterestPayment{AccountID: p.AccountID, Amount: p.Amount}, nil
			},
		}
		poster := NewPoster(mock, fixedClock())

		// Act
		result, err := poster.RunBatch(ctx, ActorScheduled)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 1, result.Posted)
		assert.Equal(t, 0, result.Failed)
		assert.Equal(t, 3, result.Skipped)
		assert.True(t, result.TotalPosted.Equal(decimal.NewFromInt(164)), "total %s", result.TotalPosted)
		assert.Equal(t, ActorScheduled, result.ActorID)

		require.Len(t, postings, 1)
		p := postings[0]
		assert.Equal(t, "due", p.AccountID)
		assert.Equal(t, 30, p.Days)
		assert.True(t, p.AccruedFrom.Equal(monthAgo))
		assert.True(t, p.AccruedTo.Equal(batchTime))
		assert.Equal(t, result.BatchID, p.BatchID)
		assert.Equal(t, ActorScheduled, p.ActorID)
	})

	t.Run("one failing account does not stop the batch", func(t *testing.T) {
		// Arrange
		accounts := []model.Account{
			account("a", 100000, model.AccountTypeInstallment, monthAgo),
			account("b", 100000, model.AccountTypeInstallment, monthAgo),
			account("c", 100000, model.AccountTypeInstallment, monthAgo),
		}
		mock := &MockLedger{
			ListAccountsFunc: func(ctx context.Context, ownerID string) ([]model.Account, error) { return accounts, nil },
			PostInterestFunc: func(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error) {
				if p.AccountID == "b" {
					return nil, fmt.Errorf("could not append transaction: %w", storage.ErrPersistence)
				}
				return &model.InterestPayment{}, nil
			},
		}
		poster := NewPoster(mock, fixedClock())

		// Act
		result, err := poster.RunBatch(ctx, "admin_test")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 2, result.Posted)
		assert.Equal(t, 1, result.Failed)
		require.Len(t, result.Failures, 1)
		assert.Equal(t, "b", result.Failures[0].AccountID)
		assert.Contains(t, result.Failures[0].Error, "persistence failure")
		assert.True(t, result.TotalPosted.Equal(decimal.NewFromInt(328)))
	})

	t.Run("stale postings count as skipped", func(t *testing.T) {
		mock := &MockLedger{
			ListAccountsFunc: func(ctx context.Context, ownerID string) ([]model.Account, error) {
				return []model.Account{account("a", 100000, model.AccountTypeInstallment, monthAgo)}, nil
			},
			PostInterestFunc: func(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error) {
				return nil, ledger.ErrAccrualStale
			},
		}

		result, err := NewPoster(mock, fixedClock()).RunBatch(ctx, ActorCatchUp)

		require.NoError(t, err)
		assert.Equal(t, 0, result.Posted)
		assert.Equal(t, 0, result.Failed)
		assert.Equal(t, 1, result.Skipped)
	})

	t.Run("closed accounts are left out", func(t *testing.T) {
		closedAt := monthAgo.AddDate(0, 0, 1)
		closed := account("closed", 0, model.AccountTypeInstallment, monthAgo)
		closed.ClosedAt = &closedAt
		mock := &MockLedger{
			ListAccountsFunc: func(ctx context.Context, ownerID string) ([]model.Account, error) {
				return []model.Account{closed}, nil
			},
			PostInterestFunc: func(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error) {
				t.Fatalf("unexpected posting for %s", p.AccountID)
				return nil, nil
			},
		}

		result, err := NewPoster(mock, fixedClock()).RunBatch(ctx, ActorScheduled)

		require.NoError(t, err)
		assert.Equal(t, 0, result.Posted)
		assert.Equal(t, 0, result.Skipped)
	})

	t.Run("a moved balance is quoted again", func(t *testing.T) {
		// Arrange
		listed := account("a", 100000, model.AccountTypeInstallment, monthAgo)
		current := account("a", 200000, model.AccountTypeInstallment, monthAgo)
		var postings []model.InterestPosting
		mock := &MockLedger{
			ListAccountsFunc: func(ctx context.Context, ownerID string) ([]model.Account, error) {
				return []model.Account{listed}, nil
			},
			GetAccountFunc: func(ctx context.Context, accountID string) (*model.Account, error) {
				return &current, nil
			},
			PostInterestFunc: func(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error) {
				postings = append(postings, p)
				if !p.Principal.Equal(current.Balance) {
					return nil, ledger.ErrPrincipalChanged
				}
				return &model.InterestPayment{AccountID: p.AccountID, Amount: p.Amount}, nil
			},
		}

		// Act
		result, err := NewPoster(mock, fixedClock()).RunBatch(ctx, ActorScheduled)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 1, result.Posted)
		require.Len(t, postings, 2)
		assert.True(t, postings[0].Principal.Equal(decimal.NewFromInt(100000)))
		assert.True(t, postings[1].Principal.Equal(decimal.NewFromInt(200000)))
		assert.True(t, result.TotalPosted.Equal(decimal.NewFromInt(329)), "total %s", result.TotalPosted)
	})

	t.Run("a balance that keeps moving fails the account", func(t *testing.T) {
		calls := 0
		mock := &MockLedger{
			ListAccountsFunc: func(ctx context.Context, ownerID string) ([]model.Account, error) {
				return []model.Account{account("a", 100000, model.AccountTypeInstallment, monthAgo)}, nil
			},
			GetAccountFunc: func(ctx context.Context, accountID string) (*model.Account, error) {
				acc := account("a", 100000+int64(calls)*1000, model.AccountTypeInstallment, monthAgo)
				return &acc, nil
			},
			PostInterestFunc: func(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error) {
				calls++
				return nil, ledger.ErrPrincipalChanged
			},
		}

		result, err := NewPoster(mock, fixedClock()).RunBatch(ctx, ActorScheduled)

		require.NoError(t, err)
		assert.Equal(t, maxQuoteAttempts, calls)
		assert.Equal(t, 1, result.Failed)
	})

	t.Run("enumeration failure aborts the batch", func(t *testing.T) {
		mock := &MockLedger{
			ListAccountsFunc: func(ctx context.Context, ownerID string) ([]model.Account, error) {
				return nil, storage.ErrPersistence
			},
		}

		result, err := NewPoster(mock, fixedClock()).RunBatch(ctx, ActorScheduled)

		assert.ErrorIs(t, err, storage.ErrPersistence)
		assert.Nil(t, result)
	})

	t.Run("actor id is required", func(t *testing.T) {
		result, err := NewPoster(&MockLedger{}, fixedClock()).RunBatch(ctx, "  ")

		assert.ErrorIs(t, err, ledger.ErrValidation)
		assert.Nil(t, result)
	})

	t.Run("cancellation returns the partial result", func(t *testing.T) {
		// Arrange
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		accounts := []model.Account{
			account("a", 100000, model.AccountTypeInstallment, monthAgo),
			account("b", 100000, model.AccountTypeInstallment, monthAgo),
		}
		mock := &MockLedger{
			ListAccountsFunc: func(ctx context.Context, ownerID string) ([]model.Account, error) { return accounts, nil },
			PostInterestFunc: func(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error) {
				cancel()
				return &model.InterestPayment{}, nil
			},
		}

		// Act
		result, err := NewPoster(mock, fixedClock()).RunBatch(cctx, ActorScheduled)

		// Assert
		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, result)
		assert.Equal(t, 1, result.Posted)
	})

	t.Run("completion is published and publish errors are ignored", func(t *testing.T) {
		var published []model.BatchResult
		pub := &MockPublisher{PublishFunc: func(ctx context.Context, result model.BatchResult) error {
			published = append(published, result)
			return errors.New("broker unavailable")
		}}
		mock := &MockLedger{
			ListAccountsFunc: func(ctx context.Context, ownerID string) ([]model.Account, error) { return nil, nil },
		}

		result, err := NewPoster(mock, fixedClock(), WithPublisher(pub)).RunBatch(ctx, ActorScheduled)

		require.NoError(t, err)
		require.Len(t, published, 1)
		assert.Equal(t, result.BatchID, published[0].BatchID)
	})
}

func TestRunBatch_WithLedger(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*ledger.Ledger, *model.Account) {
		t.Helper()
		l := ledger.New(storage.NewMemoryStore(),
			ledger.WithClock(func() time.Time { return monthAgo }),
			ledger.WithPasswordCost(bcrypt.MinCost))
		acc, err := l.CreateAccount(ctx, model.CreateAccountRequest{
			OwnerID: "alice", Type: model.AccountTypeInstallment, InitialDeposit: decimal.NewFromInt(100000), Password: "1234",
		})
		require.NoError(t, err)
		return l, acc
	}

	t.Run("a second run for the same instant pays nothing", func(t *testing.T) {
		// Arrange
		l, acc := setup(t)
		poster := NewPoster(l, fixedClock())

		// Act
		first, err := poster.RunBatch(ctx, ActorScheduled)
		require.NoError(t, err)
		second, err := poster.RunBatch(ctx, ActorScheduled)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, 1, first.Posted)
		assert.Equal(t, 0, second.Posted)
		assert.Equal(t, 1, second.Skipped)

		got, err := l.GetAccount(ctx, acc.AccountID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(100164)))
		assert.True(t, got.LastInterestAt.Equal(batchTime))

		payments, err := l.InterestPayments(ctx, "")
		require.NoError(t, err)
		assert.Len(t, payments, 1)
	})

	t.Run("concurrent batches pay each account once", func(t *testing.T) {
		// Arrange
		l, acc := setup(t)
		poster := NewPoster(l, fixedClock())
		const runs = 8

		// Act
		var wg sync.WaitGroup
		results := make(chan *model.BatchResult, runs)
		for i := 0; i < runs; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := poster.RunBatch(ctx, ActorScheduled)
				assert.NoError(t, err)
				results <- r
			}()
		}
		wg.Wait()
		close(results)

		// Assert
		posted := 0
		for r := range results {
			posted += r.Posted
			assert.Equal(t, 0, r.Failed)
		}
		assert.Equal(t, 1, posted)
		got, err := l.GetAccount(ctx, acc.AccountID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(100164)))
	})

	t.Run("a deposit after enumeration is paid on the new balance", func(t *testing.T) {
		// Arrange
		l, acc := setup(t)
		racing := &depositAfterList{Ledger: l, accountID: acc.AccountID, amount: decimal.NewFromInt(100000)}
		poster := NewPoster(racing, fixedClock())

		// Act
		result, err := poster.RunBatch(ctx, ActorScheduled)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 1, result.Posted)
		assert.True(t, result.TotalPosted.Equal(decimal.NewFromInt(329)), "total %s", result.TotalPosted)
		got, err := l.GetAccount(ctx, acc.AccountID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(200329)), "balance %s", got.Balance)
	})

	t.Run("closed accounts are not paid", func(t *testing.T) {
		l, acc := setup(t)
		_, err := l.Withdraw(ctx, acc.AccountID, acc.Balance, "")
		require.NoError(t, err)
		_, err = l.CloseAccount(ctx, acc.AccountID)
		require.NoError(t, err)

		result, err := NewPoster(l, fixedClock()).RunBatch(ctx, ActorScheduled)

		require.NoError(t, err)
		assert.Equal(t, 0, result.Posted)
		payments, err := l.InterestPayments(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, payments)
	})

	t.Run("preview matches what the batch pays", func(t *testing.T) {
		l, acc := setup(t)
		poster := NewPoster(l, fixedClock())

		quotes, err := poster.Preview(ctx)
		require.NoError(t, err)
		result, err := poster.RunBatch(ctx, "admin_test")
		require.NoError(t, err)
		after, err := poster.Preview(ctx)
		require.NoError(t, err)

		require.Len(t, quotes, 1)
		assert.Equal(t, acc.AccountID, quotes[0].AccountID)
		assert.Equal(t, 30, quotes[0].Days)
		assert.True(t, quotes[0].Amount.Equal(result.TotalPosted))
		assert.Empty(t, after)
	})
}
