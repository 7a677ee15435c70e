package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-interest-ledger/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The checks below run against every Store implementation. newStore must return an empty store.

var errAbort = errors.New("abort")

var baseTime = time.Date(2025, 1, 31, 14, 0, 0, 0, time.UTC)

// seedAccount opens an account with an opening deposit, the way the ledger does it.
func seedAccount(t *testing.T, ctx context.Context, s Store, owner string, typ model.AccountType, balance int64, createdAt time.Time) model.Account {
	t.Helper()
	var acc model.Account
	err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		id, err := tx.NextAccountID(ctx)
		if err != nil {
			return err
		}
		acc = model.Account{
			AccountID:      id,
			OwnerID:        owner,
			Type:           typ,
			Name:           typ.AccountName(owner),
			Balance:        decimal.NewFromInt(balance),
			AnnualRate:     typ.AnnualRate(),
			CreatedAt:      createdAt,
			LastInterestAt: createdAt,
		}
		if err := tx.InsertAccount(ctx, acc, "hash-"+owner); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &model.Transaction{
			AccountID:    id,
			Kind:         model.KindDeposit,
			Amount:       acc.Balance,
			BalanceAfter: acc.Balance,
			CreatedAt:    createdAt,
		})
	})
	require.NoError(t, err)
	return acc
}

func credit(ctx context.Context, tx Tx, id string, amount decimal.Decimal, at time.Time) error {
	acc, err := tx.LockAccount(ctx, id)
	if err != nil {
		return err
	}
	next := acc.Balance.Add(amount)
	if err := tx.UpdateBalance(ctx, id, next); err != nil {
		return err
	}
	return tx.AppendTransaction(ctx, &model.Transaction{
		AccountID: id, Kind: model.KindDeposit, Amount: amount, BalanceAfter: next, CreatedAt: at,
	})
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("account numbers are sequential and accounts round trip", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		s := newStore(t)

		// Act
		first := seedAccount(t, ctx, s, "alice", model.AccountTypeBasic, 1000, baseTime)
		second := seedAccount(t, ctx, s, "alice", model.AccountTypeFixed, 500, baseTime)

		// Assert
		assert.Equal(t, "110-234-000001", first.AccountID)
		assert.Equal(t, "110-234-000002", second.AccountID)

		got, err := s.GetAccount(ctx, first.AccountID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.OwnerID)
		assert.Equal(t, model.AccountTypeBasic, got.Type)
		assert.Equal(t, "basic account_alice", got.Name)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(1000)), "balance %s", got.Balance)
		assert.True(t, got.AnnualRate.Equal(decimal.RequireFromString("0.001")), "rate %s", got.AnnualRate)
		assert.True(t, got.LastInterestAt.Equal(baseTime))

		hash, err := s.PasswordHash(ctx, first.AccountID)
		require.NoError(t, err)
		assert.Equal(t, "hash-alice", hash)
	})

	t.Run("unknown account is reported as not found", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.GetAccount(ctx, "110-234-999999")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.PasswordHash(ctx, "110-234-999999")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			_, err := tx.LockAccount(ctx, "110-234-999999")
			return err
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("failed unit of work leaves no trace", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		s := newStore(t)
		acc := seedAccount(t, ctx, s, "bob", model.AccountTypeBasic, 100, baseTime)

		// Act
		err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			if err := credit(ctx, tx, acc.AccountID, decimal.NewFromInt(50), baseTime.Add(time.Hour)); err != nil {
				return err
			}
			return errAbort
		})

		// Assert
		assert.ErrorIs(t, err, errAbort)
		got, err := s.GetAccount(ctx, acc.AccountID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(100)), "balance %s", got.Balance)

		history, err := s.ListTransactions(ctx, acc.AccountID, 0)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("transactions are listed newest first with a limit", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		s := newStore(t)
		acc := seedAccount(t, ctx, s, "carol", model.AccountTypeBasic, 10, baseTime)
		for i := 1; i <= 3; i++ {
			err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
				return credit(ctx, tx, acc.AccountID, decimal.NewFromInt(int64(i)), baseTime.Add(time.Duration(i)*time.Minute))
			})
			require.NoError(t, err)
		}

		// Act
		all, err := s.ListTransactions(ctx, acc.AccountID, 0)
		require.NoError(t, err)
		limited, err := s.ListTransactions(ctx, acc.AccountID, 2)
		require.NoError(t, err)

		// Assert
		require.Len(t, all, 4)
		assert.True(t, all[0].BalanceAfter.Equal(decimal.NewFromInt(16)), "newest balance %s", all[0].BalanceAfter)
		assert.Equal(t, model.KindDeposit, all[3].Kind)
		assert.Greater(t, all[0].TransactionID, all[1].TransactionID)
		require.Len(t, limited, 2)
		assert.Equal(t, all[0].TransactionID, limited[0].TransactionID)

		got, err := s.GetAccount(ctx, acc.AccountID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(all[0].BalanceAfter))
	})

	t.Run("accounts are filtered by owner and ordered by type", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		seedAccount(t, ctx, s, "dave", model.AccountTypeInstallment, 1, baseTime)
		seedAccount(t, ctx, s, "dave", model.AccountTypeBasic, 1, baseTime.Add(time.Minute))
		seedAccount(t, ctx, s, "erin", model.AccountTypeFixed, 1, baseTime)

		dave, err := s.ListAccounts(ctx, "dave")
		require.NoError(t, err)
		all, err := s.ListAccounts(ctx, "")
		require.NoError(t, err)
		nobody, err := s.ListAccounts(ctx, "nobody")
		require.NoError(t, err)

		require.Len(t, dave, 2)
		assert.Equal(t, model.AccountTypeBasic, dave[0].Type)
		assert.Equal(t, model.AccountTypeInstallment, dave[1].Type)
		assert.Len(t, all, 3)
		assert.Empty(t, nobody)
	})

	t.Run("locking several accounts fails when one is missing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		acc := seedAccount(t, ctx, s, "frank", model.AccountTypeBasic, 1, baseTime)

		var locked map[string]*model.Account
		err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			locked, err = tx.LockAccounts(ctx, acc.AccountID, "110-234-999999")
			return err
		})

		assert.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, locked)
	})

	t.Run("interest payments and watermark", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		s := newStore(t)
		acc := seedAccount(t, ctx, s, "grace", model.AccountTypeInstallment, 100000, baseTime)
		_, found, err := s.LastInterestPaymentAt(ctx)
		require.NoError(t, err)
		assert.False(t, found)

		paidAt := baseTime.AddDate(0, 0, 28)
		batchID := uuid.New()

		// Act
		err = s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			locked, err := tx.LockAccount(ctx, acc.AccountID)
			if err != nil {
				return err
			}
			amount := decimal.NewFromInt(153)
			next := locked.Balance.Add(amount)
			if err := tx.UpdateBalance(ctx, acc.AccountID, next); err != nil {
				return err
			}
			txn := &model.Transaction{AccountID: acc.AccountID, Kind: model.KindInterestCredit, Amount: amount, BalanceAfter: next, CreatedAt: paidAt}
			if err := tx.AppendTransaction(ctx, txn); err != nil {
				return err
			}
			if err := tx.InsertInterestPayment(ctx, &model.InterestPayment{
				AccountID: acc.AccountID, TransactionID: txn.TransactionID, Amount: amount,
				AccruedFrom: baseTime, AccruedTo: paidAt, Days: 28, ActorID: "admin_test", BatchID: batchID, PaidAt: paidAt,
			}); err != nil {
				return err
			}
			return tx.AdvanceWatermark(ctx, acc.AccountID, paidAt)
		})
		require.NoError(t, err)

		// Assert
		last, found, err := s.LastInterestPaymentAt(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.True(t, last.Equal(paidAt))

		payments, err := s.ListInterestPayments(ctx, acc.AccountID)
		require.NoError(t, err)
		require.Len(t, payments, 1)
		assert.Equal(t, batchID, payments[0].BatchID)
		assert.Equal(t, 28, payments[0].Days)
		assert.Equal(t, "admin_test", payments[0].ActorID)

		got, err := s.GetAccount(ctx, acc.AccountID)
		require.NoError(t, err)
		assert.True(t, got.LastInterestAt.Equal(paidAt))

		err = s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockAccount(ctx, acc.AccountID); err != nil {
				return err
			}
			return tx.AdvanceWatermark(ctx, acc.AccountID, baseTime)
		})
		assert.ErrorIs(t, err, ErrPersistence)
	})

	t.Run("balance never goes negative", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		acc := seedAccount(t, ctx, s, "heidi", model.AccountTypeBasic, 5, baseTime)

		err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockAccount(ctx, acc.AccountID); err != nil {
				return err
			}
			return tx.UpdateBalance(ctx, acc.AccountID, decimal.NewFromInt(-1))
		})

		assert.ErrorIs(t, err, ErrPersistence)
	})

	t.Run("run markers are claimed once", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		s := newStore(t)
		period := time.Date(2025, 2, 28, 14, 0, 0, 0, time.UTC)
		run := model.InterestRun{PeriodEnd: period, ActorID: "system_scheduled", BatchID: uuid.New(), ClaimedAt: period}

		// Act
		first, err := s.ClaimRun(ctx, run, period)
		require.NoError(t, err)
		second, err := s.ClaimRun(ctx, run, period)
		require.NoError(t, err)

		finished := period.Add(time.Minute)
		run.FinishedAt = &finished
		run.Posted = 3
		run.TotalPosted = decimal.NewFromInt(450)
		require.NoError(t, s.CompleteRun(ctx, run))

		// Assert
		assert.True(t, first)
		assert.False(t, second)

		stored, err := s.GetRun(ctx, period)
		require.NoError(t, err)
		assert.Equal(t, 3, stored.Posted)
		assert.True(t, stored.TotalPosted.Equal(decimal.NewFromInt(450)))
		require.NotNil(t, stored.FinishedAt)
		assert.True(t, stored.FinishedAt.Equal(finished))

		again, err := s.ClaimRun(ctx, run, period.AddDate(1, 0, 0))
		require.NoError(t, err)
		assert.False(t, again, "a finished run must never be claimed again")

		_, err = s.GetRun(ctx, period.AddDate(0, 1, 0))
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.ErrorIs(t, s.CompleteRun(ctx, model.InterestRun{PeriodEnd: period.AddDate(0, 1, 0)}), ErrRunNotFound)
	})

	t.Run("a stale unfinished claim is taken over", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		s := newStore(t)
		period := time.Date(2025, 2, 28, 14, 0, 0, 0, time.UTC)
		crashed := model.InterestRun{PeriodEnd: period, ActorID: "system_scheduled", BatchID: uuid.New(), ClaimedAt: period}
		claimed, err := s.ClaimRun(ctx, crashed, period)
		require.NoError(t, err)
		require.True(t, claimed)

		restart := period.AddDate(0, 0, 15)
		takeover := model.InterestRun{PeriodEnd: period, ActorID: "system_auto_catchup", BatchID: uuid.New(), ClaimedAt: restart}

		// Act
		fresh, err := s.ClaimRun(ctx, takeover, period)
		require.NoError(t, err)
		stale, err := s.ClaimRun(ctx, takeover, restart.Add(-time.Hour))
		require.NoError(t, err)

		// Assert
		assert.False(t, fresh, "a claim inside its lease must be respected")
		assert.True(t, stale)
		stored, err := s.GetRun(ctx, period)
		require.NoError(t, err)
		assert.Equal(t, "system_auto_catchup", stored.ActorID)
		assert.Equal(t, takeover.BatchID, stored.BatchID)
		assert.True(t, stored.ClaimedAt.Equal(restart))
		assert.Nil(t, stored.FinishedAt)
	})

	t.Run("releasing drops only unfinished claims", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		s := newStore(t)
		period := time.Date(2025, 3, 31, 14, 0, 0, 0, time.UTC)
		run := model.InterestRun{PeriodEnd: period, ActorID: "system_scheduled", BatchID: uuid.New(), ClaimedAt: period}
		_, err := s.ClaimRun(ctx, run, period)
		require.NoError(t, err)

		// Act
		require.NoError(t, s.ReleaseRun(ctx, period))
		_, released := s.GetRun(ctx, period)
		reclaimed, err := s.ClaimRun(ctx, run, period)
		require.NoError(t, err)
		finished := period.Add(time.Minute)
		run.FinishedAt = &finished
		require.NoError(t, s.CompleteRun(ctx, run))
		require.NoError(t, s.ReleaseRun(ctx, period))

		// Assert
		assert.ErrorIs(t, released, ErrRunNotFound)
		assert.True(t, reclaimed)
		stored, err := s.GetRun(ctx, period)
		require.NoError(t, err)
		assert.NotNil(t, stored.FinishedAt)
	})

	t.Run("an empty account is closed in place", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		s := newStore(t)
		acc := seedAccount(t, ctx, s, "liam", model.AccountTypeBasic, 100, baseTime)
		closedAt := baseTime.Add(time.Hour)

		// Act
		err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockAccount(ctx, acc.AccountID); err != nil {
				return err
			}
			if err := tx.UpdateBalance(ctx, acc.AccountID, decimal.Zero); err != nil {
				return err
			}
			return tx.CloseAccount(ctx, acc.AccountID, closedAt)
		})

		// Assert
		require.NoError(t, err)
		got, err := s.GetAccount(ctx, acc.AccountID)
		require.NoError(t, err)
		require.NotNil(t, got.ClosedAt)
		assert.True(t, got.ClosedAt.Equal(closedAt))
		listed, err := s.ListAccounts(ctx, "liam")
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.True(t, listed[0].Closed())
		history, err := s.ListTransactions(ctx, acc.AccountID, 0)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("an account holding money is not closed", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		acc := seedAccount(t, ctx, s, "mia", model.AccountTypeBasic, 100, baseTime)

		err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockAccount(ctx, acc.AccountID); err != nil {
				return err
			}
			return tx.CloseAccount(ctx, acc.AccountID, baseTime)
		})

		assert.ErrorIs(t, err, ErrPersistence)
		got, err := s.GetAccount(ctx, acc.AccountID)
		require.NoError(t, err)
		assert.Nil(t, got.ClosedAt)
	})

	t.Run("password hashes are replaced on commit only", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		s := newStore(t)
		acc := seedAccount(t, ctx, s, "noah", model.AccountTypeBasic, 100, baseTime)
		update := func(hash string, result error) error {
			return s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
				if _, err := tx.LockAccount(ctx, acc.AccountID); err != nil {
					return err
				}
				if err := tx.UpdatePasswordHash(ctx, acc.AccountID, hash); err != nil {
					return err
				}
				return result
			})
		}

		// Act
		aborted := update("hash-aborted", errAbort)
		committed := update("hash-new", nil)

		// Assert
		assert.ErrorIs(t, aborted, errAbort)
		require.NoError(t, committed)
		hash, err := s.PasswordHash(ctx, acc.AccountID)
		require.NoError(t, err)
		assert.Equal(t, "hash-new", hash)
	})

	t.Run("concurrent units of work on one account do not lose updates", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		s := newStore(t)
		acc := seedAccount(t, ctx, s, "ivan", model.AccountTypeBasic, 1, baseTime)
		const workers = 50

		// Act
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
					return credit(ctx, tx, acc.AccountID, decimal.NewFromInt(1), baseTime.Add(time.Second))
				})
				if err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)

		// Assert
		for err := range errs {
			t.Errorf("unexpected error: %v", err)
		}
		got, err := s.GetAccount(ctx, acc.AccountID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(workers+1)), "balance %s", got.Balance)

		history, err := s.ListTransactions(ctx, acc.AccountID, 1)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.True(t, history[0].BalanceAfter.Equal(got.Balance))
	})
}
