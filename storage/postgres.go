// storage/postgres.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go-interest-ledger/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrRunNotFound is returned by GetRun for a period nobody claimed.
var ErrRunNotFound = errors.New("interest run not found")

// PostgresStore implements the Store interface for PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore, connects to the database, and initializes the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	var pool *pgxpool.Pool
	var err error

	// Retry connecting to the database for a few seconds
	for i := 0; i < 5; i++ {
		pool, err = pgxpool.New(ctx, connString)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to database after retries: %w", err)
	}

	store := &PostgresStore{db: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the necessary tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
    CREATE SEQUENCE IF NOT EXISTS account_number_seq;

    CREATE TABLE IF NOT EXISTS accounts (
        account_id       TEXT PRIMARY KEY,
        owner_id         TEXT NOT NULL,
        account_type     TEXT NOT NULL,
        account_name     TEXT NOT NULL,
        password_hash    TEXT NOT NULL,
        balance          NUMERIC(19, 4) NOT NULL CHECK (balance >= 0),
        interest_rate    NUMERIC(9, 6) NOT NULL,
        created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        last_interest_at TIMESTAMPTZ NOT NULL,
        closed_at        TIMESTAMPTZ
    );
    ALTER TABLE accounts ADD COLUMN IF NOT EXISTS closed_at TIMESTAMPTZ;
    CREATE INDEX IF NOT EXISTS accounts_owner_idx ON accounts (owner_id);

    CREATE TABLE IF NOT EXISTS transactions (
        transaction_id          BIGSERIAL PRIMARY KEY,
        account_id              TEXT NOT NULL REFERENCES accounts (account_id),
        kind                    TEXT NOT NULL,
        amount                  NUMERIC(19, 4) NOT NULL CHECK (amount > 0),
        balance_after           NUMERIC(19, 4) NOT NULL CHECK (balance_after >= 0),
        counterparty_account_id TEXT,
        counterparty_name       TEXT,
        memo                    TEXT,
        created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS transactions_account_idx ON transactions (account_id, transaction_id);

    CREATE TABLE IF NOT EXISTS interest_payments (
        payment_id     BIGSERIAL PRIMARY KEY,
        account_id     TEXT NOT NULL REFERENCES accounts (account_id),
        transaction_id BIGINT NOT NULL UNIQUE REFERENCES transactions (transaction_id),
        amount         NUMERIC(19, 4) NOT NULL CHECK (amount > 0),
        accrued_from   TIMESTAMPTZ NOT NULL,
        accrued_to     TIMESTAMPTZ NOT NULL,
        days           INTEGER NOT NULL,
        actor_id       TEXT NOT NULL,
        batch_id       UUID NOT NULL,
        paid_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS interest_payments_paid_idx ON interest_payments (paid_at);

    CREATE TABLE IF NOT EXISTS interest_runs (
        period_end   TIMESTAMPTZ PRIMARY KEY,
        actor_id     TEXT NOT NULL,
        batch_id     UUID NOT NULL,
        claimed_at   TIMESTAMPTZ NOT NULL,
        finished_at  TIMESTAMPTZ,
        posted       INTEGER NOT NULL DEFAULT 0,
        failed       INTEGER NOT NULL DEFAULT 0,
        total_posted NUMERIC(19, 4) NOT NULL DEFAULT 0
    );`
	_, err := s.db.Exec(ctx, query)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// WithTx runs fn inside a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify("could not begin transaction", err)
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the transaction has been committed.

	if err := fn(ctx, &postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("could not commit transaction", err)
	}
	return nil
}

const accountColumns = `account_id, owner_id, account_type, account_name, balance, interest_rate, created_at, last_interest_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var acc model.Account
	var typ string
	err := row.Scan(&acc.AccountID, &acc.OwnerID, &typ, &acc.Name, &acc.Balance, &acc.AnnualRate, &acc.CreatedAt, &acc.LastInterestAt, &acc.ClosedAt)
	if err != nil {
		return nil, err
	}
	acc.Type = model.AccountType(typ)
	return &acc, nil
}

// GetAccount retrieves a single account by its ID.
func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts WHERE account_id = $1"
	acc, err := scanAccount(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("could not get account", err)
	}
	return acc, nil
}

// ListAccounts retrieves the accounts of one owner, or all accounts when ownerID is empty.
func (s *PostgresStore) ListAccounts(ctx context.Context, ownerID string) ([]model.Account, error) {
	query := "SELECT " + accountColumns + ` FROM accounts
        WHERE $1 = '' OR owner_id = $1
        ORDER BY account_type, created_at, account_id`
	rows, err := s.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, classify("could not list accounts", err)
	}
	defer rows.Close()

	accounts := []model.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, classify("could not scan account row", err)
		}
		accounts = append(accounts, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("could not list accounts", err)
	}
	return accounts, nil
}

// ListTransactions retrieves the newest transactions of an account.
func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	query := `
        SELECT transaction_id, account_id, kind, amount, balance_after,
               COALESCE(counterparty_account_id, ''), COALESCE(counterparty_name, ''),
               COALESCE(memo, ''), created_at
        FROM transactions
        WHERE account_id = $1
        ORDER BY transaction_id DESC
        LIMIT NULLIF($2::int, 0)`
	rows, err := s.db.Query(ctx, query, accountID, max(limit, 0))
	if err != nil {
		return nil, classify("could not list transactions", err)
	}
	defer rows.Close()

	txs := []model.Transaction{}
	for rows.Next() {
		var t model.Transaction
		var kind string
		if err := rows.Scan(&t.TransactionID, &t.AccountID, &kind, &t.Amount, &t.BalanceAfter,
			&t.CounterpartyAccountID, &t.CounterpartyName, &t.Memo, &t.CreatedAt); err != nil {
			return nil, classify("could not scan transaction row", err)
		}
		t.Kind = model.TransactionKind(kind)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("could not list transactions", err)
	}
	return txs, nil
}

// ListInterestPayments retrieves interest receipts, newest first.
func (s *PostgresStore) ListInterestPayments(ctx context.Context, accountID string) ([]model.InterestPayment, error) {
	query := `
        SELECT payment_id, account_id, transaction_id, amount, accrued_from, accrued_to,
               days, actor_id, batch_id, paid_at
        FROM interest_payments
        WHERE $1 = '' OR account_id = $1
        ORDER BY paid_at DESC, payment_id DESC`
	rows, err := s.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, classify("could not list interest payments", err)
	}
	defer rows.Close()

	payments := []model.InterestPayment{}
	for rows.Next() {
		var p model.InterestPayment
		if err := rows.Scan(&p.PaymentID, &p.AccountID, &p.TransactionID, &p.Amount, &p.AccruedFrom,
			&p.AccruedTo, &p.Days, &p.ActorID, &p.BatchID, &p.PaidAt); err != nil {
			return nil, classify("could not scan interest payment row", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("could not list interest payments", err)
	}
	return payments, nil
}

// PasswordHash returns the stored bcrypt hash of an account password.
func (s *PostgresStore) PasswordHash(ctx context.Context, accountID string) (string, error) {
	var hash string
	err := s.db.QueryRow(ctx, "SELECT password_hash FROM accounts WHERE account_id = $1", accountID).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", classify("could not get password hash", err)
	}
	return hash, nil
}

// LastInterestPaymentAt returns the time of the newest interest payment in the system.
func (s *PostgresStore) LastInterestPaymentAt(ctx context.Context) (time.Time, bool, error) {
	var last *time.Time
	if err := s.db.QueryRow(ctx, "SELECT MAX(paid_at) FROM interest_payments").Scan(&last); err != nil {
		return time.Time{}, false, classify("could not get last interest payment", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// ClaimRun inserts the run marker for a period. The primary key on period_end makes the claim
// exclusive across every process sharing the database; an unfinished marker whose claim is older
// than staleBefore is taken over in the same statement.
func (s *PostgresStore) ClaimRun(ctx context.Context, run model.InterestRun, staleBefore time.Time) (bool, error) {
	query := `
        INSERT INTO interest_runs (period_end, actor_id, batch_id, claimed_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (period_end) DO UPDATE
        SET actor_id = EXCLUDED.actor_id, batch_id = EXCLUDED.batch_id, claimed_at = EXCLUDED.claimed_at
        WHERE interest_runs.finished_at IS NULL AND interest_runs.claimed_at < $5`
	tag, err := s.db.Exec(ctx, query, run.PeriodEnd, run.ActorID, run.BatchID, run.ClaimedAt, staleBefore)
	if err != nil {
		return false, classify("could not claim interest run", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseRun deletes an unfinished run marker.
func (s *PostgresStore) ReleaseRun(ctx context.Context, periodEnd time.Time) error {
	_, err := s.db.Exec(ctx, "DELETE FROM interest_runs WHERE period_end = $1 AND finished_at IS NULL", periodEnd)
	return classify("could not release interest run", err)
}

// CompleteRun stores the outcome of a claimed run.
func (s *PostgresStore) CompleteRun(ctx context.Context, run model.InterestRun) error {
	query := `
        UPDATE interest_runs
        SET batch_id = $2, finished_at = $3, posted = $4, failed = $5, total_posted = $6
        WHERE period_end = $1`
	tag, err := s.db.Exec(ctx, query, run.PeriodEnd, run.BatchID, run.FinishedAt, run.Posted, run.Failed, run.TotalPosted)
	if err != nil {
		return classify("could not complete interest run", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun retrieves the run marker of a period.
func (s *PostgresStore) GetRun(ctx context.Context, periodEnd time.Time) (*model.InterestRun, error) {
	query := `
        SELECT period_end, actor_id, batch_id, claimed_at, finished_at, posted, failed, total_posted
        FROM interest_runs WHERE period_end = $1`
	var run model.InterestRun
	err := s.db.QueryRow(ctx, query, periodEnd).Scan(&run.PeriodEnd, &run.ActorID, &run.BatchID,
		&run.ClaimedAt, &run.FinishedAt, &run.Posted, &run.Failed, &run.TotalPosted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, classify("could not get interest run", err)
	}
	return &run, nil
}

// postgresTx implements Tx on top of a pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) NextAccountID(ctx context.Context) (string, error) {
	var seq int64
	if err := t.tx.QueryRow(ctx, "SELECT nextval('account_number_seq')").Scan(&seq); err != nil {
		return "", classify("could not allocate account number", err)
	}
	return FormatAccountID(seq), nil
}

func (t *postgresTx) InsertAccount(ctx context.Context, acc model.Account, passwordHash string) error {
	query := `
        INSERT INTO accounts (account_id, owner_id, account_type, account_name, password_hash,
                              balance, interest_rate, created_at, last_interest_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := t.tx.Exec(ctx, query, acc.AccountID, acc.OwnerID, string(acc.Type), acc.Name, passwordHash,
		acc.Balance, acc.AnnualRate, acc.CreatedAt, acc.LastInterestAt)
	return classify("could not insert account", err)
}

// LockAccount locks the row with SELECT ... FOR UPDATE.
func (t *postgresTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts WHERE account_id = $1 FOR UPDATE"
	acc, err := scanAccount(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("could not lock account", err)
	}
	return acc, nil
}

// LockAccounts locks the rows in a consistent order (by ID) to prevent deadlocks.
func (t *postgresTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*model.Account, error) {
	ordered := sortedUnique(ids)
	query := "SELECT " + accountColumns + ` FROM accounts
        WHERE account_id = ANY($1)
        ORDER BY account_id FOR UPDATE`
	rows, err := t.tx.Query(ctx, query, ordered)
	if err != nil {
		return nil, classify("could not query accounts for update", err)
	}
	defer rows.Close()

	locked := make(map[string]*model.Account, len(ordered))
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, classify("could not scan account row", err)
		}
		locked[acc.AccountID] = acc
	}
	if err := rows.Err(); err != nil {
		return nil, classify("could not query accounts for update", err)
	}
	for _, id := range ordered {
		if _, ok := locked[id]; !ok {
			return nil, ErrNotFound
		}
	}
	return locked, nil
}

func (t *postgresTx) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, "UPDATE accounts SET balance = $1 WHERE account_id = $2", balance, id)
	if err != nil {
		return classify("could not update balance", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) AdvanceWatermark(ctx context.Context, id string, at time.Time) error {
	// The predicate keeps the watermark monotonic even if a caller passes an older instant.
	query := "UPDATE accounts SET last_interest_at = $1 WHERE account_id = $2 AND last_interest_at <= $1"
	tag, err := t.tx.Exec(ctx, query, at, id)
	if err != nil {
		return classify("could not advance accrual watermark", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: watermark of %s not advanced to %s", ErrPersistence, id, at)
	}
	return nil
}

func (t *postgresTx) CloseAccount(ctx context.Context, id string, at time.Time) error {
	query := "UPDATE accounts SET closed_at = $1 WHERE account_id = $2 AND closed_at IS NULL AND balance = 0"
	tag, err := t.tx.Exec(ctx, query, at, id)
	if err != nil {
		return classify("could not close account", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s cannot be closed", ErrPersistence, id)
	}
	return nil
}

func (t *postgresTx) UpdatePasswordHash(ctx context.Context, id string, hash string) error {
	tag, err := t.tx.Exec(ctx, "UPDATE accounts SET password_hash = $1 WHERE account_id = $2", hash, id)
	if err != nil {
		return classify("could not update password", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) AppendTransaction(ctx context.Context, txn *model.Transaction) error {
	query := `
        INSERT INTO transactions (account_id, kind, amount, balance_after, counterparty_account_id,
                                  counterparty_name, memo, created_at)
        VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)
        RETURNING transaction_id`
	err := t.tx.QueryRow(ctx, query, txn.AccountID, string(txn.Kind), txn.Amount, txn.BalanceAfter,
		txn.CounterpartyAccountID, txn.CounterpartyName, txn.Memo, txn.CreatedAt).Scan(&txn.TransactionID)
	return classify("could not append transaction", err)
}

func (t *postgresTx) InsertInterestPayment(ctx context.Context, p *model.InterestPayment) error {
	query := `
        INSERT INTO interest_payments (account_id, transaction_id, amount, accrued_from, accrued_to,
                                       days, actor_id, batch_id, paid_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING payment_id`
	err := t.tx.QueryRow(ctx, query, p.AccountID, p.TransactionID, p.Amount, p.AccruedFrom, p.AccruedTo,
		p.Days, p.ActorID, p.BatchID, p.PaidAt).Scan(&p.PaymentID)
	return classify("could not insert interest payment", err)
}

// classify wraps a driver error with ErrConflict for lock contention and ErrPersistence for
// everything else. Context errors are only annotated so callers can still see the cancellation.
func classify(msg string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%s: %w: %w", msg, ErrConflict, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", msg, ErrPersistence, err)
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var _ Store = (*PostgresStore)(nil)
