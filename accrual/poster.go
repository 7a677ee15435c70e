// Package accrual computes interest for every account and posts it through the ledger.
package accrual

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go-interest-ledger/interest"
	"go-interest-ledger/ledger"
	"go-interest-ledger/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Actor ids recorded on postings triggered by the system.
const (
	ActorScheduled = "system_scheduled"
	ActorCatchUp   = "system_auto_catchup"
)

// maxQuoteAttempts bounds how often one account is quoted again after its balance moved
// under the batch.
const maxQuoteAttempts = 3

// Ledger is the part of the ledger the batch needs.
type Ledger interface {
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	ListAccounts(ctx context.Context, ownerID string) ([]model.Account, error)
	PostInterest(ctx context.Context, p model.InterestPosting) (*model.InterestPayment, error)
}

// Publisher announces finished batches to other systems.
type Publisher interface {
	PublishBatchCompleted(ctx context.Context, result model.BatchResult) error
}

// Poster runs the interest posting batch.
type Poster struct {
	ledger    Ledger
	calc      interest.Calculator
	now       func() time.Time
	loc       *time.Location
	publisher Publisher
}

// Option configures a Poster.
type Option func(*Poster)

func WithClock(now func() time.Time) Option {
	return func(p *Poster) { p.now = now }
}

func WithCalculator(calc interest.Calculator) Option {
	return func(p *Poster) { p.calc = calc }
}

// WithLocation sets the zone in which calendar days are counted.
func WithLocation(loc *time.Location) Option {
	return func(p *Poster) { p.loc = loc }
}

func WithPublisher(pub Publisher) Option {
	return func(p *Poster) { p.publisher = pub }
}

// NewPoster creates a Poster. Days are counted in UTC unless WithLocation is given.
func NewPoster(l Ledger, opts ...Option) *Poster {
	p := &Poster{
		ledger: l,
		calc:   interest.Calculator{Scale: interest.DefaultScale},
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		loc:    time.UTC,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunBatch pays the interest accrued since each account's watermark.
//
// Accounts with nothing due are skipped and keep their watermark, and closed accounts are left out
// entirely. A failing account is logged and
// counted, and the batch moves on to the next one. When ctx is cancelled the loop stops and the
// partial result is returned together with the context error.
func (p *Poster) RunBatch(ctx context.Context, actorID string) (*model.BatchResult, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, fmt.Errorf("%w: actor id is required", ledger.ErrInvalidRequest)
	}

	now := p.now()
	result := &model.BatchResult{
		BatchID:     uuid.New(),
		ActorID:     actorID,
		TotalPosted: decimal.Zero,
		StartedAt:   now,
	}
	log.Printf("accrual: batch %s started by %s", result.BatchID, actorID)

	accounts, err := p.ledger.ListAccounts(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("could not enumerate accounts: %w", err)
	}

	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			result.FinishedAt = p.now()
			log.Printf("accrual: batch %s interrupted after %d posted: %v", result.BatchID, result.Posted, err)
			return result, err
		}

		if acc.Closed() {
			continue
		}

		amount, err := p.postAccount(ctx, acc, now, actorID, result.BatchID)
		switch {
		case err == nil && amount.IsZero():
			result.Skipped++
		case err == nil:
			result.Posted++
			result.TotalPosted = result.TotalPosted.Add(amount)
		case errors.Is(err, ledger.ErrAccrualStale):
			result.Skipped++
			log.Printf("accrual: account %s already paid for this period: %v", acc.AccountID, err)
		case errors.Is(err, ledger.ErrAccountClosed):
			result.Skipped++
		default:
			result.Failed++
			result.Failures = append(result.Failures, model.BatchFailure{AccountID: acc.AccountID, Error: err.Error()})
			log.Printf("accrual: failed to post interest for account %s: %v", acc.AccountID, err)
		}
	}

	result.FinishedAt = p.now()
	log.Printf("accrual: batch %s finished: posted=%d failed=%d skipped=%d total=%s",
		result.BatchID, result.Posted, result.Failed, result.Skipped, result.TotalPosted)

	if p.publisher != nil {
		if err := p.publisher.PublishBatchCompleted(ctx, *result); err != nil {
			log.Printf("accrual: could not publish completion of batch %s: %v", result.BatchID, err)
		}
	}
	return result, nil
}

// postAccount quotes one account and posts the quote. When the balance moved after acc was read,
// the account is read again and quoted on its current balance. A zero amount means nothing was due.
func (p *Poster) postAccount(ctx context.Context, acc model.Account, now time.Time, actorID string, batchID uuid.UUID) (decimal.Decimal, error) {
	for attempt := 1; ; attempt++ {
		quote := p.quote(acc, now)
		if !quote.Amount.IsPositive() {
			return decimal.Zero, nil
		}

		_, err := p.ledger.PostInterest(ctx, model.InterestPosting{
			AccountID:   acc.AccountID,
			Amount:      quote.Amount,
			Principal:   acc.Balance,
			AccruedFrom: acc.LastInterestAt,
			AccruedTo:   now,
			Days:        quote.Days,
			ActorID:     actorID,
			BatchID:     batchID,
		})
		if err == nil {
			return quote.Amount, nil
		}
		if !errors.Is(err, ledger.ErrPrincipalChanged) || attempt == maxQuoteAttempts {
			return decimal.Zero, err
		}

		fresh, err := p.ledger.GetAccount(ctx, acc.AccountID)
		if err != nil {
			return decimal.Zero, err
		}
		if fresh.Closed() {
			return decimal.Zero, ledger.ErrAccountClosed
		}
		acc = *fresh
	}
}

// Preview returns what a batch started now would pay, without posting anything.
// Only open accounts with a positive amount due are listed.
func (p *Poster) Preview(ctx context.Context) ([]model.InterestQuote, error) {
	accounts, err := p.ledger.ListAccounts(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("could not enumerate accounts: %w", err)
	}
	now := p.now()
	quotes := []model.InterestQuote{}
	for _, acc := range accounts {
		if acc.Closed() {
			continue
		}
		if q := p.quote(acc, now); q.Amount.IsPositive() {
			quotes = append(quotes, q)
		}
	}
	return quotes, nil
}

func (p *Poster) quote(acc model.Account, now time.Time) model.InterestQuote {
	days := interest.ElapsedDays(acc.LastInterestAt, now, p.loc)
	return model.InterestQuote{
		AccountID:  acc.AccountID,
		OwnerID:    acc.OwnerID,
		Type:       acc.Type,
		Principal:  acc.Balance,
		AnnualRate: acc.AnnualRate,
		Days:       days,
		Amount:     p.calc.Accrue(acc.Balance, acc.AnnualRate, days),
	}
}
