// Package scheduler fires the interest batch at a fixed time on the last day of every month.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go-interest-ledger/accrual"
	"go-interest-ledger/model"
	"go-interest-ledger/storage"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Scheduler.
type State string

const (
	StateStopped   State = "stopped"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
)

const (
	DefaultHour     = 14
	DefaultMinute   = 0
	DefaultMaxSleep = time.Hour
	// DefaultClaimLease is how long an unfinished run marker keeps other processes away from its
	// period. After that the claim is treated as abandoned and may be taken over.
	DefaultClaimLease = time.Hour
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrStopped is returned by Start after Stop. A stopped scheduler is not restarted.
	ErrStopped = errors.New("scheduler stopped")
)

// Runner executes one interest batch.
type Runner interface {
	RunBatch(ctx context.Context, actorID string) (*model.BatchResult, error)
}

// RunStore persists run markers and answers when interest was last paid.
type RunStore interface {
	LastInterestPaymentAt(ctx context.Context) (time.Time, bool, error)
	ClaimRun(ctx context.Context, run model.InterestRun, staleBefore time.Time) (bool, error)
	ReleaseRun(ctx context.Context, periodEnd time.Time) error
	CompleteRun(ctx context.Context, run model.InterestRun) error
	GetRun(ctx context.Context, periodEnd time.Time) (*model.InterestRun, error)
}

// Clock abstracts time so tests can drive the loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Scheduler is a state machine Stopped -> [Running (catch-up)] -> Scheduled <-> Running -> Stopped.
type Scheduler struct {
	runner   Runner
	runs     RunStore
	clock    Clock
	hour     int
	minute   int
	loc      *time.Location
	maxSleep time.Duration
	lease    time.Duration

	mu      sync.Mutex
	state   State
	next    time.Time
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTimeOfDay sets the wall-clock time of the monthly fire.
func WithTimeOfDay(hour, minute int) Option {
	return func(s *Scheduler) { s.hour, s.minute = hour, minute }
}

// WithLocation sets the zone whose calendar defines "last day of the month".
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// WithMaxSleep caps a single wait so that clock jumps are noticed within d.
func WithMaxSleep(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxSleep = d
		}
	}
}

// WithClaimLease sets how old an unfinished run marker must be before it is taken over.
func WithClaimLease(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lease = d
		}
	}
}

// New creates a stopped scheduler.
func New(runner Runner, runs RunStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		runs:     runs,
		clock:    realClock{},
		hour:     DefaultHour,
		minute:   DefaultMinute,
		loc:      time.UTC,
		maxSleep: DefaultMaxSleep,
		lease:    DefaultClaimLease,
		state:    StateStopped,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextFireTime returns the first fire instant strictly after now: the last day of now's month at
// hour:minute in now's location, or the last day of the following month if that has passed.
func NextFireTime(now time.Time, hour, minute int) time.Time {
	y, m, _ := now.Date()
	t := lastDayOfMonth(y, m, hour, minute, now.Location())
	if !t.After(now) {
		t = lastDayOfMonth(y, m+1, hour, minute, now.Location())
	}
	return t
}

// LastFireTime returns the most recent fire instant at or before now.
func LastFireTime(now time.Time, hour, minute int) time.Time {
	y, m, _ := now.Date()
	t := lastDayOfMonth(y, m, hour, minute, now.Location())
	if t.After(now) {
		t = lastDayOfMonth(y, m-1, hour, minute, now.Location())
	}
	return t
}

// Day 0 of the next month normalizes to the last day of month m, across year ends as well.
func lastDayOfMonth(year int, m time.Month, hour, minute int, loc *time.Location) time.Time {
	return time.Date(year, m+1, 0, hour, minute, 0, 0, loc)
}

// Start runs the catch-up check synchronously and then schedules the monthly fire.
// ctx bounds the scheduler's lifetime; cancelling it has the same effect as Stop except that
// it does not wait.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.catchUp(ctx)
	s.wg.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop prevents further fires and waits for a batch in progress to finish. It is safe to call
// more than once and on a scheduler that never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.state = StateStopped
	s.next = time.Time{}
	s.mu.Unlock()

	s.wg.Wait()
}

// Status reports the current state and, while scheduled, the next fire instant.
func (s *Scheduler) Status() model.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := model.SchedulerStatus{
		Running: s.state != StateStopped,
		State:   string(s.state),
	}
	if s.state == StateScheduled {
		next := s.next
		status.NextFireAt = &next
	}
	return status
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := NextFireTime(s.clock.Now().In(s.loc), s.hour, s.minute)
		if !s.transition(StateScheduled, next) {
			return
		}
		log.Printf("scheduler: next interest run at %s", next.Format(time.RFC3339))

		if !s.sleepUntil(ctx, next) {
			if ctx.Err() != nil {
				s.transition(StateStopped, time.Time{})
				log.Printf("scheduler: stopped: %v", ctx.Err())
			}
			return
		}
		if !s.transition(StateRunning, next) {
			return
		}
		s.fire(ctx, next, accrual.ActorScheduled)
	}
}

// transition moves to state unless Stop was called; it reports whether the loop may go on.
func (s *Scheduler) transition(state State, next time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.state = state
	s.next = next
	return true
}

// sleepUntil waits in slices of at most maxSleep until the clock reaches at. It returns false when
// woken by Stop or by ctx.
func (s *Scheduler) sleepUntil(ctx context.Context, at time.Time) bool {
	for {
		now := s.clock.Now()
		if !now.Before(at) {
			return true
		}
		wait := at.Sub(now)
		if wait > s.maxSleep {
			wait = s.maxSleep
		}
		select {
		case <-s.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-s.clock.After(wait):
		}
	}
}

func (s *Scheduler) catchUp(ctx context.Context) {
	expected := LastFireTime(s.clock.Now().In(s.loc), s.hour, s.minute)
	last, found, err := s.runs.LastInterestPaymentAt(ctx)
	if err != nil {
		log.Printf("scheduler: catch-up check failed: %v", err)
		return
	}
	if found && !last.Before(expected) {
		unfinished, err := s.unfinishedRun(ctx, expected)
		if err != nil {
			log.Printf("scheduler: catch-up check failed: %v", err)
			return
		}
		if !unfinished {
			log.Printf("scheduler: no catch-up needed, last payment at %s", last.Format(time.RFC3339))
			return
		}
		log.Printf("scheduler: interest run due at %s did not finish, resuming", expected.Format(time.RFC3339))
	} else {
		log.Printf("scheduler: interest run due at %s was missed, catching up", expected.Format(time.RFC3339))
	}
	if !s.transition(StateRunning, time.Time{}) {
		return
	}
	s.fire(ctx, expected, accrual.ActorCatchUp)
}

// unfinishedRun reports whether period has a run marker that was claimed but never completed.
func (s *Scheduler) unfinishedRun(ctx context.Context, period time.Time) (bool, error) {
	run, err := s.runs.GetRun(ctx, period)
	if errors.Is(err, storage.ErrRunNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return run.FinishedAt == nil, nil
}

// fire claims the period and runs the batch. Failures and panics are logged; the caller goes on.
func (s *Scheduler) fire(ctx context.Context, period time.Time, actorID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: interest run for %s panicked: %v", period.Format(time.RFC3339), r)
		}
	}()
	if err := s.runPeriod(ctx, period, actorID); err != nil {
		log.Printf("scheduler: interest run for %s failed: %v", period.Format(time.RFC3339), err)
	}
}

func (s *Scheduler) runPeriod(ctx context.Context, period time.Time, actorID string) error {
	// A started batch runs to completion even if the scheduler is stopped meanwhile.
	ctx = context.WithoutCancel(ctx)

	now := s.clock.Now()
	run := model.InterestRun{
		PeriodEnd: period,
		ActorID:   actorID,
		BatchID:   uuid.New(),
		ClaimedAt: now,
	}
	claimed, err := s.runs.ClaimRun(ctx, run, now.Add(-s.lease))
	if err != nil {
		return fmt.Errorf("could not claim period: %w", err)
	}
	if !claimed {
		log.Printf("scheduler: period %s finished or held by a live claim, skipping", period.Format(time.RFC3339))
		return nil
	}

	// An unfinished claim is dropped so the next catch-up can take the period again.
	completed := false
	defer func() {
		if completed {
			return
		}
		if err := s.runs.ReleaseRun(ctx, period); err != nil {
			log.Printf("scheduler: could not release claim on %s: %v", period.Format(time.RFC3339), err)
		}
	}()

	result, err := s.runner.RunBatch(ctx, actorID)
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	finished := s.clock.Now()
	run.BatchID = result.BatchID
	run.FinishedAt = &finished
	run.Posted = result.Posted
	run.Failed = result.Failed
	run.TotalPosted = result.TotalPosted
	if err := s.runs.CompleteRun(ctx, run); err != nil {
		return fmt.Errorf("could not record completed run: %w", err)
	}
	completed = true
	return nil
}
