package ledger

import (
	"errors"
	"fmt"

	"go-interest-ledger/storage"
)

// ErrValidation is the parent of every input error. Callers that only need to tell bad input
// apart from other failures can match it with errors.Is.
var ErrValidation = errors.New("validation failed")

var (
	ErrInvalidAmount      = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidAccountType = fmt.Errorf("%w: invalid account type", ErrValidation)
	ErrSameAccount        = fmt.Errorf("%w: source and destination account are the same", ErrValidation)
	ErrInvalidRequest     = fmt.Errorf("%w: invalid request", ErrValidation)
)

var (
	ErrAccountNotFound   = storage.ErrNotFound
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAccrualStale means the account's watermark moved since the posting was computed,
	// so the period has already been paid.
	ErrAccrualStale = errors.New("accrual period already posted")
	// ErrPrincipalChanged means the balance moved between quoting and posting, so the amount
	// must be computed again.
	ErrPrincipalChanged = errors.New("principal changed since interest was quoted")
	ErrWrongPassword    = errors.New("wrong password")
	ErrAccountClosed    = errors.New("account is closed")
	ErrAccountNotEmpty  = errors.New("account balance is not zero")
)
