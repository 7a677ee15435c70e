package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownAccountType is returned by ParseAccountType for values outside the closed set.
var ErrUnknownAccountType = errors.New("unknown account type")

// AccountType is the closed set of products. Each carries a fixed annual rate.
type AccountType string

const (
	AccountTypeBasic       AccountType = "basic"
	AccountTypeFixed       AccountType = "fixed"
	AccountTypeInstallment AccountType = "installment"
)

var annualRates = map[AccountType]decimal.Decimal{
	AccountTypeBasic:       decimal.RequireFromString("0.001"),
	AccountTypeFixed:       decimal.RequireFromString("0.015"),
	AccountTypeInstallment: decimal.RequireFromString("0.020"),
}

// AccountTypes lists the products in display order.
func AccountTypes() []AccountType {
	return []AccountType{AccountTypeBasic, AccountTypeFixed, AccountTypeInstallment}
}

// ParseAccountType accepts the type names case-insensitively.
func ParseAccountType(s string) (AccountType, error) {
	t := AccountType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := annualRates[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAccountType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known products.
func (t AccountType) Valid() bool {
	_, ok := annualRates[t]
	return ok
}

// AnnualRate returns the fixed yearly rate of the product, or zero for an unknown type.
func (t AccountType) AnnualRate() decimal.Decimal {
	return annualRates[t]
}

// AccountName builds the display name given to new accounts.
func (t AccountType) AccountName(ownerID string) string {
	return fmt.Sprintf("%s account_%s", t, ownerID)
}
