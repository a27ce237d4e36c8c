package ledger

import (
	"fmt"
	"strings"
)

// AccountKind distinguishes customer wallets from operator-owned accounts.
type AccountKind string

const (
	AccountKindUser   AccountKind = "user"
	AccountKindSystem AccountKind = "system"
)

// ParseAccountKind validates an account kind string.
func ParseAccountKind(raw string) (AccountKind, error) {
	kind := AccountKind(strings.TrimSpace(raw))
	switch kind {
	case AccountKindUser, AccountKindSystem:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown account kind %q", ErrInvalidAccountID, raw)
	}
}

// String returns the kind name.
func (kind AccountKind) String() string {
	return string(kind)
}

// Account is a ledger account. Its balance is never stored; it is derived from the journal.
type Account struct {
	AccountID      AccountID
	UserID         UserID
	WalletPublicID WalletPublicID
	Username       Username
	Currency       Currency
	Kind           AccountKind
	CreatedUnixUTC int64
}

// Balance is the journal sum of one account.
type Balance struct {
	AccountID AccountID
	Currency  Currency
	Amount    SignedAmountSats
}

// BookValue returns the balance as an asset (debit-normal) account would report it.
func (balance Balance) BookValue() SignedAmountSats {
	return balance.Amount.Negated()
}

// SystemAccounts names the operator accounts used by payment flows.
type SystemAccounts struct {
	// Fee collects intraledger service fees.
	Fee AccountID
	// Escrow mirrors funds locked in Lightning channels; debit-normal.
	Escrow AccountID
	// InFlight holds sender funds while a Lightning payment is unresolved.
	InFlight AccountID
	// Suspense absorbs escrow reconciliation drift.
	Suspense AccountID
	// RewardSource funds reward grants (the dealer/funder buffer).
	RewardSource AccountID
}

// DefaultSystemAccounts returns the well-known operator account ids.
func DefaultSystemAccounts() SystemAccounts {
	return SystemAccounts{
		Fee:          AccountID{value: "system:fee"},
		Escrow:       AccountID{value: "system:escrow"},
		InFlight:     AccountID{value: "system:in_flight"},
		Suspense:     AccountID{value: "system:suspense"},
		RewardSource: AccountID{value: "system:dealer"},
	}
}

// Validate ensures every system account is set and distinct.
func (accounts SystemAccounts) Validate() error {
	seen := make(map[AccountID]struct{}, 5)
	for _, accountID := range accounts.All() {
		if accountID.IsZero() {
			return fmt.Errorf("%w: system account id is empty", ErrInvalidServiceConfig)
		}
		if _, exists := seen[accountID]; exists {
			return fmt.Errorf("%w: system account %s is used twice", ErrInvalidServiceConfig, accountID.String())
		}
		seen[accountID] = struct{}{}
	}
	return nil
}

// All lists the system accounts in a fixed order.
func (accounts SystemAccounts) All() []AccountID {
	return []AccountID{accounts.Fee, accounts.Escrow, accounts.InFlight, accounts.Suspense, accounts.RewardSource}
}
