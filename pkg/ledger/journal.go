package ledger

import (
	"fmt"
	"sort"
)

const minEntriesPerTransaction = 2

// EntryInput is one uncommitted line of a transaction candidate.
type EntryInput struct {
	AccountID    AccountID
	Amount       SignedAmountSats
	Currency     Currency
	Type         EntryType
	Memo         Memo
	Counterparty AccountID
	Metadata     MetadataJSON
}

// TransactionCandidate is a group of lines to be committed together.
type TransactionCandidate struct {
	Entries []EntryInput
}

// NewTransactionCandidate groups entry inputs.
func NewTransactionCandidate(entries ...EntryInput) TransactionCandidate {
	return TransactionCandidate{Entries: entries}
}

// AccountIDs returns the distinct accounts the candidate touches.
func (candidate TransactionCandidate) AccountIDs() []AccountID {
	return uniqueAccountIDs(accountIDsOf(candidate.Entries))
}

// Validate checks structure and the double-entry law: per currency the lines sum to zero.
func (candidate TransactionCandidate) Validate() error {
	if len(candidate.Entries) < minEntriesPerTransaction {
		return WrapError(operationCommit, errorSubjectTransaction, errorCodeTooFewEntries,
			fmt.Errorf("%w: %d entries", ErrInvalidTransaction, len(candidate.Entries)))
	}
	totals := make(map[Currency]SignedAmountSats, 1)
	for index, entry := range candidate.Entries {
		if entry.AccountID.IsZero() {
			return WrapError(operationCommit, errorSubjectEntry, errorCodeInvalid,
				fmt.Errorf("%w: entry %d", ErrInvalidAccountID, index))
		}
		if entry.Amount == 0 {
			return WrapError(operationCommit, errorSubjectEntry, errorCodeInvalid,
				fmt.Errorf("%w: entry %d has zero amount", ErrInvalidTransaction, index))
		}
		if entry.Currency == "" {
			return WrapError(operationCommit, errorSubjectEntry, errorCodeInvalid,
				fmt.Errorf("%w: entry %d", ErrInvalidCurrency, index))
		}
		if !withinSupply(entry.Amount) {
			return WrapError(operationCommit, errorSubjectEntry, errorCodeInvalid,
				fmt.Errorf("%w: entry %d amount %d exceeds the sat supply", ErrInvalidAmount, index, entry.Amount))
		}
		if _, err := ParseEntryType(entry.Type.String()); err != nil {
			return WrapError(operationCommit, errorSubjectEntry, errorCodeInvalid, err)
		}
		totals[entry.Currency] += entry.Amount
	}
	for currency, total := range totals {
		if total != 0 {
			return WrapError(operationCommit, errorSubjectTransaction, errorCodeUnbalanced,
				fmt.Errorf("%w: %s lines sum to %d", ErrUnbalancedTransaction, currency, total))
		}
	}
	return nil
}

// Entry is a committed, immutable journal line.
type Entry struct {
	EntryID        EntryID
	TransactionID  TransactionID
	AccountID      AccountID
	Amount         SignedAmountSats
	Currency       Currency
	Type           EntryType
	Memo           Memo
	Counterparty   AccountID
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Transaction is a committed, balanced group of entries.
type Transaction struct {
	TransactionID  TransactionID
	CreatedUnixUTC int64
	Entries        []Entry
}

// CurrencyTotal is the sum of every journal line of one currency.
type CurrencyTotal struct {
	Currency Currency
	Total    SignedAmountSats
}

// GlobalBalanceReport summarizes a whole-journal consistency check.
type GlobalBalanceReport struct {
	Totals   []CurrencyTotal
	Balanced bool
}

func accountIDsOf(entries []EntryInput) []AccountID {
	accountIDs := make([]AccountID, 0, len(entries))
	for _, entry := range entries {
		accountIDs = append(accountIDs, entry.AccountID)
	}
	return accountIDs
}

// uniqueAccountIDs dedupes and sorts, which is also the lock acquisition order.
func uniqueAccountIDs(accountIDs []AccountID) []AccountID {
	seen := make(map[AccountID]struct{}, len(accountIDs))
	unique := make([]AccountID, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		if accountID.IsZero() {
			continue
		}
		if _, exists := seen[accountID]; exists {
			continue
		}
		seen[accountID] = struct{}{}
		unique = append(unique, accountID)
	}
	sort.Slice(unique, func(left, right int) bool {
		return unique[left].String() < unique[right].String()
	})
	return unique
}
