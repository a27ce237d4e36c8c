package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

var testNow = time.Unix(1700000000, 0).UTC()

type stubStore struct {
	Store
	mu              sync.Mutex
	accounts        map[AccountID]Account
	transactions    []Transaction
	listEntries     []Entry
	journalTotals   []CurrencyTotal
	getAccountError error
	insertError     error
	sumError        error
	lockError       error
	listErr         error
	lockCalls       [][]AccountID
}

func newStubStore(test *testing.T, accountIDs ...string) *stubStore {
	test.Helper()
	store := &stubStore{accounts: make(map[AccountID]Account)}
	for _, raw := range accountIDs {
		accountID := mustAccountID(test, raw)
		store.accounts[accountID] = Account{AccountID: accountID, Currency: CurrencyBTC, Kind: AccountKindUser}
	}
	return store
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) LockAccounts(ctx context.Context, accountIDs []AccountID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.lockCalls = append(store.lockCalls, append([]AccountID(nil), accountIDs...))
	return store.lockError
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, exists := store.accounts[accountID]
	if !exists {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID.String())
	}
	return account, nil
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.accounts[account.AccountID]; exists {
		return ErrAccountExists
	}
	store.accounts[account.AccountID] = account
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertError != nil {
		return store.insertError
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) SumBalance(ctx context.Context, accountID AccountID) (SignedAmountSats, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.sumError != nil {
		return 0, store.sumError
	}
	var total SignedAmountSats
	for _, transaction := range store.transactions {
		for _, entry := range transaction.Entries {
			if entry.AccountID == accountID {
				total += entry.Amount
			}
		}
	}
	return total, nil
}

func (store *stubStore) SumJournal(ctx context.Context) ([]CurrencyTotal, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.sumError != nil {
		return nil, store.sumError
	}
	return store.journalTotals, nil
}

func (store *stubStore) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}
	return store.listEntries, nil
}

func (store *stubStore) transactionCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.transactions)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.NewTestClock(testNow), options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountSats {
	test.Helper()
	amount, err := NewPositiveAmountSats(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func transfer(from AccountID, to AccountID, amount SignedAmountSats) TransactionCandidate {
	return NewTransactionCandidate(
		EntryInput{AccountID: from, Amount: -amount, Currency: CurrencyBTC, Type: EntryIntraledger},
		EntryInput{AccountID: to, Amount: amount, Currency: CurrencyBTC, Type: EntryIntraledger},
	)
}
