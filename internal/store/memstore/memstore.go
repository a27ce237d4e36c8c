package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorSubjectPending     = "pending_payment"
	errorSubjectReward      = "reward_grant"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeLock           = "lock"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements ledger.Store in process memory.
// Transactions are serialized by a single mutex and applied copy-on-commit.
type Store struct {
	mu    sync.Mutex
	state *state
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	state *state
}

type grantKey struct {
	accountID ledger.AccountID
	rewardID  ledger.RewardID
}

type state struct {
	accounts     map[ledger.AccountID]ledger.Account
	byPublicID   map[ledger.WalletPublicID]ledger.AccountID
	byUsername   map[ledger.Username]ledger.AccountID
	transactions []ledger.Transaction
	balances     map[ledger.AccountID]ledger.SignedAmountSats
	pending      map[ledger.PaymentReference]ledger.PendingPayment
	grants       map[grantKey]ledger.RewardGrant
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

func newState() *state {
	return &state{
		accounts:   make(map[ledger.AccountID]ledger.Account),
		byPublicID: make(map[ledger.WalletPublicID]ledger.AccountID),
		byUsername: make(map[ledger.Username]ledger.AccountID),
		balances:   make(map[ledger.AccountID]ledger.SignedAmountSats),
		pending:    make(map[ledger.PaymentReference]ledger.PendingPayment),
		grants:     make(map[grantKey]ledger.RewardGrant),
	}
}

func (current *state) clone() *state {
	copied := newState()
	for key, value := range current.accounts {
		copied.accounts[key] = value
	}
	for key, value := range current.byPublicID {
		copied.byPublicID[key] = value
	}
	for key, value := range current.byUsername {
		copied.byUsername[key] = value
	}
	copied.transactions = append(make([]ledger.Transaction, 0, len(current.transactions)+1), current.transactions...)
	for key, value := range current.balances {
		copied.balances[key] = value
	}
	for key, value := range current.pending {
		copied.pending[key] = value
	}
	for key, value := range current.grants {
		copied.grants[key] = value
	}
	return copied
}

// WithTx executes fn against a private copy and publishes it only when fn succeeds.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	working := store.state.clone()
	if err := fn(ctx, &TxStore{state: working}); err != nil {
		return err
	}
	store.state = working
	return nil
}

func (store *Store) LockAccounts(ctx context.Context, accountIDs []ledger.AccountID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.lockAccounts(accountIDs)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getAccount(accountID)
}

func (store *Store) FindAccountByPublicID(ctx context.Context, walletPublicID ledger.WalletPublicID) (ledger.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.findByPublicID(walletPublicID)
}

func (store *Store) FindAccountByUsername(ctx context.Context, username ledger.Username) (ledger.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.findByUsername(username)
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createAccount(account)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.insertTransaction(transaction)
}

func (store *Store) SumBalance(ctx context.Context, accountID ledger.AccountID) (ledger.SignedAmountSats, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.balances[accountID], nil
}

func (store *Store) SumJournal(ctx context.Context) ([]ledger.CurrencyTotal, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.sumJournal(), nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listEntries(accountID, beforeUnixUTC, limit), nil
}

func (store *Store) CreatePendingPayment(ctx context.Context, payment ledger.PendingPayment) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createPendingPayment(payment)
}

func (store *Store) GetPendingPayment(ctx context.Context, reference ledger.PaymentReference) (ledger.PendingPayment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getPendingPayment(reference)
}

func (store *Store) ListPendingPayments(ctx context.Context, limit int) ([]ledger.PendingPayment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listPendingPayments(limit), nil
}

func (store *Store) ResolvePendingPayment(ctx context.Context, reference ledger.PaymentReference, resolution ledger.PaymentResolution) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.resolvePendingPayment(reference, resolution)
}

func (store *Store) HasRewardGrant(ctx context.Context, accountID ledger.AccountID, rewardID ledger.RewardID) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, exists := store.state.grants[grantKey{accountID: accountID, rewardID: rewardID}]
	return exists, nil
}

func (store *Store) InsertRewardGrant(ctx context.Context, grant ledger.RewardGrant) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.insertRewardGrant(grant)
}

// Transactions returns a copy of the journal in append order.
func (store *Store) Transactions() []ledger.Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]ledger.Transaction(nil), store.state.transactions...)
}

// RewardGrants returns every stored reward grant.
func (store *Store) RewardGrants() []ledger.RewardGrant {
	store.mu.Lock()
	defer store.mu.Unlock()
	grants := make([]ledger.RewardGrant, 0, len(store.state.grants))
	for _, grant := range store.state.grants {
		grants = append(grants, grant)
	}
	return grants
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) LockAccounts(ctx context.Context, accountIDs []ledger.AccountID) error {
	return store.state.lockAccounts(accountIDs)
}

func (store *TxStore) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.state.getAccount(accountID)
}

func (store *TxStore) FindAccountByPublicID(ctx context.Context, walletPublicID ledger.WalletPublicID) (ledger.Account, error) {
	return store.state.findByPublicID(walletPublicID)
}

func (store *TxStore) FindAccountByUsername(ctx context.Context, username ledger.Username) (ledger.Account, error) {
	return store.state.findByUsername(username)
}

func (store *TxStore) CreateAccount(ctx context.Context, account ledger.Account) error {
	return store.state.createAccount(account)
}

func (store *TxStore) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	return store.state.insertTransaction(transaction)
}

func (store *TxStore) SumBalance(ctx context.Context, accountID ledger.AccountID) (ledger.SignedAmountSats, error) {
	return store.state.balances[accountID], nil
}

func (store *TxStore) SumJournal(ctx context.Context) ([]ledger.CurrencyTotal, error) {
	return store.state.sumJournal(), nil
}

func (store *TxStore) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	return store.state.listEntries(accountID, beforeUnixUTC, limit), nil
}

func (store *TxStore) CreatePendingPayment(ctx context.Context, payment ledger.PendingPayment) error {
	return store.state.createPendingPayment(payment)
}

func (store *TxStore) GetPendingPayment(ctx context.Context, reference ledger.PaymentReference) (ledger.PendingPayment, error) {
	return store.state.getPendingPayment(reference)
}

func (store *TxStore) ListPendingPayments(ctx context.Context, limit int) ([]ledger.PendingPayment, error) {
	return store.state.listPendingPayments(limit), nil
}

func (store *TxStore) ResolvePendingPayment(ctx context.Context, reference ledger.PaymentReference, resolution ledger.PaymentResolution) error {
	return store.state.resolvePendingPayment(reference, resolution)
}

func (store *TxStore) HasRewardGrant(ctx context.Context, accountID ledger.AccountID, rewardID ledger.RewardID) (bool, error) {
	_, exists := store.state.grants[grantKey{accountID: accountID, rewardID: rewardID}]
	return exists, nil
}

func (store *TxStore) InsertRewardGrant(ctx context.Context, grant ledger.RewardGrant) error {
	return store.state.insertRewardGrant(grant)
}

func (current *state) lockAccounts(accountIDs []ledger.AccountID) error {
	for _, accountID := range accountIDs {
		if _, exists := current.accounts[accountID]; !exists {
			return wrapStoreError(errorSubjectAccount, errorCodeLock,
				fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID.String()))
		}
	}
	return nil
}

func (current *state) getAccount(accountID ledger.AccountID) (ledger.Account, error) {
	account, exists := current.accounts[accountID]
	if !exists {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet,
			fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID.String()))
	}
	return account, nil
}

func (current *state) findByPublicID(walletPublicID ledger.WalletPublicID) (ledger.Account, error) {
	accountID, exists := current.byPublicID[walletPublicID]
	if !exists {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet,
			fmt.Errorf("%w: wallet %s", ledger.ErrAccountNotFound, walletPublicID.String()))
	}
	return current.getAccount(accountID)
}

func (current *state) findByUsername(username ledger.Username) (ledger.Account, error) {
	accountID, exists := current.byUsername[username]
	if !exists {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet,
			fmt.Errorf("%w: %s", ledger.ErrUsernameNotFound, username.String()))
	}
	return current.getAccount(accountID)
}

func (current *state) createAccount(account ledger.Account) error {
	if account.AccountID.IsZero() {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrInvalidAccountID)
	}
	if _, exists := current.accounts[account.AccountID]; exists {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if !account.WalletPublicID.IsZero() {
		if _, exists := current.byPublicID[account.WalletPublicID]; exists {
			return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
		}
		current.byPublicID[account.WalletPublicID] = account.AccountID
	}
	if !account.Username.IsZero() {
		if _, exists := current.byUsername[account.Username]; exists {
			return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
		}
		current.byUsername[account.Username] = account.AccountID
	}
	current.accounts[account.AccountID] = account
	return nil
}

func (current *state) insertTransaction(transaction ledger.Transaction) error {
	for _, existing := range current.transactions {
		if existing.TransactionID == transaction.TransactionID {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate,
				fmt.Errorf("%w: duplicate transaction id %s", ledger.ErrInvalidTransaction, transaction.TransactionID.String()))
		}
	}
	entries := append([]ledger.Entry(nil), transaction.Entries...)
	transaction.Entries = entries
	current.transactions = append(current.transactions, transaction)
	for _, entry := range entries {
		current.balances[entry.AccountID] += entry.Amount
	}
	return nil
}

func (current *state) sumJournal() []ledger.CurrencyTotal {
	totals := make(map[ledger.Currency]ledger.SignedAmountSats)
	for _, transaction := range current.transactions {
		for _, entry := range transaction.Entries {
			totals[entry.Currency] += entry.Amount
		}
	}
	result := make([]ledger.CurrencyTotal, 0, len(totals))
	for currency, total := range totals {
		result = append(result, ledger.CurrencyTotal{Currency: currency, Total: total})
	}
	sort.Slice(result, func(left, right int) bool {
		return result[left].Currency < result[right].Currency
	})
	return result
}

func (current *state) listEntries(accountID ledger.AccountID, beforeUnixUTC int64, limit int) []ledger.Entry {
	entries := make([]ledger.Entry, 0, limit)
	for index := len(current.transactions) - 1; index >= 0 && len(entries) < limit; index-- {
		transaction := current.transactions[index]
		if beforeUnixUTC != 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		for _, entry := range transaction.Entries {
			if entry.AccountID == accountID && len(entries) < limit {
				entries = append(entries, entry)
			}
		}
	}
	return entries
}

func (current *state) createPendingPayment(payment ledger.PendingPayment) error {
	if _, exists := current.pending[payment.Reference]; exists {
		return wrapStoreError(errorSubjectPending, errorCodeDuplicate, ledger.ErrPendingPaymentExists)
	}
	current.pending[payment.Reference] = payment
	return nil
}

func (current *state) getPendingPayment(reference ledger.PaymentReference) (ledger.PendingPayment, error) {
	payment, exists := current.pending[reference]
	if !exists {
		return ledger.PendingPayment{}, wrapStoreError(errorSubjectPending, errorCodeGet, ledger.ErrUnknownPendingPayment)
	}
	return payment, nil
}

func (current *state) listPendingPayments(limit int) []ledger.PendingPayment {
	payments := make([]ledger.PendingPayment, 0)
	for _, payment := range current.pending {
		if payment.Status == ledger.PendingPaymentPending {
			payments = append(payments, payment)
		}
	}
	sort.Slice(payments, func(left, right int) bool {
		if payments[left].CreatedUnixUTC != payments[right].CreatedUnixUTC {
			return payments[left].CreatedUnixUTC < payments[right].CreatedUnixUTC
		}
		return payments[left].Reference.String() < payments[right].Reference.String()
	})
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments
}

func (current *state) resolvePendingPayment(reference ledger.PaymentReference, resolution ledger.PaymentResolution) error {
	payment, exists := current.pending[reference]
	if !exists {
		return wrapStoreError(errorSubjectPending, errorCodeUpdateStatus, ledger.ErrUnknownPendingPayment)
	}
	if payment.Status != ledger.PendingPaymentPending {
		return wrapStoreError(errorSubjectPending, errorCodeUpdateStatus, ledger.ErrPendingPaymentClosed)
	}
	payment.Status = resolution.Status
	payment.FinalTransactionID = resolution.FinalTransactionID
	payment.RoutingFee = resolution.RoutingFee
	payment.ResolvedUnixUTC = resolution.ResolvedUnixUTC
	current.pending[reference] = payment
	return nil
}

func (current *state) insertRewardGrant(grant ledger.RewardGrant) error {
	key := grantKey{accountID: grant.AccountID, rewardID: grant.RewardID}
	if _, exists := current.grants[key]; exists {
		return wrapStoreError(errorSubjectReward, errorCodeDuplicate, ledger.ErrRewardAlreadyGranted)
	}
	current.grants[key] = grant
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
