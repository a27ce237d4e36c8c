package ledger

import (
	"context"
	"fmt"
)

// Session is a transactional view over a locked set of accounts.
// Balances read through it cannot be invalidated by another commit until it ends.
type Session struct {
	service *Service
	store   Store
	locked  map[AccountID]struct{}
	staged  []stagedCommit
}

type stagedCommit struct {
	transactionID TransactionID
	candidate     TransactionCandidate
}

// WithLockedAccounts serializes fn against every other session that touches any of the accounts.
// Locks are taken in sorted order; fn runs inside one store transaction.
func (service *Service) WithLockedAccounts(ctx context.Context, accountIDs []AccountID, fn func(ctx context.Context, session *Session) error) error {
	if fn == nil {
		return fmt.Errorf("%w: session callback is nil", ErrInvalidServiceConfig)
	}
	lockOrder := uniqueAccountIDs(accountIDs)
	if len(lockOrder) == 0 {
		return WrapError(operationLockedSession, errorSubjectAccount, errorCodeInvalid,
			fmt.Errorf("%w: no accounts to lock", ErrInvalidAccountID))
	}
	for _, accountID := range lockOrder {
		service.accountLocks.Lock(accountID)
	}
	defer func() {
		for index := len(lockOrder) - 1; index >= 0; index-- {
			service.accountLocks.Unlock(lockOrder[index])
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}

	var session *Session
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockAccounts(ctx, lockOrder); err != nil {
			return err
		}
		locked := make(map[AccountID]struct{}, len(lockOrder))
		for _, accountID := range lockOrder {
			locked[accountID] = struct{}{}
		}
		session = &Session{service: service, store: transactionStore, locked: locked}
		return fn(ctx, session)
	})
	if session != nil {
		for _, staged := range session.staged {
			service.logCommit(ctx, staged.transactionID, staged.candidate, operationError)
		}
	}
	return operationError
}

// Store exposes the transactional store so side records commit together with ledger writes.
func (session *Session) Store() Store {
	return session.store
}

// Now returns the service clock in unix seconds.
func (session *Session) Now() int64 {
	return session.service.nowUnixUTC()
}

// Balance reads an account balance inside the session.
func (session *Session) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	return balanceOf(ctx, session.store, accountID)
}

// Commit appends a balanced transaction. User accounts must be held by this session.
// System accounts carry no funds check and may be written without holding their lock.
func (session *Session) Commit(ctx context.Context, candidate TransactionCandidate) (TransactionID, error) {
	if err := session.validate(ctx, candidate); err != nil {
		session.service.logCommit(ctx, TransactionID{}, candidate, err)
		return TransactionID{}, err
	}
	transactionID, err := NewTransactionID(session.service.newID())
	if err != nil {
		return TransactionID{}, err
	}
	createdUnixUTC := session.Now()
	transaction := Transaction{
		TransactionID:  transactionID,
		CreatedUnixUTC: createdUnixUTC,
		Entries:        make([]Entry, 0, len(candidate.Entries)),
	}
	for _, input := range candidate.Entries {
		entryID, err := NewEntryID(session.service.newID())
		if err != nil {
			return TransactionID{}, err
		}
		transaction.Entries = append(transaction.Entries, Entry{
			EntryID:        entryID,
			TransactionID:  transactionID,
			AccountID:      input.AccountID,
			Amount:         input.Amount,
			Currency:       input.Currency,
			Type:           input.Type,
			Memo:           input.Memo,
			Counterparty:   input.Counterparty,
			Metadata:       input.Metadata,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	if err := session.store.InsertTransaction(ctx, transaction); err != nil {
		return TransactionID{}, err
	}
	session.staged = append(session.staged, stagedCommit{transactionID: transactionID, candidate: candidate})
	return transactionID, nil
}

func (session *Session) validate(ctx context.Context, candidate TransactionCandidate) error {
	if err := candidate.Validate(); err != nil {
		return err
	}
	accounts := make(map[AccountID]Account, len(candidate.Entries))
	for _, entry := range candidate.Entries {
		account, known := accounts[entry.AccountID]
		if !known {
			fetched, err := session.store.GetAccount(ctx, entry.AccountID)
			if err != nil {
				return WrapError(operationCommit, errorSubjectAccount, errorCodeLookup, err)
			}
			account = fetched
			accounts[entry.AccountID] = account
		}
		if _, held := session.locked[entry.AccountID]; !held && account.Kind != AccountKindSystem {
			return WrapError(operationCommit, errorSubjectAccount, errorCodeNotLocked,
				fmt.Errorf("%w: %s", ErrAccountNotLocked, entry.AccountID.String()))
		}
		if entry.Currency != account.Currency {
			return WrapError(operationCommit, errorSubjectEntry, errorCodeCurrencyMismatch,
				fmt.Errorf("%w: %s holds %s, entry is %s", ErrCurrencyMismatch, entry.AccountID.String(), account.Currency, entry.Currency))
		}
	}
	return nil
}
