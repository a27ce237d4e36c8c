package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/multimutex"
)

// Service contains the double-entry engine over a Store.
type Service struct {
	store        Store
	clock        clock.Clock
	logger       OperationLogger
	newID        func() string
	accountLocks *multimutex.Mutex[AccountID]
}

// NewService wires a Service.
func NewService(store Store, serviceClock clock.Clock, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if serviceClock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		clock:        serviceClock,
		newID:        uuid.NewString,
		accountLocks: multimutex.NewMutex[AccountID](),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Commit validates a candidate and appends it atomically, returning the new transaction id.
func (service *Service) Commit(ctx context.Context, candidate TransactionCandidate) (TransactionID, error) {
	if err := candidate.Validate(); err != nil {
		service.logCommit(ctx, TransactionID{}, candidate, err)
		return TransactionID{}, err
	}
	var transactionID TransactionID
	err := service.WithLockedAccounts(ctx, candidate.AccountIDs(), func(ctx context.Context, session *Session) error {
		committedID, err := session.Commit(ctx, candidate)
		if err != nil {
			return err
		}
		transactionID = committedID
		return nil
	})
	if err != nil {
		return TransactionID{}, err
	}
	return transactionID, nil
}

// BalanceOf sums every committed entry of the account.
func (service *Service) BalanceOf(ctx context.Context, accountID AccountID) (Balance, error) {
	return balanceOf(ctx, service.store, accountID)
}

// CheckGlobalBalance verifies that the whole journal sums to zero per currency.
func (service *Service) CheckGlobalBalance(ctx context.Context) (GlobalBalanceReport, error) {
	totals, err := service.store.SumJournal(ctx)
	if err != nil {
		return GlobalBalanceReport{}, err
	}
	report := GlobalBalanceReport{Totals: totals, Balanced: true}
	var imbalance error
	for _, total := range totals {
		if total.Total != 0 {
			report.Balanced = false
			imbalance = errors.Join(imbalance, fmt.Errorf("%s journal sums to %d", total.Currency, total.Total))
		}
	}
	if report.Balanced {
		service.logOperation(ctx, OperationLog{Operation: operationGlobalBalance})
		return report, nil
	}
	operationError := WrapError(operationGlobalBalance, errorSubjectJournal, errorCodeUnbalanced,
		fmt.Errorf("%w: %v", ErrUnbalancedTransaction, imbalance))
	service.logOperation(ctx, OperationLog{Operation: operationGlobalBalance, Error: operationError})
	return report, operationError
}

// ListEntries lists ledger entries for an account before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if limit == 0 {
		limit = defaultListEntriesLimit
	}
	if limit < 0 || limit > maxListEntriesLimit {
		return nil, fmt.Errorf("%w: %d", ErrInvalidListLimit, limit)
	}
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

// EnsureSystemAccounts provisions the operator accounts if they are missing.
func (service *Service) EnsureSystemAccounts(ctx context.Context, accounts SystemAccounts, currency Currency) error {
	if err := accounts.Validate(); err != nil {
		return err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		for _, accountID := range accounts.All() {
			existing, err := transactionStore.GetAccount(ctx, accountID)
			if err == nil {
				if existing.Kind != AccountKindSystem {
					return WrapError(operationEnsureAccounts, errorSubjectAccount, errorCodeInvalid,
						fmt.Errorf("%w: %s is a %s account", ErrAccountExists, accountID.String(), existing.Kind))
				}
				continue
			}
			if !errors.Is(err, ErrAccountNotFound) {
				return err
			}
			account := Account{
				AccountID:      accountID,
				Currency:       currency,
				Kind:           AccountKindSystem,
				CreatedUnixUTC: service.nowUnixUTC(),
			}
			if err := transactionStore.CreateAccount(ctx, account); err != nil && !errors.Is(err, ErrAccountExists) {
				return err
			}
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationEnsureAccounts,
		AccountIDs: accounts.All(),
		Error:      operationError,
	})
	return operationError
}

// Now exposes the service clock so collaborators timestamp records consistently.
func (service *Service) Now() int64 {
	return service.nowUnixUTC()
}

func (service *Service) nowUnixUTC() int64 {
	return service.clock.Now().UTC().Unix()
}

func (service *Service) logCommit(ctx context.Context, transactionID TransactionID, candidate TransactionCandidate, err error) {
	entryTypes := make([]EntryType, 0, len(candidate.Entries))
	var volume SignedAmountSats
	for _, entry := range candidate.Entries {
		entryTypes = append(entryTypes, entry.Type)
		if entry.Amount > 0 {
			volume += entry.Amount
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		TransactionID: transactionID,
		AccountIDs:    candidate.AccountIDs(),
		EntryTypes:    entryTypes,
		Volume:        volume,
		Error:         err,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func balanceOf(ctx context.Context, store Store, accountID AccountID) (Balance, error) {
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	amount, err := store.SumBalance(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{AccountID: accountID, Currency: account.Currency, Amount: amount}, nil
}
