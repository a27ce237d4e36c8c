package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsCommitOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, "alice", "bob")
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	alice := mustAccountID(test, "alice")
	bob := mustAccountID(test, "bob")

	transactionID, err := service.Commit(context.Background(), transfer(alice, bob, 250))
	if err != nil {
		test.Fatalf("commit failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationCommit || entry.TransactionID != transactionID || entry.Volume != 250 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if len(entry.AccountIDs) != 2 || entry.AccountIDs[0] != alice || entry.AccountIDs[1] != bob {
		test.Fatalf("expected sorted account ids, got %v", entry.AccountIDs)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, "alice", "bob")
	store.insertError = errors.New("boom")
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	_, err := service.Commit(context.Background(), transfer(mustAccountID(test, "alice"), mustAccountID(test, "bob"), 10))
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestServiceLogsUnbalancedCandidate(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, "alice", "bob")
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	candidate := NewTransactionCandidate(
		EntryInput{AccountID: mustAccountID(test, "alice"), Amount: -10, Currency: CurrencyBTC, Type: EntryIntraledger},
		EntryInput{AccountID: mustAccountID(test, "bob"), Amount: 9, Currency: CurrencyBTC, Type: EntryIntraledger},
	)

	_, err := service.Commit(context.Background(), candidate)
	if !errors.Is(err, ErrUnbalancedTransaction) {
		test.Fatalf("expected unbalanced error, got %v", err)
	}
	if len(logger.entries) != 1 || !errors.Is(logger.entries[0].Error, ErrUnbalancedTransaction) {
		test.Fatalf("expected unbalanced log entry, got %+v", logger.entries)
	}
}
