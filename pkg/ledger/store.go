package ledger

import "context"

// AccountDirectory looks accounts up by their internal and external identifiers.
type AccountDirectory interface {
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	FindAccountByPublicID(ctx context.Context, walletPublicID WalletPublicID) (Account, error)
	FindAccountByUsername(ctx context.Context, username Username) (Account, error)
	CreateAccount(ctx context.Context, account Account) error
}

// Journal is the append-only transaction log.
type Journal interface {
	InsertTransaction(ctx context.Context, transaction Transaction) error
	SumBalance(ctx context.Context, accountID AccountID) (SignedAmountSats, error)
	SumJournal(ctx context.Context) ([]CurrencyTotal, error)
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
}

// PendingPaymentStore persists Lightning payments awaiting an outcome.
type PendingPaymentStore interface {
	CreatePendingPayment(ctx context.Context, payment PendingPayment) error
	GetPendingPayment(ctx context.Context, reference PaymentReference) (PendingPayment, error)
	ListPendingPayments(ctx context.Context, limit int) ([]PendingPayment, error)
	// ResolvePendingPayment moves a payment out of pending; ErrPendingPaymentClosed when it already left.
	ResolvePendingPayment(ctx context.Context, reference PaymentReference, resolution PaymentResolution) error
}

// RewardGrantStore persists the at-most-once reward markers.
type RewardGrantStore interface {
	HasRewardGrant(ctx context.Context, accountID AccountID, rewardID RewardID) (bool, error)
	// InsertRewardGrant returns ErrRewardAlreadyGranted when the key exists.
	InsertRewardGrant(ctx context.Context, grant RewardGrant) error
}

// Store is the persistence contract used by Service.
// (gormstore and memstore implement it.)
type Store interface {
	AccountDirectory
	Journal
	PendingPaymentStore
	RewardGrantStore
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockAccounts takes row locks on the accounts for the rest of the enclosing transaction.
	LockAccounts(ctx context.Context, accountIDs []AccountID) error
}
