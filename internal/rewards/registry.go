package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	operationGrant     = "reward_grant"
	errorSubjectReward = "reward"
	errorCodeUnknown   = "unknown"
	errorCodeInvalid   = "invalid"
)

// GrantStatus is the outcome of a grant attempt.
type GrantStatus string

const (
	GrantStatusGranted        GrantStatus = "granted"
	GrantStatusAlreadyGranted GrantStatus = "already_granted"
)

// GrantResult reports whether a reward was credited.
type GrantResult struct {
	Status        GrantStatus
	TransactionID ledger.TransactionID
}

// Catalog maps reward ids to their payout.
type Catalog map[ledger.RewardID]ledger.PositiveAmountSats

// NewCatalog validates a raw id to sats table.
func NewCatalog(raw map[string]int64) (Catalog, error) {
	catalog := make(Catalog, len(raw))
	for rawID, rawAmount := range raw {
		rewardID, err := ledger.NewRewardID(rawID)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewPositiveAmountSats(rawAmount)
		if err != nil {
			return nil, fmt.Errorf("reward %s: %w", rawID, err)
		}
		catalog[rewardID] = amount
	}
	return catalog, nil
}

// Ledger is the part of the ledger engine the registry needs.
type Ledger interface {
	WithLockedAccounts(ctx context.Context, accountIDs []ledger.AccountID, fn func(ctx context.Context, session *ledger.Session) error) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(registry *Registry) {
		if logger != nil {
			registry.logger = logger
		}
	}
}

// WithGrantHook observes every grant outcome.
func WithGrantHook(hook func(status GrantStatus)) Option {
	return func(registry *Registry) {
		registry.onGrant = hook
	}
}

// Registry credits one-time rewards at most once per account.
type Registry struct {
	ledger  Ledger
	source  ledger.AccountID
	catalog Catalog
	logger  *zap.Logger
	onGrant func(status GrantStatus)
}

// NewRegistry wires a Registry paying out of source.
func NewRegistry(ledgerService Ledger, source ledger.AccountID, catalog Catalog, options ...Option) (*Registry, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ledger.ErrInvalidServiceConfig)
	}
	if source.IsZero() {
		return nil, fmt.Errorf("%w: reward source account is empty", ledger.ErrInvalidServiceConfig)
	}
	registry := &Registry{ledger: ledgerService, source: source, catalog: catalog, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	return registry, nil
}

// AddEarn grants a catalog reward.
func (registry *Registry) AddEarn(ctx context.Context, accountID ledger.AccountID, rewardID ledger.RewardID) (GrantResult, error) {
	amount, known := registry.catalog[rewardID]
	if !known {
		return GrantResult{}, ledger.WrapError(operationGrant, errorSubjectReward, errorCodeUnknown,
			fmt.Errorf("%w: %s", ledger.ErrUnknownReward, rewardID.String()))
	}
	return registry.GrantIfAbsent(ctx, accountID, rewardID, amount)
}

// GrantIfAbsent credits amount unless (accountID, rewardID) was granted before.
// The grant marker and the crediting transaction commit together or not at all.
func (registry *Registry) GrantIfAbsent(ctx context.Context, accountID ledger.AccountID, rewardID ledger.RewardID, amount ledger.PositiveAmountSats) (GrantResult, error) {
	if accountID == registry.source {
		return GrantResult{}, ledger.WrapError(operationGrant, errorSubjectReward, errorCodeInvalid,
			fmt.Errorf("%w: reward source cannot be rewarded", ledger.ErrSelfPayment))
	}
	metadata, err := rewardMetadata(rewardID)
	if err != nil {
		return GrantResult{}, err
	}
	result := GrantResult{Status: GrantStatusAlreadyGranted}
	err = registry.ledger.WithLockedAccounts(ctx, []ledger.AccountID{accountID}, func(ctx context.Context, session *ledger.Session) error {
		store := session.Store()
		granted, err := store.HasRewardGrant(ctx, accountID, rewardID)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		account, err := store.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		memo, err := ledger.NewMemo("reward " + rewardID.String())
		if err != nil {
			return err
		}
		transactionID, err := session.Commit(ctx, ledger.NewTransactionCandidate(
			ledger.EntryInput{AccountID: registry.source, Amount: amount.Debit(), Currency: account.Currency, Type: ledger.EntryReward, Memo: memo, Counterparty: accountID, Metadata: metadata},
			ledger.EntryInput{AccountID: accountID, Amount: amount.Credit(), Currency: account.Currency, Type: ledger.EntryReward, Memo: memo, Counterparty: registry.source, Metadata: metadata},
		))
		if err != nil {
			return err
		}
		if err := store.InsertRewardGrant(ctx, ledger.RewardGrant{
			AccountID:      accountID,
			RewardID:       rewardID,
			Amount:         amount,
			TransactionID:  transactionID,
			CreatedUnixUTC: session.Now(),
		}); err != nil {
			return err
		}
		result = GrantResult{Status: GrantStatusGranted, TransactionID: transactionID}
		return nil
	})
	if errors.Is(err, ledger.ErrRewardAlreadyGranted) {
		result, err = GrantResult{Status: GrantStatusAlreadyGranted}, nil
	}
	if err != nil {
		registry.logger.Warn("reward grant failed",
			zap.String("account_id", accountID.String()),
			zap.String("reward_id", rewardID.String()),
			zap.Error(err))
		return GrantResult{}, err
	}
	registry.logger.Info("reward grant",
		zap.String("account_id", accountID.String()),
		zap.String("reward_id", rewardID.String()),
		zap.String("status", string(result.Status)),
		zap.Int64("amount_sats", amount.Int64()))
	if registry.onGrant != nil {
		registry.onGrant(result.Status)
	}
	return result, nil
}

func rewardMetadata(rewardID ledger.RewardID) (ledger.MetadataJSON, error) {
	encoded, err := json.Marshal(map[string]string{"reward_id": rewardID.String()})
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(encoded))
}
