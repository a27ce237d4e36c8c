package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"go.uber.org/zap"
)

// Ledger is the part of the ledger engine payment flows need.
type Ledger interface {
	WithLockedAccounts(ctx context.Context, accountIDs []ledger.AccountID, fn func(ctx context.Context, session *ledger.Session) error) error
}

// Resolution is what Resolve did with a payment.
type Resolution struct {
	Status             ledger.PendingPaymentStatus
	FinalTransactionID ledger.TransactionID
	RoutingFee         ledger.SignedAmountSats
	// Changed is false when the payment was already resolved or the update was not final.
	Changed bool
}

// Settler turns a final node status into ledger entries. Resolving the same payment twice is a no-op.
type Settler struct {
	ledger    Ledger
	store     ledger.PendingPaymentStore
	system    ledger.SystemAccounts
	logger    *zap.Logger
	onResolve func(status ledger.PendingPaymentStatus)
}

// SettlerOption configures a Settler.
type SettlerOption func(*Settler)

// WithSettlerLogger sets the structured logger.
func WithSettlerLogger(logger *zap.Logger) SettlerOption {
	return func(settler *Settler) {
		if logger != nil {
			settler.logger = logger
		}
	}
}

// WithResolveHook observes every resolved payment.
func WithResolveHook(hook func(status ledger.PendingPaymentStatus)) SettlerOption {
	return func(settler *Settler) {
		settler.onResolve = hook
	}
}

// NewSettler wires a Settler. store is only used to find the payer before locking.
func NewSettler(ledgerService Ledger, store ledger.PendingPaymentStore, system ledger.SystemAccounts, options ...SettlerOption) (*Settler, error) {
	if ledgerService == nil || store == nil {
		return nil, fmt.Errorf("%w: settler dependencies are nil", ledger.ErrInvalidServiceConfig)
	}
	if err := system.Validate(); err != nil {
		return nil, err
	}
	settler := &Settler{ledger: ledgerService, store: store, system: system, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(settler)
		}
	}
	return settler, nil
}

// Resolve applies a terminal update to a pending payment.
//
// Settled with routing fee F on amount A and reserve R:
// in-flight -(A+R), payer +(R-F), escrow +(A+F).
// Failed: in-flight -(A+R), payer +(A+R).
func (settler *Settler) Resolve(ctx context.Context, reference ledger.PaymentReference, update PaymentUpdate) (Resolution, error) {
	if !update.Status.Terminal() {
		return Resolution{Status: ledger.PendingPaymentPending}, nil
	}
	if update.Status == PaymentSucceeded && (update.RoutingFee < 0 || update.RoutingFee > ledger.MaxAmountSats) {
		return Resolution{}, ledger.WrapError(operationResolve, errorSubjectPayment, errorCodeInvalid,
			fmt.Errorf("%w: routing fee %d out of range", ledger.ErrInvalidAmount, update.RoutingFee))
	}
	snapshot, err := settler.store.GetPendingPayment(ctx, reference)
	if err != nil {
		return Resolution{}, err
	}
	if snapshot.Status != ledger.PendingPaymentPending {
		return Resolution{Status: snapshot.Status, FinalTransactionID: snapshot.FinalTransactionID, RoutingFee: snapshot.RoutingFee}, nil
	}

	var resolution Resolution
	err = settler.ledger.WithLockedAccounts(ctx, []ledger.AccountID{snapshot.AccountID}, func(ctx context.Context, session *ledger.Session) error {
		store := session.Store()
		payment, err := store.GetPendingPayment(ctx, reference)
		if err != nil {
			return err
		}
		if payment.Status != ledger.PendingPaymentPending {
			resolution = Resolution{Status: payment.Status, FinalTransactionID: payment.FinalTransactionID, RoutingFee: payment.RoutingFee}
			return nil
		}
		candidate, status, fee, err := settler.resolutionCandidate(payment, update)
		if err != nil {
			return err
		}
		transactionID, err := session.Commit(ctx, candidate)
		if err != nil {
			return err
		}
		if err := store.ResolvePendingPayment(ctx, reference, ledger.PaymentResolution{
			Status:             status,
			FinalTransactionID: transactionID,
			RoutingFee:         fee,
			ResolvedUnixUTC:    session.Now(),
		}); err != nil {
			return err
		}
		resolution = Resolution{Status: status, FinalTransactionID: transactionID, RoutingFee: fee, Changed: true}
		return nil
	})
	if errors.Is(err, ledger.ErrPendingPaymentClosed) {
		current, getErr := settler.store.GetPendingPayment(ctx, reference)
		if getErr != nil {
			return Resolution{}, getErr
		}
		return Resolution{Status: current.Status, FinalTransactionID: current.FinalTransactionID, RoutingFee: current.RoutingFee}, nil
	}
	if err != nil {
		settler.logger.Error("pending payment resolution failed",
			zap.String("payment_hash", reference.String()),
			zap.String("node_status", string(update.Status)),
			zap.Error(err))
		return Resolution{}, err
	}
	if resolution.Changed {
		settler.logger.Info("pending payment resolved",
			zap.String("payment_hash", reference.String()),
			zap.String("status", resolution.Status.String()),
			zap.Int64("routing_fee_sats", resolution.RoutingFee.Int64()),
			zap.String("transaction_id", resolution.FinalTransactionID.String()))
		if settler.onResolve != nil {
			settler.onResolve(resolution.Status)
		}
	}
	return resolution, nil
}

func (settler *Settler) resolutionCandidate(payment ledger.PendingPayment, update PaymentUpdate) (ledger.TransactionCandidate, ledger.PendingPaymentStatus, ledger.SignedAmountSats, error) {
	held, err := ledger.AddAmounts(payment.Amount.Credit(), payment.FeeReserve)
	if err != nil {
		return ledger.TransactionCandidate{}, "", 0, err
	}
	lines := []ledger.EntryInput{
		{AccountID: settler.system.InFlight, Amount: held.Negated(), Currency: payment.Currency, Type: ledger.EntryLightning, Memo: payment.Memo, Counterparty: payment.AccountID},
	}
	if update.Status == PaymentFailed {
		lines = append(lines, ledger.EntryInput{AccountID: payment.AccountID, Amount: held, Currency: payment.Currency, Type: ledger.EntryLightning, Memo: payment.Memo})
		return ledger.NewTransactionCandidate(lines...), ledger.PendingPaymentFailed, 0, nil
	}
	fee := update.RoutingFee
	spent, err := ledger.AddAmounts(payment.Amount.Credit(), fee)
	if err != nil {
		return ledger.TransactionCandidate{}, "", 0, err
	}
	if refund := payment.FeeReserve - fee; refund != 0 {
		lines = append(lines, ledger.EntryInput{AccountID: payment.AccountID, Amount: refund, Currency: payment.Currency, Type: ledger.EntryFee, Memo: payment.Memo})
	}
	lines = append(lines, ledger.EntryInput{AccountID: settler.system.Escrow, Amount: spent, Currency: payment.Currency, Type: ledger.EntryLightning, Memo: payment.Memo, Counterparty: payment.AccountID})
	return ledger.NewTransactionCandidate(lines...), ledger.PendingPaymentSettled, fee, nil
}
