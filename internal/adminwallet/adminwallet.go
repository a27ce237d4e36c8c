// Package adminwallet keeps the ledger in line with the Lightning node: it syncs the escrow
// account to the node's channel balance and resolves payments left pending.
package adminwallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/internal/payments"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency           = 4
	defaultBatchSize             = 200
	defaultConsecutiveDriftAlert = 3
	escrowSyncMemo               = "escrow sync"
)

// Ledger is the part of the ledger engine the reconciler writes through.
type Ledger interface {
	WithLockedAccounts(ctx context.Context, accountIDs []ledger.AccountID, fn func(ctx context.Context, session *ledger.Session) error) error
}

// PaymentResolver applies a node status to a pending payment.
type PaymentResolver interface {
	Resolve(ctx context.Context, reference ledger.PaymentReference, update payments.PaymentUpdate) (payments.Resolution, error)
}

// PendingPayments lists payments awaiting an outcome.
type PendingPayments interface {
	ListPendingPayments(ctx context.Context, limit int) ([]ledger.PendingPayment, error)
}

// Dependencies are the collaborators of an AdminWallet.
type Dependencies struct {
	Ledger   Ledger
	Pending  PendingPayments
	Resolver PaymentResolver
	Network  payments.PaymentNetwork
	Clock    clock.Clock
}

// Settings tune reconciliation.
type Settings struct {
	System ledger.SystemAccounts
	// DriftAlertThreshold escalates a single adjustment larger than this many sats. Zero disables it.
	DriftAlertThreshold int64
	// ConsecutiveDriftAlert escalates after this many cycles in a row needed an adjustment.
	ConsecutiveDriftAlert int
	Concurrency           int
	BatchSize             int
	// MinPendingAge skips payments younger than this so an in-progress dispatch is not queried.
	MinPendingAge time.Duration
}

// EscrowReport describes one escrow sync.
type EscrowReport struct {
	ChannelBalance  ledger.SignedAmountSats
	BookValueBefore ledger.SignedAmountSats
	// InFlightHeld is what unresolved payments hold. The node may already have spent it.
	InFlightHeld      ledger.SignedAmountSats
	Drift             ledger.SignedAmountSats
	TransactionID     ledger.TransactionID
	ConsecutiveDrifts int
	Alert             bool
}

// PendingReport counts what one pending-payment pass did.
type PendingReport struct {
	Examined   int
	Skipped    int
	Settled    int
	Failed     int
	Unresolved int
	Errors     int
}

// Option configures an AdminWallet.
type Option func(*AdminWallet)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(wallet *AdminWallet) {
		if logger != nil {
			wallet.logger = logger
		}
	}
}

// WithEscrowHook observes every escrow sync.
func WithEscrowHook(hook func(report EscrowReport)) Option {
	return func(wallet *AdminWallet) {
		wallet.onEscrow = hook
	}
}

// AdminWallet is the operator-side reconciler.
type AdminWallet struct {
	ledger   Ledger
	pending  PendingPayments
	resolver PaymentResolver
	network  payments.PaymentNetwork
	clock    clock.Clock
	settings Settings
	logger   *zap.Logger
	onEscrow func(report EscrowReport)

	mu                sync.Mutex
	consecutiveDrifts int
}

// New validates dependencies and fills defaults.
func New(dependencies Dependencies, settings Settings, options ...Option) (*AdminWallet, error) {
	if dependencies.Ledger == nil || dependencies.Pending == nil || dependencies.Resolver == nil || dependencies.Network == nil || dependencies.Clock == nil {
		return nil, fmt.Errorf("%w: admin wallet dependencies are nil", ledger.ErrInvalidServiceConfig)
	}
	if err := settings.System.Validate(); err != nil {
		return nil, err
	}
	if settings.DriftAlertThreshold < 0 || settings.MinPendingAge < 0 {
		return nil, fmt.Errorf("%w: negative reconciliation settings", ledger.ErrInvalidServiceConfig)
	}
	if settings.Concurrency <= 0 {
		settings.Concurrency = defaultConcurrency
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = defaultBatchSize
	}
	if settings.ConsecutiveDriftAlert <= 0 {
		settings.ConsecutiveDriftAlert = defaultConsecutiveDriftAlert
	}
	wallet := &AdminWallet{
		ledger:   dependencies.Ledger,
		pending:  dependencies.Pending,
		resolver: dependencies.Resolver,
		network:  dependencies.Network,
		clock:    dependencies.Clock,
		settings: settings,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(wallet)
		}
	}
	return wallet, nil
}

// UpdateEscrows moves the escrow book value to the node's channel balance,
// booking the difference against the suspense account. A channel balance up to
// InFlightHeld below the book value is not drift.
func (wallet *AdminWallet) UpdateEscrows(ctx context.Context) (EscrowReport, error) {
	channelBalance, err := wallet.network.ChannelBalance(ctx)
	if err != nil {
		return EscrowReport{}, fmt.Errorf("%w: channel balance: %v", ledger.ErrPaymentNetwork, err)
	}
	escrow := wallet.settings.System.Escrow
	suspense := wallet.settings.System.Suspense
	memo, err := ledger.NewMemo(escrowSyncMemo)
	if err != nil {
		return EscrowReport{}, err
	}

	report := EscrowReport{ChannelBalance: channelBalance}
	err = wallet.ledger.WithLockedAccounts(ctx, []ledger.AccountID{escrow, suspense}, func(ctx context.Context, session *ledger.Session) error {
		balance, err := session.Balance(ctx, escrow)
		if err != nil {
			return err
		}
		report.BookValueBefore = balance.BookValue()
		inFlight, err := session.Balance(ctx, wallet.settings.System.InFlight)
		if err != nil {
			return err
		}
		if inFlight.Amount > 0 {
			report.InFlightHeld = inFlight.Amount
		}
		report.Drift = escrowDrift(channelBalance, report.BookValueBefore, report.InFlightHeld)
		if report.Drift == 0 {
			return nil
		}
		transactionID, err := session.Commit(ctx, ledger.NewTransactionCandidate(
			ledger.EntryInput{AccountID: escrow, Amount: report.Drift.Negated(), Currency: balance.Currency, Type: ledger.EntryEscrow, Memo: memo, Counterparty: suspense},
			ledger.EntryInput{AccountID: suspense, Amount: report.Drift, Currency: balance.Currency, Type: ledger.EntryEscrow, Memo: memo, Counterparty: escrow},
		))
		if err != nil {
			return err
		}
		report.TransactionID = transactionID
		return nil
	})
	if err != nil {
		wallet.logger.Error("escrow sync failed", zap.Error(err))
		return EscrowReport{}, err
	}

	wallet.mu.Lock()
	if report.Drift == 0 {
		wallet.consecutiveDrifts = 0
	} else {
		wallet.consecutiveDrifts++
	}
	report.ConsecutiveDrifts = wallet.consecutiveDrifts
	wallet.mu.Unlock()

	threshold := wallet.settings.DriftAlertThreshold
	report.Alert = (threshold > 0 && report.Drift.Abs() > ledger.SignedAmountSats(threshold)) ||
		report.ConsecutiveDrifts >= wallet.settings.ConsecutiveDriftAlert
	wallet.logEscrow(report)
	if wallet.onEscrow != nil {
		wallet.onEscrow(report)
	}
	return report, nil
}

func escrowDrift(channelBalance, bookValue, inFlightHeld ledger.SignedAmountSats) ledger.SignedAmountSats {
	switch {
	case channelBalance > bookValue:
		return channelBalance - bookValue
	case channelBalance >= bookValue-inFlightHeld:
		return 0
	default:
		return channelBalance - (bookValue - inFlightHeld)
	}
}

func (wallet *AdminWallet) logEscrow(report EscrowReport) {
	if report.Drift == 0 {
		wallet.logger.Debug("escrow in sync", zap.Int64("channel_balance_sats", report.ChannelBalance.Int64()))
		return
	}
	direction := "up"
	if report.Drift < 0 {
		direction = "down"
	}
	fields := []zap.Field{
		zap.Int64("drift_sats", report.Drift.Abs().Int64()),
		zap.String("direction", direction),
		zap.Int64("book_value_sats", report.BookValueBefore.Int64()),
		zap.Int64("channel_balance_sats", report.ChannelBalance.Int64()),
		zap.Int64("in_flight_sats", report.InFlightHeld.Int64()),
		zap.Int("consecutive_drifts", report.ConsecutiveDrifts),
		zap.String("transaction_id", report.TransactionID.String()),
	}
	if report.Alert {
		wallet.logger.Error("escrow drift alert", fields...)
		return
	}
	wallet.logger.Warn("escrow adjusted", fields...)
}

// UpdatePendingPayments queries the node for every pending payment old enough and
// resolves the ones with a final status. Query or resolve failures leave a payment pending.
func (wallet *AdminWallet) UpdatePendingPayments(ctx context.Context) (PendingReport, error) {
	pending, err := wallet.pending.ListPendingPayments(ctx, wallet.settings.BatchSize)
	if err != nil {
		return PendingReport{}, err
	}
	cutoff := wallet.clock.Now().Add(-wallet.settings.MinPendingAge).Unix()

	var (
		mu     sync.Mutex
		report PendingReport
		group  errgroup.Group
	)
	record := func(apply func(report *PendingReport)) {
		mu.Lock()
		apply(&report)
		mu.Unlock()
	}
	group.SetLimit(wallet.settings.Concurrency)
	for _, payment := range pending {
		if payment.CreatedUnixUTC > cutoff {
			record(func(report *PendingReport) { report.Skipped++ })
			continue
		}
		if ctx.Err() != nil {
			break
		}
		payment := payment
		group.Go(func() error {
			record(func(report *PendingReport) { report.Examined++ })
			status, err := wallet.resolvePayment(ctx, payment)
			record(func(report *PendingReport) {
				switch {
				case err != nil:
					report.Errors++
				case status == ledger.PendingPaymentSettled:
					report.Settled++
				case status == ledger.PendingPaymentFailed:
					report.Failed++
				default:
					report.Unresolved++
				}
			})
			return nil
		})
	}
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}
	wallet.logger.Info("pending payments reconciled",
		zap.Int("examined", report.Examined),
		zap.Int("skipped", report.Skipped),
		zap.Int("settled", report.Settled),
		zap.Int("failed", report.Failed),
		zap.Int("unresolved", report.Unresolved),
		zap.Int("errors", report.Errors))
	return report, nil
}

func (wallet *AdminWallet) resolvePayment(ctx context.Context, payment ledger.PendingPayment) (ledger.PendingPaymentStatus, error) {
	update, err := wallet.network.QueryPayment(ctx, payment.Reference)
	if err != nil {
		wallet.logger.Warn("payment status query failed",
			zap.String("payment_hash", payment.Reference.String()),
			zap.Error(err))
		return ledger.PendingPaymentPending, err
	}
	resolution, err := wallet.resolver.Resolve(ctx, payment.Reference, update)
	if err != nil {
		wallet.logger.Error("pending payment resolution failed",
			zap.String("payment_hash", payment.Reference.String()),
			zap.Error(err))
		return ledger.PendingPaymentPending, err
	}
	return resolution.Status, nil
}

// RunOnce resolves pending payments then syncs escrow against what is still in flight.
func (wallet *AdminWallet) RunOnce(ctx context.Context) error {
	_, pendingErr := wallet.UpdatePendingPayments(ctx)
	_, escrowErr := wallet.UpdateEscrows(ctx)
	return errors.Join(pendingErr, escrowErr)
}

// Run calls RunOnce on every tick until ctx ends.
func (wallet *AdminWallet) Run(ctx context.Context, interval ticker.Ticker) error {
	interval.Resume()
	defer interval.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-interval.Ticks():
			if err := wallet.RunOnce(ctx); err != nil && ctx.Err() == nil {
				wallet.logger.Error("reconciliation cycle failed", zap.Error(err))
			}
		}
	}
}
