package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	operationIntraledger   = "intraledger_send"
	operationLightning     = "lightning_send"
	operationResolve       = "resolve_payment"
	errorSubjectPayment    = "payment"
	errorSubjectAccount    = "account"
	errorSubjectInvoice    = "invoice"
	errorCodeInvalid       = "invalid"
	errorCodeSelf          = "self_payment"
	errorCodeFunds         = "insufficient_funds"
	errorCodeDuplicate     = "duplicate"
	errorCodeNetwork       = "network"
	defaultDispatchTimeout = 30 * time.Second
)

// ResultStatus is the caller-facing payment outcome.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	// ResultPending means the payment was initiated and will be resolved by reconciliation.
	ResultPending ResultStatus = "pending"
)

// PaymentResult is returned by every send operation.
type PaymentResult struct {
	Status        ResultStatus
	TransactionID ledger.TransactionID
	Reference     ledger.PaymentReference
	Fee           ledger.SignedAmountSats
}

// IntraledgerRequest moves sats between two wallets of this ledger.
type IntraledgerRequest struct {
	SenderWalletID    string
	RecipientWalletID string
	AmountSats        int64
	Memo              string
}

// UsernamePaymentRequest addresses the recipient by username.
type UsernamePaymentRequest struct {
	SenderWalletID    string
	RecipientUsername string
	AmountSats        int64
	Memo              string
}

// LightningRequest pays a BOLT11 invoice. AmountSats is required only for amountless invoices.
type LightningRequest struct {
	SenderWalletID string
	Invoice        string
	AmountSats     int64
	Memo           string
}

// WalletResolver maps wallet identifiers to accounts.
type WalletResolver interface {
	ResolveRawWallet(ctx context.Context, raw string) (ledger.Account, error)
	ResolveByUsername(ctx context.Context, raw string) (ledger.Account, error)
}

// RateLimiter guards send attempts per account.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, accountID ledger.AccountID, kind ratelimit.Kind) error
}

// Dependencies are the collaborators of an Orchestrator. Network and Decoder may be nil when Lightning is disabled.
type Dependencies struct {
	Ledger   Ledger
	Resolver WalletResolver
	Limiter  RateLimiter
	Settler  *Settler
	Network  PaymentNetwork
	Decoder  InvoiceDecoder
}

// Settings are the tunables of an Orchestrator.
type Settings struct {
	System          ledger.SystemAccounts
	Fees            FeePolicy
	DispatchTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithOutcomeHook observes every send attempt by payment type and outcome code.
func WithOutcomeHook(hook func(paymentType ledger.EntryType, outcome string)) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.onOutcome = hook
	}
}

// Orchestrator executes user payments end to end.
type Orchestrator struct {
	ledger    Ledger
	resolver  WalletResolver
	limiter   RateLimiter
	settler   *Settler
	network   PaymentNetwork
	decoder   InvoiceDecoder
	settings  Settings
	logger    *zap.Logger
	onOutcome func(paymentType ledger.EntryType, outcome string)
}

// NewOrchestrator validates dependencies and settings.
func NewOrchestrator(dependencies Dependencies, settings Settings, options ...Option) (*Orchestrator, error) {
	if dependencies.Ledger == nil || dependencies.Resolver == nil || dependencies.Limiter == nil || dependencies.Settler == nil {
		return nil, fmt.Errorf("%w: orchestrator dependencies are nil", ledger.ErrInvalidServiceConfig)
	}
	if err := settings.System.Validate(); err != nil {
		return nil, err
	}
	if err := settings.Fees.Validate(); err != nil {
		return nil, err
	}
	if settings.DispatchTimeout <= 0 {
		settings.DispatchTimeout = defaultDispatchTimeout
	}
	orchestrator := &Orchestrator{
		ledger:   dependencies.Ledger,
		resolver: dependencies.Resolver,
		limiter:  dependencies.Limiter,
		settler:  dependencies.Settler,
		network:  dependencies.Network,
		decoder:  dependencies.Decoder,
		settings: settings,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// SendIntraledger pays another wallet of this ledger.
func (orchestrator *Orchestrator) SendIntraledger(ctx context.Context, request IntraledgerRequest) (PaymentResult, error) {
	sender, err := orchestrator.resolver.ResolveRawWallet(ctx, request.SenderWalletID)
	if err != nil {
		return orchestrator.fail(ledger.EntryIntraledger, err)
	}
	recipient, err := orchestrator.resolver.ResolveRawWallet(ctx, request.RecipientWalletID)
	if err != nil {
		return orchestrator.fail(ledger.EntryIntraledger, err)
	}
	return orchestrator.sendIntraledger(ctx, sender, recipient, request.AmountSats, request.Memo)
}

// SendIntraledgerToUsername pays the wallet registered under a username.
func (orchestrator *Orchestrator) SendIntraledgerToUsername(ctx context.Context, request UsernamePaymentRequest) (PaymentResult, error) {
	sender, err := orchestrator.resolver.ResolveRawWallet(ctx, request.SenderWalletID)
	if err != nil {
		return orchestrator.fail(ledger.EntryIntraledger, err)
	}
	recipient, err := orchestrator.resolver.ResolveByUsername(ctx, request.RecipientUsername)
	if err != nil {
		return orchestrator.fail(ledger.EntryIntraledger, err)
	}
	return orchestrator.sendIntraledger(ctx, sender, recipient, request.AmountSats, request.Memo)
}

func (orchestrator *Orchestrator) sendIntraledger(ctx context.Context, sender ledger.Account, recipient ledger.Account, rawAmount int64, rawMemo string) (PaymentResult, error) {
	amount, err := ledger.NewPositiveAmountSats(rawAmount)
	if err != nil {
		return orchestrator.fail(ledger.EntryIntraledger, ledger.WrapError(operationIntraledger, errorSubjectPayment, errorCodeInvalid, err))
	}
	memo, err := ledger.NewMemo(rawMemo)
	if err != nil {
		return orchestrator.fail(ledger.EntryIntraledger, ledger.WrapError(operationIntraledger, errorSubjectPayment, errorCodeInvalid, err))
	}
	if sender.AccountID == recipient.AccountID {
		return orchestrator.fail(ledger.EntryIntraledger, ledger.WrapError(operationIntraledger, errorSubjectAccount, errorCodeSelf, ledger.ErrSelfPayment))
	}
	if sender.Currency != recipient.Currency {
		return orchestrator.fail(ledger.EntryIntraledger, ledger.WrapError(operationIntraledger, errorSubjectAccount, errorCodeInvalid,
			fmt.Errorf("%w: %s to %s", ledger.ErrCurrencyMismatch, sender.Currency, recipient.Currency)))
	}
	fee, err := orchestrator.settings.Fees.IntraledgerFee(amount)
	if err != nil {
		return orchestrator.fail(ledger.EntryIntraledger, ledger.WrapError(operationIntraledger, errorSubjectPayment, errorCodeInvalid, err))
	}
	if fee >= amount.Credit() {
		return orchestrator.fail(ledger.EntryIntraledger, ledger.WrapError(operationIntraledger, errorSubjectPayment, errorCodeInvalid,
			fmt.Errorf("%w: fee %d consumes the whole amount", ledger.ErrInvalidAmount, fee)))
	}
	feeAccount := orchestrator.settings.System.Fee

	var transactionID ledger.TransactionID
	err = orchestrator.ledger.WithLockedAccounts(ctx, []ledger.AccountID{sender.AccountID, recipient.AccountID}, func(ctx context.Context, session *ledger.Session) error {
		if err := requireFunds(ctx, session, sender.AccountID, amount.Credit(), operationIntraledger); err != nil {
			return err
		}
		if err := orchestrator.limiter.CheckAndIncrement(ctx, sender.AccountID, ratelimit.KindIntraledger); err != nil {
			return err
		}
		lines := []ledger.EntryInput{
			{AccountID: sender.AccountID, Amount: amount.Debit(), Currency: sender.Currency, Type: ledger.EntryIntraledger, Memo: memo, Counterparty: recipient.AccountID},
			{AccountID: recipient.AccountID, Amount: amount.Credit() - fee, Currency: recipient.Currency, Type: ledger.EntryIntraledger, Memo: memo, Counterparty: sender.AccountID},
		}
		if fee > 0 {
			lines = append(lines, ledger.EntryInput{AccountID: feeAccount, Amount: fee, Currency: sender.Currency, Type: ledger.EntryFee, Memo: memo, Counterparty: sender.AccountID})
		}
		committedID, err := session.Commit(ctx, ledger.NewTransactionCandidate(lines...))
		if err != nil {
			return err
		}
		transactionID = committedID
		return nil
	})
	if err != nil {
		return orchestrator.fail(ledger.EntryIntraledger, err)
	}
	orchestrator.logger.Info("intraledger payment",
		zap.String("sender", sender.AccountID.String()),
		zap.String("recipient", recipient.AccountID.String()),
		zap.Int64("amount_sats", amount.Int64()),
		zap.Int64("fee_sats", fee.Int64()),
		zap.String("transaction_id", transactionID.String()))
	orchestrator.observe(ledger.EntryIntraledger, string(ResultSuccess))
	return PaymentResult{Status: ResultSuccess, TransactionID: transactionID, Fee: fee}, nil
}

// SendLightning pays a Lightning invoice from the sender's balance.
// Funds plus a routing reserve move to the in-flight account before dispatch;
// the final entries are written once the node reports a final status.
// Only the sender is locked; the in-flight account is a system account.
func (orchestrator *Orchestrator) SendLightning(ctx context.Context, request LightningRequest) (PaymentResult, error) {
	if orchestrator.network == nil || orchestrator.decoder == nil {
		return orchestrator.fail(ledger.EntryLightning, ledger.WrapError(operationLightning, errorSubjectPayment, errorCodeNetwork,
			fmt.Errorf("%w: lightning is not configured", ledger.ErrPaymentNetwork)))
	}
	sender, err := orchestrator.resolver.ResolveRawWallet(ctx, request.SenderWalletID)
	if err != nil {
		return orchestrator.fail(ledger.EntryLightning, err)
	}
	invoice, err := orchestrator.decoder.DecodeInvoice(ctx, request.Invoice)
	if err != nil {
		return orchestrator.fail(ledger.EntryLightning, ledger.WrapError(operationLightning, errorSubjectInvoice, errorCodeInvalid, err))
	}
	amount, amountless, err := invoiceAmount(invoice, request.AmountSats)
	if err != nil {
		return orchestrator.fail(ledger.EntryLightning, ledger.WrapError(operationLightning, errorSubjectPayment, errorCodeInvalid, err))
	}
	memo, err := ledger.NewMemo(request.Memo)
	if err != nil {
		return orchestrator.fail(ledger.EntryLightning, ledger.WrapError(operationLightning, errorSubjectPayment, errorCodeInvalid, err))
	}
	reserve, err := orchestrator.settings.Fees.RoutingReserve(amount)
	if err != nil {
		return orchestrator.fail(ledger.EntryLightning, ledger.WrapError(operationLightning, errorSubjectPayment, errorCodeInvalid, err))
	}
	held, err := ledger.AddAmounts(amount.Credit(), reserve)
	if err != nil {
		return orchestrator.fail(ledger.EntryLightning, ledger.WrapError(operationLightning, errorSubjectPayment, errorCodeInvalid, err))
	}
	inFlight := orchestrator.settings.System.InFlight

	err = orchestrator.ledger.WithLockedAccounts(ctx, []ledger.AccountID{sender.AccountID}, func(ctx context.Context, session *ledger.Session) error {
		if err := requireFunds(ctx, session, sender.AccountID, held, operationLightning); err != nil {
			return err
		}
		if err := orchestrator.limiter.CheckAndIncrement(ctx, sender.AccountID, ratelimit.KindWithdrawal); err != nil {
			return err
		}
		transactionID, err := session.Commit(ctx, ledger.NewTransactionCandidate(
			ledger.EntryInput{AccountID: sender.AccountID, Amount: held.Negated(), Currency: sender.Currency, Type: ledger.EntryLightning, Memo: memo},
			ledger.EntryInput{AccountID: inFlight, Amount: held, Currency: sender.Currency, Type: ledger.EntryLightning, Memo: memo, Counterparty: sender.AccountID},
		))
		if err != nil {
			return err
		}
		err = session.Store().CreatePendingPayment(ctx, ledger.PendingPayment{
			Reference:                invoice.Reference,
			AccountID:                sender.AccountID,
			Amount:                   amount,
			FeeReserve:               reserve,
			Currency:                 sender.Currency,
			Status:                   ledger.PendingPaymentPending,
			Memo:                     memo,
			ProvisionalTransactionID: transactionID,
			CreatedUnixUTC:           session.Now(),
		})
		if errors.Is(err, ledger.ErrPendingPaymentExists) {
			return ledger.WrapError(operationLightning, errorSubjectPayment, errorCodeDuplicate,
				fmt.Errorf("%w: %s", ledger.ErrPaymentAlreadyInitiated, invoice.Reference.String()))
		}
		return err
	})
	if err != nil {
		return orchestrator.fail(ledger.EntryLightning, err)
	}

	paymentRequest := PaymentRequest{Invoice: request.Invoice, Reference: invoice.Reference, FeeLimit: reserve, Timeout: orchestrator.settings.DispatchTimeout}
	if amountless {
		paymentRequest.Amount = amount
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, orchestrator.settings.DispatchTimeout)
	update, dispatchErr := orchestrator.network.SubmitPayment(dispatchCtx, paymentRequest)
	cancel()

	pending := PaymentResult{Status: ResultPending, Reference: invoice.Reference}
	switch {
	case errors.Is(dispatchErr, ErrNotDispatched):
		if _, err := orchestrator.settler.Resolve(ctx, invoice.Reference, PaymentUpdate{Status: PaymentFailed, FailureReason: dispatchErr.Error()}); err != nil {
			orchestrator.logger.Error("reverting undispatched payment failed", zap.String("payment_hash", invoice.Reference.String()), zap.Error(err))
			return orchestrator.pending(pending)
		}
		return orchestrator.fail(ledger.EntryLightning, ledger.WrapError(operationLightning, errorSubjectPayment, errorCodeNetwork,
			fmt.Errorf("%w: %v", ledger.ErrPaymentNetwork, dispatchErr)))
	case dispatchErr != nil:
		orchestrator.logger.Warn("payment outcome unknown, left pending",
			zap.String("payment_hash", invoice.Reference.String()),
			zap.Error(dispatchErr))
		return orchestrator.pending(pending)
	case !update.Status.Terminal():
		return orchestrator.pending(pending)
	}

	resolution, err := orchestrator.settler.Resolve(ctx, invoice.Reference, update)
	if err != nil {
		orchestrator.logger.Error("resolving payment failed, left pending", zap.String("payment_hash", invoice.Reference.String()), zap.Error(err))
		return orchestrator.pending(pending)
	}
	if resolution.Status == ledger.PendingPaymentFailed {
		return orchestrator.fail(ledger.EntryLightning, ledger.WrapError(operationLightning, errorSubjectPayment, errorCodeNetwork,
			fmt.Errorf("%w: %s", ledger.ErrPaymentNetwork, update.FailureReason)))
	}
	orchestrator.logger.Info("lightning payment",
		zap.String("sender", sender.AccountID.String()),
		zap.String("payment_hash", invoice.Reference.String()),
		zap.Int64("amount_sats", amount.Int64()),
		zap.Int64("routing_fee_sats", resolution.RoutingFee.Int64()))
	orchestrator.observe(ledger.EntryLightning, string(ResultSuccess))
	return PaymentResult{Status: ResultSuccess, TransactionID: resolution.FinalTransactionID, Reference: invoice.Reference, Fee: resolution.RoutingFee}, nil
}

func invoiceAmount(invoice DecodedInvoice, requested int64) (ledger.PositiveAmountSats, bool, error) {
	if invoice.AmountSats == 0 {
		amount, err := ledger.NewPositiveAmountSats(requested)
		return amount, true, err
	}
	if requested != 0 && requested != invoice.AmountSats {
		return 0, false, fmt.Errorf("%w: invoice is for %d sats, request is for %d", ledger.ErrInvalidAmount, invoice.AmountSats, requested)
	}
	amount, err := ledger.NewPositiveAmountSats(invoice.AmountSats)
	return amount, false, err
}

func requireFunds(ctx context.Context, session *ledger.Session, accountID ledger.AccountID, needed ledger.SignedAmountSats, operation string) error {
	balance, err := session.Balance(ctx, accountID)
	if err != nil {
		return err
	}
	if balance.Amount < needed {
		return ledger.WrapError(operation, errorSubjectAccount, errorCodeFunds,
			fmt.Errorf("%w: balance %d, needed %d", ledger.ErrInsufficientFunds, balance.Amount, needed))
	}
	return nil
}

func (orchestrator *Orchestrator) pending(result PaymentResult) (PaymentResult, error) {
	orchestrator.observe(ledger.EntryLightning, string(ResultPending))
	return result, nil
}

func (orchestrator *Orchestrator) fail(paymentType ledger.EntryType, err error) (PaymentResult, error) {
	description := ledger.Describe(err)
	if errors.Is(err, ledger.ErrUnbalancedTransaction) {
		orchestrator.logger.Error("payment rejected by ledger", zap.String("type", paymentType.String()), zap.Error(err))
	} else {
		orchestrator.logger.Debug("payment rejected", zap.String("type", paymentType.String()), zap.String("code", description.Code), zap.Error(err))
	}
	orchestrator.observe(paymentType, description.Code)
	return PaymentResult{}, err
}

func (orchestrator *Orchestrator) observe(paymentType ledger.EntryType, outcome string) {
	if orchestrator.onOutcome != nil {
		orchestrator.onOutcome(paymentType, outcome)
	}
}
