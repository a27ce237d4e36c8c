package ledger

import (
	"fmt"
	"strings"
)

// PendingPaymentStatus is the lifecycle of a dispatched Lightning payment.
type PendingPaymentStatus string

const (
	PendingPaymentPending PendingPaymentStatus = "pending"
	PendingPaymentSettled PendingPaymentStatus = "settled"
	PendingPaymentFailed  PendingPaymentStatus = "failed"
)

// ParsePendingPaymentStatus validates a status string.
func ParsePendingPaymentStatus(raw string) (PendingPaymentStatus, error) {
	status := PendingPaymentStatus(strings.TrimSpace(raw))
	switch status {
	case PendingPaymentPending, PendingPaymentSettled, PendingPaymentFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPendingPaymentStatus, raw)
	}
}

// String returns the status name.
func (status PendingPaymentStatus) String() string {
	return string(status)
}

// PendingPayment tracks a Lightning payment whose outcome the ledger does not know yet.
type PendingPayment struct {
	Reference                PaymentReference
	AccountID                AccountID
	Amount                   PositiveAmountSats
	FeeReserve               SignedAmountSats
	Currency                 Currency
	Status                   PendingPaymentStatus
	Memo                     Memo
	ProvisionalTransactionID TransactionID
	FinalTransactionID       TransactionID
	RoutingFee               SignedAmountSats
	CreatedUnixUTC           int64
	ResolvedUnixUTC          int64
}

// Held is the total removed from the payer while the payment is pending.
func (payment PendingPayment) Held() SignedAmountSats {
	return payment.Amount.Credit() + payment.FeeReserve
}

// PaymentResolution carries what a pending payment resolved to.
type PaymentResolution struct {
	Status             PendingPaymentStatus
	FinalTransactionID TransactionID
	RoutingFee         SignedAmountSats
	ResolvedUnixUTC    int64
}

// RewardGrant marks that a named reward was credited to an account.
type RewardGrant struct {
	AccountID      AccountID
	RewardID       RewardID
	Amount         PositiveAmountSats
	TransactionID  TransactionID
	CreatedUnixUTC int64
}
