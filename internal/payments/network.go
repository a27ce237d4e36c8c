package payments

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
)

// ErrNotDispatched means the node provably never started the payment, so held funds can be returned.
var ErrNotDispatched = errors.New("payment not dispatched")

// PaymentStatus is what the node knows about a payment.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentInFlight  PaymentStatus = "in_flight"
	PaymentUnknown   PaymentStatus = "unknown"
)

// Terminal reports whether the status is final.
func (status PaymentStatus) Terminal() bool {
	return status == PaymentSucceeded || status == PaymentFailed
}

// PaymentUpdate is a node-side payment state.
type PaymentUpdate struct {
	Status        PaymentStatus
	RoutingFee    ledger.SignedAmountSats
	Preimage      string
	FailureReason string
}

// PaymentRequest asks the node to pay an invoice.
type PaymentRequest struct {
	Invoice   string
	Reference ledger.PaymentReference
	// Amount is only sent for amountless invoices.
	Amount   ledger.PositiveAmountSats
	FeeLimit ledger.SignedAmountSats
	Timeout  time.Duration
}

// PaymentNetwork is the Lightning node the operator settles through.
type PaymentNetwork interface {
	SubmitPayment(ctx context.Context, request PaymentRequest) (PaymentUpdate, error)
	QueryPayment(ctx context.Context, reference ledger.PaymentReference) (PaymentUpdate, error)
	// ChannelBalance is the local channel balance in sats.
	ChannelBalance(ctx context.Context) (ledger.SignedAmountSats, error)
}

// DecodedInvoice is the part of a BOLT11 invoice the orchestrator uses.
type DecodedInvoice struct {
	Reference   ledger.PaymentReference
	AmountSats  int64
	Destination string
	Description string
	ExpiresAt   time.Time
}

// InvoiceDecoder parses and validates payment requests; expired or malformed ones fail with ledger.ErrInvalidInvoice.
type InvoiceDecoder interface {
	DecodeInvoice(ctx context.Context, raw string) (DecodedInvoice, error)
}
