package lndclient

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/internal/payments"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const reasonUnknownToNode = "payment unknown to node"

// SubmitPayment sends the payment and waits for a final status until ctx ends.
// Errors that prove lnd never accepted the request wrap payments.ErrNotDispatched.
func (client *Client) SubmitPayment(ctx context.Context, request payments.PaymentRequest) (payments.PaymentUpdate, error) {
	sendRequest := &routerrpc.SendPaymentRequest{
		PaymentRequest:    request.Invoice,
		FeeLimitSat:       request.FeeLimit.Int64(),
		TimeoutSeconds:    client.timeoutSeconds(request.Timeout),
		NoInflightUpdates: true,
	}
	if request.Amount > 0 {
		sendRequest.Amt = request.Amount.Int64()
	}
	stream, err := client.router.SendPaymentV2(ctx, sendRequest)
	if err != nil {
		if rejectedBeforeDispatch(err) {
			return payments.PaymentUpdate{}, fmt.Errorf("%w: %v", payments.ErrNotDispatched, err)
		}
		return payments.PaymentUpdate{}, fmt.Errorf("lnd send payment: %w", err)
	}

	latest := payments.PaymentUpdate{Status: payments.PaymentInFlight}
	received := false
	for {
		payment, err := stream.Recv()
		if err != nil {
			if !received && status.Code(err) == codes.InvalidArgument {
				return payments.PaymentUpdate{}, fmt.Errorf("%w: %v", payments.ErrNotDispatched, err)
			}
			client.logger.Warn("payment stream ended without final status",
				zap.String("payment_hash", request.Reference.String()),
				zap.Bool("updates_received", received),
				zap.Error(err))
			return latest, fmt.Errorf("lnd payment stream: %w", err)
		}
		received = true
		update := paymentUpdate(payment)
		if update.Status.Terminal() {
			return update, nil
		}
		latest = update
	}
}

// QueryPayment reads the node's current view of a payment. A hash lnd has never seen resolves as failed.
func (client *Client) QueryPayment(ctx context.Context, reference ledger.PaymentReference) (payments.PaymentUpdate, error) {
	hash, err := lntypes.MakeHashFromStr(reference.String())
	if err != nil {
		return payments.PaymentUpdate{}, fmt.Errorf("%w: %v", ledger.ErrInvalidPaymentReference, err)
	}
	trackCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := client.router.TrackPaymentV2(trackCtx, &routerrpc.TrackPaymentRequest{PaymentHash: hash[:]})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return payments.PaymentUpdate{Status: payments.PaymentFailed, FailureReason: reasonUnknownToNode}, nil
		}
		return payments.PaymentUpdate{}, fmt.Errorf("lnd track payment: %w", err)
	}
	payment, err := stream.Recv()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return payments.PaymentUpdate{Status: payments.PaymentFailed, FailureReason: reasonUnknownToNode}, nil
		}
		return payments.PaymentUpdate{}, fmt.Errorf("lnd track payment: %w", err)
	}
	return paymentUpdate(payment), nil
}

// ChannelBalance returns the local balance across open channels.
func (client *Client) ChannelBalance(ctx context.Context) (ledger.SignedAmountSats, error) {
	response, err := client.lightning.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return 0, fmt.Errorf("lnd channel balance: %w", err)
	}
	return ledger.SignedAmountSats(response.GetLocalBalance().GetSat()), nil
}

func (client *Client) timeoutSeconds(timeout time.Duration) int32 {
	if timeout <= 0 {
		timeout = client.paymentTimeout
	}
	seconds := int32(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func paymentUpdate(payment *lnrpc.Payment) payments.PaymentUpdate {
	update := payments.PaymentUpdate{
		RoutingFee: ledger.SignedAmountSats(payment.GetFeeSat()),
		Preimage:   payment.GetPaymentPreimage(),
	}
	switch payment.GetStatus() {
	case lnrpc.Payment_SUCCEEDED:
		update.Status = payments.PaymentSucceeded
	case lnrpc.Payment_FAILED:
		update.Status = payments.PaymentFailed
		update.FailureReason = payment.GetFailureReason().String()
	case lnrpc.Payment_IN_FLIGHT, lnrpc.Payment_INITIATED:
		update.Status = payments.PaymentInFlight
	default:
		update.Status = payments.PaymentUnknown
	}
	return update
}

// rejectedBeforeDispatch is true for transport and auth failures where the request never reached the router.
func rejectedBeforeDispatch(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument:
		return true
	default:
		return false
	}
}
