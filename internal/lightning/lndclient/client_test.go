package lndclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/internal/payments"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testHash = "aa00000000000000000000000000000000000000000000000000000000000001"

type paymentStream struct {
	grpc.ClientStream
	updates []*lnrpc.Payment
	err     error
}

func (stream *paymentStream) Recv() (*lnrpc.Payment, error) {
	if len(stream.updates) == 0 {
		return nil, stream.err
	}
	next := stream.updates[0]
	stream.updates = stream.updates[1:]
	return next, nil
}

type fakeRouter struct {
	sendStream  *paymentStream
	sendErr     error
	trackStream *paymentStream
	trackErr    error
	sent        []*routerrpc.SendPaymentRequest
	tracked     []*routerrpc.TrackPaymentRequest
}

func (router *fakeRouter) SendPaymentV2(ctx context.Context, in *routerrpc.SendPaymentRequest, opts ...grpc.CallOption) (routerrpc.Router_SendPaymentV2Client, error) {
	router.sent = append(router.sent, in)
	if router.sendErr != nil {
		return nil, router.sendErr
	}
	return router.sendStream, nil
}

func (router *fakeRouter) TrackPaymentV2(ctx context.Context, in *routerrpc.TrackPaymentRequest, opts ...grpc.CallOption) (routerrpc.Router_TrackPaymentV2Client, error) {
	router.tracked = append(router.tracked, in)
	if router.trackErr != nil {
		return nil, router.trackErr
	}
	return router.trackStream, nil
}

type fakeLightning struct {
	response *lnrpc.ChannelBalanceResponse
	err      error
}

func (lightning fakeLightning) ChannelBalance(ctx context.Context, in *lnrpc.ChannelBalanceRequest, opts ...grpc.CallOption) (*lnrpc.ChannelBalanceResponse, error) {
	return lightning.response, lightning.err
}

func testRequest(test *testing.T) payments.PaymentRequest {
	test.Helper()
	reference, err := ledger.NewPaymentReference(testHash)
	require.NoError(test, err)
	return payments.PaymentRequest{Invoice: "lnbcrt1test", Reference: reference, FeeLimit: 25, Timeout: 20 * time.Second}
}

func TestSubmitPaymentReturnsFinalUpdate(test *testing.T) {
	router := &fakeRouter{sendStream: &paymentStream{updates: []*lnrpc.Payment{
		{Status: lnrpc.Payment_IN_FLIGHT},
		{Status: lnrpc.Payment_SUCCEEDED, FeeSat: 7, PaymentPreimage: "beef"},
	}}}
	client := New(fakeLightning{}, router)

	update, err := client.SubmitPayment(context.Background(), testRequest(test))
	require.NoError(test, err)
	require.Equal(test, payments.PaymentSucceeded, update.Status)
	require.Equal(test, ledger.SignedAmountSats(7), update.RoutingFee)
	require.Equal(test, "beef", update.Preimage)

	require.Len(test, router.sent, 1)
	require.Equal(test, int64(25), router.sent[0].FeeLimitSat)
	require.Equal(test, int32(20), router.sent[0].TimeoutSeconds)
	require.Zero(test, router.sent[0].Amt)
}

func TestSubmitPaymentSendsAmountForAmountlessInvoices(test *testing.T) {
	router := &fakeRouter{sendStream: &paymentStream{updates: []*lnrpc.Payment{{Status: lnrpc.Payment_FAILED, FailureReason: lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE}}}}
	client := New(fakeLightning{}, router, WithPaymentTimeout(45*time.Second))
	request := testRequest(test)
	request.Amount = 1500
	request.Timeout = 0

	update, err := client.SubmitPayment(context.Background(), request)
	require.NoError(test, err)
	require.Equal(test, payments.PaymentFailed, update.Status)
	require.Equal(test, "FAILURE_REASON_NO_ROUTE", update.FailureReason)
	require.Equal(test, int64(1500), router.sent[0].Amt)
	require.Equal(test, int32(45), router.sent[0].TimeoutSeconds)
}

func TestSubmitPaymentClassifiesErrors(test *testing.T) {
	testCases := []struct {
		name              string
		router            *fakeRouter
		wantNotDispatched bool
	}{
		{name: "node unreachable", router: &fakeRouter{sendErr: status.Error(codes.Unavailable, "connection refused")}, wantNotDispatched: true},
		{name: "rejected request", router: &fakeRouter{sendStream: &paymentStream{err: status.Error(codes.InvalidArgument, "invalid payment request")}}, wantNotDispatched: true},
		{name: "stream timeout", router: &fakeRouter{sendStream: &paymentStream{err: status.Error(codes.DeadlineExceeded, "deadline exceeded")}}},
		{name: "stream dropped after update", router: &fakeRouter{sendStream: &paymentStream{updates: []*lnrpc.Payment{{Status: lnrpc.Payment_IN_FLIGHT}}, err: status.Error(codes.InvalidArgument, "late")}}},
		{name: "unknown creation failure", router: &fakeRouter{sendErr: status.Error(codes.Internal, "boom")}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			client := New(fakeLightning{}, testCase.router)
			_, err := client.SubmitPayment(context.Background(), testRequest(test))
			require.Error(test, err)
			require.Equal(test, testCase.wantNotDispatched, errors.Is(err, payments.ErrNotDispatched))
		})
	}
}

func TestQueryPayment(test *testing.T) {
	reference, err := ledger.NewPaymentReference(testHash)
	require.NoError(test, err)

	testCases := []struct {
		name       string
		router     *fakeRouter
		wantStatus payments.PaymentStatus
		wantErr    bool
	}{
		{name: "settled", router: &fakeRouter{trackStream: &paymentStream{updates: []*lnrpc.Payment{{Status: lnrpc.Payment_SUCCEEDED, FeeSat: 2}}}}, wantStatus: payments.PaymentSucceeded},
		{name: "in flight", router: &fakeRouter{trackStream: &paymentStream{updates: []*lnrpc.Payment{{Status: lnrpc.Payment_IN_FLIGHT}}}}, wantStatus: payments.PaymentInFlight},
		{name: "never seen", router: &fakeRouter{trackStream: &paymentStream{err: status.Error(codes.NotFound, "payment isn't initiated")}}, wantStatus: payments.PaymentFailed},
		{name: "transport error", router: &fakeRouter{trackErr: status.Error(codes.Unavailable, "down")}, wantErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			client := New(fakeLightning{}, testCase.router)
			update, err := client.QueryPayment(context.Background(), reference)
			if testCase.wantErr {
				require.Error(test, err)
				return
			}
			require.NoError(test, err)
			require.Equal(test, testCase.wantStatus, update.Status)
			require.Len(test, testCase.router.tracked, 1)
			require.Len(test, testCase.router.tracked[0].PaymentHash, 32)
		})
	}
}

func TestChannelBalance(test *testing.T) {
	client := New(fakeLightning{response: &lnrpc.ChannelBalanceResponse{LocalBalance: &lnrpc.Amount{Sat: 123456}}}, &fakeRouter{})
	balance, err := client.ChannelBalance(context.Background())
	require.NoError(test, err)
	require.Equal(test, ledger.SignedAmountSats(123456), balance)

	failing := New(fakeLightning{err: status.Error(codes.Unavailable, "down")}, &fakeRouter{})
	_, err = failing.ChannelBalance(context.Background())
	require.Error(test, err)
}

func TestConfigValidate(test *testing.T) {
	require.Error(test, Config{}.Validate())
	require.NoError(test, Config{Host: "localhost:10009", TLSCertPath: "tls.cert", MacaroonPath: "admin.macaroon"}.Validate())
	_, err := Dial(Config{Host: "localhost:10009"})
	require.Error(test, err)
}
