package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/internal/accounts"
	"github.com/MarkoPoloResearchLab/satledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/satledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	aliceWallet = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"
	bobWallet   = "9b2d6a8e-1c5f-4e7a-8d3b-2a6c4f1e0d9b"
	invoiceOK   = "lnbc10u1valid"
	hashOK      = "1111111111111111111111111111111111111111111111111111111111111111"
	invoiceOpen = "lnbc1open"
	hashOpen    = "2222222222222222222222222222222222222222222222222222222222222222"
)

var testNow = time.Unix(1700000000, 0)

type fakeNetwork struct {
	mu        sync.Mutex
	update    PaymentUpdate
	err       error
	submitted []PaymentRequest
	queried   map[string]PaymentUpdate
	queryErr  error
	balance   ledger.SignedAmountSats
}

func (network *fakeNetwork) SubmitPayment(ctx context.Context, request PaymentRequest) (PaymentUpdate, error) {
	network.mu.Lock()
	defer network.mu.Unlock()
	network.submitted = append(network.submitted, request)
	return network.update, network.err
}

func (network *fakeNetwork) QueryPayment(ctx context.Context, reference ledger.PaymentReference) (PaymentUpdate, error) {
	network.mu.Lock()
	defer network.mu.Unlock()
	if network.queryErr != nil {
		return PaymentUpdate{}, network.queryErr
	}
	update, known := network.queried[reference.String()]
	if !known {
		return PaymentUpdate{Status: PaymentUnknown}, nil
	}
	return update, nil
}

func (network *fakeNetwork) ChannelBalance(ctx context.Context) (ledger.SignedAmountSats, error) {
	return network.balance, nil
}

type fakeDecoder struct {
	invoices map[string]DecodedInvoice
}

func (decoder fakeDecoder) DecodeInvoice(ctx context.Context, raw string) (DecodedInvoice, error) {
	invoice, known := decoder.invoices[raw]
	if !known {
		return DecodedInvoice{}, fmt.Errorf("%w: %s", ledger.ErrInvalidInvoice, raw)
	}
	return invoice, nil
}

type paymentFixture struct {
	store        *memstore.Store
	service      *ledger.Service
	system       ledger.SystemAccounts
	network      *fakeNetwork
	settler      *Settler
	orchestrator *Orchestrator
	dependencies Dependencies
	alice        ledger.AccountID
	bob          ledger.AccountID
}

type fixtureConfig struct {
	fees     FeePolicy
	policies map[ratelimit.Kind]ratelimit.Policy
}

func newPaymentFixture(test *testing.T, config fixtureConfig) paymentFixture {
	test.Helper()
	store := memstore.New()
	service, err := ledger.NewService(store, clock.NewTestClock(testNow))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	system := ledger.DefaultSystemAccounts()
	if err := service.EnsureSystemAccounts(context.Background(), system, ledger.CurrencyBTC); err != nil {
		test.Fatalf("system accounts: %v", err)
	}
	alice := seedUser(test, store, "acct-alice", aliceWallet, "alice")
	bob := seedUser(test, store, "acct-bob", bobWallet, "bob_1")

	resolver, err := accounts.NewResolver(store)
	if err != nil {
		test.Fatalf("resolver: %v", err)
	}
	policies := config.policies
	if policies == nil {
		policies = map[ratelimit.Kind]ratelimit.Policy{
			ratelimit.KindIntraledger: {Ceiling: 1000, Window: time.Hour},
			ratelimit.KindWithdrawal:  {Ceiling: 1000, Window: time.Hour},
		}
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.NewMemoryCounters(clock.NewTestClock(testNow)), policies)
	if err != nil {
		test.Fatalf("limiter: %v", err)
	}
	settler, err := NewSettler(service, store, system)
	if err != nil {
		test.Fatalf("settler: %v", err)
	}
	reference, _ := ledger.NewPaymentReference(hashOK)
	openReference, _ := ledger.NewPaymentReference(hashOpen)
	network := &fakeNetwork{update: PaymentUpdate{Status: PaymentSucceeded}, queried: make(map[string]PaymentUpdate)}
	decoder := fakeDecoder{invoices: map[string]DecodedInvoice{
		invoiceOK:   {Reference: reference, AmountSats: 1000},
		invoiceOpen: {Reference: openReference},
	}}
	dependencies := Dependencies{
		Ledger:   service,
		Resolver: resolver,
		Limiter:  limiter,
		Settler:  settler,
		Network:  network,
		Decoder:  decoder,
	}
	orchestrator, err := NewOrchestrator(dependencies, Settings{System: system, Fees: config.fees, DispatchTimeout: time.Second})
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	return paymentFixture{
		store:        store,
		service:      service,
		system:       system,
		network:      network,
		settler:      settler,
		orchestrator: orchestrator,
		dependencies: dependencies,
		alice:        alice,
		bob:          bob,
	}
}

func seedUser(test *testing.T, store *memstore.Store, rawID string, rawWallet string, rawUsername string) ledger.AccountID {
	test.Helper()
	accountID, _ := ledger.NewAccountID(rawID)
	walletID, err := ledger.NewWalletPublicID(rawWallet)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	username, _ := ledger.NewUsername(rawUsername)
	account := ledger.Account{AccountID: accountID, WalletPublicID: walletID, Username: username, Currency: ledger.CurrencyBTC, Kind: ledger.AccountKindUser}
	if err := store.CreateAccount(context.Background(), account); err != nil {
		test.Fatalf("seed user: %v", err)
	}
	return accountID
}

func (fixture paymentFixture) fund(test *testing.T, accountID ledger.AccountID, amount ledger.SignedAmountSats) {
	test.Helper()
	_, err := fixture.service.Commit(context.Background(), ledger.NewTransactionCandidate(
		ledger.EntryInput{AccountID: fixture.system.RewardSource, Amount: -amount, Currency: ledger.CurrencyBTC, Type: ledger.EntryReward},
		ledger.EntryInput{AccountID: accountID, Amount: amount, Currency: ledger.CurrencyBTC, Type: ledger.EntryReward},
	))
	if err != nil {
		test.Fatalf("fund: %v", err)
	}
}

func (fixture paymentFixture) balance(test *testing.T, accountID ledger.AccountID) ledger.SignedAmountSats {
	test.Helper()
	balance, err := fixture.service.BalanceOf(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance.Amount
}

func (fixture paymentFixture) assertBalancedJournal(test *testing.T) {
	test.Helper()
	report, err := fixture.service.CheckGlobalBalance(context.Background())
	if err != nil || !report.Balanced {
		test.Fatalf("journal out of balance: %+v (%v)", report, err)
	}
}

// lockRecorder passes sessions through to the ledger and remembers every lock set.
type lockRecorder struct {
	Ledger
	mu   sync.Mutex
	sets [][]ledger.AccountID
}

func (recorder *lockRecorder) WithLockedAccounts(ctx context.Context, accountIDs []ledger.AccountID, fn func(ctx context.Context, session *ledger.Session) error) error {
	recorder.mu.Lock()
	recorder.sets = append(recorder.sets, append([]ledger.AccountID(nil), accountIDs...))
	recorder.mu.Unlock()
	return recorder.Ledger.WithLockedAccounts(ctx, accountIDs, fn)
}
