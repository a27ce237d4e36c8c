package accounts

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/satledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
)

const (
	aliceWalletValue = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"
	bobWalletValue   = "9b2d6a8e-1c5f-4e7a-8d3b-2a6c4f1e0d9b"
)

func newSeededResolver(test *testing.T) *Resolver {
	test.Helper()
	store := memstore.New()
	aliceWallet, _ := ledger.NewWalletPublicID(aliceWalletValue)
	bobWallet, _ := ledger.NewWalletPublicID(bobWalletValue)
	aliceName, _ := ledger.NewUsername("alice")
	aliceID, _ := ledger.NewAccountID("acct-alice")
	bobID, _ := ledger.NewAccountID("acct-bob")
	seed := []ledger.Account{
		{AccountID: aliceID, WalletPublicID: aliceWallet, Username: aliceName, Currency: ledger.CurrencyBTC, Kind: ledger.AccountKindUser},
		{AccountID: bobID, WalletPublicID: bobWallet, Currency: ledger.CurrencyBTC, Kind: ledger.AccountKindUser},
	}
	for _, account := range seed {
		if err := store.CreateAccount(context.Background(), account); err != nil {
			test.Fatalf("seed: %v", err)
		}
	}
	resolver, err := NewResolver(store)
	if err != nil {
		test.Fatalf("resolver: %v", err)
	}
	return resolver
}

func TestResolveRawWallet(test *testing.T) {
	test.Parallel()
	resolver := newSeededResolver(test)
	testCases := []struct {
		name        string
		raw         string
		wantAccount string
		wantErr     error
	}{
		{name: "known wallet", raw: aliceWalletValue, wantAccount: "acct-alice"},
		{name: "upper-case wallet", raw: "3F2504E0-4F89-41D3-9A0C-0305E82C3301", wantAccount: "acct-alice"},
		{name: "malformed", raw: "wallet-1", wantErr: ledger.ErrInvalidIdentifier},
		{name: "unknown", raw: "0b6e1e3a-8c4d-4f2a-9e5b-7d1c3a2f6e8d", wantErr: ledger.ErrAccountNotFound},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			account, err := resolver.ResolveRawWallet(context.Background(), testCase.raw)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if err == nil && account.AccountID.String() != testCase.wantAccount {
				test.Fatalf("expected %s, got %s", testCase.wantAccount, account.AccountID.String())
			}
		})
	}
}

func TestResolveByUsername(test *testing.T) {
	test.Parallel()
	resolver := newSeededResolver(test)
	testCases := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "case insensitive", raw: "ALICE"},
		{name: "address-like", raw: "bc1alice", wantErr: ledger.ErrInvalidIdentifier},
		{name: "unknown", raw: "mallory", wantErr: ledger.ErrUsernameNotFound},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := resolver.ResolveByUsername(context.Background(), testCase.raw)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestUsernameForWallet(test *testing.T) {
	test.Parallel()
	resolver := newSeededResolver(test)
	aliceWallet, _ := ledger.NewWalletPublicID(aliceWalletValue)
	username, err := resolver.UsernameForWallet(context.Background(), aliceWallet)
	if err != nil || username.String() != "alice" {
		test.Fatalf("expected alice, got %q (%v)", username.String(), err)
	}
	bobWallet, _ := ledger.NewWalletPublicID(bobWalletValue)
	if _, err := resolver.UsernameForWallet(context.Background(), bobWallet); !errors.Is(err, ledger.ErrUsernameNotFound) {
		test.Fatalf("expected username not found, got %v", err)
	}
}
