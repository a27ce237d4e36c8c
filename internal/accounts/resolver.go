package accounts

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
)

const (
	operationResolve     = "resolve"
	errorSubjectWallet   = "wallet"
	errorSubjectUsername = "username"
	errorCodeInvalid     = "invalid"
	errorCodeLookup      = "lookup"
	errorCodeNoUsername  = "no_username"
)

// Directory is the read side of the account store the resolver needs.
type Directory interface {
	FindAccountByPublicID(ctx context.Context, walletPublicID ledger.WalletPublicID) (ledger.Account, error)
	FindAccountByUsername(ctx context.Context, username ledger.Username) (ledger.Account, error)
}

// Resolver maps external wallet identifiers to ledger accounts. It never writes.
type Resolver struct {
	directory Directory
}

// NewResolver wires a Resolver over a Directory.
func NewResolver(directory Directory) (*Resolver, error) {
	if directory == nil {
		return nil, fmt.Errorf("%w: account directory is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Resolver{directory: directory}, nil
}

// ResolvePublicID validates raw wallet id syntax without touching storage.
func (resolver *Resolver) ResolvePublicID(raw string) (ledger.WalletPublicID, error) {
	walletPublicID, err := ledger.NewWalletPublicID(raw)
	if err != nil {
		return ledger.WalletPublicID{}, ledger.WrapError(operationResolve, errorSubjectWallet, errorCodeInvalid, err)
	}
	return walletPublicID, nil
}

// ResolveWallet returns the account behind a wallet id.
func (resolver *Resolver) ResolveWallet(ctx context.Context, walletPublicID ledger.WalletPublicID) (ledger.Account, error) {
	account, err := resolver.directory.FindAccountByPublicID(ctx, walletPublicID)
	if err != nil {
		return ledger.Account{}, ledger.WrapError(operationResolve, errorSubjectWallet, errorCodeLookup, err)
	}
	return account, nil
}

// ResolveRawWallet validates and resolves in one step.
func (resolver *Resolver) ResolveRawWallet(ctx context.Context, raw string) (ledger.Account, error) {
	walletPublicID, err := resolver.ResolvePublicID(raw)
	if err != nil {
		return ledger.Account{}, err
	}
	return resolver.ResolveWallet(ctx, walletPublicID)
}

// ResolveByUsername validates the username and returns its account.
func (resolver *Resolver) ResolveByUsername(ctx context.Context, raw string) (ledger.Account, error) {
	username, err := ledger.NewUsername(raw)
	if err != nil {
		return ledger.Account{}, ledger.WrapError(operationResolve, errorSubjectUsername, errorCodeInvalid, err)
	}
	account, err := resolver.directory.FindAccountByUsername(ctx, username)
	if err != nil {
		return ledger.Account{}, ledger.WrapError(operationResolve, errorSubjectUsername, errorCodeLookup, err)
	}
	return account, nil
}

// UsernameForWallet returns the username registered for a wallet.
func (resolver *Resolver) UsernameForWallet(ctx context.Context, walletPublicID ledger.WalletPublicID) (ledger.Username, error) {
	account, err := resolver.ResolveWallet(ctx, walletPublicID)
	if err != nil {
		return ledger.Username{}, err
	}
	if account.Username.IsZero() {
		return ledger.Username{}, ledger.WrapError(operationResolve, errorSubjectUsername, errorCodeNoUsername,
			fmt.Errorf("%w: wallet %s has no username", ledger.ErrUsernameNotFound, walletPublicID.String()))
	}
	return account.Username, nil
}
