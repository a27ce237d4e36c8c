package lndclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/satledger/internal/payments"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
)

// InvoiceDecoder parses BOLT11 payment requests offline.
type InvoiceDecoder struct {
	params *chaincfg.Params
	clock  clock.Clock
}

// NewInvoiceDecoder accepts mainnet, testnet, regtest, simnet or signet.
func NewInvoiceDecoder(network string, decoderClock clock.Clock) (*InvoiceDecoder, error) {
	params, err := ChainParams(network)
	if err != nil {
		return nil, err
	}
	if decoderClock == nil {
		return nil, fmt.Errorf("%w: invoice decoder clock is nil", ledger.ErrInvalidServiceConfig)
	}
	return &InvoiceDecoder{params: params, clock: decoderClock}, nil
}

// ChainParams maps a network name to its chain parameters.
func ChainParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("%w: unknown bitcoin network %q", ledger.ErrInvalidServiceConfig, network)
	}
}

// DecodeInvoice rejects malformed, foreign-network, expired and sub-satoshi invoices.
func (decoder *InvoiceDecoder) DecodeInvoice(ctx context.Context, raw string) (payments.DecodedInvoice, error) {
	invoice, err := zpay32.Decode(strings.TrimSpace(raw), decoder.params)
	if err != nil {
		return payments.DecodedInvoice{}, fmt.Errorf("%w: %v", ledger.ErrInvalidInvoice, err)
	}
	if invoice.PaymentHash == nil {
		return payments.DecodedInvoice{}, fmt.Errorf("%w: missing payment hash", ledger.ErrInvalidInvoice)
	}
	expiresAt := invoice.Timestamp.Add(invoice.Expiry())
	if !decoder.clock.Now().Before(expiresAt) {
		return payments.DecodedInvoice{}, fmt.Errorf("%w: expired at %s", ledger.ErrInvalidInvoice, expiresAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	reference, err := ledger.NewPaymentReference(lntypes.Hash(*invoice.PaymentHash).String())
	if err != nil {
		return payments.DecodedInvoice{}, fmt.Errorf("%w: %v", ledger.ErrInvalidInvoice, err)
	}

	decoded := payments.DecodedInvoice{Reference: reference, ExpiresAt: expiresAt}
	if invoice.MilliSat != nil {
		milliSat := int64(*invoice.MilliSat)
		if milliSat%1000 != 0 {
			return payments.DecodedInvoice{}, fmt.Errorf("%w: amount of %d msat is not a whole satoshi", ledger.ErrInvalidInvoice, milliSat)
		}
		decoded.AmountSats = int64(invoice.MilliSat.ToSatoshis())
	}
	if invoice.Destination != nil {
		decoded.Destination = hex.EncodeToString(invoice.Destination.SerializeCompressed())
	}
	if invoice.Description != nil {
		decoded.Description = *invoice.Description
	}
	return decoded, nil
}
