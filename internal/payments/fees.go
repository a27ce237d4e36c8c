package payments

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
)

const basisPointsDenominator = 10000

// FeePolicy prices intraledger transfers and sizes the Lightning routing fee reserve.
type FeePolicy struct {
	IntraledgerFlatSats    int64
	IntraledgerBasisPoints int64
	ReserveFlatSats        int64
	ReserveBasisPoints     int64
}

// Validate rejects negative settings, flat fees beyond the sat supply and rates above 100%.
func (policy FeePolicy) Validate() error {
	if policy.IntraledgerFlatSats < 0 || policy.IntraledgerBasisPoints < 0 || policy.ReserveFlatSats < 0 || policy.ReserveBasisPoints < 0 {
		return fmt.Errorf("%w: fee settings must not be negative", ledger.ErrInvalidServiceConfig)
	}
	if policy.IntraledgerFlatSats > ledger.MaxAmountSats || policy.ReserveFlatSats > ledger.MaxAmountSats {
		return fmt.Errorf("%w: flat fees must not exceed %d sats", ledger.ErrInvalidServiceConfig, int64(ledger.MaxAmountSats))
	}
	if policy.IntraledgerBasisPoints > basisPointsDenominator || policy.ReserveBasisPoints > basisPointsDenominator {
		return fmt.Errorf("%w: fee rates must not exceed %d basis points", ledger.ErrInvalidServiceConfig, basisPointsDenominator)
	}
	return nil
}

// IntraledgerFee is deducted from the amount the recipient receives. Rounds down.
func (policy FeePolicy) IntraledgerFee(amount ledger.PositiveAmountSats) (ledger.SignedAmountSats, error) {
	proportional, err := scaleBasisPoints(amount, policy.IntraledgerBasisPoints, false)
	if err != nil {
		return 0, err
	}
	return ledger.AddAmounts(ledger.SignedAmountSats(policy.IntraledgerFlatSats), proportional)
}

// RoutingReserve is held on top of a Lightning amount to cover routing fees. Rounds up.
func (policy FeePolicy) RoutingReserve(amount ledger.PositiveAmountSats) (ledger.SignedAmountSats, error) {
	proportional, err := scaleBasisPoints(amount, policy.ReserveBasisPoints, true)
	if err != nil {
		return 0, err
	}
	return ledger.AddAmounts(ledger.SignedAmountSats(policy.ReserveFlatSats), proportional)
}

// scaleBasisPoints splits amount around the denominator so amount*basisPoints is never formed.
func scaleBasisPoints(amount ledger.PositiveAmountSats, basisPoints int64, roundUp bool) (ledger.SignedAmountSats, error) {
	if amount.Int64() > ledger.MaxAmountSats || basisPoints < 0 || basisPoints > basisPointsDenominator {
		return 0, fmt.Errorf("%w: cannot apply %d basis points to %d sats", ledger.ErrInvalidAmount, basisPoints, amount.Int64())
	}
	whole := amount.Int64() / basisPointsDenominator * basisPoints
	remainder := amount.Int64() % basisPointsDenominator * basisPoints
	if roundUp {
		remainder += basisPointsDenominator - 1
	}
	return ledger.SignedAmountSats(whole + remainder/basisPointsDenominator), nil
}
