package pot

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	BurnPolicyBasisPoints = "bps"
	BurnPolicyFixed       = "fixed"
	BurnPolicyNone        = "none"

	ExtensionPolicyFromBid      = "from-bid"
	ExtensionPolicyFromDeadline = "from-deadline"

	maxBasisPoints uint64 = 10_000
)

// BurnPolicy decides how much of a bid leaves the pot instead of being
// credited to its total.
type BurnPolicy interface {
	Name() string
	Validate(burn uint64) error
	Burned(payment, burn uint64) uint64
}

// ExtensionPolicy computes the deadline after a successful bid. The result
// must never be earlier than deadline nor later than ceiling.
type ExtensionPolicy interface {
	Name() string
	Extend(deadline, now int64, extension uint64, ceiling int64) int64
}

// BurnBasisPoints burns burn/10000 of every bid, rounded down.
type BurnBasisPoints struct{}

func (BurnBasisPoints) Name() string { return BurnPolicyBasisPoints }

func (BurnBasisPoints) Validate(burn uint64) error {
	if burn > maxBasisPoints {
		return fmt.Errorf("%w: burn %d exceeds %d basis points", ErrInvalidParameters, burn, maxBasisPoints)
	}
	return nil
}

func (BurnBasisPoints) Burned(payment, burn uint64) uint64 {
	if payment == 0 || burn == 0 {
		return 0
	}
	if burn >= maxBasisPoints {
		return payment
	}
	amount := decimalFromUint64(payment).
		Mul(decimalFromUint64(burn)).
		Div(decimalFromUint64(maxBasisPoints)).
		Floor()
	return amount.BigInt().Uint64()
}

// BurnFixed burns a flat amount per bid, never more than the bid itself.
type BurnFixed struct{}

func (BurnFixed) Name() string { return BurnPolicyFixed }

func (BurnFixed) Validate(uint64) error { return nil }

func (BurnFixed) Burned(payment, burn uint64) uint64 {
	if burn > payment {
		return payment
	}
	return burn
}

type BurnNone struct{}

func (BurnNone) Name() string { return BurnPolicyNone }

func (BurnNone) Validate(uint64) error { return nil }

func (BurnNone) Burned(uint64, uint64) uint64 { return 0 }

// ExtendFromBid moves the deadline to now+extension when that is later than
// the current deadline, capped at the ceiling.
type ExtendFromBid struct{}

func (ExtendFromBid) Name() string { return ExtensionPolicyFromBid }

func (ExtendFromBid) Extend(deadline, now int64, extension uint64, ceiling int64) int64 {
	return clampDeadline(deadline, addSeconds(now, extension), ceiling)
}

// ExtendFromDeadline pushes the deadline itself forward by extension on every
// bid, capped at the ceiling.
type ExtendFromDeadline struct{}

func (ExtendFromDeadline) Name() string { return ExtensionPolicyFromDeadline }

func (ExtendFromDeadline) Extend(deadline, _ int64, extension uint64, ceiling int64) int64 {
	return clampDeadline(deadline, addSeconds(deadline, extension), ceiling)
}

func clampDeadline(deadline, candidate, ceiling int64) int64 {
	if candidate > ceiling {
		candidate = ceiling
	}
	if candidate > deadline {
		return candidate
	}
	return deadline
}

func ParseBurnPolicy(name string) (BurnPolicy, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "", BurnPolicyBasisPoints:
		return BurnBasisPoints{}, nil
	case BurnPolicyFixed:
		return BurnFixed{}, nil
	case BurnPolicyNone:
		return BurnNone{}, nil
	default:
		return nil, fmt.Errorf("unsupported burn policy %q (supported: %s, %s, %s)", name, BurnPolicyBasisPoints, BurnPolicyFixed, BurnPolicyNone)
	}
}

func ParseExtensionPolicy(name string) (ExtensionPolicy, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "", ExtensionPolicyFromBid:
		return ExtendFromBid{}, nil
	case ExtensionPolicyFromDeadline:
		return ExtendFromDeadline{}, nil
	default:
		return nil, fmt.Errorf("unsupported extension policy %q (supported: %s, %s)", name, ExtensionPolicyFromBid, ExtensionPolicyFromDeadline)
	}
}

func decimalFromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
