package escrow

import (
	"fmt"
	"math/bits"
)

const bpsDenominator = 10_000

// DefaultFeeBps is the platform cut in basis points (2%).
const DefaultFeeBps = 200

// FeeSchedule is the platform fee policy, in basis points of the pot.
type FeeSchedule struct {
	RateBps uint64
}

func DefaultFeeSchedule() FeeSchedule { return FeeSchedule{RateBps: DefaultFeeBps} }

func (f FeeSchedule) Validate() error {
	if f.RateBps > bpsDenominator {
		return fmt.Errorf("fee rate %d bps exceeds %d", f.RateBps, bpsDenominator)
	}
	return nil
}

// Payout is the split of a vault at settlement. Remainder is the rounding dust of a draw; it goes to the fee collector.
type Payout struct {
	White     uint64 `json:"white"`
	Black     uint64 `json:"black"`
	Fee       uint64 `json:"fee"`
	Remainder uint64 `json:"remainder"`
}

// Collector is what the fee collector receives.
func (p Payout) Collector() (uint64, error) { return addU64(p.Fee, p.Remainder) }

// Total is the sum of all legs.
func (p Payout) Total() (uint64, error) {
	t, err := addU64(p.White, p.Black)
	if err != nil {
		return 0, err
	}
	if t, err = addU64(t, p.Fee); err != nil {
		return 0, err
	}
	return addU64(t, p.Remainder)
}

// Settle splits total according to winner.
// Decisive: fee = floor(total*rate), winner takes the rest.
// Draw: each side takes floor((total/2)*(1-rate)); the fee and any remainder go to the collector.
func (f FeeSchedule) Settle(total uint64, winner Winner) (Payout, error) {
	if err := f.Validate(); err != nil {
		return Payout{}, err
	}
	var p Payout
	switch winner {
	case WinnerWhite, WinnerBlack:
		fee, err := mulDiv(total, f.RateBps, bpsDenominator)
		if err != nil {
			return Payout{}, err
		}
		rest, err := subU64(total, fee)
		if err != nil {
			return Payout{}, err
		}
		p.Fee = fee
		if winner == WinnerWhite {
			p.White = rest
		} else {
			p.Black = rest
		}
	case WinnerDraw:
		each, err := mulDiv(total/2, bpsDenominator-f.RateBps, bpsDenominator)
		if err != nil {
			return Payout{}, err
		}
		fee, err := mulDiv(total, f.RateBps, bpsDenominator)
		if err != nil {
			return Payout{}, err
		}
		both, err := mulU64(each, 2)
		if err != nil {
			return Payout{}, err
		}
		rest, err := subU64(total, both)
		if err != nil {
			return Payout{}, err
		}
		rem, err := subU64(rest, fee)
		if err != nil {
			return Payout{}, err
		}
		p.White, p.Black, p.Fee, p.Remainder = each, each, fee, rem
	default:
		return Payout{}, ErrInvalidWinnerDeclaration
	}
	return p, nil
}

func addU64(a, b uint64) (uint64, error) {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return s, nil
}

func subU64(a, b uint64) (uint64, error) {
	d, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrArithmeticOverflow
	}
	return d, nil
}

func mulU64(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrArithmeticOverflow
	}
	return lo, nil
}

// mulDiv computes floor(a*b/d) with a 128-bit intermediate.
func mulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrArithmeticOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, ErrArithmeticOverflow
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, nil
}
