package escrow

import (
	"errors"
	"math"
	"testing"
)

func TestSettle_Decisive(t *testing.T) {
	f := DefaultFeeSchedule()
	p, err := f.Settle(2_000_000, WinnerWhite)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if p.White != 1_960_000 || p.Black != 0 || p.Fee != 40_000 || p.Remainder != 0 {
		t.Fatalf("unexpected payout: %+v", p)
	}
	p, err = f.Settle(2_000_000, WinnerBlack)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if p.Black != 1_960_000 || p.White != 0 || p.Fee != 40_000 {
		t.Fatalf("unexpected payout: %+v", p)
	}
}

func TestSettle_Draw(t *testing.T) {
	f := DefaultFeeSchedule()
	p, err := f.Settle(2_000_000, WinnerDraw)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if p.White != 980_000 || p.Black != 980_000 {
		t.Fatalf("each side should get 980000: %+v", p)
	}
	c, _ := p.Collector()
	if c != 40_000 {
		t.Fatalf("collector=%d want 40000", c)
	}
}

func TestSettle_ConservesTotal(t *testing.T) {
	f := DefaultFeeSchedule()
	for _, total := range []uint64{0, 1, 2, 3, 99, 101, 10_001, 1_999_999, math.MaxUint64, math.MaxUint64 - 1} {
		for _, w := range []Winner{WinnerWhite, WinnerBlack, WinnerDraw} {
			p, err := f.Settle(total, w)
			if err != nil {
				t.Fatalf("Settle(%d,%s): %v", total, w, err)
			}
			sum, err := p.Total()
			if err != nil {
				t.Fatalf("Total(%d,%s): %v", total, w, err)
			}
			if sum != total {
				t.Fatalf("Settle(%d,%s) pays %d: %+v", total, w, sum, p)
			}
		}
	}
}

func TestSettle_RejectsNone(t *testing.T) {
	if _, err := DefaultFeeSchedule().Settle(100, WinnerNone); !errors.Is(err, ErrInvalidWinnerDeclaration) {
		t.Fatalf("want ErrInvalidWinnerDeclaration, got %v", err)
	}
}

func TestFeeSchedule_Validate(t *testing.T) {
	if err := (FeeSchedule{RateBps: 10_001}).Validate(); err == nil {
		t.Fatalf("rate above 100%% should be rejected")
	}
	p, err := FeeSchedule{RateBps: 0}.Settle(10, WinnerDraw)
	if err != nil || p.White != 5 || p.Black != 5 || p.Fee != 0 {
		t.Fatalf("zero fee draw: %+v err=%v", p, err)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, err := addU64(math.MaxUint64, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("add overflow not detected")
	}
	if _, err := subU64(0, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("sub underflow not detected")
	}
	if _, err := mulU64(math.MaxUint64, 2); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("mul overflow not detected")
	}
	q, err := mulDiv(math.MaxUint64, 9_800, 10_000)
	if err != nil || q != 18_077_809_192_235_360_582 {
		t.Fatalf("mulDiv wide intermediate: q=%d err=%v", q, err)
	}
}
