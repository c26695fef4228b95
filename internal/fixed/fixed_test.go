package fixed

import (
	"math/big"
	"testing"
)

func TestApplyPct(t *testing.T) {
	// 1.5% of 10_000e18 is 150e18.
	pct := new(big.Int).Mul(big.NewInt(15), new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil))
	got := ApplyPct(Ether(10_000), pct)
	if got.Cmp(Ether(150)) != 0 {
		t.Fatalf("fee mismatch: %s", got)
	}
}

func TestMulDivZeroDivisor(t *testing.T) {
	if got := MulDiv(big.NewInt(5), big.NewInt(7), nil); got.Sign() != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
	if got := MulDiv(big.NewInt(5), big.NewInt(7), big.NewInt(2)); got.Cmp(big.NewInt(17)) != 0 {
		t.Fatalf("expected 17, got %s", got)
	}
}

func TestSubFloor(t *testing.T) {
	if got := SubFloor(big.NewInt(3), big.NewInt(5)); got.Sign() != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
	if got := SubFloor(big.NewInt(5), big.NewInt(3)); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("expected 2, got %s", got)
	}
}

func TestEqualTreatsNilAsZero(t *testing.T) {
	if !Equal(nil, new(big.Int)) {
		t.Fatal("nil should equal zero")
	}
	if Equal(big.NewInt(1), nil) {
		t.Fatal("1 should not equal nil")
	}
}

func TestStaticPricePPM(t *testing.T) {
	// balance/supply = 1/12, rr = 1/3 => price = 0.25
	supply := Ether(15_000_000)
	balance := Ether(1_250_000)
	got := StaticPricePPM(supply, balance, 333333)
	if got.Cmp(big.NewInt(250_000)) != 0 {
		t.Fatalf("price mismatch: %s", got)
	}
	if got := StaticPricePPM(big.NewInt(0), balance, 333333); got.Sign() != 0 {
		t.Fatalf("expected zero price for empty supply, got %s", got)
	}
}

func TestParseBigInt(t *testing.T) {
	v, err := ParseBigInt("")
	if err != nil || v.Sign() != 0 {
		t.Fatalf("empty string should be zero: %v %v", v, err)
	}
	if _, err := ParseBigInt("12x"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := ParseAmount("-1"); err == nil {
		t.Fatalf("expected negative amount error")
	}
}

func TestFormatTokenAmount(t *testing.T) {
	if got := FormatTokenAmount(big.NewInt(1_500_000), 6); got != "1.500000" {
		t.Fatalf("format mismatch: %s", got)
	}
	if got := FormatTokenAmount(big.NewInt(-42), 0); got != "-42" {
		t.Fatalf("format mismatch: %s", got)
	}
}
