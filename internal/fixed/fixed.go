package fixed

import (
	"fmt"
	"math/big"
)

var (
	// PPM is the parts-per-million scale used for reserve ratios and prices.
	PPM = big.NewInt(1_000_000)
	// PCT is the 1e18 scale used for fees, slippage and tap bounds (1e18 = 100%).
	PCT = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// Clone copies v, treating nil as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Equal compares two values, treating nil as zero.
func Equal(a, b *big.Int) bool {
	return Clone(a).Cmp(Clone(b)) == 0
}

// MulDiv returns floor(a*b/d). A zero divisor yields zero.
func MulDiv(a, b, d *big.Int) *big.Int {
	if IsZero(d) || IsZero(a) || IsZero(b) {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, d)
}

// ApplyPct returns value*pct/PCT.
func ApplyPct(value, pct *big.Int) *big.Int {
	return MulDiv(value, pct, PCT)
}

// Add returns a+b without touching the operands.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(Clone(a), Clone(b))
}

// Sub returns a-b without touching the operands. The result may be negative.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(Clone(a), Clone(b))
}

// SubFloor returns max(a-b, 0).
func SubFloor(a, b *big.Int) *big.Int {
	out := Sub(a, b)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if Clone(a).Cmp(Clone(b)) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// StaticPricePPM computes PPM*PPM*balance / (supply*reserveRatioPPM).
func StaticPricePPM(supply, balance *big.Int, reserveRatioPPM uint32) *big.Int {
	if IsZero(supply) || reserveRatioPPM == 0 || Clone(balance).Sign() <= 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(PPM, PPM)
	num.Mul(num, balance)
	den := new(big.Int).Mul(supply, new(big.Int).SetUint64(uint64(reserveRatioPPM)))
	return num.Quo(num, den)
}

// ParseBigInt parses a base-10 integer. The empty string parses as zero.
func ParseBigInt(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid int: %s", value)
	}
	return parsed, nil
}

// ParseAmount parses a non-negative base-10 integer.
func ParseAmount(value string) (*big.Int, error) {
	parsed, err := ParseBigInt(value)
	if err != nil {
		return nil, err
	}
	if parsed.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %s", value)
	}
	return parsed, nil
}

// FormatTokenAmount renders value with the given number of decimals.
func FormatTokenAmount(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	if decimals == 0 {
		return value.String()
	}
	sign := value.Sign()
	abs := new(big.Int).Abs(value)
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat := new(big.Rat).SetFrac(abs, denom)
	text := rat.FloatString(int(decimals))
	if sign < 0 {
		return "-" + text
	}
	return text
}

// Ether scales a whole-unit amount by 1e18.
func Ether(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), PCT)
}
