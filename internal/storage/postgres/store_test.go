package postgres

import (
	"math/big"
	"testing"
)

func TestNumericHelpers(t *testing.T) {
	if got := numeric(nil); got != "0" {
		t.Fatalf("numeric(nil) = %q", got)
	}
	if got := numeric(big.NewInt(42)); got != "42" {
		t.Fatalf("numeric(42) = %q", got)
	}
	if nullableNumeric(nil) != nil {
		t.Fatalf("expected nil for missing settlement")
	}
	if got := nullableNumeric(big.NewInt(7)); got == nil || *got != "7" {
		t.Fatalf("nullableNumeric(7) = %v", got)
	}
	if got := toBeClaimed(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestParseAll(t *testing.T) {
	var a, b *big.Int
	if err := parseAll(target{&a, "1000000000000000000000"}, target{&b, ""}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.String() != "1000000000000000000000" || b.Sign() != 0 {
		t.Fatalf("unexpected values a=%s b=%s", a, b)
	}
	if err := parseAll(target{&a, "12x"}); err == nil {
		t.Fatalf("expected parse error")
	}
}
