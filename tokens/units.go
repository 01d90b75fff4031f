package tokens

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// ErrInvalidAmount reports an amount that is not a non-negative decimal string
// representable in the token's precision.
var ErrInvalidAmount = errors.New("tokens: invalid amount")

// ErrAmountOverflow reports an amount that does not fit in 256 bits at the
// requested precision.
var ErrAmountOverflow = errors.New("tokens: amount overflows at target precision")

// ParseUnits converts a human decimal amount ("12.5") into base units for the
// given precision.
func ParseUnits(amount string, decimals uint8) (*uint256.Int, error) {
	amount = strings.TrimSpace(amount)
	whole, frac, hasFrac := strings.Cut(amount, ".")
	if whole == "" || (hasFrac && frac == "") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, amount, decimals)
	}
	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", int(decimals)-len(frac)), "0")
	if digits == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return v, nil
}

// FormatUnits renders base units as a decimal string without trailing zeros.
func FormatUnits(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	s := v.Dec()
	if decimals == 0 {
		return s
	}
	if len(s) <= int(decimals) {
		s = strings.Repeat("0", int(decimals)-len(s)+1) + s
	}
	cut := len(s) - int(decimals)
	whole, frac := s[:cut], strings.TrimRight(s[cut:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// Rescale converts base units between precisions, truncating when narrowing.
// Widening fails with ErrAmountOverflow instead of wrapping.
func Rescale(v *uint256.Int, from, to uint8) (*uint256.Int, error) {
	out := new(uint256.Int).Set(v)
	switch {
	case to > from:
		if _, overflow := out.MulOverflow(out, pow10(to-from)); overflow {
			return nil, fmt.Errorf("%w: %s with %d decimals", ErrAmountOverflow, v.Dec(), to)
		}
	case from > to:
		out.Div(out, pow10(from-to))
	}
	return out, nil
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
