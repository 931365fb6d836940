package models

import (
	"fmt"
	"math/big"
	"strings"
)

// AmountDecimals is the number of fractional digits of the ledger currency
const AmountDecimals = 18

// ParseAmount converts a decimal string such as "0.01" into base units
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > AmountDecimals {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, AmountDecimals)
	}
	digits := whole + frac + strings.Repeat("0", AmountDecimals-len(frac))

	v, ok := new(big.Int).SetString(digits, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// FormatAmount renders base units with the given number of decimals,
// truncating the rest
func FormatAmount(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	if decimals > AmountDecimals {
		decimals = AmountDecimals
	}

	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(AmountDecimals), nil)
	whole, rem := new(big.Int).QuoRem(v, unit, new(big.Int))
	if decimals <= 0 {
		return whole.String()
	}

	frac := rem.Abs(rem).String()
	frac = strings.Repeat("0", AmountDecimals-len(frac)) + frac
	return whole.String() + "." + frac[:decimals]
}
