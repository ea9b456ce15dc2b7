package purchase

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies without a minor unit, as the gateway counts them.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// Currencies with three minor digits. The gateway requires the last digit
// to be zero.
var threeDecimal = map[string]bool{
	"BHD": true, "JOD": true, "KWD": true, "OMR": true, "TND": true,
}

func exponent(currency string) int32 {
	c := strings.ToUpper(currency)
	switch {
	case zeroDecimal[c]:
		return 0
	case threeDecimal[c]:
		return 3
	default:
		return 2
	}
}

// ToMinorUnits converts an amount to the gateway's integer unit, rounding
// half away from zero.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	exp := exponent(currency)
	if exp == 3 {
		return amount.Shift(2).Round(0).IntPart() * 10
	}
	return amount.Shift(exp).Round(0).IntPart()
}

// FromMinorUnits converts a gateway amount back to a decimal.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -exponent(currency))
}
