package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cents is a monetary amount in currency minor units (1/100 of the major unit).
// Balances, costs and bonuses are held as Cents so arithmetic stays exact;
// decimal strings only appear at the boundaries (JSON, webhook metadata, config).
type Cents int64

// minorUnitDigits is the number of fractional digits of the billing currency.
const minorUnitDigits = 2

// Major returns the amount for a whole number of major units (e.g. euros).
func Major(units int64) Cents {
	return Cents(units * 100)
}

// ParseCents parses a decimal major-unit string such as "20", "20.5" or
// "20.50". Amounts with more than two fractional digits are rejected rather
// than rounded.
func ParseCents(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return CentsFromDecimal(d)
}

// CentsFromDecimal converts a major-unit decimal into Cents. Amounts whose
// minor-unit value does not fit in an int64 are rejected.
func CentsFromDecimal(d decimal.Decimal) (Cents, error) {
	if !d.Equal(d.Truncate(minorUnitDigits)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d.String(), minorUnitDigits)
	}
	minor := d.Shift(minorUnitDigits).BigInt()
	if !minor.IsInt64() {
		return 0, fmt.Errorf("amount %s is out of range", d.String())
	}
	return Cents(minor.Int64()), nil
}

// Decimal returns the amount in major units.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -minorUnitDigits)
}

// String formats the amount in major units with two decimals, e.g. "15.00".
func (c Cents) String() string {
	return c.Decimal().StringFixed(minorUnitDigits)
}

// MarshalJSON encodes the amount as a JSON number in major units.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a major-unit amount as a JSON number or string.
func (c *Cents) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	v, err := CentsFromDecimal(d)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
