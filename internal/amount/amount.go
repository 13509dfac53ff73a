package amount

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the scale of an ETH-like asset (wei).
const DefaultDecimals = 18

// Separator marks a human decimal string such as "1.5".
const Separator = "."

var (
	ErrMalformed = errors.New("malformed amount")
	ErrNegative  = errors.New("negative amount")
	ErrPrecision = errors.New("amount has more fractional digits than the asset supports")
)

// Amount is a non-negative integer quantity in the asset's smallest unit.
// The zero value is a valid zero amount. Amounts are immutable.
type Amount struct {
	v *big.Int
}

// Zero is the zero amount.
var Zero = Amount{}

// Parse reads a canonical integer string (ASCII digits only).
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if s[0] == '-' {
		return Amount{}, fmt.Errorf("%w: %q", ErrNegative, s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Amount{}, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return Amount{v: v}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBig copies b. Negative values are rejected.
func FromBig(b *big.Int) (Amount, error) {
	if b == nil {
		return Amount{}, nil
	}
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: %s", ErrNegative, b)
	}
	return Amount{v: new(big.Int).Set(b)}, nil
}

// ParseUnits accepts either a decimal string (contains Separator), which is scaled
// by 10^decimals, or an integer string already in smallest units.
func ParseUnits(value string, decimals int) (Amount, error) {
	v := strings.TrimSpace(value)
	if !strings.Contains(v, Separator) {
		return Parse(v)
	}
	if strings.HasPrefix(v, "-") {
		return Amount{}, fmt.Errorf("%w: %q", ErrNegative, value)
	}
	if !isPlainDecimal(v) {
		return Amount{}, fmt.Errorf("%w: %q", ErrMalformed, value)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrMalformed, value)
	}
	if d.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: %q", ErrNegative, value)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return Amount{}, fmt.Errorf("%w: %q at %d decimals", ErrPrecision, value, decimals)
	}
	return FromBig(scaled.BigInt())
}

// isPlainDecimal reports whether s is digits with exactly one Separator and at least one
// digit. Exponents and signs are not accepted.
func isPlainDecimal(s string) bool {
	digits, seps := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case string(r) == Separator:
			seps++
		default:
			return false
		}
	}
	return digits > 0 && seps == 1
}

// Normalize returns the canonical integer string for value. The result never
// contains Separator, so Normalize(Normalize(v)) == Normalize(v).
func Normalize(value string, decimals int) (string, error) {
	a, err := ParseUnits(value, decimals)
	if err != nil {
		return "", err
	}
	return a.String(), nil
}

// Format renders a as a human decimal string, e.g. "1.5" for 1.5e18 at 18 decimals.
func Format(a Amount, decimals int) string {
	return decimal.NewFromBigInt(a.BigInt(), int32(-decimals)).String()
}

// BigInt returns a copy of the underlying integer.
func (a Amount) BigInt() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.BigInt(), b.BigInt())}
}

// MulInt returns a * n. Negative n is treated as zero.
func (a Amount) MulInt(n int64) Amount {
	if n <= 0 {
		return Amount{}
	}
	return Amount{v: new(big.Int).Mul(a.BigInt(), big.NewInt(n))}
}

// Cmp compares a and b like big.Int.Cmp.
func (a Amount) Cmp(b Amount) int {
	return a.BigInt().Cmp(b.BigInt())
}

func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }

func (a Amount) IsZero() bool { return a.v == nil || a.v.Sign() == 0 }

// String is the canonical serialization.
func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

// MarshalJSON always emits a string; fixed-point values routinely exceed float precision.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts only JSON strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: amounts must be JSON strings", ErrMalformed)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Scan implements sql.Scanner for TEXT columns.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		return a.Scan(string(v))
	case int64:
		return a.Scan(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrMalformed, src)
	}
}

// Value implements driver.Valuer.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}
