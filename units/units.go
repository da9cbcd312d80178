// Package units converts between human readable token amounts ("73.6") and
// fixed-point integers in a token's base unit.
package units

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrOverflow      = errors.New("arithmetic overflow")
)

// BPS is the basis point denominator.
const BPS = 10000

// Parse converts a decimal string in whole tokens to base units.
func Parse(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative %s", ErrInvalidAmount, s)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, s, decimals)
	}
	v, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrOverflow, s)
	}
	return v, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string, decimals uint8) *uint256.Int {
	v, err := Parse(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders base units as a decimal string in whole tokens.
func Format(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

// Scale returns 10^decimals.
func Scale(decimals uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
}

// MulDiv returns x*y/d with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrOverflow)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x-y; callers check x >= y first.
func Sub(x, y *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sub(x, y)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Or returns v, or zero when v is nil.
func Or(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
