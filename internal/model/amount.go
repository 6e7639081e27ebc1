package model

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Amount is a 256-bit unsigned monetary quantity. On the wire it is an
// unsigned decimal string; arithmetic goes through uint256 with explicit
// overflow and underflow checks.
type Amount struct {
	uint256.Int
}

// NewAmount parses an unsigned decimal string.
func NewAmount(dec string) (*Amount, error) {
	var a Amount
	if err := a.SetFromDecimal(dec); err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", dec, err)
	}
	return &a, nil
}

// MustAmount parses an unsigned decimal string and panics on failure.
// For literals in tests and fixtures.
func MustAmount(dec string) *Amount {
	a, err := NewAmount(dec)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromUint wraps a uint64.
func AmountFromUint(v uint64) *Amount {
	var a Amount
	a.SetUint64(v)
	return &a
}

// Clone returns an independent copy.
func (a *Amount) Clone() *Amount {
	var dup Amount
	dup.Set(&a.Int)
	return &dup
}

func (a *Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Dec() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("amount must be a decimal string")
	}
	return a.SetFromDecimal(string(data[1 : len(data)-1]))
}

func (a *Amount) String() string {
	if a == nil {
		return "0"
	}
	return a.Dec()
}
