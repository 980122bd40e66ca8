package cart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	carterrors "github.com/abgdnv/kidscart/internal/errors"
)

// MaxQuantity is the largest committed quantity a line can hold, in memory and in a persisted blob.
const MaxQuantity = math.MaxInt32

// Quantity is either a committed non-negative integer or Pending, the state of a
// quantity input the shopper is still editing. The zero value is a committed 0.
type Quantity struct {
	n       int
	pending bool
}

// Pending returns the "being edited" quantity. It is not zero and never removes an item.
func Pending() Quantity {
	return Quantity{pending: true}
}

// Value returns a committed quantity. Callers are expected to pass n >= 0; use FromFloat for untrusted input.
func Value(n int) Quantity {
	return Quantity{n: n}
}

// FromFloat floors f into a committed quantity.
func FromFloat(f float64) (Quantity, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Quantity{}, fmt.Errorf("%w: %v", carterrors.ErrInvalidQuantity, f)
	}
	floored := math.Floor(f)
	if floored < 0 {
		return Quantity{}, fmt.Errorf("%w: %v", carterrors.ErrNegativeQuantity, f)
	}
	if floored > MaxQuantity {
		return Quantity{}, fmt.Errorf("%w: %v is too large", carterrors.ErrInvalidQuantity, f)
	}
	return Value(int(floored)), nil
}

// Parse reads a quantity as typed into an input field: empty means Pending, anything else must be numeric.
func Parse(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pending(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("%w: %q", carterrors.ErrInvalidQuantity, s)
	}
	return FromFloat(f)
}

func (q Quantity) IsPending() bool { return q.pending }

// IsZero reports a committed zero. A pending quantity is not zero.
func (q Quantity) IsZero() bool { return !q.pending && q.n == 0 }

// Int returns the committed value; ok is false while pending.
func (q Quantity) Int() (n int, ok bool) {
	if q.pending {
		return 0, false
	}
	return q.n, true
}

// Add returns q increased by n. A pending quantity becomes committed.
// A sum above MaxQuantity fails with ErrInvalidQuantity.
func (q Quantity) Add(n int) (Quantity, error) {
	base := 0
	if !q.pending {
		base = q.n
	}
	if n > MaxQuantity-base {
		return q, fmt.Errorf("%w: %d + %d exceeds %d", carterrors.ErrInvalidQuantity, base, n, MaxQuantity)
	}
	return Value(base + n), nil
}

func (q Quantity) String() string {
	if q.pending {
		return ""
	}
	return strconv.Itoa(q.n)
}

// MarshalJSON writes a committed quantity as a number and a pending one as "".
func (q Quantity) MarshalJSON() ([]byte, error) {
	if q.pending {
		return []byte(`""`), nil
	}
	return []byte(strconv.Itoa(q.n)), nil
}

// UnmarshalJSON accepts a number (floored), a numeric string, "" (pending) or null (zero).
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = Value(0)
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*q = parsed
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %s", carterrors.ErrInvalidQuantity, data)
	}
	parsed, err := FromFloat(f)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
