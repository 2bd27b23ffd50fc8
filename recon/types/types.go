package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap/zapcore"
)

// KeyBytes represents a key reconciled between peers. Keys are ordered
// lexicographically by their bytes.
type KeyBytes []byte

// String implements fmt.Stringer.
func (k KeyBytes) String() string {
	return hex.EncodeToString(k)
}

// ShortString returns a shortened string representation of the key.
func (k KeyBytes) ShortString() string {
	if len(k) < 5 {
		return k.String()
	}
	return hex.EncodeToString(k[:5])
}

// Clone returns a copy of the key.
func (k KeyBytes) Clone() KeyBytes {
	return slices.Clone(k)
}

// Compare compares two keys.
func (k KeyBytes) Compare(other KeyBytes) int {
	return bytes.Compare(k, other)
}

// Successor returns the smallest key that is greater than every key having k
// as a prefix, or nil if no such key exists (k is empty or all 0xff).
func (k KeyBytes) Successor() KeyBytes {
	r := k.Clone()
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] != 0xff {
			r[i]++
			return r[:i+1]
		}
	}
	return nil
}

// MustParseHexKeyBytes converts a hex string to KeyBytes, panicking on error.
func MustParseHexKeyBytes(s string) KeyBytes {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("bad hex key bytes: " + err.Error())
	}
	return KeyBytes(b)
}

// Range is a half-open interval [Low, High) of keys.
// An empty Low is the smallest possible key. A nil High means the range is not
// bounded from above.
type Range struct {
	Low  KeyBytes
	High KeyBytes
}

// FullRange returns the range covering the whole key space.
func FullRange() Range {
	return Range{Low: KeyBytes{}}
}

// NewRange creates a range [low, high).
func NewRange(low, high KeyBytes) Range {
	if low == nil {
		low = KeyBytes{}
	}
	return Range{Low: low, High: high}
}

// Unbounded returns true if the range has no upper bound.
func (r Range) Unbounded() bool {
	return r.High == nil
}

// IsEmpty returns true if no key can belong to the range.
func (r Range) IsEmpty() bool {
	return r.High != nil && r.Low.Compare(r.High) >= 0
}

// Contains returns true if k belongs to the range.
func (r Range) Contains(k KeyBytes) bool {
	return k.Compare(r.Low) >= 0 && (r.High == nil || k.Compare(r.High) < 0)
}

// Covers returns true if every key of o belongs to r.
func (r Range) Covers(o Range) bool {
	if o.IsEmpty() {
		return true
	}
	if o.Low.Compare(r.Low) < 0 {
		return false
	}
	switch {
	case r.High == nil:
		return true
	case o.High == nil:
		return false
	default:
		return o.High.Compare(r.High) <= 0
	}
}

// Intersect returns the intersection of two ranges.
// The second return value is false if the ranges don't overlap.
func (r Range) Intersect(o Range) (Range, bool) {
	res := Range{Low: r.Low, High: r.High}
	if o.Low.Compare(res.Low) > 0 {
		res.Low = o.Low
	}
	if res.High == nil || (o.High != nil && o.High.Compare(res.High) < 0) {
		res.High = o.High
	}
	if res.IsEmpty() {
		return Range{}, false
	}
	return res, true
}

// Equal returns true if the ranges have the same bounds.
func (r Range) Equal(o Range) bool {
	if (r.High == nil) != (o.High == nil) {
		return false
	}
	return bytes.Equal(r.Low, o.Low) && bytes.Equal(r.High, o.High)
}

// ID returns a string uniquely identifying the range bounds, suitable as a map key.
func (r Range) ID() string {
	var sb strings.Builder
	sb.Grow(len(r.Low) + len(r.High) + 3)
	sb.WriteByte(byte(len(r.Low) >> 8))
	sb.WriteByte(byte(len(r.Low)))
	sb.Write(r.Low)
	if r.High == nil {
		sb.WriteByte(0)
	} else {
		sb.WriteByte(1)
		sb.Write(r.High)
	}
	return sb.String()
}

func (r Range) String() string {
	if r.High == nil {
		return fmt.Sprintf("[%s, inf)", r.Low.ShortString())
	}
	return fmt.Sprintf("[%s, %s)", r.Low.ShortString(), r.High.ShortString())
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (r Range) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("low", r.Low.String())
	if r.High == nil {
		enc.AddString("high", "inf")
	} else {
		enc.AddString("high", r.High.String())
	}
	return nil
}

// KeyList is a list of keys that can be logged as a zap array.
type KeyList []KeyBytes

// MarshalLogArray implements zapcore.ArrayMarshaler.
func (l KeyList) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, k := range l {
		enc.AppendString(k.ShortString())
	}
	return nil
}
