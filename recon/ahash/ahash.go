// Package ahash provides associative hashes used to summarize key ranges.
//
// An associative hash maps every key to a fixed-width value and folds these
// values with an operation that is associative and commutative and has the
// zero value as its identity. The hash of a set of keys thus doesn't depend on
// the order in which the keys are combined, and the hash of a range can be
// obtained by combining the hashes of any partition of that range.
package ahash

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadLength is returned when a serialized hash has wrong width.
var ErrBadLength = errors.New("associative hash: bad length")

// AssociativeHash is the constraint satisfied by associative hash values.
// The zero value of the type must be the identity element of Combine.
type AssociativeHash[H any] interface {
	comparable
	// Combine returns the combination of the receiver and other.
	Combine(other H) H
	// Digest returns the hash of a single key. It doesn't depend on the receiver.
	Digest(k []byte) H
	// Bytes returns the fixed-width serialized form of the hash.
	Bytes() []byte
	// FromBytes parses the serialized form of the hash.
	FromBytes(b []byte) (H, error)
	// IsZero returns true for the identity element.
	IsZero() bool
	// String returns the hex representation of the hash.
	String() string
}

// Of returns the hash of a single key.
func Of[H AssociativeHash[H]](k []byte) H {
	var zero H
	return zero.Digest(k)
}

// Sum returns the hash of the specified set of keys.
func Sum[H AssociativeHash[H]](keys ...[]byte) H {
	var acc H
	for _, k := range keys {
		acc = acc.Combine(acc.Digest(k))
	}
	return acc
}

// Parse decodes a serialized hash.
func Parse[H AssociativeHash[H]](b []byte) (H, error) {
	var zero H
	return zero.FromBytes(b)
}

// Size returns the serialized width of H.
func Size[H AssociativeHash[H]]() int {
	var zero H
	return len(zero.Bytes())
}

// hash256 holds a 256-bit value interpreted as a little-endian integer.
type hash256 [32]byte

// add returns a + b mod 2^256.
func (a hash256) add(b hash256) hash256 {
	var (
		r     hash256
		carry uint16
	)
	for i := range a {
		s := uint16(a[i]) + uint16(b[i]) + carry
		r[i] = byte(s)
		carry = s >> 8
	}
	return r
}

func (a hash256) isZero() bool {
	return a == hash256{}
}

func parse256(b []byte) (hash256, error) {
	var h hash256
	if len(b) != len(h) {
		return h, fmt.Errorf("%w: %d != %d", ErrBadLength, len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

func (a hash256) String() string {
	return hex.EncodeToString(a[:])
}
