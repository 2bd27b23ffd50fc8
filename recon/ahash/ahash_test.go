package ahash_test

import (
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/arbitrary"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-recon/recon/ahash"
)

func keysFromUints(xs []uint32) [][]byte {
	seen := make(map[uint32]struct{}, len(xs))
	keys := make([][]byte, 0, len(xs))
	for _, x := range xs {
		if _, found := seen[x]; found {
			continue
		}
		seen[x] = struct{}{}
		keys = append(keys, binary.BigEndian.AppendUint32(nil, x))
	}
	return keys
}

func testAlgebra[H ahash.AssociativeHash[H]](t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	arbitraries := arbitrary.DefaultArbitraries()

	properties.Property("partition and order don't matter",
		arbitraries.ForAll(
			func(xs []uint32, seed uint64) bool {
				keys := keysFromUints(xs)
				full := ahash.Sum[H](keys...)
				rng := rand.New(rand.NewPCG(seed, seed))
				rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
				var acc H
				for len(keys) > 0 {
					n := rng.IntN(len(keys)) + 1
					acc = acc.Combine(ahash.Sum[H](keys[:n]...))
					keys = keys[n:]
				}
				return acc == full
			}))
	properties.Property("identity",
		arbitraries.ForAll(
			func(xs []uint32) bool {
				var zero H
				h := ahash.Sum[H](keysFromUints(xs)...)
				return h.Combine(zero) == h && zero.Combine(h) == h
			}))
	properties.TestingRun(t)
}

func testSerialization[H ahash.AssociativeHash[H]](t *testing.T) {
	var zero H
	require.True(t, zero.IsZero())
	require.Equal(t, 32, ahash.Size[H]())

	h := ahash.Sum[H]([]byte("a"), []byte("b"))
	require.False(t, h.IsZero())
	require.Equal(t, ahash.Of[H]([]byte("a")).Combine(ahash.Of[H]([]byte("b"))), h)
	require.Len(t, h.String(), 64)

	parsed, err := ahash.Parse[H](h.Bytes())
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	_, err = ahash.Parse[H]([]byte{1, 2, 3})
	require.ErrorIs(t, err, ahash.ErrBadLength)
}

func TestSha256a(t *testing.T) {
	testAlgebra[ahash.Sha256a](t)
	testSerialization[ahash.Sha256a](t)
	// sha256("") = e3b0c442...
	require.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		ahash.Of[ahash.Sha256a](nil).String())
}

func TestBlake3a(t *testing.T) {
	testAlgebra[ahash.Blake3a](t)
	testSerialization[ahash.Blake3a](t)
}

func TestBlake2ba(t *testing.T) {
	testAlgebra[ahash.Blake2ba](t)
	testSerialization[ahash.Blake2ba](t)
}

func TestCarry(t *testing.T) {
	var a, b ahash.Sha256a
	a[0] = 0xff
	a[1] = 0xff
	b[0] = 0x01
	sum := a.Combine(b)
	var expected ahash.Sha256a
	expected[2] = 1
	require.Equal(t, expected, sum)

	var allOnes ahash.Sha256a
	for i := range allOnes {
		allOnes[i] = 0xff
	}
	// wraps modulo 2^256
	require.True(t, allOnes.Combine(b).IsZero())
}
