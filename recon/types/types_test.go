package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func k(s string) KeyBytes {
	return MustParseHexKeyBytes(s)
}

func TestKeyBytes(t *testing.T) {
	key := k("0123456789ab")
	require.Equal(t, "0123456789ab", key.String())
	require.Equal(t, "0123456789", key.ShortString())
	require.Equal(t, "0102", k("0102").ShortString())
	c := key.Clone()
	c[0] = 0xff
	require.Equal(t, k("0123456789ab"), key)
	require.Negative(t, key.Compare(c))
	require.Zero(t, key.Compare(k("0123456789ab")))
	require.Panics(t, func() { MustParseHexKeyBytes("xyz") })
}

func TestSuccessor(t *testing.T) {
	for _, tc := range []struct {
		key, succ KeyBytes
	}{
		{key: k("00"), succ: k("01")},
		{key: k("01ff"), succ: k("02")},
		{key: k("0a0bff"), succ: k("0a0c")},
		{key: k("ffff"), succ: nil},
		{key: KeyBytes{}, succ: nil},
	} {
		require.Equal(t, tc.succ, tc.key.Successor(), "successor of %s", tc.key)
	}
}

func TestRange(t *testing.T) {
	full := FullRange()
	require.True(t, full.Unbounded())
	require.False(t, full.IsEmpty())
	require.True(t, full.Contains(KeyBytes{}))
	require.True(t, full.Contains(k("ffffffff")))

	r := NewRange(k("10"), k("20"))
	require.Equal(t, "[10, 20)", r.String())
	require.Equal(t, "[, inf)", full.String())
	require.True(t, r.Contains(k("10")))
	require.True(t, r.Contains(k("1fff")))
	require.False(t, r.Contains(k("20")))
	require.False(t, r.Contains(k("0f")))
	require.True(t, NewRange(k("20"), k("20")).IsEmpty())
	require.True(t, NewRange(k("30"), k("20")).IsEmpty())
	require.Equal(t, KeyBytes{}, NewRange(nil, nil).Low)

	require.True(t, full.Covers(r))
	require.False(t, r.Covers(full))
	require.True(t, r.Covers(NewRange(k("11"), k("1f"))))
	require.False(t, r.Covers(NewRange(k("11"), k("21"))))
	require.True(t, r.Covers(NewRange(k("50"), k("40"))))

	x, ok := r.Intersect(NewRange(k("18"), nil))
	require.True(t, ok)
	require.True(t, x.Equal(NewRange(k("18"), k("20"))))
	x, ok = full.Intersect(r)
	require.True(t, ok)
	require.True(t, x.Equal(r))
	_, ok = r.Intersect(NewRange(k("20"), k("30")))
	require.False(t, ok)

	require.True(t, full.Equal(FullRange()))
	require.False(t, full.Equal(NewRange(KeyBytes{}, k("ff"))))
	require.NotEqual(t, full.ID(), NewRange(KeyBytes{}, KeyBytes{}).ID())
	require.Equal(t, r.ID(), NewRange(k("10"), k("20")).ID())
	require.NotEqual(t, NewRange(k("10"), k("20")).ID(), NewRange(k("1001"), k("20")).ID())
}
