package skiplist

import (
	"bytes"
	crand "crypto/rand"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

// checkSanity verifies that every level of the list is ordered and that node
// heights are consistent with the levels they're linked into.
func checkSanity[V any](t *testing.T, sl *SkipList[V]) {
	for l, next := range sl.head.nextNodes {
		for ; next != nil; next = next.nextNodes[l] {
			require.Greater(t, next.height(), l, "node linked above its height")
			if n := next.nextNodes[l]; n != nil {
				require.Positive(t, bytes.Compare(n.key, next.key),
					"level %d not ordered: %v after %v", l, n.key, next.key)
			}
		}
	}
}

func enumerate[V any](sl *SkipList[V]) (keys [][]byte, values []V) {
	for node := sl.First(); node != nil; node = node.Next() {
		keys = append(keys, node.Key())
		values = append(values, node.Value())
	}
	return keys, values
}

func TestSkipList(t *testing.T) {
	sl := New[int]()
	require.Nil(t, sl.First())
	require.Nil(t, sl.Last())
	require.Nil(t, sl.FindGTENode([]byte{0}))
	require.Zero(t, sl.Len())

	for n, v := range [][]byte{
		{0, 0, 0, 0},
		{1, 2, 3, 4},
		{5, 6, 7, 9},
		{100, 200, 120, 1},
		{50, 10, 1, 9},
		{11, 33},
		{8, 3, 9, 5, 1},
	} {
		_, added := sl.Add(v, n)
		require.True(t, added)
		checkSanity(t, sl)
	}
	require.Equal(t, 7, sl.Len())
	keys, values := enumerate(sl)
	require.Equal(t, [][]byte{
		{0, 0, 0, 0},
		{1, 2, 3, 4},
		{5, 6, 7, 9},
		{8, 3, 9, 5, 1},
		{11, 33},
		{50, 10, 1, 9},
		{100, 200, 120, 1},
	}, keys)
	require.Equal(t, []int{0, 1, 2, 6, 5, 4, 3}, values)
	require.Equal(t, []byte{100, 200, 120, 1}, sl.Last().Key())

	node, added := sl.Add([]byte{50, 10, 1, 9}, 42)
	require.False(t, added)
	require.Equal(t, 4, node.Value())
	require.Equal(t, 7, sl.Len())

	require.Equal(t, sl.First(), sl.FindGTENode([]byte{}))
	require.Equal(t, []byte{1, 2, 3, 4}, sl.FindGTENode([]byte{1, 2, 3, 4}).Key())
	require.Equal(t, []byte{1, 2, 3, 4}, sl.FindGTENode([]byte{1, 2, 3}).Key())
	require.Equal(t, []byte{11, 33}, sl.FindGTENode([]byte{9}).Key())
	require.Equal(t, []byte{50, 10, 1, 9}, sl.FindGTENode([]byte{11, 33, 0}).Key())
	require.Nil(t, sl.FindGTENode([]byte{100, 200, 120, 2}))
}

func TestRandomSkipList(t *testing.T) {
	for i := 0; i < 50; i++ {
		sl := New[struct{}]()
		n := rand.IntN(5000) + 1
		generated := make(map[string]struct{})
		var expect [][]byte
		for len(expect) < n {
			b := make([]byte, rand.IntN(4)+1)
			_, err := crand.Read(b)
			require.NoError(t, err)
			_, added := sl.Add(b, struct{}{})
			_, dup := generated[string(b)]
			require.Equal(t, !dup, added)
			if !dup {
				generated[string(b)] = struct{}{}
				expect = append(expect, b)
			}
		}
		checkSanity(t, sl)
		slices.SortFunc(expect, bytes.Compare)
		keys, _ := enumerate(sl)
		require.Equal(t, expect, keys)
		require.Equal(t, len(expect), sl.Len())
		require.Equal(t, expect[len(expect)-1], sl.Last().Key())
		for i := 0; i < min(10, n); i++ {
			key := expect[rand.IntN(len(expect))]
			node := sl.FindGTENode(key)
			require.NotNil(t, node)
			require.Equal(t, key, node.Key())
		}
	}
}
