package interest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/interest"
	"github.com/spacemeshos/go-recon/recon/store/memstore"
	"github.com/spacemeshos/go-recon/recon/types"
)

func k(s string) types.KeyBytes {
	return types.MustParseHexKeyBytes(s)
}

func rng(low, high string) types.Range {
	if high == "" {
		return types.NewRange(k(low), nil)
	}
	return types.NewRange(k(low), k(high))
}

func TestInterestKey(t *testing.T) {
	i := interest.Interest{Scope: "model", Peer: "peer1", Low: k("10"), High: k("20")}
	parsed, err := interest.ParseKey(i.Key())
	require.NoError(t, err)
	require.Equal(t, i, parsed)
	require.True(t, interest.ScopeRange("model", "peer1").Contains(i.Key()))
	require.False(t, interest.ScopeRange("model", "peer2").Contains(i.Key()))
	require.False(t, interest.ScopeRange("mode", "lpeer1").Contains(i.Key()))

	unbounded := interest.Interest{Scope: "model", Peer: "peer1", Low: k("30")}
	parsed, err = interest.ParseKey(unbounded.Key())
	require.NoError(t, err)
	require.Nil(t, parsed.High)
	require.True(t, parsed.Range().Unbounded())
}

func TestValidate(t *testing.T) {
	for _, i := range []interest.Interest{
		{Scope: "model", Peer: "peer1", Low: k("10"), High: k("20")},
		{Scope: "model", Peer: "peer1", Low: k("10")},
		{Scope: "model", Peer: "peer1"},
	} {
		require.NoError(t, i.Validate(), "interest %s", i)
	}
	for _, i := range []interest.Interest{
		{Scope: "model", Peer: "peer1", Low: k("10"), High: types.KeyBytes{}},
		{Scope: "model", Peer: "peer1", High: types.KeyBytes{}},
		{Scope: "model", Peer: "peer1", Low: k("10"), High: k("10")},
		{Scope: "model", Peer: "peer1", Low: k("20"), High: k("10")},
	} {
		require.ErrorIs(t, i.Validate(), interest.ErrEmptyInterest, "interest %s", i)
	}
}

func TestParseMalformedKey(t *testing.T) {
	good := interest.Interest{Scope: "s", Peer: "p", Low: k("01"), High: k("02")}.Key()
	for _, key := range []types.KeyBytes{
		{},
		good[:len(good)-1],
		append(good.Clone(), 0),
		k("ff"),
		k("0561"),
	} {
		_, err := interest.ParseKey(key)
		require.ErrorIs(t, err, interest.ErrMalformedKey, "key %s", key)
	}
}

func TestMerge(t *testing.T) {
	require.Empty(t, interest.Merge(nil))
	require.Equal(t,
		[]types.Range{rng("10", "40"), rng("50", "60")},
		interest.Merge([]types.Range{
			rng("50", "60"),
			rng("20", "40"),
			rng("10", "20"),
			rng("30", "35"),
			rng("70", "70"),
		}))
	require.Equal(t,
		[]types.Range{rng("05", "")},
		interest.Merge([]types.Range{rng("30", "40"), rng("05", ""), rng("80", "90")}))
	require.Equal(t,
		[]types.Range{rng("05", "")},
		interest.Merge([]types.Range{rng("05", "10"), rng("08", "")}))
}

func TestIntersect(t *testing.T) {
	a := []types.Range{rng("10", "20"), rng("30", "40"), rng("50", "")}
	b := []types.Range{rng("15", "35"), rng("38", "55")}
	require.Equal(t,
		[]types.Range{rng("15", "20"), rng("30", "35"), rng("38", "40"), rng("50", "55")},
		interest.Intersect(a, b))
	require.Empty(t, interest.Intersect(a, []types.Range{rng("20", "30")}))
	require.Equal(t, a, interest.Intersect(a, []types.Range{types.FullRange()}))
}

func TestFullInterests(t *testing.T) {
	ctx := context.Background()
	rs, err := interest.FullInterests{}.IsOfInterest(ctx, rng("10", "20"))
	require.NoError(t, err)
	require.Equal(t, []types.Range{rng("10", "20")}, rs)
	rs, err = interest.FullInterests{}.IsOfInterest(ctx, rng("20", "20"))
	require.NoError(t, err)
	require.Empty(t, rs)
}

func TestRanges(t *testing.T) {
	p := interest.Ranges{rng("30", "40"), rng("10", "20")}
	rs, err := p.IsOfInterest(context.Background(), rng("15", "35"))
	require.NoError(t, err)
	require.Equal(t, []types.Range{rng("15", "20"), rng("30", "35")}, rs)
}

func TestStoreProvider(t *testing.T) {
	ctx := context.Background()
	s := memstore.New[ahash.Sha256a]()
	for _, i := range []interest.Interest{
		{Scope: "model", Peer: "me", Low: k("10"), High: k("20")},
		{Scope: "model", Peer: "me", Low: k("18"), High: k("30")},
		{Scope: "model", Peer: "me", Low: k("80")},
		{Scope: "model", Peer: "other", Low: k("40"), High: k("50")},
		{Scope: "other", Peer: "me", Low: k("00"), High: k("ff")},
	} {
		_, err := s.Insert(ctx, i.Key())
		require.NoError(t, err)
	}
	p := interest.NewStoreProvider(s, "model", "me")
	rs, err := p.Interests(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Range{rng("10", "30"), rng("80", "")}, rs)

	rs, err = p.IsOfInterest(ctx, types.FullRange())
	require.NoError(t, err)
	require.Equal(t, []types.Range{rng("10", "30"), rng("80", "")}, rs)
	rs, err = p.IsOfInterest(ctx, rng("40", "60"))
	require.NoError(t, err)
	require.Empty(t, rs)

	empty := interest.NewStoreProvider(s, "nothing", "me")
	rs, err = empty.IsOfInterest(ctx, types.FullRange())
	require.NoError(t, err)
	require.Empty(t, rs)
}
