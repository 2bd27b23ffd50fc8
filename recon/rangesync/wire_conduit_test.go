package rangesync

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-recon/recon/store/storetest"
	"github.com/spacemeshos/go-recon/recon/types"
)

func TestWireConduit(t *testing.T) {
	k1, k2, k3 := storetest.Key(1), storetest.Key(2), storetest.Key(3)
	rng := types.NewRange(k1, k3)
	msgs := []SyncMessage{
		&InterestRequestMessage{
			Topic:  "model",
			Ranges: []types.Range{types.NewRange(nil, k1), types.NewRange(k2, nil)},
		},
		&InterestResponseMessage{Ranges: []types.Range{rng}},
		&EndRoundMessage{},
		&RangeRequestMessage{RangeSummary{Range: types.FullRange(), Hash: Hash{1, 2, 3}, Count: 42}},
		&RangeResponseMessage{RangeSummary{Range: rng, Hash: Hash{4}, Count: 2}},
		&SplitMessage{
			Range: types.FullRange(),
			Parts: []RangeSummary{
				{Range: types.NewRange(nil, k2), Hash: Hash{5}, Count: 1},
				{Range: types.NewRange(k2, nil), Count: 0},
			},
		},
		&KeysMessage{Range: rng, Keys: []types.KeyBytes{k1, k2}, More: true},
		&KeysMessage{Range: rng, Keys: []types.KeyBytes{k3}, Final: true},
		&DoneMessage{},
	}
	var buf bytes.Buffer
	c := newWireConduit(&buf)
	for _, m := range msgs {
		require.NoError(t, c.Send(m))
	}
	require.Zero(t, buf.Len(), "not flushed yet")
	require.NoError(t, c.Flush())

	for _, expected := range msgs {
		m, err := c.NextMessage()
		require.NoError(t, err)
		require.Equal(t, expected, m)
		require.Equal(t, expected.NeedsReply(), m.NeedsReply())
	}
	m, err := c.NextMessage()
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestWireConduitBadMessages(t *testing.T) {
	t.Run("bad type", func(t *testing.T) {
		c := newWireConduit(bytes.NewBuffer([]byte{0x42}))
		_, err := c.NextMessage()
		require.ErrorIs(t, err, ErrBadMessage)
	})
	t.Run("truncated", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, encodeMessage(&buf, &KeysMessage{
			Range: types.FullRange(),
			Keys:  []types.KeyBytes{storetest.Key(1)},
		}))
		buf.Truncate(buf.Len() - 1)
		_, err := newWireConduit(&buf).NextMessage()
		require.ErrorIs(t, err, ErrBadMessage)
	})
	t.Run("too many parts", func(t *testing.T) {
		var buf bytes.Buffer
		parts := make([]RangeSummary, MaxSplitParts+1)
		for i := range parts {
			parts[i].Range = types.FullRange()
		}
		require.NoError(t, encodeMessage(&buf, &SplitMessage{Range: types.FullRange(), Parts: parts}))
		_, err := newWireConduit(&buf).NextMessage()
		require.ErrorIs(t, err, ErrBadMessage)
	})
}

func TestInitialRequest(t *testing.T) {
	req := &InterestRequestMessage{
		Topic:  "interest",
		Ranges: []types.Range{types.FullRange()},
	}
	b, err := EncodeInitialRequest(req)
	require.NoError(t, err)
	decoded, err := DecodeInitialRequest(b)
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	var buf bytes.Buffer
	require.NoError(t, encodeMessage(&buf, &DoneMessage{}))
	_, err = DecodeInitialRequest(buf.Bytes())
	require.ErrorIs(t, err, ErrBadMessage)
	_, err = DecodeInitialRequest(nil)
	require.ErrorIs(t, err, ErrBadMessage)
}
