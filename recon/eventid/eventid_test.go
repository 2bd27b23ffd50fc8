package eventid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-recon/recon/eventid"
)

func TestEventID(t *testing.T) {
	id := eventid.New("chat", []byte("hello"))
	require.Len(t, id, eventid.Size)
	require.Equal(t, id, eventid.New("chat", []byte("hello")))
	require.NotEqual(t, id, eventid.New("chat", []byte("hello!")))
	require.Equal(t, eventid.Scope(id), eventid.Scope(eventid.New("chat", []byte("other"))))
	require.Nil(t, eventid.Scope(id[:4]))

	r := eventid.ScopeRange("chat")
	require.True(t, r.Contains(id))
	require.False(t, r.Contains(eventid.New("news", []byte("hello"))))
	require.False(t, eventid.ScopeRange("news").Contains(id))
}
