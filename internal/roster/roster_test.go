package roster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetPreservesKnownPresence(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(Friend{ID: 7, Username: "bob"})
	tbl.SetPresence(7, "ONLINE")

	tbl.Reset([]Friend{{ID: 7, Username: "bob"}, {ID: 8, Username: "carol"}}, nil)

	f, ok := tbl.Get(7)
	require.True(t, ok)
	assert.Equal(t, "ONLINE", f.Status)

	f, ok = tbl.Get(8)
	require.True(t, ok)
	assert.Empty(t, f.Status)
}

func TestSetPresenceIgnoresStrangers(t *testing.T) {
	tbl := NewTable()
	tbl.SetPresence(99, "ONLINE")
	_, ok := tbl.Get(99)
	assert.False(t, ok)
}

func TestPresenceChangeNotifiesListeners(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(Friend{ID: 7, Username: "bob"})

	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.SetPresence(7, "DND")
	evt := <-ch
	assert.Equal(t, "presence", evt.Type)
	assert.Equal(t, int64(7), evt.FriendID)
	require.NotNil(t, evt.Friend)
	assert.Equal(t, "DND", evt.Friend.Status)
}

func TestUnchangedPresenceDoesNotNotify(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(Friend{ID: 7, Username: "bob"})
	tbl.SetPresence(7, "ONLINE")

	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.SetPresence(7, "ONLINE")
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %q for unchanged status", evt.Type)
	default:
	}
}

func TestResolveRequestAcceptAddsFriend(t *testing.T) {
	tbl := NewTable()
	tbl.AddRequest(Request{ID: 3, FromID: 9, Username: "carol"})
	require.Len(t, tbl.Requests(), 1)

	tbl.ResolveRequest(3, &Friend{ID: 9, Username: "carol"})
	assert.Empty(t, tbl.Requests())
	assert.True(t, tbl.IsFriend(9))
}

func TestResolveRequestDeclineOnlyRemoves(t *testing.T) {
	tbl := NewTable()
	tbl.AddRequest(Request{ID: 3, FromID: 9, Username: "carol"})
	tbl.ResolveRequest(3, nil)
	assert.Empty(t, tbl.Requests())
	assert.False(t, tbl.IsFriend(9))
}

func TestRemoveFriend(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(Friend{ID: 7, Username: "bob"})
	tbl.Remove(7)
	assert.False(t, tbl.IsFriend(7))
	assert.Empty(t, tbl.Friends())
}
