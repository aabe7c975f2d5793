package vm

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-construct/construct-sub013/dbs"
	"github.com/matrix-construct/construct-sub013/event"
)

func TestInject_BuildsOnTheRoom(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	m := newVM(t, Options{
		Origin: "example.org",
		KeyID:  "ed25519:1",
		Key:    priv,
		Now:    func() time.Time { return time.UnixMilli(1_600_000_000_000) },
	})

	empty, self := "", alice
	created, idx, err := m.Inject(ctx, Template{
		RoomID:   room,
		Sender:   alice,
		Type:     event.TypeCreate,
		StateKey: &empty,
		Content:  json.RawMessage(`{"creator":"` + alice + `"}`),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(1), idx)
	assert.Len(t, created.EventID, 44)
	assert.Equal(t, event.DefaultRoomVersion, created.ContentString("room_version"))
	version, err := m.RoomVersion(room, nil)
	require.NoError(t, err)
	assert.Equal(t, event.DefaultRoomVersion, version)

	joined, idx, err := m.Inject(ctx, Template{
		RoomID:   room,
		Sender:   alice,
		Type:     event.TypeMember,
		StateKey: &self,
		Content:  json.RawMessage(`{"membership":"join"}`),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(2), idx)
	assert.Equal(t, []string{created.EventID}, joined.PrevIDs())
	assert.Equal(t, []string{created.EventID}, joined.AuthIDs())
	assert.Equal(t, int64(2), joined.Depth)

	msg, idx, err := m.Inject(ctx, Template{
		RoomID:  room,
		Sender:  alice,
		Type:    "m.room.message",
		Content: json.RawMessage(`{"body":"hi"}`),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(3), idx)
	assert.Equal(t, []string{joined.EventID}, msg.PrevIDs())
	assert.Equal(t, []string{created.EventID, joined.EventID}, msg.AuthIDs())
	assert.Equal(t, int64(3), msg.Depth)
	assert.Equal(t, int64(1_600_000_000_000), msg.OriginServerTS)

	// the stored copy verifies and hashes to its id
	f := dbs.NewFetch(dbs.FetchOpts{ForceJSON: true})
	require.True(t, m.DB().Seek(m.DB().Reader(), f, 3))
	assert.NoError(t, event.Verify(f.JSON, version, "example.org", "ed25519:1", pub))
	id, err := event.ID(f.JSON, version)
	require.NoError(t, err)
	assert.Equal(t, msg.EventID, id)

	var members []string
	for _, user := range m.DB().Joined(m.DB().Reader(), room) {
		members = append(members, user)
	}
	assert.Equal(t, []string{alice}, members)
}

func TestInject_Rejects(t *testing.T) {
	ctx := context.Background()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	anon := newVM(t, Options{})
	_, _, err = anon.Inject(ctx, Template{RoomID: room, Sender: alice, Type: "m.room.message"}, nil)
	assert.ErrorIs(t, err, ErrNoIdentity)

	m := newVM(t, Options{Origin: "example.org", KeyID: "ed25519:1", Key: priv})
	_, _, err = m.Inject(ctx, Template{RoomID: room, Sender: "@eve:elsewhere.org", Type: "m.room.message"}, nil)
	assert.ErrorIs(t, err, ErrNotLocal)
	assert.Equal(t, FaultEvent, FaultOf(err))

	_, _, err = m.Inject(ctx, Template{RoomID: "!unknown:example.org", Sender: alice, Type: "m.room.message"}, nil)
	assert.ErrorIs(t, err, ErrUnknownRoom)
	assert.Equal(t, FaultState, FaultOf(err))
}

func TestInject_LegacyRoomVersionCarriesExplicitID(t *testing.T) {
	ctx := context.Background()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	m := newVM(t, Options{Origin: "example.org", KeyID: "ed25519:1", Key: priv, RoomVersion: "1"})
	empty := ""
	created, idx, err := m.Inject(ctx, Template{RoomID: room, Sender: alice, Type: event.TypeCreate, StateKey: &empty}, nil)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(1), idx)
	assert.True(t, event.ValidID('$', created.EventID))
	assert.Equal(t, "example.org", event.Host(created.EventID))
	assert.Equal(t, "1", created.ContentString("room_version"))

	// references are [id, hashes] pairs in the legacy versions
	msg, idx, err := m.Inject(ctx, Template{RoomID: room, Sender: alice, Type: "m.room.message",
		Content: json.RawMessage(`{"body":"hi"}`)}, nil)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(2), idx)
	f := dbs.NewFetch(dbs.FetchOpts{ForceJSON: true})
	require.True(t, m.DB().Seek(m.DB().Reader(), f, 1))
	ref, err := event.ReferenceHash(f.JSON, "1")
	require.NoError(t, err)
	pair := `[["` + created.EventID + `",{"sha256":"` + base64.RawStdEncoding.EncodeToString(ref) + `"}]]`
	assert.Equal(t, pair, string(msg.PrevEvents))
	assert.Equal(t, pair, string(msg.AuthEvents))
	assert.Equal(t, []string{created.EventID}, msg.PrevIDs())
}
