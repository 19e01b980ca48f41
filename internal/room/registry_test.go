package room

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	frames []any
}

func (f *fakeConn) WriteJSON(v any) error   { f.frames = append(f.frames, v); return nil }
func (f *fakeConn) WriteRaw(_ []byte) error { return nil }

func TestRegistryMembership(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeConn{}, &fakeConn{}

	require.True(t, r.Join("room", "alpha", a))
	require.True(t, r.Join("room", "beta", b))

	t.Run("duplicate id is rejected", func(t *testing.T) {
		require.False(t, r.Join("room", "alpha", &fakeConn{}))
		require.Len(t, r.Members("room"), 2)
	})

	t.Run("join order is preserved", func(t *testing.T) {
		members := r.Members("room")
		require.Equal(t, "alpha", members[0].ID)
		require.Equal(t, "beta", members[1].ID)
	})

	t.Run("other never returns self", func(t *testing.T) {
		p, ok := r.Other("room", a)
		require.True(t, ok)
		require.Equal(t, "beta", p.ID)

		p, ok = r.Other("room", b)
		require.True(t, ok)
		require.Equal(t, "alpha", p.ID)
	})

	t.Run("leave promotes next in join order", func(t *testing.T) {
		_, ok := r.Leave("room", "alpha")
		require.True(t, ok)

		members := r.Members("room")
		require.Len(t, members, 1)
		require.Equal(t, "beta", members[0].ID)
	})

	t.Run("room vanishes with its last member", func(t *testing.T) {
		_, ok := r.Leave("room", "beta")
		require.True(t, ok)
		require.Empty(t, r.Members("room"))

		_, ok = r.Leave("room", "beta")
		require.False(t, ok)
	})
}

func TestRegistryUpdateField(t *testing.T) {
	r := NewRegistry()
	r.Join("room", "alpha", &fakeConn{})

	require.True(t, r.UpdateField("room", "alpha", FieldUsername, "Ann"))
	require.True(t, r.UpdateField("room", "alpha", FieldVoice, true))
	require.True(t, r.UpdateField("room", "alpha", FieldAgreed, true))

	p := r.Members("room")[0]
	require.Equal(t, "Ann", p.Username)
	require.True(t, p.Voice)
	require.True(t, p.Agreed)

	t.Run("wrong value type", func(t *testing.T) {
		require.False(t, r.UpdateField("room", "alpha", FieldVoice, "yes"))
	})
	t.Run("unknown field", func(t *testing.T) {
		require.False(t, r.UpdateField("room", "alpha", "color", "red"))
	})
	t.Run("unknown participant", func(t *testing.T) {
		require.False(t, r.UpdateField("room", "ghost", FieldUsername, "x"))
	})
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry()
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r.Join("room", "alpha", a)
	r.Join("room", "beta", b)
	r.Join("room", "gamma", c)

	r.Broadcast("room", a, "hello")

	require.Empty(t, a.frames)
	require.Len(t, b.frames, 1)
	require.Len(t, c.frames, 1)
}
