package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	written [][]byte
	closed  bool
}

func (f *fakeChannel) WriteMessage(data []byte) error {
	f.written = append(f.written, data)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func (f *fakeChannel) RemoteAddr() string { return "127.0.0.1:1234" }

func TestConnectionManagerRegisterLookupUnregister(t *testing.T) {
	m := NewConnectionManager()
	canceled := false

	conn, err := m.Register("acct-1", &fakeChannel{}, func() { canceled = true })
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID)
	assert.False(t, conn.Closed())
	assert.Equal(t, 1, m.Count())

	found, ok := m.Lookup(conn.ID)
	require.True(t, ok)
	assert.Equal(t, conn, found)

	m.Unregister(conn.ID)
	assert.True(t, canceled, "cancel func is called on unregister")
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, m.Count())

	_, ok = m.Lookup(conn.ID)
	assert.False(t, ok)
}

func TestConnectionManagerUnregisterIsIdempotent(t *testing.T) {
	m := NewConnectionManager()
	calls := 0
	conn, err := m.Register("acct-1", &fakeChannel{}, func() { calls++ })
	require.NoError(t, err)

	m.Unregister(conn.ID)
	m.Unregister(conn.ID)
	assert.Equal(t, 1, calls, "cancel only fires once even if unregister is called twice")
}

func TestConnectionManagerEach(t *testing.T) {
	m := NewConnectionManager()
	_, err := m.Register("a", &fakeChannel{}, nil)
	require.NoError(t, err)
	_, err = m.Register("b", &fakeChannel{}, nil)
	require.NoError(t, err)

	seen := make(map[string]bool)
	m.Each(func(c *ClientConnection) { seen[c.AccountID] = true })
	assert.Len(t, seen, 2)
}

func TestClientConnectionTouch(t *testing.T) {
	c := &ClientConnection{}
	c.Touch()
	first := c.LastActivity()
	assert.False(t, first.IsZero())
}
