package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/reserved"
)

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry(reserved.New())

	cases := []struct {
		name   string
		wantOK bool
	}{
		{"ab", false},               // too short
		{"my-app", true},            // valid
		{"MyApp", true},             // uppercase normalized to lowercase
		{"my--app", false},          // consecutive hyphens
		{"-myapp", false},           // leading hyphen
		{"myapp-", false},           // trailing hyphen
		{"my_app", false},           // underscore not allowed
		{"api", false},              // reserved
		{"a234567890123456789012345678901234567890123456789012345678901234", false}, // 64 chars, too long
	}

	for _, tc := range cases {
		result := r.Validate(tc.name)
		assert.Equal(t, tc.wantOK, result.OK, "name %q", tc.name)
		if !tc.wantOK {
			assert.NotEmpty(t, result.Reason)
		}
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry(reserved.New())
	tun := &Tunnel{ID: "t1", Kind: protocol.KindHTTP, Subdomain: "MyApp", ClientID: "c1"}

	require.NoError(t, r.Register(tun))
	assert.Equal(t, "myapp", tun.Subdomain, "subdomain is lowercased on register")

	found, ok := r.LookupBySubdomain("myapp")
	require.True(t, ok)
	assert.Equal(t, tun, found)

	found, ok = r.LookupByID("t1")
	require.True(t, ok)
	assert.Equal(t, tun, found)

	_, ok = r.LookupBySubdomain("nope")
	assert.False(t, ok)
}

func TestRegistryRegisterDuplicateSubdomain(t *testing.T) {
	r := NewRegistry(reserved.New())
	require.NoError(t, r.Register(&Tunnel{ID: "t1", Subdomain: "dup", ClientID: "c1"}))

	err := r.Register(&Tunnel{ID: "t2", Subdomain: "dup", ClientID: "c2"})
	assert.ErrorIs(t, err, ErrTaken)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(reserved.New())
	require.NoError(t, r.Register(&Tunnel{ID: "t1", Subdomain: "gone", ClientID: "c1"}))

	r.Unregister("t1")
	_, ok := r.LookupByID("t1")
	assert.False(t, ok)
	_, ok = r.LookupBySubdomain("gone")
	assert.False(t, ok)

	// idempotent
	r.Unregister("t1")
}

func TestRegistryUnregisterClient(t *testing.T) {
	r := NewRegistry(reserved.New())
	require.NoError(t, r.Register(&Tunnel{ID: "t1", Subdomain: "one", ClientID: "c1"}))
	require.NoError(t, r.Register(&Tunnel{ID: "t2", Subdomain: "two", ClientID: "c1"}))
	require.NoError(t, r.Register(&Tunnel{ID: "t3", Subdomain: "three", ClientID: "c2"}))

	removed := r.UnregisterClient("c1")
	assert.Len(t, removed, 2)

	_, ok := r.LookupByID("t1")
	assert.False(t, ok)
	_, ok = r.LookupByID("t3")
	assert.True(t, ok, "other client's tunnel is untouched")

	assert.Equal(t, 1, r.Count())
}

func TestRegistryGenerateUnique(t *testing.T) {
	r := NewRegistry(reserved.New())
	name, err := r.GenerateUnique()
	require.NoError(t, err)
	assert.Len(t, name, 8)

	result := r.Validate(name)
	assert.True(t, result.OK)
}
