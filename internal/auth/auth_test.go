package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterAuth(t *testing.T) {
	p := MasterAuth{Credential: "secret-token", AccountID: "acct-1"}

	accountID, err := p.Validate("secret-token")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", accountID)

	_, err = p.Validate("wrong")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

type fakeStore struct {
	accounts []Account
}

func (f fakeStore) Accounts() ([]Account, error) { return f.accounts, nil }

func TestHashedKeyAuth(t *testing.T) {
	hash, err := HashCredential("sk-live-123")
	require.NoError(t, err)

	p := HashedKeyAuth{Store: fakeStore{accounts: []Account{
		{AccountID: "acct-2", PasswordHash: hash},
	}}}

	accountID, err := p.Validate("sk-live-123")
	require.NoError(t, err)
	assert.Equal(t, "acct-2", accountID)

	_, err = p.Validate("sk-live-wrong")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestNoAuth(t *testing.T) {
	p := NoAuth{}
	accountID, err := p.Validate("anything")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", accountID)
}
