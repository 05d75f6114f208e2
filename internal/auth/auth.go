// Package auth implements the Auth Provider collaborator: validating a
// presented credential and returning an opaque account identifier.
package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredential is returned by Provider.Validate on any rejected
// credential, never distinguishing reasons to the caller.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Provider validates a presented credential, returning an opaque account id.
type Provider interface {
	Validate(credential string) (accountID string, err error)
}

// MasterAuth accepts exactly one configured credential, compared in
// constant time to avoid timing side-channels.
type MasterAuth struct {
	Credential string
	AccountID  string
}

// Validate implements Provider.
func (m MasterAuth) Validate(credential string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(credential), []byte(m.Credential)) != 1 {
		return "", ErrInvalidCredential
	}
	accountID := m.AccountID
	if accountID == "" {
		accountID = "master"
	}
	return accountID, nil
}

// Account is a stored credential record: a bcrypt hash of the API key and
// the account id it authenticates as.
type Account struct {
	AccountID  string
	PasswordHash []byte
}

// AccountStore looks accounts up by their plaintext API key's identifying
// prefix or any scheme the implementation chooses; the core only needs the
// ability to fetch candidate Accounts to compare a presented credential
// against. Persistence itself is out of scope.
type AccountStore interface {
	Accounts() ([]Account, error)
}

// HashedKeyAuth validates a presented API key against bcrypt hashes served
// by an injected AccountStore.
type HashedKeyAuth struct {
	Store AccountStore
}

// Validate implements Provider.
func (h HashedKeyAuth) Validate(credential string) (string, error) {
	accounts, err := h.Store.Accounts()
	if err != nil {
		return "", err
	}
	for _, acct := range accounts {
		if bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(credential)) == nil {
			return acct.AccountID, nil
		}
	}
	return "", ErrInvalidCredential
}

// HashCredential is a convenience for AccountStore implementations to build
// Account.PasswordHash values.
func HashCredential(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}

// NoAuth accepts any credential, used when Config.RequireAuth is false.
type NoAuth struct{}

// Validate implements Provider.
func (NoAuth) Validate(credential string) (string, error) {
	return "anonymous", nil
}
