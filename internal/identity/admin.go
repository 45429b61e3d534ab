// Package identity provides credential verification for the admin API.
package identity

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotConfigured      = errors.New("admin credentials not configured")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Admin verifies a single configured admin credential. The password from
// configuration is bcrypt-hashed at construction so the plaintext is not
// retained; a value that already looks like a bcrypt hash is used as-is.
type Admin struct {
	username string
	hash     []byte
}

// NewAdmin builds an Admin from configured credentials. An empty username
// or password yields an Admin that rejects everything.
func NewAdmin(username, password string) (*Admin, error) {
	a := &Admin{username: username}
	if username == "" || password == "" {
		return a, nil
	}

	if strings.HasPrefix(password, "$2a$") || strings.HasPrefix(password, "$2b$") || strings.HasPrefix(password, "$2y$") {
		if _, err := bcrypt.Cost([]byte(password)); err != nil {
			return nil, errors.New("admin password looks like a bcrypt hash but is malformed")
		}
		a.hash = []byte(password)
		return a, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a.hash = hash
	return a, nil
}

// Enabled reports whether credentials are configured.
func (a *Admin) Enabled() bool {
	return a.username != "" && len(a.hash) > 0
}

// Verify checks a username and password pair. Username comparison is
// constant time; password comparison is bcrypt.
func (a *Admin) Verify(username, password string) error {
	if !a.Enabled() {
		return ErrNotConfigured
	}
	userOK := subtle.ConstantTimeCompare([]byte(a.username), []byte(username)) == 1
	passErr := bcrypt.CompareHashAndPassword(a.hash, []byte(password))
	if !userOK || passErr != nil {
		return ErrInvalidCredentials
	}
	return nil
}
