// Package socks5 implements the core of a multi-session SOCKS5 proxy:
// negotiation, optional username/password authentication, and the
// CONNECT and UDP ASSOCIATE relays (RFC 1928, RFC 1929).
package socks5

import (
	"crypto/subtle"
	"errors"
	"io"
	"net"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Auth status for username/password auth (RFC 1929).
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

// Authenticator handles SOCKS5 authentication.
type Authenticator interface {
	// Authenticate performs authentication and returns the username if successful.
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// GetMethod returns the authentication method code.
	GetMethod() byte
}

// NoAuthAuthenticator allows connections without authentication.
type NoAuthAuthenticator struct{}

// Authenticate always succeeds for no-auth.
func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

// GetMethod returns the no-auth method.
func (a *NoAuthAuthenticator) GetMethod() byte {
	return AuthMethodNoAuth
}

// CredentialStore validates credentials.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials stores username to bcrypt hash mappings.
// This is the recommended credential store for production use.
type HashedCredentials map[string]string

// Valid checks if the username/password combination is valid.
// Uses bcrypt comparison which is inherently constant-time.
func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		// Perform a dummy bcrypt comparison to maintain constant time for invalid usernames.
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// dummyHash is a pre-computed bcrypt hash used for timing attack prevention.
var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// StaticCredentials is a static single-entry credential store with a
// plaintext password, matching the CLI surface's single -u/-P pair (§6).
type StaticCredentials map[string]string

// Valid checks if the username/password combination is valid.
// Uses constant-time comparison to prevent timing attacks.
func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashPassword creates a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MustHashPassword creates a bcrypt hash and panics on error. For tests
// and initialization only.
func MustHashPassword(password string) string {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}

// UserPassAuthenticator handles username/password authentication (RFC 1929).
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

// NewUserPassAuthenticator creates a new username/password authenticator.
func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

// GetMethod returns the username/password method.
func (a *UserPassAuthenticator) GetMethod() byte {
	return AuthMethodUserPass
}

// Authenticate performs username/password authentication.
//
// Request:
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
// Reply:
//
//	+----+--------+
//	|VER | STATUS |
//	+----+--------+
//	| 1  |   1    |
//	+----+--------+
func (a *UserPassAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return "", err
	}
	if header[0] != 0x01 {
		return "", errors.New("unsupported auth version")
	}

	uLen := int(header[1])
	if uLen == 0 {
		return "", errors.New("username is empty")
	}
	username := make([]byte, uLen)
	if _, err := io.ReadFull(reader, username); err != nil {
		return "", err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(reader, pLenBuf); err != nil {
		return "", err
	}
	pLen := int(pLenBuf[0])
	if pLen == 0 {
		return "", errors.New("password is empty")
	}
	password := make([]byte, pLen)
	if _, err := io.ReadFull(reader, password); err != nil {
		return "", err
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		writer.Write([]byte{0x01, AuthStatusFailure})
		return "", errors.New("authentication failed")
	}

	if _, err := writer.Write([]byte{0x01, AuthStatusSuccess}); err != nil {
		return "", err
	}
	return string(username), nil
}

// AuthPolicy implements the method-selection algorithm of §4.3. A zero
// value (no username configured) accepts NoAuth only.
type AuthPolicy struct {
	// Username/Password configure username/password authentication.
	// Both must be set or both unset. Password may be plaintext or a
	// bcrypt hash (as printed by `socks5d hash`).
	Username string
	Password string

	// AuthOnce enables §4.3 step 2: a peer address family+address that
	// has previously completed password auth is admitted with NoAuth.
	// Requires Username/Password to be set.
	AuthOnce bool
}

// Validate enforces the both-or-neither and auth-once-requires-creds
// rules from §4.3.
func (p AuthPolicy) Validate() error {
	hasUser := p.Username != ""
	hasPass := p.Password != ""
	if hasUser != hasPass {
		return errors.New("auth_user and auth_pass must both be set or both be empty")
	}
	if p.AuthOnce && !hasUser {
		return errors.New("auth_once requires auth_user and auth_pass")
	}
	return nil
}

// authenticator builds the Authenticator for a successful UserPass
// selection. A Password that parses as a bcrypt hash is checked with
// bcrypt; any other Password is compared as plaintext.
func (p AuthPolicy) authenticator() Authenticator {
	if _, err := bcrypt.Cost([]byte(p.Password)); err == nil {
		return NewUserPassAuthenticator(HashedCredentials{p.Username: p.Password})
	}
	return NewUserPassAuthenticator(StaticCredentials{p.Username: p.Password})
}

// selectMethod implements §4.3's four-step method-selection algorithm
// given the client's advertised method list. authIPs is nil when
// auth-once is not in play (e.g. unauthenticated transport tests).
func (p AuthPolicy) selectMethod(offered []byte, peer net.Addr, authIPs *AuthIPSet) byte {
	has := func(m byte) bool {
		for _, o := range offered {
			if o == m {
				return true
			}
		}
		return false
	}

	if p.Username == "" {
		if has(AuthMethodNoAuth) {
			return AuthMethodNoAuth
		}
		return AuthMethodNoAcceptable
	}

	if p.AuthOnce && authIPs != nil && peer != nil && authIPs.Contains(peer) && has(AuthMethodNoAuth) {
		return AuthMethodNoAuth
	}

	if has(AuthMethodUserPass) {
		return AuthMethodUserPass
	}

	return AuthMethodNoAcceptable
}
