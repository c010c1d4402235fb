package server

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// AnonymousUser is the user name accepted with any password when anonymous
// login is enabled.
const AnonymousUser = "anonymous"

// Authenticator verifies the credentials presented by USER and PASS.
//
// The server calls Verify once per PASS command with the user name from the
// most recent USER command, which may be empty. Every session shares the
// server's authenticator, so implementations must be safe for concurrent use.
type Authenticator interface {
	Verify(user, pass string) bool
}

// AuthenticatorFunc adapts an ordinary function to the Authenticator interface.
//
// Example:
//
//	auth := server.AuthenticatorFunc(func(user, pass string) bool {
//	    return user == "alice" && pass == lookupPassword("alice")
//	})
type AuthenticatorFunc func(user, pass string) bool

// Verify calls f(user, pass).
func (f AuthenticatorFunc) Verify(user, pass string) bool {
	return f(user, pass)
}

// denyAll rejects every credential.
type denyAll struct{}

func (denyAll) Verify(string, string) bool { return false }

// anonymousAuthenticator accepts AnonymousUser unconditionally and defers
// every other user to next.
type anonymousAuthenticator struct {
	next Authenticator
}

func (a anonymousAuthenticator) Verify(user, pass string) bool {
	if user == AnonymousUser {
		return true
	}
	return a.next.Verify(user, pass)
}

// WithAnonymousAccess wraps next so that AnonymousUser is accepted with any
// password. A nil next accepts only the anonymous user.
func WithAnonymousAccess(next Authenticator) Authenticator {
	if next == nil {
		next = denyAll{}
	}
	return anonymousAuthenticator{next: next}
}

// StaticAuthenticator accepts exactly one user/password pair.
// The password is held only as a bcrypt hash.
type StaticAuthenticator struct {
	user string
	hash []byte
}

// NewStaticAuthenticator hashes password with bcrypt at the given cost and
// returns an authenticator for the pair. Use bcrypt.DefaultCost unless there
// is a reason not to.
func NewStaticAuthenticator(user, password string, cost int) (*StaticAuthenticator, error) {
	if user == "" {
		return nil, fmt.Errorf("static authenticator requires a user name")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password for %q: %w", user, err)
	}
	return &StaticAuthenticator{user: user, hash: hash}, nil
}

// NewStaticAuthenticatorFromHash is like NewStaticAuthenticator but takes an
// existing bcrypt hash, so the clear-text password never has to be configured.
func NewStaticAuthenticatorFromHash(user string, hash []byte) (*StaticAuthenticator, error) {
	if user == "" {
		return nil, fmt.Errorf("static authenticator requires a user name")
	}
	if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("invalid bcrypt hash for %q: %w", user, err)
	}
	return &StaticAuthenticator{user: user, hash: hash}, nil
}

// Verify implements Authenticator.
func (a *StaticAuthenticator) Verify(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(pass)) == nil
}
