package config

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// LocalGuard holds a bcrypt hash of a local PIN and checks PINs against
// it. Nothing in this module uses it: the password in a profile file is
// stored base64-encoded and decoded without any PIN check.
type LocalGuard struct {
	hash []byte
}

// NewLocalGuard hashes pin with bcrypt at the default cost, matching the
// NIST-leaning password-policy cost used elsewhere in the ambient stack.
func NewLocalGuard(pin string) (*LocalGuard, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash guard pin: %w", err)
	}
	return &LocalGuard{hash: hash}, nil
}

// LoadLocalGuard wraps an already-hashed value read back from storage.
func LoadLocalGuard(hash []byte) *LocalGuard {
	return &LocalGuard{hash: hash}
}

// Hash returns the stored bcrypt hash, for persistence alongside the
// profile.
func (g *LocalGuard) Hash() []byte {
	return g.hash
}

// Unlock reports whether pin matches the guard's stored hash.
func (g *LocalGuard) Unlock(pin string) bool {
	return bcrypt.CompareHashAndPassword(g.hash, []byte(pin)) == nil
}
