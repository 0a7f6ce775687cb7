package secrets

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHandler hashes and verifies plaintext secrets. Both account
// passwords and one-time codes run through the same implementation so neither
// is ever persisted in clear.
type PasswordHandler interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) (bool, error)
}

// Ensure Bcrypt implements PasswordHandler
var _ PasswordHandler = (*Bcrypt)(nil)

// Bcrypt implements PasswordHandler on the bcrypt KDF.
type Bcrypt struct {
	Cost int
}

// NewBcrypt returns a handler at the library default cost.
func NewBcrypt() *Bcrypt {
	return &Bcrypt{Cost: bcrypt.DefaultCost}
}

// Hash derives a salted hash from the plaintext.
func (b *Bcrypt) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("secrets: plaintext must not be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), b.Cost)
	if err != nil {
		return "", fmt.Errorf("secrets: hashing failed: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether the plaintext matches the stored hash. A mismatch is
// a false result, not an error; errors indicate an unusable hash.
func (b *Bcrypt) Verify(plaintext, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("secrets: hash comparison failed: %w", err)
}
