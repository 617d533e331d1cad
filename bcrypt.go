package lifecycle

import (
	"errors"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNoEmptyString is returned when hashing an empty password
	ErrNoEmptyString = errors.New("password can not be empty")
	// ErrMismatchedHashAndPassword is returned when the password does not match
	ErrMismatchedHashAndPassword = errors.New("password does not match hash")
)

// BcryptHasher implements PasswordHasher
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a hasher, a zero cost uses the build default.
func NewBcryptHasher(cost int) BcryptHasher {
	if cost == 0 {
		cost = passwordHashCost()
	}
	return BcryptHasher{Cost: cost}
}

// HashPassword will generate a password hash
func (b BcryptHasher) HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrNoEmptyString
	}

	cost := b.Cost
	if cost == 0 {
		cost = passwordHashCost()
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(h), err
}

// ComparePasswordAndHash will validate the given cleartext
// password matches the hashed password
func (b BcryptHasher) ComparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatchedHashAndPassword
		}
		return err
	}
	return nil
}

// RandomPasswordHash hashes a random password. Used to compare against when
// an account does not exist so both paths cost the same.
func (b BcryptHasher) RandomPasswordHash() string {
	pwd := uuid.New()

	h, err := b.HashPassword(pwd.String())
	if err != nil {
		// only an out of range cost fails
		h, _ = NewBcryptHasher(0).HashPassword(pwd.String())
	}

	return h
}
