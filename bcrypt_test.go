package lifecycle_test

import (
	"testing"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword(t *testing.T) {
	hasher := lifecycle.NewBcryptHasher(bcrypt.MinCost)

	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{
			name:     "Valid password",
			password: "securePassword123!",
			wantErr:  false,
		},
		{
			name:     "Empty password",
			password: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := hasher.HashPassword(tt.password)

			if tt.wantErr {
				assert.ErrorIs(t, err, lifecycle.ErrNoEmptyString)
				return
			}

			assert.NoError(t, err)
			assert.NotEmpty(t, hash)

			err = hasher.ComparePasswordAndHash(tt.password, hash)
			assert.NoError(t, err)
		})
	}
}

func TestComparePasswordAndHash(t *testing.T) {
	hasher := lifecycle.NewBcryptHasher(bcrypt.MinCost)

	password := "testPassword123!"
	hash, err := hasher.HashPassword(password)
	assert.NoError(t, err)

	tests := []struct {
		name     string
		password string
		hash     string
		wantErr  error
	}{
		{
			name:     "Matching password",
			password: password,
			hash:     hash,
		},
		{
			name:     "Wrong password",
			password: "wrongPassword",
			hash:     hash,
			wantErr:  lifecycle.ErrMismatchedHashAndPassword,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := hasher.ComparePasswordAndHash(tt.password, tt.hash)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	t.Run("Invalid hash", func(t *testing.T) {
		err := hasher.ComparePasswordAndHash(password, "invalidhash")
		assert.Error(t, err)
	})
}

func TestRandomPasswordHashNeverMatchesEmpty(t *testing.T) {
	hasher := lifecycle.NewBcryptHasher(bcrypt.MinCost)

	hash := hasher.RandomPasswordHash()
	assert.NotEmpty(t, hash)
	assert.Error(t, hasher.ComparePasswordAndHash("", hash))
}
