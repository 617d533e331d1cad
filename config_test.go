package lifecycle_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configTestKey = "0123456789abcdef0123456789abcdef"

func setRequiredConfigEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LIFECYCLE_TOKENS__HASH_KEY", configTestKey)
	t.Setenv("LIFECYCLE_SESSIONS__SIGNING_KEY", configTestKey)
	t.Setenv("LIFECYCLE_WEBHOOKS__SECRET", "whsec_config")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredConfigEnv(t)

	cfg, err := lifecycle.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, lifecycle.DialectSQLite, cfg.Database.Driver)
	assert.True(t, cfg.Database.Migrate)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, 24*time.Hour, cfg.Tokens.EmailVerificationTTL)
	assert.Equal(t, time.Hour, cfg.Tokens.PasswordResetTTL)
	assert.Equal(t, "stripe", cfg.Webhooks.Provider)
	assert.Equal(t, 5*time.Minute, cfg.Webhooks.Tolerance)
	assert.Equal(t, "log", cfg.Mail.Transport)

	policies := cfg.RateLimits.Policies()
	assert.Equal(t, lifecycle.RateLimitPolicy{Limit: 3, Window: time.Hour}, policies.ForgotPassword)
	assert.Equal(t, lifecycle.RateLimitPolicy{Limit: 5, Window: 15 * time.Minute}, policies.LoginEmail)
	assert.True(t, policies.ResetPassword.Enabled())
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	setRequiredConfigEnv(t)
	t.Setenv("LIFECYCLE_RATE_LIMITS__FORGOT_PASSWORD__LIMIT", "7")
	t.Setenv("LIFECYCLE_RATE_LIMITS__FORGOT_PASSWORD__WINDOW", "30m")
	t.Setenv("LIFECYCLE_HTTP__BASE_URL", "https://accounts.example.com")

	cfg, err := lifecycle.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, lifecycle.RateLimitPolicy{Limit: 7, Window: 30 * time.Minute}, cfg.RateLimits.ForgotPassword)
	assert.Equal(t, "https://accounts.example.com", cfg.HTTP.BaseURL)
	assert.Equal(t, configTestKey, cfg.Tokens.HashKey)
}

func TestLoadConfigFile(t *testing.T) {
	setRequiredConfigEnv(t)
	t.Setenv("LIFECYCLE_WEBHOOKS__PROVIDER", "hmac")

	path := filepath.Join(t.TempDir(), "lifecycle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"database:",
		"  driver: postgres",
		"  dsn: postgres://localhost/lifecycle",
		"webhooks:",
		"  provider: stripe",
		"  tolerance: 2m",
		"sweeper:",
		"  enabled: false",
	}, "\n")), 0o600))

	cfg, err := lifecycle.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.DialectPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/lifecycle", cfg.Database.DSN)
	assert.Equal(t, 2*time.Minute, cfg.Webhooks.Tolerance)
	assert.False(t, cfg.Sweeper.Enabled)
	assert.Equal(t, "hmac", cfg.Webhooks.Provider, "environment wins over the file")
}

func TestLoadConfigMissingFile(t *testing.T) {
	setRequiredConfigEnv(t)

	_, err := lifecycle.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing hash key", map[string]string{"LIFECYCLE_TOKENS__HASH_KEY": ""}},
		{"short signing key", map[string]string{"LIFECYCLE_SESSIONS__SIGNING_KEY": "short"}},
		{"missing webhook secret", map[string]string{"LIFECYCLE_WEBHOOKS__SECRET": ""}},
		{"unknown provider", map[string]string{"LIFECYCLE_WEBHOOKS__PROVIDER": "paypal"}},
		{"redis without address", map[string]string{"LIFECYCLE_RATE_LIMITS__BACKEND": "redis"}},
		{"sqs without queue", map[string]string{"LIFECYCLE_MAIL__TRANSPORT": "sqs"}},
		{"unknown driver", map[string]string{"LIFECYCLE_DATABASE__DRIVER": "oracle"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := lifecycle.LoadConfig("")
			require.Error(t, err)
			assert.Equal(t, lifecycle.KindValidation, lifecycle.ClassifyError(err))
		})
	}
}
