package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("KAIGI_TEST_INT", "42")
	t.Setenv("KAIGI_TEST_BOOL", "true")
	t.Setenv("KAIGI_TEST_DUR", "5s")
	t.Setenv("KAIGI_TEST_FLOAT", "2.5")

	n, err := envInt("KAIGI_TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = envInt("KAIGI_TEST_UNSET", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, n, "unset falls back")

	b, err := envBool("KAIGI_TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)

	d, err := envDuration("KAIGI_TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	f, err := envFloat("KAIGI_TEST_FLOAT", 1)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, f, 1e-9)
}

func TestEnvHelpers_Invalid(t *testing.T) {
	tests := []struct {
		value string
		parse func(key string) error
		want  string
	}{
		{"abc", func(k string) error { _, err := envInt(k, 0); return err }, "is not a valid integer"},
		{"maybe", func(k string) error { _, err := envBool(k, false); return err }, "is not a valid boolean"},
		{"five-seconds", func(k string) error { _, err := envDuration(k, 0); return err }, "is not a valid duration"},
		{"fast", func(k string) error { _, err := envFloat(k, 1); return err }, "is not a valid number"},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("KAIGI_TEST_BAD", tt.value)
			err := tt.parse("KAIGI_TEST_BAD")
			require.Error(t, err)
			assert.Contains(t, err.Error(), `KAIGI_TEST_BAD="`+tt.value+`"`)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ReportsEveryInvalidVar(t *testing.T) {
	t.Setenv("KAIGI_PORT", "abc")
	t.Setenv("KAIGI_RETRY_BACKOFF", "xyz")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `KAIGI_PORT="abc"`)
	assert.Contains(t, err.Error(), "KAIGI_RETRY_BACKOFF")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, cfg.DatabaseURL, cfg.NotifyURL, "NOTIFY_URL defaults to DATABASE_URL")
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store = "mysql" }, "KAIGI_STORE"},
		{"sqlite without path", func(c *Config) { c.Store = StoreSQLite; c.SQLitePath = "" }, "KAIGI_SQLITE_PATH"},
		{"relative callback url", func(c *Config) { c.CallbackBaseURL = "/callbacks" }, "KAIGI_CALLBACK_BASE_URL"},
		{"half a key pair", func(c *Config) { c.CallbackPrivateKey = "priv.pem" }, "KAIGI_CALLBACK_PUBLIC_KEY"},
		{"too many rounds", func(c *Config) { c.MaxDebateRounds = 4 }, "KAIGI_MAX_DEBATE_ROUNDS"},
		{"no attempts", func(c *Config) { c.RetryAttempts = 0 }, "KAIGI_RETRY_ATTEMPTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
