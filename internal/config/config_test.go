package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "10mb", cfg.Server.RequestBodyLimit)
	assert.Equal(t, 4, cfg.Browser.PoolSize)
	assert.True(t, cfg.Browser.Headless)
	assert.False(t, cfg.Browser.IgnoreTLSErrors)
	assert.False(t, cfg.Browser.RemoteConfigured())
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout())
	assert.Equal(t, "https://api.scrape.do/", cfg.Proxy.Endpoint)
	assert.False(t, cfg.Proxy.Configured())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                    "9000",
		"REQUEST_BODY_LIMIT":      "1mb",
		"CHROME_WS_ENDPOINT":      "ws://chrome:9222",
		"ALLOW_IGNORE_SSL_ERRORS": "true",
		"POOL_SIZE":               "2",
		"FETCH_TIMEOUT_MS":        "5000",
		"SCRAPE_DO_API_KEY":       "secret",
		"SCRAPE_DO_RETRIES":       "0",
		"SCRAPE_DO_RPS":           "2.5",
		"LOG_LEVEL":               "debug",
		"LOG_DEV":                 "true",
	}
	for k, v := range envVars {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	limit, err := cfg.Server.BodyLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1000*1000), limit)
	assert.Equal(t, "ws://chrome:9222", cfg.Browser.WSEndpoint)
	assert.True(t, cfg.Browser.RemoteConfigured())
	assert.True(t, cfg.Browser.IgnoreTLSErrors)
	assert.Equal(t, 2, cfg.Browser.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout())
	assert.True(t, cfg.Proxy.Configured())
	assert.Equal(t, 0, cfg.Proxy.Retries)
	assert.InDelta(t, 2.5, cfg.Proxy.RPS, 0.0001)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "zero pool", key: "POOL_SIZE", val: "0"},
		{name: "non numeric pool", key: "POOL_SIZE", val: "many"},
		{name: "zero timeout", key: "FETCH_TIMEOUT_MS", val: "0"},
		{name: "negative retries", key: "SCRAPE_DO_RETRIES", val: "-1"},
		{name: "bad body limit", key: "REQUEST_BODY_LIMIT", val: "lots"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
