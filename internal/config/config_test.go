package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestWebsocketURLDerivedFromAPIURL(t *testing.T) {
	cfg := Default()
	cfg.Server.APIURL = "https://chat.example.org/"
	assert.Equal(t, "wss://chat.example.org/ws", cfg.WebsocketURL())

	cfg.Server.APIURL = "http://localhost:8080"
	assert.Equal(t, "ws://localhost:8080/ws", cfg.WebsocketURL())

	cfg.Server.WSURL = "wss://realtime.example.org/socket"
	assert.Equal(t, "wss://realtime.example.org/socket", cfg.WebsocketURL())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api url", func(c *Config) { c.Server.APIURL = "" }},
		{"bad api scheme", func(c *Config) { c.Server.APIURL = "ftp://x" }},
		{"bad ws scheme", func(c *Config) { c.Server.WSURL = "http://x/ws" }},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }},
		{"empty ice server", func(c *Config) { c.Call.ICEServers = []string{""} }},
		{"reconnect max below base", func(c *Config) { c.Server.ReconnectMaxSec = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad subsystem level", func(c *Config) { c.Logging.Subsystems = map[string]string{"call": "loud"} }},
		{"zero history", func(c *Config) { c.Chat.HistoryLimit = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Server.APIURL, cfg.Server.APIURL)

	cfg.Server.APIURL = "http://chat.internal:9000"
	require.NoError(t, Save(path, cfg))

	loaded, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "http://chat.internal:9000", loaded.Server.APIURL)
}

func TestLoadToleratesBOMAndPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"server":{"api_url":"http://x:1"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://x:1", cfg.Server.APIURL)
	// Missing sections keep their defaults.
	assert.Equal(t, Default().Call.RingTimeoutSec, cfg.Call.RingTimeoutSec)
}
