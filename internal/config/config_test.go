// ABOUTME: Tests for configuration parsing, validation, and dotted-key access.
// ABOUTME: Covers defaults, env expansion, enum validation, and the get/set round-trip.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "grok-3", cfg.Agent.Model)
	assert.Equal(t, "medium", cfg.Agent.ThinkingLevel)
	assert.Equal(t, 18789, cfg.Gateway.Port)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Bind)
	assert.Equal(t, "none", cfg.Gateway.Auth.Mode)
	assert.Equal(t, "pairing", cfg.Security.DmPolicy)
	assert.Equal(t, "off", cfg.Security.Sandbox.Mode)
	assert.Equal(t, "https://api.x.ai/v1", cfg.Grok.BaseURL)
	assert.True(t, cfg.Channels["webchat"].Enabled)

	require.NoError(t, cfg.Validate())
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
agent:
  model: grok-4
gateway:
  port: 9000
security:
  dmPolicy: open
`))
	require.NoError(t, err)

	assert.Equal(t, "grok-4", cfg.Agent.Model)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, "open", cfg.Security.DmPolicy)
	// Untouched fields keep their defaults
	assert.Equal(t, "medium", cfg.Agent.ThinkingLevel)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Bind)
}

func TestParse_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_GROK_KEY", "xai-secret")

	cfg, err := Parse([]byte(`
grok:
  apiKey: ${TEST_GROK_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "xai-secret", cfg.Grok.APIKey)
}

func TestParse_UnsetEnvVarIsEmpty(t *testing.T) {
	cfg, err := Parse([]byte(`
grok:
  apiKey: ${DEFINITELY_NOT_SET_12345}
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Grok.APIKey)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad port",
			mutate: func(c *Config) { c.Gateway.Port = 70000 },
			want:   "gateway.port",
		},
		{
			name:   "missing bind",
			mutate: func(c *Config) { c.Gateway.Bind = "" },
			want:   "gateway.bind",
		},
		{
			name:   "bad auth mode",
			mutate: func(c *Config) { c.Gateway.Auth.Mode = "basic" },
			want:   "gateway.auth.mode",
		},
		{
			name:   "password mode without password",
			mutate: func(c *Config) { c.Gateway.Auth.Mode = "password" },
			want:   "gateway.auth.password",
		},
		{
			name:   "token mode without token",
			mutate: func(c *Config) { c.Gateway.Auth.Mode = "token" },
			want:   "gateway.auth.token",
		},
		{
			name:   "bad dm policy",
			mutate: func(c *Config) { c.Security.DmPolicy = "closed" },
			want:   "security.dmPolicy",
		},
		{
			name:   "bad sandbox mode",
			mutate: func(c *Config) { c.Security.Sandbox.Mode = "always" },
			want:   "security.sandbox.mode",
		},
		{
			name: "bad channel dm policy",
			mutate: func(c *Config) {
				c.Channels["telegram"] = ChannelConfig{DmPolicy: "invalid"}
			},
			want: "channels.telegram.dmPolicy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_And_Save(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "gateway.yaml")

	cfg := Default()
	cfg.Agent.Model = "grok-4"
	require.NoError(t, cfg.Save(path))

	// Config files hold secrets; permissions must be owner-only
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "grok-4", loaded.Agent.Model)
}

func TestGet_DottedKey(t *testing.T) {
	cfg := Default()

	val, err := cfg.Get("agent.model")
	require.NoError(t, err)
	assert.Equal(t, "grok-3", val)

	val, err = cfg.Get("gateway.port")
	require.NoError(t, err)
	assert.Equal(t, 18789, val)

	_, err = cfg.Get("agent.nope")
	assert.Error(t, err)

	_, err = cfg.Get("nonexistent.key")
	assert.Error(t, err)
}

func TestSet_DottedKey(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("agent.model", "grok-4"))
	assert.Equal(t, "grok-4", cfg.Agent.Model)

	// Scalar values parse as YAML types
	require.NoError(t, cfg.Set("gateway.port", "9000"))
	assert.Equal(t, 9000, cfg.Gateway.Port)
}

func TestSet_RejectsInvalidResult(t *testing.T) {
	cfg := Default()

	// A set that would break validation is rejected and leaves config intact
	err := cfg.Set("security.dmPolicy", "closed")
	require.Error(t, err)
	assert.Equal(t, "pairing", cfg.Security.DmPolicy)
}

func TestBindAddr(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:18789", cfg.BindAddr())
}
