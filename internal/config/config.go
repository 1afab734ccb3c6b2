// ABOUTME: Configuration loading and parsing for the xaio gateway
// ABOUTME: YAML with environment variable expansion, defaults, and dotted-key access

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration. It is loaded once at
// startup into an immutable snapshot passed explicitly into each
// component; nothing reads it ad hoc from process-wide state.
type Config struct {
	Agent    AgentConfig              `yaml:"agent"`
	Gateway  GatewayConfig            `yaml:"gateway"`
	Channels map[string]ChannelConfig `yaml:"channels"`
	Grok     GrokConfig               `yaml:"grok"`
	Security SecurityConfig           `yaml:"security"`
	Database DatabaseConfig           `yaml:"database"`
	Logging  LoggingConfig            `yaml:"logging"`
}

// AgentConfig selects the model and default thinking level.
type AgentConfig struct {
	Model         string `yaml:"model"`
	ThinkingLevel string `yaml:"thinkingLevel"` // off, low, medium, high
}

// GatewayConfig holds the control-plane bind settings.
type GatewayConfig struct {
	Port int        `yaml:"port"`
	Bind string     `yaml:"bind"`
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig gates the administrative surface only; channel adapters
// authenticate independently with their own provider credentials.
type AuthConfig struct {
	Mode     string `yaml:"mode"` // none, password, token
	Password string `yaml:"password"`
	Token    string `yaml:"token"` // HS256 signing secret for token mode
}

// ChannelConfig configures one channel adapter.
type ChannelConfig struct {
	Enabled   bool                   `yaml:"enabled"`
	BotToken  string                 `yaml:"botToken"`
	AllowFrom []string               `yaml:"allowFrom"`
	DmPolicy  string                 `yaml:"dmPolicy"` // overrides security.dmPolicy
	Groups    map[string]GroupConfig `yaml:"groups"`
}

// GroupConfig holds per-group flags.
type GroupConfig struct {
	RequireMention bool `yaml:"requireMention"`
}

// GrokConfig is the completion-service endpoint configuration.
type GrokConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl"`
}

// SecurityConfig holds DM gating and sandbox settings.
type SecurityConfig struct {
	DmPolicy string        `yaml:"dmPolicy"` // pairing, open
	Sandbox  SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig is forwarded to the agent as an execution-capability flag.
type SandboxConfig struct {
	Mode string `yaml:"mode"` // off, non-main, all
}

// DatabaseConfig locates the snapshot store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists, matching
// the gateway's stock install: local bind, webchat enabled, pairing on.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:         "grok-3",
			ThinkingLevel: "medium",
		},
		Gateway: GatewayConfig{
			Port: 18789,
			Bind: "127.0.0.1",
			Auth: AuthConfig{Mode: "none"},
		},
		Channels: map[string]ChannelConfig{
			"webchat": {Enabled: true},
		},
		Grok: GrokConfig{
			BaseURL: "https://api.x.ai/v1",
		},
		Security: SecurityConfig{
			DmPolicy: "pairing",
			Sandbox:  SandboxConfig{Mode: "off"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file, expands ${VAR} environment references,
// applies defaults for unset fields, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes. Split from Load for tests.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration back to disk. Only the explicit admin
// "set" operation calls this; the gateway never writes config otherwise.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		name := re.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Validate checks required fields and enum values, returning the first
// failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Gateway.Bind == "" {
		return fmt.Errorf("gateway.bind is required")
	}

	switch c.Gateway.Auth.Mode {
	case "", "none", "password", "token":
	default:
		return fmt.Errorf("gateway.auth.mode must be none, password, or token, got %q", c.Gateway.Auth.Mode)
	}
	if c.Gateway.Auth.Mode == "password" && c.Gateway.Auth.Password == "" {
		return fmt.Errorf("gateway.auth.password is required for password mode")
	}
	if c.Gateway.Auth.Mode == "token" && c.Gateway.Auth.Token == "" {
		return fmt.Errorf("gateway.auth.token is required for token mode")
	}

	switch c.Security.DmPolicy {
	case "", "pairing", "open":
	default:
		return fmt.Errorf("security.dmPolicy must be pairing or open, got %q", c.Security.DmPolicy)
	}

	switch c.Security.Sandbox.Mode {
	case "", "off", "non-main", "all":
	default:
		return fmt.Errorf("security.sandbox.mode must be off, non-main, or all, got %q", c.Security.Sandbox.Mode)
	}

	for name, ch := range c.Channels {
		switch ch.DmPolicy {
		case "", "pairing", "open":
		default:
			return fmt.Errorf("channels.%s.dmPolicy must be pairing or open, got %q", name, ch.DmPolicy)
		}
	}
	return nil
}

// BindAddr returns the host:port string the gateway listens on.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Bind, c.Gateway.Port)
}

// Get resolves a dotted key (e.g. "agent.model") against the config.
func (c *Config) Get(key string) (any, error) {
	m, err := c.asMap()
	if err != nil {
		return nil, err
	}

	cur := any(m)
	for _, part := range strings.Split(key, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("key %q not found", key)
		}
		cur, ok = node[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", key)
		}
	}
	return cur, nil
}

// Set assigns a dotted key. Values parse as YAML scalars, so "true" and
// "42" become bool and int. The modified config is re-validated.
func (c *Config) Set(key, value string) error {
	m, err := c.asMap()
	if err != nil {
		return err
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	parts := strings.Split(key, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = parsed

	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	updated := Default()
	if err := yaml.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("applying %s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	*c = *updated
	return nil
}

func (c *Config) asMap() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
