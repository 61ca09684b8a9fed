// ABOUTME: Configuration loading and parsing for the c3po coordinator
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the config file nor the environment
// supplies a value.
const (
	DefaultPort         = 8420
	DefaultBindHost     = "0.0.0.0"
	DefaultStorePath    = "c3po.db"
	DefaultHeartbeatTTL = 15 * time.Minute
	DefaultMessageTTL   = 24 * time.Hour
)

// Config represents the complete coordinator configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Auth   AuthConfig   `yaml:"auth"`
	Agents AgentsConfig `yaml:"agents"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	BindHost    string `yaml:"bind_host"`
	Port        int    `yaml:"port"`
	BehindProxy bool   `yaml:"behind_proxy"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the three trust-domain secrets. When all three are
// empty the coordinator runs in dev mode and every request is treated
// as anonymous.
type AuthConfig struct {
	ServerSecret     string `yaml:"server_secret"`
	AdminKey         string `yaml:"admin_key"`
	ProxyBearerToken string `yaml:"proxy_bearer_token"`
}

// AgentsConfig holds agent-lifecycle timing configuration.
type AgentsConfig struct {
	HeartbeatTTL time.Duration `yaml:"-"`
	MessageTTL   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatTTLRaw string `yaml:"heartbeat_ttl"`
	MessageTTLRaw   string `yaml:"message_ttl"`
}

// DevMode reports whether authentication is disabled: no server
// secret, no admin key, and no proxy token configured.
func (c *Config) DevMode() bool {
	return c.Auth.ServerSecret == "" && c.Auth.AdminKey == "" && c.Auth.ProxyBearerToken == ""
}

// Load builds the configuration. If path is non-empty the YAML file is
// read first (with ${VAR} expansion), then C3PO_* environment variables
// override individual fields, then defaults fill the gaps.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// FromEnv builds the configuration from the environment alone, reading
// the config file named by C3PO_CONFIG when set.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("C3PO_CONFIG"))
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("C3PO_BIND_HOST"); v != "" {
		c.Server.BindHost = v
	}
	if v := os.Getenv("C3PO_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing C3PO_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	switch os.Getenv("C3PO_BEHIND_PROXY") {
	case "1", "true", "yes":
		c.Server.BehindProxy = true
	}
	if v := os.Getenv("C3PO_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("C3PO_SERVER_SECRET"); v != "" {
		c.Auth.ServerSecret = v
	}
	if v := os.Getenv("C3PO_ADMIN_KEY"); v != "" {
		c.Auth.AdminKey = v
	}
	if v := os.Getenv("C3PO_PROXY_BEARER_TOKEN"); v != "" {
		c.Auth.ProxyBearerToken = v
	}
	if v := os.Getenv("C3PO_HEARTBEAT_TTL"); v != "" {
		c.Agents.HeartbeatTTLRaw = v
	}
	if v := os.Getenv("C3PO_MESSAGE_TTL"); v != "" {
		c.Agents.MessageTTLRaw = v
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values. Bare integers are accepted as seconds for compatibility with
// the original deployment scripts.
func parseDurations(cfg *Config) error {
	var err error
	if cfg.Agents.HeartbeatTTLRaw != "" {
		cfg.Agents.HeartbeatTTL, err = parseDuration(cfg.Agents.HeartbeatTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_ttl %q: %w", cfg.Agents.HeartbeatTTLRaw, err)
		}
	}
	if cfg.Agents.MessageTTLRaw != "" {
		cfg.Agents.MessageTTL, err = parseDuration(cfg.Agents.MessageTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing message_ttl %q: %w", cfg.Agents.MessageTTLRaw, err)
		}
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func (c *Config) applyDefaults() {
	if c.Server.BindHost == "" {
		c.Server.BindHost = DefaultBindHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Agents.HeartbeatTTL == 0 {
		c.Agents.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if c.Agents.MessageTTL == 0 {
		c.Agents.MessageTTL = DefaultMessageTTL
	}
}

// Validate checks that the assembled configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Agents.HeartbeatTTL < time.Second {
		return fmt.Errorf("agents.heartbeat_ttl %s too short", c.Agents.HeartbeatTTL)
	}
	if c.Agents.MessageTTL < time.Minute {
		return fmt.Errorf("agents.message_ttl %s too short", c.Agents.MessageTTL)
	}
	if c.Auth.AdminKey != "" && c.Auth.ServerSecret == "" {
		return fmt.Errorf("auth.admin_key is set but auth.server_secret is not; both are required for admin authentication")
	}
	return nil
}
