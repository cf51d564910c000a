// Package config loads and validates the bridge's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ndl/pumaduct/internal/logging"
)

// InputPattern is one entry of a per-network `inputs` list: a regex matched
// against a back-end's request-input "primary" prompt, paired with the
// message template sent to the user in the service room.
type InputPattern struct {
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

// NetworkConfig is the per-network configuration block under the top-level
// `networks` map (spec §6.3 "Per-network").
type NetworkConfig struct {
	Client          string         `yaml:"client"`
	Prefix          string         `yaml:"prefix"`
	ExtPattern      string         `yaml:"ext_pattern"`
	ExtFormat       string         `yaml:"ext_format"`
	Enabled         *bool          `yaml:"enabled,omitempty"`
	UseAuthToken    bool           `yaml:"use_auth_token"`
	ConvertToText   string         `yaml:"convert_to_text,omitempty"`
	ConvertFromText string         `yaml:"convert_from_text,omitempty"`
	Format          string         `yaml:"format,omitempty"`
	Inputs          []InputPattern `yaml:"inputs,omitempty"`
}

// IsEnabled returns whether the network is enabled, defaulting to true
// per spec §6.3 ("enabled (default true)").
func (n NetworkConfig) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// Config is the full recognized set of configuration keys from spec §6.3.
type Config struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	HSServer      string `yaml:"hs_server"`
	HSAccessToken string `yaml:"hs_access_token"`
	ASAccessToken string `yaml:"as_access_token"`
	VerifyHSCert  bool   `yaml:"verify_hs_cert"`

	ServiceLocalpart   string `yaml:"service_localpart"`
	ServiceDisplayName string `yaml:"service_display_name"`

	DBSpec string `yaml:"db_spec"`

	Networks map[string]NetworkConfig `yaml:"networks"`

	UsersBlacklist []string `yaml:"users_blacklist"`
	UsersWhitelist []string `yaml:"users_whitelist"`

	MaxCacheItems int `yaml:"max_cache_items"`

	OfflineMessagesDeliveryIntervalSeconds int `yaml:"offline_messages_delivery_interval"`
	PresenceRefreshIntervalSeconds         int `yaml:"presence_refresh_interval"`
	ShutdownPollIntervalSeconds            int `yaml:"shutdown_poll_interval"`
	ShutdownTimeoutSeconds                 int `yaml:"shutdown_timeout"`

	SyncAccountProfileChanges    bool `yaml:"sync_account_profile_changes"`
	SyncContactsProfilesChanges  bool `yaml:"sync_contacts_profiles_changes"`

	UserPowerLevel *int `yaml:"user_power_level,omitempty"`

	LoggingConfigFile string `yaml:"logging_config_file,omitempty"`
}

// Load reads and unmarshals the YAML config at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// Validate checks the required fields and collects all problems found,
// mirroring the teacher's "collect every error, then join" style.
func (c *Config) Validate() error {
	var problems []string

	if c.BindAddress == "" {
		problems = append(problems, "bind_address is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port must be between 1 and 65535 (got %d)", c.Port))
	}
	if c.HSServer == "" {
		problems = append(problems, "hs_server is required")
	}
	if c.HSAccessToken == "" {
		problems = append(problems, "hs_access_token is required")
	}
	if c.ASAccessToken == "" {
		problems = append(problems, "as_access_token is required")
	}
	if c.ServiceLocalpart == "" {
		problems = append(problems, "service_localpart is required")
	}
	if c.DBSpec == "" {
		problems = append(problems, "db_spec is required")
	}
	if c.MaxCacheItems <= 0 {
		problems = append(problems, "max_cache_items must be positive")
	}
	if c.OfflineMessagesDeliveryIntervalSeconds <= 0 {
		problems = append(problems, "offline_messages_delivery_interval must be positive")
	}
	if c.PresenceRefreshIntervalSeconds <= 0 {
		problems = append(problems, "presence_refresh_interval must be positive")
	}
	if c.ShutdownPollIntervalSeconds <= 0 {
		problems = append(problems, "shutdown_poll_interval must be positive")
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		problems = append(problems, "shutdown_timeout must be positive")
	}

	for name, net := range c.Networks {
		if net.Client == "" {
			problems = append(problems, fmt.Sprintf("networks.%s.client is required", name))
		}
		if net.Prefix == "" {
			problems = append(problems, fmt.Sprintf("networks.%s.prefix is required", name))
		}
		if net.ExtPattern == "" {
			problems = append(problems, fmt.Sprintf("networks.%s.ext_pattern is required", name))
		}
		if net.ExtFormat == "" {
			problems = append(problems, fmt.Sprintf("networks.%s.ext_format is required", name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// logValidatedConfig logs the effective configuration with secrets redacted.
func logValidatedConfig(c *Config) {
	logger := logging.GetLogger()
	logger.Info("configuration validated",
		zap.String("bind_address", c.BindAddress),
		zap.Int("port", c.Port),
		zap.String("hs_server", c.HSServer),
		zap.String("hs_access_token", logging.RedactSecret(c.HSAccessToken)),
		zap.String("as_access_token", logging.RedactSecret(c.ASAccessToken)),
		zap.Int("networks", len(c.Networks)),
	)
}
