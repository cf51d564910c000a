package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
bind_address: "0.0.0.0"
port: 8090
hs_server: "https://matrix.example.com"
hs_access_token: "hs-token"
as_access_token: "as-token"
verify_hs_cert: true
service_localpart: "pumaduct"
service_display_name: "PuMaDuct Bot"
db_spec: "file:pumaduct.db"
max_cache_items: 1000
offline_messages_delivery_interval: 30
presence_refresh_interval: 60
shutdown_poll_interval: 1
shutdown_timeout: 10
sync_account_profile_changes: false
sync_contacts_profiles_changes: true
users_blacklist: []
users_whitelist:
  - "@.*:{hs_host}"
networks:
  prpl-jabber:
    client: purple
    prefix: xmpp
    ext_pattern: "^((?P<user>[^@]+)@)?(?P<host>[^/@]+)(/(?P<resource>.*))?$"
    ext_format: "{user}@{host}"
    inputs:
      - pattern: "OAuth.*"
        message: "Please enter {title}: {primary}"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pumaduct.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, "https://matrix.example.com", cfg.HSServer)
	assert.Len(t, cfg.Networks, 1)

	net, ok := cfg.Networks["prpl-jabber"]
	require.True(t, ok)
	assert.Equal(t, "xmpp", net.Prefix)
	assert.True(t, net.IsEnabled(), "enabled should default to true")
	assert.Len(t, net.Inputs, 1)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "not: [valid: yaml")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{
		"bind_address", "port", "hs_server", "hs_access_token",
		"as_access_token", "service_localpart", "db_spec",
	} {
		assert.True(t, strings.Contains(err.Error(), field), "expected error to mention %s", field)
	}
}

func TestValidate_NetworkRequiredFields(t *testing.T) {
	cfg := &Config{
		BindAddress:                            "0.0.0.0",
		Port:                                    8090,
		HSServer:                                "https://example.com",
		HSAccessToken:                           "t",
		ASAccessToken:                           "t",
		ServiceLocalpart:                        "pumaduct",
		DBSpec:                                  "file:x.db",
		MaxCacheItems:                           10,
		OfflineMessagesDeliveryIntervalSeconds:  30,
		PresenceRefreshIntervalSeconds:          60,
		ShutdownPollIntervalSeconds:             1,
		ShutdownTimeoutSeconds:                  10,
		Networks: map[string]NetworkConfig{
			"bad": {},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "networks.bad.client")
}

func TestNetworkConfig_IsEnabledExplicitFalse(t *testing.T) {
	disabled := false
	net := NetworkConfig{Enabled: &disabled}
	assert.False(t, net.IsEnabled())
}
