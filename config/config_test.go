package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[matrix]
server = "https://matrix.example.org"
login = "teamsbot"
password = "secret"

[store]
driver = "sqlite"
path = "/var/lib/teamsbot/state.db"

[setup]
timeout = "90s"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "teamsbot.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfigFile(t *testing.T) {
	v, err := LoadConfig(writeConfig(t, sample))
	require.NoError(t, err)

	cfg, err := Parse(v)
	require.NoError(t, err)

	assert.Equal(t, "https://matrix.example.org", cfg.Matrix.Server)
	assert.Equal(t, "teamsbot", cfg.Matrix.Login)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/teamsbot/state.db", cfg.Store.Path)
	assert.Equal(t, 90*time.Second, cfg.Setup.Timeout)
	assert.Equal(t, 4, cfg.Relay.Workers)
	assert.Empty(t, cfg.Metrics.Listen)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("TEAMSBOT_MATRIX_SERVER", "https://env.example.org")
	t.Setenv("TEAMSBOT_MATRIX_LOGIN", "bot")
	t.Setenv("TEAMSBOT_MATRIX_PASSWORD", "pw")
	t.Setenv("TEAMSBOT_RELAY_WORKERS", "8")

	v, err := LoadConfig("")
	require.NoError(t, err)

	cfg, err := Parse(v)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.org", cfg.Matrix.Server)
	assert.Equal(t, 8, cfg.Relay.Workers)
	assert.Equal(t, "bolt", cfg.Store.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Setup.Timeout)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("TEAMSBOT_MATRIX_PASSWORD", "from-env")

	v, err := LoadConfig(writeConfig(t, sample))
	require.NoError(t, err)

	cfg, err := Parse(v)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Matrix.Password)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Matrix.Server = "https://matrix.example.org"
		cfg.Matrix.Login = "teamsbot"
		cfg.Matrix.Password = "secret"
		cfg.Store.Driver = "bolt"
		cfg.Store.Path = "teamsbot.db"
		cfg.Relay.Workers = 1
		cfg.Setup.Timeout = time.Minute
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing credentials", func(c *Config) { c.Matrix.Login = ""; c.Matrix.Password = "" }, "missing config: matrix.login, matrix.password"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, `store.driver must be "bolt" or "sqlite", not "redis"`},
		{"no workers", func(c *Config) { c.Relay.Workers = 0 }, "relay.workers must be at least 1"},
		{"no timeout", func(c *Config) { c.Setup.Timeout = 0 }, "setup.timeout must be positive"},
		{"cert without key", func(c *Config) { c.Metrics.TLSCert = "cert.pem" }, "metrics.tlscert and metrics.tlskey must be set together"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.EqualError(t, cfg.Validate(), tt.want)
		})
	}
}
