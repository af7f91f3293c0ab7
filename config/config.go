package config

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/crewrelay/teamsbot/store"
)

var Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("prefix", "config")

type Config struct {
	Debug bool
	Trace bool

	Matrix struct {
		Server   string
		Login    string
		Password string
	}

	Store struct {
		Driver string
		Path   string
	}

	Relay struct {
		Workers int
	}

	Setup struct {
		Timeout time.Duration
	}

	Metrics struct {
		Listen  string
		TLSCert string
		TLSKey  string
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("trace", false)
	v.SetDefault("matrix.server", "")
	v.SetDefault("matrix.login", "")
	v.SetDefault("matrix.password", "")
	v.SetDefault("store.driver", store.DriverBolt)
	v.SetDefault("store.path", "teamsbot.db")
	v.SetDefault("relay.workers", 4)
	v.SetDefault("setup.timeout", "10m")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.tlscert", "")
	v.SetDefault("metrics.tlskey", "")
}

// LoadConfig reads cfgfile, if given, on top of the defaults. Every key can be
// overridden from the environment, e.g. TEAMSBOT_MATRIX_PASSWORD.
func LoadConfig(cfgfile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("teamsbot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()

	if cfgfile == "" {
		return v, nil
	}

	v.SetConfigFile(cfgfile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s", err)
	}

	// reload config on file changes
	if runtime.GOOS != "illumos" {
		v.OnConfigChange(func(e fsnotify.Event) {
			Logger.Infof("config file %s changed", e.Name)
		})
		v.WatchConfig()
	}

	return v, nil
}

// Parse decodes v into a Config and validates it.
func Parse(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var missing []string

	for key, val := range map[string]string{
		"matrix.server":   c.Matrix.Server,
		"matrix.login":    c.Matrix.Login,
		"matrix.password": c.Matrix.Password,
		"store.path":      c.Store.Path,
	} {
		if val == "" {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing config: %s", strings.Join(missing, ", "))
	}

	switch c.Store.Driver {
	case store.DriverBolt, store.DriverSQLite:
	default:
		return fmt.Errorf("store.driver must be %q or %q, not %q", store.DriverBolt, store.DriverSQLite, c.Store.Driver)
	}

	if c.Relay.Workers < 1 {
		return errors.New("relay.workers must be at least 1")
	}

	if c.Setup.Timeout <= 0 {
		return errors.New("setup.timeout must be positive")
	}

	if (c.Metrics.TLSCert == "") != (c.Metrics.TLSKey == "") {
		return errors.New("metrics.tlscert and metrics.tlskey must be set together")
	}

	return nil
}
