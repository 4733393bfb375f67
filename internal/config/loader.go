package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "TERMINAL_RECON"

// keys lists every setting that may come from the environment.
var keys = []string{
	"server.addr", "server.cors_origins",
	"database.dsn", "database.memory", "database.max_open_conns", "database.max_idle_conns", "database.conn_max_lifetime",
	"redis.addr", "redis.password", "redis.db",
	"gateway.mock", "gateway.env", "gateway.base_url", "gateway.publish_url", "gateway.channel_id",
	"gateway.app_id", "gateway.app_key", "gateway.epi", "gateway.timeout", "gateway.webhook_secret", "gateway.timezone",
	"poll.throttle_ttl", "poll.outcome_ttl",
	"correlator.window", "correlator.max_skew",
	"sweep.interval", "sweep.batch_size", "sweep.webhook_scan", "sweep.unfinalized_after",
	"relay.listen", "relay.target", "relay.delays",
	"log.level", "log.format",
}

// NewViper returns a viper instance reading configFile (if any) and
// TERMINAL_RECON_SERVER_ADDR style environment overrides.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("terminal-recon")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/terminal-recon")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	return v
}

// Load reads .env, then the config file and environment, and returns a
// validated Config. A missing file of either kind is not an error.
func Load(configFile string) (*Config, error) {
	if err := LoadDotenv(); err != nil {
		return nil, err
	}
	return LoadFrom(NewViper(configFile))
}

// LoadDotenv exports ./.env into the process environment without
// overriding variables that are already set.
func LoadDotenv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

func LoadFrom(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
