// Package config holds the service configuration. Values come from an
// optional YAML file, a .env file and TERMINAL_RECON_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"terminal-recon/internal/database"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Poll       PollConfig       `mapstructure:"poll"`
	Correlator CorrelatorConfig `mapstructure:"correlator"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr" validate:"required"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
	// Memory keeps all state in process. Nothing survives a restart.
	Memory          bool          `mapstructure:"memory"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig is optional. An empty Addr selects the in-process cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type GatewayConfig struct {
	// Mock swaps the terminal cloud for an in-process fake.
	Mock          bool          `mapstructure:"mock"`
	Env           string        `mapstructure:"env" validate:"oneof=uat prod"`
	BaseURL       string        `mapstructure:"base_url" validate:"omitempty,url"`
	PublishURL    string        `mapstructure:"publish_url" validate:"omitempty,url"`
	ChannelID     string        `mapstructure:"channel_id"`
	AppID         string        `mapstructure:"app_id"`
	AppKey        string        `mapstructure:"app_key"`
	EPI           string        `mapstructure:"epi"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	// Timezone interprets zone-less webhook timestamps.
	Timezone string `mapstructure:"timezone"`
}

type PollConfig struct {
	ThrottleTTL time.Duration `mapstructure:"throttle_ttl" validate:"gt=0"`
	OutcomeTTL  time.Duration `mapstructure:"outcome_ttl" validate:"gt=0"`
}

type CorrelatorConfig struct {
	Window  int           `mapstructure:"window" validate:"gt=0"`
	MaxSkew time.Duration `mapstructure:"max_skew" validate:"gt=0"`
}

type SweepConfig struct {
	Interval         time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize        int           `mapstructure:"batch_size" validate:"gt=0"`
	WebhookScan      int           `mapstructure:"webhook_scan" validate:"gt=0"`
	UnfinalizedAfter time.Duration `mapstructure:"unfinalized_after" validate:"gt=0"`
}

type RelayConfig struct {
	Listen string          `mapstructure:"listen" validate:"required"`
	Target string          `mapstructure:"target" validate:"omitempty,url"`
	Delays []time.Duration `mapstructure:"delays" validate:"dive,gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	if c.Database.DSN == "" {
		c.Database.DSN = database.DSNFromEnv()
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}

	c.Gateway.Env = strings.ToLower(strings.TrimSpace(c.Gateway.Env))
	if c.Gateway.Env == "" {
		c.Gateway.Env = "uat"
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 10 * time.Second
	}

	if c.Poll.ThrottleTTL == 0 {
		c.Poll.ThrottleTTL = 6 * time.Second
	}
	if c.Poll.OutcomeTTL == 0 {
		c.Poll.OutcomeTTL = 10 * time.Minute
	}

	if c.Correlator.Window == 0 {
		c.Correlator.Window = 120
	}
	if c.Correlator.MaxSkew == 0 {
		c.Correlator.MaxSkew = 10 * time.Minute
	}

	if c.Sweep.Interval == 0 {
		c.Sweep.Interval = 5 * time.Minute
	}
	if c.Sweep.BatchSize == 0 {
		c.Sweep.BatchSize = 500
	}
	if c.Sweep.WebhookScan == 0 {
		c.Sweep.WebhookScan = 2000
	}
	if c.Sweep.UnfinalizedAfter == 0 {
		c.Sweep.UnfinalizedAfter = 15 * time.Minute
	}

	if c.Relay.Listen == "" {
		c.Relay.Listen = ":8081"
	}
	if len(c.Relay.Delays) == 0 {
		c.Relay.Delays = []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond, 5 * time.Second}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate checks struct tags and the cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if !c.Database.Memory && c.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is required unless database.memory is set", ErrInvalid)
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
