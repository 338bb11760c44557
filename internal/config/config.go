// Package config loads daemon settings from defaults, an optional file and
// LOCTRACK_* environment variables, in that order of precedence (lowest
// first; bound flags win over all).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "LOCTRACK"

type Config struct {
	LogLevel    string            `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	Autostart   bool              `mapstructure:"autostart"`
	Filter      FilterConfig      `mapstructure:"filter"`
	Wakelock    WakelockConfig    `mapstructure:"wakelock"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Source      SourceConfig      `mapstructure:"source"`
	Api         ApiConfig         `mapstructure:"api"`
	Store       StoreConfig       `mapstructure:"store"`
	Nats        NatsConfig        `mapstructure:"nats"`
	Ids         IdsConfig         `mapstructure:"ids"`
}

type FilterConfig struct {
	Strategy   string        `mapstructure:"strategy" validate:"oneof=distance interval"`
	ThresholdM float64       `mapstructure:"threshold_m" validate:"gt=0"`
	Interval   time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type WakelockConfig struct {
	Duration time.Duration `mapstructure:"duration" validate:"gt=0"`
}

type UploadConfig struct {
	Endpoint    string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxInflight int           `mapstructure:"max_inflight" validate:"gt=0"`
}

type CredentialsConfig struct {
	File string `mapstructure:"file"`
}

type SourceConfig struct {
	ListenAddr    string `mapstructure:"listen_addr" validate:"required_without=TunnelAddr"`
	ProxyProtocol bool   `mapstructure:"proxy_protocol"`
	TunnelAddr    string `mapstructure:"tunnel_addr" validate:"omitempty,hostname_port"`
	TunnelToken   string `mapstructure:"tunnel_token" validate:"required_with=TunnelAddr"`
	// Permission is the authorization assumed until the host reports one.
	Permission string `mapstructure:"permission" validate:"oneof=not_determined denied restricted when_in_use always"`
}

type ApiConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	TokenHash  string `mapstructure:"token_hash"`
}

type StoreConfig struct {
	DbUrl       string        `mapstructure:"db_url"`
	Table       string        `mapstructure:"table" validate:"required"`
	EventTable  string        `mapstructure:"event_table" validate:"required"`
	BufSize     int           `mapstructure:"buf_size" validate:"gt=0"`
	MaxAgeFlush time.Duration `mapstructure:"max_age_flush" validate:"gt=0"`
}

type NatsConfig struct {
	Url     string `mapstructure:"url"`
	Subject string `mapstructure:"subject" validate:"required"`
}

type IdsConfig struct {
	Salt string `mapstructure:"salt"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("autostart", false)
	v.SetDefault("filter.strategy", "distance")
	v.SetDefault("filter.threshold_m", 100.0)
	v.SetDefault("filter.interval", time.Second)
	v.SetDefault("wakelock.duration", 10*time.Minute)
	v.SetDefault("upload.endpoint", "")
	v.SetDefault("upload.timeout", 30*time.Second)
	v.SetDefault("upload.max_inflight", 8)
	v.SetDefault("credentials.file", "")
	v.SetDefault("source.listen_addr", ":6000")
	v.SetDefault("source.proxy_protocol", false)
	v.SetDefault("source.tunnel_addr", "")
	v.SetDefault("source.tunnel_token", "")
	v.SetDefault("source.permission", "not_determined")
	v.SetDefault("api.listen_addr", ":3333")
	v.SetDefault("api.token_hash", "")
	v.SetDefault("store.db_url", "")
	v.SetDefault("store.table", "location_history")
	v.SetDefault("store.event_table", "lifecycle_event")
	v.SetDefault("store.buf_size", 10)
	v.SetDefault("store.max_age_flush", 50*time.Second)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "loctrack.location")
	v.SetDefault("ids.salt", "loctrack")
}

// New returns a viper instance with defaults and environment binding set up.
// file may be empty.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
	}
	return v
}

// Load reads the config file, if one was set, and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return fmt.Errorf("invalid config: %w", err)
}

// Level maps LogLevel to a phuslu level, defaulting to info.
func (c *Config) Level() log.Level {
	return log.ParseLevel(c.LogLevel)
}
