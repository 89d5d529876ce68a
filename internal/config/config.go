package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`

	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
	Token     TokenConfig     `mapstructure:"token"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Session   SessionConfig   `mapstructure:"session"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TransportConfig struct {
	SignalURL     string        `mapstructure:"signal_url"`
	ICEServers    []string      `mapstructure:"ice_servers"`
	InitAttempts  int           `mapstructure:"init_attempts"`
	InitBaseDelay time.Duration `mapstructure:"init_base_delay"`
	JoinTimeout   time.Duration `mapstructure:"join_timeout"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
}

type TokenConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MongoConfig struct {
	URI        string        `mapstructure:"uri"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type ThrottleConfig struct {
	NotifyInterval    time.Duration `mapstructure:"notify_interval"`
	DepartureGrace    time.Duration `mapstructure:"departure_grace"`
	FieldDebounce     time.Duration `mapstructure:"field_debounce"`
	MuteCooldown      time.Duration `mapstructure:"mute_cooldown"`
	ShareCooldown     time.Duration `mapstructure:"share_cooldown"`
	RecordingCooldown time.Duration `mapstructure:"recording_cooldown"`
	InFlightTimeout   time.Duration `mapstructure:"in_flight_timeout"`
	SyncWarnAfter     int           `mapstructure:"sync_warn_after"`
}

type SessionConfig struct {
	LeaveTimeout  time.Duration `mapstructure:"leave_timeout"`
	BeaconTimeout time.Duration `mapstructure:"beacon_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")

	v.SetDefault("log.level", "info")

	v.SetDefault("transport.signal_url", "ws://localhost:8081/api/ws/signal")
	v.SetDefault("transport.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("transport.init_attempts", 3)
	v.SetDefault("transport.init_base_delay", "500ms")
	v.SetDefault("transport.join_timeout", "10s")
	v.SetDefault("transport.read_limit", 32768)
	v.SetDefault("transport.ping_period", "54s")

	v.SetDefault("token.url", "http://localhost:8081/api/token")
	v.SetDefault("token.timeout", "5s")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "stage")
	v.SetDefault("mongo.collection", "participants")
	v.SetDefault("mongo.timeout", "5s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "stage:roster:")

	v.SetDefault("throttle.notify_interval", "10s")
	v.SetDefault("throttle.departure_grace", "3s")
	v.SetDefault("throttle.field_debounce", "300ms")
	v.SetDefault("throttle.mute_cooldown", "500ms")
	v.SetDefault("throttle.share_cooldown", "1s")
	v.SetDefault("throttle.recording_cooldown", "1s")
	v.SetDefault("throttle.in_flight_timeout", "1500ms")
	v.SetDefault("throttle.sync_warn_after", 3)

	v.SetDefault("session.leave_timeout", "3s")
	v.SetDefault("session.beacon_timeout", "2s")
	v.SetDefault("session.poll_interval", "15s")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. STAGE_* environment
// variables override both, with "." in keys written as "_" (STAGE_MONGO_URI).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("STAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid config")

// Validate rejects values the session components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Transport.InitAttempts <= 0 {
		errs = append(errs, errors.New("transport.init_attempts must be positive"))
	}
	durations := map[string]time.Duration{
		"transport.init_base_delay":   c.Transport.InitBaseDelay,
		"transport.join_timeout":      c.Transport.JoinTimeout,
		"token.timeout":               c.Token.Timeout,
		"mongo.timeout":               c.Mongo.Timeout,
		"throttle.notify_interval":    c.Throttle.NotifyInterval,
		"throttle.departure_grace":    c.Throttle.DepartureGrace,
		"throttle.field_debounce":     c.Throttle.FieldDebounce,
		"throttle.mute_cooldown":      c.Throttle.MuteCooldown,
		"throttle.share_cooldown":     c.Throttle.ShareCooldown,
		"throttle.recording_cooldown": c.Throttle.RecordingCooldown,
		"throttle.in_flight_timeout":  c.Throttle.InFlightTimeout,
		"session.leave_timeout":       c.Session.LeaveTimeout,
		"session.beacon_timeout":      c.Session.BeaconTimeout,
		"session.poll_interval":       c.Session.PollInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Throttle.SyncWarnAfter <= 0 {
		errs = append(errs, errors.New("throttle.sync_warn_after must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
