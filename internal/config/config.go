package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=1024"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret" validate:"required"`
	LogLevel   string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`

	Call    CallConfig    `mapstructure:"call"`
	Store   StoreConfig   `mapstructure:"store"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Invite  InviteConfig  `mapstructure:"invite"`
	Janitor JanitorConfig `mapstructure:"janitor"`
	RTC     RTCConfig     `mapstructure:"rtc"`
}

type CallConfig struct {
	RingTimeout      time.Duration `mapstructure:"ring_timeout" validate:"min=0"`
	CleanupTimeout   time.Duration `mapstructure:"cleanup_timeout" validate:"gt=0"`
	CandidateRetries int           `mapstructure:"candidate_retries" validate:"min=1"`
	CandidateBackoff time.Duration `mapstructure:"candidate_backoff" validate:"min=0"`
}

type StoreConfig struct {
	Driver       string        `mapstructure:"driver" validate:"oneof=memory sqlite"`
	Path         string        `mapstructure:"path" validate:"required_if=Driver sqlite"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

type RelayConfig struct {
	SendQueue    int     `mapstructure:"send_queue" validate:"min=1"`
	RoomCapacity int     `mapstructure:"room_capacity" validate:"min=0"`
	CreateRate   float64 `mapstructure:"create_rate" validate:"gt=0"`
	CreateBurst  int     `mapstructure:"create_burst" validate:"min=1"`
}

type InviteConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" validate:"gt=0"`
}

type JanitorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}

type RTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

// Level returns the zerolog level for LogLevel, info when unknown.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// FileName is config/config.<CONFIG_ENV>.yaml, dev by default.
func FileName() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

type Loader struct {
	v        *viper.Viper
	file     string
	validate *validator.Validate
}

func NewLoader(file string) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(file)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CALLSIG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "callsig-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("call.cleanup_timeout", "5s")
	v.SetDefault("call.candidate_retries", 3)
	v.SetDefault("call.candidate_backoff", "50ms")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "callsig.db")
	v.SetDefault("store.poll_interval", "200ms")

	v.SetDefault("relay.send_queue", 32)
	v.SetDefault("relay.room_capacity", 0)
	v.SetDefault("relay.create_rate", 1.0)
	v.SetDefault("relay.create_burst", 5)

	v.SetDefault("invite.reconcile_interval", "5s")

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.schedule", "@every 15s")

	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})

	return &Loader{v: v, file: file, validate: validator.New()}
}

func Load() (*Config, error) {
	return NewLoader(FileName()).Load()
}

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", l.file).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", l.file).Msg("loaded config")
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return cfg, nil
}

// Watch re-reads the file on change and hands every valid result to fn.
// Invalid edits are logged and skipped.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("config reload rejected")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		fn(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := l.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
