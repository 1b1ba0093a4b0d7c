package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"

	"github.com/isqad/livelook-signal/internal/core"
)

const envPrefix = "LIVELOOK"

var (
	errAuthDisabledInProduction = errors.New("auth.disabled can't be used in production")
	errNoPublicKey              = errors.New("auth.public_key or auth.public_key_path is required")
	errNoDevIdentity            = errors.New("auth.dev_subject and auth.dev_role are required when auth is disabled")
)

var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

type Config struct {
	// LogLevel overrides the level derived from the environment
	LogLevel string `mapstructure:"log_level"`

	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Events EventsConfig `mapstructure:"events"`
	Peer   PeerConfig   `mapstructure:"peer"`
	RTC    RTCConfig    `mapstructure:"rtc"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig configures verification of the tokens issued by the identity service
type AuthConfig struct {
	PublicKey     string `mapstructure:"public_key"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"`
	Audience      string `mapstructure:"audience"`

	// Disabled skips verification for local development only
	Disabled   bool   `mapstructure:"disabled"`
	DevSubject string `mapstructure:"dev_subject"`
	DevRole    string `mapstructure:"dev_role"`
}

type EventsConfig struct {
	// Collector is one of http, redis or nats
	Collector   string        `mapstructure:"collector"`
	BaseURL     string        `mapstructure:"base_url"`
	ServerToken string        `mapstructure:"server_token"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	NatsURL     string        `mapstructure:"nats_url"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
	PostTimeout time.Duration `mapstructure:"post_timeout"`

	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
}

type DeadLetterConfig struct {
	// Driver is either file or postgres
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type RTCConfig struct {
	ICEPortRangeStart uint32   `mapstructure:"ice_port_range_start"`
	ICEPortRangeEnd   uint32   `mapstructure:"ice_port_range_end"`
	StunServers       []string `mapstructure:"stun_servers"`
	NAT1To1IPs        []string `mapstructure:"nat_1to1_ips"`
}

type CodecSpec struct {
	Mime     string `mapstructure:"mime"`
	FmtpLine string `mapstructure:"fmtp_line"`
}

type PeerConfig struct {
	EnabledCodecs []CodecSpec `mapstructure:"enabled_codecs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "")

	v.SetDefault("server.address", ":3001")
	v.SetDefault("server.max_message_size", 200*1024)
	v.SetDefault("server.shutdown_timeout", "20s")

	v.SetDefault("auth.public_key", "")
	v.SetDefault("auth.public_key_path", "./keys/public.pem")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.dev_subject", "")
	v.SetDefault("auth.dev_role", "")

	v.SetDefault("events.collector", "http")
	v.SetDefault("events.base_url", "")
	v.SetDefault("events.server_token", "")
	v.SetDefault("events.redis_addr", "localhost:6379")
	v.SetDefault("events.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.max_retries", 5)
	v.SetDefault("events.base_delay", "500ms")
	v.SetDefault("events.max_delay", "10s")
	v.SetDefault("events.jitter", "200ms")
	v.SetDefault("events.post_timeout", "5s")
	v.SetDefault("events.dead_letter.driver", "file")
	v.SetDefault("events.dead_letter.path", "event-dlq.log")
	v.SetDefault("events.dead_letter.dsn", "")

	v.SetDefault("rtc.ice_port_range_start", 50000)
	v.SetDefault("rtc.ice_port_range_end", 60000)
	v.SetDefault("rtc.stun_servers", DefaultStunServers)
	v.SetDefault("rtc.nat_1to1_ips", []string{})
}

// Load reads the configuration: defaults, then the optional file at path,
// then LIVELOOK_* environment variables (LIVELOOK_EVENTS_BASE_URL etc)
func Load(path string, env core.Environment) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(conf.Peer.EnabledCodecs) == 0 {
		conf.Peer.EnabledCodecs = []CodecSpec{
			{Mime: webrtc.MimeTypeOpus},
			{Mime: webrtc.MimeTypeVP8},
		}
	}

	if err := conf.validate(env); err != nil {
		return nil, err
	}

	return conf, nil
}

func (c *Config) validate(env core.Environment) error {
	if c.Auth.Disabled {
		if env.IsProduction() {
			return errAuthDisabledInProduction
		}
		if c.Auth.DevSubject == "" || c.Auth.DevRole == "" {
			return errNoDevIdentity
		}
		return nil
	}
	if c.Auth.PublicKey == "" && c.Auth.PublicKeyPath == "" {
		return errNoPublicKey
	}
	return nil
}
