package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type PresenceConfig struct {
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	STUNServers []string      `mapstructure:"stun_servers"`
}

type SignalConfig struct {
	AllowAnonymous bool          `mapstructure:"allow_anonymous"`
	CallLimit      int           `mapstructure:"call_limit"`
	CallInterval   time.Duration `mapstructure:"call_interval"`
}

type IdentityConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
	PollBlock    time.Duration `mapstructure:"poll_block"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	Secret     string        `mapstructure:"secret"`
	// Transport is "ws" or "redis".
	Transport string `mapstructure:"transport"`

	Presence PresenceConfig `mapstructure:"presence"`
	Call     CallConfig     `mapstructure:"call"`
	Signal   SignalConfig   `mapstructure:"signal"`
	Identity IdentityConfig `mapstructure:"identity"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("transport", "ws")

	v.SetDefault("presence.liveness_timeout", "90s")
	v.SetDefault("presence.disconnect_grace", "30s")
	v.SetDefault("presence.idle_timeout", "5m")
	v.SetDefault("presence.sweep_interval", "5s")

	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("call.stun_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("signal.allow_anonymous", true)
	v.SetDefault("signal.call_limit", 10)
	v.SetDefault("signal.call_interval", "1m")

	v.SetDefault("identity.token_ttl", "24h")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream_max_len", 1000)
	v.SetDefault("redis.poll_block", "5s")
}

// Load reads config/config.<CONFIG_ENV>.yaml (default env "dev") and applies
// CALL_* environment overrides, e.g. CALL_PORT or CALL_REDIS_ADDR.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Fprintf(os.Stderr, "loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Transport != "ws" && cfg.Transport != "redis" {
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return &cfg, nil
}
