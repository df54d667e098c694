package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

// envPrefix is stripped from environment keys. A double underscore becomes
// the section separator, so HARBOR_SERVER__HTTP_ADDR maps to server.http_addr.
const envPrefix = "HARBOR_"

// Config is the full runtime configuration. Precedence, lowest to highest:
// built-in defaults, TOML file, HARBOR_* environment.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Database  DatabaseConfig  `koanf:"database"`
	Auth      AuthConfig      `koanf:"auth"`
	Messaging MessagingConfig `koanf:"messaging"`
	Realtime  RealtimeConfig  `koanf:"realtime"`

	// DevUsers seeds the in-memory directory when no database is configured.
	DevUsers []DevUser `koanf:"dev_users"`
}

type ServerConfig struct {
	HTTPAddr          string        `koanf:"http_addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	MaxHeaderBytes    int           `koanf:"max_header_bytes"`

	// ReadinessRequireDB makes /readyz return 503 unless the database is
	// configured and reachable.
	ReadinessRequireDB bool `koanf:"readiness_require_db"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "pretty"
}

type DatabaseConfig struct {
	URL      string `koanf:"url"`
	Schema   string `koanf:"schema"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type AuthConfig struct {
	// JWTSecret signs/verifies access tokens (HS256, min 32 bytes).
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

type MessagingConfig struct {
	RateLimitMax    int           `koanf:"rate_limit_max"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

type RealtimeConfig struct {
	OriginRequired bool     `koanf:"origin_required"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	DevInsecure    bool     `koanf:"dev_insecure"`

	SendQueueSize int `koanf:"send_queue_size"`

	HelloTimeout      time.Duration `koanf:"hello_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	ReadIdleTimeout   time.Duration `koanf:"read_idle_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`

	ConnRateEvents int           `koanf:"conn_rate_events"`
	ConnRateWindow time.Duration `koanf:"conn_rate_window"`
}

// DevUser is a seeded identity for database-less development.
type DevUser struct {
	ID          string `koanf:"id"`
	DisplayName string `koanf:"display_name"`
	Role        string `koanf:"role"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.http_addr":           "0.0.0.0:8080",
		"server.read_header_timeout": "5s",
		"server.read_timeout":        "15s",
		"server.write_timeout":       "15s",
		"server.idle_timeout":        "60s",
		"server.max_header_bytes":    1 << 20,

		"log.level":  "info",
		"log.format": "json",

		"database.schema":    "harbor",
		"database.max_conns": 10,
		"database.min_conns": 0,

		"auth.issuer": "harbor",

		"messaging.rate_limit_max":    10,
		"messaging.rate_limit_window": "1m",

		"realtime.origin_required": true,
		"realtime.allowed_origins": "http://localhost,http://127.0.0.1",
	}
}

// LoadConfig resolves the configuration. configPath may be empty, in which
// case well-known locations are tried before falling back to defaults + env.
func LoadConfig(configPath string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	} else {
		for _, path := range []string{"./harbor.toml", "/etc/harbor/harbor.toml"} {
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyToPath), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
		},
	}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKeyToPath maps HARBOR_SERVER__HTTP_ADDR to server.http_addr. Single
// underscores stay part of the key; doubles separate sections.
func envKeyToPath(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate enforces startup invariants. Fail-fast: a misconfigured secret
// must never fall back to an insecure default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("config: server.http_addr is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}

	if s := c.Auth.JWTSecret; s != "" && len(s) < 32 {
		return errors.New("config: auth.jwt_secret must be at least 32 bytes")
	}

	for i, u := range c.DevUsers {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("config: dev_users[%d] missing id", i)
		}
	}
	return nil
}
