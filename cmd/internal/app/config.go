package app

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"murmur/cmd/internal/realtime"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
)

// EnvPrefix namespaces every configuration variable (MURMUR_HTTP_ADDR, ...).
const EnvPrefix = "MURMUR"

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080" validate:"required"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json pretty"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s" validate:"gt=0"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s" validate:"gt=0"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s" validate:"gt=0"`
	ShutdownTimeout   time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576" validate:"gt=0"`
	MaxBodyBytes      int64         `envconfig:"HTTP_MAX_BODY_BYTES" default:"16384" validate:"gt=0"`

	Store       string `envconfig:"STORE" default:"memory" validate:"oneof=memory postgres badger"`
	DatabaseURL string `envconfig:"DATABASE_URL" validate:"required_if=Store postgres"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10" validate:"gt=0"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"0" validate:"gte=0,ltefield=DBMaxConns"`
	DBSchema    string `envconfig:"DB_SCHEMA" default:"murmur" validate:"required"`
	BadgerPath  string `envconfig:"BADGER_PATH" validate:"required_if=Store badger"`

	// If true, /readyz returns 503 unless the postgres store is configured and reachable.
	ReadinessRequireDB bool `envconfig:"READINESS_REQUIRE_DB" default:"false"`

	// Empty selects the development header authenticator.
	JWTSecret     string `envconfig:"JWT_SECRET" validate:"omitempty,min=16"`
	JWTCookieName string `envconfig:"JWT_COOKIE" default:"token" validate:"required"`

	TypingTTL time.Duration `envconfig:"TYPING_TTL" default:"5s" validate:"gt=0"`

	WSDevInsecure       bool          `envconfig:"WS_DEV_INSECURE" default:"false"`
	WSOriginRequired    bool          `envconfig:"WS_ORIGIN_REQUIRED" default:"true"`
	WSAllowedOrigins    []string      `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSSendQueueSize     int           `envconfig:"WS_SEND_QUEUE_SIZE" default:"256" validate:"gte=32"`
	WSWriteTimeout      time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s" validate:"gt=0"`
	WSReadIdleTimeout   time.Duration `envconfig:"WS_READ_IDLE_TIMEOUT" default:"2m" validate:"gt=0"`
	WSHeartbeatInterval time.Duration `envconfig:"WS_HEARTBEAT_INTERVAL" default:"25s" validate:"gt=0"`
	WSHeartbeatTimeout  time.Duration `envconfig:"WS_HEARTBEAT_TIMEOUT" default:"5s" validate:"gt=0,ltfield=WSHeartbeatInterval"`
	WSRatePerSecond     float64       `envconfig:"WS_RATE_PER_SECOND" default:"12" validate:"gt=0"`
	WSRateBurst         int           `envconfig:"WS_RATE_BURST" default:"40" validate:"gt=0"`

	CORSAllowedOrigins   []string `envconfig:"CORS_ORIGINS"`
	CORSAllowCredentials bool     `envconfig:"CORS_ALLOW_CREDENTIALS" default:"true"`
	CORSMaxAgeSeconds    int      `envconfig:"CORS_MAX_AGE_SECONDS" default:"600" validate:"gte=0"`
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig reads an optional .env file, then MURMUR_* environment variables, and validates the result.
// Variables already present in the environment win over .env entries.
func LoadConfig() (Config, error) {
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.BadgerPath = strings.TrimSpace(c.BadgerPath)
	c.WSAllowedOrigins = cleanList(c.WSAllowedOrigins)
	c.CORSAllowedOrigins = cleanList(c.CORSAllowedOrigins)
}

// Validate checks struct rules and reports every failing key by its environment name.
func (c Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	keys := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fmt.Sprintf("%s (%s)", envKey(fe.StructField()), fe.Tag())
	})
	return fmt.Errorf("config: invalid %s", strings.Join(keys, ", "))
}

// WSConfig projects the websocket settings onto the gateway config.
func (c Config) WSConfig() realtime.WSConfig {
	return realtime.WSConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		SendQueueSize:     c.WSSendQueueSize,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		RatePerSecond:     c.WSRatePerSecond,
		RateBurst:         c.WSRateBurst,
	}
}

func envKey(field string) string {
	f, ok := reflect.TypeOf(Config{}).FieldByName(field)
	if !ok {
		return field
	}
	if tag := f.Tag.Get("envconfig"); tag != "" {
		return EnvPrefix + "_" + tag
	}
	return field
}

func cleanList(in []string) []string {
	out := lo.FilterMap(in, func(s string, _ int) (string, bool) {
		s = strings.TrimSpace(s)
		return s, s != ""
	})
	return lo.Uniq(out)
}
