package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName string
	Env     string
	Host    string
	Port    int
	NodeID  string

	DatabaseDriver string
	DatabaseURL    string

	JWTSecret   string
	JWTIssuer   string
	CORSOrigins []string

	CacheURL string
	AMQPURL  string

	MembershipCacheTTL time.Duration
	EditWindow         time.Duration
	TypingTTL          time.Duration
	RingTimeout        time.Duration
	FanoutTimeout      time.Duration
	DependencyTimeout  time.Duration

	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int

	TURNURIs    []string
	TURNSecret  string
	TURNCredTTL time.Duration
	STUNURIs    []string
	LogLevel    string

	// AllowAnyOrigin disables the websocket Origin check.
	AllowAnyOrigin bool
}

// Load reads optional dotenv files (missing ones are skipped) and then the
// process environment. Values already set in the environment win over the
// files.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		AppName: getEnv("APP_NAME", "realtime session layer"),
		Env:     getEnv("APP_ENV", "development"),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvAsInt("HTTP_PORT", 8000),
		NodeID:  getEnv("NODE_ID", uuid.NewString()),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:realtime.db?_pragma=busy_timeout(5000)"),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   os.Getenv("JWT_ISSUER"),
		CORSOrigins: getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		CacheURL: os.Getenv("CACHE_URL"),
		AMQPURL:  os.Getenv("AMQP_URL"),

		MembershipCacheTTL: getEnvAsDuration("MEMBERSHIP_CACHE_TTL", 5*time.Minute),
		EditWindow:         getEnvAsDuration("EDIT_WINDOW", 15*time.Minute),
		TypingTTL:          getEnvAsDuration("TYPING_TTL", 8*time.Second),
		RingTimeout:        getEnvAsDuration("RING_TIMEOUT", 45*time.Second),
		FanoutTimeout:      getEnvAsDuration("FANOUT_TIMEOUT", 5*time.Second),
		DependencyTimeout:  getEnvAsDuration("DEPENDENCY_TIMEOUT", 3*time.Second),

		SendBuffer:      getEnvAsInt("WS_SEND_BUFFER", 256),
		EventsPerSecond: getEnvAsFloat("WS_EVENTS_PER_SECOND", 20),
		EventBurst:      getEnvAsInt("WS_EVENT_BURST", 40),

		TURNURIs:    getEnvAsList("TURN_URIS", nil),
		TURNSecret:  os.Getenv("TURN_SECRET"),
		TURNCredTTL: getEnvAsDuration("TURN_CREDENTIAL_TTL", time.Hour),
		STUNURIs:    getEnvAsList("STUN_URIS", []string{"stun:stun.l.google.com:19302"}),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		AllowAnyOrigin: getEnvAsBool("WS_ALLOW_ANY_ORIGIN", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.Port)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment reports whether the app runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvAsList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
