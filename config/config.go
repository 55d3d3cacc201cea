package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	WebRTC   WebRTCConfig
	Calls    CallsConfig
}

// WebRTCConfig holds STUN/TURN ICE server URLs for WebRTC.
type WebRTCConfig struct {
	ICEUrls         []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	IncludeLoopback bool     // gather 127.0.0.1 candidates; for single-host runs only
}

// CallsConfig controls one-to-one calling.
type CallsConfig struct {
	Enabled       bool          // false keeps calling removed: nothing can be started
	SignalTimeout time.Duration // 0 waits for the other party forever
	LockTTL       time.Duration
	OfferTTL      time.Duration
	HistoryLimit  int
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/campuscash?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	var parseErrs []error
	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "campuscash"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebRTC: WebRTCConfig{
			ICEUrls:         splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			IncludeLoopback: getEnvBool("WEBRTC_INCLUDE_LOOPBACK", false, &parseErrs),
		},
		Calls: CallsConfig{
			Enabled:       getEnvBool("CALLS_ENABLED", false, &parseErrs),
			SignalTimeout: getEnvDuration("CALL_SIGNAL_TIMEOUT", 30*time.Second, &parseErrs),
			LockTTL:       getEnvDuration("CALL_PAIR_LOCK_TTL", 2*time.Hour, &parseErrs),
			OfferTTL:      getEnvDuration("CALL_OFFER_TTL", 60*time.Second, &parseErrs),
			HistoryLimit:  getEnvInt("CALL_HISTORY_LIMIT", 50),
		},
	}
	if err := errors.Join(parseErrs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if n, err := strconv.Atoi(c.Server.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a valid port, got %q", c.Server.Port))
	}
	if c.Database.URL == "" && (c.Database.Host == "" || c.Database.DBName == "") {
		errs = append(errs, errors.New("DATABASE_URL or DB_HOST and DB_NAME are required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.JWT.ExpireHours <= 0 {
		errs = append(errs, fmt.Errorf("JWT_EXPIRE_HOURS must be positive, got %d", c.JWT.ExpireHours))
	}
	if c.Calls.SignalTimeout < 0 {
		errs = append(errs, fmt.Errorf("CALL_SIGNAL_TIMEOUT must not be negative, got %s", c.Calls.SignalTimeout))
	}
	if c.Calls.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("CALL_PAIR_LOCK_TTL must be positive, got %s", c.Calls.LockTTL))
	}
	if c.Calls.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("CALL_OFFER_TTL must be positive, got %s", c.Calls.OfferTTL))
	}
	if c.Calls.HistoryLimit <= 0 || c.Calls.HistoryLimit > 100 {
		errs = append(errs, fmt.Errorf("CALL_HISTORY_LIMIT must be between 1 and 100, got %d", c.Calls.HistoryLimit))
	}
	return errors.Join(errs...)
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return fallback
	}
	return b
}

// getEnvDuration accepts Go durations ("45s") or plain milliseconds ("45000").
func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return fallback
	}
	return d
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
