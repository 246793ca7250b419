// Package config loads service configuration from defaults, an optional YAML
// file and the environment, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config file is named and it exists.
const DefaultPath = "config/leadmarket.yaml"

type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type JWT struct {
	Secret string `yaml:"secret"`
	// Keys maps kid to secret for rotation; ActiveKid signs new tokens.
	Keys      map[string]string `yaml:"keys"`
	ActiveKid string            `yaml:"active_kid"`
	TokenTTL  time.Duration     `yaml:"token_ttl"`
}

type Server struct {
	GRPCPort     string   `yaml:"grpc_port"`
	HTTPAddr     string   `yaml:"http_addr"`
	RateLimitRPM int      `yaml:"rate_limit_rpm"`
	RateBurst    int      `yaml:"rate_limit_burst"`
	TLSCert      string   `yaml:"tls_cert"`
	TLSKey       string   `yaml:"tls_key"`
	RequireTLS   bool     `yaml:"require_tls"`
	CORSOrigins  []string `yaml:"cors_allowed_origins"`
}

type Cache struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

type Inbox struct {
	PageSize int64 `yaml:"page_size"`
}

type Jobs struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Lease        time.Duration `yaml:"lease"`
}

type SMTP struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

type VAPID struct {
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	Subscriber string `yaml:"subscriber"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Config is the full service configuration.
type Config struct {
	Env    string `yaml:"env"`
	Mongo  Mongo  `yaml:"mongo"`
	JWT    JWT    `yaml:"jwt"`
	Server Server `yaml:"server"`
	Cache  Cache  `yaml:"cache"`
	Inbox  Inbox  `yaml:"inbox"`
	Jobs   Jobs   `yaml:"jobs"`
	SMTP   SMTP   `yaml:"smtp"`
	VAPID  VAPID  `yaml:"vapid"`
	Log    Log    `yaml:"log"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Env:   "development",
		Mongo: Mongo{Database: "leadmarket"},
		JWT:   JWT{TokenTTL: 24 * time.Hour},
		Server: Server{
			GRPCPort:     "50051",
			HTTPAddr:     ":8080",
			RateLimitRPM: 10,
			RateBurst:    3,
			CORSOrigins:  []string{"*"},
		},
		Cache: Cache{TTL: 5 * time.Minute},
		Inbox: Inbox{PageSize: 10},
		Jobs:  Jobs{PollInterval: 30 * time.Second, MaxAttempts: 5, Lease: 10 * time.Minute},
		SMTP:  SMTP{Port: 587},
		Log:   Log{Level: "info"},
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// CONFIG_PATH and then DefaultPath are tried, and a missing default file is
// not an error. Outside production a .env file is loaded first.
func Load(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}
	if err := cfg.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	envStr("APP_ENV", &c.Env)
	envStr("MONGODB_URI", &c.Mongo.URI)
	envStr("MONGODB_DATABASE", &c.Mongo.Database)
	envStr("JWT_SECRET", &c.JWT.Secret)
	envStr("JWT_ACTIVE_KID", &c.JWT.ActiveKid)
	if v := os.Getenv("JWT_KEYS"); v != "" {
		keys, err := ParseKeys(v)
		if err != nil {
			return err
		}
		c.JWT.Keys = keys
	}
	envStr("PORT", &c.Server.GRPCPort)
	envStr("HTTP_ADDR", &c.Server.HTTPAddr)
	envStr("TLS_CERT", &c.Server.TLSCert)
	envStr("TLS_KEY", &c.Server.TLSKey)
	envStr("REDIS_URL", &c.Cache.RedisURL)
	envStr("SMTP_HOST", &c.SMTP.Host)
	envStr("SMTP_USERNAME", &c.SMTP.Username)
	envStr("SMTP_PASSWORD", &c.SMTP.Password)
	envStr("SMTP_FROM_EMAIL", &c.SMTP.FromEmail)
	envStr("SMTP_FROM_NAME", &c.SMTP.FromName)
	envStr("VAPID_PUBLIC_KEY", &c.VAPID.PublicKey)
	envStr("VAPID_PRIVATE_KEY", &c.VAPID.PrivateKey)
	envStr("VAPID_SUBSCRIBER", &c.VAPID.Subscriber)
	envStr("LOG_LEVEL", &c.Log.Level)
	if v := os.Getenv("REQUIRE_TLS"); v != "" {
		c.Server.RequireTLS = v == "true"
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	for _, f := range []func() error{
		func() error { return envInt("RATE_LIMIT_RPM", &c.Server.RateLimitRPM) },
		func() error { return envInt("RATE_LIMIT_BURST", &c.Server.RateBurst) },
		func() error { return envInt("SMTP_PORT", &c.SMTP.Port) },
		func() error { return envInt("JOBS_MAX_ATTEMPTS", &c.Jobs.MaxAttempts) },
		func() error { return envInt64("INBOX_PAGE_SIZE", &c.Inbox.PageSize) },
		func() error { return envDuration("TOKEN_TTL", &c.JWT.TokenTTL) },
		func() error { return envDuration("CACHE_TTL", &c.Cache.TTL) },
		func() error { return envDuration("JOBS_POLL_INTERVAL", &c.Jobs.PollInterval) },
		func() error { return envDuration("JOBS_LEASE", &c.Jobs.Lease) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool { return c.Env == "production" }

// Validate checks the settings needed to serve. Memory mode does not need Mongo.
func (c *Config) Validate(memory bool) error {
	if !memory && c.Mongo.URI == "" {
		return errors.New("MONGODB_URI must be set")
	}
	if c.JWT.Secret == "" && len(c.JWT.Keys) == 0 {
		return errors.New("either JWT_SECRET or JWT_KEYS must be set")
	}
	if len(c.JWT.Keys) > 0 {
		if _, ok := c.JWT.Keys[c.JWT.ActiveKid]; !ok {
			return fmt.Errorf("JWT_ACTIVE_KID %q is not one of JWT_KEYS", c.JWT.ActiveKid)
		}
	}
	if c.Server.RequireTLS && (c.Server.TLSCert == "" || c.Server.TLSKey == "") {
		return errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}
	if c.Inbox.PageSize <= 0 {
		return errors.New("inbox page size must be positive")
	}
	return nil
}

// ParseKeys parses "kid:secret,kid2:secret2".
func ParseKeys(s string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kid, secret, ok := strings.Cut(p, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %s", p)
		}
		keys[kid] = secret
	}
	return keys, nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s: expected a positive integer, got %q", key, v)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	var n int
	if err := envInt(key, &n); err != nil || n == 0 {
		return err
	}
	*dst = int64(n)
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s: expected a positive duration, got %q", key, v)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
