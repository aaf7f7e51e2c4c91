package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/portal-client/session"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Output formats for CLI results.
const (
	OutputYAML = "yaml"
	OutputJSON = "json"
)

// Config holds all environment-based configuration for portal-client.
type Config struct {
	// API root, e.g. https://portal.example.com/api. Required.
	APIURL string `env:"PORTAL_API_URL"`

	// Websocket endpoint for payment notifications. Derived from
	// APIURL when empty.
	NotifyURL string `env:"PORTAL_NOTIFY_URL"`

	// Path of the session database. Defaults to
	// ~/.portal-client/session.db.
	SessionDB string `env:"PORTAL_SESSION_DB"`

	// Optional passphrase sealing the stored tokens at rest.
	SessionKey string `env:"PORTAL_SESSION_KEY"`

	// Credentials used by signin when not given on the command line.
	Email    string `env:"PORTAL_EMAIL"`
	Password string `env:"PORTAL_PASSWORD"`

	RequestTimeout time.Duration `env:"PORTAL_REQUEST_TIMEOUT" envDefault:"30s"`

	// Calls allowed per endpoint within RateWindow. 0 disables the guard.
	RateLimit  int           `env:"PORTAL_RATE_LIMIT" envDefault:"5"`
	RateWindow time.Duration `env:"PORTAL_RATE_WINDOW" envDefault:"60s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default level when set.
	LogLevel string `env:"PORTAL_LOG_LEVEL"`

	Output string `env:"PORTAL_OUTPUT" envDefault:"yaml"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.Output = strings.ToLower(cfg.Output)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.NotifyURL == "" {
		cfg.NotifyURL = deriveNotifyURL(cfg.APIURL)
	}

	if cfg.SessionDB == "" {
		path, err := DefaultSessionDB()
		if err != nil {
			return nil, err
		}

		cfg.SessionDB = path
	}

	absPath, err := filepath.Abs(cfg.SessionDB)
	if err != nil {
		return nil, fmt.Errorf("resolving session db to absolute path: %w", err)
	}

	cfg.SessionDB = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("PORTAL_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PORTAL_API_URL must be an http(s) URL, got %q", c.APIURL)
	}

	if c.NotifyURL != "" {
		u, err := url.Parse(c.NotifyURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("PORTAL_NOTIFY_URL must be a ws(s) URL, got %q", c.NotifyURL)
		}
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("PORTAL_REQUEST_TIMEOUT must be positive")
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("PORTAL_RATE_LIMIT must not be negative")
	}

	if c.RateWindow <= 0 {
		return fmt.Errorf("PORTAL_RATE_WINDOW must be positive")
	}

	if c.Output != OutputYAML && c.Output != OutputJSON {
		return fmt.Errorf("PORTAL_OUTPUT must be %q or %q, got %q", OutputYAML, OutputJSON, c.Output)
	}

	return nil
}

// deriveNotifyURL maps https://host/api to wss://host/api/notifications.
func deriveNotifyURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://") + "/notifications"
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://") + "/notifications"
	}

	return ""
}

// DefaultSessionDB returns ~/.portal-client/session.db.
func DefaultSessionDB() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".portal-client", "session.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SessionOptions maps the configuration onto session.Options.
func (c *Config) SessionOptions() session.Options {
	limit := c.RateLimit
	if limit == 0 {
		limit = -1
	}

	return session.Options{
		BaseURL:        c.APIURL,
		RequestTimeout: c.RequestTimeout,
		RateLimit:      limit,
		RateWindow:     c.RateWindow,
	}
}
