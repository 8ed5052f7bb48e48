package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL        = "http://localhost:8000"
	DefaultReconnectDelay = 3000 * time.Millisecond
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 500 * time.Millisecond
	DefaultRequestTimeout = 15 * time.Second
)

type Config struct {
	BaseURL        *url.URL
	SessionToken   string
	SigningKey     []byte
	ReconnectDelay time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	DebugAddr      string
	ArchiveDSN     string
}

// FileConfig is the YAML representation of Config. Durations are written in
// Go duration syntax ("3s", "500ms").
type FileConfig struct {
	BaseURL        string `yaml:"base_url"`
	SessionToken   string `yaml:"session_token"`
	SigningKey     string `yaml:"signing_key"`
	ReconnectDelay string `yaml:"reconnect_delay"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryDelay     string `yaml:"retry_delay"`
	RequestTimeout string `yaml:"request_timeout"`
	DebugAddr      string `yaml:"debug_addr"`
	ArchiveDSN     string `yaml:"archive_dsn"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// NewConfig validates the values and returns a Config with defaults applied
// for the tuning knobs. The signing key is optional; without it the session
// token is trusted as issued by the server.
func NewConfig(baseURL, sessionToken, base64Secret string) (*Config, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}
	if sessionToken == "" {
		return nil, fmt.Errorf("session token cannot be empty")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	var signingKey []byte
	if base64Secret != "" {
		signingKey, err = decodeSigningSecret(base64Secret)
		if err != nil {
			return nil, fmt.Errorf("decode signing secret: %w", err)
		}
	}

	return &Config{
		BaseURL:        u,
		SessionToken:   sessionToken,
		SigningKey:     signingKey,
		ReconnectDelay: DefaultReconnectDelay,
		RetryAttempts:  DefaultRetryAttempts,
		RetryDelay:     DefaultRetryDelay,
		RequestTimeout: DefaultRequestTimeout,
	}, nil
}

// Load builds a Config from, in increasing priority: defaults, the YAML file
// at path (optional), a .env file in the working directory (optional) and
// CHATSYNC_* environment variables.
func Load(path string) (*Config, error) {
	fc, err := Read(path)
	if err != nil {
		return nil, err
	}
	return fc.Config()
}

// Read layers the same sources as Load without validating, so callers can
// apply their own overrides (command-line flags) before calling Config.
func Read(path string) (FileConfig, error) {
	fc := FileConfig{
		BaseURL:        DefaultBaseURL,
		ReconnectDelay: DefaultReconnectDelay.String(),
		RetryAttempts:  DefaultRetryAttempts,
		RetryDelay:     DefaultRetryDelay.String(),
		RequestTimeout: DefaultRequestTimeout.String(),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fc, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fc, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// godotenv never overrides variables that are already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fc, fmt.Errorf("load .env: %w", err)
	}

	fc.BaseURL = envStr("CHATSYNC_BASE_URL", fc.BaseURL)
	fc.SessionToken = envStr("CHATSYNC_SESSION_TOKEN", fc.SessionToken)
	fc.SigningKey = envStr("CHATSYNC_SIGNING_KEY", fc.SigningKey)
	fc.ReconnectDelay = envStr("CHATSYNC_RECONNECT_DELAY", fc.ReconnectDelay)
	fc.RetryAttempts = envInt("CHATSYNC_RETRY_ATTEMPTS", fc.RetryAttempts)
	fc.RetryDelay = envStr("CHATSYNC_RETRY_DELAY", fc.RetryDelay)
	fc.RequestTimeout = envStr("CHATSYNC_REQUEST_TIMEOUT", fc.RequestTimeout)
	fc.DebugAddr = envStr("CHATSYNC_DEBUG_ADDR", fc.DebugAddr)
	fc.ArchiveDSN = envStr("CHATSYNC_ARCHIVE_DSN", fc.ArchiveDSN)

	return fc, nil
}

// Config validates the file representation and converts it.
func (fc FileConfig) Config() (*Config, error) {
	cfg, err := NewConfig(fc.BaseURL, fc.SessionToken, fc.SigningKey)
	if err != nil {
		return nil, err
	}

	if cfg.ReconnectDelay, err = parseDuration("reconnect_delay", fc.ReconnectDelay, DefaultReconnectDelay); err != nil {
		return nil, err
	}
	if cfg.RetryDelay, err = parseDuration("retry_delay", fc.RetryDelay, DefaultRetryDelay); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = parseDuration("request_timeout", fc.RequestTimeout, DefaultRequestTimeout); err != nil {
		return nil, err
	}
	if fc.RetryAttempts < 1 {
		return nil, fmt.Errorf("retry_attempts must be at least 1, got %d", fc.RetryAttempts)
	}
	cfg.RetryAttempts = fc.RetryAttempts
	cfg.DebugAddr = fc.DebugAddr
	cfg.ArchiveDSN = fc.ArchiveDSN

	return cfg, nil
}

func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, value)
	}
	return d, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
