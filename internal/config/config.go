// Package config resolves host configuration from MIRAGE_* environment
// variables. Command-line flags override the values per binary.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/logging"
	"github.com/fpang/mirage/internal/service"
)

// Environment variables read by Load.
const (
	EnvCloakURL     = "MIRAGE_CLOAK_URL"
	EnvChatURL      = "MIRAGE_CHAT_URL"
	EnvChatTimeout  = "MIRAGE_CHAT_TIMEOUT"
	EnvMaxUploadMB  = "MIRAGE_MAX_UPLOAD_MB"
	EnvWebAddr      = "MIRAGE_WEB_ADDR"
	EnvAllowOrigins = "MIRAGE_ALLOW_ORIGINS"
)

// DefaultWebAddr is where mirage-web listens.
const DefaultWebAddr = "127.0.0.1:8081"

// Config is the resolved configuration shared by every host.
type Config struct {
	CloakURL       string
	ChatURL        string
	ChatTimeout    time.Duration
	MaxUploadBytes int64
	WebAddr        string
	// AllowOrigins lists origins the web host answers CORS requests for.
	AllowOrigins []string
}

// Load reads the environment and applies defaults. Malformed values are an
// error rather than a silent fallback.
func Load() (*Config, error) {
	cfg := &Config{
		CloakURL:       logging.EnvOrDefault(EnvCloakURL, service.DefaultCloakURL),
		ChatURL:        logging.EnvOrDefault(EnvChatURL, service.DefaultChatURL),
		ChatTimeout:    service.DefaultChatTimeout,
		MaxUploadBytes: filehandler.DefaultMaxUploadBytes,
		WebAddr:        logging.EnvOrDefault(EnvWebAddr, DefaultWebAddr),
	}

	if v := os.Getenv(EnvChatTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvChatTimeout, err)
		}
		cfg.ChatTimeout = d
	}

	if v := os.Getenv(EnvMaxUploadMB); v != "" {
		mb, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvMaxUploadMB, err)
		}
		cfg.MaxUploadBytes = int64(mb * (1 << 20))
	}

	if v := os.Getenv(EnvAllowOrigins); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values a flag override may have broken.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{EnvCloakURL: c.CloakURL, EnvChatURL: c.ChatURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s: %q is not an http(s) URL", name, raw)
		}
	}
	if c.ChatTimeout <= 0 {
		return fmt.Errorf("%s: must be positive, got %s", EnvChatTimeout, c.ChatTimeout)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("%s: must be positive", EnvMaxUploadMB)
	}
	return nil
}

// ServiceOptions returns the service client options for this configuration.
func (c *Config) ServiceOptions() service.Options {
	return service.Options{
		CloakURL:    c.CloakURL,
		ChatURL:     c.ChatURL,
		ChatTimeout: c.ChatTimeout,
	}
}
