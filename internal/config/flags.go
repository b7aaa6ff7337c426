package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flags are command-line overrides shared by the hosts. Zero values leave the
// environment configuration alone.
type Flags struct {
	CloakURL    string
	ChatURL     string
	ChatTimeout time.Duration
	MaxUploadMB float64
}

// Register adds the override flags to fs.
func (f *Flags) Register(fs *pflag.FlagSet) {
	fs.StringVar(&f.CloakURL, "cloak-url", "", "Cloaking service base URL (env "+EnvCloakURL+")")
	fs.StringVar(&f.ChatURL, "chat-url", "", "Chat service base URL (env "+EnvChatURL+")")
	fs.DurationVar(&f.ChatTimeout, "chat-timeout", 0, "Chat request timeout (env "+EnvChatTimeout+")")
	fs.Float64Var(&f.MaxUploadMB, "max-upload-mb", 0, "Largest accepted image in MB (env "+EnvMaxUploadMB+")")
}

// Apply copies the set overrides into c.
func (c *Config) Apply(f Flags) {
	if f.CloakURL != "" {
		c.CloakURL = f.CloakURL
	}
	if f.ChatURL != "" {
		c.ChatURL = f.ChatURL
	}
	if f.ChatTimeout != 0 {
		c.ChatTimeout = f.ChatTimeout
	}
	if f.MaxUploadMB != 0 {
		c.MaxUploadBytes = int64(f.MaxUploadMB * (1 << 20))
	}
}

// LoadWithFlags loads the environment, applies f and validates the result.
func LoadWithFlags(f Flags) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	cfg.Apply(f)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
