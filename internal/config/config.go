// Package config loads broker configuration from config.yml, environment
// variables, and flags, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting the broker daemon needs.
type Config struct {
	Port             int           `mapstructure:"port"`
	SessionSocketDir string        `mapstructure:"session_socket_dir"`
	DBPath           string        `mapstructure:"db_path"`
	RetentionDays    int           `mapstructure:"retention_days"`
	JQPath           string        `mapstructure:"jq_path"`
	JQTimeout        time.Duration `mapstructure:"jq_timeout"`
	InjectTimeout    time.Duration `mapstructure:"inject_timeout"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Tunnel    TunnelConfig    `mapstructure:"tunnel"`
}

// RateLimitConfig tunes the per-IP fixed-window limiter.
type RateLimitConfig struct {
	Cap    int           `mapstructure:"cap"`
	Window time.Duration `mapstructure:"window"`
}

// TunnelConfig selects the cloudflared mode and config file location.
type TunnelConfig struct {
	Mode       string `mapstructure:"mode"` // "named" or "quick"
	ConfigPath string `mapstructure:"config_path"`
}

// AppSupportDir returns the per-user data directory for hookwire state
// (database, downloaded tunnel binary, secret files).
func AppSupportDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "hookwire"), nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "hookwire"), nil
	}
	return filepath.Join(home, ".local", "share", "hookwire"), nil
}

// DefaultConfigPath returns ~/.config/hookwire/config.yml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "hookwire", "config.yml"), nil
}

// Load reads configuration from the given file (optional), the HOOKWIRE_*
// environment, and built-in defaults. A missing config file is not an error;
// a malformed one is.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HOOKWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		if p, err := DefaultConfigPath(); err == nil {
			configFile = p
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := fillDerived(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 7842)
	v.SetDefault("retention_days", 30)
	v.SetDefault("jq_path", "jq")
	v.SetDefault("jq_timeout", 2*time.Second)
	v.SetDefault("inject_timeout", 3*time.Second)
	v.SetDefault("rate_limit.cap", 100)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("tunnel.mode", "quick")
}

// fillDerived resolves path settings that default relative to the user's
// home or data directory.
func fillDerived(cfg *Config) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	if cfg.DBPath == "" {
		support, err := AppSupportDir()
		if err != nil {
			return err
		}
		cfg.DBPath = filepath.Join(support, "hookwire.db")
	}
	if cfg.SessionSocketDir == "" {
		cfg.SessionSocketDir = filepath.Join(home, ".hookwire", "sessions")
	}
	if cfg.Tunnel.ConfigPath == "" {
		cfg.Tunnel.ConfigPath = filepath.Join(home, ".config", "cloudflared", "config.yml")
	}
	return nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RateLimit.Cap < 1 {
		return fmt.Errorf("rate_limit.cap must be positive, got %d", c.RateLimit.Cap)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window)
	}
	if c.Tunnel.Mode != "named" && c.Tunnel.Mode != "quick" {
		return fmt.Errorf("tunnel.mode must be \"named\" or \"quick\", got %q", c.Tunnel.Mode)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be positive, got %d", c.RetentionDays)
	}
	return nil
}
