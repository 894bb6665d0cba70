package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Store   StoreConfig   `yaml:"store"`
	IDToken IDTokenConfig `yaml:"id_token"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	BaseURL        string `yaml:"base_url"`
	CookieName     string `yaml:"cookie_name"`
	CookieDomain   string `yaml:"cookie_domain"`
	CookieSecure   bool   `yaml:"cookie_secure"`
	CookieSameSite string `yaml:"cookie_same_site"`
}

type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig tunes the session lifecycle. RedirectURI defaults to the
// console's own callback route.
type SessionConfig struct {
	RedirectURI           string        `yaml:"redirect_uri"`
	PostLogoutRedirectURI string        `yaml:"post_logout_redirect_uri"`
	Timeout               time.Duration `yaml:"timeout"`
	RefreshInterval       time.Duration `yaml:"refresh_interval"`
	CorrelatorTTL         time.Duration `yaml:"correlator_ttl"`
	ExpiryBuffer          time.Duration `yaml:"expiry_buffer"`
}

type StoreConfig struct {
	Type      string       `yaml:"type"`
	KeyPrefix string       `yaml:"key_prefix"`
	File      *FileConfig  `yaml:"file,omitempty"`
	Redis     *RedisConfig `yaml:"redis,omitempty"`
}

type FileConfig struct {
	Dir string `yaml:"dir"`
}

type RedisConfig struct {
	Address    string `yaml:"address"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// IDTokenConfig enables nonce verification of the ID token returned by the
// callback exchange. Both fields empty disables it.
type IDTokenConfig struct {
	Issuer   string `yaml:"issuer"`
	ClientID string `yaml:"client_id"`
}

func (c IDTokenConfig) Enabled() bool {
	return c.Issuer != "" && c.ClientID != ""
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document and applies defaults and environment
// overrides. It does not validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.loadFromEnv()
	cfg.setDefaults()

	return &cfg, nil
}

// Default returns a configuration suitable for a local console pointed at
// backendURL.
func Default(backendURL string) *Config {
	cfg := &Config{Backend: BackendConfig{URL: backendURL}}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Server.CookieName == "" {
		c.Server.CookieName = "authsession"
	}
	if c.Server.CookieSameSite == "" {
		c.Server.CookieSameSite = "lax"
	}

	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}

	if c.Session.RedirectURI == "" {
		c.Session.RedirectURI = strings.TrimRight(c.Server.BaseURL, "/") + "/auth/callback"
	}
	if c.Session.Timeout == 0 {
		c.Session.Timeout = 10 * time.Second
	}
	if c.Session.RefreshInterval == 0 {
		c.Session.RefreshInterval = 5 * time.Minute
	}
	if c.Session.CorrelatorTTL == 0 {
		c.Session.CorrelatorTTL = 10 * time.Minute
	}
	if c.Session.ExpiryBuffer == 0 {
		c.Session.ExpiryBuffer = 60 * time.Second
	}

	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.Type == "redis" && c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "authsession:"
	}
	if c.Store.Type == "file" && c.Store.File == nil {
		c.Store.File = &FileConfig{}
	}
	if c.Store.File != nil && c.Store.File.Dir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.Store.File.Dir = filepath.Join(dir, "authsession")
		}
	}
	if c.Store.Type == "redis" && c.Store.Redis != nil {
		if c.Store.Redis.PoolSize == 0 {
			c.Store.Redis.PoolSize = 10
		}
		if c.Store.Redis.MaxRetries == 0 {
			c.Store.Redis.MaxRetries = 3
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) loadFromEnv() {
	if envURL := os.Getenv("AUTHSESSION_BACKEND_URL"); envURL != "" {
		c.Backend.URL = envURL
	}

	if c.Store.Type == "redis" && c.Store.Redis != nil {
		if envPassword := os.Getenv("REDIS_PASSWORD"); envPassword != "" {
			c.Store.Redis.Password = envPassword
		}
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
