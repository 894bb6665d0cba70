package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.validateBackend(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.validateSession(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.validateStore(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := c.validateIDToken(); err != nil {
		return fmt.Errorf("id_token config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if err := validateAbsoluteURL(c.Server.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}

	sameSite := strings.ToLower(c.Server.CookieSameSite)
	if sameSite != "lax" && sameSite != "strict" && sameSite != "none" {
		return fmt.Errorf("invalid cookie_same_site: %s (must be lax, strict, or none)", c.Server.CookieSameSite)
	}

	if sameSite == "none" && !c.Server.CookieSecure {
		return fmt.Errorf("cookie_same_site none requires cookie_secure")
	}

	return nil
}

func (c *Config) validateBackend() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("url is required")
	}

	if err := validateAbsoluteURL(c.Backend.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if c.Backend.Timeout < 0 {
		return fmt.Errorf("timeout must be positive")
	}

	return nil
}

func (c *Config) validateSession() error {
	if err := validateAbsoluteURL(c.Session.RedirectURI); err != nil {
		return fmt.Errorf("invalid redirect_uri: %w", err)
	}

	if c.Session.PostLogoutRedirectURI != "" {
		if err := validateAbsoluteURL(c.Session.PostLogoutRedirectURI); err != nil {
			return fmt.Errorf("invalid post_logout_redirect_uri: %w", err)
		}
	}

	if c.Session.Timeout < time.Second {
		return fmt.Errorf("timeout must be at least 1 second")
	}

	if c.Session.RefreshInterval < time.Second {
		return fmt.Errorf("refresh_interval must be at least 1 second")
	}

	if c.Session.CorrelatorTTL < time.Minute {
		return fmt.Errorf("correlator_ttl must be at least 1 minute")
	}

	if c.Session.ExpiryBuffer < 0 {
		return fmt.Errorf("expiry_buffer must not be negative")
	}

	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Type {
	case "memory":
	case "file":
		if c.Store.File == nil || c.Store.File.Dir == "" {
			return fmt.Errorf("file dir is required when type is file")
		}
	case "redis":
		if c.Store.Redis == nil {
			return fmt.Errorf("redis config is required when type is redis")
		}
		if c.Store.Redis.Address == "" {
			return fmt.Errorf("redis address is required")
		}
	default:
		return fmt.Errorf("invalid type: %s (must be memory, file, or redis)", c.Store.Type)
	}

	return nil
}

func (c *Config) validateIDToken() error {
	if c.IDToken.Issuer == "" && c.IDToken.ClientID == "" {
		return nil
	}

	if c.IDToken.Issuer == "" || c.IDToken.ClientID == "" {
		return fmt.Errorf("issuer and client_id must be set together")
	}

	if err := validateAbsoluteURL(c.IDToken.Issuer); err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" {
		return fmt.Errorf("invalid level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "json" && format != "text" {
		return fmt.Errorf("invalid format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
