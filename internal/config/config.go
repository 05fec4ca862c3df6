// Package config loads the resource server configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ironhee/jsonapi/internal/auth"
	"github.com/ironhee/jsonapi/internal/jsonapi"
	"github.com/ironhee/jsonapi/internal/remote"
)

const (
	DefaultListen   = ":8080"
	DefaultDatabase = "jsonapi.db"
)

type Config struct {
	Listen string `yaml:"listen"`
	// BaseURL prefixes the links the server writes. Empty keeps them relative.
	BaseURL      string            `yaml:"base_url"`
	MaxBodyBytes int64             `yaml:"max_body_bytes"`
	Database     Database          `yaml:"database"`
	Log          Log               `yaml:"log"`
	Auth         Auth              `yaml:"auth"`
	Client       Client            `yaml:"client"`
	Remotes      map[string]string `yaml:"remotes"`
}

// Client configures the command line client of a remote resource server.
type Client struct {
	BaseURL string            `yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Auth struct {
	DevOwner       string        `yaml:"dev_owner"`
	IssuerURL      string        `yaml:"issuer_url"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	RedirectURL    string        `yaml:"redirect_url"`
	SessionKey     string        `yaml:"session_key"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	CookieSecure   bool          `yaml:"cookie_secure"`
	CookieSameSite string        `yaml:"cookie_same_site"`
	CookieDomain   string        `yaml:"cookie_domain"`
	FallbackURL    string        `yaml:"fallback_url"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:   DefaultListen,
		Database: Database{Path: DefaultDatabase},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// Load reads path (when set) over the defaults, then applies the environment.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: open config: %v", jsonapi.ErrConfiguration, err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, err
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decode(rd io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode config: %v", jsonapi.ErrConfiguration, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	env := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(key))
		return v, v != ""
	}
	if port, ok := env("PORT"); ok {
		c.Listen = ":" + port
	}
	if v, ok := env("JSONAPI_DB"); ok {
		c.Database.Path = v
	}
	if v, ok := env("JSONAPI_BASE_URL"); ok {
		c.BaseURL = v
	}
	if v, ok := env("JSONAPI_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := env("JSONAPI_REMOTE_URL"); ok {
		c.Client.BaseURL = v
	}
	if v, ok := env("JSONAPI_DEV_OWNER"); ok {
		c.Auth.DevOwner = v
	}
	if v, ok := env("JSONAPI_OIDC_ISSUER_URL"); ok {
		c.Auth.IssuerURL = v
	}
	if v, ok := env("JSONAPI_OIDC_CLIENT_ID"); ok {
		c.Auth.ClientID = v
	}
	if v, ok := env("JSONAPI_OIDC_CLIENT_SECRET"); ok {
		c.Auth.ClientSecret = v
	}
	if v, ok := env("JSONAPI_OIDC_REDIRECT_URL"); ok {
		c.Auth.RedirectURL = v
	}
	if v, ok := env("JSONAPI_SESSION_KEY"); ok {
		c.Auth.SessionKey = v
	}
	if v, ok := env("JSONAPI_COOKIE_SECURE"); ok {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: JSONAPI_COOKIE_SECURE: %v", jsonapi.ErrConfiguration, err)
		}
		c.Auth.CookieSecure = secure
	}
	return nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is required", jsonapi.ErrConfiguration)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database path is required", jsonapi.ErrConfiguration)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", jsonapi.ErrConfiguration, c.Log.Format)
	}
	if _, err := parseSameSite(c.Auth.CookieSameSite); err != nil {
		return err
	}
	return nil
}

func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log level %q: %v", jsonapi.ErrConfiguration, l.Level, err)
	}
	return level, nil
}

// OIDC reports whether the auth section configures an identity provider.
func (a Auth) OIDC() bool {
	return a.IssuerURL != ""
}

func (a Auth) ManagerConfig() auth.Config {
	sameSite, _ := parseSameSite(a.CookieSameSite)
	return auth.Config{
		IssuerURL:      a.IssuerURL,
		ClientID:       a.ClientID,
		ClientSecret:   a.ClientSecret,
		RedirectURL:    a.RedirectURL,
		SessionKey:     a.SessionKey,
		SessionTTL:     a.SessionTTL,
		CookieSecure:   a.CookieSecure,
		CookieSameSite: sameSite,
		CookieDomain:   a.CookieDomain,
		FallbackURL:    a.FallbackURL,
	}
}

func parseSameSite(v string) (http.SameSite, error) {
	switch strings.ToLower(v) {
	case "":
		return 0, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	}
	return 0, fmt.Errorf("%w: cookie_same_site %q", jsonapi.ErrConfiguration, v)
}

// Registry builds the type -> base URL table from the remotes section.
func (c Config) Registry() *remote.Registry {
	return remote.NewRegistry(c.Remotes)
}
