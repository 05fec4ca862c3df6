package config

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ironhee/jsonapi/internal/jsonapi"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults (-want +got):\n%s", diff)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
base_url: https://api.example
database:
  path: /var/lib/jsonapi.db
log:
  level: debug
  format: json
auth:
  dev_owner: alice
  session_ttl: 24h
  cookie_same_site: strict
remotes:
  foo: https://api.example/foo/
`)
	cfg, err := Load(path, envMap(map[string]string{
		"PORT":                   "7000",
		"JSONAPI_DB":             " /tmp/override.db ",
		"JSONAPI_OIDC_CLIENT_ID": "client",
		"JSONAPI_COOKIE_SECURE":  "true",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Config{
		Listen:   ":7000",
		BaseURL:  "https://api.example",
		Database: Database{Path: "/tmp/override.db"},
		Log:      Log{Level: "debug", Format: "json"},
		Auth: Auth{
			DevOwner:       "alice",
			ClientID:       "client",
			SessionTTL:     24 * time.Hour,
			CookieSecure:   true,
			CookieSameSite: "strict",
		},
		Remotes: map[string]string{"foo": "https://api.example/foo/"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
	if level, _ := cfg.Log.SlogLevel(); level != slog.LevelDebug {
		t.Fatalf("level: %v", level)
	}
	if got := cfg.Auth.ManagerConfig().CookieSameSite; got != http.SameSiteStrictMode {
		t.Fatalf("same site: %v", got)
	}
	if base, err := cfg.Registry().Base("foo"); err != nil || base != "https://api.example/foo/" {
		t.Fatalf("registry: %q %v", base, err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		env  map[string]string
	}{
		{"unknown field", "listne: x\n", nil},
		{"log format", "log:\n  format: xml\n", nil},
		{"log level", "log:\n  level: loud\n", nil},
		{"same site", "auth:\n  cookie_same_site: sometimes\n", nil},
		{"empty listen", "listen: \"\"\n", nil},
		{"cookie secure env", "", map[string]string{"JSONAPI_COOKIE_SECURE": "maybe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body), envMap(tc.env))
			if !errors.Is(err, jsonapi.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil)); !errors.Is(err, jsonapi.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
