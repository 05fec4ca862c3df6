package remote

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ironhee/jsonapi/internal/jsonapi"
)

func TestRegistryURL(t *testing.T) {
	r := NewRegistry(map[string]string{"foo": "/api/foo/"})
	r.Add("bar", "/api/bar")

	tests := []struct {
		typ  string
		id   jsonapi.ID
		want string
	}{
		{"foo", jsonapi.ID{}, "/api/foo/"},
		{"foo", jsonapi.IntID(1), "/api/foo/1"},
		{"bar", jsonapi.StringID("x"), "/api/bar/x"},
	}
	for _, tt := range tests {
		got, err := r.URL(tt.typ, tt.id)
		if err != nil {
			t.Fatalf("url %s/%s: %v", tt.typ, tt.id, err)
		}
		if got != tt.want {
			t.Fatalf("url %s/%s: got %q want %q", tt.typ, tt.id, got, tt.want)
		}
	}

	links, err := r.LinksURL("foo", jsonapi.IntID(1), "bar")
	if err != nil || links != "/api/foo/1/links/bar" {
		t.Fatalf("links url: %q %v", links, err)
	}
}

func TestRegistryMissingType(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Base("foo"); !errors.Is(err, jsonapi.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := r.URL("foo", jsonapi.IntID(1)); !errors.Is(err, jsonapi.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	r, err := Load(strings.NewReader("remotes:\n  foo: /foo/\n  bar: http://example.com/bar/\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]string{"bar", "foo"}, r.Types()); diff != "" {
		t.Fatalf("types (-want +got):\n%s", diff)
	}

	path := filepath.Join(t.TempDir(), "remotes.yaml")
	if err := os.WriteFile(path, []byte("remotes:\n  baz: /baz/\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err = LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if base, _ := r.Base("baz"); base != "/baz/" {
		t.Fatalf("base: got %q", base)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, jsonapi.ErrConfiguration) {
		t.Fatalf("missing file should be a configuration error, got %v", err)
	}
}
