// Package remote maps resource types to the collection URLs that serve them.
package remote

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ironhee/jsonapi/internal/jsonapi"
)

// Registry is a concurrency-safe type -> base URL table.
type Registry struct {
	mu    sync.RWMutex
	bases map[string]string
}

func NewRegistry(bases map[string]string) *Registry {
	r := &Registry{bases: make(map[string]string, len(bases))}
	for typ, base := range bases {
		r.bases[typ] = base
	}
	return r
}

// Add registers or replaces the base URL of typ.
func (r *Registry) Add(typ, baseURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bases[typ] = baseURL
}

// Base returns the collection URL of typ.
func (r *Registry) Base(typ string) (string, error) {
	r.mu.RLock()
	base, ok := r.bases[typ]
	r.mu.RUnlock()
	if !ok || base == "" {
		return "", fmt.Errorf("%w: type %q has no registered remote", jsonapi.ErrConfiguration, typ)
	}
	return base, nil
}

// URL returns the collection URL of typ, or the item URL when id is set.
func (r *Registry) URL(typ string, id jsonapi.ID) (string, error) {
	base, err := r.Base(typ)
	if err != nil {
		return "", err
	}
	if id.IsZero() {
		return base, nil
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + id.String(), nil
}

// LinksURL returns the relationship endpoint <item URL>/links/<relation>.
func (r *Registry) LinksURL(typ string, id jsonapi.ID, relation string) (string, error) {
	if id.IsZero() {
		return "", fmt.Errorf("%w: %s linkage requires an id", jsonapi.ErrValidation, typ)
	}
	item, err := r.URL(typ, id)
	if err != nil {
		return "", err
	}
	return item + "/links/" + relation, nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.bases))
	for typ := range r.bases {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

type file struct {
	Remotes map[string]string `yaml:"remotes"`
}

// Load reads a YAML document with a top-level "remotes" mapping.
func Load(rd io.Reader) (*Registry, error) {
	var f file
	if err := yaml.NewDecoder(rd).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: decode remotes: %v", jsonapi.ErrConfiguration, err)
	}
	return NewRegistry(f.Remotes), nil
}

func LoadFile(path string) (*Registry, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open remotes: %v", jsonapi.ErrConfiguration, err)
	}
	defer fh.Close()
	return Load(fh)
}
