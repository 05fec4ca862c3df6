// Package graph resolves resource links lazily, caching every resource it
// sees by a stable local identity and by its type and id.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ironhee/jsonapi/internal/jsonapi"
)

var (
	ErrNoLink   = errors.New("link not found")
	ErrNotFound = errors.New("resource not cached")
)

type Config struct {
	Synchronizer jsonapi.Synchronizer
	Log          *slog.Logger
}

// Pool caches proxies. Each resource has exactly one live record no matter
// how many proxies point at it.
type Pool struct {
	sync jsonapi.Synchronizer
	log  *slog.Logger

	loads singleflight.Group

	mu        sync.Mutex
	byUUID    map[uuid.UUID]*Proxy
	byLinkage map[string]uuid.UUID
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.Synchronizer == nil {
		return nil, fmt.Errorf("%w: graph pool requires a synchronizer", jsonapi.ErrConfiguration)
	}
	p := &Pool{
		sync:      cfg.Synchronizer,
		log:       cfg.Log,
		byUUID:    make(map[uuid.UUID]*Proxy),
		byLinkage: make(map[string]uuid.UUID),
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "graph")
	return p, nil
}

// ProxyOptions seeds a proxy. Every field is optional.
type ProxyOptions struct {
	URL     string
	Linkage jsonapi.Linkage // ignored when Data is set
	Data    *jsonapi.Representation
	Links   jsonapi.Links
}

// NewProxy returns the cached proxy for the resource opts describes, or a new
// one. Known data and links refresh the cached record.
func (p *Pool) NewProxy(opts ProxyOptions) *Proxy {
	rec := &record{url: opts.URL, linkage: opts.Linkage}
	if opts.Data != nil {
		data := *opts.Data
		rec.data = &data
		rec.linkage = data.Identifier()
		if rec.url == "" {
			rec.url = data.Links.Self
		}
	}
	if !opts.Links.IsZero() {
		rec.links = opts.Links.Clone()
		rec.hasLinks = true
		if rec.url == "" {
			rec.url = opts.Links.Self
		}
	} else if opts.Data != nil && !opts.Data.Links.IsZero() {
		rec.links = opts.Data.Links.Clone()
		rec.hasLinks = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if canonical := p.canonicalLocked(rec.linkage); canonical != nil {
		canonical.load().refresh(rec)
		return canonical
	}
	proxy := &Proxy{pool: p, id: uuid.New()}
	proxy.rec.Store(rec)
	p.byUUID[proxy.id] = proxy
	if complete(rec.linkage) {
		p.byLinkage[rec.linkage.Key()] = proxy.id
	}
	return proxy
}

func complete(l jsonapi.Linkage) bool {
	return l.Type != "" && !l.ID.IsZero()
}

func (p *Pool) canonicalLocked(l jsonapi.Linkage) *Proxy {
	if !complete(l) {
		return nil
	}
	id, ok := p.byLinkage[l.Key()]
	if !ok {
		return nil
	}
	return p.byUUID[id]
}

// bind records that proxy now knows its linkage l, dropping prev when the
// fetched identity differs from it. When another proxy already owns l, proxy
// adopts the owner's record and the owner stays canonical.
func (p *Pool) bind(proxy *Proxy, prev, l jsonapi.Linkage) {
	if !complete(l) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if complete(prev) && prev.Key() != l.Key() && p.byLinkage[prev.Key()] == proxy.id {
		delete(p.byLinkage, prev.Key())
	}
	canonical := p.canonicalLocked(l)
	if canonical == nil {
		p.byLinkage[l.Key()] = proxy.id
		return
	}
	if canonical == proxy {
		return
	}
	shared := canonical.load()
	shared.refresh(proxy.load())
	proxy.rec.Store(shared)
	p.byUUID[proxy.id] = canonical
}

// Ref addresses a resource by local identity, by linkage or by URL.
type Ref struct {
	UUID    uuid.UUID
	Linkage jsonapi.Linkage
	URL     string
}

// Lookup returns a cached proxy without touching the network.
func (p *Pool) Lookup(ref Ref) (*Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref.UUID != uuid.Nil {
		if proxy, ok := p.byUUID[ref.UUID]; ok {
			return proxy, true
		}
	}
	if proxy := p.canonicalLocked(ref.Linkage); proxy != nil {
		return proxy, true
	}
	return nil, false
}

// Get returns the cached proxy for ref, or fetches ref.URL and returns one
// proxy per resource in the response.
func (p *Pool) Get(ctx context.Context, ref Ref) ([]*Proxy, error) {
	if proxy, ok := p.Lookup(ref); ok {
		return []*Proxy{proxy}, nil
	}
	if ref.URL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Linkage.Key())
	}
	doc, err := p.fetch(ctx, ref.URL)
	if err != nil {
		return nil, err
	}
	return p.admit(doc)
}

// fetch loads url once for all concurrent callers.
func (p *Pool) fetch(ctx context.Context, url string) (jsonapi.Document, error) {
	v, err, shared := p.loads.Do(url, func() (any, error) {
		return p.sync.Get(ctx, url, nil)
	})
	if err != nil {
		return jsonapi.Document{}, err
	}
	p.log.Debug("fetched", "url", url, "shared", shared)
	return v.(jsonapi.Document), nil
}

// admit validates a fetched document and registers every resource in it.
func (p *Pool) admit(doc jsonapi.Document) ([]*Proxy, error) {
	reps, err := doc.Resources()
	if err != nil {
		return nil, err
	}
	if reps == nil {
		return nil, fmt.Errorf("%w: response carries no data", jsonapi.ErrProtocol)
	}
	out := make([]*Proxy, 0, len(reps))
	for _, rep := range reps {
		links := rep.Links
		if links.IsZero() {
			links = doc.Links
		}
		if links.IsZero() {
			return nil, fmt.Errorf("%w: %s carries no links", jsonapi.ErrProtocol, rep.Identifier().Key())
		}
		rep := rep
		out = append(out, p.NewProxy(ProxyOptions{URL: rep.Links.Self, Data: &rep, Links: links}))
	}
	for _, rep := range doc.Included {
		rep := rep
		p.NewProxy(ProxyOptions{Data: &rep})
	}
	return out, nil
}

// Len reports the number of distinct cached resources.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[*Proxy]struct{}, len(p.byUUID))
	for _, proxy := range p.byUUID {
		seen[proxy] = struct{}{}
	}
	return len(seen)
}
