package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ironhee/jsonapi/internal/jsonapi"
)

type record struct {
	mu       sync.Mutex
	url      string
	data     *jsonapi.Representation
	links    jsonapi.Links
	hasLinks bool
	linkage  jsonapi.Linkage
	// members is set once url turned out to be a collection.
	members []*Proxy
}

// refresh copies whatever other knows into r.
func (r *record) refresh(other *record) {
	if r == other {
		return
	}
	other.mu.Lock()
	url, data, links, hasLinks, linkage := other.url, other.data, other.links.Clone(), other.hasLinks, other.linkage
	members := other.members
	other.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if data != nil && data.Links.Self != "" {
		url = data.Links.Self
	}
	if url != "" && (r.url == "" || data != nil) {
		r.url = url
	}
	if data != nil {
		r.data = data
	}
	if hasLinks {
		r.links = links
		r.hasLinks = true
	}
	if complete(linkage) {
		r.linkage = linkage
	}
	if members != nil {
		r.members = members
	}
}

// Proxy is a lazily loaded resource. Data and links are fetched from its URL
// the first time they are needed.
type Proxy struct {
	pool *Pool
	id   uuid.UUID
	rec  atomic.Pointer[record]
}

func (p *Proxy) load() *record { return p.rec.Load() }

// UUID is the stable local identity assigned when the proxy was created.
func (p *Proxy) UUID() uuid.UUID { return p.id }

func (p *Proxy) URL() string {
	r := p.load()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

// Linkage returns the type and id once they are known.
func (p *Proxy) Linkage() (jsonapi.Linkage, bool) {
	r := p.load()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linkage, complete(r.linkage)
}

// Loaded reports whether attribute data is present.
func (p *Proxy) Loaded() bool {
	r := p.load()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data != nil
}

// Data returns the resource representation, fetching it when not yet loaded.
func (p *Proxy) Data(ctx context.Context) (jsonapi.Representation, error) {
	r := p.load()
	r.mu.Lock()
	data, collection := r.data, r.members != nil
	r.mu.Unlock()
	if data == nil && !collection {
		if err := p.Reload(ctx); err != nil {
			return jsonapi.Representation{}, err
		}
		r = p.load()
		r.mu.Lock()
		data = r.data
		r.mu.Unlock()
	}
	if data == nil {
		return jsonapi.Representation{}, fmt.Errorf("%w: %s is a collection", jsonapi.ErrProtocol, p.URL())
	}
	return *data, nil
}

// Members returns the resources behind a collection proxy, fetching the
// collection the first time. A proxy for a single resource is its own only
// member.
func (p *Proxy) Members(ctx context.Context) ([]*Proxy, error) {
	r := p.load()
	r.mu.Lock()
	members, loaded := r.members, r.members != nil || r.data != nil
	r.mu.Unlock()
	if !loaded {
		if err := p.Reload(ctx); err != nil {
			return nil, err
		}
		r = p.load()
		r.mu.Lock()
		members = r.members
		r.mu.Unlock()
	}
	if members == nil {
		return []*Proxy{p}, nil
	}
	return append([]*Proxy(nil), members...), nil
}

// Decode loads the data and decodes its attributes into v.
func (p *Proxy) Decode(ctx context.Context, v any) error {
	data, err := p.Data(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode attributes: %w", err)
	}
	return nil
}

// Reload fetches the proxy URL and replaces the cached data and links. When
// the URL serves a collection the proxy records its members instead.
func (p *Proxy) Reload(ctx context.Context) error {
	url := p.URL()
	if url == "" {
		return fmt.Errorf("%w: proxy has no url", jsonapi.ErrValidation)
	}
	doc, err := p.pool.fetch(ctx, url)
	if err != nil {
		return err
	}
	if doc.IsCollection() {
		members, err := p.pool.admit(doc)
		if err != nil {
			return err
		}
		r := p.load()
		r.mu.Lock()
		r.members = members
		r.mu.Unlock()
		return nil
	}
	rep, err := doc.Resource()
	if err != nil {
		return err
	}
	links := rep.Links
	if links.IsZero() {
		links = doc.Links
	}
	if links.IsZero() {
		return fmt.Errorf("%w: %s returned no links", jsonapi.ErrProtocol, url)
	}

	fresh := &record{url: url, data: &rep, links: links.Clone(), hasLinks: true, linkage: rep.Identifier()}
	if links.Self != "" {
		fresh.url = links.Self
	}
	prev, _ := p.Linkage()
	p.load().refresh(fresh)
	p.pool.bind(p, prev, rep.Identifier())
	for _, inc := range doc.Included {
		inc := inc
		p.pool.NewProxy(ProxyOptions{Data: &inc})
	}
	return nil
}

func (p *Proxy) cachedLink(name string) (jsonapi.Link, bool) {
	r := p.load()
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.links.Get(name)
	if ok {
		link.Linkage = link.Linkage.Clone()
	}
	return link, ok
}

// Link returns the named link descriptor. An unknown name reloads the proxy
// once before it is reported missing.
func (p *Proxy) Link(ctx context.Context, name string) (jsonapi.Link, error) {
	if link, ok := p.cachedLink(name); ok {
		return link, nil
	}
	if p.URL() == "" {
		return jsonapi.Link{}, fmt.Errorf("%w: %q on a proxy without url", ErrNoLink, name)
	}
	if err := p.Reload(ctx); err != nil {
		return jsonapi.Link{}, err
	}
	if link, ok := p.cachedLink(name); ok {
		return link, nil
	}
	return jsonapi.Link{}, fmt.Errorf("%w: %q on %s", ErrNoLink, name, p.URL())
}

// Related resolves the named link to proxies without fetching them. Cached
// resources are returned as they are. Otherwise the result is one lazy proxy
// at the related URL; for a to-many link its Members loads the collection.
func (p *Proxy) Related(ctx context.Context, name string) ([]*Proxy, error) {
	link, err := p.Link(ctx, name)
	if err != nil {
		return nil, err
	}
	if link.Linkage == nil {
		if link.Related == "" {
			return nil, fmt.Errorf("%w: %q has neither linkage nor related url", ErrNoLink, name)
		}
		return []*Proxy{p.pool.NewProxy(ProxyOptions{URL: link.Related})}, nil
	}

	out := make([]*Proxy, 0, len(link.Linkage.Items))
	missing := false
	for _, l := range link.Linkage.Items {
		if proxy, ok := p.pool.Lookup(Ref{Linkage: l}); ok {
			out = append(out, proxy)
			continue
		}
		missing = true
		break
	}
	if !missing {
		return out, nil
	}
	if link.Related == "" {
		return nil, fmt.Errorf("%w: %q is not cached and has no related url", ErrNoLink, name)
	}
	if !link.Linkage.Many {
		target, _ := link.Linkage.First()
		return []*Proxy{p.pool.NewProxy(ProxyOptions{URL: link.Related, Linkage: target})}, nil
	}
	return []*Proxy{p.pool.NewProxy(ProxyOptions{URL: link.Related})}, nil
}
