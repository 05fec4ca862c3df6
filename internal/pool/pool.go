// Package pool keeps a local index of resources, stages mutations against it
// and pushes the collapsed result to the remote service.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ironhee/jsonapi/internal/jsonapi"
	"github.com/ironhee/jsonapi/internal/remote"
)

var ErrNotFound = errors.New("resource not found")

const defaultPushConcurrency = 4

type Config struct {
	Synchronizer jsonapi.Synchronizer
	// Remotes is shared with the caller. A fresh registry is used when nil.
	Remotes *remote.Registry
	Log     *slog.Logger
	// PushConcurrency bounds in-flight operations during Push. 1 serializes them.
	PushConcurrency int
}

// Pool is a staging pool. Its methods are safe for concurrent use; Push calls
// are serialized.
type Pool struct {
	sync        jsonapi.Synchronizer
	remotes     *remote.Registry
	log         *slog.Logger
	concurrency int

	mu         sync.Mutex
	index      map[string]*jsonapi.Resource    // type:id
	urls       map[string]string               // self URL -> type:id
	selfs      map[string]string               // type:id -> self URL tracked in urls
	foreign    map[string]*jsonapi.Resource    // self URL -> resource admitted with Foreign
	foreignIDs map[uuid.UUID]string            // local id -> key in foreign
	byLocal    map[uuid.UUID]*jsonapi.Resource // every tracked resource, pending or persisted
	staged     map[string]Staged
	commits    []Commit

	pushMu sync.Mutex

	subMu   sync.Mutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

func New(cfg Config) (*Pool, error) {
	if cfg.Synchronizer == nil {
		return nil, fmt.Errorf("%w: pool requires a synchronizer", jsonapi.ErrConfiguration)
	}
	p := &Pool{
		sync:        cfg.Synchronizer,
		remotes:     cfg.Remotes,
		log:         cfg.Log,
		concurrency: cfg.PushConcurrency,
		index:       make(map[string]*jsonapi.Resource),
		urls:        make(map[string]string),
		selfs:       make(map[string]string),
		foreign:     make(map[string]*jsonapi.Resource),
		foreignIDs:  make(map[uuid.UUID]string),
		byLocal:     make(map[uuid.UUID]*jsonapi.Resource),
		staged:      make(map[string]Staged),
		subs:        make(map[uint64]func(Event)),
	}
	if p.remotes == nil {
		p.remotes = remote.NewRegistry(nil)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "pool")
	if p.concurrency <= 0 {
		p.concurrency = defaultPushConcurrency
	}
	return p, nil
}

func (p *Pool) AddRemote(typ, baseURL string) {
	p.remotes.Add(typ, baseURL)
}

func (p *Pool) Remote(typ string) (string, error) {
	return p.remotes.Base(typ)
}

// URL returns the collection URL of typ, or the item URL when id is set.
func (p *Pool) URL(typ string, id jsonapi.ID) (string, error) {
	return p.remotes.URL(typ, id)
}

func (p *Pool) Remotes() *remote.Registry { return p.remotes }

// Get returns the indexed resource with the given type and id.
func (p *Pool) Get(typ string, id jsonapi.ID) (*jsonapi.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.index[jsonapi.Linkage{Type: typ, ID: id}.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrNotFound, typ, id)
	}
	return r, nil
}

// List returns every tracked resource of typ, persisted ones first in id
// order, then pending ones.
func (p *Pool) List(typ string) []*jsonapi.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	var persisted, pending []*jsonapi.Resource
	for _, r := range p.byLocal {
		if r.Type() != typ {
			continue
		}
		if r.IsPersisted() {
			persisted = append(persisted, r)
		} else {
			pending = append(pending, r)
		}
	}
	sort.Slice(persisted, func(i, j int) bool {
		return lessID(persisted[i].ID(), persisted[j].ID())
	})
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].LocalID().String() < pending[j].LocalID().String()
	})
	return append(persisted, pending...)
}

func lessID(a, b jsonapi.ID) bool {
	if a.IsNumeric() && b.IsNumeric() {
		x, _ := a.Int64()
		y, _ := b.Int64()
		return x < y
	}
	return a.String() < b.String()
}

// Lookup finds an indexed or foreign resource by its self URL.
func (p *Pool) Lookup(selfURL string) (*jsonapi.Resource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key, ok := p.urls[selfURL]; ok {
		if r, ok := p.index[key]; ok {
			return r, true
		}
	}
	r, ok := p.foreign[selfURL]
	return r, ok
}

// Insert admits resources into the index, firing an add event for each newly
// admitted persisted resource.
func (p *Pool) Insert(resources ...*jsonapi.Resource) error {
	for _, r := range resources {
		if err := p.Admit(r); err != nil {
			return err
		}
	}
	return nil
}

// Admit registers r in the pool. A persisted resource already indexed under
// the same type and id is refreshed in place and no event fires. With Foreign,
// r is keyed by its self URL instead and never listed.
func (p *Pool) Admit(r *jsonapi.Resource, opts ...Option) error {
	if r == nil {
		return fmt.Errorf("%w: nil resource", jsonapi.ErrValidation)
	}
	o := collectOptions(opts)
	p.mu.Lock()
	var (
		canonical *jsonapi.Resource
		added     bool
		err       error
	)
	if o.foreign {
		canonical, added, err = p.admitForeignLocked(r)
	} else {
		canonical, added, err = p.admitLocked(r)
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if added && canonical.IsPersisted() && !o.fromReplication {
		p.emit(Event{Kind: EventAdd, Resource: canonical})
	}
	return nil
}

// admitLocked returns the canonical instance and whether it is new to the pool.
func (p *Pool) admitLocked(r *jsonapi.Resource) (*jsonapi.Resource, bool, error) {
	if _, ok := p.foreignIDs[r.LocalID()]; ok {
		p.trackForeignLocked(r)
		return r, false, nil
	}
	if !r.IsPersisted() {
		_, known := p.byLocal[r.LocalID()]
		p.byLocal[r.LocalID()] = r
		return r, !known, nil
	}
	key := r.Identifier().Key()
	if existing, ok := p.index[key]; ok {
		if existing != r {
			if err := existing.Merge(r); err != nil {
				return nil, false, err
			}
		}
		p.trackURLLocked(existing)
		return existing, false, nil
	}
	p.index[key] = r
	p.byLocal[r.LocalID()] = r
	p.trackURLLocked(r)
	return r, true, nil
}

// admitRepresentationLocked refreshes or creates the indexed resource for rep.
func (p *Pool) admitRepresentationLocked(rep jsonapi.Representation) (*jsonapi.Resource, bool, error) {
	if rep.ID.IsZero() {
		return nil, false, fmt.Errorf("%w: %s resource without id", jsonapi.ErrProtocol, rep.Type)
	}
	if existing, ok := p.index[rep.Identifier().Key()]; ok {
		if err := existing.Deserialize(rep); err != nil {
			return nil, false, err
		}
		p.trackURLLocked(existing)
		return existing, false, nil
	}
	r, err := jsonapi.FromRepresentation(rep)
	if err != nil {
		return nil, false, err
	}
	return p.admitLocked(r)
}

func (p *Pool) admitForeignLocked(r *jsonapi.Resource) (*jsonapi.Resource, bool, error) {
	self := r.SelfURL()
	if self == "" {
		return nil, false, fmt.Errorf("%w: foreign %s resource without self url", jsonapi.ErrValidation, r.Type())
	}
	if existing, ok := p.foreign[self]; ok {
		if existing != r {
			if err := existing.Merge(r); err != nil {
				return nil, false, err
			}
		}
		return existing, false, nil
	}
	p.foreign[self] = r
	p.foreignIDs[r.LocalID()] = self
	return r, true, nil
}

// trackForeignLocked rekeys a foreign resource whose self URL changed.
func (p *Pool) trackForeignLocked(r *jsonapi.Resource) {
	old := p.foreignIDs[r.LocalID()]
	self := r.SelfURL()
	if self == "" || self == old {
		return
	}
	if p.foreign[old] == r {
		delete(p.foreign, old)
	}
	p.foreign[self] = r
	p.foreignIDs[r.LocalID()] = self
}

// trackURLLocked points the self URL of r at its key and drops the URL the
// key held before.
func (p *Pool) trackURLLocked(r *jsonapi.Resource) {
	key := r.Identifier().Key()
	self := r.SelfURL()
	if old, ok := p.selfs[key]; ok && old != self && p.urls[old] == key {
		delete(p.urls, old)
	}
	if self == "" {
		delete(p.selfs, key)
		return
	}
	p.urls[self] = key
	p.selfs[key] = self
}

func (p *Pool) forgetLocked(r *jsonapi.Resource) {
	if self, ok := p.foreignIDs[r.LocalID()]; ok {
		delete(p.foreignIDs, r.LocalID())
		if p.foreign[self] == r {
			delete(p.foreign, self)
		}
		return
	}
	delete(p.byLocal, r.LocalID())
	if !r.IsPersisted() {
		return
	}
	key := r.Identifier().Key()
	if self, ok := p.selfs[key]; ok && p.urls[self] == key {
		delete(p.urls, self)
	}
	delete(p.selfs, key)
	if live, ok := p.index[key]; ok {
		delete(p.byLocal, live.LocalID())
		if self := live.SelfURL(); self != "" {
			delete(p.urls, self)
		}
	}
	delete(p.index, key)
	if self := r.SelfURL(); self != "" {
		delete(p.urls, self)
	}
}

// Reset drops the index and every staged or committed mutation.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = make(map[string]*jsonapi.Resource)
	p.urls = make(map[string]string)
	p.selfs = make(map[string]string)
	p.foreign = make(map[string]*jsonapi.Resource)
	p.foreignIDs = make(map[uuid.UUID]string)
	p.byLocal = make(map[uuid.UUID]*jsonapi.Resource)
	p.staged = make(map[string]Staged)
	p.commits = nil
}

// itemURL is the self URL of r, or the registry item URL when r has none.
func (p *Pool) itemURL(r *jsonapi.Resource) (string, error) {
	if self := r.SelfURL(); self != "" {
		return self, nil
	}
	if !r.IsPersisted() {
		return "", fmt.Errorf("%w: %s resource is not persisted", jsonapi.ErrValidation, r.Type())
	}
	return p.remotes.URL(r.Type(), r.ID())
}
