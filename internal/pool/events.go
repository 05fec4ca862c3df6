package pool

import (
	"slices"

	"github.com/ironhee/jsonapi/internal/jsonapi"
)

type EventKind int

const (
	// EventAdd fires when a persisted resource is first admitted through a
	// read path (Fetch, Insert, Admit).
	EventAdd EventKind = iota + 1
	// EventTransform fires after the remote service confirms an add, replace
	// or remove.
	EventTransform
)

func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "add"
	case EventTransform:
		return "transform"
	}
	return "unknown"
}

// Operation describes a confirmed mutation. Path is the self URL of the
// resource in the emitting pool.
type Operation struct {
	Op    Op
	Path  string
	Value jsonapi.Representation
}

type Event struct {
	Kind      EventKind
	Resource  *jsonapi.Resource
	Operation Operation // set for EventTransform
}

// Subscription is a cancellable handle returned by Subscribe.
type Subscription struct {
	p  *Pool
	id uint64
}

// Cancel stops delivery. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.p == nil {
		return
	}
	s.p.subMu.Lock()
	delete(s.p.subs, s.id)
	s.p.subMu.Unlock()
}

// Subscribe registers fn for every event the pool emits. Events are delivered
// synchronously on the goroutine that caused them, outside the pool lock.
func (p *Pool) Subscribe(fn func(Event)) *Subscription {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.nextSub++
	p.subs[p.nextSub] = fn
	return &Subscription{p: p, id: p.nextSub}
}

func (p *Pool) emit(ev Event) {
	p.subMu.Lock()
	ids := make([]uint64, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, p.subs[id])
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type options struct {
	fromReplication bool
	foreign         bool
}

// Option adjusts a single pool operation.
type Option func(*options)

// FromReplication marks an operation as replayed from another pool so that it
// does not emit events.
func FromReplication() Option {
	return func(o *options) { o.fromReplication = true }
}

// Foreign makes Admit register the resource under its self URL only. Its
// type:id stays free for resources the pool's own remotes return.
func Foreign() Option {
	return func(o *options) { o.foreign = true }
}

func collectOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
