// Package replication mirrors the confirmed mutations of one pool onto another.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/ironhee/jsonapi/internal/jsonapi"
	"github.com/ironhee/jsonapi/internal/pool"
)

var ErrNoReplica = errors.New("no replica for source resource")

// Source is the pool being mirrored.
type Source interface {
	Subscribe(fn func(pool.Event)) *pool.Subscription
}

// Target is the pool receiving replayed operations. *pool.Pool satisfies it.
type Target interface {
	Admit(r *jsonapi.Resource, opts ...pool.Option) error
	Create(ctx context.Context, rep jsonapi.Representation, opts ...pool.Option) (*jsonapi.Resource, error)
	Patch(ctx context.Context, r *jsonapi.Resource, attrs map[string]any, opts ...pool.Option) error
	Delete(ctx context.Context, r *jsonapi.Resource, opts ...pool.Option) error
	Lookup(selfURL string) (*jsonapi.Resource, bool)
	FetchURL(ctx context.Context, target string, params url.Values) ([]*jsonapi.Resource, error)
}

type Config struct {
	Source Source
	Target Target
	Log    *slog.Logger
}

// Entry is one queued operation. ID orders entries and names them in logs
// and in FlushError.
type Entry struct {
	ID ulid.ULID
	Op pool.Operation
}

// FlushError reports the entry that halted a Flush. It stays at the head of
// the queue.
type FlushError struct {
	Entry Entry
	Err   error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("replicate %s %s (entry %s): %v", e.Entry.Op.Op, e.Entry.Op.Path, e.Entry.ID, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Connector queues transform events from its source and replays them on its
// target, one at a time and in arrival order, when Flush is called.
type Connector struct {
	target Target
	log    *slog.Logger
	sub    *pool.Subscription

	flushMu sync.Mutex

	mu      sync.Mutex
	queue   []Entry
	mapping map[string]string // source self URL -> target self URL
}

func New(cfg Config) (*Connector, error) {
	if cfg.Source == nil || cfg.Target == nil {
		return nil, fmt.Errorf("%w: connector requires a source and a target", jsonapi.ErrConfiguration)
	}
	c := &Connector{
		target:  cfg.Target,
		log:     cfg.Log,
		mapping: make(map[string]string),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "replication")
	c.sub = cfg.Source.Subscribe(c.onEvent)
	return c, nil
}

// Close stops listening to the source. Queued operations are kept.
func (c *Connector) Close() {
	c.sub.Cancel()
}

func (c *Connector) onEvent(ev pool.Event) {
	switch ev.Kind {
	case pool.EventAdd:
		c.onAdd(ev.Resource)
	case pool.EventTransform:
		c.mu.Lock()
		c.queue = append(c.queue, Entry{ID: ulid.Make(), Op: ev.Operation})
		c.mu.Unlock()
	}
}

// onAdd registers a copy of a newly admitted source resource on the target.
func (c *Connector) onAdd(r *jsonapi.Resource) {
	src := r.SelfURL()
	if src == "" {
		c.log.Debug("skip add without self url", "resource", r.Identifier().Key())
		return
	}
	c.mu.Lock()
	_, known := c.mapping[src]
	c.mu.Unlock()
	if known {
		return
	}
	clone := r.Clone()
	if err := c.target.Admit(clone, pool.FromReplication(), pool.Foreign()); err != nil {
		c.log.Warn("admit replica failed", "source", src, "error", err)
		return
	}
	c.mu.Lock()
	c.mapping[src] = clone.SelfURL()
	c.mu.Unlock()
}

// Pending reports the number of queued operations.
func (c *Connector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Queued returns a copy of the queue in replay order.
func (c *Connector) Queued() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.queue...)
}

// ReplicatedURL returns the target URL mapped to a source self URL.
func (c *Connector) ReplicatedURL(sourceURL string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.mapping[sourceURL]
	return u, ok
}

// Replica returns the target resource mirroring sourceURL when the target
// already holds it.
func (c *Connector) Replica(sourceURL string) (*jsonapi.Resource, bool) {
	u, ok := c.ReplicatedURL(sourceURL)
	if !ok {
		return nil, false
	}
	return c.target.Lookup(u)
}

// Flush replays the operations queued when it was called. It stops at the
// first failure, leaving the failed operation at the head of the queue.
func (c *Connector) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	n := len(c.queue)
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		c.mu.Lock()
		e := c.queue[0]
		c.mu.Unlock()

		c.log.Debug("replay", "entry", e.ID.String(), "op", string(e.Op.Op), "path", e.Op.Path)
		if err := c.apply(ctx, e.Op); err != nil {
			c.log.Warn("flush halted", "entry", e.ID.String(), "op", string(e.Op.Op), "path", e.Op.Path,
				"remaining", n-i, "error", err)
			return &FlushError{Entry: e, Err: err}
		}

		c.mu.Lock()
		c.queue = c.queue[1:]
		c.mu.Unlock()
	}
	return nil
}

func (c *Connector) apply(ctx context.Context, op pool.Operation) error {
	switch op.Op {
	case pool.OpAdd:
		created, err := c.target.Create(ctx, op.Value, pool.FromReplication())
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.mapping[op.Path] = created.SelfURL()
		c.mu.Unlock()
		return nil
	case pool.OpReplace:
		replica, err := c.resolve(ctx, op.Path)
		if err != nil {
			return err
		}
		return c.target.Patch(ctx, replica, op.Value.Attributes, pool.FromReplication())
	case pool.OpRemove:
		replica, err := c.resolve(ctx, op.Path)
		if err != nil {
			return err
		}
		if err := c.target.Delete(ctx, replica, pool.FromReplication()); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.mapping, op.Path)
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("%w: unknown operation %q", jsonapi.ErrValidation, op.Op)
}

// resolve finds the target replica of a source URL, fetching it from the
// target when the target pool does not hold it.
func (c *Connector) resolve(ctx context.Context, sourceURL string) (*jsonapi.Resource, error) {
	u, ok := c.ReplicatedURL(sourceURL)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoReplica, sourceURL)
	}
	if r, ok := c.target.Lookup(u); ok {
		return r, nil
	}
	fetched, err := c.target.FetchURL(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	if len(fetched) == 0 {
		return nil, fmt.Errorf("%w: %s returned no resource", ErrNoReplica, u)
	}
	return fetched[0], nil
}
