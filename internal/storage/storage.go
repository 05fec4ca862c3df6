package storage

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidFilter = errors.New("invalid filter")
)

// Store persists owner-scoped resources, their linkages and the log of
// confirmed changes.
type Store interface {
	// Init prepares schema/connection state needed before serving requests.
	Init(ctx context.Context) error

	// Close releases resources held by the storage backend.
	Close() error

	// CreateResource stores a new resource and returns it with its assigned id.
	// attributes must be a JSON object.
	CreateResource(ctx context.Context, owner, typ string, attributes json.RawMessage) (Resource, error)

	// GetResource returns ErrNotFound when the resource does not exist for owner.
	GetResource(ctx context.Context, owner, typ string, id int64) (Resource, error)

	// ListResources returns the resources of typ in id order. Every filter entry
	// must match the string form of the attribute with that name.
	ListResources(ctx context.Context, owner, typ string, filter map[string]string) ([]Resource, error)

	// UpdateResource replaces the attributes document of a resource.
	UpdateResource(ctx context.Context, owner, typ string, id int64, attributes json.RawMessage) (Resource, error)

	// DeleteResource removes a resource together with its outgoing linkages.
	DeleteResource(ctx context.Context, owner, typ string, id int64) error

	// AddLinkages links targets under relation. A to-one relation (many false)
	// is replaced, a to-many relation is extended.
	AddLinkages(ctx context.Context, owner, typ string, id int64, relation string, targets []Linkage, many bool) error

	// RemoveLinkages unlinks targets from relation.
	RemoveLinkages(ctx context.Context, owner, typ string, id int64, relation string, targets []Linkage) error

	// Relations returns every relation of a resource keyed by name.
	Relations(ctx context.Context, owner, typ string, id int64) (map[string]Relation, error)

	// ChangesSince returns changes with seq > since, along with the latest seq.
	ChangesSince(ctx context.Context, owner string, since int64) ([]Change, int64, error)
}
