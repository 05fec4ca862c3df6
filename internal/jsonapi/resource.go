package jsonapi

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Resource is a typed, optionally identified record with attributes, links
// and relationships. A Resource without an ID is pending: it exists only
// locally and is tracked by its LocalID until the remote service assigns one.
//
// Resource is not safe for concurrent mutation.
type Resource struct {
	typ           string
	id            ID
	local         uuid.UUID
	attrs         *Attributes
	links         Links
	relationships map[string]Relationship
}

// New creates a pending resource of the given type.
func New(typ string, attrs map[string]any) (*Resource, error) {
	if typ == "" {
		return nil, fmt.Errorf("%w: type is required", ErrValidation)
	}
	return &Resource{
		typ:   typ,
		local: uuid.New(),
		attrs: NewAttributes(attrs),
	}, nil
}

// FromRepresentation builds a resource from its wire form.
func FromRepresentation(rep Representation) (*Resource, error) {
	r, err := New(rep.Type, nil)
	if err != nil {
		return nil, err
	}
	if err := r.Deserialize(rep); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resource) Type() string { return r.typ }

func (r *Resource) ID() ID { return r.id }

// LocalID is assigned at construction and never changes.
func (r *Resource) LocalID() uuid.UUID { return r.local }

// IsPersisted reports whether the remote service has assigned an id.
func (r *Resource) IsPersisted() bool { return !r.id.IsZero() }

func (r *Resource) Attributes() *Attributes { return r.attrs }

// Identifier returns the {type, id} linkage of the resource.
func (r *Resource) Identifier() Linkage {
	return Linkage{Type: r.typ, ID: r.id}
}

// SelfURL is the canonical location of a persisted resource.
func (r *Resource) SelfURL() string { return r.links.Self }

func (r *Resource) Link(name string) (Link, bool) {
	return r.links.Get(name)
}

// Links returns a copy of the links object.
func (r *Resource) Links() Links { return r.links.Clone() }

func (r *Resource) SetLinks(links Links) { r.links = links.Clone() }

func (r *Resource) SetSelfURL(url string) { r.links.Self = url }

func (r *Resource) AddLink(name string, link Link) {
	if r.links.Relations == nil {
		r.links.Relations = make(map[string]Link)
	}
	r.links.Relations[name] = link.clone()
}

func (r *Resource) RemoveLink(name string) {
	delete(r.links.Relations, name)
}

// SetRelationship points the to-one relationship name at other.
func (r *Resource) SetRelationship(name string, other *Resource) {
	r.setRelationship(name, LinkOne(other.Identifier()))
}

// SetRelationshipMany points the to-many relationship name at others.
func (r *Resource) SetRelationshipMany(name string, others ...*Resource) {
	ls := make([]Linkage, len(others))
	for i, o := range others {
		ls[i] = o.Identifier()
	}
	r.setRelationship(name, LinkMany(ls...))
}

func (r *Resource) setRelationship(name string, data *LinkageData) {
	if r.relationships == nil {
		r.relationships = make(map[string]Relationship)
	}
	r.relationships[name] = Relationship{Data: data}
}

func (r *Resource) UnsetRelationship(name string) {
	delete(r.relationships, name)
}

func (r *Resource) Relationship(name string) (Relationship, bool) {
	rel, ok := r.relationships[name]
	if !ok {
		return Relationship{}, false
	}
	return Relationship{Data: rel.Data.Clone()}, true
}

// Serialize returns a deep copy of the resource in wire form.
func (r *Resource) Serialize() Representation {
	return Representation{
		Type:          r.typ,
		ID:            r.id,
		Attributes:    r.attrs.Map(),
		Links:         r.links.Clone(),
		Relationships: copyRelationships(r.relationships),
	}
}

// Deserialize applies a server representation. Attributes, links and
// relationships present in rep replace the local ones.
func (r *Resource) Deserialize(rep Representation) error {
	if rep.Type != "" && rep.Type != r.typ {
		return fmt.Errorf("%w: cannot apply %q representation to %q resource", ErrValidation, rep.Type, r.typ)
	}
	if !rep.ID.IsZero() {
		if r.IsPersisted() && !r.id.Equal(rep.ID) {
			return fmt.Errorf("%w: %s id %s does not match %s", ErrValidation, r.typ, rep.ID, r.id)
		}
		r.id = rep.ID
	}
	if rep.Attributes != nil {
		r.attrs = NewAttributes(rep.Attributes)
	}
	if !rep.Links.IsZero() {
		r.links = rep.Links.Clone()
	}
	if rep.Relationships != nil {
		r.relationships = copyRelationships(rep.Relationships)
	}
	return nil
}

// Flatten renders the resource as one flat object: identifier, attributes and
// relationships side by side, plus links when known.
func (r *Resource) Flatten() map[string]any {
	out := r.attrs.Map()
	if out == nil {
		out = make(map[string]any)
	}
	names := make([]string, 0, len(r.relationships))
	for name := range r.relationships {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out[name] = Relationship{Data: r.relationships[name].Data.Clone()}
	}
	out["type"] = r.typ
	if !r.id.IsZero() {
		out["id"] = r.id
	}
	if !r.links.IsZero() {
		out["links"] = r.links.Clone()
	}
	return out
}

// Clone returns a deep copy with a fresh local identity.
func (r *Resource) Clone() *Resource {
	return &Resource{
		typ:           r.typ,
		id:            r.id,
		local:         uuid.New(),
		attrs:         NewAttributes(r.attrs.Map()),
		links:         r.links.Clone(),
		relationships: copyRelationships(r.relationships),
	}
}

// Snapshot copies the resource keeping its local identity.
func (r *Resource) Snapshot() *Resource {
	c := r.Clone()
	c.local = r.local
	return c
}

// Merge overwrites r with other. Both must describe the same resource.
func (r *Resource) Merge(other *Resource) error {
	if other.typ != r.typ || !other.id.Equal(r.id) {
		return fmt.Errorf("%w: cannot merge %s into %s", ErrValidation, other.Identifier().Key(), r.Identifier().Key())
	}
	r.attrs.Update(other.attrs.Map())
	r.links = other.links.Clone()
	if other.relationships != nil {
		r.relationships = copyRelationships(other.relationships)
	}
	return nil
}

func copyRelationships(in map[string]Relationship) map[string]Relationship {
	if in == nil {
		return nil
	}
	out := make(map[string]Relationship, len(in))
	for k, v := range in {
		out[k] = Relationship{Data: v.Data.Clone()}
	}
	return out
}
