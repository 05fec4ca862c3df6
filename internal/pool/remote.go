package pool

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ironhee/jsonapi/internal/jsonapi"
)

// Fetch loads the item (or the collection when id is zero) of typ and admits
// every primary and included resource.
func (p *Pool) Fetch(ctx context.Context, typ string, id jsonapi.ID, params url.Values) ([]*jsonapi.Resource, error) {
	target, err := p.remotes.URL(typ, id)
	if err != nil {
		return nil, err
	}
	return p.FetchURL(ctx, target, params)
}

// FetchURL is Fetch for an explicit URL.
func (p *Pool) FetchURL(ctx context.Context, target string, params url.Values) ([]*jsonapi.Resource, error) {
	doc, err := p.sync.Get(ctx, target, params)
	if err != nil {
		return nil, err
	}
	primary, err := doc.Resources()
	if err != nil {
		return nil, err
	}

	var (
		out   []*jsonapi.Resource
		added []*jsonapi.Resource
	)
	p.mu.Lock()
	for i, rep := range append(primary, doc.Included...) {
		r, isNew, err := p.admitRepresentationLocked(rep)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if isNew {
			added = append(added, r)
		}
		if i < len(primary) {
			out = append(out, r)
		}
	}
	p.mu.Unlock()

	for _, r := range added {
		p.emit(Event{Kind: EventAdd, Resource: r})
	}
	return out, nil
}

// Create posts rep to the collection of its type and admits the result.
func (p *Pool) Create(ctx context.Context, rep jsonapi.Representation, opts ...Option) (*jsonapi.Resource, error) {
	if rep.Type == "" {
		return nil, fmt.Errorf("%w: type is required", jsonapi.ErrValidation)
	}
	o := collectOptions(opts)
	target, err := p.remotes.URL(rep.Type, jsonapi.ID{})
	if err != nil {
		return nil, err
	}
	rep.ID = jsonapi.ID{}
	rep.Links = jsonapi.Links{}
	body, err := jsonapi.NewDocument(rep)
	if err != nil {
		return nil, err
	}
	resp, err := p.sync.Post(ctx, target, body)
	if err != nil {
		return nil, err
	}
	created, err := resp.Resource()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	r, _, err := p.admitRepresentationLocked(created)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !o.fromReplication {
		p.emit(Event{Kind: EventTransform, Resource: r, Operation: Operation{
			Op: OpAdd, Path: r.SelfURL(), Value: r.Serialize(),
		}})
	}
	return r, nil
}

// Patch applies attrs to r and sends its full representation to the remote.
func (p *Pool) Patch(ctx context.Context, r *jsonapi.Resource, attrs map[string]any, opts ...Option) error {
	if r == nil {
		return fmt.Errorf("%w: nil resource", jsonapi.ErrValidation)
	}
	o := collectOptions(opts)
	target, err := p.itemURL(r)
	if err != nil {
		return err
	}
	r.Attributes().Update(attrs)
	body, err := jsonapi.NewDocument(r.Serialize())
	if err != nil {
		return err
	}
	resp, err := p.sync.Patch(ctx, target, body)
	if err != nil {
		return err
	}
	if resp.HasData() {
		rep, err := resp.Resource()
		if err != nil {
			return err
		}
		if err := r.Deserialize(rep); err != nil {
			return err
		}
	}

	p.mu.Lock()
	r, _, err = p.admitLocked(r)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if !o.fromReplication {
		p.emit(Event{Kind: EventTransform, Resource: r, Operation: Operation{
			Op: OpReplace, Path: target, Value: r.Serialize(),
		}})
	}
	return nil
}

// Delete removes r from the remote and from the index.
func (p *Pool) Delete(ctx context.Context, r *jsonapi.Resource, opts ...Option) error {
	if r == nil {
		return fmt.Errorf("%w: nil resource", jsonapi.ErrValidation)
	}
	o := collectOptions(opts)
	target, err := p.itemURL(r)
	if err != nil {
		return err
	}
	if _, err := p.sync.Delete(ctx, target, nil); err != nil {
		return err
	}
	p.mu.Lock()
	p.forgetLocked(r)
	p.mu.Unlock()
	if !o.fromReplication {
		p.emit(Event{Kind: EventTransform, Resource: r, Operation: Operation{
			Op: OpRemove, Path: target, Value: r.Serialize(),
		}})
	}
	return nil
}

// CreateLinkage adds linkage to the relation of the typ/id resource.
func (p *Pool) CreateLinkage(ctx context.Context, typ string, id jsonapi.ID, relation string, linkage jsonapi.Linkage, hasMany bool) error {
	return p.linkage(ctx, true, typ, id, relation, linkage, hasMany)
}

// RemoveLinkage removes linkage from the relation of the typ/id resource.
func (p *Pool) RemoveLinkage(ctx context.Context, typ string, id jsonapi.ID, relation string, linkage jsonapi.Linkage, hasMany bool) error {
	return p.linkage(ctx, false, typ, id, relation, linkage, hasMany)
}

func (p *Pool) linkage(ctx context.Context, create bool, typ string, id jsonapi.ID, relation string, linkage jsonapi.Linkage, hasMany bool) error {
	target, err := p.remotes.LinksURL(typ, id, relation)
	if err != nil {
		return err
	}
	data := jsonapi.LinkOne(linkage)
	if hasMany {
		data = jsonapi.LinkMany(linkage)
	}
	body, err := jsonapi.NewLinkageDocument(data)
	if err != nil {
		return err
	}
	if create {
		_, err = p.sync.Post(ctx, target, body)
	} else {
		_, err = p.sync.Delete(ctx, target, &body)
	}
	return err
}
