package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ironhee/jsonapi/internal/jsonapi"
)

type Op string

const (
	OpAdd     Op = "add"
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// Staged is one recorded intent together with the resource as it looked when
// the intent was staged.
type Staged struct {
	Op       Op
	Snapshot *jsonapi.Resource
}

// Commit maps resource identities to their staged intent. Commits are never
// modified once appended.
type Commit map[string]Staged

func identity(r *jsonapi.Resource) string {
	if r.IsPersisted() {
		return r.Identifier().Key()
	}
	return "local:" + r.LocalID().String()
}

// Add stages an add for a pending resource, or a replace for a persisted one,
// replacing whatever was staged for it before.
func (p *Pool) Add(r *jsonapi.Resource) error {
	if r == nil {
		return fmt.Errorf("%w: nil resource", jsonapi.ErrValidation)
	}
	if _, err := p.remotes.Base(r.Type()); err != nil {
		return err
	}
	op := OpReplace
	if !r.IsPersisted() {
		op = OpAdd
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	canonical, _, err := p.admitLocked(r)
	if err != nil {
		return err
	}
	p.staged[identity(canonical)] = Staged{Op: op, Snapshot: canonical.Snapshot()}
	return nil
}

// Remove stages a remove. Collapsing against earlier intents happens in Push.
func (p *Pool) Remove(r *jsonapi.Resource) error {
	if r == nil {
		return fmt.Errorf("%w: nil resource", jsonapi.ErrValidation)
	}
	if _, err := p.remotes.Base(r.Type()); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staged[identity(r)] = Staged{Op: OpRemove, Snapshot: r.Snapshot()}
	return nil
}

// Commit moves the staged intents into a new commit. Nothing is appended
// when nothing is staged.
func (p *Pool) Commit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.staged) == 0 {
		return
	}
	p.commits = append(p.commits, Commit(p.staged))
	p.staged = make(map[string]Staged)
}

// Pending reports the number of commits waiting for Push.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.commits)
}

type action int

const (
	actNone action = iota
	actCreate
	actPatch
	actDelete
	actDiscard
)

func (a action) String() string {
	switch a {
	case actCreate:
		return "create"
	case actPatch:
		return "patch"
	case actDelete:
		return "delete"
	case actDiscard:
		return "discard"
	}
	return "none"
}

type step struct {
	key      string
	action   action
	snapshot *jsonapi.Resource
	url      string
}

// next folds one staged intent into the collapsed action for an identity.
func next(cur action, s Staged) action {
	switch cur {
	case actNone, actDiscard:
		switch s.Op {
		case OpAdd:
			if s.Snapshot.IsPersisted() {
				return actPatch
			}
			return actCreate
		case OpReplace:
			if s.Snapshot.IsPersisted() {
				return actPatch
			}
			return actCreate
		case OpRemove:
			if s.Snapshot.IsPersisted() {
				return actDelete
			}
			return actDiscard
		}
	case actCreate:
		if s.Op == OpRemove {
			return actDiscard
		}
		return actCreate
	case actPatch:
		if s.Op == OpRemove {
			return actDelete
		}
		return actPatch
	case actDelete:
		return actDelete
	}
	return cur
}

// collapse reduces every identity's intents, oldest first, to one step.
// Steps are ordered by first appearance.
func collapse(commits []Commit) []step {
	var order []string
	steps := make(map[string]*step)
	for _, c := range commits {
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := c[k]
			st, ok := steps[k]
			if !ok {
				st = &step{key: k}
				steps[k] = st
				order = append(order, k)
			}
			st.action = next(st.action, s)
			if st.action != actDelete || st.snapshot == nil || s.Op == OpRemove {
				st.snapshot = s.Snapshot
			}
		}
	}
	out := make([]step, 0, len(order))
	for _, k := range order {
		out = append(out, *steps[k])
	}
	return out
}

// Push collapses every committed intent to at most one network operation per
// resource and issues them. Failed operations are kept for the next Push;
// updates already applied for other resources stay in place.
func (p *Pool) Push(ctx context.Context) error {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	p.mu.Lock()
	commits := p.commits
	p.commits = nil
	steps := collapse(commits)
	for i := range steps {
		p.reconcileLocked(&steps[i])
	}
	p.mu.Unlock()

	if len(steps) == 0 {
		return nil
	}
	for i := range steps {
		if err := p.resolveURL(&steps[i]); err != nil {
			p.requeue(commits)
			return err
		}
	}

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	errs := make([]error, len(steps))
	for i := range steps {
		st := steps[i]
		p.log.Debug("push", "resource", st.key, "action", st.action.String(), "url", st.url)
		if st.action == actDiscard || st.action == actNone {
			p.discard(st)
			continue
		}
		g.Go(func() error {
			errs[i] = p.apply(ctx, st)
			return errs[i]
		})
	}
	_ = g.Wait()

	failed := make(Commit)
	var failures []error
	for i, err := range errs {
		if err == nil {
			continue
		}
		st := steps[i]
		failed[st.key] = Staged{Op: st.action.op(), Snapshot: st.snapshot}
		failures = append(failures, err)
	}
	if len(failures) == 0 {
		return nil
	}
	p.requeue([]Commit{failed})
	p.log.Warn("push incomplete", "failed", len(failures), "operations", len(steps))
	return fmt.Errorf("push: %d of %d operations failed: %w", len(failures), len(steps), errors.Join(failures...))
}

func (a action) op() Op {
	switch a {
	case actCreate:
		return OpAdd
	case actDelete:
		return OpRemove
	}
	return OpReplace
}

// reconcileLocked adjusts a step whose resource was persisted after its
// intents were staged.
func (p *Pool) reconcileLocked(st *step) {
	live, ok := p.byLocal[st.snapshot.LocalID()]
	if !ok || !live.IsPersisted() || st.snapshot.IsPersisted() {
		return
	}
	snap := st.snapshot.Snapshot()
	if err := snap.Deserialize(jsonapi.Representation{ID: live.ID(), Links: live.Links()}); err != nil {
		return
	}
	st.snapshot = snap
	switch st.action {
	case actCreate:
		st.action = actPatch
	case actDiscard:
		st.action = actDelete
	}
}

func (p *Pool) resolveURL(st *step) error {
	var err error
	switch st.action {
	case actCreate:
		st.url, err = p.remotes.URL(st.snapshot.Type(), jsonapi.ID{})
	case actPatch, actDelete:
		if _, err = p.remotes.Base(st.snapshot.Type()); err == nil {
			st.url, err = p.itemURL(st.snapshot)
		}
	}
	return err
}

func (p *Pool) requeue(commits []Commit) {
	if len(commits) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commits = append(append([]Commit(nil), commits...), p.commits...)
}

func (p *Pool) discard(st step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if live, ok := p.byLocal[st.snapshot.LocalID()]; ok && !live.IsPersisted() {
		delete(p.byLocal, live.LocalID())
	}
}

func (p *Pool) apply(ctx context.Context, st step) error {
	switch st.action {
	case actCreate:
		return p.pushCreate(ctx, st)
	case actPatch:
		return p.pushPatch(ctx, st)
	case actDelete:
		return p.pushDelete(ctx, st)
	}
	return nil
}

func (p *Pool) pushCreate(ctx context.Context, st step) error {
	rep := st.snapshot.Serialize()
	rep.ID = jsonapi.ID{}
	rep.Links = jsonapi.Links{}
	body, err := jsonapi.NewDocument(rep)
	if err != nil {
		return err
	}
	resp, err := p.sync.Post(ctx, st.url, body)
	if err != nil {
		return err
	}
	created, err := resp.Resource()
	if err != nil {
		return err
	}

	p.mu.Lock()
	live, ok := p.byLocal[st.snapshot.LocalID()]
	if !ok {
		live = st.snapshot
	}
	if err := live.Deserialize(created); err != nil {
		p.mu.Unlock()
		return err
	}
	live, _, err = p.admitLocked(live)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.emit(Event{Kind: EventTransform, Resource: live, Operation: Operation{
		Op: OpAdd, Path: live.SelfURL(), Value: live.Serialize(),
	}})
	return nil
}

func (p *Pool) pushPatch(ctx context.Context, st step) error {
	body, err := jsonapi.NewDocument(st.snapshot.Serialize())
	if err != nil {
		return err
	}
	resp, err := p.sync.Patch(ctx, st.url, body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	live, ok := p.index[st.snapshot.Identifier().Key()]
	if !ok {
		live = st.snapshot
	}
	if resp.HasData() {
		rep, err := resp.Resource()
		if err == nil {
			err = live.Deserialize(rep)
		}
		if err != nil {
			p.mu.Unlock()
			return err
		}
	}
	live, _, err = p.admitLocked(live)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	path := live.SelfURL()
	if path == "" {
		path = st.url
	}
	p.emit(Event{Kind: EventTransform, Resource: live, Operation: Operation{
		Op: OpReplace, Path: path, Value: live.Serialize(),
	}})
	return nil
}

func (p *Pool) pushDelete(ctx context.Context, st step) error {
	if _, err := p.sync.Delete(ctx, st.url, nil); err != nil {
		return err
	}
	p.mu.Lock()
	live, ok := p.index[st.snapshot.Identifier().Key()]
	if !ok {
		live = st.snapshot
	}
	p.forgetLocked(st.snapshot)
	p.mu.Unlock()
	p.emit(Event{Kind: EventTransform, Resource: live, Operation: Operation{
		Op: OpRemove, Path: st.url, Value: st.snapshot.Serialize(),
	}})
	return nil
}
