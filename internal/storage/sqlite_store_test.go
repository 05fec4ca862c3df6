package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func attrs(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode attributes: %v", err)
	}
	return out
}

func TestCreateAndGetResource(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	created, err := store.CreateResource(ctx, "owner-1", "foo", json.RawMessage(`{"content":"bar"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 {
		t.Fatalf("id should be assigned")
	}
	got, err := store.GetResource(ctx, "owner-1", "foo", created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"content": "bar"}, attrs(t, got.Attributes)); diff != "" {
		t.Fatalf("attributes (-want +got):\n%s", diff)
	}
	if _, err := store.GetResource(ctx, "owner-2", "foo", created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other owner should not see the resource, got %v", err)
	}
	if _, err := store.GetResource(ctx, "owner-1", "bar", created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("type must match, got %v", err)
	}
}

func TestCreateRejectsNonObject(t *testing.T) {
	store := newSQLiteStore(t)
	if _, err := store.CreateResource(context.Background(), "owner-1", "foo", json.RawMessage(`[1,2]`)); err == nil {
		t.Fatalf("array attributes should be rejected")
	}
}

func TestListResourcesWithFilter(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	for _, body := range []string{`{"color":"red","size":1}`, `{"color":"blue","size":2}`, `{"color":"red","size":3}`} {
		if _, err := store.CreateResource(ctx, "owner-1", "foo", json.RawMessage(body)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	all, err := store.ListResources(ctx, "owner-1", "foo", nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("list: %d %v", len(all), err)
	}
	red, err := store.ListResources(ctx, "owner-1", "foo", map[string]string{"color": "red"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(red) != 2 || red[0].ID > red[1].ID {
		t.Fatalf("filtered resources: %+v", red)
	}
	sized, err := store.ListResources(ctx, "owner-1", "foo", map[string]string{"color": "red", "size": "3"})
	if err != nil || len(sized) != 1 {
		t.Fatalf("numeric filter: %d %v", len(sized), err)
	}
	if _, err := store.ListResources(ctx, "owner-1", "foo", map[string]string{"a') OR 1=1 --": "x"}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected invalid filter, got %v", err)
	}
}

func TestUpdateAndDeleteResource(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	created, _ := store.CreateResource(ctx, "owner-1", "foo", json.RawMessage(`{"content":"a"}`))
	updated, err := store.UpdateResource(ctx, "owner-1", "foo", created.ID, json.RawMessage(`{"content":"b"}`))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if attrs(t, updated.Attributes)["content"] != "b" {
		t.Fatalf("update not applied: %s", updated.Attributes)
	}
	if _, err := store.UpdateResource(ctx, "owner-1", "foo", 999, json.RawMessage(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteResource(ctx, "owner-1", "foo", created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteResource(ctx, "owner-1", "foo", created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should fail, got %v", err)
	}
}

func TestLinkages(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	foo, _ := store.CreateResource(ctx, "owner-1", "foo", nil)
	bar, _ := store.CreateResource(ctx, "owner-1", "bar", nil)
	other, _ := store.CreateResource(ctx, "owner-1", "bar", nil)

	if err := store.AddLinkages(ctx, "owner-1", "foo", foo.ID, "bar", []Linkage{{Type: "bar", ID: bar.ID}}, false); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := store.AddLinkages(ctx, "owner-1", "foo", foo.ID, "bar", []Linkage{{Type: "bar", ID: other.ID}}, false); err != nil {
		t.Fatalf("relink: %v", err)
	}
	if err := store.AddLinkages(ctx, "owner-1", "foo", foo.ID, "bars", []Linkage{{Type: "bar", ID: bar.ID}, {Type: "bar", ID: other.ID}}, true); err != nil {
		t.Fatalf("link many: %v", err)
	}
	rels, err := store.Relations(ctx, "owner-1", "foo", foo.ID)
	if err != nil {
		t.Fatalf("relations: %v", err)
	}
	want := map[string]Relation{
		"bar":  {Targets: []Linkage{{Type: "bar", ID: other.ID}}},
		"bars": {Many: true, Targets: []Linkage{{Type: "bar", ID: bar.ID}, {Type: "bar", ID: other.ID}}},
	}
	if diff := cmp.Diff(want, rels); diff != "" {
		t.Fatalf("relations (-want +got):\n%s", diff)
	}

	if err := store.RemoveLinkages(ctx, "owner-1", "foo", foo.ID, "bars", []Linkage{{Type: "bar", ID: bar.ID}}); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	rels, _ = store.Relations(ctx, "owner-1", "foo", foo.ID)
	if len(rels["bars"].Targets) != 1 {
		t.Fatalf("unlink not applied: %+v", rels["bars"])
	}

	if err := store.DeleteResource(ctx, "owner-1", "foo", foo.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.AddLinkages(ctx, "owner-1", "foo", foo.ID, "bar", []Linkage{{Type: "bar", ID: bar.ID}}, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("linking a deleted resource should fail, got %v", err)
	}
}

func TestChangesSince(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	created, _ := store.CreateResource(ctx, "owner-1", "foo", json.RawMessage(`{"content":"a"}`))
	_, _ = store.UpdateResource(ctx, "owner-1", "foo", created.ID, json.RawMessage(`{"content":"b"}`))
	_ = store.DeleteResource(ctx, "owner-1", "foo", created.ID)
	_, _ = store.CreateResource(ctx, "owner-2", "foo", nil)

	changes, seq, err := store.ChangesSince(ctx, "owner-1", 0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	var ops []string
	for _, c := range changes {
		ops = append(ops, c.Op)
	}
	if diff := cmp.Diff([]string{ChangeAdd, ChangeReplace, ChangeRemove}, ops); diff != "" {
		t.Fatalf("ops (-want +got):\n%s", diff)
	}
	if seq != changes[2].Seq {
		t.Fatalf("seq mismatch: %d vs %d", seq, changes[2].Seq)
	}

	later, seq2, err := store.ChangesSince(ctx, "owner-1", seq)
	if err != nil {
		t.Fatalf("changes since: %v", err)
	}
	if len(later) != 0 || seq2 != seq {
		t.Fatalf("expected no new changes, got %d at %d", len(later), seq2)
	}
}
