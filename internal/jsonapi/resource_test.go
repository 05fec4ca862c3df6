package jsonapi

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func decodeRep(t *testing.T, body string) Representation {
	t.Helper()
	var rep Representation
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		t.Fatalf("decode representation: %v", err)
	}
	return rep
}

// asJSON renders v and decodes it back into generic values so that typed
// fields such as ID compare like their wire form.
func asJSON(t *testing.T, v any) any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestNewRequiresType(t *testing.T) {
	_, err := New("", map[string]any{"content": "foo"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = FromRepresentation(decodeRep(t, `{"content":"foo"}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseAttributesAndLinks(t *testing.T) {
	r, err := FromRepresentation(decodeRep(t, `{
		"type": "foo",
		"id": 2,
		"attributes": {"content": "foo"},
		"links": {"self": "/foo/2", "bar": {"related": "/foo/2/bar", "linkage": {"type": "bar", "id": "7"}}}
	}`))
	if err != nil {
		t.Fatalf("from representation: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"content": "foo"}, r.Attributes().Map()); diff != "" {
		t.Fatalf("attributes (-want +got):\n%s", diff)
	}
	if r.SelfURL() != "/foo/2" {
		t.Fatalf("self: got %q", r.SelfURL())
	}
	link, ok := r.Link("bar")
	if !ok || link.Related != "/foo/2/bar" {
		t.Fatalf("bar link: %+v", link)
	}
	linkage, ok := link.Linkage.First()
	if !ok || linkage.Key() != "bar:7" {
		t.Fatalf("linkage: %+v", linkage)
	}
}

func TestSelfLinkHrefForm(t *testing.T) {
	rep := decodeRep(t, `{"type":"foo","links":{"self":{"href":"/foo/1"}}}`)
	if rep.Links.Self != "/foo/1" {
		t.Fatalf("self: got %q", rep.Links.Self)
	}
}

func TestFlatRepresentation(t *testing.T) {
	rep := decodeRep(t, `{"type":"foo","id":1,"content":"test","links":{"self":"/foo/1"}}`)
	if rep.Attributes["content"] != "test" {
		t.Fatalf("flat attribute not decoded: %+v", rep.Attributes)
	}
	if !rep.ID.IsNumeric() || rep.ID.String() != "1" {
		t.Fatalf("id: %+v", rep.ID)
	}
}

func TestIdentifier(t *testing.T) {
	r, _ := FromRepresentation(Representation{Type: "foo", ID: IntID(1)})
	if diff := cmp.Diff(map[string]any{"type": "foo", "id": float64(1)}, asJSON(t, r.Identifier())); diff != "" {
		t.Fatalf("identifier (-want +got):\n%s", diff)
	}
}

func TestRelationships(t *testing.T) {
	foo, _ := FromRepresentation(Representation{Type: "foo", ID: IntID(1)})
	bar, _ := FromRepresentation(Representation{Type: "bar", ID: IntID(1)})
	baz, _ := FromRepresentation(Representation{Type: "baz", ID: StringID("x")})

	foo.SetRelationship("bar", bar)
	rel, ok := foo.Relationship("bar")
	if !ok {
		t.Fatalf("relationship missing")
	}
	want := map[string]any{"data": map[string]any{"type": "bar", "id": float64(1)}}
	if diff := cmp.Diff(want, asJSON(t, rel)); diff != "" {
		t.Fatalf("relationship (-want +got):\n%s", diff)
	}

	foo.SetRelationshipMany("baz", baz)
	rel, _ = foo.Relationship("baz")
	want = map[string]any{"data": []any{map[string]any{"type": "baz", "id": "x"}}}
	if diff := cmp.Diff(want, asJSON(t, rel)); diff != "" {
		t.Fatalf("to-many relationship (-want +got):\n%s", diff)
	}

	foo.UnsetRelationship("bar")
	if _, ok := foo.Relationship("bar"); ok {
		t.Fatalf("relationship should be removed")
	}
}

func TestFlatten(t *testing.T) {
	r, err := FromRepresentation(decodeRep(t, `{
		"type": "bar",
		"id": 1,
		"attributes": {"content": "bar"},
		"relationships": {"foo": {"data": {"type": "foo", "id": 1}}}
	}`))
	if err != nil {
		t.Fatalf("from representation: %v", err)
	}
	want := map[string]any{
		"id":      float64(1),
		"type":    "bar",
		"content": "bar",
		"foo":     map[string]any{"data": map[string]any{"type": "foo", "id": float64(1)}},
	}
	if diff := cmp.Diff(want, asJSON(t, r.Flatten())); diff != "" {
		t.Fatalf("flatten (-want +got):\n%s", diff)
	}
}

func TestSerialize(t *testing.T) {
	pending, _ := New("bar", map[string]any{"content": "bar"})
	saved, _ := FromRepresentation(decodeRep(t, `{"id":1,"type":"foo","attributes":{"content":"foo"},"links":{"self":"/foo/1/"}}`))

	want := map[string]any{"type": "bar", "attributes": map[string]any{"content": "bar"}}
	if diff := cmp.Diff(want, asJSON(t, pending.Serialize())); diff != "" {
		t.Fatalf("pending (-want +got):\n%s", diff)
	}
	want = map[string]any{
		"id":         float64(1),
		"type":       "foo",
		"attributes": map[string]any{"content": "foo"},
		"links":      map[string]any{"self": "/foo/1/"},
	}
	if diff := cmp.Diff(want, asJSON(t, saved.Serialize())); diff != "" {
		t.Fatalf("saved (-want +got):\n%s", diff)
	}
}

func TestDeserialize(t *testing.T) {
	r, _ := New("bar", nil)
	if err := r.Deserialize(decodeRep(t, `{"id":1,"type":"bar","attributes":{"content":"bar"},"links":{"self":"/bar/1/"}}`)); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !r.IsPersisted() || r.SelfURL() != "/bar/1/" || r.Attributes().String("content") != "bar" {
		t.Fatalf("unexpected resource: %+v", r.Serialize())
	}
	if err := r.Deserialize(Representation{Type: "foo"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("type mismatch should fail, got %v", err)
	}
	if err := r.Deserialize(Representation{Type: "bar", ID: IntID(2)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("id mismatch should fail, got %v", err)
	}
}

func TestMerge(t *testing.T) {
	a, _ := FromRepresentation(Representation{Type: "foo", ID: IntID(1), Attributes: map[string]any{"a": "1"}})
	b, _ := FromRepresentation(Representation{Type: "foo", ID: StringID("1"), Attributes: map[string]any{"b": "2"}, Links: Links{Self: "/foo/1"}})
	if err := a.Merge(b); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if a.Attributes().Len() != 2 || a.SelfURL() != "/foo/1" {
		t.Fatalf("unexpected merge result: %+v", a.Serialize())
	}
	c, _ := FromRepresentation(Representation{Type: "foo", ID: IntID(2)})
	if err := a.Merge(c); !errors.Is(err, ErrValidation) {
		t.Fatalf("merge of different resources should fail, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	r, _ := New("foo", map[string]any{"tags": []any{"a"}, "meta": map[string]any{"k": "v"}})
	c := r.Clone()
	if c.LocalID() == r.LocalID() {
		t.Fatalf("clone should get a fresh local id")
	}
	c.Attributes().Set("extra", true)
	if r.Attributes().Has("extra") {
		t.Fatalf("clone shares attributes with original")
	}
	s := r.Snapshot()
	if s.LocalID() != r.LocalID() {
		t.Fatalf("snapshot should keep the local id")
	}
}

func TestAttributesHelpers(t *testing.T) {
	a := NewAttributes(map[string]any{"a": 1, "b": 2, "c": 3})
	if diff := cmp.Diff([]string{"a", "b", "c"}, a.Keys()); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"a": 1}, a.Pick("a", "z")); diff != "" {
		t.Fatalf("pick (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"c": 3}, a.Omit("a", "b")); diff != "" {
		t.Fatalf("omit (-want +got):\n%s", diff)
	}
	a.Delete("a")
	if a.Has("a") || a.Len() != 2 || a.IsEmpty() {
		t.Fatalf("delete failed: %v", a.Map())
	}
	if !NewAttributes(nil).IsEmpty() {
		t.Fatalf("nil attributes should be empty")
	}
}

func TestDocumentShapes(t *testing.T) {
	var doc Document
	if err := json.Unmarshal([]byte(`{"data":[{"type":"foo","id":1}],"included":[{"type":"bar","id":2}]}`), &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if !doc.IsCollection() {
		t.Fatalf("expected collection")
	}
	if _, err := doc.Resource(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("single decode of collection should fail, got %v", err)
	}
	reps, err := doc.Resources()
	if err != nil || len(reps) != 1 || reps[0].Identifier().Key() != "foo:1" {
		t.Fatalf("resources: %+v %v", reps, err)
	}
	if len(doc.Included) != 1 || doc.Included[0].Type != "bar" {
		t.Fatalf("included: %+v", doc.Included)
	}

	linkDoc, err := NewLinkageDocument(LinkMany(Linkage{Type: "bar", ID: IntID(1)}))
	if err != nil {
		t.Fatalf("linkage document: %v", err)
	}
	if string(linkDoc.Data) != `[{"type":"bar","id":1}]` {
		t.Fatalf("linkage data: %s", linkDoc.Data)
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&TransportError{Method: "GET", URL: "/foo/", Err: cause})
	if !errors.Is(err, ErrTransport) || !errors.Is(err, cause) {
		t.Fatalf("unwrap failed: %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.URL != "/foo/" {
		t.Fatalf("as failed: %v", err)
	}
}
