package graph

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ironhee/jsonapi/internal/jsonapi"
	"github.com/ironhee/jsonapi/internal/jsonapi/jsonapitest"
)

const fooOne = `{"data":{"type":"foo","id":1,"attributes":{"content":"foo"},"links":{
	"self":"/foo/1",
	"bar":{"self":"/foo/1/links/bar","related":"/foo/1/bar","linkage":{"type":"bar","id":2}},
	"bazs":{"related":"/foo/1/bazs","linkage":[{"type":"baz","id":3},{"type":"baz","id":4}]}
}}}`

func newTestPool(t *testing.T) (*Pool, *jsonapitest.Stub) {
	t.Helper()
	stub := jsonapitest.NewStub()
	p, err := NewPool(Config{Synchronizer: stub})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p, stub
}

func TestNewPoolRequiresSynchronizer(t *testing.T) {
	if _, err := NewPool(Config{}); !errors.Is(err, jsonapi.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDataFetchesOnce(t *testing.T) {
	p, stub := newTestPool(t)
	stub.Respond(http.MethodGet, "/foo/1", fooOne)
	proxy := p.NewProxy(ProxyOptions{URL: "/foo/1"})
	if proxy.Loaded() {
		t.Fatalf("proxy should start unloaded")
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		data, err := proxy.Data(ctx)
		if err != nil {
			t.Fatalf("data: %v", err)
		}
		if data.Attributes["content"] != "foo" {
			t.Fatalf("attributes: %+v", data.Attributes)
		}
	}
	if n := len(stub.Calls(http.MethodGet)); n != 1 {
		t.Fatalf("expected one GET, got %d", n)
	}
	l, ok := proxy.Linkage()
	if !ok || l.Key() != "foo:1" {
		t.Fatalf("linkage: %+v", l)
	}
}

func TestKnownDataIsNotFetched(t *testing.T) {
	p, stub := newTestPool(t)
	rep := jsonapi.Representation{Type: "foo", ID: jsonapi.IntID(1), Attributes: map[string]any{"content": "x"}}
	proxy := p.NewProxy(ProxyOptions{URL: "/foo/1", Data: &rep})
	var out struct {
		Content string `json:"content"`
	}
	if err := proxy.Decode(context.Background(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Content != "x" {
		t.Fatalf("decoded: %+v", out)
	}
	if len(stub.Calls("")) != 0 {
		t.Fatalf("known data should not be fetched")
	}
}

func TestInvalidResponses(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no links", `{"data":{"type":"foo","id":1}}`},
		{"no data", `{"links":{"self":"/foo/1"}}`},
		{"collection", `{"data":[{"type":"foo","id":1,"links":{"self":"/foo/1"}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, stub := newTestPool(t)
			stub.Respond(http.MethodGet, "/foo/1", tc.body)
			_, err := p.NewProxy(ProxyOptions{URL: "/foo/1"}).Data(context.Background())
			if !errors.Is(err, jsonapi.ErrProtocol) {
				t.Fatalf("expected protocol error, got %v", err)
			}
		})
	}
}

func TestEnvelopeLinksAccepted(t *testing.T) {
	p, stub := newTestPool(t)
	stub.Respond(http.MethodGet, "/foo/1", `{"data":{"type":"foo","id":1},"links":{"self":"/foo/1","bar":"/foo/1/bar"}}`)
	link, err := p.NewProxy(ProxyOptions{URL: "/foo/1"}).Link(context.Background(), "bar")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if link.Related != "/foo/1/bar" {
		t.Fatalf("related: %q", link.Related)
	}
}

func TestRelatedIsLazy(t *testing.T) {
	p, stub := newTestPool(t)
	stub.Respond(http.MethodGet, "/foo/1", fooOne)
	stub.Respond(http.MethodGet, "/foo/1/bar", `{"data":{"type":"bar","id":2,"attributes":{"content":"bar"},"links":{"self":"/bar/2"}}}`)
	ctx := context.Background()

	related, err := p.NewProxy(ProxyOptions{URL: "/foo/1"}).Related(ctx, "bar")
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(related) != 1 || related[0].Loaded() {
		t.Fatalf("expected one lazy proxy, got %d", len(related))
	}
	if n := len(stub.Calls(http.MethodGet)); n != 1 {
		t.Fatalf("related proxy should not be fetched yet, got %d GETs", n)
	}
	bar := related[0]
	if bar.URL() != "/foo/1/bar" {
		t.Fatalf("lazy proxy url: %q", bar.URL())
	}
	if cached, ok := p.Lookup(Ref{Linkage: jsonapi.Linkage{Type: "bar", ID: jsonapi.IntID(2)}}); !ok || cached != bar {
		t.Fatalf("lazy proxy should be cached by linkage")
	}
	data, err := bar.Data(ctx)
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	if data.Attributes["content"] != "bar" || bar.URL() != "/bar/2" {
		t.Fatalf("loaded bar: %+v at %s", data, bar.URL())
	}
}

func TestRelatedPrefersCached(t *testing.T) {
	p, stub := newTestPool(t)
	stub.Respond(http.MethodGet, "/foo/1", fooOne)
	rep := jsonapi.Representation{Type: "bar", ID: jsonapi.IntID(2), Links: jsonapi.Links{Self: "/bar/2"}}
	cached := p.NewProxy(ProxyOptions{Data: &rep})

	related, err := p.NewProxy(ProxyOptions{URL: "/foo/1"}).Related(context.Background(), "bar")
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(related) != 1 || related[0] != cached {
		t.Fatalf("expected the cached proxy")
	}
}

func TestRelatedToManyIsLazy(t *testing.T) {
	p, stub := newTestPool(t)
	stub.Respond(http.MethodGet, "/foo/1", fooOne)
	stub.Respond(http.MethodGet, "/foo/1/bazs", `{"data":[
		{"type":"baz","id":3,"links":{"self":"/baz/3"}},
		{"type":"baz","id":4,"links":{"self":"/baz/4"}}
	]}`)
	ctx := context.Background()
	foo := p.NewProxy(ProxyOptions{URL: "/foo/1"})

	first, err := foo.Related(ctx, "bazs")
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(first) != 1 || first[0].URL() != "/foo/1/bazs" || first[0].Loaded() {
		t.Fatalf("expected one lazy proxy at the related url, got %d", len(first))
	}
	if diff := cmp.Diff([]string{"/foo/1"}, urls(stub.Calls(http.MethodGet))); diff != "" {
		t.Fatalf("GETs before loading (-want +got):\n%s", diff)
	}
	if _, err := first[0].Data(ctx); !errors.Is(err, jsonapi.ErrProtocol) {
		t.Fatalf("collection data should be a protocol error, got %v", err)
	}

	members, err := first[0].Members(ctx)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	second, err := foo.Related(ctx, "bazs")
	if err != nil {
		t.Fatalf("related again: %v", err)
	}
	if len(members) != 2 || len(second) != 2 || members[0] != second[0] || members[1] != second[1] {
		t.Fatalf("loaded members should be returned from the cache")
	}
	if diff := cmp.Diff([]string{"/foo/1", "/foo/1/bazs"}, urls(stub.Calls(http.MethodGet))); diff != "" {
		t.Fatalf("GETs (-want +got):\n%s", diff)
	}
	self, err := second[0].Members(ctx)
	if err != nil || len(self) != 1 || self[0] != second[0] {
		t.Fatalf("a single resource should be its own member: %v", err)
	}
}

func urls(calls []jsonapitest.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.URL
	}
	return out
}

func TestLinkReloadsForUnknownName(t *testing.T) {
	p, stub := newTestPool(t)
	stub.Respond(http.MethodGet, "/foo/1", fooOne)
	rep := jsonapi.Representation{Type: "foo", ID: jsonapi.IntID(1), Links: jsonapi.Links{Self: "/foo/1"}}
	foo := p.NewProxy(ProxyOptions{Data: &rep})
	ctx := context.Background()

	link, err := foo.Link(ctx, "bar")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if link.Related != "/foo/1/bar" {
		t.Fatalf("related: %q", link.Related)
	}
	if n := len(stub.Calls(http.MethodGet)); n != 1 {
		t.Fatalf("expected one GET, got %d", n)
	}
	if _, err := foo.Link(ctx, "bar"); err != nil {
		t.Fatalf("cached link: %v", err)
	}
	if n := len(stub.Calls(http.MethodGet)); n != 1 {
		t.Fatalf("known link should not refetch, got %d GETs", n)
	}

	if _, err := foo.Link(ctx, "qux"); !errors.Is(err, ErrNoLink) {
		t.Fatalf("expected missing link after reload, got %v", err)
	}
	if n := len(stub.Calls(http.MethodGet)); n != 2 {
		t.Fatalf("unknown link should reload once, got %d GETs", n)
	}

	orphan := jsonapi.Representation{Type: "foo", ID: jsonapi.IntID(9)}
	if _, err := p.NewProxy(ProxyOptions{Data: &orphan}).Link(ctx, "bar"); !errors.Is(err, ErrNoLink) {
		t.Fatalf("proxy without url: %v", err)
	}
}

func TestRelatedIdentityMismatchDropsStaleLinkage(t *testing.T) {
	p, stub := newTestPool(t)
	stub.Respond(http.MethodGet, "/foo/1", fooOne)
	stub.Respond(http.MethodGet, "/foo/1/bar", `{"data":{"type":"bar","id":7,"links":{"self":"/bar/7"}}}`)
	ctx := context.Background()

	related, err := p.NewProxy(ProxyOptions{URL: "/foo/1"}).Related(ctx, "bar")
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	bar := related[0]
	if _, err := bar.Data(ctx); err != nil {
		t.Fatalf("data: %v", err)
	}
	stale := jsonapi.Linkage{Type: "bar", ID: jsonapi.IntID(2)}
	if _, ok := p.Lookup(Ref{Linkage: stale}); ok {
		t.Fatalf("bar:2 should no longer resolve")
	}
	got, ok := p.Lookup(Ref{Linkage: jsonapi.Linkage{Type: "bar", ID: jsonapi.IntID(7)}})
	if !ok || got != bar {
		t.Fatalf("bar:7 should resolve to the loaded proxy")
	}
	if l, _ := bar.Linkage(); l.Key() != "bar:7" {
		t.Fatalf("linkage: %s", l.Key())
	}
}

func TestMissingLink(t *testing.T) {
	p, stub := newTestPool(t)
	stub.Respond(http.MethodGet, "/foo/1", fooOne)
	_, err := p.NewProxy(ProxyOptions{URL: "/foo/1"}).Related(context.Background(), "qux")
	if !errors.Is(err, ErrNoLink) {
		t.Fatalf("expected missing link, got %v", err)
	}
}

func TestIdentityUniqueness(t *testing.T) {
	p, stub := newTestPool(t)
	stub.Respond(http.MethodGet, "/foo/1", fooOne)
	ctx := context.Background()
	linkage := jsonapi.Linkage{Type: "foo", ID: jsonapi.IntID(1)}

	rep := jsonapi.Representation{Type: "foo", ID: jsonapi.StringID("1"), Attributes: map[string]any{"content": "old"}}
	a := p.NewProxy(ProxyOptions{Data: &rep})
	b := p.NewProxy(ProxyOptions{Data: &rep})
	if a != b {
		t.Fatalf("same type and id must yield the same proxy")
	}

	lazy := p.NewProxy(ProxyOptions{URL: "/foo/1"})
	if lazy == a {
		t.Fatalf("a proxy without linkage cannot be matched yet")
	}
	if _, err := lazy.Data(ctx); err != nil {
		t.Fatalf("data: %v", err)
	}

	for _, ref := range []Ref{{Linkage: linkage}, {UUID: a.UUID()}, {UUID: lazy.UUID()}} {
		got, err := p.Get(ctx, ref)
		if err != nil {
			t.Fatalf("get %+v: %v", ref, err)
		}
		if len(got) != 1 || got[0] != a {
			t.Fatalf("get %+v returned a different instance", ref)
		}
	}
	data, _ := a.Data(ctx)
	if data.Attributes["content"] != "foo" {
		t.Fatalf("canonical record should hold the fetched data, got %+v", data.Attributes)
	}
	if p.Len() != 1 {
		t.Fatalf("expected one cached resource, got %d", p.Len())
	}
}

func TestGetByURL(t *testing.T) {
	p, stub := newTestPool(t)
	stub.Respond(http.MethodGet, "/foo/", `{
		"data":[{"type":"foo","id":1,"links":{"self":"/foo/1"}},{"type":"foo","id":2,"links":{"self":"/foo/2"}}],
		"included":[{"type":"bar","id":2,"links":{"self":"/bar/2"}}]
	}`)
	ctx := context.Background()
	got, err := p.Get(ctx, Ref{URL: "/foo/"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var keys []string
	for _, proxy := range got {
		l, _ := proxy.Linkage()
		keys = append(keys, l.Key())
	}
	if diff := cmp.Diff([]string{"foo:1", "foo:2"}, keys); diff != "" {
		t.Fatalf("primary (-want +got):\n%s", diff)
	}
	if _, ok := p.Lookup(Ref{Linkage: jsonapi.Linkage{Type: "bar", ID: jsonapi.IntID(2)}}); !ok {
		t.Fatalf("included resource not cached")
	}
	if _, err := p.Get(ctx, Ref{Linkage: jsonapi.Linkage{Type: "qux", ID: jsonapi.IntID(1)}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not cached, got %v", err)
	}
}
