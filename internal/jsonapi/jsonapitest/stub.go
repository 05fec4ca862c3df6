// Package jsonapitest provides a recording Synchronizer for tests.
package jsonapitest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"

	"github.com/ironhee/jsonapi/internal/jsonapi"
)

// Call records one request made through a Stub.
type Call struct {
	Method string
	URL    string
	Params url.Values
	Body   *jsonapi.Document
}

// Responder produces the response for a call.
type Responder func(call Call) (jsonapi.Document, error)

// Stub is a Synchronizer answering from responses registered per method and
// URL. Unregistered GET, POST and PATCH calls fail with a 404 TransportError;
// unregistered DELETE calls succeed with an empty document.
type Stub struct {
	mu     sync.Mutex
	routes map[string]Responder
	calls  []Call
}

func NewStub() *Stub {
	return &Stub{routes: make(map[string]Responder)}
}

// On registers fn for method and url, replacing any earlier registration.
func (s *Stub) On(method, url string, fn Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[method+" "+url] = fn
}

// Respond registers a fixed JSON document as the response.
func (s *Stub) Respond(method, url, body string) {
	doc := Doc(body)
	s.On(method, url, func(Call) (jsonapi.Document, error) {
		return doc, nil
	})
}

// Fail registers a transport failure with the given HTTP status.
func (s *Stub) Fail(method, url string, status int) {
	s.On(method, url, func(c Call) (jsonapi.Document, error) {
		return jsonapi.Document{}, &jsonapi.TransportError{Method: c.Method, URL: c.URL, Status: status}
	})
}

// Calls returns the recorded calls, filtered by method unless it is empty.
func (s *Stub) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets calls and registered responses.
func (s *Stub) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.routes = make(map[string]Responder)
}

func (s *Stub) Get(ctx context.Context, url string, params url.Values) (jsonapi.Document, error) {
	return s.do(ctx, Call{Method: http.MethodGet, URL: url, Params: params})
}

func (s *Stub) Post(ctx context.Context, url string, body jsonapi.Document) (jsonapi.Document, error) {
	return s.do(ctx, Call{Method: http.MethodPost, URL: url, Body: &body})
}

func (s *Stub) Patch(ctx context.Context, url string, body jsonapi.Document) (jsonapi.Document, error) {
	return s.do(ctx, Call{Method: http.MethodPatch, URL: url, Body: &body})
}

func (s *Stub) Delete(ctx context.Context, url string, body *jsonapi.Document) (jsonapi.Document, error) {
	return s.do(ctx, Call{Method: http.MethodDelete, URL: url, Body: body})
}

func (s *Stub) do(ctx context.Context, call Call) (jsonapi.Document, error) {
	if err := ctx.Err(); err != nil {
		return jsonapi.Document{}, &jsonapi.TransportError{Method: call.Method, URL: call.URL, Err: err}
	}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	fn := s.routes[call.Method+" "+call.URL]
	s.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	if call.Method == http.MethodDelete {
		return jsonapi.Document{}, nil
	}
	return jsonapi.Document{}, &jsonapi.TransportError{Method: call.Method, URL: call.URL, Status: http.StatusNotFound}
}

// Doc parses a JSON document literal and panics when it is malformed.
func Doc(body string) jsonapi.Document {
	var doc jsonapi.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		panic("jsonapitest: bad document: " + err.Error())
	}
	return doc
}

// Data decodes the primary data of a recorded request body into a generic value.
func Data(c Call) any {
	if c.Body == nil || len(c.Body.Data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(c.Body.Data, &v); err != nil {
		panic("jsonapitest: bad body: " + err.Error())
	}
	return v
}
