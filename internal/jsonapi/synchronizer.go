package jsonapi

import (
	"context"
	"net/url"
)

// Synchronizer performs the network calls of the resource protocol. Every
// failure it returns should wrap ErrTransport (see TransportError). Callers
// wanting timeouts impose them through ctx or inside the implementation.
type Synchronizer interface {
	Get(ctx context.Context, url string, params url.Values) (Document, error)
	Post(ctx context.Context, url string, body Document) (Document, error)
	Patch(ctx context.Context, url string, body Document) (Document, error)
	// Delete sends an optional body, used when removing relationship linkage.
	Delete(ctx context.Context, url string, body *Document) (Document, error)
}
