// Package cid carries a per-request correlation id through contexts, HTTP
// headers, and trace spans.
package cid

import "context"

type contextKey struct{}

// HeaderName is the HTTP header used to propagate the correlation id.
// Incoming requests that already carry it keep their id; the server only
// generates a fresh KSUID when the header is absent.
const HeaderName = "X-VL-CID"

// AttributeName is the span attribute key used to attach the id to spans.
const AttributeName = "vl.cid"

// WithCID returns a new context containing the provided correlation id.
func WithCID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, contextKey{}, cid)
}

// FromContext extracts the correlation id from ctx, or "" when absent.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(contextKey{}).(string); ok {
		return v
	}
	return ""
}

// AddHeaderFromContext copies the context's correlation id, when present,
// into an outgoing header map.
func AddHeaderFromContext(headers map[string][]string, ctx context.Context) {
	if headers == nil {
		return
	}
	if cid := FromContext(ctx); cid != "" {
		headers[HeaderName] = []string{cid}
	}
}
