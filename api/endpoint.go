package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
)

// QueryItem is one name/value pair of a query string. Order is preserved.
type QueryItem struct {
	Name  string
	Value string
}

// Endpoint describes a single HTTP call relative to Config.BaseURL.
//
// Endpoint is a value: every builder returns a modified copy and never
// touches the receiver, so a base endpoint can be shared between goroutines
// and specialized per call.
type Endpoint struct {
	path         string
	method       string
	headers      map[string]string
	query        []QueryItem
	body         []byte
	requiresAuth bool
	bodyErr      error
}

// NewEndpoint returns a GET endpoint for path that requires authentication.
func NewEndpoint(path string) Endpoint {
	return Endpoint{
		path:         path,
		method:       http.MethodGet,
		requiresAuth: true,
	}
}

func (e Endpoint) clone() Endpoint {
	e.headers = maps.Clone(e.headers)
	e.query = slices.Clone(e.query)
	e.body = bytes.Clone(e.body)
	return e
}

// Get switches the method to GET.
func (e Endpoint) Get() Endpoint {
	c := e.clone()
	c.method = http.MethodGet
	return c
}

// Delete switches the method to DELETE.
func (e Endpoint) Delete() Endpoint {
	c := e.clone()
	c.method = http.MethodDelete
	return c
}

// Post switches the method to POST with v encoded as JSON.
func (e Endpoint) Post(v any) Endpoint { return e.withJSON(http.MethodPost, v) }

// Put switches the method to PUT with v encoded as JSON.
func (e Endpoint) Put(v any) Endpoint { return e.withJSON(http.MethodPut, v) }

// Patch switches the method to PATCH with v encoded as JSON.
func (e Endpoint) Patch(v any) Endpoint { return e.withJSON(http.MethodPatch, v) }

// withJSON leaves the body unset when v cannot be encoded and records the
// failure; Service.Do refuses such an endpoint before sending anything.
func (e Endpoint) withJSON(method string, v any) Endpoint {
	c := e.clone()
	c.method = method
	c.body = nil
	c.bodyErr = nil
	data, err := json.Marshal(v)
	if err != nil {
		c.bodyErr = fmt.Errorf("encode %s body: %w", method, err)
		return c
	}
	c.body = data
	c.headers = withHeader(c.headers, "Content-Type", "application/json")
	return c
}

// Form switches the method to POST with values form-encoded.
func (e Endpoint) Form(values url.Values) Endpoint {
	c := e.clone()
	c.method = http.MethodPost
	c.body = []byte(values.Encode())
	c.bodyErr = nil
	c.headers = withHeader(c.headers, "Content-Type", "application/x-www-form-urlencoded")
	return c
}

// Body sets a raw payload. An empty contentType leaves headers unchanged.
func (e Endpoint) Body(raw []byte, contentType string) Endpoint {
	c := e.clone()
	c.body = bytes.Clone(raw)
	c.bodyErr = nil
	if contentType != "" {
		c.headers = withHeader(c.headers, "Content-Type", contentType)
	}
	return c
}

// Method sets an arbitrary HTTP method, keeping the body.
func (e Endpoint) Method(method string) Endpoint {
	c := e.clone()
	c.method = method
	return c
}

// Set merges headers into the endpoint's headers; later values win.
func (e Endpoint) Set(headers map[string]string) Endpoint {
	c := e.clone()
	for k, v := range headers {
		c.headers = withHeader(c.headers, k, v)
	}
	return c
}

// Auth controls whether the bearer token is attached and whether a 401
// triggers the refresh-and-retry cycle.
func (e Endpoint) Auth(required bool) Endpoint {
	c := e.clone()
	c.requiresAuth = required
	return c
}

// Query appends items to the query string.
func (e Endpoint) Query(items ...QueryItem) Endpoint {
	c := e.clone()
	c.query = append(c.query, items...)
	return c
}

func (e Endpoint) Path() string               { return e.path }
func (e Endpoint) HTTPMethod() string         { return e.method }
func (e Endpoint) Headers() map[string]string { return maps.Clone(e.headers) }
func (e Endpoint) QueryItems() []QueryItem    { return slices.Clone(e.query) }
func (e Endpoint) BodyBytes() []byte          { return bytes.Clone(e.body) }
func (e Endpoint) RequiresAuth() bool         { return e.requiresAuth }
func (e Endpoint) Err() error                 { return e.bodyErr }
func (e Endpoint) String() string             { return e.method + " " + e.path }

// withHeader sets k on m, replacing any key that differs only in case.
// m must already be owned by the caller.
func withHeader(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	ck := http.CanonicalHeaderKey(k)
	for existing := range m {
		if http.CanonicalHeaderKey(existing) == ck {
			delete(m, existing)
		}
	}
	m[ck] = v
	return m
}
