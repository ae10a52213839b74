// Package model defines shared types for the balancer.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is the inbound request envelope to be forwarded to a
// backend: method, path, query, headers and body, captured once per
// forwarding attempt.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.ReadCloser
}

// ProxyResponse is the backend response envelope relayed back to the
// caller: status code, headers and body, unmodified apart from the
// hop-by-hop header exclusions.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
