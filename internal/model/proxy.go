// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be relayed to the file server.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path is the decoded request path, as seen by the rewrite rule.
	Path string
	// RawQuery is forwarded verbatim.
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
