// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be relayed upstream.
// Path is the already-rewritten upstream path in escaped form and RawQuery
// is the client's query string, untouched.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
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

// ProxyError is the JSON body returned when the upstream cannot be reached.
type ProxyError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Target  string `json:"target"`
}
