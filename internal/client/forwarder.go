package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/watzon/sellia/internal/protocol"
)

// TargetResolver resolves the local target URL for a given request path,
// implementing the client's first-match-wins route table.
type TargetResolver func(path string) string

// Forwarder forwards buffered HTTP requests to a local target.
type Forwarder struct {
	defaultTarget  string
	targetResolver TargetResolver
	httpClient     *http.Client
}

// NewForwarder creates a forwarder with a single default target.
func NewForwarder(target string) *Forwarder {
	return &Forwarder{
		defaultTarget: target,
		httpClient:    newForwarderHTTPClient(),
	}
}

// NewForwarderWithRoutes creates a forwarder with route-based target
// resolution, falling back to defaultTarget when nothing matches.
func NewForwarderWithRoutes(defaultTarget string, resolver TargetResolver) *Forwarder {
	return &Forwarder{
		defaultTarget:  defaultTarget,
		targetResolver: resolver,
		httpClient:     newForwarderHTTPClient(),
	}
}

func newForwarderHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (f *Forwarder) resolveTarget(path string) string {
	if f.targetResolver != nil {
		if target := f.targetResolver(path); target != "" {
			return target
		}
	}
	return f.defaultTarget
}

// ForwardedRequest is the fully-buffered request reconstructed from a
// request_start + request_body* stream.
type ForwardedRequest struct {
	RequestID string
	Method    string
	Path      string
	Headers   protocol.Headers
	Body      []byte
}

// ForwardedResponse is the result of forwarding a ForwardedRequest.
type ForwardedResponse struct {
	StatusCode int
	Headers    protocol.Headers
	Body       []byte
}

// Forward dials the resolved local target and returns its response. An
// empty target (no route matched and no default) is reported via
// ErrNoRoute.
func (f *Forwarder) Forward(ctx context.Context, req *ForwardedRequest) (*ForwardedResponse, error) {
	target := f.resolveTarget(req.Path)
	if target == "" {
		return nil, ErrNoRoute
	}

	fullURL, err := buildURL(target, req.Path)
	if err != nil {
		return nil, fmt.Errorf("forwarder: build url: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("forwarder: build request: %w", err)
	}
	for k, values := range req.Headers {
		if protocol.IsHopByHop(http.CanonicalHeaderKey(k)) {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("forwarder: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("forwarder: read response: %w", err)
	}

	headers := protocol.Headers{}
	for k, v := range resp.Header {
		if protocol.IsHopByHop(http.CanonicalHeaderKey(k)) {
			continue
		}
		headers[k] = v
	}

	return &ForwardedResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

// buildURL joins a base URL with a request path, preserving any query
// string carried in path.
func buildURL(baseURL, path string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	pathURL, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	return base.ResolveReference(pathURL).String(), nil
}
