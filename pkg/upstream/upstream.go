// Package upstream sends translated requests to provider backends. One
// invoker exists per protocol family; each knows its family's endpoint
// shape, auth headers, and streaming transport.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/protocol"
)

// Result is one upstream exchange. For streaming requests Body is the
// live response stream; the caller owns closing it either way.
type Result struct {
	// StatusCode is the upstream HTTP status
	StatusCode int

	// Header carries the upstream response headers
	Header http.Header

	// Body is the response body, streamed for stream requests
	Body io.ReadCloser
}

// Invoker sends one translated request using the lease's credentials.
type Invoker interface {
	Invoke(ctx context.Context, auth credential.Auth, req *protocol.Request) (*Result, error)
}

// Options configures an invoker.
type Options struct {
	// BaseURL overrides the family's default endpoint
	BaseURL string

	// HTTPClient overrides the default client, mainly for tests
	HTTPClient *http.Client

	// Project is the cloud project id some OAuth backends require
	Project string
}

func (o Options) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	// Streaming responses stay open long past any sane unary timeout,
	// so the per-request context carries the deadline instead.
	return &http.Client{Timeout: 0}
}

// Registry holds one invoker per family.
type Registry struct {
	invokers map[protocol.Family]Invoker
}

// NewRegistry builds a registry from explicit bindings.
func NewRegistry(invokers map[protocol.Family]Invoker) *Registry {
	return &Registry{invokers: invokers}
}

// For returns the invoker for a family.
func (r *Registry) For(family protocol.Family) (Invoker, error) {
	inv, ok := r.invokers[family]
	if !ok {
		return nil, fmt.Errorf("no invoker registered for family %q", family)
	}
	return inv, nil
}

// StatusError reports a non-success upstream status along with a
// captured body prefix for diagnostics.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// drainError reads a bounded body prefix into a StatusError and closes
// the stream.
func drainError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

// bearerOrKey resolves the outgoing secret for either auth kind.
func bearerOrKey(auth credential.Auth) (token string, apiKey string, err error) {
	switch auth.Kind {
	case credential.AuthOAuth:
		if auth.OAuth == nil || auth.OAuth.AccessToken == "" {
			return "", "", fmt.Errorf("oauth credential has no access token")
		}
		return auth.OAuth.AccessToken, "", nil
	case credential.AuthAPIKey:
		if auth.APIKey == nil || auth.APIKey.Key == "" {
			return "", "", fmt.Errorf("api key credential has no key")
		}
		return "", auth.APIKey.Key, nil
	default:
		return "", "", fmt.Errorf("unknown auth kind %q", auth.Kind)
	}
}

// baseURL picks the explicit override, then the credential's own base
// URL, then the family default.
func baseURL(opts Options, auth credential.Auth, fallback string) string {
	if opts.BaseURL != "" {
		return opts.BaseURL
	}
	if auth.Kind == credential.AuthAPIKey && auth.APIKey != nil && auth.APIKey.BaseURL != "" {
		return auth.APIKey.BaseURL
	}
	return fallback
}

// send issues the request and normalizes transport failures.
func send(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}
