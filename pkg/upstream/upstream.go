// Package upstream is the authenticated HTTP client the worker uses to
// talk to the manager. It classifies every failure into one of a small
// set of kinds so callers can decide, without inspecting status codes
// themselves, whether a retry is ever worthwhile.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flamenco/flamenco-worker-go/pkg/jwtauth"
)

// Kind classifies a failed request.
type Kind int

const (
	// KindNone marks a response that was not an error at all.
	KindNone Kind = iota
	// KindTransport covers network-level failures: DNS, connection refused,
	// timeouts — anything below the HTTP layer.
	KindTransport
	// KindHTTP4xx covers any 4xx other than 401, which gets its own kind.
	KindHTTP4xx
	// KindHTTP5xx covers any 5xx.
	KindHTTP5xx
	// KindUnauthorized is a 401.
	KindUnauthorized
)

// Error wraps a failed request with its Kind and, where available, the
// HTTP status code and response body.
type Error struct {
	Kind       Kind
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindTransport {
		return fmt.Sprintf("upstream transport error: %v", e.Err)
	}
	return fmt.Sprintf("upstream http %d: %s", e.StatusCode, string(e.Body))
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the component that issued the call should
// retry: only Transport and 5xx are worth retrying (spec: never retry 4xx,
// they won't change on their own).
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindHTTP5xx
}

// Response is a successful HTTP response: status code plus raw body.
type Response struct {
	StatusCode int
	Body       []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Client is a thin authenticated HTTP wrapper around a manager base URL.
type Client struct {
	BaseURL string

	httpClient *http.Client

	workerID     string
	workerSecret string

	registrationSecret string
	useBearer          bool
}

// New creates a Client pointed at baseURL with the given request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetAuth switches the client to HTTP Basic auth using the given worker
// identity. Once set, it takes precedence over bearer-token mode.
func (c *Client) SetAuth(workerID, workerSecret string) {
	c.workerID = workerID
	c.workerSecret = workerSecret
	c.useBearer = false
}

// SetRegistrationBearer switches the client to attach a freshly minted
// bearer JWT (signed with the pre-shared registration secret) to every
// request, until SetAuth is called. Used only around /register-worker.
func (c *Client) SetRegistrationBearer(registrationSecret string) {
	c.registrationSecret = registrationSecret
	c.useBearer = registrationSecret != ""
}

// ClearAuth removes all auth headers (used for anonymous calls such as the
// very first /register-worker when no registration secret is configured).
func (c *Client) ClearAuth() {
	c.workerID = ""
	c.workerSecret = ""
	c.useBearer = false
}

func (c *Client) authenticate(req *http.Request) error {
	if c.workerID != "" {
		req.SetBasicAuth(c.workerID, c.workerSecret)
		return nil
	}
	if c.useBearer {
		token, err := jwtauth.NewRegistrationToken(c.registrationSecret)
		if err != nil {
			return fmt.Errorf("minting registration token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// Get performs an authenticated GET against path (relative to BaseURL).
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post performs an authenticated POST against path. body may be nil for an
// empty-bodied request; otherwise it is JSON-encoded.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("building request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authenticate(req); err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("reading response body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Kind: KindUnauthorized, StatusCode: resp.StatusCode, Body: respBody}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &Error{Kind: KindHTTP4xx, StatusCode: resp.StatusCode, Body: respBody}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindHTTP5xx, StatusCode: resp.StatusCode, Body: respBody}
	default:
		// 1xx/3xx: net/http already follows redirects, so this is
		// unexpected; treat it as a transport anomaly.
		return nil, &Error{Kind: KindTransport, StatusCode: resp.StatusCode, Body: respBody, Err: errors.New("unexpected status class")}
	}
}

// AsError unwraps err into an *Error if possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
