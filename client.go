package selink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// HeaderKeyID tags a pipeline request with the encryption key protecting it.
const HeaderKeyID = "X-Encryption-Key-Id"

// TokenSource yields the current session bearer token, or "" when no session
// is active.
type TokenSource func() string

// Client is the authenticated request pipeline to the backend. Every resource
// call first obtains the auth headers and the negotiated key id; any failure
// at either stage short-circuits before a network call is made.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	keys       *SessionKeys
	log        *slog.Logger
}

// NewClient builds a pipeline against baseURL. A nil httpClient falls back to
// http.DefaultClient; round-trip timeouts are the transport's concern, not
// this layer's.
func NewClient(baseURL string, token TokenSource, httpClient *http.Client, log *slog.Logger) (*Client, error) {

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if log == nil {
		log = slog.Default()
	}

	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		token:      token,
		log:        log,
	}

	keys, err := NewSessionKeys(client, log)

	if err != nil {
		return nil, err
	}

	client.keys = keys

	return client, nil

}

// Keys exposes the session key manager, e.g. for callers that want to check
// Secret() availability before a protected call.
func (c *Client) Keys() *SessionKeys {
	return c.keys
}

// headers builds the complete header set for a pipeline request: bearer token
// plus the negotiated key id. It returns either a fully populated set or an
// error, never a partial one.
func (c *Client) headers(ctx context.Context) (http.Header, error) {

	token := c.token()

	if token == "" {
		return nil, ErrUnauthorized
	}

	key, err := c.keys.EnsureKey(ctx)

	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")
	h.Set(HeaderKeyID, key.ID)

	return h, nil

}

// bareHeaders is the header set for the key agreement endpoints themselves:
// bearer auth only, since no key id can exist before a key does.
func (c *Client) bareHeaders() (http.Header, error) {

	token := c.token()

	if token == "" {
		return nil, ErrUnauthorized
	}

	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")

	return h, nil

}

// request is the standard pipeline call: headers first, then the network.
func (c *Client) request(ctx context.Context, method, path string, body, out interface{}) error {

	headers, err := c.headers(ctx)

	if err != nil {
		return err
	}

	return c.do(ctx, method, path, headers, body, out)

}

func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body, out interface{}) error {

	var payload io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)

	if err != nil {
		return err
	}

	for name, values := range headers {
		req.Header[name] = values
	}

	resp, err := c.httpClient.Do(req)

	if err != nil {
		return err
	}

	defer resp.Body.Close()

	// Async accepted: the backend took the request but has no payload for us.
	if resp.StatusCode == http.StatusAccepted {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}

		return nil

	}

	return c.backendError(resp)

}

// backendError maps a non-2xx response to a BackendError, keeping the
// structured error payload when the body carries one and falling back to the
// bare status code otherwise.
func (c *Client) backendError(resp *http.Response) error {

	if resp.StatusCode == http.StatusUnauthorized {
		// The backend no longer accepts the key or the session; force a fresh
		// negotiation on the next call.
		c.keys.Invalidate()
	}

	berr := &BackendError{StatusCode: resp.StatusCode}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		berr.Code = payload.Code
		berr.Message = payload.Message
	}

	return berr

}
