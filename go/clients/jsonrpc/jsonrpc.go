// Package jsonrpc frames calls to the session store as JSON-RPC 2.0 over HTTP POST.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Jorewin/planning-poker/go/clients"
)

// Caller identifies who issues a call: Token becomes the request id, User the
// UserHeader value.
type Caller struct {
	Token string
	User  string
}

type Client struct {
	*clients.BaseClient
	path string
}

// NewClient creates a client posting to baseURL+DefaultPath.
func NewClient(baseURL string, hc *http.Client) *Client {
	client := &Client{
		BaseClient: clients.NewBaseClientWithHTTP(baseURL, hc),
		path:       DefaultPath,
	}
	client.SetHeader("Content-Type", "application/json")
	return client
}

// SetPath overrides the endpoint path.
func (c *Client) SetPath(path string) {
	c.path = path
}

// Call invokes method with positional params and decodes the result into out
// (which may be nil). A remote error is returned as *Error.
func (c *Client) Call(ctx context.Context, caller Caller, method string, out any, params ...any) error {
	req := Request{
		JSONRPC: Version,
		Method:  method,
		Params:  make([]json.RawMessage, 0, len(params)),
		ID:      caller.Token,
	}
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		req.Params = append(req.Params, raw)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	var extra map[string]string
	if caller.User != "" {
		extra = map[string]string{UserHeader: caller.User}
	}

	respBody, err := c.Post(ctx, c.path, bytes.NewReader(body), extra)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w, raw response: %s", method, err, string(respBody))
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// AsError extracts the remote error object from err, if any.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
