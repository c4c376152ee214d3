package ident

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type ClientOptions struct {
	// BaseURL points at the identity service verify endpoint, e.g.
	// "http://users.internal:8000/api/user/verify/".
	BaseURL string        `toml:"base-url"`
	Timeout time.Duration `toml:"timeout"`
}

func (o *ClientOptions) FillDefaults() {
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
}

// Client verifies tokens against the external identity service over HTTP.
type Client struct {
	o      ClientOptions
	client *http.Client
}

var _ Verifier = (*Client)(nil)

func NewClient(o ClientOptions) (*Client, error) {
	o.FillDefaults()
	if o.BaseURL == "" {
		return nil, fmt.Errorf("identity service base url not specified")
	}
	return &Client{
		o:      o,
		client: &http.Client{Timeout: o.Timeout},
	}, nil
}

func (c *Client) Verify(ctx context.Context, token string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, c.o.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.o.BaseURL, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	rsp, err := c.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = rsp.Body.Close() }()

	switch {
	case rsp.StatusCode == http.StatusOK:
	case rsp.StatusCode == http.StatusUnauthorized || rsp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrInvalidToken
	default:
		return Identity{}, fmt.Errorf("%w: verify returned status %v", ErrUnavailable, rsp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(rsp.Body, 1<<16))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: read verify response: %v", ErrUnavailable, err)
	}
	var id Identity
	if err := json.Unmarshal(body, &id); err != nil {
		return Identity{}, fmt.Errorf("%w: unmarshal verify response: %v", ErrUnavailable, err)
	}
	if id.ID == "" {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
