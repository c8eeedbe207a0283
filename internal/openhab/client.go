// Package openhab is a small client for the openHAB REST API and its server
// sent event stream.
package openhab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

// NormalizeURL makes sure a configured endpoint ends in "/rest/".
func NormalizeURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if u == "" {
		return ""
	}
	if !strings.HasSuffix(u, "/rest") {
		u += "/rest"
	}
	return u + "/"
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithStreamClient replaces the client used for the event stream. It must
// not carry an overall timeout.
func WithStreamClient(hc *http.Client) Option {
	return func(c *Client) {
		c.stream = hc
	}
}

// Client talks to one openHAB instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	logger  *zap.Logger
}

var (
	_ API       = (*Client)(nil)
	_ Commander = (*Client)(nil)
)

// NewClient creates a client for baseURL, which is normalized to end in
// "/rest/". token may be empty.
func NewClient(baseURL, token string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: NormalizeURL(baseURL),
		token:   token,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		stream:  &http.Client{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SystemInfo probes the hub.
func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.getJSON(ctx, "systeminfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Items fetches every item with its current state.
func (c *Client) Items(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := c.getJSON(ctx, "items", &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Item fetches a single item.
func (c *Client) Item(ctx context.Context, name string) (*Item, error) {
	var item Item
	if err := c.getJSON(ctx, "items/"+url.PathEscape(name), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Things fetches every thing with its channels and linked items.
func (c *Client) Things(ctx context.Context) ([]Thing, error) {
	var things []Thing
	if err := c.getJSON(ctx, "things", &things); err != nil {
		return nil, err
	}
	return things, nil
}

// SendCommand posts command to item. The hub does not answer with a body.
func (c *Client) SendCommand(ctx context.Context, item, command string) error {
	path := "items/" + url.PathEscape(item)
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(command))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send command to %s: %w", item, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: http.MethodPost, Path: path, Code: resp.StatusCode}
	}

	c.logger.Debug("Sent command",
		zap.String("item", item),
		zap.String("command", command))
	return nil
}

// OpenStream opens the event stream. The caller reads frames from the
// returned body until it fails or ctx is cancelled, then closes it.
func (c *Client) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{Method: http.MethodGet, Path: "events", Code: resp.StatusCode}
	}
	return resp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
