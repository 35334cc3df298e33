// Package api is the HTTP/JSON client for the tabletop server: digest polling, resource fetchers and the
// mutation senders. It holds no state besides the server location and the access token.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"
)

const (
	defaultHttpConnectTimeout = 5 * time.Second
	defaultHttpTlsTimeout     = 5 * time.Second

	DigestHeader = "Digest"
)

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{Transport: transport}
}

type Client struct {
	baseUrl    *url.URL
	httpClient *http.Client
	token      string
}

type Option func(*Client)

func WithHttpClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken attaches the token as a bearer Authorization header on every call.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func NewClient(baseUrl string, options ...Option) (*Client, error) {
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in base url", u.Scheme)
	}
	c := &Client{baseUrl: u, httpClient: defaultClient()}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

func (c *Client) BaseUrl() *url.URL {
	return c.baseUrl.JoinPath()
}

func (c *Client) Token() string {
	return c.token
}

// Fetched is a decoded resource together with the digest header the server sent along with it.
type Fetched[T any] struct {
	Value  T
	Digest string
}

type response[R any] struct {
	value  R
	raw    []byte
	header http.Header
	status int
}

// call performs one JSON round trip. A nil args sends no body. Responses with a status outside expected become an
// UnexpectedStatusError carrying the raw body; a 204 leaves the value zero.
func call[R any](ctx context.Context, c *Client, op string, method string, u *url.URL, args any, expected ...int) (response[R], error) {
	var out response[R]

	var body io.Reader
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return out, fmt.Errorf("%s: failed to encode body: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return out, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if args != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, &UnreachableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, &UnreachableError{Op: op, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	out.raw = raw
	out.header = resp.Header
	out.status = resp.StatusCode

	if !slices.Contains(expected, resp.StatusCode) {
		return out, &UnexpectedStatusError{Op: op, Status: resp.StatusCode, Body: raw}
	}
	if resp.StatusCode == http.StatusNoContent {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out.value); err != nil {
		return out, &UnexpectedStatusError{Op: op, Status: resp.StatusCode, Body: raw, Err: fmt.Errorf("failed to decode body: %w", err)}
	}
	return out, nil
}

// checked rejects a decoded server payload that does not pass validation.
func checked[R any](op string, out response[R], validate func(R) error) (response[R], error) {
	if err := validate(out.value); err != nil {
		return out, &UnexpectedStatusError{Op: op, Status: out.status, Body: out.raw, Err: fmt.Errorf("malformed payload: %w", err)}
	}
	return out, nil
}
