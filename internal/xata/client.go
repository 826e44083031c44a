// Package xata is the HTTP transport used to talk to source and destination
// branches and to the control plane.
//
// Requests are retried without bound on connection failures and on HTTP 429.
// Any other status above 299 that the caller did not expect is appended to
// the error log and counted in the returned tally. Callers never see
// transport errors other than context cancellation.
package xata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xataio/xtools/internal/logging"
)

const (
	defaultThrottleDelay  = 50 * time.Millisecond
	defaultReconnectDelay = 100 * time.Millisecond
)

// Config configures a Client bound to one base URL.
type Config struct {
	// BaseURL is prefixed to every request path.
	BaseURL string
	APIKey  string
	// HostHeader overrides the Host header when talking to custom endpoints.
	HostHeader string
	// ErrorLog receives unexpected responses. May be nil.
	ErrorLog *ErrorLog
	// HTTPClient defaults to a client with a 5 minute timeout.
	HTTPClient *http.Client
}

// Client issues requests against one endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	hostHeader string
	errLog     *ErrorLog
	httpClient *http.Client

	throttleDelay  time.Duration
	reconnectDelay time.Duration

	// sleep is injectable to make tests fast.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		hostHeader:     cfg.HostHeader,
		errLog:         cfg.ErrorLog,
		httpClient:     hc,
		throttleDelay:  defaultThrottleDelay,
		reconnectDelay: defaultReconnectDelay,
		sleep:          sleepContext,
	}
}

// BaseURL returns the endpoint the client is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding %d response: %w", r.StatusCode, err)
	}
	return nil
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// Tally counts failed requests by status code. Keys are strings so that
// sinks other than HTTP can report their own codes.
type Tally map[string]int

// Add merges other into t.
func (t Tally) Add(other Tally) {
	for k, v := range other {
		t[k] += v
	}
}

// Total returns the number of counted failures.
func (t Tally) Total() int {
	n := 0
	for _, v := range t {
		n += v
	}
	return n
}

func (c *Client) Get(ctx context.Context, path string, expect ...int) (*Response, Tally, error) {
	return c.Do(ctx, http.MethodGet, path, nil, expect...)
}

func (c *Client) Post(ctx context.Context, path string, payload any, expect ...int) (*Response, Tally, error) {
	return c.Do(ctx, http.MethodPost, path, payload, expect...)
}

func (c *Client) Put(ctx context.Context, path string, payload any, expect ...int) (*Response, Tally, error) {
	return c.Do(ctx, http.MethodPut, path, payload, expect...)
}

func (c *Client) Patch(ctx context.Context, path string, payload any, expect ...int) (*Response, Tally, error) {
	return c.Do(ctx, http.MethodPatch, path, payload, expect...)
}

// Do sends one logical request. The returned error is non-nil only when the
// payload cannot be encoded or ctx is done.
func (c *Client) Do(ctx context.Context, method, path string, payload any, expect ...int) (*Response, Tally, error) {
	url := c.baseURL + path

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding %s %s payload: %w", method, url, err)
		}
		body = b
	}

	tally := Tally{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, tally, err
		}

		resp, err := c.send(ctx, method, url, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, tally, ctx.Err()
			}
			logging.Debug("%s %s: %v (retrying)", method, url, err)
			if err := c.sleep(ctx, c.reconnectDelay); err != nil {
				return nil, tally, err
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if err := c.sleep(ctx, c.throttleDelay); err != nil {
				return nil, tally, err
			}
			continue
		}

		if resp.StatusCode > 299 && !contains(expect, resp.StatusCode) {
			tally[strconv.Itoa(resp.StatusCode)]++
			c.errLog.Record(method, url, body, resp.StatusCode, resp.Body)
		}
		return resp, tally, nil
	}
}

func (c *Client) send(ctx context.Context, method, url string, body []byte) (*Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.hostHeader != "" {
		req.Host = c.hostHeader
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func contains(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
