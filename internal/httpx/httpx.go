// Package httpx holds the shared outbound HTTP client used by provider adapters.
package httpx

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client is a small wrapper around http.Client with pooled connections and
// default headers.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Headers   map[string]string
}

// New builds a client. A positive timeout caps every request; zero leaves the
// request context as the only bound, which is how provider adapters use it so
// per-call deadlines of any length apply.
func New(timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{HTTP: &http.Client{Timeout: timeout, Transport: transport}, UserAgent: "marketarbiter/1.0"}
}

// Do sends req after filling in the user agent and any missing default headers.
// The request context bounds the call.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return c.HTTP.Do(req)
}

// StatusError is a non-2xx response. Body holds at most the first 2 KiB.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s -> %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// DecodeJSON checks the status of resp and decodes its body into v, keeping
// numbers as json.Number. It always closes the body.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		se := &StatusError{Code: resp.StatusCode, Body: string(b)}
		if resp.Request != nil {
			se.Method = resp.Request.Method
			se.URL = resp.Request.URL.Redacted()
		}
		return se
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
