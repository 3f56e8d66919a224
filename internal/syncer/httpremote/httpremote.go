// Package httpremote syncs against another histd (or a compatible server)
// through its /sync routes.
package httpremote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/histd/internal/store"
)

type Remote struct {
	base   string
	client *http.Client
	token  func() (string, error)
}

type Option func(*Remote)

// WithToken attaches a bearer token from src to every request.
func WithToken(src func() (string, error)) Option {
	return func(r *Remote) { r.token = src }
}

// WithTLS sets the client TLS config for https remotes.
func WithTLS(tc *tls.Config) Option {
	return func(r *Remote) {
		if tc != nil {
			r.client.Transport = &http.Transport{TLSClientConfig: tc, Proxy: http.ProxyFromEnvironment}
		}
	}
}

// New returns a remote rooted at baseURL, e.g. "https://sync.example.com".
func New(baseURL string, timeout time.Duration, opts ...Option) *Remote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Remote{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type headsResponse struct {
	Heads map[string]uint64 `json:"heads"`
}

func (r *Remote) Heads(ctx context.Context) (map[string]uint64, error) {
	var out headsResponse
	if err := r.do(ctx, http.MethodGet, "/sync/heads", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Heads == nil {
		out.Heads = map[string]uint64{}
	}
	return out.Heads, nil
}

func (r *Remote) Push(ctx context.Context, entries []store.Entry) error {
	return r.do(ctx, http.MethodPost, "/sync/entries", nil, entries, nil)
}

func (r *Remote) Pull(ctx context.Context, host string, from uint64, limit int) ([]store.Entry, error) {
	q := url.Values{}
	q.Set("host", host)
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("limit", strconv.Itoa(limit))
	var out []store.Entry
	if err := r.do(ctx, http.MethodGet, "/sync/entries", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote returned %d", e.Code)
}

func (r *Remote) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := r.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != nil {
		tok, err := r.token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(b, &e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
