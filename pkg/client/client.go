package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tlsconf "github.com/loykin/histd/internal/tls"
)

// Errors reported by the daemon, matched with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrStorage         = errors.New("storage error")
	ErrUnavailable     = errors.New("unavailable")
	ErrUnauthorized    = errors.New("unauthorized")
)

// Client talks to a histd daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	token   func() (string, error)
}

// Config holds client configuration. Addr is a unix socket ("unix:/path"
// or an absolute path), a "host:port", or a full http(s) URL.
type Config struct {
	Addr    string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations

	// TLS settings for https addresses.
	CACert     string
	ServerName string
	SkipVerify bool

	// Token, when set, supplies a bearer token per request.
	Token func() (string, error)
}

// DefaultTimeout bounds every request unless Config.Timeout is set.
const DefaultTimeout = 10 * time.Second

func New(config Config) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	addr := strings.TrimSpace(config.Addr)
	if addr == "" {
		return nil, errors.New("client: empty daemon address")
	}

	transport := &http.Transport{}
	var base string
	switch {
	case strings.HasPrefix(addr, "unix:") || strings.HasPrefix(addr, "/"):
		path := strings.TrimPrefix(addr, "unix:")
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
		base = "http://histd"
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		base = strings.TrimRight(addr, "/")
	default:
		base = "http://" + addr
	}
	if strings.HasPrefix(base, "https://") {
		tc, err := tlsconf.Client(config.CACert, config.ServerName, config.SkipVerify)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		transport.TLSClientConfig = tc
	}

	return &Client{
		baseURL: base,
		logger:  config.Logger,
		token:   config.Token,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// Start registers a running command and returns its id.
func (c *Client) Start(ctx context.Context, req StartRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/history/start", nil, req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// End completes a command. A zero duration lets the daemon measure elapsed
// time; negative durations are sent as zero.
func (c *Client) End(ctx context.Context, id string, exit int64, duration time.Duration) (EndResult, error) {
	body := struct {
		ID       string `json:"id"`
		Exit     int64  `json:"exit"`
		Duration uint64 `json:"duration"`
	}{ID: id, Exit: exit, Duration: uint64(max(duration, 0))}
	var out EndResult
	err := c.do(ctx, http.MethodPost, "/history/end", nil, body, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &out)
	return out, err
}

// Search lists completed commands, newest first.
func (c *Client) Search(ctx context.Context, q SearchQuery) ([]Record, error) {
	v := url.Values{}
	if q.Prefix != "" {
		v.Set("q", q.Prefix)
	}
	if q.Session != "" {
		v.Set("session", q.Session)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var out []Record
	err := c.do(ctx, http.MethodGet, "/history", v, nil, &out)
	return out, err
}

// SyncRun asks the daemon to run one sync round now.
func (c *Client) SyncRun(ctx context.Context) (SyncReport, error) {
	var out SyncReport
	err := c.do(ctx, http.MethodPost, "/sync/run", nil, nil, &out)
	return out, err
}

func (c *Client) Heads(ctx context.Context) (map[string]uint64, error) {
	var out struct {
		Heads map[string]uint64 `json:"heads"`
	}
	if err := c.do(ctx, http.MethodGet, "/sync/heads", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Heads, nil
}

// Log returns decoded append log entries of host starting at from. An empty
// host means the daemon's own.
func (c *Client) Log(ctx context.Context, host string, from uint64, limit int) ([]LogItem, error) {
	v := url.Values{}
	if host != "" {
		v.Set("host", host)
	}
	v.Set("from", strconv.FormatUint(from, 10))
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var out []LogItem
	err := c.do(ctx, http.MethodGet, "/log", v, nil, &out)
	return out, err
}

// APIError is a non-2xx response. It unwraps to the sentinel for its kind.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	switch e.Kind {
	case "not_found":
		return ErrNotFound
	case "invalid_argument":
		return ErrInvalidArgument
	case "storage":
		return ErrStorage
	case "unavailable":
		return ErrUnavailable
	case "unauthenticated", "forbidden":
		return ErrUnauthorized
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token()
		if err != nil {
			return fmt.Errorf("client: token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var er ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	} else {
		apiErr.Kind = er.Kind
		apiErr.Message = er.Error
	}
	if apiErr.Kind == "" && resp.StatusCode == http.StatusNotFound {
		// route missing: an older or foreign server
		apiErr.Kind = "unavailable"
	}
	return apiErr
}
