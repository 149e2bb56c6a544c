// Package explorer is a client for the challenge protected endpoints of a
// blockchain explorer API. Each feature owns its own challenge session so a
// dismissed challenge in one never affects another.
package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TecharoHQ/challengegate"
	"github.com/TecharoHQ/challengegate/lib/challenge"
)

var (
	ErrNoBaseURL  = errors.New("explorer: no base URL configured")
	ErrBadBaseURL = errors.New("explorer: base URL is invalid")
)

// Feature names a protected call site.
type Feature string

const (
	FeatureExport   Feature = "export"
	FeatureEmail    Feature = "email"
	FeatureWallet   Feature = "wallet"
	FeatureRecovery Feature = "recovery"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 64 << 10

type Options struct {
	BaseURL    string
	HTTPClient *http.Client

	// Widget mounts the human verification widget for every feature.
	Widget challenge.WidgetFactory

	Logger *slog.Logger

	// MaxChallenges bounds the challenges solved per call. Zero means
	// unbounded.
	MaxChallenges int

	// ChallengeTimeout bounds a single widget interaction. Zero means the
	// user has as long as they need.
	ChallengeTimeout time.Duration
}

type Client struct {
	base *url.URL
	cli  *http.Client
	opts Options
	lg   *slog.Logger

	mu       sync.Mutex
	sessions map[Feature]*challenge.Session
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, ErrNoBaseURL
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadBaseURL, opts.BaseURL)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	cli := opts.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 2 * time.Minute}
	}

	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}

	return &Client{
		base:     base,
		cli:      cli,
		opts:     opts,
		lg:       lg.With("explorer", base.Host),
		sessions: map[Feature]*challenge.Session{},
	}, nil
}

// Session returns the challenge session of a feature, creating it on first
// use.
func (c *Client) Session(f Feature) *challenge.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[f]; ok {
		return s
	}

	s := challenge.NewSession(c.opts.Widget, challenge.SessionOptions{
		Name:          string(f),
		Logger:        c.lg,
		Timeout:       c.opts.ChallengeTimeout,
		MaxChallenges: c.opts.MaxChallenges,
	})
	c.sessions[f] = s

	return s
}

// InitError reports whether the widget of a feature failed to initialize.
// Callers should disable the feature when it does.
func (c *Client) InitError(f Feature) bool {
	return c.Session(f).InitError()
}

// Cancel dismisses the open challenge of a feature, if any.
func (c *Client) Cancel(f Feature) {
	c.Session(f).CancelCurrent()
}

func (c *Client) executor(f Feature) *challenge.Executor {
	return &challenge.Executor{
		MaxChallenges: c.opts.MaxChallenges,
		Name:          string(f),
		Logger:        c.lg,
	}
}

type request struct {
	feature Feature
	method  string
	path    string
	query   url.Values
	header  http.Header
	body    any
}

// do performs one exchange. Non-2xx answers become *challenge.StatusError;
// on success the caller must close the response body.
func (c *Client) do(ctx context.Context, rq request) (*http.Response, error) {
	u := *c.base
	u.Path += rq.path
	u.RawQuery = rq.query.Encode()

	var body io.Reader
	if rq.body != nil {
		data, err := json.Marshal(rq.body)
		if err != nil {
			return nil, fmt.Errorf("explorer: can't encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, rq.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("explorer: can't make request: %w", err)
	}

	for k, v := range rq.header {
		req.Header[k] = v
	}
	if rq.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "challengegate/"+challengegate.Version)

	t0 := time.Now()
	resp, err := c.cli.Do(req)
	requestDuration.WithLabelValues(string(rq.feature)).Observe(time.Since(t0).Seconds())
	if err != nil {
		requests.WithLabelValues(string(rq.feature), "error").Inc()
		return nil, err
	}

	requests.WithLabelValues(string(rq.feature), strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		u.RawQuery = "" // tokens must not end up in error messages
		return nil, &challenge.StatusError{Status: resp.StatusCode, URL: u.String(), Body: data}
	}

	return resp, nil
}

func decodeJSON[T any](resp *http.Response) (*T, error) {
	defer resp.Body.Close()

	var result T
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("explorer: can't decode %s response: %w", resp.Request.URL.Path, err)
	}

	return &result, nil
}
