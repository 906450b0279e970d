// Package github is the status source: a small client for the workflow run
// endpoints of the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"runrelay/internal/transport"
)

const DefaultBaseURL = "https://api.github.com"

type Config struct {
	BaseURL     string
	CallTimeout time.Duration
	// RatePerSec throttles this client; 0 means 5/s.
	RatePerSec float64
	UserAgent  string
}

// APIError is a non-2xx answer or a failed round trip.
type APIError struct {
	Method    string
	Path      string
	Status    int // 0 when the request never got a response
	Message   string
	Auth      bool
	Retryable bool
	Err       error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "github %s %s", e.Method, e.Path)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": http %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	if transport.IsRemoteApplicationError(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsAuthError reports whether the credential was rejected.
func IsAuthError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Auth
}

// Client talks to one GitHub API host with one credential.
type Client struct {
	cfg       Config
	base      *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	remaining atomic.Int64
}

// New builds a client. An empty token makes anonymous requests.
func New(cfg Config, token string) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("github base url: %w", err)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "runrelay"
	}

	hc := &http.Client{Timeout: cfg.CallTimeout}
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		hc.Timeout = cfg.CallTimeout
	}
	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec))),
	}
	c.remaining.Store(-1)
	return c, nil
}

// RateRemaining is the last X-RateLimit-Remaining seen, or -1 if unknown.
func (c *Client) RateRemaining() int { return int(c.remaining.Load()) }

func (c *Client) GetRun(ctx context.Context, owner, repo string, runID int64) (Run, error) {
	var out Run
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", owner, repo, runID)
	err := c.get(ctx, path, nil, "id", &out)
	return out, err
}

// ListJobs returns the jobs of the latest attempt of a run.
func (c *Client) ListJobs(ctx context.Context, owner, repo string, runID int64) ([]Job, error) {
	var out jobList
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs", owner, repo, runID)
	q := url.Values{"per_page": []string{"100"}, "filter": []string{"latest"}}
	if err := c.get(ctx, path, q, "jobs", &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) GetCommit(ctx context.Context, owner, repo, sha string) (Commit, error) {
	var out Commit
	path := fmt.Sprintf("/repos/%s/%s/commits/%s", owner, repo, sha)
	err := c.get(ctx, path, nil, "sha", &out)
	return out, err
}

func (c *Client) ListPullsForCommit(ctx context.Context, owner, repo, sha string) ([]PullRequest, error) {
	var out []PullRequest
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/pulls", owner, repo, sha)
	err := c.get(ctx, path, nil, "", &out)
	return out, err
}

// get issues a GET and decodes the JSON body into out. A 200 object that has
// a "message" but lacks wantKey is an application error, not a payload.
func (c *Client) get(ctx context.Context, path string, q url.Values, wantKey string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &APIError{Method: req.Method, Path: path, Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	c.noteRate(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &APIError{Method: req.Method, Path: path, Status: resp.StatusCode, Retryable: true, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return c.statusError(req.Method, path, resp, body)
	}

	if wantKey != "" && bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(body, &probe); err == nil {
			_, hasKey := probe[wantKey]
			if msg, hasMsg := probe["message"]; hasMsg && !hasKey {
				var text string
				_ = json.Unmarshal(msg, &text)
				return &transport.RemoteApplicationError{Service: "github", Code: resp.StatusCode, Description: text}
			}
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Method: req.Method, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func (c *Client) statusError(method, path string, resp *http.Response, body []byte) error {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	ae := &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: payload.Message}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ae.Retryable = true
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		// Primary rate limit exhaustion, not a permission problem.
		ae.Retryable = true
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		ae.Auth = true
	case resp.StatusCode >= 500:
		ae.Retryable = true
	}
	return ae
}

func (c *Client) noteRate(h http.Header) {
	v := h.Get("X-RateLimit-Remaining")
	if v == "" {
		return
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		c.remaining.Store(n)
	}
}
