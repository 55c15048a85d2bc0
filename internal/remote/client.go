// Package remote talks to a Nightscout-compatible data service over its
// REST API v3 and a WebSocket change feed. It provides a [Client] with
// methods aligned to the sync engine's needs, a 3-attempt exponential-backoff
// [Retry] helper, and conversion between remote documents and
// [model.Record].
package remote

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

	"golang.org/x/time/rate"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
)

// Sentinel errors. Callers inspect them with errors.Is.
var (
	// ErrUnauthorized means the remote rejected the credentials (HTTP 401).
	ErrUnauthorized = errors.New("remote: unauthorized")

	// ErrForbidden means the credentials lack a permission (HTTP 403).
	ErrForbidden = errors.New("remote: forbidden")

	// ErrTransport covers network failures, timeouts, and 5xx/429 replies.
	ErrTransport = errors.New("remote: transport failure")
)

// StatusError is returned for unexpected non-2xx replies that are neither
// authorization nor transport failures.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned status %d", e.Code)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Message)
}

// Options configures a [Client].
type Options struct {
	BaseURL     string
	AccessToken string

	// Timeout bounds every HTTP request. Zero means 30s.
	Timeout time.Duration

	// RequestsPerMinute limits outgoing requests. Zero disables limiting.
	RequestsPerMinute int
	Burst             int

	// App is reported as the "app" field of uploaded documents.
	App string

	// HTTPClient overrides the default client. Mainly for tests.
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	base        *url.URL
	accessToken string
	app         string
	hc          *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu     sync.RWMutex
	jwt    string
	jwtExp time.Time
}

// New creates a Client for the remote at opts.BaseURL.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	app := opts.App
	if app == "" {
		app = "nssync"
	}

	return &Client{
		base:        u,
		accessToken: opts.AccessToken,
		app:         app,
		hc:          hc,
		limiter:     newLimiter(opts.RequestsPerMinute, opts.Burst),
		logger:      logger,
	}, nil
}

// newLimiter creates a rate limiter from requests per minute and burst.
func newLimiter(rpm, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// URL returns the remote base address without credentials.
func (c *Client) URL() string {
	u := *c.base
	u.User = nil
	return u.String()
}

// envelope is the API v3 response wrapper.
type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	// Create/update replies.
	Identifier      string `json:"identifier,omitempty"`
	IsDeduplication bool   `json:"isDeduplication,omitempty"`
	LastModified    int64  `json:"lastModified,omitempty"`
}

// FetchSince returns up to limit documents of collection modified after
// sinceMs, in server modification order.
func (c *Client) FetchSince(ctx context.Context, collection model.Collection, sinceMs int64, limit int) (*model.Batch, error) {
	path := fmt.Sprintf("/api/v3/%s/history/%d", collection, sinceMs)
	return c.fetch(ctx, collection, path, limit)
}

// FetchAll returns up to limit documents of collection regardless of
// modification time.
func (c *Client) FetchAll(ctx context.Context, collection model.Collection, limit int) (*model.Batch, error) {
	path := fmt.Sprintf("/api/v3/%s", collection)
	return c.fetch(ctx, collection, path, limit)
}

func (c *Client) fetch(ctx context.Context, collection model.Collection, path string, limit int) (*model.Batch, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var env envelope
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var callErr error
		env, _, callErr = c.do(ctx, http.MethodGet, path, q, nil)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", collection, err)
	}

	var docs []json.RawMessage
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &docs); err != nil {
			return nil, fmt.Errorf("parsing %s response: %w", collection, err)
		}
	}
	return decodeBatch(collection, docs), nil
}

// Push sends rec to its collection. The remote's verdict is returned as a
// DeliveryOutcome; an error means no verdict was received. Pushes are not
// retried here: the next sync pass is the retry.
func (c *Client) Push(ctx context.Context, rec *model.Record) (model.DeliveryOutcome, error) {
	out := model.DeliveryOutcome{RecordID: rec.ID, Kind: rec.Kind}

	doc, err := encodeRecord(rec, c.app)
	if err != nil {
		return out, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("encoding %s: %w", rec, err)
	}

	path := "/api/v3/" + string(rec.Kind.Collection())
	env, code, err := c.do(ctx, http.MethodPost, path, nil, body)
	var se *StatusError
	switch {
	case errors.As(err, &se) && (se.Code == http.StatusBadRequest || se.Code == http.StatusUnprocessableEntity):
		out.Outcome = model.OutcomeRejected
		out.Detail = se.Message
		return out, nil
	case err != nil:
		return out, fmt.Errorf("pushing %s: %w", rec, err)
	}

	out.RemoteID = env.Identifier
	if out.RemoteID == "" {
		out.RemoteID = rec.OriginID
	}
	if code == http.StatusOK && env.IsDeduplication {
		out.Outcome = model.OutcomeDuplicate
	} else {
		out.Outcome = model.OutcomeConfirmed
	}
	return out, nil
}

type statusResult struct {
	Version        string            `json:"version"`
	APIVersion     string            `json:"apiVersion"`
	APIPermissions map[string]string `json:"apiPermissions"`
}

// Status probes the remote and derives the connection state. A transport
// failure yields an unreachable state together with the error. Authorization
// failures are reported in the state, not as errors.
func (c *Client) Status(ctx context.Context) (model.ConnectionState, error) {
	var state model.ConnectionState

	env, _, err := c.do(ctx, http.MethodGet, "/api/v3/status", nil, nil)
	switch {
	case errors.Is(err, ErrUnauthorized):
		state.Reachable = true
		return state, nil
	case errors.Is(err, ErrForbidden):
		state.Reachable = true
		state.Authenticated = true
		return state, nil
	case err != nil:
		return state, fmt.Errorf("checking remote status: %w", err)
	}

	state.Reachable = true
	state.Authenticated = true

	var res statusResult
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return state, fmt.Errorf("parsing status: %w", err)
	}
	state.ServerVersion = res.Version
	state.WritePermitted = canWrite(res.APIPermissions)
	return state, nil
}

// canWrite reports whether every uploaded collection grants create and
// update.
func canWrite(perms map[string]string) bool {
	if len(perms) == 0 {
		return false
	}
	seen := map[model.Collection]bool{}
	for _, k := range model.UploadKinds() {
		col := k.Collection()
		if seen[col] {
			continue
		}
		seen[col] = true
		p := perms[string(col)]
		if !strings.Contains(p, "c") || !strings.Contains(p, "u") {
			return false
		}
	}
	return true
}

// LastModified returns the server modification time of every collection in
// Unix milliseconds.
func (c *Client) LastModified(ctx context.Context) (map[model.Collection]int64, error) {
	var env envelope
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var callErr error
		env, _, callErr = c.do(ctx, http.MethodGet, "/api/v3/lastModified", nil, nil)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetching last modified: %w", err)
	}

	var res struct {
		SrvDate     int64            `json:"srvDate"`
		Collections map[string]int64 `json:"collections"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return nil, fmt.Errorf("parsing last modified: %w", err)
	}
	out := make(map[model.Collection]int64, len(res.Collections))
	for k, v := range res.Collections {
		out[model.Collection(k)] = v
	}
	return out, nil
}

// RefreshToken exchanges the configured access token for a bearer token used
// by every subsequent request.
func (c *Client) RefreshToken(ctx context.Context) error {
	path := "/api/v2/authorization/request/" + url.PathEscape(c.accessToken)

	var raw []byte
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var callErr error
		raw, _, callErr = c.doRaw(ctx, http.MethodGet, path, nil, nil, false)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}

	var res struct {
		Token string `json:"token"`
		Exp   int64  `json:"exp"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("parsing token response: %w", err)
	}
	if res.Token == "" {
		return fmt.Errorf("refreshing token: %w", ErrUnauthorized)
	}

	c.mu.Lock()
	c.jwt = res.Token
	c.jwtExp = time.Unix(res.Exp, 0)
	c.mu.Unlock()

	c.logger.Debug("remote token refreshed", "expires", c.jwtExp)
	return nil
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwt
}

// do performs an API v3 request and decodes the envelope.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) (envelope, int, error) {
	var env envelope
	raw, code, err := c.doRaw(ctx, method, path, q, body, true)
	if err != nil {
		return env, code, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return env, code, fmt.Errorf("parsing response of %s %s: %w", method, path, err)
		}
	}
	return env, code, nil
}

// doRaw performs one HTTP request and maps the status code onto the error
// taxonomy.
func (c *Client) doRaw(ctx context.Context, method, path string, q url.Values, body []byte, auth bool) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("%w: rate limiter: %w", ErrTransport, err)
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if tok := c.bearer(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}

	c.logger.Debug("remote request", "method", method, "path", path, "status", resp.StatusCode)

	code := resp.StatusCode
	switch {
	case code == http.StatusUnauthorized:
		return nil, code, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case code == http.StatusForbidden:
		return nil, code, fmt.Errorf("%s %s: %w", method, path, ErrForbidden)
	case code == http.StatusTooManyRequests || code >= 500:
		return nil, code, fmt.Errorf("%w: %s %s returned %d", ErrTransport, method, path, code)
	case code >= 300:
		var env envelope
		_ = json.Unmarshal(raw, &env)
		return nil, code, &StatusError{Code: code, Message: env.Message}
	}
	return raw, code, nil
}
