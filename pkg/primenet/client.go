// Package primenet talks to the GIMPS PrimeNet server.
//
// Two interfaces are used:
//   - the v5 keyed API (register, progress, structured results), where every
//     request is signed with a key derived from the node guid
//   - the manual forms site (login, fetch assignments, legacy results),
//     which relies on a session cookie
//
// Every keyed API call runs the same recovery policy: transport failures
// and a busy server are retried with backoff up to MaxAttempts; a stale or
// unknown node identity triggers one re-registration followed by a retry;
// any other server error is permanent.
package primenet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIURL  = "http://v5.mersenne.org/v5server/"
	DefaultBaseURL = "https://www.mersenne.org/"

	// ProtocolVersion and ProductID are sent with every keyed API call.
	ProtocolVersion = "0.95"
	ProductID       = "GIMPS"

	// maxBodyBytes bounds how much of a reply is read.
	maxBodyBytes = 4 << 20
)

// Config configures a Client.
type Config struct {
	// APIURL is the keyed API endpoint.
	// Default: DefaultAPIURL
	APIURL string

	// BaseURL is the manual forms site root.
	// Default: DefaultBaseURL
	BaseURL string

	// HTTPClient is used for all requests. A cookie jar is attached if
	// missing, since the forms site is session based.
	// Default: 60s timeout client
	HTTPClient *http.Client

	// Identity supplies and persists the node guid.
	Identity IdentityStore

	// Hardware is sent when (re-)registering.
	Hardware Hardware

	// Username and Password log in to the forms site.
	Username string
	Password string

	// MaxAttempts bounds attempts per keyed API call.
	// Default: 5
	MaxAttempts uint

	// RetryDelay is the first backoff delay; it doubles per attempt.
	// Default: 2s
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff delay.
	// Default: 1m
	MaxRetryDelay time.Duration

	// RateLimit is the maximum requests per second. Zero means unlimited.
	RateLimit float64

	Logger *zap.Logger

	// Salt overrides the random salt source. Used by tests.
	Salt func() uint16
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		APIURL:        DefaultAPIURL,
		BaseURL:       DefaultBaseURL,
		MaxAttempts:   5,
		RetryDelay:    2 * time.Second,
		MaxRetryDelay: time.Minute,
	}
}

// Client is a PrimeNet protocol client. It is not safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// New creates a client, applying defaults for zero values.
func New(cfg Config) (*Client, error) {
	d := DefaultConfig()
	if cfg.APIURL == "" {
		cfg.APIURL = d.APIURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = d.MaxRetryDelay
	}
	if cfg.Identity == nil {
		cfg.Identity = NewMemoryIdentity("")
	}
	if cfg.Salt == nil {
		cfg.Salt = randomSalt
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		clone := *hc
		clone.Jar = jar
		hc = &clone
	}

	c := &Client{
		cfg:  cfg,
		http: hc,
		log:  cfg.Logger,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// GUID returns the current node identity, empty if unregistered.
func (c *Client) GUID() string {
	return c.cfg.Identity.GUID()
}

// Registered reports whether the node has an identity.
func (c *Client) Registered() bool {
	return c.GUID() != ""
}

// call performs a keyed API call with the recovery policy applied.
func (c *Client) call(ctx context.Context, cmd Command, fields *Params) (Response, error) {
	if !c.Registered() {
		return nil, fmt.Errorf("primenet %s: %w", cmd, ErrNotRegistered)
	}

	resp, err := c.attempt(ctx, c.GUID(), cmd, fields)
	var serr *ServerError
	if err == nil || cmd == CmdUpdateCompute || !errors.As(err, &serr) {
		return resp, err
	}
	switch serr.Action() {
	case ActionReregister, ActionNewIdentity:
		if rerr := c.recoverIdentity(ctx, serr); rerr != nil {
			return nil, rerr
		}
		return c.attempt(ctx, c.GUID(), cmd, fields)
	default:
		return nil, err
	}
}

// attempt sends one call, retrying transport failures and a busy server
// with exponential backoff up to MaxAttempts.
func (c *Client) attempt(ctx context.Context, guid string, cmd Command, fields *Params) (Response, error) {
	return retry.DoWithData(
		func() (Response, error) {
			resp, err := c.send(ctx, guid, cmd, fields)
			if err != nil {
				return nil, err
			}
			code, err := resp.ErrorCode()
			if err != nil {
				return nil, &TransportError{Op: string(cmd), URL: c.cfg.APIURL, Err: err}
			}
			serr := &ServerError{Command: cmd, Code: code, Detail: resp.Detail()}
			switch serr.Action() {
			case ActionNone:
				return resp, nil
			case ActionRetry:
				return nil, serr
			default:
				return nil, retry.Unrecoverable(serr)
			}
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.MaxAttempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(c.cfg.MaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("PrimeNet call failed",
				zap.String("command", cmd.String()),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
}

// recoverIdentity re-registers the node after a stale or unknown identity
// error. A new guid is only minted when the server does not know the
// current one.
func (c *Client) recoverIdentity(ctx context.Context, cause *ServerError) error {
	guid := c.GUID()
	if cause.Action() == ActionNewIdentity {
		guid = NewGUID()
		c.log.Warn("Server does not know this node; registering a new identity",
			zap.String("command", cause.Command.String()))
	} else {
		c.log.Info("Server reports stale node information; re-registering",
			zap.String("command", cause.Command.String()))
	}
	if err := c.register(ctx, guid); err != nil {
		return fmt.Errorf("recover from %s: %w", cause.Code, err)
	}
	return nil
}

// send performs one signed request without retries.
func (c *Client) send(ctx context.Context, guid string, cmd Command, fields *Params) (Response, error) {
	base := (&Params{}).
		Set("v", ProtocolVersion).
		Set("px", ProductID).
		Set("t", string(cmd)).
		Set("g", guid).
		Encode()
	if extra := fields.Encode(); extra != "" {
		base += "&" + extra
	}
	u := strings.TrimSuffix(c.cfg.APIURL, "?") + "?" + SignQuery(base, guid, c.cfg.Salt())

	body, err := c.do(ctx, string(cmd), http.MethodGet, u, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := ParseResponse(body)
	if err != nil {
		return nil, &TransportError{Op: string(cmd), URL: c.cfg.APIURL, Err: err}
	}
	return resp, nil
}

// do executes an HTTP request and returns the body. Any failure, including
// a non-200 status, is a TransportError.
func (c *Client) do(ctx context.Context, op, method, u string, body io.Reader, contentType string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &TransportError{Op: op, URL: redact(u), Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return "", fmt.Errorf("primenet %s: build request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return "", &TransportError{Op: op, URL: redact(u), Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return "", &TransportError{Op: op, URL: redact(u), StatusCode: res.StatusCode, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		return "", &TransportError{Op: op, URL: redact(u), StatusCode: res.StatusCode, Err: fmt.Errorf("unexpected status %s", res.Status)}
	}
	return string(b), nil
}

// redact strips the query string, which carries the guid and signature.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
