package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/keyprov/pkg/secretkey"
	"github.com/jmerrifield20/keyprov/pkg/serveraddr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FormFieldHashedSecretKey is the form field carrying the fingerprint.
const FormFieldHashedSecretKey = "hashedSecretKey"

// DefaultMaxRedirects bounds redirect hops per request.
const DefaultMaxRedirects = 5

// maxBodyBytes caps how much of any response body is read.
const maxBodyBytes = 1 << 16

// SecretSource mints a secret and its fingerprint.
type SecretSource interface {
	Generate() (secretkey.Secret, secretkey.Fingerprint, error)
}

// AddressResolver supplies the base address of the currently selected server.
type AddressResolver interface {
	CurrentAPIURL() (string, error)
}

// Client registers accounts. It holds no per-registration state, so one
// Client may serve any number of concurrent Register calls.
type Client struct {
	httpClient   *http.Client
	userAgent    string
	flow         Flow
	order        Order
	maxRedirects int
	timeout      time.Duration
	secrets      SecretSource
	resolver     AddressResolver
	limiter      *rate.Limiter
	metrics      *Metrics
	logger       *zap.Logger

	// lifecycle, guarded by mu
	mu        sync.RWMutex
	closed    bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets the pooled HTTP client. The Client works on a shallow
// copy; a redirect policy is installed on the copy if hc has none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("http client must not be nil")
		}
		cp := *hc
		c.httpClient = &cp
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed server.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		c.httpClient = &http.Client{Transport: tr}
		return nil
	}
}

// WithUserAgent sets the User-Agent sent with every request.
// Use FormatUserAgent to build the "<product>/<major>.<minor>.<build>" form.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		if strings.TrimSpace(ua) == "" {
			return fmt.Errorf("user agent must not be empty")
		}
		c.userAgent = ua
		return nil
	}
}

// WithFlow selects the registration flow. Defaults to NewAccountFlow.
func WithFlow(f Flow) Option {
	return func(c *Client) error {
		if len(f.Routes) == 0 {
			return fmt.Errorf("flow %q has no routes", f.Name)
		}
		c.flow = f
		return nil
	}
}

// WithOrder sets the endpoint attempt order. Defaults to CurrentFirst.
func WithOrder(o Order) Option {
	return func(c *Client) error {
		if len(o) == 0 {
			return fmt.Errorf("endpoint order must not be empty")
		}
		c.order = o
		return nil
	}
}

// WithMaxRedirects bounds redirect hops. Defaults to DefaultMaxRedirects.
func WithMaxRedirects(n int) Option {
	return func(c *Client) error {
		if n < 0 {
			return fmt.Errorf("max redirects must not be negative, got %d", n)
		}
		c.maxRedirects = n
		return nil
	}
}

// WithTimeout bounds each HTTP request. Zero (the default) means no limit;
// callers normally bound the whole call through the context instead.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

// WithMetrics records attempts and outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithRateLimit caps outbound registration requests across all concurrent
// calls. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		if rps <= 0 {
			c.limiter = nil
			return nil
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithSecretSource replaces the secret generator. Defaults to crypto/rand.
func WithSecretSource(s SecretSource) Option {
	return func(c *Client) error {
		if s == nil {
			return fmt.Errorf("secret source must not be nil")
		}
		c.secrets = s
		return nil
	}
}

// WithAddressResolver sets the resolver used by RegisterCurrent.
func WithAddressResolver(r AddressResolver) Option {
	return func(c *Client) error {
		c.resolver = r
		return nil
	}
}

// New creates a registration Client.
//
//	c, err := client.New(
//	    client.WithUserAgent(client.FormatUserAgent("keyprov", 1, 4, 2)),
//	    client.WithOrder(client.LegacyFirst),
//	)
//	defer c.Close()
func New(opts ...Option) (*Client, error) {
	c := &Client{
		userAgent:    DefaultUserAgent,
		flow:         NewAccountFlow,
		order:        CurrentFirst,
		maxRedirects: DefaultMaxRedirects,
		secrets:      secretkey.NewProvisioner(nil),
		logger:       zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	if len(c.flow.plan(c.order)) == 0 {
		return nil, fmt.Errorf("flow %q has no route for endpoint order %v", c.flow.Name, c.order)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if c.httpClient.CheckRedirect == nil {
		c.httpClient.CheckRedirect = limitRedirects(c.maxRedirects)
	}
	if c.timeout > 0 {
		c.httpClient.Timeout = c.timeout
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(opts ...Option) *Client {
	c, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Register creates an account on the server at serverAddress.
//
// A fresh secret is generated for every call and only its fingerprint leaves
// the process. The flow's first endpoint is tried; if it fails for any reason
// other than cancellation, the fallback endpoint is tried once. At most two
// requests are sent.
//
// The returned Outcome is never nil. err is nil exactly when
// Outcome.Success is true; otherwise it matches one of ErrCancelled,
// ErrTransport, ErrRejected, ErrMalformedResponse, ErrClosed,
// serveraddr.ErrInvalidAddress or secretkey.ErrEntropyUnavailable.
func (c *Client) Register(ctx context.Context, serverAddress string) (*Outcome, error) {
	if !c.acquire() {
		return failed(ErrClosed.Error()), ErrClosed
	}
	defer c.inflight.Done()

	started := time.Now()
	regID := uuid.NewString()
	log := c.logger.With(
		zap.String("registration_id", regID),
		zap.String("server", serverAddress),
		zap.String("flow", c.flow.Name),
	)

	out, err := c.register(ctx, log, regID, serverAddress)
	switch {
	case err == nil:
		c.metrics.recordOutcome(c.flow.Name, outcomeSuccess, started)
	case errors.Is(err, ErrCancelled):
		c.metrics.recordOutcome(c.flow.Name, outcomeCancelled, started)
	default:
		c.metrics.recordOutcome(c.flow.Name, outcomeFailure, started)
	}
	return out, err
}

// RegisterCurrent registers against the address supplied by the configured
// AddressResolver.
func (c *Client) RegisterCurrent(ctx context.Context) (*Outcome, error) {
	if c.resolver == nil {
		return failed(ErrNoAddress.Error()), ErrNoAddress
	}
	addr, err := c.resolver.CurrentAPIURL()
	if err != nil {
		return failed(ErrNoAddress.Error()), fmt.Errorf("%w: %w", ErrNoAddress, err)
	}
	return c.Register(ctx, addr)
}

// Close stops accepting new calls, waits for in-flight calls to finish, and
// releases pooled connections. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.inflight.Wait()
	c.closeOnce.Do(c.httpClient.CloseIdleConnections)
	return nil
}

func (c *Client) acquire() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	c.inflight.Add(1)
	return true
}

// attemptResult is what one POST produced.
type attemptResult struct {
	status int
	body   []byte
	err    error
}

func (c *Client) register(ctx context.Context, log *zap.Logger, regID, serverAddress string) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return c.cancelled(log, err)
	}

	base, err := serveraddr.Normalize(serverAddress)
	if err != nil {
		log.Warn("invalid server address", zap.Error(err))
		return failed(err.Error()), err
	}

	secret, fp, err := c.secrets.Generate()
	if err != nil {
		log.Error("generate secret key", zap.Error(err))
		return failed(GenericFailureMessage), err
	}

	log.Info("registering account", zap.String("base_url", base.String()))

	steps := c.flow.plan(c.order)
	var lastErr error
	for i, st := range steps {
		// Checked before every send so a cancel between attempts aborts the fallback.
		if err := ctx.Err(); err != nil {
			return c.cancelled(log, err)
		}
		if c.limiter != nil {
			// Wait only fails when ctx ends or its deadline is too close.
			if err := c.limiter.Wait(ctx); err != nil {
				return c.cancelled(log, err)
			}
		}

		endpoint := serveraddr.Endpoint(base, st.route)
		res := c.post(ctx, endpoint, fp, regID)
		if res.err != nil {
			if ctx.Err() != nil {
				return c.cancelled(log, ctx.Err())
			}
			c.metrics.recordAttempt(c.flow.Name, st.version, resultTransport)
			lastErr = fmt.Errorf("%w: %s: %w", ErrTransport, endpoint, res.err)
			log.Warn("registration attempt failed",
				zap.String("endpoint", endpoint),
				zap.Stringer("version", st.version),
				zap.Error(res.err),
			)
			continue
		}

		if res.status < 200 || res.status > 299 {
			c.metrics.recordAttempt(c.flow.Name, st.version, resultRejected)
			lastErr = &RejectionError{URL: endpoint, StatusCode: res.status, Body: string(res.body)}
			log.Warn("registration endpoint rejected request",
				zap.String("endpoint", endpoint),
				zap.Stringer("version", st.version),
				zap.Int("status", res.status),
			)
			continue
		}

		c.metrics.recordAttempt(c.flow.Name, st.version, resultAccepted)
		out, err := c.accept(log, res, secret, endpoint)
		out.Version = st.version
		out.Endpoint = endpoint
		out.Attempts = i + 1
		return out, err
	}

	log.Error("registration failed on all endpoints",
		zap.Int("attempts", len(steps)),
		zap.Error(lastErr),
	)
	out := failed(lastErr.Error())
	out.Attempts = len(steps)
	return out, lastErr
}

// accept interprets a 2xx reply. The secret is attached locally; the server
// never sees or echoes it.
func (c *Client) accept(log *zap.Logger, res attemptResult, secret secretkey.Secret, endpoint string) (*Outcome, error) {
	var reply registrationReply
	if err := json.Unmarshal(res.body, &reply); err != nil {
		log.Warn("unreadable registration response", zap.String("endpoint", endpoint), zap.Error(err))
		out := failed(GenericFailureMessage)
		out.SecretKey = secret
		return out, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	if reply.Success != nil && !*reply.Success {
		out := failed(reply.ErrorMessage)
		log.Warn("server declined registration", zap.String("reason", out.ErrorMessage))
		return out, &RejectionError{URL: endpoint, StatusCode: res.status, Body: out.ErrorMessage}
	}

	if reply.UID == "" {
		log.Warn("registration response has no uid", zap.String("endpoint", endpoint))
		out := failed(GenericFailureMessage)
		out.SecretKey = secret
		return out, fmt.Errorf("%w: response carried no uid", ErrMalformedResponse)
	}

	log.Info("account registered",
		zap.String("uid", reply.UID),
		zap.String("secret_key", secret.Redacted()),
	)
	return &Outcome{Success: true, UID: reply.UID, SecretKey: secret}, nil
}

func (c *Client) cancelled(log *zap.Logger, cause error) (*Outcome, error) {
	log.Info("registration cancelled", zap.Error(cause))
	return failed("Registration was cancelled."), fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// post submits the fingerprint to endpoint.
func (c *Client) post(ctx context.Context, endpoint string, fp secretkey.Fingerprint, regID string) attemptResult {
	form := url.Values{FormFieldHashedSecretKey: {string(fp)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return attemptResult{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", regID)

	status, body, err := c.doStatusBody(req)
	return attemptResult{status: status, body: body, err: err}
}

// doStatusBody is a lower-level HTTP call that returns (statusCode, body, error)
// without failing on 4xx/5xx responses. The caller interprets the status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// limitRedirects returns a CheckRedirect policy allowing at most max hops.
func limitRedirects(max int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) > max {
			return fmt.Errorf("stopped after %d redirects", max)
		}
		return nil
	}
}
