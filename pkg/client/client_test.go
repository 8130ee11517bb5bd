package client_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/keyprov/internal/authstub"
	"github.com/jmerrifield20/keyprov/pkg/client"
	"github.com/jmerrifield20/keyprov/pkg/secretkey"
	"github.com/jmerrifield20/keyprov/pkg/serveraddr"
)

var hexSecret = regexp.MustCompile(`^[A-F0-9]{64}$`)

// ── Helpers ──────────────────────────────────────────────────────────────

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func textResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}
}

// recorder is a RoundTripper that records request URLs and replies from a
// script, one entry per request.
type recorder struct {
	mu     sync.Mutex
	urls   []string
	script []func(*http.Request) (*http.Response, error)
}

func (rec *recorder) RoundTrip(r *http.Request) (*http.Response, error) {
	rec.mu.Lock()
	n := len(rec.urls)
	rec.urls = append(rec.urls, r.URL.String())
	rec.mu.Unlock()
	if n >= len(rec.script) {
		return textResponse(r, http.StatusNotFound, "unscripted"), nil
	}
	return rec.script[n](r)
}

func (rec *recorder) URLs() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.urls...)
}

func reply(status int, body string) func(*http.Request) (*http.Response, error) {
	return func(r *http.Request) (*http.Response, error) { return textResponse(r, status, body), nil }
}

func fail(err error) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) { return nil, err }
}

type staticResolver struct {
	addr string
	err  error
}

func (s staticResolver) CurrentAPIURL() (string, error) { return s.addr, s.err }

type brokenEntropy struct{}

func (brokenEntropy) Generate() (secretkey.Secret, secretkey.Fingerprint, error) {
	return "", "", fmt.Errorf("%w: no device", secretkey.ErrEntropyUnavailable)
}

func newClient(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.New(opts...)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// ── Happy paths ──────────────────────────────────────────────────────────

func TestRegister_firstEndpointSucceeds(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.OK("UID-1"))

	c := newClient(t)
	out, err := c.Register(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !out.Success || out.UID != "UID-1" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !hexSecret.MatchString(string(out.SecretKey)) {
		t.Errorf("secret %q is not 64 uppercase hex chars", out.SecretKey)
	}
	if out.Version != client.VersionCurrent || out.Attempts != 1 {
		t.Errorf("expected one attempt on the current endpoint, got version=%v attempts=%d", out.Version, out.Attempts)
	}

	if srv.Hits() != 1 {
		t.Fatalf("expected exactly 1 request, got %d", srv.Hits())
	}
	req := srv.Requests()[0]
	if req.Method != http.MethodPost {
		t.Errorf("method: got %s, want POST", req.Method)
	}
	if req.ContentType != "application/x-www-form-urlencoded" {
		t.Errorf("content type: got %q", req.ContentType)
	}
	if want := string(secretkey.FingerprintOf(out.SecretKey)); req.HashedSecretKey != want {
		t.Errorf("hashedSecretKey: got %q, want fingerprint %q", req.HashedSecretKey, want)
	}
	if req.HashedSecretKey == string(out.SecretKey) {
		t.Error("plaintext secret was sent to the server")
	}
	if req.UserAgent != client.DefaultUserAgent {
		t.Errorf("user agent: got %q, want %q", req.UserAgent, client.DefaultUserAgent)
	}
	if req.RequestID == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestRegister_fallbackSucceeds(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.Status(http.StatusNotFound, "no such route"))
	srv.Respond(client.RouteRegisterLegacy, authstub.OK("UID-2"))

	c := newClient(t)
	out, err := c.Register(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !out.Success || out.UID != "UID-2" || out.SecretKey == "" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Version != client.VersionLegacy || out.Attempts != 2 {
		t.Errorf("expected success on the second (legacy) attempt, got %v after %d", out.Version, out.Attempts)
	}

	paths := srv.Paths()
	want := []string{client.RouteRegisterCurrent, client.RouteRegisterLegacy}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Fatalf("request order: got %v, want %v", paths, want)
	}

	reqs := srv.Requests()
	if reqs[0].HashedSecretKey != reqs[1].HashedSecretKey {
		t.Error("fallback must reuse the fingerprint minted for this call")
	}
	if reqs[0].UserAgent != reqs[1].UserAgent {
		t.Error("user agent must be identical on every attempt")
	}
}

func TestRegister_legacyFirstOrder(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterLegacy, authstub.Status(http.StatusGone, "retired"))
	srv.Respond(client.RouteRegisterCurrent, authstub.OK("UID-3"))

	c := newClient(t, client.WithOrder(client.LegacyFirst))
	out, err := c.Register(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if out.UID != "UID-3" {
		t.Errorf("uid: got %q", out.UID)
	}
	paths := srv.Paths()
	if len(paths) != 2 || paths[0] != client.RouteRegisterLegacy || paths[1] != client.RouteRegisterCurrent {
		t.Errorf("request order: got %v", paths)
	}
}

func TestRegister_customUserAgent(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.Status(http.StatusInternalServerError, ""))
	srv.Respond(client.RouteRegisterLegacy, authstub.OK("UID"))

	ua := client.FormatUserAgent("MareSynchronos", 0, 9, 21)
	c := newClient(t, client.WithUserAgent(ua))
	if _, err := c.Register(context.Background(), srv.URL); err != nil {
		t.Fatal(err)
	}
	for _, r := range srv.Requests() {
		if r.UserAgent != "MareSynchronos/0.9.21" {
			t.Errorf("user agent on %s: got %q", r.Path, r.UserAgent)
		}
	}
}

// ── Terminal failures ────────────────────────────────────────────────────

func TestRegister_bothEndpointsFail(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.Status(http.StatusInternalServerError, "boom"))
	srv.Respond(client.RouteRegisterLegacy, authstub.Status(http.StatusServiceUnavailable, "maintenance"))

	c := newClient(t)
	out, err := c.Register(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if !errors.Is(err, client.ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
	var rej *client.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *RejectionError, got %T", err)
	}
	if rej.StatusCode != http.StatusServiceUnavailable || rej.Body != "maintenance" {
		t.Errorf("rejection should describe the final attempt, got %+v", rej)
	}

	if out == nil || out.Success {
		t.Fatalf("expected failed outcome, got %+v", out)
	}
	if !strings.Contains(out.ErrorMessage, "503") {
		t.Errorf("error message should carry the final status code: %q", out.ErrorMessage)
	}
	if out.SecretKey != "" {
		t.Error("failed outcome must not carry a secret")
	}
	if srv.Hits() != 2 {
		t.Errorf("expected exactly 2 requests, got %d", srv.Hits())
	}
}

func TestRegister_renewalFlowDoesNotFallBack(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRenewKey, authstub.Status(http.StatusBadRequest, "unknown account"))

	c := newClient(t, client.WithFlow(client.RenewalFlow))
	_, err := c.Register(context.Background(), srv.URL)
	if !errors.Is(err, client.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if srv.Hits() != 1 {
		t.Errorf("renewal must not fall back, got %d requests", srv.Hits())
	}
	if p := srv.Paths(); p[0] != client.RouteRenewKey {
		t.Errorf("path: got %s", p[0])
	}
}

func TestRegister_transportErrorFallsBack(t *testing.T) {
	rec := &recorder{script: []func(*http.Request) (*http.Response, error){
		fail(errors.New("connection refused")),
		reply(http.StatusOK, `{"success":true,"uid":"UID-T"}`),
	}}
	c := newClient(t, client.WithHTTPClient(&http.Client{Transport: rec}))

	out, err := c.Register(context.Background(), "wss://sync.example.test")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if out.UID != "UID-T" {
		t.Errorf("uid: got %q", out.UID)
	}
	if n := len(rec.URLs()); n != 2 {
		t.Errorf("expected 2 requests, got %d", n)
	}
}

func TestRegister_transportErrorOnFinalAttempt(t *testing.T) {
	rec := &recorder{script: []func(*http.Request) (*http.Response, error){
		reply(http.StatusInternalServerError, "oops"),
		fail(errors.New("no route to host")),
	}}
	c := newClient(t, client.WithHTTPClient(&http.Client{Transport: rec}))

	out, err := c.Register(context.Background(), "https://sync.example.test")
	if !errors.Is(err, client.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if errors.Is(err, client.ErrCancelled) {
		t.Error("transport failure must not look like cancellation")
	}
	if out.Success || out.ErrorMessage == "" {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if n := len(rec.URLs()); n != 2 {
		t.Errorf("expected 2 requests, got %d", n)
	}
}

func TestRegister_serverDeclined(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent,
		authstub.Status(http.StatusOK, `{"success":false,"errorMessage":"Registrations are closed"}`))

	c := newClient(t)
	out, err := c.Register(context.Background(), srv.URL)
	if !errors.Is(err, client.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if out.ErrorMessage != "Registrations are closed" {
		t.Errorf("error message: got %q", out.ErrorMessage)
	}
	if srv.Hits() != 1 {
		t.Errorf("a 2xx reply ends the exchange, got %d requests", srv.Hits())
	}
}

func TestRegister_malformedResponse(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "<html>ok</html>"},
		{"empty body", ""},
		{"missing uid", `{"success":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := authstub.New(t)
			srv.Respond(client.RouteRegisterCurrent, authstub.Status(http.StatusOK, tc.body))

			c := newClient(t)
			out, err := c.Register(context.Background(), srv.URL)
			if !errors.Is(err, client.ErrMalformedResponse) {
				t.Fatalf("expected ErrMalformedResponse, got %v", err)
			}
			if out.Success {
				t.Error("outcome without uid must not report success")
			}
			if out.ErrorMessage != client.GenericFailureMessage {
				t.Errorf("error message: got %q", out.ErrorMessage)
			}
			if srv.Hits() != 1 {
				t.Errorf("expected 1 request, got %d", srv.Hits())
			}
		})
	}
}

func TestRegister_invalidAddress(t *testing.T) {
	c := newClient(t)
	out, err := c.Register(context.Background(), "ftp://example.test")
	if !errors.Is(err, serveraddr.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if out.Success || out.ErrorMessage == "" {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestRegister_entropyUnavailable(t *testing.T) {
	srv := authstub.New(t)
	c := newClient(t, client.WithSecretSource(brokenEntropy{}))

	_, err := c.Register(context.Background(), srv.URL)
	if !errors.Is(err, secretkey.ErrEntropyUnavailable) {
		t.Fatalf("expected ErrEntropyUnavailable, got %v", err)
	}
	if srv.Hits() != 0 {
		t.Errorf("no request may be sent without a secret, got %d", srv.Hits())
	}
}

// ── Cancellation ─────────────────────────────────────────────────────────

func TestRegister_cancelledBeforeSend(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.OK("UID"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newClient(t)
	out, err := c.Register(ctx, srv.URL)
	if !errors.Is(err, client.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected the context cause to be wrapped, got %v", err)
	}
	if errors.Is(err, client.ErrRejected) {
		t.Error("cancellation must not be reported as a rejection")
	}
	if out.Success || out.ErrorMessage == "" {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if srv.Hits() != 0 {
		t.Errorf("expected zero requests, got %d", srv.Hits())
	}
}

func TestRegister_cancelledBetweenAttempts(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.Status(http.StatusInternalServerError, "boom"))
	srv.Respond(client.RouteRegisterLegacy, authstub.OK("UID"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.OnRequest(func(authstub.Request) { cancel() })

	c := newClient(t)
	_, err := c.Register(ctx, srv.URL)
	if !errors.Is(err, client.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if srv.Hits() != 1 {
		t.Errorf("fallback must not be sent after cancellation, got %d requests", srv.Hits())
	}
}

func TestRegister_rateLimitHonoursDeadline(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.OK("UID"))

	c := newClient(t, client.WithRateLimit(0.01, 1))
	if _, err := c.Register(context.Background(), srv.URL); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Register(ctx, srv.URL)
	if !errors.Is(err, client.ErrCancelled) {
		t.Fatalf("expected ErrCancelled while throttled, got %v", err)
	}
	if srv.Hits() != 1 {
		t.Errorf("throttled call must not reach the server, got %d requests", srv.Hits())
	}
}

// ── Addressing ───────────────────────────────────────────────────────────

func TestRegister_schemeNormalization(t *testing.T) {
	cases := []struct {
		addr string
		want string
	}{
		{"wss://example.test", "https://example.test" + client.RouteRegisterCurrent},
		{"ws://example.test", "http://example.test" + client.RouteRegisterCurrent},
		{"https://example.test", "https://example.test" + client.RouteRegisterCurrent},
	}
	for _, tc := range cases {
		t.Run(tc.addr, func(t *testing.T) {
			rec := &recorder{script: []func(*http.Request) (*http.Response, error){
				reply(http.StatusOK, `{"uid":"UID"}`),
			}}
			c := newClient(t, client.WithHTTPClient(&http.Client{Transport: rec}))
			if _, err := c.Register(context.Background(), tc.addr); err != nil {
				t.Fatalf("Register: %v", err)
			}
			urls := rec.URLs()
			if len(urls) != 1 || urls[0] != tc.want {
				t.Errorf("first request: got %v, want %s", urls, tc.want)
			}
		})
	}
}

func TestRegister_redirectsAreBounded(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Redirect(w, r, r.URL.Path, http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	c := newClient(t)
	_, err := c.Register(context.Background(), srv.URL)
	if !errors.Is(err, client.ErrTransport) {
		t.Fatalf("expected ErrTransport after redirect loop, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	// Two attempts, each: the original request plus five followed hops.
	if want := 2 * (1 + client.DefaultMaxRedirects); hits != want {
		t.Errorf("expected %d requests, got %d", want, hits)
	}
}

func TestRegister_followsRedirect(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond("/moved"+client.RouteRegisterCurrent, authstub.OK("UID-R"))

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/moved"+r.URL.Path, http.StatusPermanentRedirect)
	}))
	defer front.Close()

	c := newClient(t)
	out, err := c.Register(context.Background(), front.URL)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if out.UID != "UID-R" {
		t.Errorf("uid: got %q", out.UID)
	}
	req := srv.Requests()[0]
	if req.Method != http.MethodPost || req.HashedSecretKey == "" {
		t.Errorf("308 must preserve the POST body, got %+v", req)
	}
}

func TestRegisterCurrent(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.OK("UID-C"))

	c := newClient(t, client.WithAddressResolver(staticResolver{addr: srv.URL}))
	out, err := c.RegisterCurrent(context.Background())
	if err != nil {
		t.Fatalf("RegisterCurrent: %v", err)
	}
	if out.UID != "UID-C" {
		t.Errorf("uid: got %q", out.UID)
	}
}

func TestRegisterCurrent_noResolver(t *testing.T) {
	c := newClient(t)
	if _, err := c.RegisterCurrent(context.Background()); !errors.Is(err, client.ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}

	c = newClient(t, client.WithAddressResolver(staticResolver{err: errors.New("no server selected")}))
	if _, err := c.RegisterCurrent(context.Background()); !errors.Is(err, client.ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress from failing resolver, got %v", err)
	}
}

// ── Concurrency & lifetime ───────────────────────────────────────────────

func TestRegister_concurrentCallsAreIndependent(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.OK("UID"))

	c := newClient(t)

	const n = 20
	outs := make([]*client.Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = c.Register(context.Background(), srv.URL)
		}(i)
	}
	wg.Wait()

	secrets := make(map[secretkey.Secret]bool, n)
	fingerprints := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if secrets[outs[i].SecretKey] {
			t.Fatalf("call %d reused a secret", i)
		}
		secrets[outs[i].SecretKey] = true
		fingerprints[string(secretkey.FingerprintOf(outs[i].SecretKey))] = true
	}

	reqs := srv.Requests()
	if len(reqs) != n {
		t.Fatalf("expected %d requests, got %d", n, len(reqs))
	}
	seen := make(map[string]bool, n)
	for _, r := range reqs {
		if !fingerprints[r.HashedSecretKey] {
			t.Errorf("request carried a fingerprint no caller owns: %s", r.HashedSecretKey)
		}
		if seen[r.HashedSecretKey] {
			t.Errorf("fingerprint sent twice: %s", r.HashedSecretKey)
		}
		seen[r.HashedSecretKey] = true
	}
}

func TestClose(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.OK("UID"))

	c, err := client.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	out, err := c.Register(context.Background(), srv.URL)
	if !errors.Is(err, client.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if out == nil || out.Success {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if srv.Hits() != 0 {
		t.Errorf("closed client sent %d requests", srv.Hits())
	}
}

func TestClose_waitsForInflight(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.OK("UID"))

	entered := make(chan struct{})
	release := make(chan struct{})
	srv.OnRequest(func(authstub.Request) {
		close(entered)
		<-release
	})

	c, err := client.New()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Register(context.Background(), srv.URL)
		done <- err
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a registration was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight Register: %v", err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the in-flight call finished")
	}
}

// ── Construction ─────────────────────────────────────────────────────────

func TestNew_rejectsUnusableConfig(t *testing.T) {
	cases := []struct {
		name string
		opts []client.Option
	}{
		{"empty user agent", []client.Option{client.WithUserAgent("  ")}},
		{"flow without routes", []client.Option{client.WithFlow(client.Flow{Name: "none"})}},
		{"empty order", []client.Option{client.WithOrder(client.Order{})}},
		{"negative redirects", []client.Option{client.WithMaxRedirects(-1)}},
		{"nil http client", []client.Option{client.WithHTTPClient(nil)}},
		{"nil secret source", []client.Option{client.WithSecretSource(nil)}},
		{"order misses every route", []client.Option{
			client.WithFlow(client.RenewalFlow),
			client.WithOrder(client.Order{client.VersionLegacy}),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := client.New(tc.opts...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMustNew_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected MustNew to panic on invalid options")
		}
	}()
	client.MustNew(client.WithUserAgent(""))
}

func TestRegister_serverThrottling(t *testing.T) {
	srv := authstub.New(t)
	srv.Respond(client.RouteRegisterCurrent, authstub.OK("UID"))
	srv.Throttle(0.01, 1)

	c := newClient(t)
	if _, err := c.Register(context.Background(), srv.URL); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	_, err := c.Register(context.Background(), srv.URL)
	var rej *client.RejectionError
	if !errors.As(err, &rej) || rej.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 rejection, got %v", err)
	}
	if srv.Throttled() != 2 {
		t.Errorf("expected both attempts of the second call to be throttled, got %d", srv.Throttled())
	}
}
