// Package authstub is a programmable stand-in for a sync server's auth routes.
// Tests queue responses per path and inspect the requests the client sent.
package authstub

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// Response is one canned reply.
type Response struct {
	Status int
	Body   string
}

// Request is what the stub saw on the wire.
type Request struct {
	Method          string
	Path            string
	ContentType     string
	HashedSecretKey string
	UserAgent       string
	RequestID       string
}

// OK returns a 200 reply carrying a new account UID.
func OK(uid string) Response {
	return Response{Status: http.StatusOK, Body: `{"success":true,"uid":"` + uid + `"}`}
}

// Status returns a reply with the given code and raw body.
func Status(code int, body string) Response {
	return Response{Status: code, Body: body}
}

// Server wraps an httptest.Server running a gin router.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	responses map[string][]Response
	requests  []Request
	hook      func(Request)
	hits      atomic.Int64
	throttled atomic.Int64

	// per client IP; nil disables throttling
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New starts a stub server that is closed when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{responses: make(map[string][]Response)}
	r := gin.New()
	r.Use(s.record, s.rateLimit)
	r.Any("/*path", s.respond)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Respond queues replies for path. Replies are consumed in order and the
// last one repeats once the queue is down to it.
func (s *Server) Respond(path string, rs ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[path] = append(s.responses[path], rs...)
}

// OnRequest installs fn to run before each reply is written.
func (s *Server) OnRequest(fn func(Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Requests returns a copy of every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Paths returns the request paths in arrival order.
func (s *Server) Paths() []string {
	reqs := s.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Path
	}
	return out
}

// Hits returns the number of requests received, throttled ones included.
func (s *Server) Hits() int64 {
	return s.hits.Load()
}

// Throttled returns the number of requests answered with 429.
func (s *Server) Throttled() int64 {
	return s.throttled.Load()
}

// Throttle enforces a per-client-IP token bucket of rps requests per second
// with the given burst. Requests over the limit get 429 with Retry-After
// and never reach the queued replies or the OnRequest hook.
func (s *Server) Throttle(rps float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters = make(map[string]*rate.Limiter)
	s.rps = rate.Limit(rps)
	s.burst = burst
}

func (s *Server) rateLimit(c *gin.Context) {
	s.mu.Lock()
	if s.limiters == nil {
		s.mu.Unlock()
		c.Next()
		return
	}
	ip := c.ClientIP()
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[ip] = l
	}
	s.mu.Unlock()

	if !l.Allow() {
		s.throttled.Inc()
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
		})
		return
	}
	c.Next()
}

func (s *Server) record(c *gin.Context) {
	s.hits.Inc()

	req := Request{
		Method:          c.Request.Method,
		Path:            c.Request.URL.Path,
		ContentType:     c.ContentType(),
		HashedSecretKey: c.PostForm("hashedSecretKey"),
		UserAgent:       c.Request.UserAgent(),
		RequestID:       c.GetHeader("X-Request-ID"),
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	c.Set(requestKey, req)
	c.Next()
}

const requestKey = "authstub.request"

func (s *Server) respond(c *gin.Context) {
	req := c.MustGet(requestKey).(Request)

	s.mu.Lock()
	hook := s.hook
	resp := Response{Status: http.StatusNotFound, Body: "no route"}
	if queue := s.responses[req.Path]; len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			s.responses[req.Path] = queue[1:]
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	contentType := "text/plain; charset=utf-8"
	if len(resp.Body) > 0 && (resp.Body[0] == '{' || resp.Body[0] == '[') {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(resp.Status, contentType, []byte(resp.Body))
}
