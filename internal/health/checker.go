// Package health probes whether configured sync servers are reachable.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jmerrifield20/keyprov/internal/servers"
	"github.com/jmerrifield20/keyprov/pkg/serveraddr"
	"go.uber.org/zap"
)

// Config holds probe configuration.
type Config struct {
	ProbeTimeout time.Duration
	Concurrency  int
}

// Result is the outcome of probing one server.
type Result struct {
	Server     string
	URL        string
	Reachable  bool
	StatusCode int
	Latency    time.Duration
	Err        error
}

// Checker probes server base URLs.
type Checker struct {
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
}

// New creates a Checker. Zero Config fields get defaults.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		logger:     logger,
	}
}

// CheckAll probes every server with bounded concurrency. Results are in the
// order of list.
func (h *Checker) CheckAll(ctx context.Context, list []servers.Server) []Result {
	results := make([]Result, len(list))
	sem := make(chan struct{}, h.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, s := range list {
		wg.Add(1)
		go func(i int, s servers.Server) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = h.Check(ctx, s)
		}(i, s)
	}

	wg.Wait()
	return results
}

// Check probes one server's base URL.
func (h *Checker) Check(ctx context.Context, s servers.Server) Result {
	res := Result{Server: s.Name}
	base, err := serveraddr.Normalize(s.APIURL)
	if err != nil {
		res.Err = err
		return res
	}
	res.URL = base.String()

	start := time.Now()
	res.StatusCode, res.Err = h.probeEndpoint(ctx, res.URL)
	res.Latency = time.Since(start)
	// Anything below 500 means an HTTP server answered; the base path itself
	// need not exist.
	res.Reachable = res.Err == nil && res.StatusCode < 500

	if res.Reachable {
		h.logger.Debug("health: reachable", zap.String("server", s.Name), zap.Int("status", res.StatusCode))
	} else {
		h.logger.Warn("health: unreachable",
			zap.String("server", s.Name),
			zap.Int("status", res.StatusCode),
			zap.Error(res.Err),
		)
	}
	return res
}

// probeEndpoint attempts HEAD then GET and returns the last status code.
func (h *Checker) probeEndpoint(ctx context.Context, endpoint string) (int, error) {
	status, err := h.do(ctx, http.MethodHead, endpoint)
	if err == nil && status < 500 && status != http.StatusMethodNotAllowed {
		return status, nil
	}
	return h.do(ctx, http.MethodGet, endpoint)
}

func (h *Checker) do(ctx context.Context, method, endpoint string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", method, err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
