// Package client provides the upstream HTTP client for the file server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"clearml-url-proxy/internal/config"
	"clearml-url-proxy/internal/metrics"
	"clearml-url-proxy/internal/model"
)

// ErrInvalidRequest is returned when the upstream request cannot be built.
var ErrInvalidRequest = errors.New("invalid upstream request")

// FileserverClient sends requests to the upstream file server.
// One instance is shared by all request handlers.
type FileserverClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewFileserverClient creates a FileserverClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// The timeout bounds connection setup, the wait for response headers and
// each stall while reading the response body. A download that keeps making
// progress is never cut off.
func NewFileserverClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *FileserverClient {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		// Bodies are relayed byte for byte; never negotiate gzip on the caller's behalf.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &FileserverClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are relayed to the caller, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
		logger:  logger.With("component", "fileserver_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *FileserverClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"uri", req.URL.RequestURI(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled. contentLength follows http.Request semantics
// (-1 means unknown).
func (c *FileserverClient) DoStream(ctx context.Context, method, target string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if header != nil {
		req.Header = header
	}
	if req.ContentLength == 0 && body != nil && body != http.NoBody {
		req.ContentLength = contentLength
	}

	resp, err := c.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if c.timeout > 0 {
		resp.Body = newStallGuard(resp.Body, c.timeout, cancel)
	} else {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

// stallGuard cancels the upstream request when no body bytes arrive for
// longer than timeout.
type stallGuard struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	once    sync.Once
}

func newStallGuard(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *stallGuard {
	return &stallGuard{
		rc:      rc,
		timeout: timeout,
		timer:   time.AfterFunc(timeout, cancel),
		cancel:  cancel,
	}
}

func (g *stallGuard) Read(p []byte) (int, error) {
	n, err := g.rc.Read(p)
	if n > 0 {
		g.timer.Reset(g.timeout)
	}
	return n, err
}

func (g *stallGuard) Close() error {
	err := g.rc.Close()
	g.once.Do(func() {
		g.timer.Stop()
		g.cancel()
	})
	return err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
