// Package service implements the core relay logic: path rewriting, target
// URL construction and response header policy.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"clearml-url-proxy/internal/client"
	"clearml-url-proxy/internal/config"
	"clearml-url-proxy/internal/metrics"
	"clearml-url-proxy/internal/model"
	"clearml-url-proxy/internal/rewrite"
)

// CORS values added to every relayed response.
const (
	corsAllowOrigin  = "*"
	corsAllowMethods = "GET, POST, OPTIONS, DELETE, PUT"
	corsAllowHeaders = "DNT,User-Agent,X-Requested-With,If-Modified-Since,Cache-Control,Content-Type,Range,Authorization"
)

// droppedResponseHeaders are hop-by-hop fields never relayed to the caller.
var droppedResponseHeaders = []string{
	"Connection",
	"Transfer-Encoding",
}

// RelayService forwards requests to the file server.
type RelayService struct {
	client  *client.FileserverClient
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL string
}

// NewRelayService creates a RelayService for the configured file server.
// The metrics parameter is optional.
func NewRelayService(c *client.FileserverClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*RelayService, error) {
	base := cfg.Upstream.BaseURL()
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream address %q: %w", base, err)
	}
	if u.Host == "" || u.Path != "" {
		return nil, fmt.Errorf("upstream address %q must be a bare host:port", base)
	}

	return &RelayService{
		client:  c,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
		baseURL: base,
	}, nil
}

// Forward relays a ProxyRequest to the file server and returns the response.
// The caller is responsible for closing the response body.
func (s *RelayService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	path, rewritten := rewrite.Path(pr.Path)
	if rewritten {
		s.logger.Info("url rewritten",
			"from", pr.Path,
			"to", path,
		)
		if s.metrics != nil {
			s.metrics.PathRewrites.Inc()
		}
	}

	target := s.buildTargetURL(path, pr.RawQuery)
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Info("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"target", target,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target, header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildTargetURL joins the file server origin, the re-quoted path and the
// inbound query string. The query is appended verbatim.
func (s *RelayService) buildTargetURL(path, rawQuery string) string {
	target := s.baseURL + rewrite.Requote(path)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// filterRequestHeaders copies the inbound headers. Host is taken from the
// target URL instead.
func (s *RelayService) filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Del("Host")
	return dst
}

func (s *RelayService) filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range droppedResponseHeaders {
		dst.Del(h)
	}
	SetCORSHeaders(dst)
	return dst
}

// SetCORSHeaders sets the permissive CORS headers, replacing any upstream values.
func SetCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", corsAllowOrigin)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
}
