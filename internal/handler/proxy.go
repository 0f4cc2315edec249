package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"clearml-url-proxy/internal/client"
	"clearml-url-proxy/internal/model"
	"clearml-url-proxy/internal/service"
)

// ProxyHandler relays every non-local request to the file server.
type ProxyHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.RelayService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle relays the request to the file server and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Headers are already sent, so a failure here can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"method", req.Method,
			"path", req.URL.Path,
		)
	}

	return nil
}

// mapError answers a failed relay with a plain-text error. Transport
// failures become 502; a request that could not be built becomes 500.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	req := c.Request()
	h.logger.Error("proxy error",
		"err", err,
		"method", req.Method,
		"path", req.URL.Path,
	)

	status := http.StatusBadGateway
	var reason string

	var dnsErr *net.DNSError
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, client.ErrInvalidRequest):
		status = http.StatusInternalServerError
		reason = "invalid upstream request"
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		reason = "upstream request timed out"
	case errors.Is(err, context.Canceled):
		reason = "client disconnected"
	case errors.As(err, &dnsErr):
		reason = "upstream host unreachable"
	case errors.As(err, &urlErr):
		reason = "upstream connection failed"
	default:
		reason = "upstream request failed"
	}

	service.SetCORSHeaders(c.Response().Header())
	return c.Blob(status, echo.MIMETextPlain, []byte("Proxy error: "+reason+": "+err.Error()))
}
