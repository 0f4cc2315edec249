package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ServiceName identifies this proxy in health responses.
const ServiceName = "clearml-url-proxy"

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(v Version) *HealthHandler {
	return &HealthHandler{version: v}
}

// Health reports that the service is up. It never contacts the file server.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
		"version": string(h.version),
	})
}
