package api

import (
	"context"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/enginekit/substrate/pkg/identity"
	"github.com/enginekit/substrate/pkg/metrics"
	"github.com/enginekit/substrate/pkg/models"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requestDeadline bounds every request context with the configured timeout,
// so a stuck backend surfaces as request.request_timeout instead of hanging
// the client. The streaming endpoints are exempt: SSE and WebSocket
// connections live until the client leaves.
func requestDeadline(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if timeout <= 0 || streamingRequest(c.Request().URL.Path) {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// streamingRequest reports whether the path serves a long-lived connection.
func streamingRequest(path string) bool {
	return strings.HasPrefix(path, "/api/v1/sse/") ||
		path == "/api/v1/ws" ||
		strings.HasPrefix(path, "/api/v1/ws/")
}

// identityContext resolves the RequestContext at the boundary and attaches
// it to the request context. A request that cannot be resolved never reaches
// a handler.
func identityContext(resolver *identity.Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			rc, err := resolver.Resolve(c.Request())
			if err != nil {
				if derr, ok := models.AsDomainError(err); ok {
					metrics.ContextRejections.WithLabelValues(derr.Code).Inc()
				}
				return err
			}

			c.Response().Header().Set(identity.HeaderRequestID, rc.RequestID)
			ctx := identity.WithRequestContext(c.Request().Context(), rc)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// requestContext pulls the resolved RequestContext out of an echo context.
// The identity middleware guarantees presence on scoped routes.
func requestContext(c *echo.Context) (*identity.RequestContext, error) {
	rc, ok := identity.FromContext(c.Request().Context())
	if !ok {
		return nil, models.ErrModeRequired("")
	}
	return rc, nil
}
