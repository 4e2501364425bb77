package httpapi

import (
	"net/http"

	"github.com/flowforge/runner/internal/auth"
	"github.com/flowforge/runner/internal/logging"
	"github.com/flowforge/runner/internal/observability"
)

// ServerConfig bundles Handler's dependencies plus the optional
// authenticator for StartHTTPServer's middleware stack.
type ServerConfig struct {
	Handler        *Handler
	Authenticators []auth.Authenticator
	PublicPaths    []string
}

// defaultPublicPaths never require authentication even when an
// authenticator is configured: health checks, webhook deliveries
// (verified by their own HMAC signature instead), and metric scrapes.
var defaultPublicPaths = []string{"/health", "/webhooks/github", "/metrics"}

// StartHTTPServer builds the routed, middleware-wrapped handler and
// starts listening on addr. Mirrors the teacher's StartHTTPServer:
// tracing middleware outermost, then auth, trimmed of the tenant-scope/
// authz/gateway/rate-limit layers spec.md's control surface doesn't name.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()
	cfg.Handler.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)

	if len(cfg.Authenticators) > 0 {
		publicPaths := cfg.PublicPaths
		if publicPaths == nil {
			publicPaths = defaultPublicPaths
		}
		handler = auth.Middleware(cfg.Authenticators, publicPaths)(handler)
	}

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
