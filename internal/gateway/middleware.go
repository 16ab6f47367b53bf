package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ktmed/medessencev2-sub005/internal/audit"
	"github.com/ktmed/medessencev2-sub005/internal/tokens"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// auditEvent aliases the recorder's event shape for the handlers
type auditEvent = audit.Event

type contextKey string

const (
	userContextKey    contextKey = "gateway.user"
	sessionContextKey contextKey = "gateway.session"
)

// userFromContext returns the authenticated user, or nil on public
// routes
func userFromContext(ctx context.Context) *types.User {
	user, _ := ctx.Value(userContextKey).(*types.User)
	return user
}

func sessionFromContext(ctx context.Context) *types.Session {
	session, _ := ctx.Value(sessionContextKey).(*types.Session)
	return session
}

// publicPath reports whether the route is reachable without a session
func publicPath(path string) bool {
	switch path {
	case "/health", "/health/detailed", "/metrics", "/auth/login", "/auth/refresh":
		return true
	}
	return false
}

// exemptFromRateLimit reports whether the route bypasses the limiter.
// Probes and metric scrapes never count against a client's budget.
func exemptFromRateLimit(path string) bool {
	switch path {
	case "/health", "/health/detailed", "/metrics":
		return true
	}
	return false
}

func (s *Service) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

func (s *Service) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		s.metrics.ObserveRequest(r.Method, routeLabel(r.URL.Path), recorder.status, time.Since(start))
	})
}

func (s *Service) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		s.logger.HTTPRequest(r.Method, r.URL.Path, r.UserAgent(), clientIP(r), recorder.status, time.Since(start).Milliseconds())
	})
}

// rateLimitMiddleware runs before authentication so that abusive
// clients are turned away without spending a token lookup on them. The
// identifier is the client address; login storms from one host count
// against one budget.
func (s *Service) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptFromRateLimit(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		decision, err := s.limiter.Check(r.Context(), ip, routeLabel(r.URL.Path))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !decision.Allowed {
			s.metrics.RateLimitBlocked()
			s.audit.Record(r.Context(), auditEventFor(r, "", types.AuditRateLimitExceeded, "route", routeLabel(r.URL.Path)))
			s.writeError(w, r, types.NewRateLimitedError(decision.RetryAfterSeconds))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the bearer token to a user and session and
// stores both on the request context
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			s.audit.Record(r.Context(), auditEventFor(r, "", types.AuditUnauthorizedAccess, "route", routeLabel(r.URL.Path)))
			s.writeError(w, r, types.NewAuthenticationError("MISSING_TOKEN", "Authorization header is required"))
			return
		}

		user, session, err := s.tokens.ValidateSession(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		ctx = context.WithValue(ctx, sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// clientIP prefers the first forwarded address so that clients behind
// the load balancer are distinguished from each other
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// routeLabel collapses a request path to its route key so per-route
// limits and metrics stay low-cardinality. Proxied paths collapse to
// /api/v1/{service}.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/v1/") {
		rest := strings.TrimPrefix(path, "/api/v1/")
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx]
		}
		return "/api/v1/" + rest
	}
	if strings.HasPrefix(path, "/admin/") {
		parts := strings.Split(strings.TrimPrefix(path, "/admin/"), "/")
		return "/admin/" + parts[0]
	}
	return path
}

func (s *Service) requestMeta(r *http.Request) tokens.RequestMeta {
	return tokens.RequestMeta{
		DeviceID:  r.Header.Get("X-Device-ID"),
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func auditEventFor(r *http.Request, userID string, action types.AuditAction, resource, resourceID string) auditEvent {
	return auditEvent{
		UserID:     userID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	}
}

// statusRecorder captures the response status for logs and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
