package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/ktmed/medessencev2-sub005/internal/audit"
	"github.com/ktmed/medessencev2-sub005/internal/breaker"
	"github.com/ktmed/medessencev2-sub005/internal/permissions"
	"github.com/ktmed/medessencev2-sub005/internal/ratelimit"
	"github.com/ktmed/medessencev2-sub005/internal/tokens"
	"github.com/ktmed/medessencev2-sub005/pkg/config"
	"github.com/ktmed/medessencev2-sub005/pkg/logger"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// Service is the API gateway: every inbound request passes through
// rate limiting, session validation, permission evaluation, and a
// breaker-guarded proxy to the downstream service, and leaves an audit
// trail behind it.
type Service struct {
	cfg       *config.Config
	router    *mux.Router
	server    *http.Server
	limiter   *ratelimit.Limiter
	tokens    *tokens.Service
	evaluator *permissions.Evaluator
	breaker   *breaker.Breaker
	audit     *audit.Recorder
	metrics   *Metrics
	logger    *logger.Logger

	servicesMux sync.RWMutex
	services    map[string]*url.URL

	startTime time.Time
}

// NewService wires the gateway pipeline together
func NewService(cfg *config.Config, limiter *ratelimit.Limiter, tokenSvc *tokens.Service, evaluator *permissions.Evaluator, brk *breaker.Breaker, recorder *audit.Recorder, log *logger.Logger) (*Service, error) {
	s := &Service{
		cfg:       cfg,
		router:    mux.NewRouter(),
		limiter:   limiter,
		tokens:    tokenSvc,
		evaluator: evaluator,
		breaker:   brk,
		audit:     recorder,
		metrics:   NewMetrics(),
		logger:    log,
		services:  make(map[string]*url.URL),
		startTime: time.Now(),
	}

	for name, svc := range cfg.Services {
		if err := s.registerService(context.Background(), name, svc.URL); err != nil {
			return nil, fmt.Errorf("failed to register service %s: %w", name, err)
		}
	}

	// Trips surfaced through the breaker land in the audit trail.
	brk.OnOpen(func(serviceName string, st *types.CircuitBreakerState) {
		s.metrics.SetBreakerState(serviceName, st.State)
		recorder.Record(context.Background(), audit.Event{
			UserID:     "system",
			Action:     types.AuditCircuitOpened,
			Resource:   "service",
			ResourceID: serviceName,
			Metadata: map[string]interface{}{
				"failure_count": st.FailureCount,
				"next_attempt":  st.NextAttempt,
			},
		})
	})

	s.setupRoutes()
	s.setupMiddleware()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
	return s, nil
}

// Router exposes the handler tree, for tests
func (s *Service) Router() http.Handler {
	return s.router
}

// Start begins serving. It blocks until the server stops.
func (s *Service) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting API gateway")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping API gateway")
	return s.server.Shutdown(ctx)
}

// RegisterService adds or replaces a downstream service route and
// ensures its breaker row exists
func (s *Service) RegisterService(ctx context.Context, name, serviceURL string) error {
	return s.registerService(ctx, name, serviceURL)
}

func (s *Service) registerService(ctx context.Context, name, serviceURL string) error {
	parsed, err := url.Parse(serviceURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return types.NewValidationError("INVALID_SERVICE_URL", "Service URL must be absolute")
	}

	if err := s.breaker.Register(ctx, name); err != nil {
		return err
	}

	s.servicesMux.Lock()
	s.services[name] = parsed
	s.servicesMux.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"service": name,
		"url":     serviceURL,
	}).Info("Registered downstream service")
	return nil
}

// UnregisterService removes a downstream service route. The breaker
// row stays behind so its history survives re-registration.
func (s *Service) UnregisterService(name string) error {
	s.servicesMux.Lock()
	_, exists := s.services[name]
	delete(s.services, name)
	s.servicesMux.Unlock()

	if !exists {
		return types.NewNotFoundError("SERVICE_NOT_FOUND", "Service is not registered")
	}
	s.logger.WithField("service", name).Info("Unregistered downstream service")
	return nil
}

// ServiceNames returns the registered downstream services, sorted
func (s *Service) ServiceNames() []string {
	s.servicesMux.RLock()
	defer s.servicesMux.RUnlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) serviceURL(name string) (*url.URL, bool) {
	s.servicesMux.RLock()
	defer s.servicesMux.RUnlock()
	u, ok := s.services[name]
	return u, ok
}

func (s *Service) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/health/detailed", s.handleDetailedHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	s.router.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	s.router.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")
	s.router.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/services", s.handleListServices).Methods("GET")
	admin.HandleFunc("/services/{name}", s.handleRegisterService).Methods("PUT")
	admin.HandleFunc("/services/{name}", s.handleUnregisterService).Methods("DELETE")
	admin.HandleFunc("/audit", s.handleListAudit).Methods("GET")
	admin.HandleFunc("/audit/{id}/review", s.handleReviewAudit).Methods("POST")
	admin.HandleFunc("/permissions", s.handleGrantPermission).Methods("POST")
	admin.HandleFunc("/permissions/{id}", s.handleRevokePermission).Methods("DELETE")
	admin.HandleFunc("/users/{id}/permissions", s.handleListPermissions).Methods("GET")

	s.router.PathPrefix("/api/v1/").HandlerFunc(s.handleProxy)
}

func (s *Service) setupMiddleware() {
	s.router.Use(s.securityHeadersMiddleware)
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.rateLimitMiddleware)
	s.router.Use(s.authMiddleware)
}
