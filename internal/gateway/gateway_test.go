package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktmed/medessencev2-sub005/internal/audit"
	"github.com/ktmed/medessencev2-sub005/internal/breaker"
	"github.com/ktmed/medessencev2-sub005/internal/permissions"
	"github.com/ktmed/medessencev2-sub005/internal/ratelimit"
	"github.com/ktmed/medessencev2-sub005/internal/tokens"
	"github.com/ktmed/medessencev2-sub005/pkg/config"
	"github.com/ktmed/medessencev2-sub005/pkg/logger"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		JWT: config.JWTConfig{
			SecretKey: "test-secret-key-not-for-production",
			Issuer:    "medessence-gateway",
			Audience:  "medessence-api",
		},
		Tokens: config.TokenConfig{
			SessionTTL:        3600,
			RefreshTTL:        86400,
			AccessTTL:         300,
			InactivityCeiling: 1800,
			MaxFailedLogins:   5,
			LockoutMinutes:    15,
		},
		RateLimit: config.RateLimitConfig{
			Enabled:       true,
			WindowSeconds: 900,
			MaxRequests:   1000,
			RetentionMins: 60,
			FailurePolicy: "open",
			Routes: map[string]config.RouteLimit{
				"/auth/login": {WindowSeconds: 900, MaxRequests: 5, FailurePolicy: "closed"},
			},
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 2,
			TimeoutMs:        2000,
			ResetTimeoutMs:   60000,
		},
		Audit:    config.AuditConfig{RetentionDays: 365},
		Services: map[string]config.ServiceConfig{},
	}
}

type gatewayFixture struct {
	svc        *Service
	users      *tokens.MemoryUserStore
	auditStore *audit.MemoryStore
	grants     *permissions.MemoryStore
}

func newGatewayFixture(t *testing.T, cfg *config.Config) *gatewayFixture {
	t.Helper()
	log := logger.New("error")

	users := tokens.NewMemoryUserStore()
	auditStore := audit.NewMemoryStore()
	recorder := audit.NewRecorder(auditStore, log)
	grants := permissions.NewMemoryStore()

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), cfg, log)
	brk := breaker.New(breaker.NewMemoryStore(), cfg, log)
	tokenSvc := tokens.NewService(cfg, log, users,
		tokens.NewMemorySessionStore(), tokens.NewMemoryRefreshTokenStore(),
		recorder, tokens.BcryptVerifier{})
	evaluator := permissions.NewEvaluator(grants, recorder, log)

	svc, err := NewService(cfg, limiter, tokenSvc, evaluator, brk, recorder, log)
	require.NoError(t, err)

	return &gatewayFixture{svc: svc, users: users, auditStore: auditStore, grants: grants}
}

func (f *gatewayFixture) addUser(t *testing.T, username string, role types.UserRole) *types.User {
	t.Helper()
	hash, err := tokens.HashPassword("correct-horse")
	require.NoError(t, err)
	user := &types.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        username + "@example.org",
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		IsVerified:   true,
	}
	f.users.Put(user)
	return user
}

func (f *gatewayFixture) do(method, path, ip, bearer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Forwarded-For", ip)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.svc.Router().ServeHTTP(rec, req)
	return rec
}

func (f *gatewayFixture) login(t *testing.T, username, ip string) *types.AuthToken {
	t.Helper()
	rec := f.do(http.MethodPost, "/auth/login", ip, "", map[string]string{
		"username": username,
		"password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token types.AuthToken `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp.Token
}

func TestGateway_HealthIsPublic(t *testing.T) {
	f := newGatewayFixture(t, testConfig())

	rec := f.do(http.MethodGet, "/health", "10.0.0.1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestGateway_LoginFlow(t *testing.T) {
	f := newGatewayFixture(t, testConfig())
	f.addUser(t, "dr.sato", types.RolePhysician)

	t.Run("valid credentials return a token pair", func(t *testing.T) {
		auth := f.login(t, "dr.sato", "10.0.0.1")
		assert.NotEmpty(t, auth.AccessToken)
		assert.NotEmpty(t, auth.RefreshToken)
	})

	t.Run("login response carries the role baseline", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/auth/login", "10.0.0.1", "", map[string]string{
			"username": "dr.sato",
			"password": "correct-horse",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp struct {
			User struct {
				Role        types.UserRole     `json:"role"`
				Permissions []types.Permission `json:"permissions"`
			} `json:"user"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, types.RolePhysician, resp.User.Role)
		assert.ElementsMatch(t, permissions.RoleBaseline(types.RolePhysician), resp.User.Permissions)
	})

	t.Run("bad credentials are a 401", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/auth/login", "10.0.0.1", "", map[string]string{
			"username": "dr.sato",
			"password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing body is a 400", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/auth/login", "10.0.0.1", "", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGateway_LoginRateLimit(t *testing.T) {
	f := newGatewayFixture(t, testConfig())

	body := map[string]string{"username": "ghost", "password": "wrong"}
	for i := 0; i < 5; i++ {
		rec := f.do(http.MethodPost, "/auth/login", "203.0.113.7", "", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d still reaches authentication", i+1)
	}

	rec := f.do(http.MethodPost, "/auth/login", "203.0.113.7", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	t.Run("another address is unaffected", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/auth/login", "203.0.113.8", "", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("the block leaves an audit entry", func(t *testing.T) {
		entries, err := f.auditStore.List(context.Background(), audit.Filter{Action: types.AuditRateLimitExceeded})
		require.NoError(t, err)
		assert.NotEmpty(t, entries)
	})
}

func TestGateway_ProxyPipeline(t *testing.T) {
	var backendHits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits.Add(1)
		w.Header().Set("X-Backend", "reports")
		fmt.Fprint(w, `{"reports":[]}`)
	}))
	defer backend.Close()

	f := newGatewayFixture(t, testConfig())
	require.NoError(t, f.svc.RegisterService(context.Background(), "reports", backend.URL))

	f.addUser(t, "dr.sato", types.RolePhysician)
	f.addUser(t, "tech.ono", types.RoleTechnician)

	t.Run("without a token the proxy is unreachable", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/reports", "10.0.0.1", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, backendHits.Load())
	})

	t.Run("a permitted role is proxied through", func(t *testing.T) {
		auth := f.login(t, "dr.sato", "10.0.0.1")
		rec := f.do(http.MethodGet, "/api/v1/reports/123", "10.0.0.1", auth.AccessToken, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "reports", rec.Header().Get("X-Backend"))
		assert.Contains(t, rec.Body.String(), "reports")
		assert.Equal(t, int64(1), backendHits.Load())
	})

	t.Run("a role without the permission is denied before the proxy", func(t *testing.T) {
		auth := f.login(t, "tech.ono", "10.0.0.2")
		rec := f.do(http.MethodGet, "/api/v1/reports", "10.0.0.2", auth.AccessToken, nil)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, int64(1), backendHits.Load(), "the backend never sees the denied request")
	})

	t.Run("an unregistered service is a 404", func(t *testing.T) {
		auth := f.login(t, "dr.sato", "10.0.0.1")
		rec := f.do(http.MethodGet, "/api/v1/imaging", "10.0.0.1", auth.AccessToken, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGateway_BreakerGuardsProxy(t *testing.T) {
	var backendHits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	f := newGatewayFixture(t, testConfig())
	require.NoError(t, f.svc.RegisterService(context.Background(), "reports", backend.URL))
	f.addUser(t, "dr.sato", types.RolePhysician)
	auth := f.login(t, "dr.sato", "10.0.0.1")

	// Two downstream failures trip the circuit at the configured
	// threshold.
	for i := 0; i < 2; i++ {
		rec := f.do(http.MethodGet, "/api/v1/reports", "10.0.0.1", auth.AccessToken, nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}
	require.Equal(t, int64(2), backendHits.Load())

	// Open circuit: the next call fails fast without touching the
	// backend and carries a retry hint.
	rec := f.do(http.MethodGet, "/api/v1/reports", "10.0.0.1", auth.AccessToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(2), backendHits.Load())

	t.Run("the trip leaves an audit entry", func(t *testing.T) {
		entries, err := f.auditStore.List(context.Background(), audit.Filter{Action: types.AuditCircuitOpened})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestGateway_RefreshAndLogout(t *testing.T) {
	f := newGatewayFixture(t, testConfig())
	f.addUser(t, "dr.sato", types.RolePhysician)
	auth := f.login(t, "dr.sato", "10.0.0.1")

	t.Run("refresh rotates the pair", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/auth/refresh", "10.0.0.1", "", map[string]string{
			"refresh_token": auth.RefreshToken,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Token types.AuthToken `json:"token"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEqual(t, auth.RefreshToken, resp.Token.RefreshToken)

		t.Run("replaying the old token is rejected as reuse", func(t *testing.T) {
			rec := f.do(http.MethodPost, "/auth/refresh", "10.0.0.1", "", map[string]string{
				"refresh_token": auth.RefreshToken,
			})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			entries, err := f.auditStore.List(context.Background(), audit.Filter{Action: types.AuditTokenReuse})
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	})

	t.Run("logout invalidates the session", func(t *testing.T) {
		f2 := newGatewayFixture(t, testConfig())
		f2.addUser(t, "dr.sato", types.RolePhysician)
		auth2 := f2.login(t, "dr.sato", "10.0.0.1")

		rec := f2.do(http.MethodPost, "/auth/logout", "10.0.0.1", auth2.AccessToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f2.do(http.MethodPost, "/auth/logout", "10.0.0.1", auth2.AccessToken, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestGateway_AdminSurface(t *testing.T) {
	f := newGatewayFixture(t, testConfig())
	f.addUser(t, "admin.abe", types.RoleAdmin)
	f.addUser(t, "dr.sato", types.RolePhysician)

	adminAuth := f.login(t, "admin.abe", "10.0.0.1")
	physAuth := f.login(t, "dr.sato", "10.0.0.2")

	t.Run("service registry requires SERVICE_MANAGE", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/admin/services/reports", "10.0.0.2", physAuth.AccessToken,
			map[string]string{"url": "http://127.0.0.1:9999"})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = f.do(http.MethodPut, "/admin/services/reports", "10.0.0.1", adminAuth.AccessToken,
			map[string]string{"url": "http://127.0.0.1:9999"})
		assert.Equal(t, http.StatusCreated, rec.Code)

		rec = f.do(http.MethodGet, "/admin/services", "10.0.0.1", adminAuth.AccessToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "reports")

		rec = f.do(http.MethodDelete, "/admin/services/reports", "10.0.0.1", adminAuth.AccessToken, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("audit review workflow", func(t *testing.T) {
		// The physician's denial above is awaiting review.
		rec := f.do(http.MethodGet, "/admin/audit?review_required=true", "10.0.0.1", adminAuth.AccessToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Entries []*types.AuditLogEntry `json:"entries"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.Entries)

		rec = f.do(http.MethodPost, "/admin/audit/"+resp.Entries[0].ID+"/review", "10.0.0.1", adminAuth.AccessToken, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("permission grants via the API", func(t *testing.T) {
		target := f.addUser(t, "res.kato", types.RoleResident)

		rec := f.do(http.MethodPost, "/admin/permissions", "10.0.0.1", adminAuth.AccessToken, map[string]interface{}{
			"user_id":    target.ID,
			"permission": string(types.PermReportApprove),
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var grant types.UserPermission
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grant))
		assert.Equal(t, target.ID, grant.UserID)

		rec = f.do(http.MethodGet, "/admin/users/"+target.ID+"/permissions", "10.0.0.1", adminAuth.AccessToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "REPORT_APPROVE")

		rec = f.do(http.MethodDelete, "/admin/permissions/"+grant.ID, "10.0.0.1", adminAuth.AccessToken, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestGateway_MetricsEndpoint(t *testing.T) {
	f := newGatewayFixture(t, testConfig())

	f.do(http.MethodGet, "/health", "10.0.0.1", "", nil)
	rec := f.do(http.MethodGet, "/metrics", "10.0.0.1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_requests_total")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/v1/reports", routeLabel("/api/v1/reports/123/approve"))
	assert.Equal(t, "/api/v1/reports", routeLabel("/api/v1/reports"))
	assert.Equal(t, "/admin/services", routeLabel("/admin/services/reports"))
	assert.Equal(t, "/auth/login", routeLabel("/auth/login"))
}

func TestPermissionFor(t *testing.T) {
	cases := []struct {
		service string
		method  string
		rest    string
		want    types.Permission
		ok      bool
	}{
		{"reports", http.MethodGet, "/123", types.PermReportRead, true},
		{"reports", http.MethodPost, "/", types.PermReportGenerate, true},
		{"reports", http.MethodPost, "/123/approve", types.PermReportApprove, true},
		{"reports", http.MethodGet, "/export/csv", types.PermDataExport, true},
		{"transcriptions", http.MethodPost, "/", types.PermTranscriptionCreate, true},
		{"summaries", http.MethodPost, "/", types.PermSummaryGenerate, true},
		{"unknown", http.MethodGet, "/", "", false},
		{"reports", http.MethodPatch, "/", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.service+" "+tc.method+tc.rest, func(t *testing.T) {
			perm, ok := permissionFor(tc.service, tc.method, tc.rest)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, perm)
			}
		})
	}
}
