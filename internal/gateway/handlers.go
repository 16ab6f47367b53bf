package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ktmed/medessencev2-sub005/internal/audit"
	"github.com/ktmed/medessencev2-sub005/internal/permissions"
	"github.com/ktmed/medessencev2-sub005/internal/tokens"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

func (s *Service) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// writeError renders a pipeline error with its HTTP status and retry
// hint. Unknown errors are masked as internal.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *types.GatewayError
	if !errors.As(err, &gwErr) {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Unhandled gateway error")
		gwErr = types.NewInternalError("INTERNAL_ERROR", "An internal error occurred", err)
	}

	if gwErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(gwErr.RetryAfterSeconds, 10))
	}
	s.writeJSON(w, gwErr.HTTPStatus(), map[string]interface{}{
		"error": gwErr,
	})
}

// handleHealth is the liveness probe
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
	})
}

// handleDetailedHealth reports the breaker fleet and limiter counters
// alongside liveness
func (s *Service) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	states, err := s.breaker.States(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	breakers := make(map[string]interface{}, len(states))
	degraded := false
	for _, st := range states {
		if st.State != types.CircuitClosed {
			degraded = true
		}
		breakers[st.ServiceName] = map[string]interface{}{
			"state":         st.State,
			"failure_count": st.FailureCount,
			"next_attempt":  st.NextAttempt,
		}
	}

	status := "healthy"
	if degraded {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               status,
		"timestamp":            time.Now().UTC(),
		"uptime":               time.Since(s.startTime).String(),
		"services":             s.ServiceNames(),
		"circuit_breakers":     breakers,
		"rate_limit_blocked":   s.limiter.BlockedTotal(),
		"audit_write_failures": s.audit.WriteFailures(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, types.NewValidationError("INVALID_BODY", "Request body must be valid JSON"))
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, r, types.NewValidationError("MISSING_CREDENTIALS", "Username and password are required"))
		return
	}

	auth, user, err := s.tokens.Login(r.Context(), types.Credentials{
		Username: req.Username,
		Password: req.Password,
	}, s.requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": auth,
		"user": map[string]interface{}{
			"id":          user.ID,
			"username":    user.Username,
			"role":        user.Role,
			"permissions": permissions.RoleBaseline(user.Role),
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		s.writeError(w, r, types.NewValidationError("MISSING_REFRESH_TOKEN", "A refresh token is required"))
		return
	}

	auth, err := s.tokens.Refresh(r.Context(), req.RefreshToken, s.requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"token": auth})
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	user := userFromContext(r.Context())
	if session == nil || user == nil {
		s.writeError(w, r, types.NewAuthenticationError("MISSING_TOKEN", "Authorization header is required"))
		return
	}

	if err := s.tokens.TerminateByID(r.Context(), session.ID, user.ID, tokens.ReasonLogout); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "logged out"})
}

// requireAdminPermission gates the /admin surface
func (s *Service) requireAdminPermission(w http.ResponseWriter, r *http.Request, perm types.Permission) *types.User {
	user := userFromContext(r.Context())
	if user == nil {
		s.writeError(w, r, types.NewAuthenticationError("MISSING_TOKEN", "Authorization header is required"))
		return nil
	}
	if err := s.evaluator.Authorize(r.Context(), user, permissions.Request{
		Permission: perm,
		Resource:   "gateway",
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	}); err != nil {
		s.writeError(w, r, err)
		return nil
	}
	return user
}

func (s *Service) handleListServices(w http.ResponseWriter, r *http.Request) {
	if s.requireAdminPermission(w, r, types.PermServiceManage) == nil {
		return
	}

	states, err := s.breaker.States(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	byName := make(map[string]*types.CircuitBreakerState, len(states))
	for _, st := range states {
		byName[st.ServiceName] = st
	}

	var out []map[string]interface{}
	for _, name := range s.ServiceNames() {
		entry := map[string]interface{}{"name": name}
		if u, ok := s.serviceURL(name); ok {
			entry["url"] = u.String()
		}
		if st, ok := byName[name]; ok {
			entry["circuit_state"] = st.State
			entry["failure_count"] = st.FailureCount
		}
		out = append(out, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"services": out})
}

type registerServiceRequest struct {
	URL string `json:"url"`
}

func (s *Service) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	if s.requireAdminPermission(w, r, types.PermServiceManage) == nil {
		return
	}

	name := mux.Vars(r)["name"]
	var req registerServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.writeError(w, r, types.NewValidationError("MISSING_URL", "A service URL is required"))
		return
	}

	if err := s.RegisterService(r.Context(), name, req.URL); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"name": name, "url": req.URL})
}

func (s *Service) handleUnregisterService(w http.ResponseWriter, r *http.Request) {
	if s.requireAdminPermission(w, r, types.PermServiceManage) == nil {
		return
	}

	if err := s.UnregisterService(mux.Vars(r)["name"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.requireAdminPermission(w, r, types.PermAuditReview) == nil {
		return
	}

	filter := audit.Filter{
		UserID:   r.URL.Query().Get("user_id"),
		Action:   types.AuditAction(r.URL.Query().Get("action")),
		Resource: r.URL.Query().Get("resource"),
	}
	if v := r.URL.Query().Get("review_required"); v != "" {
		required := v == "true"
		filter.ReviewRequired = &required
	}

	entries, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Service) handleReviewAudit(w http.ResponseWriter, r *http.Request) {
	reviewer := s.requireAdminPermission(w, r, types.PermAuditReview)
	if reviewer == nil {
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.audit.MarkReviewed(r.Context(), id, reviewer.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "reviewed_by": reviewer.ID})
}

type grantRequest struct {
	UserID     string          `json:"user_id"`
	Permission string          `json:"permission"`
	Resource   *string         `json:"resource,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

func (s *Service) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	grantor := s.requireAdminPermission(w, r, types.PermPermissionGrant)
	if grantor == nil {
		return
	}

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, types.NewValidationError("INVALID_BODY", "Request body must be valid JSON"))
		return
	}
	if req.UserID == "" || req.Permission == "" {
		s.writeError(w, r, types.NewValidationError("MISSING_FIELDS", "user_id and permission are required"))
		return
	}

	grant, err := s.evaluator.Grant(r.Context(), grantor, &types.UserPermission{
		UserID:     req.UserID,
		Permission: types.Permission(req.Permission),
		Resource:   req.Resource,
		Conditions: req.Conditions,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, grant)
}

func (s *Service) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	revoker := s.requireAdminPermission(w, r, types.PermPermissionGrant)
	if revoker == nil {
		return
	}

	if err := s.evaluator.Revoke(r.Context(), revoker, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if s.requireAdminPermission(w, r, types.PermPermissionGrant) == nil {
		return
	}

	grants, err := s.evaluator.ListGrants(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
}
