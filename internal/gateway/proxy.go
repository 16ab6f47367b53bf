package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/ktmed/medessencev2-sub005/internal/permissions"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// servicePermissions maps downstream service and method to the
// permission the caller must hold. Approval and export paths carry
// their own permissions on top of the method mapping.
var servicePermissions = map[string]map[string]types.Permission{
	"reports": {
		http.MethodGet:    types.PermReportRead,
		http.MethodPost:   types.PermReportGenerate,
		http.MethodPut:    types.PermReportGenerate,
		http.MethodDelete: types.PermReportGenerate,
	},
	"transcriptions": {
		http.MethodGet:    types.PermTranscriptionRead,
		http.MethodPost:   types.PermTranscriptionCreate,
		http.MethodPut:    types.PermTranscriptionCreate,
		http.MethodDelete: types.PermTranscriptionCreate,
	},
	"summaries": {
		http.MethodGet:  types.PermSummaryGenerate,
		http.MethodPost: types.PermSummaryGenerate,
	},
	"exports": {
		http.MethodGet:  types.PermDataExport,
		http.MethodPost: types.PermDataExport,
	},
	"users": {
		http.MethodGet:    types.PermUserManage,
		http.MethodPost:   types.PermUserManage,
		http.MethodPut:    types.PermUserManage,
		http.MethodDelete: types.PermUserManage,
	},
}

// permissionFor resolves the permission guarding a proxied request.
// Unknown services and methods fail closed.
func permissionFor(service, method, rest string) (types.Permission, bool) {
	if strings.HasSuffix(rest, "/approve") && method == http.MethodPost {
		return types.PermReportApprove, true
	}
	if strings.HasPrefix(rest, "/export") {
		return types.PermDataExport, true
	}
	methods, ok := servicePermissions[service]
	if !ok {
		return "", false
	}
	perm, ok := methods[method]
	return perm, ok
}

// splitProxyPath breaks /api/v1/{service}{rest} into its parts
func splitProxyPath(path string) (service, rest string) {
	trimmed := strings.TrimPrefix(path, "/api/v1/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx], trimmed[idx:]
	}
	return trimmed, "/"
}

// handleProxy is the tail of the pipeline: the caller is already rate
// limited and authenticated, so what remains is the permission check,
// the breaker-guarded forward, and the audit record.
func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	if user == nil {
		s.writeError(w, r, types.NewAuthenticationError("MISSING_TOKEN", "Authorization header is required"))
		return
	}

	serviceName, rest := splitProxyPath(r.URL.Path)
	target, ok := s.serviceURL(serviceName)
	if !ok {
		s.writeError(w, r, types.NewNotFoundError("SERVICE_NOT_FOUND", "No such downstream service"))
		return
	}

	perm, ok := permissionFor(serviceName, r.Method, rest)
	if !ok {
		s.audit.Record(r.Context(), auditEventFor(r, user.ID, types.AuditUnauthorizedAccess, serviceName, rest))
		s.writeError(w, r, types.NewPermissionDeniedError(r.Method, serviceName))
		return
	}

	if err := s.evaluator.Authorize(r.Context(), user, permissions.Request{
		Permission: perm,
		Resource:   serviceName,
		Context:    grantContext(r),
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	}); err != nil {
		s.writeError(w, r, err)
		return
	}

	// The downstream response is buffered so a failure counted by the
	// breaker never half-writes to the client.
	buffered := newBufferedResponse()
	err := s.breaker.Execute(r.Context(), serviceName, func(ctx context.Context) error {
		return s.forward(ctx, buffered, r, serviceName, target, rest)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	buffered.flush(w)
	s.recordProxied(r, user, serviceName, perm, buffered.status)
}

// forward rewrites the request for the downstream service and proxies
// it. Downstream 5xx responses count as breaker failures; client
// errors only do when configured.
func (s *Service) forward(ctx context.Context, buffered *bufferedResponse, r *http.Request, serviceName string, target *url.URL, rest string) error {
	outbound := r.Clone(ctx)
	outbound.URL.Path = rest
	outbound.Host = target.Host

	var downstreamErr error

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(http.ResponseWriter, *http.Request, error) {
		downstreamErr = types.NewDownstreamError(serviceName, nil)
	}
	proxy.ServeHTTP(buffered, outbound)

	if downstreamErr != nil {
		return downstreamErr
	}
	if buffered.status >= http.StatusInternalServerError {
		return types.NewDownstreamError(serviceName, nil)
	}
	if s.cfg.Breaker.CountClientErrs && buffered.status >= http.StatusBadRequest {
		return types.NewDownstreamError(serviceName, nil)
	}
	return nil
}

// bufferedResponse holds a downstream response until the breaker has
// accepted it
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) Write(data []byte) (int, error) {
	return b.body.Write(data)
}

func (b *bufferedResponse) WriteHeader(status int) {
	b.status = status
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for key, values := range b.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(b.status)
	w.Write(b.body.Bytes())
}

// grantContext exposes request attributes to conditional grants
func grantContext(r *http.Request) map[string]string {
	ctx := map[string]string{
		"method": r.Method,
	}
	if dept := r.Header.Get("X-Department"); dept != "" {
		ctx["department"] = dept
	}
	if shift := r.Header.Get("X-Shift"); shift != "" {
		ctx["shift"] = shift
	}
	return ctx
}

func (s *Service) recordProxied(r *http.Request, user *types.User, serviceName string, perm types.Permission, status int) {
	action := types.AuditDownstreamProxied
	switch perm {
	case types.PermReportRead:
		action = types.AuditReportView
	case types.PermReportGenerate, types.PermReportApprove:
		action = types.AuditReportGenerate
	case types.PermDataExport:
		action = types.AuditDataExport
	}

	event := auditEventFor(r, user.ID, action, serviceName, r.URL.Path)
	event.Metadata = map[string]interface{}{
		"method": r.Method,
		"status": status,
	}
	s.audit.Record(r.Context(), event)
}
