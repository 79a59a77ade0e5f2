package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"EgoMarket/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
// 认证关闭时以 DevActorHeader 指定的账号放行，并授予全部权限。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var subject *Subject
			if s == nil || s.mode == ModeDisabled {
				if id := strings.TrimSpace(r.Header.Get(DevActorHeader)); id != "" {
					subject = &Subject{ID: id, Roles: r.Header.Values("X-EgoMarket-Role"), Permissions: []string{"*"}}
				}
			} else {
				var err error
				subject, err = s.AuthenticateRequest(r.Header.Get("Authorization"))
				if err != nil {
					status := statusFor(err)
					http.Error(w, http.StatusText(status), status)
					s.audit.WarnContext(r.Context(), "access_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", status,
						"error", err.Error(),
					)
					return
				}
				// 授权请求。
				perms := cfg.RequiredPermissions[r.Method]
				if len(perms) == 0 {
					perms = cfg.RequiredPermissions["*"]
				}
				if err := subject.Authorize(perms...); err != nil {
					status := statusFor(err)
					http.Error(w, http.StatusText(status), status)
					s.audit.WarnContext(r.Context(), "permission_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", status,
						"error", err.Error(),
						"user", subject.ID,
					)
					return
				}
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			if subject != nil {
				ctx = logger.WithAttrs(ctx, slog.String("actor", subject.ID))
			}
			next.ServeHTTP(aw, r.WithContext(ctx))
			if s == nil || s.audit == nil {
				return
			}
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			user := ""
			if subject != nil {
				user = subject.ID
			}
			s.audit.InfoContext(r.Context(), "api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", user,
			)
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrSubjectRevoked):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
