package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"EgoMarket/internal/auth"
	"EgoMarket/internal/escrow"
	"EgoMarket/internal/events"
	"EgoMarket/internal/observability/metrics"
	"EgoMarket/internal/reputation"
	"EgoMarket/internal/signing"
	"EgoMarket/internal/task"
	"EgoMarket/pkg/logger"

	"github.com/go-chi/chi/v5"
)

// Deps 汇集 HTTP 层依赖的服务。
type Deps struct {
	Tasks      *task.Service
	Settlement *escrow.Settlement
	Reputation *reputation.Service
	Events     events.Log
	Auth       *auth.Service
	// Remote 为远程钱包签名通道，Inbox 是它的 Presenter。
	Remote *signing.RemoteGateway
	Inbox  *SigningInbox
	// Custodial 是服务托管钱包，仅调解方可以选用。
	Custodial signing.Gateway
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr       string
	tasks      *task.Service
	settlement *escrow.Settlement
	rep        *reputation.Service
	events     events.Log
	auth       *auth.Service
	remote     *signing.RemoteGateway
	inbox      *SigningInbox
	custodial  signing.Gateway
	log        *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		addr:       addr,
		tasks:      deps.Tasks,
		settlement: deps.Settlement,
		rep:        deps.Reputation,
		events:     deps.Events,
		auth:       deps.Auth,
		remote:     deps.Remote,
		inbox:      deps.Inbox,
		custodial:  deps.Custodial,
		log:        logger.Named("api"),
	}
}

// Handler 构建完整的路由树。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(instrument)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:    {auth.PermTasksRead},
				http.MethodPost:   {auth.PermTasksWrite},
				http.MethodPut:    {auth.PermTasksWrite},
				http.MethodDelete: {auth.PermTasksWrite},
			},
			AuditEvent: "api",
		}))

		api.Route("/tasks", func(tr chi.Router) {
			tr.Get("/", s.handleListTasks)
			tr.Post("/", s.handlePostTask)
			tr.Get("/stats", s.handleTaskStats)

			tr.Route("/{taskID}", func(one chi.Router) {
				one.Get("/", s.handleTaskDetail)
				one.Get("/transitions", s.handleTransitions)
				one.Get("/bids", s.handleListBids)
				one.Post("/bids", s.handlePlaceBid)
				one.Post("/bids/{bidID}/accept", s.handleAcceptBid)
				one.Get("/deliverables", s.handleListDeliverables)
				one.Post("/deliverables", s.handleSubmitDeliverable)
				one.Post("/revision", s.handleRequestRevision)
				one.Post("/dispute", s.handleOpenDispute)
				one.Post("/cancel", s.handleCancel)
				one.Post("/archive", s.handleArchive)

				one.Post("/fund", s.handleFund)
				one.Post("/approve", s.handleApprove)
				one.Post("/refund", s.handleRefund)
				one.Post("/resolve", s.handleResolve)
				one.Post("/rate", s.handleRate)
				one.Get("/escrow", s.handleEscrowStatus)
				one.Post("/escrow/reconcile", s.handleReconcileEscrow)
				one.Get("/events", s.handleTaskEvents)
			})
		})

		api.Route("/agents/{agentID}", func(ar chi.Router) {
			ar.Put("/", s.handleRegisterAgent)
			ar.Get("/standing", s.handleStanding)
			ar.Get("/suspensions", s.handleSuspensions)
		})

		api.Get("/signing/requests", s.handleListSigningRequests)
		api.Delete("/signing/requests/{sessionID}", s.handleCancelSigningRequest)

		api.Get("/events", s.handleRecentEvents)
		api.Get("/events/verify", s.handleVerifyEvents)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 远程签名会阻塞到钱包广播或窗口结束，因此不设置写超时。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrument 分配请求编号并写入日志上下文，同时以路由模板为标签记录请求指标。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = newRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := logger.WithAttrs(r.Context(), slog.String("request_id", id))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.ObserveHTTPRequest(route, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// subject 返回调用方并检查附加权限；未认证或权限不足时直接写回错误。
func (s *Server) subject(w http.ResponseWriter, r *http.Request, perms ...string) (*auth.Subject, bool) {
	subject := auth.SubjectFromContext(r.Context())
	if subject == nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return nil, false
	}
	if err := subject.Authorize(perms...); err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return nil, false
	}
	return subject, true
}
