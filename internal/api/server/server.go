package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/decision-gate/internal/api/handler"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/engine"
	"github.com/xela07ax/decision-gate/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers обработчики бизнес-доменов
type Handlers struct {
	Decision   *handler.DecisionHandler   // /decisions
	Model      *handler.ModelHandler      // /models, /usecases
	Approval   *handler.ApprovalHandler   // /approvals (HITL)
	Monitoring *handler.MonitoringHandler // /drift, /alerts, /health
	Policy     *handler.PolicyHandler     // /policies
	Audit      *handler.AuditHandler      // /audit
	Feature    *handler.FeatureHandler    // /features
	Dashboard  *handler.DashboardHandler  // /dashboard
}

type APIServer struct {
	router *chi.Mux
	logger *zap.Logger
	h      Handlers

	// nil: аутентификация выключена, актор берется из тела запроса
	authValidator auth.TokenValidator
	metrics       http.Handler
}

// NewAPIServer собирает роутер. metrics может быть nil.
func NewAPIServer(logger *zap.Logger, h Handlers, validator auth.TokenValidator, metrics http.Handler) *APIServer {
	s := &APIServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("api"),
		h:             h,
		authValidator: validator,
		metrics:       metrics,
	}
	s.routes()
	return s
}

func (s *APIServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", s.h.Monitoring.Health)
		if s.metrics != nil {
			r.Handle("/metrics", s.metrics)
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР ---
	r.Group(func(r chi.Router) {
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		}

		r.Route("/decisions", func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeDecisions))
			r.Post("/", s.h.Decision.Create)
			r.Get("/{auditId}", s.h.Decision.Get)
		})

		// Реестр моделей и kill switch use case
		r.Route("/models", func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeModels))
			r.Get("/", s.h.Model.List)
			r.Post("/", s.h.Model.Register)
			r.Get("/{id}", s.h.Model.Get)
			r.Put("/{id}/status", s.h.Model.UpdateStatus)
			r.Post("/{id}/deploy", s.h.Model.Deploy)
			r.Post("/{id}/revoke", s.h.Model.Revoke) // здесь {id} это имя модели
		})
		r.Route("/usecases", func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeModels))
			r.Get("/revoked", s.h.Model.RevokedUseCases)
			r.Post("/{useCase}/revoke", s.h.Model.RevokeUseCase)
			r.Post("/{useCase}/restore", s.h.Model.RestoreUseCase)
		})

		// Human-in-the-loop (Approvals)
		r.Route("/approvals", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeModels)).Post("/", s.h.Approval.Submit)
			r.Get("/", s.h.Approval.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Approval.GetDetails)
				r.With(auth.RequireScope(domain.ScopeGovernance)).Post("/approve", s.h.Approval.Approve)
				r.With(auth.RequireScope(domain.ScopeGovernance)).Post("/reject", s.h.Approval.Reject)
			})
		})

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", s.h.Policy.List)
			r.Get("/{id}", s.h.Policy.Get)
			r.With(auth.RequireScope(domain.ScopeGovernance)).Post("/", s.h.Policy.Create)
			r.With(auth.RequireScope(domain.ScopeGovernance)).Put("/{id}/active", s.h.Policy.SetActive)
		})

		// Мониторинг дрейфа
		r.Route("/drift", func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeMonitoring))
			r.Post("/baseline", s.h.Monitoring.SetBaseline)
			r.Post("/check", s.h.Monitoring.CheckDrift)
			r.Post("/stability", s.h.Monitoring.CheckStability)
			r.Get("/{subject}", s.h.Monitoring.History)
		})
		r.Get("/alerts", s.h.Monitoring.Alerts)
		r.With(auth.RequireScope(domain.ScopeMonitoring)).Post("/alerts/{id}/ack", s.h.Monitoring.Acknowledge)

		r.Route("/features", func(r chi.Router) {
			r.Get("/", s.h.Feature.List)
			r.Post("/{name}/compute", s.h.Feature.Compute)
			r.With(auth.RequireScope(domain.ScopeAdmin)).Delete("/{name}/{entityType}/{entityId}", s.h.Feature.Invalidate)
		})

		r.Get("/dashboard", s.h.Dashboard.Get)

		// Аудит
		r.Get("/audit", s.h.Audit.GetLogs)
		r.Get("/audit/verify", s.h.Audit.Verify)
	})
}

// ServeHTTP позволяет использовать APIServer как стандартный http.Handler
func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
