package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/decision-gate/internal/api/handler"
	"github.com/xela07ax/decision-gate/internal/api/server"
	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/connectors"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/engine"
	"github.com/xela07ax/decision-gate/internal/feature"
	"github.com/xela07ax/decision-gate/internal/governance"
	"github.com/xela07ax/decision-gate/internal/infra"
	"github.com/xela07ax/decision-gate/internal/infra/auth"
	"github.com/xela07ax/decision-gate/internal/monitoring"
	"github.com/xela07ax/decision-gate/internal/policy"
	"github.com/xela07ax/decision-gate/internal/predict"
	"github.com/xela07ax/decision-gate/internal/registry"
	"github.com/xela07ax/decision-gate/internal/repository/postgres"
	"github.com/xela07ax/decision-gate/internal/repository/rediscache"
	"github.com/xela07ax/decision-gate/internal/risk"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("decisiond failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGTERM cancel() остановит слушателей Pub/Sub и health loop
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Инфраструктура и ресурсы
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}

	var repo *postgres.Repo
	if cfg.Database.URL != "" {
		r, err := postgres.New(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer r.Close()
		// Проверяем соединение с таймаутом
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		err = r.Ping(pingCtx)
		if err == nil && cfg.Database.Migrate {
			err = r.Migrate(pingCtx)
		}
		pingCancel()
		if err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		repo = r
	} else {
		logger.Warn("database.url is empty: state lives in memory only")
	}

	// Метрики
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(promReg)

	// 2. Аудит: hash-chain в памяти, асинхронный экспорт пачками в Postgres
	var sink audit.Sink
	var agentFS *audit.AgentFS
	if repo != nil {
		agentFS = audit.NewAgentFS(repo, audit.AgentFSConfig{
			BufferSize:    cfg.Engine.AuditBufferSize,
			BatchSize:     cfg.Engine.AuditBatchSize,
			FlushInterval: cfg.Engine.AuditFlushInterval,
		}, logger)
		agentFS.OnFlush = func(int, error) { metrics.AuditBufferFill.Set(float64(agentFS.Pending())) }
		agentFS.Start()
		sink = agentFS
	}
	trail := audit.NewTrail(sink, logger, audit.WithRetention(cfg.Engine.AuditRetention))
	if repo != nil {
		// Хвост цепочки до первого Append: номера продолжают базу
		stored, err := repo.ListAuditRecords(appCtx, cfg.Engine.AuditRetention)
		if err != nil {
			return err
		}
		if err := trail.Load(stored); err != nil {
			return err
		}
	}

	// 3. Control Plane: реестр, политики, HITL, мониторинг, kill switch
	models := registry.New(modelStore(repo), trail, logger)
	enforcer := policy.NewMemoEnforcer(policyRepo(repo), rdb, logger)
	gate := governance.NewGate(models, enforcer, approvalStore(repo), trail, logger)
	mon := monitoring.NewService(monitoringStore(repo), trail, logger)
	mon.OnDrift = func(subject string, dt domain.DriftType, score float64) {
		metrics.DriftScore.WithLabelValues(subject, string(dt)).Set(score)
	}
	if err := engine.Warmup(appCtx, logger,
		engine.WarmupStep{Name: "registry", Load: models.Load},
		engine.WarmupStep{Name: "policies", Load: enforcer.Refresh},
		engine.WarmupStep{Name: "approvals", Load: gate.Load},
		engine.WarmupStep{Name: "baselines", Load: mon.LoadBaselines},
	); err != nil {
		return err
	}
	if len(enforcer.Policies("")) == 0 {
		policies := policy.DefaultPolicies()
		if cfg.Governance.PoliciesPath != "" {
			loaded, err := policy.LoadPolicies(cfg.Governance.PoliciesPath)
			if err != nil {
				return err
			}
			policies = loaded
		}
		if err := policy.Seed(appCtx, enforcer, policies); err != nil {
			return err
		}
	}
	go enforcer.StartListener(appCtx)
	go healthLoop(appCtx, mon, cfg.Monitoring.HealthInterval, logger)

	revocation := engine.NewRevocationManager(rdb, logger)
	if err := revocation.Init(appCtx); err != nil {
		return fmt.Errorf("revocation init: %w", err)
	}
	if err := revocation.Warmup(appCtx, cfg.Engine.RevokedUseCases); err != nil {
		logger.Warn("revocation warmup failed", zap.Error(err))
	}
	go revocation.StartListener(appCtx)

	// 4. Data Plane: фичи и бэкенд предсказаний
	var cache feature.ValueCache = feature.NewMemoryCache()
	if cfg.Features.Cache == "redis" {
		cache = rediscache.NewFeatureCache(rdb)
	}
	features := feature.NewStore(feature.NewDefaultCatalog(), cache, logger)

	backend, closeBackend, err := newBackend(cfg.Backend, metrics, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	modelNames := make(map[domain.UseCase]string, len(cfg.Engine.ModelNames))
	for uc, name := range cfg.Engine.ModelNames {
		modelNames[domain.UseCase(uc)] = name
	}
	decisions := engine.NewDecisionEngine(engine.Deps{
		Features:   features,
		Backend:    backend,
		Models:     models,
		Governance: gate,
		Monitoring: mon,
		Revocation: revocation,
		Audit:      trail,
		Decisions:  audit.NewDecisionLogs(decisionStore(repo), logger, audit.WithRetention(cfg.Engine.DecisionLogRetention)),
		Analyzer:   risk.NewAnalyzer(logger),
		Metrics:    metrics,
	}, engine.Config{
		ModelNames:            modelNames,
		DriftFallbackSeverity: domain.Severity(cfg.Engine.DriftFallbackSeverity),
		DecisionTimeout:       cfg.Engine.DecisionTimeout,
	}, logger)

	// 5. Аутентификация: без публичного ключа периметр открыт
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewBaseValidator(pub, cfg.Auth.Issuer)
	} else {
		logger.Warn("auth public key is not configured: API is unauthenticated")
	}

	// 6. HTTP Server
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	api := server.NewAPIServer(logger, server.Handlers{
		Decision:   handler.NewDecisionHandler(decisions),
		Model:      handler.NewModelHandler(models, revocation),
		Approval:   handler.NewApprovalHandler(gate),
		Monitoring: handler.NewMonitoringHandler(mon),
		Policy:     handler.NewPolicyHandler(enforcer),
		Audit:      handler.NewAuditHandler(trail),
		Feature:    handler.NewFeatureHandler(features),
		Dashboard:  handler.NewDashboardHandler(trail, gate, models, revocation, mon),
	}, validator, metricsHandlerOn(cfg.Server.MetricsPort == 0, metricsHandler))

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Отдельный порт для Prometheus, если задан
	var metricsSrv *http.Server
	if cfg.Server.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsSrv = &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort), Handler: mux}
	}

	// gRPC сервер решений
	var opts []grpc.ServerOption
	if validator != nil {
		opts = append(opts, grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator)))
	}
	grpcSrv := grpc.NewServer(opts...)
	engine.RegisterDecisionServer(grpcSrv, engine.NewGRPCDecisionServer(decisions))

	errCh := make(chan error, 3)
	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
		if err != nil {
			errCh <- fmt.Errorf("failed to listen gRPC: %w", err)
			return
		}
		logger.Info("gRPC server started", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("failed to serve gRPC: %w", err)
		}
	}()
	go func() {
		logger.Info("HTTP server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()
	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listen: %w", err)
			}
		}()
	}

	// 7. Graceful Shutdown
	var runErr error
	select {
	case <-appCtx.Done():
		logger.Info("decisiond stopping...")
	case runErr = <-errCh:
		logger.Error("server failed, stopping", zap.Error(runErr))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	grpcSrv.GracefulStop()

	// Аудит дописываем последним: запросы уже не приходят
	if agentFS != nil {
		agentFS.Stop()
	}
	logger.Info("decisiond exited properly")
	return runErr
}

// newBackend собирает бэкенд предсказаний. Внешние бэкенды идут через
// ReliabilityWrapper и, по конфигу, падают на встроенную статистику.
func newBackend(cfg infra.BackendConfig, metrics *engine.Metrics, logger *zap.Logger) (predict.Backend, func(), error) {
	noop := func() {}
	statistical := predict.NewStatisticalBackend()

	var transport predict.Transport
	closeFn := noop
	switch cfg.Kind {
	case "statistical":
		return statistical, noop, nil
	case "grpc":
		conn, err := grpc.NewClient(cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to prediction service: %w", err)
		}
		transport = connectors.NewGRPCAdapter(conn, cfg.CallTimeout)
		closeFn = func() { _ = conn.Close() }
	case "subprocess":
		transport = connectors.NewSubprocessRunner(connectors.SubprocessConfig{
			Interpreter: cfg.Interpreter,
			ScriptDir:   cfg.ScriptDir,
			Scripts:     cfg.Scripts,
			Timeout:     cfg.CallTimeout,
		}, logger)
	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}

	// Оборачиваем в Reliability (Rate limit, Retries, Circuit Breaker)
	safe := engine.NewReliabilityWrapper(transport, engine.ReliabilityConfig{
		Name:          cfg.Kind,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		Attempts:      cfg.Attempts,
		CallTimeout:   cfg.CallTimeout,
		CBMaxRequests: cfg.CBMaxRequests,
		CBInterval:    cfg.CBInterval,
		CBTimeout:     cfg.CBTimeout,
		CBFailures:    cfg.CBFailures,
	}, metrics, logger)

	var backend predict.Backend = predict.NewRemoteBackend(cfg.Kind, safe, logger)
	if cfg.FailoverToStatistical {
		failover := predict.NewFailoverBackend(backend, statistical, logger)
		failover.PrimaryTimeout = cfg.PrimaryBudget()
		failover.OnFailover = func(primary string, _ error) { metrics.BackendFailovers.WithLabelValues(primary).Inc() }
		backend = failover
	}
	return backend, closeFn, nil
}

func metricsHandlerOn(enabled bool, h http.Handler) http.Handler {
	if !enabled {
		return nil
	}
	return h
}

// healthLoop периодически логирует деградацию здоровья моделей и фич.
func healthLoop(ctx context.Context, mon *monitoring.Service, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	last := domain.HealthHealthy
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := mon.RunHealthCheck()
			if report.Status != last {
				logger.Warn("monitoring health changed",
					zap.String("from", string(last)),
					zap.String("to", string(report.Status)),
					zap.Any("unacknowledged", report.UnacknowledgedByLv),
				)
				last = report.Status
			}
		}
	}
}

// Адаптеры nil-репозитория: интерфейс с nil-указателем внутри не равен nil,
// поэтому без Postgres компоненты получают настоящий nil.

func modelStore(r *postgres.Repo) registry.Store {
	if r == nil {
		return nil
	}
	return r
}

func policyRepo(r *postgres.Repo) policy.PolicyRepository {
	if r == nil {
		return nil
	}
	return r
}

func approvalStore(r *postgres.Repo) governance.ApprovalStore {
	if r == nil {
		return nil
	}
	return r
}

func monitoringStore(r *postgres.Repo) monitoring.Store {
	if r == nil {
		return nil
	}
	return r
}

func decisionStore(r *postgres.Repo) audit.DecisionStore {
	if r == nil {
		return nil
	}
	return r
}
