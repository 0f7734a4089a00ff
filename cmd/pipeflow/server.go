package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/pipeflow/api/handlers"
	"github.com/BaSui01/pipeflow/budget"
	"github.com/BaSui01/pipeflow/checkpoint"
	"github.com/BaSui01/pipeflow/circuitbreaker"
	"github.com/BaSui01/pipeflow/config"
	"github.com/BaSui01/pipeflow/eventbus"
	"github.com/BaSui01/pipeflow/executors"
	"github.com/BaSui01/pipeflow/health"
	"github.com/BaSui01/pipeflow/idempotency"
	"github.com/BaSui01/pipeflow/internal/database"
	"github.com/BaSui01/pipeflow/internal/metrics"
	"github.com/BaSui01/pipeflow/internal/server"
	"github.com/BaSui01/pipeflow/internal/telemetry"
	"github.com/BaSui01/pipeflow/internal/tlsutil"
	"github.com/BaSui01/pipeflow/internal/tokenizer"
	"github.com/BaSui01/pipeflow/workflow"
)

const tracerName = "github.com/BaSui01/pipeflow/workflow"

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 PipeFlow 的主服务器：组装存储、运行器与 HTTP 接口
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 外部连接（按配置按需建立）
	pool  *database.PoolManager
	redis *redis.Client
	mongo *mongo.Client

	telemetry *telemetry.Providers
	collector *metrics.Collector
	store     checkpoint.Store
	breakers  *circuitbreaker.Registry
	bus       *eventbus.Bus
	prober    *health.Prober
	runner    *workflow.Runner

	httpManager    *server.Manager
	metricsManager *server.Manager

	// 后台任务（限流清理、模板监听）
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 建立依赖并启动所有服务。失败时调用方应执行 Shutdown 释放已建立的连接。
func (s *Server) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// 1. 指标与遥测
	s.collector = metrics.NewCollector("pipeflow", s.logger)
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	// 2. 存储后端
	if err := s.openBackends(ctx); err != nil {
		return fmt.Errorf("failed to open backends: %w", err)
	}
	store, err := checkpoint.New(ctx, s.cfg.Checkpoint, s.clients(), s.logger)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	s.store = store

	// 3. 运行器
	if err := s.initRunner(bgCtx); err != nil {
		return fmt.Errorf("failed to init runner: %w", err)
	}

	// 4. HTTP 与 Metrics 服务器
	if err := s.startHTTPServer(bgCtx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 5. 恢复上次进程退出时仍在运行的实例
	recovered, err := s.runner.RecoverInterrupted(ctx)
	if err != nil {
		s.logger.Warn("failed to recover interrupted workflows", zap.Error(err))
	} else if len(recovered) > 0 {
		s.logger.Info("recovered interrupted workflows", zap.Strings("workflow_ids", recovered))
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("checkpoint_backend", string(s.cfg.Checkpoint.Backend)),
		zap.Strings("templates", s.runner.Templates().IDs()),
	)
	return nil
}

// Wait 阻塞直到 ctx 结束或任一服务器异常退出
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.httpManager.Errors():
		return err
	case err := <-s.metricsManager.Errors():
		return err
	}
}

// =============================================================================
// 🔌 外部连接
// =============================================================================

func (s *Server) needsRedis() bool {
	return s.cfg.Checkpoint.Backend == checkpoint.BackendRedis || s.cfg.Idempotency.Backend == "redis"
}

// openBackends 只建立配置实际用到的连接
func (s *Server) openBackends(ctx context.Context) error {
	if s.cfg.Checkpoint.Backend == checkpoint.BackendDatabase {
		dbCfg := s.cfg.Database
		poolCfg := database.DefaultPoolConfig()
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
		poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime

		pool, err := database.Open(dbCfg.Driver, dbCfg.DSN(), poolCfg, s.logger,
			database.WithMetrics(s.collector), database.WithName(dbCfg.Driver))
		if err != nil {
			return err
		}
		s.pool = pool
		s.logger.Info("Database connected", zap.String("driver", dbCfg.Driver))
	}

	if s.needsRedis() {
		rc := s.cfg.Redis
		opts := &redis.Options{
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			PoolSize:     rc.PoolSize,
			MinIdleConns: rc.MinIdleConns,
		}
		if rc.TLS {
			opts.TLSConfig = tlsutil.ClientConfig()
		}
		s.redis = redis.NewClient(opts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", rc.Addr, err)
		}
		s.logger.Info("Redis connected", zap.String("addr", rc.Addr))
	}

	if s.cfg.Checkpoint.Backend == checkpoint.BackendMongo {
		mc := s.cfg.Mongo
		timeout := mc.ConnectTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client, err := mongo.Connect(options.Client().
			ApplyURI(mc.URI).
			SetConnectTimeout(timeout))
		if err != nil {
			return fmt.Errorf("mongo connect: %w", err)
		}
		s.mongo = client
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
			return fmt.Errorf("mongo ping: %w", err)
		}
		s.logger.Info("MongoDB connected", zap.String("database", mc.Database))
	}
	return nil
}

func (s *Server) clients() checkpoint.Clients {
	var c checkpoint.Clients
	if s.pool != nil {
		c.DB = s.pool.DB()
		policy := s.cfg.Database.TxRetry
		c.Tx = func(ctx context.Context, fn func(tx *gorm.DB) error) error {
			return s.pool.WithTransactionRetry(ctx, policy, fn)
		}
	}
	c.Redis = s.redis
	if s.mongo != nil {
		c.Mongo = s.mongo.Database(s.cfg.Mongo.Database)
	}
	return c
}

// =============================================================================
// 🔧 运行器组装
// =============================================================================

func (s *Server) initRunner(bgCtx context.Context) error {
	registry, err := executors.FromConfig(s.cfg.Executors, s.logger)
	if err != nil {
		return err
	}

	templates, err := s.loadTemplates()
	if err != nil {
		return err
	}

	s.breakers = circuitbreaker.NewRegistry(s.cfg.Breaker, s.logger)
	s.bus = eventbus.NewBus(s.cfg.EventBus, s.logger)
	s.prober = health.NewProber(s.cfg.Runner.HealthTimeout, s.logger)
	s.registerProbes()

	var tracker idempotency.Tracker
	if s.cfg.Idempotency.Backend == "redis" {
		tracker = idempotency.NewRedisTracker(s.redis, s.cfg.Idempotency.KeyPrefix, s.cfg.Idempotency.TTL, s.logger)
	} else {
		tracker = idempotency.NewMemoryTracker(s.cfg.Idempotency.TTL)
	}

	runner, err := workflow.NewRunner(workflow.Options{
		Store:     s.store,
		Registry:  registry,
		Templates: templates,
		Ledger:    budget.NewLedger(s.cfg.Budget, s.store, s.logger),
		Breakers:  s.breakers,
		Bus:       s.bus,
		Prober:    s.prober,
		Tracker:   tracker,
		Metrics:   s.collector,
		Tokenizer: tokenizer.New(s.cfg.Tokenizer.Encoding, s.logger),
		Tracer:    s.telemetry.Tracer(tracerName),
		Logger:    s.logger,
		Config: workflow.Config{
			StepTimeout:   s.cfg.Runner.StepTimeout,
			MaxLoops:      s.cfg.Runner.MaxLoops,
			DefaultBudget: s.cfg.Runner.DefaultBudget,
			Retry:         s.cfg.Runner.Retry,
		},
	})
	if err != nil {
		return err
	}
	s.runner = runner

	if s.cfg.Templates.Watch && s.cfg.Templates.Dir != "" {
		return s.startTemplateWatcher(bgCtx, templates)
	}
	return nil
}

// loadTemplates 模板目录不存在时以空目录启动，定义可由监听器稍后加入
func (s *Server) loadTemplates() (*workflow.Templates, error) {
	dir := s.cfg.Templates.Dir
	if dir != "" {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("templates directory not found, starting with no definitions", zap.String("dir", dir))
			return workflow.NewTemplates()
		}
	}
	templates, err := workflow.LoadTemplates(dir)
	if err != nil {
		return nil, err
	}
	s.logger.Info("templates loaded", zap.String("dir", dir), zap.Strings("ids", templates.IDs()))
	return templates, nil
}

func (s *Server) startTemplateWatcher(ctx context.Context, templates *workflow.Templates) error {
	watcher, err := workflow.NewTemplateWatcher(s.cfg.Templates.Dir, s.cfg.Templates.PollInterval, templates, s.logger)
	if err != nil {
		return err
	}
	watcher.OnChange(func(evt workflow.TemplateEvent) {
		if evt.Err != nil {
			return
		}
		s.bus.Broadcast(eventbus.New(eventbus.EventTemplateChanged, "", "", map[string]any{
			"path":          evt.Path,
			"op":            evt.Op.String(),
			"definition_id": evt.DefinitionID,
		}))
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("template watcher stopped", zap.Error(err))
		}
	}()
	return nil
}

// registerProbes 注册执行器依赖与存储后端的健康探针
func (s *Server) registerProbes() {
	s.prober.Register(executors.HealthProbes(s.cfg.Executors, tlsutil.NewHTTPClient(s.cfg.Runner.HealthTimeout))...)
	s.prober.Register(health.PingProbe("checkpoint_store", health.SeverityError, s.store.Ping))
	if s.pool != nil {
		s.prober.Register(health.PingProbe("database", health.SeverityError, s.pool.Ping))
	}
	if s.redis != nil {
		s.prober.Register(health.PingProbe("redis", health.SeverityError, func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	if s.mongo != nil {
		s.prober.Register(health.PingProbe("mongo", health.SeverityError, func(ctx context.Context) error {
			return s.mongo.Ping(ctx, readpref.Primary())
		}))
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// buildHandler 组装路由与中间件链
func (s *Server) buildHandler(bgCtx context.Context) http.Handler {
	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(s.prober, s.breakers, s.bus, s.logger)
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	handlers.NewWorkflowHandler(s.runner, s.logger).Register(mux)
	handlers.NewEventsHandler(s.bus, s.logger,
		handlers.WithAllowedOrigins(s.cfg.Server.AllowedOrigins),
	).Register(mux)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(s.telemetry),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.AllowedOrigins),
		RateLimiter(bgCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

func (s *Server) startHTTPServer(bgCtx context.Context) error {
	s.httpManager = server.NewManager(s.buildHandler(bgCtx), server.APIConfig(s.cfg.Server), s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.MetricsConfig(s.cfg.Server), s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown 优雅关闭：停止接收请求 → 停止运行器 → 断开事件流 → 释放连接
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	// 1. 断开事件流订阅者，否则长连接会阻塞 HTTP 关闭
	if s.bus != nil {
		s.bus.Close()
	}

	// 2. 关闭 HTTP 服务器
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("server shutdown error", zap.String("addr", m.Addr()), zap.Error(err))
		}
	}

	// 3. 停止运行器，被中断的实例保持 RUNNING，重启后恢复
	if s.runner != nil {
		if err := s.runner.Close(ctx); err != nil {
			s.logger.Error("runner shutdown error", zap.Error(err))
		}
	}

	// 4. 停止后台任务
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.wg.Wait()

	// 5. 释放存储与连接
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("checkpoint store close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.logger.Error("mongo disconnect error", zap.Error(err))
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}
