// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments. Consumes
// message pointers from the configured broker (SQS, NATS, ActiveMQ or the
// embedded SQLite broker), routes them through processing pools and delivers
// via HTTP mediation.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	commonhealth "go.flowcatalyst.tech/router/internal/common/health"
	"go.flowcatalyst.tech/router/internal/common/lifecycle"
	"go.flowcatalyst.tech/router/internal/common/secrets"
	"go.flowcatalyst.tech/router/internal/config"
	"go.flowcatalyst.tech/router/internal/controlplane"
	"go.flowcatalyst.tech/router/internal/queue"
	activemqqueue "go.flowcatalyst.tech/router/internal/queue/activemq"
	embeddedqueue "go.flowcatalyst.tech/router/internal/queue/embedded"
	natsqueue "go.flowcatalyst.tech/router/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/router/internal/queue/sqs"
	"go.flowcatalyst.tech/router/internal/router/api"
	"go.flowcatalyst.tech/router/internal/router/health"
	"go.flowcatalyst.tech/router/internal/router/manager"
	"go.flowcatalyst.tech/router/internal/router/mediator"
	routermetrics "go.flowcatalyst.tech/router/internal/router/metrics"
	"go.flowcatalyst.tech/router/internal/router/standby"
	"go.flowcatalyst.tech/router/internal/router/traffic"
	"go.flowcatalyst.tech/router/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	app, cleanup, err := lifecycle.Initialize(ctx)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()
	cfg := app.Config

	// In-memory services shared across the wiring below
	warningSvc := warning.NewInMemoryService()
	poolMetricsSvc := routermetrics.NewInMemoryPoolMetricsService()
	queueMetricsSvc := routermetrics.NewInMemoryQueueMetricsService()

	// Secrets provider resolves scheme://key references in control plane
	// credential documents. Literal credentials work without one.
	var secretsProvider secrets.Provider
	if p, err := secrets.NewProvider(secrets.LoadConfigFromEnv()); err != nil {
		slog.Warn("Secrets provider unavailable, literal credentials only", "error", err)
	} else {
		secretsProvider = p
	}

	// Control plane OIDC token source and webhook credentials cache
	var tokenSource *controlplane.TokenSource
	if cfg.ControlPlane.OIDCIssuerURL != "" {
		tokenSource = controlplane.NewTokenSource(
			cfg.ControlPlane.OIDCIssuerURL,
			cfg.ControlPlane.OIDCClientID,
			cfg.ControlPlane.OIDCClientSecret,
			nil)
	}

	var credSource mediator.CredentialSource
	if len(cfg.ControlPlane.URLs) > 0 {
		cache := controlplane.NewCredentialsCache(cfg.ControlPlane.URLs[0], tokenSource, secretsProvider).
			WithTTL(cfg.ControlPlane.CredentialsTTL)
		credSource = &credentialSource{cache: cache}
	}

	backend, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// Queue manager and supervisor
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	if cfg.DevMode {
		mediatorCfg = mediator.DevHTTPMediatorConfig()
	}
	if cfg.Router.MediatorTimeout > 0 {
		mediatorCfg.Timeout = cfg.Router.MediatorTimeout
	}

	qm := manager.NewQueueManager(mediatorCfg).
		WithGlobalInFlightCap(cfg.Router.GlobalInFlightCap).
		WithWarningService(warningSvc).
		WithPoolMetrics(poolMetricsSvc).
		WithVisibilityExtender(nil).
		WithPipelineCleanup(nil).
		WithLeakDetection(nil)
	if credSource != nil {
		qm.WithCredentialSource(credSource)
	}

	supervisor := manager.NewSupervisor(qm, backend.factory).
		WithQueueMetrics(queueMetricsSvc)
	routerService := manager.NewRouterService(supervisor)

	// Traffic management (load balancer registration) follows the
	// PRIMARY/STANDBY role
	trafficStrategy := os.Getenv("TRAFFIC_MANAGEMENT_STRATEGY")
	if trafficStrategy == "" {
		trafficStrategy = "noop"
	}
	trafficSvc := traffic.NewService(&traffic.Config{
		Enabled:  os.Getenv("TRAFFIC_MANAGEMENT_ENABLED") == "true",
		Strategy: trafficStrategy,
	})

	standbySvc := standby.NewService(&standby.Config{
		Enabled:    cfg.Standby.Enabled,
		InstanceID: cfg.InstanceID,
		LockKey:    cfg.Standby.LockKey,
		LockTTL:    cfg.Standby.LockTTL,
		RedisURL:   cfg.Standby.RedisURL,
	}, &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY, starting message processing")
			trafficSvc.RegisterAsActive()
			routerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY, stopping message processing")
			routerService.Pause()
			trafficSvc.DeregisterFromActive()
		},
	})

	if cfg.Standby.Enabled {
		lock, err := standby.NewRedisLockProvider(cfg.Standby.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis for standby locking", "error", err)
			os.Exit(1)
		}
		standbySvc.SetLockProvider(lock)
		standbySvc.SetWarningSink(warningSvc)
		qm.WithStandbyChecker(standbySvc)

		// Consume nothing until the lock is won
		supervisor.Pause()
	}

	// Stats collector bridges the manager and metrics services to the
	// monitoring, health and admin APIs
	stats := manager.NewStatsCollector(qm, poolMetricsSvc, queueMetricsSvc)
	warnings := &warningAdapter{svc: warningSvc}

	infraHealth := health.NewInfrastructureHealthService(true, stats)
	infraHealth.SetQueueManagerStatus(true)
	brokerHealth := health.NewBrokerHealthService(true, backend.queueType, backend.checker)

	healthStatus := health.NewHealthStatusService(infraHealth, brokerHealth, stats)
	healthStatus.SetCircuitBreakerGetter(stats)
	healthStatus.SetWarningGetter(warnings)
	healthStatus.SetQueueStatsGetter(stats)

	// Control plane fetcher applies pool and queue configuration
	var fetcher *controlplane.Fetcher
	if len(cfg.ControlPlane.URLs) > 0 {
		fetcher = controlplane.NewFetcher(cfg.ControlPlane.URLs, cfg.ControlPlane.RefreshInterval,
			func(rc *controlplane.RouterConfig) error {
				return applyRouterConfig(rc, qm, supervisor)
			}).
			WithWarningSink(warningSvc)
		if tokenSource != nil {
			fetcher.WithTokenSource(tokenSource)
		}
	}

	// Basic liveness/readiness for /q/health
	checker := commonhealth.NewChecker()
	checker.AddLivenessCheck(func() commonhealth.Check {
		c := commonhealth.Check{Name: "router", Status: commonhealth.StatusUp}
		if err := routerService.Health(); err != nil {
			c.Status = commonhealth.StatusDown
			c.Data = map[string]interface{}{"error": err.Error()}
		}
		return c
	})
	checker.AddReadinessCheck(backend.readiness)

	// Monitoring, health and admin handlers
	monitoringHandler := api.NewMonitoringHandler(healthStatus, stats)
	monitoringHandler.SetQueueMetrics(stats)
	monitoringHandler.SetWarningService(warnings, warningSvc)
	monitoringHandler.SetCircuitBreakerService(stats, stats)
	monitoringHandler.SetInFlightGetter(stats)
	monitoringHandler.SetStandbyService(standbySvc)
	monitoringHandler.SetTrafficService(&trafficAdapter{svc: trafficSvc})

	healthHandler := api.NewHealthCheckHandler(infraHealth)
	k8sHandler := api.NewKubernetesHealthHandler(infraHealth, brokerHealth)

	adminHandler := api.NewAdminHandler(stats, stats)
	if cfg.DevMode && backend.publisher != nil {
		adminHandler.EnableSeeding(backend.publisher, backend.seedSubject, true)
	}

	warningHandler := warning.NewHandler(warningSvc)

	httpRouter := setupHTTPRouter(httpDeps{
		cfg:            cfg,
		checker:        checker,
		healthHandler:  healthHandler,
		k8sHandler:     k8sHandler,
		monitoring:     monitoringHandler,
		admin:          adminHandler,
		warningHandler: warningHandler,
		standby:        standbySvc,
		manager:        qm,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Service list: router first so the manager is running before queue
	// configuration is applied
	var services []lifecycle.Service
	services = append(services, routerService)

	if fetcher != nil {
		services = append(services, fetcher)
	} else {
		// No control plane: consume the statically configured queue with
		// default pools created on demand
		uri := backend.defaultURI
		services = append(services, lifecycle.NewServiceFunc("static-queues",
			func(ctx context.Context) error {
				slog.Info("No control plane configured, using static queue", "queue", uri)
				return supervisor.ApplyQueues([]string{uri})
			},
			func(ctx context.Context) error { return nil }))
	}

	if cfg.Standby.Enabled {
		services = append(services, newStandbyServiceWrapper(standbySvc))
	}
	services = append(services, lifecycle.NewHTTPService("http-server", httpServer))

	slog.Info("Router ready",
		"port", cfg.HTTP.Port,
		"queueType", cfg.Queue.Type,
		"standby", cfg.Standby.Enabled,
		"controlPlane", len(cfg.ControlPlane.URLs) > 0)

	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// applyRouterConfig reconciles a control plane document into running pools
// and consumers.
func applyRouterConfig(rc *controlplane.RouterConfig, qm *manager.QueueManager, supervisor *manager.Supervisor) error {
	poolCfgs := make([]*manager.PoolConfig, 0, len(rc.ProcessingPools))
	for _, p := range rc.ProcessingPools {
		poolCfgs = append(poolCfgs, &manager.PoolConfig{
			Code:               p.Code,
			Concurrency:        p.Concurrency,
			RateLimitPerMinute: p.RateLimitPerMinute,
			MediatorTimeout:    time.Duration(p.MediatorTimeoutMs) * time.Millisecond,
			MaxRetries:         p.MaxRetries,
			IdleWorkerTimeout:  time.Duration(p.IdleWorkerTimeoutMs) * time.Millisecond,
		})
	}
	qm.ApplyPoolConfigs(poolCfgs)

	uris := make([]string, 0, len(rc.Queues))
	for _, q := range rc.Queues {
		uris = append(uris, q.QueueURI)
	}
	return supervisor.ApplyQueues(uris)
}

// httpDeps carries the handlers mounted on the HTTP router.
type httpDeps struct {
	cfg            *config.Config
	checker        *commonhealth.Checker
	healthHandler  *api.HealthCheckHandler
	k8sHandler     *api.KubernetesHealthHandler
	monitoring     *api.MonitoringHandler
	admin          *api.AdminHandler
	warningHandler *warning.Handler
	standby        *standby.Service
	manager        *manager.QueueManager
}

// setupHTTPRouter builds the chi router with health, metrics, monitoring,
// admin and warning endpoints.
func setupHTTPRouter(deps httpDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Lightweight liveness/readiness
	r.Get("/q/health", deps.checker.HandleHealth)
	r.Get("/q/health/live", deps.checker.HandleLive)
	r.Get("/q/health/ready", deps.checker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Infrastructure health and Kubernetes-style probes
	r.Get("/health", deps.healthHandler.ServeHTTP)
	r.Get("/health/live", deps.k8sHandler.Liveness)
	r.Get("/health/ready", deps.k8sHandler.Readiness)
	r.Get("/health/startup", deps.k8sHandler.Startup)

	// Instance status summary
	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"version":    version,
			"queueType":  deps.cfg.Queue.Type,
			"role":       deps.standby.GetRole(),
			"instanceId": deps.standby.GetInstanceID(),
			"pools":      len(deps.manager.GetPools()),
		})
	})

	// Monitoring dashboard, admin and warning APIs under /api
	monMux := http.NewServeMux()
	deps.monitoring.RegisterRoutes(monMux)

	r.Route("/api", func(apiRouter chi.Router) {
		deps.warningHandler.RegisterRoutes(apiRouter)
		apiRouter.Handle("/monitoring/*", http.StripPrefix("/api", monMux))
		apiRouter.Mount("/", deps.admin.Routes())
	})

	return r
}

// queueBackend bundles everything the router needs from one broker type: a
// consumer factory for the supervisor, connectivity checks for the health
// services, and a publisher for the dev seeding endpoint.
type queueBackend struct {
	queueType   health.QueueType
	factory     manager.ConsumerFactory
	checker     health.BrokerConnectivityChecker
	readiness   commonhealth.CheckFunc
	publisher   queue.Publisher
	seedSubject string
	defaultURI  string
}

// setupQueue initializes the broker backend selected by QUEUE_TYPE.
func setupQueue(ctx context.Context, app *lifecycle.App) (*queueBackend, error) {
	switch strings.ToUpper(app.Config.Queue.Type) {
	case "NATS":
		return setupNATSQueue(app)
	case "SQS":
		return setupSQSQueue(ctx, app)
	case "ACTIVEMQ":
		return setupActiveMQQueue(app)
	case "EMBEDDED":
		return setupEmbeddedQueue(app)
	default:
		return nil, fmt.Errorf("unknown queue type: %s (use SQS, EMBEDDED, ACTIVEMQ or NATS)", app.Config.Queue.Type)
	}
}

func setupNATSQueue(app *lifecycle.App) (*queueBackend, error) {
	cfg := app.Config

	streamName := cfg.Queue.NATS.StreamName
	if streamName == "" {
		streamName = "FLOWCATALYST"
	}
	url := cfg.Queue.NATS.URL

	if cfg.Queue.NATS.EmbedServer {
		srv, err := natsqueue.NewEmbeddedServer(&natsqueue.EmbeddedConfig{
			DataDir:      cfg.Queue.NATS.DataDir,
			Host:         "127.0.0.1",
			Port:         4222,
			StreamName:   streamName,
			Subjects:     []string{"messages.>"},
			MaxAge:       24 * time.Hour,
			ConsumerName: "flowcatalyst-router",
		})
		if err != nil {
			return nil, fmt.Errorf("start embedded NATS server: %w", err)
		}
		app.AddCleanup(srv.Close)
		url = fmt.Sprintf("nats://127.0.0.1:%d", srv.Port())
	}

	slog.Info("Connecting to NATS server", "url", url)
	client, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        url,
		StreamName: streamName,
	})
	if err != nil {
		return nil, err
	}
	app.AddCleanup(client.Close)

	factory := func(queueURI string) (queue.Consumer, error) {
		return client.CreateConsumer(context.Background(), consumerName(queueURI), queueURI)
	}

	checker := &brokerChecker{connect: func(ctx context.Context) error {
		if !client.IsConnected() {
			return errors.New("nats connection down")
		}
		return nil
	}}

	return &queueBackend{
		queueType:   health.QueueTypeNATS,
		factory:     factory,
		checker:     checker,
		readiness:   commonhealth.NATSCheck(client.IsConnected),
		publisher:   client.Publisher(),
		seedSubject: "messages.seed",
		defaultURI:  "messages.>",
	}, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App) (*queueBackend, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS",
		"region", cfg.Queue.SQS.Region,
		"queueURL", cfg.Queue.SQS.QueueURL)

	base := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}
	baseClient, err := sqsqueue.NewClient(ctx, base)
	if err != nil {
		return nil, err
	}
	app.AddCleanup(baseClient.Close)

	// One client per queue URL: an SQS client polls a single queue
	factory := func(queueURI string) (queue.Consumer, error) {
		c := *base
		c.QueueURL = queueURI
		client, err := sqsqueue.NewClient(context.Background(), &c)
		if err != nil {
			return nil, err
		}
		return client.CreateConsumer(context.Background(), consumerName(queueURI), "")
	}

	checker := &brokerChecker{connect: baseClient.HealthCheck}
	readiness := commonhealth.SQSCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return baseClient.HealthCheck(checkCtx)
	})

	return &queueBackend{
		queueType:  health.QueueTypeSQS,
		factory:    factory,
		checker:    checker,
		readiness:  readiness,
		publisher:  baseClient.Publisher(),
		defaultURI: cfg.Queue.SQS.QueueURL,
	}, nil
}

func setupActiveMQQueue(app *lifecycle.App) (*queueBackend, error) {
	cfg := app.Config

	base := &queue.ActiveMQConfig{
		BrokerAddr: cfg.Queue.ActiveMQ.BrokerAddr,
		Username:   cfg.Queue.ActiveMQ.Username,
		Password:   cfg.Queue.ActiveMQ.Password,
		QueueName:  cfg.Queue.ActiveMQ.QueueName,
	}
	baseClient, err := activemqqueue.NewClient(base)
	if err != nil {
		return nil, err
	}
	app.AddCleanup(baseClient.Close)

	// One STOMP connection per queue keeps subscription flow control isolated
	factory := func(queueURI string) (queue.Consumer, error) {
		c := *base
		c.QueueName = queueURI
		client, err := activemqqueue.NewClient(&c)
		if err != nil {
			return nil, err
		}
		return client.CreateConsumer(context.Background(), consumerName(queueURI))
	}

	checker := &brokerChecker{connect: func(ctx context.Context) error {
		return baseClient.HealthCheck()
	}}
	readiness := commonhealth.ActiveMQCheck(baseClient.HealthCheck)

	return &queueBackend{
		queueType:   health.QueueTypeActiveMQ,
		factory:     factory,
		checker:     checker,
		readiness:   readiness,
		publisher:   baseClient.Publisher(),
		seedSubject: base.QueueName,
		defaultURI:  base.QueueName,
	}, nil
}

func setupEmbeddedQueue(app *lifecycle.App) (*queueBackend, error) {
	cfg := app.Config

	base := &queue.EmbeddedConfig{
		DatabasePath:      cfg.Queue.Embedded.DatabasePath,
		QueueName:         cfg.Queue.Embedded.QueueName,
		VisibilityTimeout: cfg.Queue.Embedded.VisibilityTimeout,
		PollInterval:      cfg.Queue.Embedded.PollInterval,
	}
	baseClient, err := embeddedqueue.NewClient(base)
	if err != nil {
		return nil, err
	}
	app.AddCleanup(baseClient.Close)

	factory := func(queueURI string) (queue.Consumer, error) {
		if queueURI == base.QueueName {
			return baseClient.CreateConsumer(context.Background(), consumerName(queueURI))
		}
		c := *base
		c.QueueName = queueURI
		client, err := embeddedqueue.NewClient(&c)
		if err != nil {
			return nil, err
		}
		return client.CreateConsumer(context.Background(), consumerName(queueURI))
	}

	checker := &brokerChecker{connect: baseClient.HealthCheck}
	readiness := commonhealth.EmbeddedBrokerCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return baseClient.HealthCheck(checkCtx)
	})

	return &queueBackend{
		queueType:   health.QueueTypeEmbedded,
		factory:     factory,
		checker:     checker,
		readiness:   readiness,
		publisher:   baseClient.Publisher(),
		seedSubject: base.QueueName,
		defaultURI:  base.QueueName,
	}, nil
}

// consumerName derives a durable consumer name from a queue URI.
func consumerName(queueURI string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, queueURI)
	return "router-" + mapped
}

// brokerChecker adapts a backend-specific probe to the broker health service.
type brokerChecker struct {
	connect func(ctx context.Context) error
}

func (b *brokerChecker) CheckConnectivity(ctx context.Context) error {
	return b.connect(ctx)
}

func (b *brokerChecker) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return b.connect(ctx)
}

// credentialSource adapts the control plane credentials cache to the mediator.
type credentialSource struct {
	cache *controlplane.CredentialsCache
}

func (s *credentialSource) Credentials(ctx context.Context, serviceAccountID string) (mediator.Credentials, error) {
	creds, err := s.cache.Get(ctx, serviceAccountID)
	if err != nil {
		return mediator.Credentials{}, err
	}
	return mediator.Credentials{
		AuthToken:     creds.AuthToken,
		SigningSecret: creds.SigningSecret,
	}, nil
}

// warningAdapter exposes the warning service in the monitoring API's shape.
type warningAdapter struct {
	svc *warning.InMemoryService
}

func (a *warningAdapter) GetAllWarnings() []*health.Warning {
	return toHealthWarnings(a.svc.GetAllWarnings())
}

func (a *warningAdapter) GetUnacknowledgedWarnings() []*health.Warning {
	return toHealthWarnings(a.svc.GetUnacknowledgedWarnings())
}

func (a *warningAdapter) GetWarningsBySeverity(severity string) []*health.Warning {
	return toHealthWarnings(a.svc.GetWarningsBySeverity(severity))
}

func toHealthWarnings(in []warning.Warning) []*health.Warning {
	out := make([]*health.Warning, 0, len(in))
	for _, w := range in {
		out = append(out, &health.Warning{
			ID:           w.ID,
			Category:     w.Category,
			Severity:     w.Severity,
			Message:      w.Message,
			Source:       w.Source,
			Timestamp:    w.Timestamp,
			Acknowledged: w.Acknowledged,
		})
	}
	return out
}

// trafficAdapter exposes the traffic service in the monitoring API's shape.
type trafficAdapter struct {
	svc *traffic.Service
}

func (a *trafficAdapter) IsEnabled() bool {
	return a.svc.IsEnabled()
}

func (a *trafficAdapter) GetStatus() *health.TrafficStatus {
	st := a.svc.GetStatus()
	return &health.TrafficStatus{
		Enabled:       a.svc.IsEnabled(),
		StrategyType:  st.StrategyType,
		Registered:    st.Registered,
		TargetInfo:    st.TargetInfo,
		LastOperation: st.LastOperation,
		LastError:     st.LastError,
	}
}

// standbyServiceWrapper wraps standby.Service to implement lifecycle.Service.
type standbyServiceWrapper struct {
	service *standby.Service
}

func newStandbyServiceWrapper(svc *standby.Service) *standbyServiceWrapper {
	return &standbyServiceWrapper{service: svc}
}

func (s *standbyServiceWrapper) Name() string { return "standby-service" }

func (s *standbyServiceWrapper) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *standbyServiceWrapper) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyServiceWrapper) Health() error {
	return s.service.Healthy()
}
