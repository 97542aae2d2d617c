package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/freshnest/api/internal/handlers"
	"github.com/freshnest/api/internal/payments"
	"github.com/freshnest/api/internal/platform/config"
	pfirestore "github.com/freshnest/api/internal/platform/firestore"
	"github.com/freshnest/api/internal/platform/idempotency"
	"github.com/freshnest/api/internal/platform/jobs"
	"github.com/freshnest/api/internal/platform/observability"
	"github.com/freshnest/api/internal/platform/secrets"
	"github.com/freshnest/api/internal/pricing"
	"github.com/freshnest/api/internal/repositories"
	firestoreRepo "github.com/freshnest/api/internal/repositories/firestore"
	"github.com/freshnest/api/internal/services"
)

const (
	firestoreCloseTimeout = 5 * time.Second
	drainTimeout          = 10 * time.Second
	setupRateLimit        = 30
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := handlers.BuildInfo{
		Version:     buildVersion(envValues, cfg),
		Environment: cfg.Service.Environment,
		StartedAt:   startedAt,
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), firestoreCloseTimeout)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	if strings.TrimSpace(cfg.Stripe.APIKey) == "" {
		logger.Fatal("stripe api key is required for payment processing")
	}
	paymentsLogger := logger.Named("payments")
	processor, err := payments.NewStripeProcessor(payments.StripeProcessorConfig{
		APIKey: cfg.Stripe.APIKey,
		Logger: payments.EventLogger(observability.EventLogger(paymentsLogger)),
		Clock:  time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe processor", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	followUpTopic := pubsubClient.Topic(cfg.PubSub.FollowUpTopic)
	defer followUpTopic.Stop()

	followUps, err := jobs.NewPubSubFollowUpPublisher(followUpTopic)
	if err != nil {
		logger.Fatal("failed to initialise follow-up publisher", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, followUpTopicCheck(followUpTopic, cfg.PubSub.FollowUpTopic))
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	svc, err := buildServices(serviceWiring{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		processor: processor,
		followUps: followUps,
		buildInfo: buildInfo,
		startedAt: startedAt,
	})
	if err != nil {
		logger.Fatal("service wiring failed", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	stopCleanup := startIdempotencyCleanup(logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(buildInfo),
			handlers.WithHealthSystemService(svc.system),
		)),
		handlers.WithQuoteRoutes(handlers.NewQuoteHandlers(svc.quotes).Routes),
		handlers.WithBookingRoutes(handlers.NewBookingHandlers(svc.bookings, svc.quotes).Routes),
		handlers.WithBookingMiddlewares(idempotency.Middleware(
			idempotencyStore,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
		)),
		handlers.WithPaymentSetupRoutes(handlers.NewSetupHandlers(svc.setupFlows,
			handlers.WithSetupRateLimit(setupRateLimit, time.Minute),
		).Routes),
		handlers.WithCustomerRoutes(handlers.NewCustomerHandlers(svc.resolver).Routes),
	)

	serveAndDrain(logger, router, cfg.Server, stopCleanup)
}

type serviceWiring struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  repositories.Registry
	processor *payments.StripeProcessor
	followUps *jobs.PubSubFollowUpPublisher
	buildInfo handlers.BuildInfo
	startedAt time.Time
}

type serviceSet struct {
	quotes     services.QuoteService
	bookings   services.BookingService
	resolver   services.PaymentMethodResolver
	system     services.SystemService
	setupFlows *payments.SetupFlowStore
}

func buildServices(w serviceWiring) (serviceSet, error) {
	calculator, err := pricing.NewCalculator(pricing.CalculatorDeps{
		Catalog: pricing.DefaultCatalog(),
		Now:     time.Now,
		Logger:  observability.EventLogger(w.logger.Named("pricing")),
	})
	if err != nil {
		return serviceSet{}, fmt.Errorf("pricing calculator: %w", err)
	}

	quoteService, err := services.NewQuoteService(services.QuoteServiceDeps{
		Calculator: calculator,
	})
	if err != nil {
		return serviceSet{}, fmt.Errorf("quote service: %w", err)
	}

	resolver, err := services.NewPaymentMethodResolver(services.PaymentMethodResolverDeps{
		Customers: w.registry.Customers(),
		Methods:   w.registry.PaymentMethods(),
		Logger:    observability.EventLogger(w.logger.Named("methods")),
	})
	if err != nil {
		return serviceSet{}, fmt.Errorf("payment method resolver: %w", err)
	}

	paymentsLogger := w.logger.Named("payments")
	orchestrator, err := services.NewPaymentOrchestrator(services.PaymentOrchestratorDeps{
		Processor: w.processor,
		FollowUps: w.followUps,
		Clock:     time.Now,
		Logger:    observability.EventLogger(paymentsLogger),
		Currency:  w.cfg.Service.Currency,
	})
	if err != nil {
		return serviceSet{}, fmt.Errorf("payment orchestrator: %w", err)
	}

	bookingService, err := services.NewBookingService(services.BookingServiceDeps{
		Bookings:     w.registry.Bookings(),
		Resolver:     resolver,
		Orchestrator: orchestrator,
		Customers:    w.registry.Customers(),
		Methods:      w.registry.PaymentMethods(),
		MethodLookup: w.processor,
		Clock:        time.Now,
		Logger:       observability.EventLogger(w.logger.Named("bookings")),
	})
	if err != nil {
		return serviceSet{}, fmt.Errorf("booking service: %w", err)
	}

	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		Health:      w.registry.Health(),
		Version:     w.buildInfo.Version,
		Environment: w.buildInfo.Environment,
		StartedAt:   w.startedAt,
		Clock:       time.Now,
	})
	if err != nil {
		return serviceSet{}, fmt.Errorf("system service: %w", err)
	}

	setupFlows, err := payments.NewSetupFlowStore(payments.SetupFlowDeps{
		Processor: w.processor,
		Clock:     time.Now,
		Logger:    payments.EventLogger(observability.EventLogger(paymentsLogger)),
	})
	if err != nil {
		return serviceSet{}, fmt.Errorf("card setup flow: %w", err)
	}

	return serviceSet{
		quotes:     quoteService,
		bookings:   bookingService,
		resolver:   resolver,
		system:     systemService,
		setupFlows: setupFlows,
	}, nil
}

func followUpTopicCheck(topic *pubsub.Topic, name string) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "pubsub",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			exists, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("topic %s does not exist", name)
			}
			return nil
		},
	}
}

// startIdempotencyCleanup purges expired idempotency records on an interval.
// The returned function stops the loop and waits for it to finish.
func startIdempotencyCleanup(logger *zap.Logger, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig) func() {
	if cfg.CleanupInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(cfg.CleanupInterval)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				runCtx, cancelRun := context.WithTimeout(ctx, time.Minute)
				removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				cancelRun()
				if err != nil {
					logger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		cancel()
		wg.Wait()
	}
}

// serveAndDrain runs the HTTP server until SIGINT or SIGTERM, then stops the
// background cleanup and drains in-flight requests.
func serveAndDrain(logger *zap.Logger, handler http.Handler, cfg config.ServerConfig, stopCleanup func()) {
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("freshnest api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopCleanup()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildVersion(env map[string]string, cfg config.Config) string {
	if version := strings.TrimSpace(cfg.Service.Version); version != "" {
		return version
	}
	if version := strings.TrimSpace(env["API_BUILD_VERSION"]); version != "" {
		return version
	}
	return "dev"
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SERVICE_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := secretProjectMapFromEnv(env); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the config fields that must resolve from Secret
// Manager outside local development.
func requiredSecretNames(env map[string]string) []string {
	envLabel := strings.ToLower(strings.TrimSpace(env["API_SERVICE_ENVIRONMENT"]))
	if envLabel == "" || envLabel == "local" {
		return nil
	}
	return []string{"Stripe.APIKey"}
}

// secretProjectMapFromEnv parses "env=project,env=project" pairs.
func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	for _, entry := range strings.Split(env["API_SECRET_PROJECT_IDS"], ",") {
		label, project, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		label = strings.ToLower(strings.TrimSpace(label))
		project = strings.TrimSpace(project)
		if label != "" && project != "" {
			projects[label] = project
		}
	}
	return projects
}
