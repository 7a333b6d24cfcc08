package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boardgov/go-routing-engine/internal/consumer"
	"github.com/boardgov/go-routing-engine/internal/directory"
	"github.com/boardgov/go-routing-engine/internal/dispatch"
	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/engine"
	"github.com/boardgov/go-routing-engine/internal/escalation"
	"github.com/boardgov/go-routing-engine/internal/handler"
	"github.com/boardgov/go-routing-engine/internal/middleware"
	"github.com/boardgov/go-routing-engine/internal/publisher"
	"github.com/boardgov/go-routing-engine/internal/queue"
	"github.com/boardgov/go-routing-engine/internal/ratelimit"
	"github.com/boardgov/go-routing-engine/internal/repository"
	"github.com/boardgov/go-routing-engine/internal/service"
	"github.com/boardgov/go-routing-engine/internal/shared/config"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
	"github.com/boardgov/go-routing-engine/internal/shared/mongodb"
	"github.com/boardgov/go-routing-engine/internal/shared/rabbitmq"
	"github.com/boardgov/go-routing-engine/internal/shared/redis"
)

func main() {
	// Initialize logger
	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting Routing Engine...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", "error", err)
	}

	// Initialize MongoDB
	mongoClient, err := mongodb.NewMongoClient(cfg.MongoDB.URI, cfg.MongoDB.Database)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", "error", err)
	}
	defer mongoClient.Disconnect(context.Background())

	// Initialize RabbitMQ
	rabbitMQClient, err := rabbitmq.NewRabbitMQClient(cfg.RabbitMQ.URL)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", "error", err)
	}
	defer rabbitMQClient.Close()

	// Initialize repositories
	notificationRepo := repository.NewNotificationRepository(mongoClient)
	ruleRepo := repository.NewRuleRepository(mongoClient)
	profileRepo := repository.NewProfileRepository(mongoClient)
	decisionRepo := repository.NewDecisionRepository(mongoClient)
	deliveryRepo := repository.NewDeliveryRepository(mongoClient)
	escalationRepo := repository.NewEscalationRepository(mongoClient)

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelIndexes()
	for name, ensure := range map[string]func(context.Context) error{
		"notifications": notificationRepo.EnsureIndexes,
		"rules":         ruleRepo.EnsureIndexes,
		"profiles":      profileRepo.EnsureIndexes,
		"decisions":     decisionRepo.EnsureIndexes,
		"deliveries":    deliveryRepo.EnsureIndexes,
		"escalations":   escalationRepo.EnsureIndexes,
	} {
		if err := ensure(indexCtx); err != nil {
			log.Fatal("Failed to ensure indexes", "collection", name, "error", err)
		}
	}

	// Rate-cap counters: Redis when configured, else in-process shards
	var counter engine.RateCounter
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("Failed to connect to Redis", "error", err)
		}
		defer redisClient.Close()
		counter = ratelimit.NewRedisCounter(redisClient.Raw())
		log.Info("Rate caps backed by Redis", "addr", cfg.Redis.Addr)
	} else {
		counter = ratelimit.NewMemoryCounter()
		log.Info("Rate caps backed by in-process counters")
	}

	// Planning core: cached reference data, matcher, planner
	ruleSource := engine.NewCachedRuleSource(ruleRepo, cfg.Engine.RuleCacheTTL)
	profileSource := engine.NewCachedProfileSource(profileRepo, cfg.Engine.ProfileCacheTTL)
	matcher := engine.NewMatcher(ruleSource)
	planner := engine.NewPlanner(counter, cfg.Engine.DeviceActiveWindow, log)

	// Channel senders from configured gateway endpoints
	registry := dispatch.NewRegistry()
	for channel, baseURL := range cfg.Engine.GatewayURLs {
		registry.Register(domain.Channel(channel), dispatch.NewGatewaySender(domain.Channel(channel), baseURL, cfg.Engine.DispatchTimeout))
	}

	// Event publisher
	eventPublisher, err := publisher.NewPublisher(rabbitMQClient, cfg.RabbitMQ.EventExchange, log)
	if err != nil {
		log.Fatal("Failed to declare event exchange", "error", err)
	}

	// Dispatcher
	dispatcher := dispatch.NewDispatcher(registry, deliveryRepo, eventPublisher, cfg.Engine.DispatchTimeout, log)

	// Directory client for devices and escalation targets
	dirClient := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.Timeout, log)

	// Deferred delivery queue
	delayQueue := queue.NewDelayQueue()

	// Escalation scheduler
	escalationScheduler := escalation.NewScheduler(escalationRepo, log, cfg.Engine.SchedulerLookahead, cfg.Engine.ScanInterval)

	// Routing service
	routingService := service.NewRoutingService(service.Options{
		Notifications:      notificationRepo,
		Decisions:          decisionRepo,
		Deliveries:         deliveryRepo,
		Escalations:        escalationRepo,
		Matcher:            matcher,
		Planner:            planner,
		Profiles:           profileSource,
		Devices:            dirClient,
		Membership:         dirClient,
		Dispatcher:         dispatcher,
		Timers:             escalationScheduler,
		Events:             eventPublisher,
		Deferred:           delayQueue,
		EscalationMaxRetry: cfg.Engine.EscalationMaxRetry,
	}, log)

	// The scheduler fires into the service; wired after both exist.
	escalationScheduler.SetExecutor(routingService)
	if err := escalationScheduler.Start(); err != nil {
		log.Fatal("Failed to start escalation scheduler", "error", err)
	}

	// Deferred release worker
	deferredWorker := service.NewDeferredWorker(routingService, delayQueue, log)
	deferredWorker.Start()

	// Initialize HTTP handlers
	notificationHandler := handler.NewNotificationHandler(routingService, log)
	ruleHandler := handler.NewRuleHandler(ruleRepo, ruleSource, log)
	profileHandler := handler.NewProfileHandler(profileRepo, profileSource, log)

	// Initialize rate limiter
	rateLimiter := middleware.NewOrgRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateBurst)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	// Health check endpoints
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := mongoClient.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes with tenancy and rate limiting
	v1 := router.Group("/api/v1")
	v1.Use(middleware.TenancyMiddleware())
	v1.Use(middleware.RateLimitMiddleware(rateLimiter))
	{
		// Notifications
		notifications := v1.Group("/notifications")
		{
			notifications.POST("", notificationHandler.Submit)
			notifications.GET("", notificationHandler.List)
			notifications.GET("/:id", notificationHandler.Get)
			notifications.POST("/:id/ack", notificationHandler.Acknowledge)
			notifications.GET("/:id/decision", notificationHandler.GetDecisions)
			notifications.GET("/:id/deliveries", notificationHandler.ListDeliveries)
			notifications.POST("/:id/deliveries/:record_id/confirm", notificationHandler.ConfirmDelivery)
			notifications.GET("/:id/escalations", notificationHandler.ListEscalations)
		}

		// Routing rules
		rules := v1.Group("/rules")
		{
			rules.POST("", ruleHandler.Create)
			rules.GET("", ruleHandler.List)
			rules.GET("/:id", ruleHandler.Get)
			rules.PUT("/:id", ruleHandler.Update)
			rules.DELETE("/:id", ruleHandler.Deactivate)
		}

		// Routing profiles
		profiles := v1.Group("/profiles")
		{
			profiles.PUT("", profileHandler.Upsert)
			profiles.GET("", profileHandler.Get)
			profiles.DELETE("", profileHandler.Delete)
			profiles.GET("/effective/:user_id", profileHandler.GetEffective)
		}
	}

	// Start governance event consumer
	var eventConsumer *consumer.EventConsumer
	if cfg.RabbitMQ.ConsumerEnabled {
		eventConsumer = consumer.NewEventConsumer(cfg.RabbitMQ, routingService, cfg.Engine.DispatchWorkers, log)
		if err := eventConsumer.Start(); err != nil {
			log.Fatal("Failed to start event consumer", "error", err)
		}
	}

	// Start HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Info("Routing Engine started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Routing Engine...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	// Stop intake before the pipeline so in-flight work drains cleanly.
	if eventConsumer != nil {
		eventConsumer.Stop()
	}
	escalationScheduler.Stop()
	deferredWorker.Stop()

	log.Info("Routing Engine stopped")
}
