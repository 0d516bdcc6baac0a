package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/gocomet/logistics-dispatch/internal/api/handlers"
	"github.com/gocomet/logistics-dispatch/internal/api/middleware"
	"github.com/gocomet/logistics-dispatch/internal/api/routes"
	"github.com/gocomet/logistics-dispatch/internal/config"
	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
	"github.com/gocomet/logistics-dispatch/internal/messaging"
	bookingsvc "github.com/gocomet/logistics-dispatch/internal/service/booking"
	"github.com/gocomet/logistics-dispatch/internal/service/matching"
	"github.com/gocomet/logistics-dispatch/internal/service/notification"
	"github.com/gocomet/logistics-dispatch/internal/service/pricing"
	"github.com/gocomet/logistics-dispatch/internal/service/scheduler"
	"github.com/gocomet/logistics-dispatch/internal/service/tracking"
	"github.com/gocomet/logistics-dispatch/internal/storage"
	"github.com/gocomet/logistics-dispatch/pkg/cache"
	"github.com/gocomet/logistics-dispatch/pkg/database"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
	"github.com/gocomet/logistics-dispatch/pkg/monitoring"
	"github.com/gocomet/logistics-dispatch/pkg/websocket"
)

const poolStatsInterval = 30 * time.Second

// redisCheck adapts a redis client to the health check interface.
type redisCheck struct{ client *redis.Client }

func (r redisCheck) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting logistics dispatch",
		logger.String("env", cfg.Server.Env),
		logger.String("port", cfg.Server.Port),
		logger.String("store", cfg.Storage.Backend),
		logger.String("bus", cfg.Bus.Backend),
		logger.String("geo_index", cfg.Geo.IndexBackend),
		logger.String("scheduler", cfg.Scheduler.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize New Relic
	nrApp, err := monitoring.New(monitoring.Config{
		LicenseKey: cfg.NewRelic.LicenseKey,
		AppName:    cfg.NewRelic.AppName,
		Enabled:    cfg.NewRelic.Enabled,
		LogLevel:   cfg.NewRelic.LogLevel,
	})
	if err != nil {
		appLogger.Warn("Failed to initialize New Relic", logger.Err(err))
	} else if nrApp.IsEnabled() {
		appLogger.Info("New Relic APM initialized successfully",
			logger.String("app_name", cfg.NewRelic.AppName))
	} else {
		appLogger.Info("New Relic APM disabled")
	}
	defer nrApp.Shutdown(10 * time.Second)

	// Redis backs the geo index, the scheduler queue and demand factors.
	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient, err = cache.NewRedisClient(ctx, cache.Config{
			Host:        cfg.Redis.Host,
			Port:        cfg.Redis.Port,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			MaxRetries:  cfg.Redis.MaxRetries,
			PoolSize:    cfg.Redis.PoolSize,
			MinIdleConn: cfg.Redis.MinIdleConn,
			DialTimeout: cfg.Redis.DialTimeout,
			ReadTimeout: cfg.Redis.ReadTimeout,
		})
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", logger.Err(err))
		}
		defer cache.Close(redisClient)
		appLogger.Info("Connected to Redis successfully")
	}

	store, db := openStore(ctx, cfg, appLogger)
	defer store.Close()

	bus := openBus(cfg, appLogger)
	defer bus.Close()

	grid := geo.NewH3Grid(geo.Resolution)
	var index geo.Index = geo.NewMemoryIndex(grid)
	if cfg.Geo.IndexBackend == config.BackendRedis {
		index = geo.NewRedisIndex(redisClient, grid)
	}

	// Tracking
	trackingOpts := []tracking.Option{tracking.WithNewRelic(nrApp)}
	if cfg.Tracking.PersistBuffer > 0 {
		trackingOpts = append(trackingOpts, tracking.WithPersistence(store, cfg.Tracking.PersistBuffer))
	}
	registry := tracking.NewRegistry(index, grid, appLogger, trackingOpts...)
	go registry.RunPersister(ctx)
	go tracking.NewSweeper(registry, cfg.Tracking.TTL, cfg.Tracking.SweepInterval, appLogger).Run(ctx)
	if err := tracking.NewConsumer(registry, bus, appLogger).Start(ctx); err != nil {
		appLogger.Fatal("Failed to start location consumer", logger.Err(err))
	}

	// Matching and pricing
	matcher := matching.NewService(index, grid, registry, matching.NewStoreMaintenance(store), appLogger, nrApp,
		matching.Config{MaxRadiusKM: cfg.Matching.MaxRadiusKM, MaxTimeout: cfg.Matching.MaxTimeout})
	prices := pricing.NewService(redisClient, grid, nrApp, pricingConfig(cfg.Pricing))
	if err := prices.StartDemandConsumer(ctx, bus, appLogger); err != nil {
		appLogger.Fatal("Failed to start demand consumer", logger.Err(err))
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(appLogger)
	go wsHub.Run(ctx)
	notifier := notification.NewDispatcher(wsHub, bus, appLogger)

	// Bookings
	machine := bookingsvc.NewMachine(store, registry, bus, notifier, nrApp, appLogger)
	bookings := bookingsvc.NewService(store, machine, matcher, registry, prices.Price, prices, grid, nrApp, appLogger)

	var queue scheduler.Queue = scheduler.NewMemoryQueue()
	if cfg.Scheduler.Backend == config.BackendRedis {
		queue = scheduler.NewRedisQueue(redisClient, cfg.Scheduler.RedisKey)
	}
	sched := scheduler.New(queue, bookings, appLogger, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		RetryDelay:   cfg.Scheduler.RetryDelay,
	})
	bookings.SetScheduler(sched)
	go sched.Run(ctx)

	// Initialize handlers with dependencies
	h := handlers.NewHandlers(registry, bookings, prices, wsHub, appLogger)
	h.Upgrader.ReadBufferSize = cfg.WebSocket.ReadBufferSize
	h.Upgrader.WriteBufferSize = cfg.WebSocket.WriteBufferSize
	h.Checks["store"] = store
	if redisClient != nil {
		h.Checks["redis"] = redisCheck{client: redisClient}
	}
	wsHub.OnMessage(h.HandleSocketMessage)
	wsHub.OnLastSessionClosed(h.HandleSessionClosed)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := routes.Options{}
	if nrApp.IsEnabled() {
		opts.NewRelic = nrApp.Application
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}
	switch {
	case cfg.RateLimit.Enabled && redisClient != nil:
		opts.RateLimit = middleware.RateLimit(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, appLogger.Named("rate_limit"))
		appLogger.Info("Rate limiting enabled",
			logger.Int("requests", cfg.RateLimit.Requests),
			logger.Duration("window", cfg.RateLimit.Window),
		)
	case cfg.RateLimit.Enabled:
		appLogger.Warn("Rate limiting needs Redis, running without it")
	}
	router := routes.NewRouter(h, appLogger, opts)

	appLogger.Info("Routes configured successfully")

	go recordPoolStats(ctx, nrApp, db, redisClient)

	// Create HTTP server
	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// Start server in a goroutine
	go func() {
		appLogger.Info("Server starting", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	<-ctx.Done()

	appLogger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", logger.Err(err))
	}

	appLogger.Info("Server stopped gracefully")
}

// openStore returns the configured store. db is nil for the memory store.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.Store, *sql.DB) {
	if cfg.Storage.Backend != config.BackendPostgres {
		return storage.NewMemoryStore(), nil
	}

	db, err := database.NewPostgresDB(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConnections,
		MaxIdle:  cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", logger.Err(err))
	}
	log.Info("Connected to PostgreSQL successfully")

	store := storage.NewPostgresStore(db)
	if cfg.Storage.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			log.Fatal("Failed to migrate schema", logger.Err(err))
		}
	}
	return store, db
}

func openBus(cfg *config.Config, log *logger.Logger) messaging.Bus {
	switch cfg.Bus.Backend {
	case config.BackendKafka:
		return messaging.NewKafkaBus(messaging.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			GroupID:      cfg.Kafka.GroupID,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}, log)
	case config.BackendRabbitMQ:
		bus, err := messaging.NewRabbitBus(messaging.RabbitConfig{
			Host:        cfg.RabbitMQ.Host,
			Port:        cfg.RabbitMQ.Port,
			User:        cfg.RabbitMQ.User,
			Password:    cfg.RabbitMQ.Password,
			Exchange:    cfg.RabbitMQ.Exchange,
			QueuePrefix: cfg.RabbitMQ.QueuePrefix,
		}, log)
		if err != nil {
			log.Fatal("Failed to connect to RabbitMQ", logger.Err(err))
		}
		return bus
	default:
		return messaging.NewMemoryBus(log, cfg.Bus.Buffer)
	}
}

func pricingConfig(c config.PricingConfig) pricing.Config {
	pc := pricing.DefaultConfig()
	for vt, v := range c.BaseFare {
		pc.BaseFare[driver.VehicleType(vt)] = v
	}
	for vt, v := range c.PerKMRate {
		pc.PerKMRate[driver.VehicleType(vt)] = v
	}
	pc.MinPrice = c.MinPrice
	pc.MaxPrice = c.MaxPrice
	pc.PeakMultiplier = c.PeakMultiplier
	pc.MaxSurgeMultiplier = c.MaxSurgeMultiplier
	pc.MinSurgeMultiplier = c.MinSurgeMultiplier
	if c.DemandTTL > 0 {
		pc.DemandTTL = c.DemandTTL
	}
	return pc
}

func recordPoolStats(ctx context.Context, nr *monitoring.NewRelicApp, db *sql.DB, client *redis.Client) {
	if !nr.IsEnabled() {
		return
	}
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				nr.RecordDatabasePoolStats(db.Stats())
			}
			if client != nil {
				nr.RecordRedisPoolStats(client.PoolStats())
			}
		}
	}
}
