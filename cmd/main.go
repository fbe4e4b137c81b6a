package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catalog-import-service/internal/config"
	"catalog-import-service/internal/events"
	"catalog-import-service/internal/handlers"
	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/metrics"
	"catalog-import-service/internal/middleware"
	"catalog-import-service/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title Catalog Import API
// @version 1.0.0
// @description Bulk catalog import with parent resolution, reconciliation and barcode pool assignment

// @contact.name Catalog API Support
// @contact.url http://www.example.com/support
// @contact.email support@example.com

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8090
// @BasePath /api/v1

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := config.Load()

	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Environment == "production" {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(logger).WithField("service", "catalog-import-service")

	checks := map[string]handlers.Check{}

	// Initialize store. The memory backend keeps everything in process and
	// is meant for local runs only.
	var store repository.Store
	if cfg.PoolBackend == config.PoolBackendMemory {
		log.Println("POOL_BACKEND=memory, using the in-memory catalog store")
		store = repository.NewMemoryStore()
	} else {
		db, err := config.InitDB(cfg)
		if err != nil {
			log.Fatal("Failed to connect to database:", err)
		}
		checks["database"] = func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}

		var pool repository.BarcodePool
		if cfg.PoolBackend == config.PoolBackendDynamoDB {
			client, err := config.NewDynamoClient(context.Background(), cfg)
			if err != nil {
				log.Fatal("Failed to initialize DynamoDB client:", err)
			}
			pool = repository.NewDynamoBarcodePool(client, cfg.DynamoTable, cfg.DynamoIndex)
			log.Printf("✓ Barcode pool on DynamoDB table %s", cfg.DynamoTable)
		}
		store = repository.NewGormStore(db, pool)
	}

	// Initialize Redis client
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("WARNING: Failed to parse Redis URL: %v (falling back to localhost)", err)
		redisOpts = &redis.Options{
			Addr: "localhost:6379",
		}
	}
	redisClient := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("WARNING: Failed to connect to Redis: %v (import jobs cannot be tracked until it is reachable)", err)
	} else {
		log.Println("✓ Redis connected successfully")
	}
	cancel()
	checks["redis"] = func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}

	jobStore := repository.NewJobStore(redisClient, cfg.JobTTL)
	mappingCache := repository.NewMappingCache(redisClient, cfg.MappingTTL)

	// Publish progress on NATS only if NATS_URL is set
	var progressEvents events.Sink
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, "catalog-import-service", entry)
		if err != nil {
			log.Printf("WARNING: Failed to connect to NATS: %v (continuing without event publishing)", err)
		} else {
			defer nc.Drain()
			progressEvents = events.NewNATSSink(nc, cfg.NATSSubjectPrefix)
			log.Println("✓ Progress events publisher initialized (NATS connected)")
		}
	} else {
		log.Println("NATS_URL not set, skipping event publishing initialization")
	}

	// Initialize Prometheus metrics
	m := metrics.New("catalog", "import_service")
	log.Println("✓ Prometheus metrics initialized")

	// Initialize handlers
	importService := importer.NewService(store, entry, m, cfg.ImportWorkers)
	importHandler := handlers.NewImportHandler(importService, jobStore, mappingCache, handlers.ImportOptions{
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		ProgressBuffer: cfg.ProgressBuffer,
		Events:         progressEvents,
	}, entry)
	barcodeHandler := handlers.NewBarcodeHandler(store.Barcodes(), entry)
	healthHandler := handlers.NewHealthHandler(checks)

	// Initialize Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(m.Middleware())
	router.Use(middleware.CORS(cfg.CORSOrigins))

	// Health check endpoints
	router.GET("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/metrics", m.Handler())

	api := router.Group("/api/v1")
	{
		imports := api.Group("/imports")
		{
			imports.GET("/template", importHandler.GetImportTemplate)
			imports.GET("/mapping", importHandler.GetMapping)
			imports.PUT("/mapping", importHandler.SaveMapping)
			imports.POST("/preview", importHandler.PreviewImport)
			imports.POST("", importHandler.StartImport)
			imports.GET("/:id", importHandler.GetImport)
		}

		barcodes := api.Group("/barcodes")
		{
			barcodes.POST("", barcodeHandler.AddBarcodes)
			barcodes.GET("/stats", barcodeHandler.GetPoolStats)
		}
	}

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Catalog import service starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-quit
	log.Println("Shutting down catalog-import-service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	// Running imports finish before their connections close
	importHandler.Wait()
	if err := redisClient.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}

	log.Println("Catalog import service stopped")
}
