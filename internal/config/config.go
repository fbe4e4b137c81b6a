package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"catalog-import-service/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Barcode pool backends
const (
	PoolBackendPostgres = "postgres"
	PoolBackendDynamoDB = "dynamodb"
	PoolBackendMemory   = "memory"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisURL string

	// NATS, optional
	NATSURL           string
	NATSSubjectPrefix string

	// Server
	Port        string
	Environment string
	CORSOrigins []string

	// Barcode pool
	PoolBackend  string
	DynamoTable  string
	DynamoIndex  string
	AWSRegion    string
	AWSEndpoint  string
	AWSAccessKey string
	AWSSecretKey string

	// Imports
	UploadDir      string
	MaxUploadMB    int
	ImportWorkers  int
	ProgressBuffer int
	JobTTL         time.Duration
	MappingTTL     time.Duration
}

func Load() *Config {
	dbPort, _ := strconv.Atoi(getEnv("DB_PORT", "5432"))
	maxUploadMB, _ := strconv.Atoi(getEnv("MAX_UPLOAD_MB", "20"))
	importWorkers, _ := strconv.Atoi(getEnv("IMPORT_WORKERS", "0"))
	progressBuffer, _ := strconv.Atoi(getEnv("PROGRESS_BUFFER", "64"))
	jobTTL, err := time.ParseDuration(getEnv("JOB_TTL", "24h"))
	if err != nil {
		jobTTL = 24 * time.Hour
	}
	mappingTTL, err := time.ParseDuration(getEnv("MAPPING_TTL", "720h"))
	if err != nil {
		mappingTTL = 30 * 24 * time.Hour
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     dbPort,
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "catalog_db"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// NATS
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "imports"),

		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:4200")),

		// Barcode pool
		PoolBackend:  strings.ToLower(getEnv("POOL_BACKEND", PoolBackendPostgres)),
		DynamoTable:  getEnv("DYNAMODB_POOL_TABLE", "barcode_pool"),
		DynamoIndex:  getEnv("DYNAMODB_POOL_INDEX", "status-order-index"),
		AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
		AWSEndpoint:  os.Getenv("AWS_ENDPOINT"),
		AWSAccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),

		// Imports
		UploadDir:      getEnv("UPLOAD_DIR", os.TempDir()),
		MaxUploadMB:    maxUploadMB,
		ImportWorkers:  importWorkers,
		ProgressBuffer: progressBuffer,
		JobTTL:         jobTTL,
		MappingTTL:     mappingTTL,
	}
}

// MaxUploadBytes is the request body limit for uploads, 0 for none
func (c *Config) MaxUploadBytes() int64 {
	if c.MaxUploadMB <= 0 {
		return 0
	}
	return int64(c.MaxUploadMB) << 20
}

func InitDB(cfg *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Adds missing columns and indexes, never drops existing ones
	log.Println("Running auto-migrations...")
	if err := db.AutoMigrate(
		&models.Product{},
		&models.ProductVariant{},
		&models.VariantBarcode{},
		&models.BarcodePoolEntry{},
	); err != nil {
		// Dropping a constraint that was never created is harmless
		errStr := err.Error()
		if strings.Contains(errStr, "does not exist") && strings.Contains(errStr, "constraint") {
			log.Printf("Note: Migration constraint warning (safe to ignore): %v", err)
		} else {
			return nil, fmt.Errorf("failed to run auto-migrations: %w", err)
		}
	}
	log.Println("Auto-migrations completed successfully")

	return db, nil
}

// NewDynamoClient builds a DynamoDB client. AWS_ENDPOINT points it at a local
// emulator; static keys are used when both are set.
func NewDynamoClient(ctx context.Context, cfg *Config) (*dynamodb.Client, error) {
	opts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSAccessKey != "" && cfg.AWSSecretKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKey, cfg.AWSSecretKey, ""),
		))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		}
	}), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
