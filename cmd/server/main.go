// Command server starts the opqo-media pipeline HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"opqo-media/internal/api"
	"opqo-media/internal/observability/logging"
	"opqo-media/internal/observability/metrics"
	"opqo-media/internal/pipeline"
	"opqo-media/internal/serverutil"
	"opqo-media/internal/storage"
)

func main() {
	envFile := flag.String("env-file", "", "path to a .env file loaded before flag resolution")
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	stagingDir := flag.String("staging-dir", "", "directory for staged upload chunks")
	workDir := flag.String("work-dir", "", "directory for assembled sources and rendition output")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	workers := flag.Int("workers", 0, "number of pipeline workers")
	encodeConcurrency := flag.Int("encode-concurrency", 0, "maximum simultaneous rendition encodes per video")
	encodeTimeout := flag.Duration("encode-timeout", 0, "wall clock limit for a single rendition encode")
	publishAttempts := flag.Int("publish-attempts", 0, "upload attempts before a publish is abandoned")
	publishBackoff := flag.Duration("publish-backoff", 0, "base backoff between publish retries")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix for published artifacts")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for playback URLs")
	eventQueueDriver := flag.String("event-queue-driver", "", "pipeline event queue driver (memory or redis)")
	eventRedisAddr := flag.String("event-queue-redis-addr", "", "Redis address for pipeline events")
	eventRedisAddrs := flag.String("event-queue-redis-addrs", "", "comma separated Redis addresses for pipeline events")
	eventRedisUsername := flag.String("event-queue-redis-username", "", "Redis username for pipeline events")
	eventRedisPassword := flag.String("event-queue-redis-password", "", "Redis password for pipeline events")
	eventRedisStream := flag.String("event-queue-redis-stream", "", "Redis stream key for pipeline events")
	eventRedisGroup := flag.String("event-queue-redis-group", "", "Redis consumer group for pipeline events")
	eventRedisMasterName := flag.String("event-queue-redis-sentinel-master", "", "Redis sentinel master name for pipeline events")
	eventRedisPoolSize := flag.Int("event-queue-redis-pool-size", 0, "maximum Redis connections for pipeline events")
	eventRedisTLSCA := flag.String("event-queue-redis-tls-ca", "", "path to Redis TLS CA certificate for pipeline events")
	eventRedisTLSCert := flag.String("event-queue-redis-tls-cert", "", "path to Redis TLS client certificate for pipeline events")
	eventRedisTLSKey := flag.String("event-queue-redis-tls-key", "", "path to Redis TLS client key for pipeline events")
	eventRedisTLSServerName := flag.String("event-queue-redis-tls-server-name", "", "override Redis TLS server name for pipeline events")
	eventRedisTLSSkipVerify := flag.Bool("event-queue-redis-tls-skip-verify", false, "skip Redis TLS verification for pipeline events")
	callbackSecret := flag.String("callback-secret", "", "shared secret for the internal encode completion callback")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "grace period for draining on shutdown")
	flag.Parse()

	loadEnvFile(*envFile)

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("OPQO_MEDIA_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("OPQO_MEDIA_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("OPQO_MEDIA_ADDR"), ":8080")

	store, storeCloser, err := openDatastore(datastoreSettings{
		driver:          firstNonEmpty(*storageDriver, os.Getenv("OPQO_MEDIA_STORAGE_DRIVER")),
		dataPath:        *dataPath,
		dsn:             resolvePostgresDSN(*postgresDSN),
		maxConns:        resolveInt(*postgresMaxConns, "OPQO_MEDIA_POSTGRES_MAX_CONNS"),
		minConns:        resolveInt(*postgresMinConns, "OPQO_MEDIA_POSTGRES_MIN_CONNS"),
		maxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "OPQO_MEDIA_POSTGRES_MAX_CONN_LIFETIME", 0),
		maxConnIdle:     resolveDuration(*postgresMaxConnIdle, "OPQO_MEDIA_POSTGRES_MAX_CONN_IDLE", 0),
		healthInterval:  resolveDuration(*postgresHealthInterval, "OPQO_MEDIA_POSTGRES_HEALTH_INTERVAL", 0),
		acquireTimeout:  resolveDuration(*postgresAcquireTimeout, "OPQO_MEDIA_POSTGRES_ACQUIRE_TIMEOUT", 0),
		appName:         firstNonEmpty(*postgresAppName, os.Getenv("OPQO_MEDIA_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	objectCfg := storage.ObjectStorageConfig{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("OPQO_MEDIA_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("OPQO_MEDIA_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("OPQO_MEDIA_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("OPQO_MEDIA_OBJECT_SECRET_KEY")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("OPQO_MEDIA_OBJECT_BUCKET")),
		UseSSL:         resolveBool(*objectUseSSL, "OPQO_MEDIA_OBJECT_USE_SSL"),
		Prefix:         firstNonEmpty(*objectPrefix, os.Getenv("OPQO_MEDIA_OBJECT_PREFIX")),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("OPQO_MEDIA_OBJECT_PUBLIC_ENDPOINT")),
	}
	objects := storage.NewObjectStorage(objectCfg)
	if !objects.Enabled() {
		logger.Warn("object storage not configured, published artifacts stay local")
	}

	queueCfg := pipeline.RedisQueueConfig{
		Addr:       firstNonEmpty(*eventRedisAddr, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*eventRedisAddrs, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*eventRedisUsername, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*eventRedisPassword, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*eventRedisStream, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*eventRedisGroup, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*eventRedisMasterName, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*eventRedisPoolSize, "OPQO_MEDIA_EVENT_QUEUE_REDIS_POOL_SIZE"),
		TLS: pipeline.RedisTLSConfig{
			CAFile:             firstNonEmpty(*eventRedisTLSCA, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*eventRedisTLSCert, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*eventRedisTLSKey, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*eventRedisTLSServerName, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*eventRedisTLSSkipVerify, "OPQO_MEDIA_EVENT_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureEventQueue(firstNonEmpty(*eventQueueDriver, os.Getenv("OPQO_MEDIA_EVENT_QUEUE_DRIVER")), queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	pipe := pipeline.New(pipeline.Config{
		Store:             store,
		Objects:           objects,
		Queue:             queue,
		StagingRoot:       resolvePath(*stagingDir, "OPQO_MEDIA_STAGING_DIR", "data/staging"),
		WorkRoot:          resolvePath(*workDir, "OPQO_MEDIA_WORK_DIR", "data/work"),
		FFmpegPath:        firstNonEmpty(*ffmpegPath, os.Getenv("OPQO_MEDIA_FFMPEG")),
		Workers:           resolveInt(*workers, "OPQO_MEDIA_WORKERS"),
		EncodeConcurrency: resolveInt(*encodeConcurrency, "OPQO_MEDIA_ENCODE_CONCURRENCY"),
		EncodeTimeout:     resolveDuration(*encodeTimeout, "OPQO_MEDIA_ENCODE_TIMEOUT", 0),
		PublishAttempts:   resolveInt(*publishAttempts, "OPQO_MEDIA_PUBLISH_ATTEMPTS"),
		PublishBackoff:    resolveDuration(*publishBackoff, "OPQO_MEDIA_PUBLISH_BACKOFF", 0),
		Logger:            logging.WithComponent(logger, "pipeline"),
		Metrics:           recorder,
	})
	pipe.Start()

	handler := api.NewHandler(pipe, store)
	handler.Callback = api.NewCallbackVerifier(firstNonEmpty(*callbackSecret, os.Getenv("OPQO_MEDIA_CALLBACK_SECRET")))
	if handler.Callback == nil {
		logger.Warn("encode callback secret not configured, internal callback disabled")
	}

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           api.Routes(handler, recorder, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("opqo-media API listening", "addr", listenAddr)
	logger.Info("metrics endpoint available", "path", "/metrics")
	if err := serverutil.Run(ctx, serverutil.Config{
		Server:          httpServer,
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "OPQO_MEDIA_SHUTDOWN_TIMEOUT", 10*time.Second),
	}); err != nil {
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipeline drain failed", "error", err)
	}
	if storeCloser != nil {
		if err := storeCloser(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	logger.Info("server stopped")
}

// loadEnvFile loads variables from a .env file, if one exists, without
// overriding values already present in the environment.
func loadEnvFile(path string) {
	if path = strings.TrimSpace(path); path != "" {
		_ = godotenv.Load(path)
		return
	}
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
}

type datastoreSettings struct {
	driver          string
	dataPath        string
	dsn             string
	maxConns        int
	minConns        int
	maxConnLifetime time.Duration
	maxConnIdle     time.Duration
	healthInterval  time.Duration
	acquireTimeout  time.Duration
	appName         string
}

func openDatastore(settings datastoreSettings) (storage.Repository, func(context.Context) error, error) {
	driver, err := resolveStorageDriver(settings.driver, settings.dsn)
	if err != nil {
		return nil, nil, err
	}
	switch driver {
	case "json":
		store, err := storage.NewJSONRepository(resolveDataPath(settings.dataPath, os.Getenv("OPQO_MEDIA_DATA")))
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "postgres":
		if settings.dsn == "" {
			return nil, nil, fmt.Errorf("postgres storage selected without DSN")
		}
		var options []storage.Option
		if settings.maxConns > 0 || settings.minConns > 0 {
			options = append(options, storage.WithPostgresPoolLimits(int32(settings.maxConns), int32(settings.minConns)))
		}
		if settings.maxConnLifetime > 0 || settings.maxConnIdle > 0 || settings.healthInterval > 0 {
			options = append(options, storage.WithPostgresPoolDurations(settings.maxConnLifetime, settings.maxConnIdle, settings.healthInterval))
		}
		if settings.acquireTimeout > 0 {
			options = append(options, storage.WithPostgresAcquireTimeout(settings.acquireTimeout))
		}
		if settings.appName != "" {
			options = append(options, storage.WithPostgresApplicationName(settings.appName))
		}
		store, err := storage.NewPostgresRepository(settings.dsn, options...)
		if err != nil {
			return nil, nil, err
		}
		closer := func(ctx context.Context) error {
			if c, ok := store.(interface{ Close(context.Context) error }); ok {
				return c.Close(ctx)
			}
			return nil
		}
		return store, closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func configureEventQueue(driver string, cfg pipeline.RedisQueueConfig, logger *slog.Logger) (pipeline.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the event queue")
		}
		cfg.Logger = logging.WithComponent(logger, "event-queue")
		return pipeline.NewRedisQueue(cfg)
	case "", "memory":
		return pipeline.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported event queue driver %q", driver)
	}
}

func resolveStorageDriver(configured, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(configured)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePath(flagValue, envKey, fallback string) string {
	if value := firstNonEmpty(flagValue, os.Getenv(envKey)); value != "" {
		return value
	}
	return fallback
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("OPQO_MEDIA_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
