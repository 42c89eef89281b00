package di

import (
	"context"
	"fmt"
	"time"

	domrepo "TWPull/internal/domain/repository"
	"TWPull/internal/handler/api"
	internalrepo "TWPull/internal/repository"
	"TWPull/internal/scheduler"
	"TWPull/internal/service/ratelimit"
	"TWPull/internal/service/retry"
	"TWPull/internal/service/source"
	"TWPull/internal/usecase"
	"TWPull/pkg/cache"
	pkgch "TWPull/pkg/clickhouse"
	"TWPull/pkg/config"
	xhttp "TWPull/pkg/http"
	"TWPull/pkg/http/middleware"
	pkgkafka "TWPull/pkg/kafka"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/metrics"
	"TWPull/pkg/queue"
	"TWPull/pkg/server"
	"TWPull/pkg/sqldb"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const lockTTL = 2 * time.Hour

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithLinger(cfg.Kafka.Linger),
		pkgkafka.WithWriteTimeout(cfg.Kafka.WriteTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Async),
		pkgkafka.WithKeyedByRun(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideLogger builds the application logger. With Kafka enabled, warnings
// and errors are also aggregated and shipped to the log topic.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if producer == nil {
		return l, func() {}, nil
	}
	l.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   30 * time.Second,
		CountThreshold: 100,
		Topic:          cfg.Kafka.LogTopic,
		Publisher:      producer,
	})
	return l, l.RemoveCollector, nil
}

// ProvideSQLStore opens the price database and makes sure the schema exists.
func ProvideSQLStore(cfg *config.Config, l *applogger.Logger) (*internalrepo.SQLStore, func(), error) {
	db, err := sqldb.Open(
		sqldb.WithDriver(cfg.Database.Driver),
		sqldb.WithDSN(cfg.Database.DSN),
		sqldb.WithMaxConnections(cfg.Database.MaxOpenConns, cfg.Database.MaxOpenConns/2),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	store := internalrepo.NewSQLStore(db, l,
		internalrepo.WithUpsertBatchSize(cfg.Database.UpsertBatchSize),
		internalrepo.WithSchemaLockTimeout(cfg.Database.SchemaLockTimeout),
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.SchemaLockTimeout+5*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("database schema: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

// ProvideMetrics registers the domain collectors on the default registry.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New(prometheus.DefaultRegisterer)
}

// ProvideSource picks the upstream client by source.format.
func ProvideSource(cfg *config.Config, l *applogger.Logger) domrepo.Source {
	opts := []source.Option{
		source.WithBaseURL(cfg.Source.BaseURL),
		source.WithRequestTimeout(cfg.Source.RequestTimeout),
		source.WithRequestsPerSecond(cfg.Source.RequestsPerSec),
		source.WithLogger(l),
	}
	if cfg.Source.Format == "records" {
		return source.NewRecordsClient(opts...)
	}
	return source.NewTWSEClient(opts...)
}

func ProvidePipeline(cfg *config.Config, src domrepo.Source, store domrepo.PriceStore, m domrepo.Metrics, l *applogger.Logger) *usecase.Pipeline {
	policy := retry.New(
		retry.WithMaxAttempts(cfg.Source.MaxAttempts),
		retry.WithBackoff(cfg.Source.InitialBackoff, cfg.Source.MaxBackoff),
		retry.WithClassifier(source.Classify),
		retry.WithOnRetry(func(err error, next time.Duration, attempt int) {
			l.Warn("fetch retry",
				applogger.Int("attempt", attempt),
				applogger.Duration("next", next),
				applogger.Error(err),
			)
		}),
	)
	return usecase.NewPipeline(src, store, l,
		usecase.WithRetryPolicy(policy),
		usecase.WithPipelineMetrics(m),
	)
}

func ProvideCoverage(cfg *config.Config, store domrepo.PriceStore) *usecase.CoverageAnalyzer {
	return usecase.NewCoverageAnalyzer(store, usecase.CoveragePolicy{
		DefaultStartYear:  cfg.Backfill.DefaultStartYear,
		MinFullYear:       cfg.Backfill.MinFullYear,
		MinPartialYear:    cfg.Backfill.MinPartialYear,
		ListingConfidence: cfg.Backfill.ListingConfidence,
	})
}

// ProvideRedisClient connects to Redis, or returns nil when Redis is disabled.
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	if !cfg.Redis.Enabled {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := cache.NewRedisClient(ctx,
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideCache returns the process cache; with Redis it becomes a two-level
// cache whose locks are shared across instances.
func ProvideCache(cfg *config.Config, rc *redis.Client) (cache.Service, func()) {
	mem := cache.NewMemoryCache()
	if rc == nil {
		return mem, func() { _ = mem.Close() }
	}
	layered := cache.NewLayeredCache(mem, cache.NewRedisCache(rc, "twpull"), cfg.Anomaly.CacheTTL)
	return layered, func() { _ = mem.Close() }
}

func ProvideDetector(cfg *config.Config, store domrepo.PriceStore, c cache.Service, m domrepo.Metrics, l *applogger.Logger) *usecase.Detector {
	return usecase.NewDetector(store, l,
		usecase.WithReportCache(c, cfg.Anomaly.CacheTTL),
		usecase.WithDetectorMetrics(m),
	)
}

// ProvideProgressObserver fans run progress out to logs, metrics, the
// detector cache and, when enabled, the Kafka progress topic.
func ProvideProgressObserver(cfg *config.Config, producer *pkgkafka.Producer, m domrepo.Metrics, d *usecase.Detector, l *applogger.Logger) domrepo.ProgressObserver {
	obs := []domrepo.ProgressObserver{
		usecase.NewLogObserver(l),
		usecase.NewMetricsObserver(m, cfg.Source.Format),
		d.Observer(),
	}
	if producer != nil {
		obs = append(obs, internalrepo.NewKafkaProgressPublisher(producer, cfg.Kafka.ProgressTopic, l))
	}
	return usecase.MultiObserver(obs...)
}

func ProvidePacer(cfg *config.Config) *ratelimit.Pacer {
	return ratelimit.NewPacer(cfg.Source.ChunkDelay)
}

func ProvideBackfiller(cfg *config.Config, p *usecase.Pipeline, store domrepo.PriceStore, cov *usecase.CoverageAnalyzer,
	pacer *ratelimit.Pacer, obs domrepo.ProgressObserver, c cache.Service, l *applogger.Logger,
) *usecase.Backfiller {
	return usecase.NewBackfiller(p, store, cov, l,
		usecase.WithPacer(pacer),
		usecase.WithObserver(obs),
		usecase.WithSymbolLocker(c, lockTTL),
		usecase.WithSymbolBatches(cfg.Backfill.SymbolBatchSize, cfg.Backfill.BatchTimeout),
	)
}

func ProvideRepairer(cfg *config.Config, d *usecase.Detector, p *usecase.Pipeline, store domrepo.PriceStore,
	pacer *ratelimit.Pacer, obs domrepo.ProgressObserver, c cache.Service, l *applogger.Logger,
) *usecase.Repairer {
	return usecase.NewRepairer(d, p, store, l,
		usecase.WithRepairPacer(pacer),
		usecase.WithRepairObserver(obs),
		usecase.WithRepairLocker(c, lockTTL),
		usecase.WithRepairDefaults(cfg.Anomaly.PaddingDays, cfg.Anomaly.ValidationThreshold, cfg.Anomaly.RuleVersion),
	)
}

// ProvideReturnStore writes returns to ClickHouse when enabled, otherwise to
// the price database.
func ProvideReturnStore(cfg *config.Config, store *internalrepo.SQLStore, l *applogger.Logger) (domrepo.ReturnStore, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return store, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch, err := pkgch.NewClient(ctx,
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	rs := internalrepo.NewCHReturnStore(ch, l)
	if err := rs.EnsureSchema(ctx); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return rs, func() { _ = ch.Close() }, nil
}

func ProvideReturns(cfg *config.Config, store domrepo.PriceStore, sink domrepo.ReturnStore, l *applogger.Logger) *usecase.ReturnsCalculator {
	return usecase.NewReturnsCalculator(store, sink, cfg.Returns.Workers, l)
}

// ProvideQueue builds the Redis job queue with the backfill and repair jobs,
// or nil when Redis is disabled.
func ProvideQueue(cfg *config.Config, rc *redis.Client, b *usecase.Backfiller, r *usecase.Repairer, l *applogger.Logger) *queue.RedisQueue {
	if rc == nil {
		return nil
	}
	q := queue.NewRedisQueue(l, &queue.QueueConfig{
		Workers:    cfg.Redis.QueueWorkers,
		RetryLimit: 2,
		RetryDelay: time.Minute,
		JobTimeout: cfg.Server.RequestTimeout,
	}, rc, queue.WithKeyPrefix(cfg.Redis.QueueName))
	q.RegisterJobs([]queue.Job{
		usecase.NewBackfillJob(b, l),
		usecase.NewRepairJob(r, l),
	})
	return q
}

func ProvideDispatcher(q *queue.RedisQueue) *usecase.Dispatcher {
	if q == nil {
		return usecase.NewDispatcher(nil)
	}
	return usecase.NewDispatcher(q)
}

// ProvideScheduler builds the daily job, or nil when the scheduler is disabled.
func ProvideScheduler(cfg *config.Config, b *usecase.Backfiller, d *usecase.Detector, l *applogger.Logger) (*scheduler.Scheduler, error) {
	if !cfg.Scheduler.Enabled {
		return nil, nil
	}
	s := scheduler.New(b, d, cfg.Scheduler.Symbols, l,
		scheduler.WithLocation(scheduler.LoadLocation(cfg.Scheduler.Timezone)),
		scheduler.WithLookback(cfg.Scheduler.LookbackDays),
	)
	if err := s.Register(cfg.Scheduler.Spec); err != nil {
		return nil, err
	}
	return s, nil
}

func ProvideHandler(cfg *config.Config, store domrepo.PriceStore, b *usecase.Backfiller, cov *usecase.CoverageAnalyzer,
	d *usecase.Detector, r *usecase.Repairer, ret *usecase.ReturnsCalculator, disp *usecase.Dispatcher, l *applogger.Logger,
) *api.PullHandler {
	var limiter middleware.Allower
	if cfg.Server.RateLimit.Capacity > 0 {
		limiter = ratelimit.New(cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.RefillRate)
	}
	return api.NewPullHandler(api.Deps{
		Store:      store,
		Backfiller: b,
		Coverage:   cov,
		Detector:   d,
		Repairer:   r,
		Returns:    ret,
		Dispatcher: disp,
		Limiter:    limiter,
		Logger:     l,
	}, cfg.Server.RequestTimeout)
}

func ProvideHTTPServer(cfg *config.Config, h *api.PullHandler, l *applogger.Logger) *xhttp.Server {
	return xhttp.NewServer(l, []xhttp.Handler{h},
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(metricsPath(cfg)),
		xhttp.WithCORSOrigins(cfg.Server.CORSOrigins),
	)
}

func metricsPath(cfg *config.Config) string {
	if !cfg.Metrics.Enabled {
		return ""
	}
	return cfg.Metrics.Path
}

func ProvideApp(cfg *config.Config, srv *xhttp.Server, q *queue.RedisQueue, s *scheduler.Scheduler, l *applogger.Logger) *server.App {
	return server.New(cfg, l, srv, q, s)
}

// Runtime is the use case set the one-shot CLI commands run against.
type Runtime struct {
	Logger     *applogger.Logger
	Store      domrepo.PriceStore
	Backfiller *usecase.Backfiller
	Coverage   *usecase.CoverageAnalyzer
	Detector   *usecase.Detector
	Repairer   *usecase.Repairer
	Returns    *usecase.ReturnsCalculator
}
