package factory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/handler"
	"identity-service/internal/hashing"
	"identity-service/internal/kv"
	"identity-service/internal/mailer"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	"identity-service/internal/repository/postgres"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	db               *gorm.DB
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	store            kv.Store
	hasher           *hashing.Hasher
	bucketingManager *bucketing.BucketingManager
	tokenManager     *token.Manager
	otpManager       *otp.Manager
	recorder         *audit.Recorder
	mailSender       mailer.Sender

	userRepository repository.UserRepository
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory loads config from the environment (and envPath, if present) and
// initializes all application dependencies.
func NewFactory(envPath string) (*Factory, error) {
	cfg, err := config.Load(envPath)
	if err != nil {
		return nil, err
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
	}

	if err := f.initializeClients(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := f.initializeManagers(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("redis_enabled", f.redisClient != nil),
		util.String("user_store", cfg.Users.Store),
		util.String("mail_transport", cfg.Mail.Transport),
		util.Strings("audit_sinks", cfg.Audit.Sinks),
	)

	return f, nil
}

// initializeClients connects to the backing services. Redis (when enabled),
// the user store and the selected mail transport are required. The audit
// sinks are required in production only; elsewhere a failure is logged and
// the sink is left out.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := f.config
	var optional []error

	// OTP locks live in Redis; an enabled but unreachable Redis must not
	// degrade to the no-op store.
	if cfg.Redis.Enabled {
		c, err := client.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		util.Info("Redis client initialized and healthy")
	}

	switch cfg.Users.Store {
	case "scylla":
		c, err := scylla.NewScyllaClient(cfg)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		util.Info("ScyllaDB client initialized and healthy")
	default:
		db, err := postgres.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		f.db = db
		util.Info("Postgres connection initialized", util.Bool("auto_migrate", cfg.Database.AutoMigrate))
	}

	if cfg.Mail.Transport == "kafka" {
		p, err := client.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		if err := p.HealthCheck(ctx); err != nil {
			_ = p.Close()
			return fmt.Errorf("kafka health check: %w", err)
		}
		f.kafkaProducer = p
		util.Info("Kafka producer initialized", util.Strings("brokers", cfg.Kafka.Brokers))
	}

	if cfg.AuditSinkEnabled("clickhouse") {
		if c, err := client.NewClickHouseClient(cfg); err != nil {
			optional = append(optional, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if cfg.AuditSinkEnabled("elasticsearch") {
		if c, err := client.NewElasticsearchClient(cfg); err != nil {
			optional = append(optional, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if len(optional) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(optional...))
		}
		for _, err := range optional {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() error {
	cfg := f.config

	if f.redisClient != nil {
		f.store = redisrepo.NewStore(f.redisClient)
	} else {
		// Only reachable with DB_REDIS_ON=false.
		f.store = kv.Nop{}
		util.Warn("Cache layer disabled: OTP codes are not stored and cannot be verified")
	}

	f.hasher = hashing.NewHasher(cfg.Hashing)
	f.bucketingManager = bucketing.NewBucketingManager(cfg.Bucketing)
	f.tokenManager = token.NewManager(cfg.JWT)

	renderer, err := mailer.NewRenderer()
	if err != nil {
		return err
	}
	if f.kafkaProducer != nil {
		f.mailSender = mailer.NewKafkaSender(f.kafkaProducer, cfg.Kafka.NotificationsTopic, renderer)
	} else {
		f.mailSender = mailer.NewSMTPSender(cfg.Mail, renderer)
	}

	f.otpManager = otp.New(f.store, f.mailSender, util.Named("otp"), otp.WithSubject(cfg.OTP.Subject))

	sink, err := f.auditSink()
	if err != nil {
		return err
	}
	f.recorder = audit.NewRecorder(sink, f.bucketingManager, util.Named("audit"))

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
		util.Bool("audit_enabled", sink != nil),
	)
	return nil
}

func (f *Factory) auditSink() (audit.Sink, error) {
	var sinks audit.Multi

	if f.config.AuditSinkEnabled("log") {
		sinks = append(sinks, audit.NewLogSink(util.Named("security")))
	}
	if f.clickhouseClient != nil {
		ch := audit.NewClickHouseSink(f.clickhouseClient)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ch.EnsureTable(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, ch)
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// ==============================
// Repository Initialization
// ==============================

func (f *Factory) UserRepository() repository.UserRepository {
	if f.userRepository == nil {
		if f.scyllaClient != nil {
			f.userRepository = scylla.NewUserRepository(f.scyllaClient, f.bucketingManager)
		} else {
			f.userRepository = postgres.NewUserRepository(f.db)
		}
	}
	return f.userRepository
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.UserRepository(),
			f.otpManager,
			f.store,
			f.hasher,
			f.tokenManager,
			f.recorder,
			util.Named("auth"),
		)
	}
	return f.serviceFactory
}

// RateLimiter returns the IP limiter, or nil when Redis is disabled.
func (f *Factory) RateLimiter() handler.RateLimiter {
	if f.redisClient == nil {
		return nil
	}
	return redisrepo.NewRateLimitCache(f.redisClient, f.config.RateLimit.Max, f.config.RateLimit.Window)
}

// ==============================
// Health Checks
// ==============================

// HealthCheck pings every initialized dependency concurrently and returns the
// failures keyed by dependency name.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{}

	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.userRepository != nil {
		checks["user_repository"] = f.userRepository.HealthCheck
	} else {
		checks["user_repository"] = func(context.Context) error { return errors.New("user repository not initialized") }
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}

	var mu sync.Mutex
	healthErrors := make(map[string]error)

	g, ctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			if err := check(ctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return healthErrors
}

// Health folds HealthCheck into a single error for the health endpoint. The
// audit sinks are advisory and do not fail it.
func (f *Factory) Health(ctx context.Context) error {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "clickhouse")
	delete(healthErrors, "elasticsearch")

	names := make([]string, 0, len(healthErrors))
	for name := range healthErrors {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, healthErrors[name]))
	}
	return errors.Join(errs...)
}

// ==============================
// Other Utility Methods
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.db != nil {
			if err := postgres.Close(f.db); err != nil {
				util.Error("Failed to close Postgres connection", util.ErrorField(err))
			} else {
				util.Info("Postgres connection closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}
