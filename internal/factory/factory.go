package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/mail"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/store"
	"identity-service/internal/tls"
	"identity-service/internal/token"
	"identity-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager
	tokenIssuer       *token.Issuer

	// Stores (redis-backed when redis is reachable, in-memory otherwise)
	attemptCounter store.Counter
	draftStore     store.KV
	memoryCounter  *store.MemoryCounter
	memoryKV       *store.MemoryKV

	// Repositories and services
	accountRepository scylla.AccountRepository
	billingRepository scylla.BillingRepository
	auditRecorder     audit.Recorder
	serviceFactory    *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewManager(cfg)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeStores()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("redis_backed_stores", factory.redisClient != nil),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with
// health checks. Kafka and ClickHouse are optional (the audit pipeline
// degrades to log-only); Redis and Scylla failures are fatal only in
// production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
	}

	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
	}

	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
	}

	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("ClickHouse initialization failed - proceeding without ClickHouse", util.ErrorField(err))
	} else {
		f.clickhouseClient = chClient
	}

	// Verify the critical clients concurrently.
	g, gctx := errgroup.WithContext(ctx)
	if f.redisClient != nil {
		g.Go(func() error {
			if err := f.redisClient.HealthCheck(gctx); err != nil {
				return fmt.Errorf("redis health check: %w", err)
			}
			return nil
		})
	}
	if f.scyllaClient != nil {
		g.Go(func() error {
			if err := f.scyllaClient.HealthCheck(gctx); err != nil {
				return fmt.Errorf("scylla health check: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		initErrors = append(initErrors, err)
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("Failed to load AWS config - falling back to local encryption keys", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewManager(f.config)
	f.tokenIssuer = token.NewIssuer(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("kms_client_present", kmsClient != nil),
	)
}

// initializeStores picks the attempt-counter and draft-store backends:
// redis when reachable so throttling and draft resumption hold across
// replicas, process-local memory otherwise.
func (f *Factory) initializeStores() {
	if f.redisClient != nil {
		f.attemptCounter = redisrepo.NewCounterStore(f.redisClient)
		f.draftStore = redisrepo.NewKVStore(f.redisClient)
		return
	}

	util.Warn("Using in-memory attempt/draft stores - correct per instance only")
	f.memoryCounter = store.NewMemoryCounter()
	f.memoryKV = store.NewMemoryKV()
	f.attemptCounter = f.memoryCounter
	f.draftStore = f.memoryKV
}

func (f *Factory) AccountRepository() scylla.AccountRepository {
	if f.accountRepository == nil {
		f.accountRepository = scylla.NewScyllaAccountRepository(f.ScyllaClient(), f.BucketingManager())
	}
	return f.accountRepository
}

func (f *Factory) BillingRepository() scylla.BillingRepository {
	if f.billingRepository == nil {
		f.billingRepository = scylla.NewScyllaBillingRepository(f.ScyllaClient())
	}
	return f.billingRepository
}

// AuditRecorder streams to Kafka/ClickHouse when available and falls
// back to the application log.
func (f *Factory) AuditRecorder() audit.Recorder {
	if f.auditRecorder == nil {
		if f.kafkaProducer != nil || f.clickhouseClient != nil {
			f.auditRecorder = audit.NewPipelineRecorder(f.config, f.kafkaProducer, f.clickhouseClient, util.Get())
		} else {
			f.auditRecorder = audit.LogRecorder{}
		}
	}
	return f.auditRecorder
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.AccountRepository(),
			f.BillingRepository(),
			f.attemptCounter,
			f.draftStore,
			client.NewCaptchaClient(f.config),
			client.NewPaymentClient(f.config),
			f.Hasher(),
			f.EncryptionManager(),
			f.TokenIssuer(),
			f.AuditRecorder(),
			mail.NewSMTPMailer(f.config),
			f.BucketingManager(),
		)
	}
	return f.serviceFactory
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy ignores the optional audit sinks.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.memoryCounter != nil {
			f.memoryCounter.Close()
		}
		if f.memoryKV != nil {
			f.memoryKV.Close()
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.Manager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.Manager {
	return f.bucketingManager
}

func (f *Factory) TokenIssuer() *token.Issuer {
	return f.tokenIssuer
}
