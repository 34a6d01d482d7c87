package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"authcore/internal/audit"
	"authcore/internal/bucketing"
	"authcore/internal/client"
	"authcore/internal/config"
	"authcore/internal/guard"
	"authcore/internal/keys"
	redisrepo "authcore/internal/repository/redis"
	"authcore/internal/repository/scylla"
	"authcore/internal/service"
	"authcore/internal/token"
	"authcore/internal/util"
	"authcore/internal/vault"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	keyProvider      *keys.Provider
	bucketingManager *bucketing.Manager

	// Repositories
	challengeCache *redisrepo.ChallengeCache
	abuseCache     *redisrepo.AbuseCache
	fallbackRepo   *scylla.FallbackRepository
	refreshRepo    *scylla.RefreshTokenRepository

	// Components
	codeVault      *vault.Vault
	abuseGuard     *guard.Guard
	tokenIssuer    *token.Issuer
	auditSink      *audit.Sink
	serviceFactory *service.ServiceFactory

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

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health
// checks. In development a missing backend is a warning; in production it is
// fatal.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is optional everywhere: escalations degrade to logs without it.
	if producer, err := client.NewKafkaProducer(f.config); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if c, err := client.NewElasticsearchClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = c
		util.Info("Elasticsearch client initialized and healthy")
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = c
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	// KMS
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("aws config: %w", err))
		} else {
			f.kmsClient = kms.NewFromConfig(awsCfg)
			util.Info("KMS client initialized")
		}
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

// initializeManagers builds the key provider and the bucketing manager.
func (f *Factory) initializeManagers() error {
	provider, err := keys.NewProvider(f.config, f.kmsClient)
	if err != nil {
		return fmt.Errorf("key provider: %w", err)
	}
	f.keyProvider = provider
	f.bucketingManager = bucketing.NewManager(64, 16)

	util.Info("Managers initialized successfully",
		util.String("active_kid", provider.ActiveKeyID()),
	)
	return nil
}

// ==============================
// Repositories
// ==============================

func (f *Factory) ChallengeCache() *redisrepo.ChallengeCache {
	if f.challengeCache == nil {
		f.challengeCache = redisrepo.NewChallengeCache(f.redisClient)
	}
	return f.challengeCache
}

func (f *Factory) AbuseCache() *redisrepo.AbuseCache {
	if f.abuseCache == nil {
		f.abuseCache = redisrepo.NewAbuseCache(f.redisClient)
	}
	return f.abuseCache
}

func (f *Factory) FallbackRepository() *scylla.FallbackRepository {
	if f.fallbackRepo == nil && f.scyllaClient != nil {
		f.fallbackRepo = scylla.NewFallbackRepository(f.scyllaClient)
	}
	return f.fallbackRepo
}

func (f *Factory) RefreshTokenRepository() *scylla.RefreshTokenRepository {
	if f.refreshRepo == nil {
		f.refreshRepo = scylla.NewRefreshTokenRepository(f.scyllaClient)
	}
	return f.refreshRepo
}

// ==============================
// Components
// ==============================

func (f *Factory) Vault() *vault.Vault {
	if f.codeVault == nil {
		var fallback vault.ChallengeStore
		if repo := f.FallbackRepository(); repo != nil {
			fallback = repo
		}
		f.codeVault = vault.New(f.ChallengeCache(), fallback, f.keyProvider, f.Guard(), f.config.OTP)
	}
	return f.codeVault
}

func (f *Factory) Guard() *guard.Guard {
	if f.abuseGuard == nil {
		var fallback guard.AbuseStore
		if repo := f.FallbackRepository(); repo != nil {
			fallback = guard.NewFallbackStore(repo)
		}
		f.abuseGuard = guard.New(f.AbuseCache(), fallback, f.config.Guard)
	}
	return f.abuseGuard
}

func (f *Factory) TokenIssuer() *token.Issuer {
	if f.tokenIssuer == nil {
		f.tokenIssuer = token.NewIssuer(
			f.RefreshTokenRepository(),
			f.keyProvider,
			f.bucketingManager,
			f.config.Token,
		)
	}
	return f.tokenIssuer
}

func (f *Factory) AuditSink() *audit.Sink {
	if f.auditSink == nil {
		f.auditSink = audit.NewSink(
			f.clickhouseClient,
			f.esClient,
			f.kafkaProducer,
			f.bucketingManager,
			f.config.Clickhouse.AuditTable,
			f.config.Elasticsearch.AuditIndex,
		)
	}
	return f.auditSink
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.Vault(),
			f.Guard(),
			f.TokenIssuer(),
			f.AuditSink(),
			f.kafkaProducer,
			service.LogDeliverer{},
			f.config,
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

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
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	} else {
		healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.keyProvider == nil {
		healthErrors["keys"] = fmt.Errorf("key provider not initialized")
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
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

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) KeyProvider() *keys.Provider {
	return f.keyProvider
}

func (f *Factory) BucketingManager() *bucketing.Manager {
	return f.bucketingManager
}
