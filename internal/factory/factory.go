package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"faceauth-service/internal/biometric"
	"faceauth-service/internal/bucketing"
	"faceauth-service/internal/client"
	"faceauth-service/internal/config"
	"faceauth-service/internal/credential"
	"faceauth-service/internal/directory"
	"faceauth-service/internal/encryption"
	"faceauth-service/internal/events"
	"faceauth-service/internal/handler"
	"faceauth-service/internal/idcard"
	"faceauth-service/internal/metrics"
	redisrepo "faceauth-service/internal/repository/redis"
	"faceauth-service/internal/repository/scylla"
	"faceauth-service/internal/service"
	"faceauth-service/internal/storage/minio"
	"faceauth-service/internal/tls"
	"faceauth-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager
	metrics    *metrics.Metrics

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	photoStore       *minio.Client

	// Adapters
	engine    *biometric.RekognitionEngine
	cards     *idcard.TextractParser
	directory *directory.LDAPDirectory
	issuer    *credential.JWT

	// Managers
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	publisher         *events.Publisher

	serviceFactory *service.ServiceFactory
	readiness      *handler.Readiness

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and dials every dependency. Redis, ScyllaDB
// and the photo bucket are required; the event sinks are best effort.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format, cfg.ServiceName)

	f := &Factory{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
		closed:  make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment, logger.Named("tls"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeAdapters(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize adapters: %w", err)
	}
	f.initializeEvents()
	f.initializeReadiness()

	logger.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Strings("event_sinks", f.publisher.Sinks()),
	)

	return f, nil
}

// initializeClients dials the stores and brokers.
func (f *Factory) initializeClients(ctx context.Context) error {
	var required []error

	if c, err := client.NewRedisClient(f.config, f.logger.Named("redis")); err != nil {
		required = append(required, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
	}

	if c, err := scylla.NewScyllaClient(f.config, f.logger.Named("scylla")); err != nil {
		required = append(required, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
	}

	if c, err := minio.New(ctx, f.config.Storage); err != nil {
		required = append(required, fmt.Errorf("minio: %w", err))
	} else {
		f.photoStore = c
	}

	if err := errors.Join(required...); err != nil {
		return err
	}

	sinkCfg := f.config.Events
	if sinkCfg.KafkaEnabled {
		if p, err := client.NewKafkaProducer(f.config, f.logger.Named("kafka")); err != nil {
			f.logger.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = p
		}
	}

	if sinkCfg.ElasticsearchEnabled {
		if c, err := client.NewElasticsearchClient(f.config, f.logger.Named("elasticsearch")); err != nil {
			f.logger.Warn("Elasticsearch initialization failed - proceeding without search sink", util.ErrorField(err))
		} else {
			f.esClient = c
		}
	}

	if sinkCfg.ClickhouseEnabled {
		if c, err := client.NewClickHouseClient(f.config, f.logger.Named("clickhouse")); err != nil {
			f.logger.Warn("ClickHouse initialization failed - proceeding without analytics sink", util.ErrorField(err))
		} else {
			f.clickhouseClient = c
		}
	}

	return nil
}

// initializeAdapters builds the AWS clients, the directory and the managers.
func (f *Factory) initializeAdapters(ctx context.Context) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.AWS.Region))
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}

	var kmsClient *kms.Client
	kmsKeyID := ""
	if f.config.KMS.Enabled {
		kmsClient = kms.NewFromConfig(awsCfg)
		kmsKeyID = f.config.KMS.KeyID
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config.KMS, kmsClient, f.logger.Named("encryption"))
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)
	f.engine = biometric.NewRekognitionEngine(awsCfg, f.config.Biometric, kmsKeyID, f.logger.Named("biometric"))
	f.cards = idcard.NewTextractParser(awsCfg, f.config.IDCard, f.logger.Named("idcard"))
	f.directory = directory.NewLDAPDirectory(f.config.Directory, f.logger.Named("directory"))
	f.issuer = credential.NewJWT(f.config.JWT)

	f.logger.Info("Adapters initialized",
		util.String("region", f.config.AWS.Region),
		util.String("collection", f.config.Biometric.CollectionID),
		util.Int("event_buckets", f.bucketingManager.GetEventBuckets()))
	return nil
}

func (f *Factory) initializeEvents() {
	var sinks []events.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, events.NewKafkaSink(f.kafkaProducer))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, events.NewClickHouseSink(f.clickhouseClient))
	}
	if f.esClient != nil {
		sinks = append(sinks, events.NewSearchSink(f.esClient, f.esClient.Index()))
	}
	f.publisher = events.NewPublisher(f.config.Events.PublishTimeout, f.bucketingManager, f.metrics, f.logger.Named("events"), sinks...)
}

func (f *Factory) initializeReadiness() {
	r := handler.NewReadiness(3*time.Second, f.logger.Named("ready")).
		Require("redis", f.redisClient).
		Require("scylla", f.scyllaClient).
		Require("minio", f.photoStore).
		Require("directory", f.directory).
		Require("biometric", f.engine)
	if f.kafkaProducer != nil {
		r.Optional("kafka", f.kafkaProducer)
	}
	if f.esClient != nil {
		r.Optional("elasticsearch", f.esClient)
	}
	if f.clickhouseClient != nil {
		r.Optional("clickhouse", f.clickhouseClient)
	}
	f.readiness = r
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(f.config, service.Dependencies{
			Engine:    f.engine,
			Directory: f.directory,
			Sessions:  redisrepo.NewSessionStore(f.redisClient, f.config.Session.Lifetime, f.config.Session.Retention, f.logger.Named("sessions")),
			Registry:  scylla.NewTemplateRepository(f.scyllaClient, f.logger.Named("templates")),
			Issuer:    f.issuer,
			Cards:     f.cards,
			Photos:    f.photoStore,
			Audit:     scylla.NewEnrollmentAuditRepository(f.scyllaClient, f.logger.Named("audit")),
			Encryptor: f.encryptionManager,
			Limiter:   redisrepo.NewRateLimitCache(f.redisClient, f.logger.Named("ratelimit")),
			Events:    f.publisher,
			Metrics:   f.metrics,
			Buckets:   f.bucketingManager,
		}, f.logger)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every dependency once and returns the failures.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)
	checks := map[string]handler.HealthChecker{
		"redis":     f.redisClient,
		"scylla":    f.scyllaClient,
		"minio":     f.photoStore,
		"directory": f.directory,
		"biometric": f.engine,
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient
	}
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			healthErrors[name] = err
		}
	}
	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		// Drain in-flight events before their sinks go away.
		if f.publisher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.publisher.Close(ctx); err != nil {
				f.logger.Error("Event publisher did not drain", util.ErrorField(err))
			}
			cancel()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				f.logger.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		f.logger.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}

func (f *Factory) Readiness() *handler.Readiness {
	return f.readiness
}
