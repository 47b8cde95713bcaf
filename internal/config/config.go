package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the service. It is loaded once at startup and
// passed by pointer to constructors; nothing mutates it afterwards.
type Config struct {
	Environment   string              `env:"ENVIRONMENT" envDefault:"development"`
	ServiceName   string              `env:"SERVICE_NAME" envDefault:"faceauth-service"`
	Server        ServerConfig        `envPrefix:"SERVER_"`
	Logging       LoggingConfig       `envPrefix:"LOGGING_"`
	Redis         RedisConfig         `envPrefix:"REDIS_"`
	Scylla        ScyllaConfig        `envPrefix:"SCYLLA_"`
	Kafka         KafkaConfig         `envPrefix:"KAFKA_"`
	Elasticsearch ElasticsearchConfig `envPrefix:"ELASTICSEARCH_"`
	Clickhouse    ClickhouseConfig    `envPrefix:"CLICKHOUSE_"`
	AWS           AWSConfig           `envPrefix:"AWS_"`
	KMS           KMSConfig           `envPrefix:"KMS_"`
	Biometric     BiometricConfig     `envPrefix:"BIOMETRIC_"`
	IDCard        IDCardConfig        `envPrefix:"IDCARD_"`
	Directory     DirectoryConfig     `envPrefix:"DIRECTORY_"`
	Deadline      DeadlineConfig      `envPrefix:"DEADLINE_"`
	Session       SessionConfig       `envPrefix:"SESSION_"`
	JWT           JWTConfig           `envPrefix:"JWT_"`
	Storage       StorageConfig       `envPrefix:"MINIO_"`
	Bucketing     BucketingConfig     `envPrefix:"BUCKETING_"`
	RateLimit     RateLimitConfig     `envPrefix:"RATE_LIMIT_"`
	Events        EventsConfig        `envPrefix:"EVENTS_"`
}

type ServerConfig struct {
	Port           int           `env:"PORT" envDefault:"8080"`
	TLSPort        int           `env:"TLS_PORT" envDefault:"8443"`
	EnableTLS      bool          `env:"ENABLE_TLS" envDefault:"false"`
	AutoCert       bool          `env:"AUTO_CERT" envDefault:"false"`
	Domain         string        `env:"DOMAIN" envDefault:"localhost"`
	CertFile       string        `env:"CERT_FILE"`
	KeyFile        string        `env:"KEY_FILE"`
	AutoCertDir    string        `env:"AUTO_CERT_DIR" envDefault:"./certs"`
	Email          string        `env:"EMAIL"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"20s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"https://*"`
	MaxBodyBytes   int64         `env:"MAX_BODY_BYTES" envDefault:"8388608"`
}

type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

type RedisConfig struct {
	URL      string `env:"URL" envDefault:"redis://localhost:6379/0"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"50"`

	TLSCAFile   string `env:"TLS_CA_FILE" envDefault:"/app/certs/ca.crt"`
	TLSCertFile string `env:"TLS_CERT_FILE" envDefault:"/app/certs/redis.crt"`
	TLSKeyFile  string `env:"TLS_KEY_FILE" envDefault:"/app/certs/redis.key"`
}

type ScyllaConfig struct {
	Nodes       []string      `env:"NODES" envSeparator:"," envDefault:"localhost:9042"`
	Keyspace    string        `env:"KEYSPACE" envDefault:"faceauth"`
	Username    string        `env:"USERNAME"`
	Password    string        `env:"PASSWORD"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"3s"`
	AutoMigrate bool          `env:"AUTO_MIGRATE" envDefault:"false"`
	CAPath      string        `env:"CA_PATH"`
	CertPath    string        `env:"CERT_PATH"`
	KeyPath     string        `env:"KEY_PATH"`
}

type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"TOPIC" envDefault:"faceauth.auth-events"`
	TLS     bool     `env:"TLS" envDefault:"false"`
}

type ElasticsearchConfig struct {
	URL      string `env:"URL" envDefault:"http://localhost:9200"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	Index    string `env:"INDEX" envDefault:"auth-events"`
}

type ClickhouseConfig struct {
	URL      string `env:"URL" envDefault:"http://localhost:9000"`
	Username string `env:"USERNAME" envDefault:"default"`
	Password string `env:"PASSWORD"`
	Database string `env:"DATABASE" envDefault:"faceauth"`
	CAFile   string `env:"CA_FILE"`
}

type AWSConfig struct {
	Region string `env:"REGION" envDefault:"ap-northeast-1"`
}

type KMSConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"false"`
	KeyID   string `env:"KEY_ID"`
}

type BiometricConfig struct {
	CollectionID      string        `env:"COLLECTION_ID" envDefault:"employees"`
	LivenessThreshold float64       `env:"LIVENESS_THRESHOLD" envDefault:"90.0"`
	MatchThreshold    float64       `env:"MATCH_THRESHOLD" envDefault:"95.0"`
	OutputBucket      string        `env:"OUTPUT_BUCKET"`
	OutputPrefix      string        `env:"OUTPUT_PREFIX" envDefault:"liveness/"`
	AuditImagesLimit  int32         `env:"AUDIT_IMAGES_LIMIT" envDefault:"2"`
	CallTimeout       time.Duration `env:"CALL_TIMEOUT" envDefault:"5s"`
	SearchMaxFaces    int32         `env:"SEARCH_MAX_FACES" envDefault:"5"`
}

type IDCardConfig struct {
	CallTimeout   time.Duration `env:"CALL_TIMEOUT" envDefault:"5s"`
	MaxImageBytes int           `env:"MAX_IMAGE_BYTES" envDefault:"5242880"`
}

type DirectoryConfig struct {
	URL                string        `env:"URL" envDefault:"ldaps://localhost:636"`
	BaseDN             string        `env:"BASE_DN" envDefault:"dc=example,dc=com"`
	BindDN             string        `env:"BIND_DN"`
	BindPassword       string        `env:"BIND_PASSWORD"`
	IDAttribute        string        `env:"ID_ATTRIBUTE" envDefault:"employeeID"`
	EnabledAttribute   string        `env:"ENABLED_ATTRIBUTE"`
	Timeout            time.Duration `env:"TIMEOUT" envDefault:"10s"`
	InsecureSkipVerify bool          `env:"INSECURE_SKIP_VERIFY" envDefault:"false"`
}

type DeadlineConfig struct {
	Overall     time.Duration `env:"OVERALL" envDefault:"15s"`
	Directory   time.Duration `env:"DIRECTORY" envDefault:"10s"`
	Buffer      time.Duration `env:"BUFFER" envDefault:"1s"`
	RetryBuffer time.Duration `env:"RETRY_BUFFER" envDefault:"3s"`
}

type SessionConfig struct {
	Lifetime  time.Duration `env:"LIFETIME" envDefault:"10m"`
	Retention time.Duration `env:"RETENTION" envDefault:"10m"`
}

type JWTConfig struct {
	Secret    string        `env:"SECRET" envDefault:"devsecret"`
	Issuer    string        `env:"ISSUER" envDefault:"faceauth-service"`
	Audience  string        `env:"AUDIENCE" envDefault:"workforce"`
	AccessTTL time.Duration `env:"ACCESS_TTL" envDefault:"8h"`
}

type StorageConfig struct {
	Endpoint  string `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"ACCESS_KEY" envDefault:"faceauth-access-key"`
	SecretKey string `env:"SECRET_KEY" envDefault:"faceauth-secret-key"`
	Bucket    string `env:"BUCKET_NAME" envDefault:"faceauth-enrollment"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
}

type BucketingConfig struct {
	EventBuckets int `env:"EVENT_BUCKETS" envDefault:"64"`
}

type RateLimitConfig struct {
	EmergencyMaxAttempts int           `env:"EMERGENCY_MAX_ATTEMPTS" envDefault:"5"`
	EmergencyWindow      time.Duration `env:"EMERGENCY_WINDOW" envDefault:"15m"`
	PerIPRate            float64       `env:"PER_IP_RATE" envDefault:"5"`
	PerIPBurst           int           `env:"PER_IP_BURST" envDefault:"20"`
}

// EventsConfig controls the auth event fan-out. Each sink can be switched off
// independently; a disabled sink is neither dialled nor health checked.
type EventsConfig struct {
	KafkaEnabled         bool          `env:"KAFKA_ENABLED" envDefault:"true"`
	ClickhouseEnabled    bool          `env:"CLICKHOUSE_ENABLED" envDefault:"true"`
	ElasticsearchEnabled bool          `env:"ELASTICSEARCH_ENABLED" envDefault:"true"`
	PublishTimeout       time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"2s"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the auth flow cannot honour.
func (c *Config) Validate() error {
	var errs []error
	if c.Biometric.LivenessThreshold < 0 || c.Biometric.LivenessThreshold > 100 {
		errs = append(errs, fmt.Errorf("liveness threshold %.1f out of range [0,100]", c.Biometric.LivenessThreshold))
	}
	if c.Biometric.MatchThreshold < 0 || c.Biometric.MatchThreshold > 100 {
		errs = append(errs, fmt.Errorf("match threshold %.1f out of range [0,100]", c.Biometric.MatchThreshold))
	}
	if c.Deadline.Overall <= 0 {
		errs = append(errs, errors.New("overall deadline must be positive"))
	}
	if c.Deadline.Directory <= 0 || c.Deadline.Directory > c.Deadline.Overall {
		errs = append(errs, errors.New("directory deadline must be positive and not exceed the overall deadline"))
	}
	if c.Session.Lifetime <= 0 {
		errs = append(errs, errors.New("session lifetime must be positive"))
	}
	if c.IsProduction() && c.JWT.Secret == "devsecret" {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	if c.Events.PublishTimeout <= 0 {
		errs = append(errs, errors.New("event publish timeout must be positive"))
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
