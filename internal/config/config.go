package config

import (
	"errors"
	"fmt"
	"memorial-orders/internal/worker"
	"net/url"
	"time"

	"github.com/caarlos0/env/v6"
	_ "github.com/joho/godotenv/autoload"
)

const (
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

const (
	HookLog   = "log"
	HookRedis = "redis"
	HookKafka = "kafka"
	HookSQS   = "sqs"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	StoreBackend string        `env:"STORE_BACKEND" envDefault:"postgres"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	GracePeriod  time.Duration `env:"ORDER_GRACE_PERIOD" envDefault:"30m"`

	Reconcile ReconcileConfig
	Release   ReleaseConfig
	DB        DBConfig
	AWS       AWSConfig
}

type ReconcileConfig struct {
	Schedule     string        `env:"RECONCILE_SCHEDULE" envDefault:"0 */5 * * * *"`
	BatchLimit   int           `env:"RECONCILE_BATCH_LIMIT" envDefault:"100"`
	Concurrency  int           `env:"RECONCILE_CONCURRENCY" envDefault:"1"`
	OrderTimeout time.Duration `env:"RECONCILE_ORDER_TIMEOUT" envDefault:"10s"`
}

type ReleaseConfig struct {
	Hooks         []string      `env:"RELEASE_HOOKS" envSeparator:"," envDefault:"log"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	KeyPrefix     string        `env:"RESERVATION_KEY_PREFIX" envDefault:"reservation:"`
	KafkaBrokers  []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic    string        `env:"KAFKA_RELEASE_TOPIC" envDefault:"memorial.order-expired"`
	SQSQueueURL   string        `env:"SQS_RELEASE_QUEUE_URL"`
	RetryInterval time.Duration `env:"RELEASE_RETRY_INTERVAL" envDefault:"30s"`
	RetryBatch    int           `env:"RELEASE_RETRY_BATCH" envDefault:"50"`
	RetryLease    time.Duration `env:"RELEASE_RETRY_LEASE" envDefault:"1m"`
	MaxAttempts   int           `env:"RELEASE_MAX_ATTEMPTS" envDefault:"10"`
}

// DBConfig keeps the BLUEPRINT_DB_* names used by the local compose setup.
type DBConfig struct {
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"BLUEPRINT_DB_HOST" envDefault:"localhost"`
	Port     string `env:"BLUEPRINT_DB_PORT" envDefault:"5432"`
	Database string `env:"BLUEPRINT_DB_DATABASE" envDefault:"memorial"`
	Username string `env:"BLUEPRINT_DB_USERNAME" envDefault:"postgres"`
	Password string `env:"BLUEPRINT_DB_PASSWORD"`
	Schema   string `env:"BLUEPRINT_DB_SCHEMA" envDefault:"public"`
}

type AWSConfig struct {
	Region              string `env:"AWS_REGION" envDefault:"us-east-1"`
	EndpointOverride    string `env:"AWS_ENDPOINT_OVERRIDE"`
	OrdersTable         string `env:"DYNAMO_ORDERS_TABLE" envDefault:"payment_orders"`
	ReleasesTable       string `env:"DYNAMO_RELEASES_TABLE" envDefault:"release_retries"`
	CloudWatchNamespace string `env:"CLOUDWATCH_NAMESPACE"`
}

// DSN returns DATABASE_URL when set, otherwise a URL built from the BLUEPRINT_DB_* parts.
func (c DBConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {"disable"}, "search_path": {c.Schema}}.Encode(),
	}
	return u.String()
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendPostgres, BackendDynamoDB, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND: unknown backend %q", c.StoreBackend))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, errors.New("ORDER_GRACE_PERIOD: must be positive"))
	}
	if c.Reconcile.BatchLimit <= 0 {
		errs = append(errs, errors.New("RECONCILE_BATCH_LIMIT: must be positive"))
	}
	if c.Reconcile.Concurrency <= 0 {
		errs = append(errs, errors.New("RECONCILE_CONCURRENCY: must be positive"))
	}
	if _, err := worker.ParseSchedule(c.Reconcile.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("RECONCILE_SCHEDULE: %w", err))
	}
	if c.StoreBackend == BackendDynamoDB && c.AWS.OrdersTable == "" {
		errs = append(errs, errors.New("DYNAMO_ORDERS_TABLE: required for the dynamodb backend"))
	}
	if c.StoreBackend == BackendDynamoDB && c.AWS.ReleasesTable == "" {
		errs = append(errs, errors.New("DYNAMO_RELEASES_TABLE: required for the dynamodb backend"))
	}

	for _, h := range c.Release.Hooks {
		switch h {
		case HookLog:
		case HookRedis:
			if c.Release.RedisAddr == "" {
				errs = append(errs, errors.New("REDIS_ADDR: required by the redis release hook"))
			}
		case HookKafka:
			if len(c.Release.KafkaBrokers) == 0 || c.Release.KafkaTopic == "" {
				errs = append(errs, errors.New("KAFKA_BROKERS, KAFKA_RELEASE_TOPIC: required by the kafka release hook"))
			}
		case HookSQS:
			if c.Release.SQSQueueURL == "" {
				errs = append(errs, errors.New("SQS_RELEASE_QUEUE_URL: required by the sqs release hook"))
			}
		default:
			errs = append(errs, fmt.Errorf("RELEASE_HOOKS: unknown hook %q", h))
		}
	}
	if c.Release.MaxAttempts <= 0 {
		errs = append(errs, errors.New("RELEASE_MAX_ATTEMPTS: must be positive"))
	}

	return errors.Join(errs...)
}
