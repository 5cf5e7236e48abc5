package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeLambda  = "lambda"
	ModeKinesis = "kinesis"
	ModeKafka   = "kafka"

	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Mode       string           `mapstructure:"mode"`
	Log        LogConfig        `mapstructure:"log"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Lambda     LambdaConfig     `mapstructure:"lambda"`
	Kinesis    KinesisConfig    `mapstructure:"kinesis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string `mapstructure:"endpoint"`
}

type PipelineConfig struct {
	Tables          []string      `mapstructure:"tables"`
	IdentityFields  []string      `mapstructure:"identity_fields"`
	TTLAttribute    string        `mapstructure:"ttl_attribute"`
	ExpireAfterDays *int          `mapstructure:"expire_after_days"` // nil when unset; 0 is a setting
	RecordTimeout   time.Duration `mapstructure:"record_timeout"`
}

type SinkConfig struct {
	Type     string         `mapstructure:"type"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type DynamoDBConfig struct {
	Table           string `mapstructure:"table"`
	CheckpointTable string `mapstructure:"checkpoint_table"`
}

type SQLiteConfig struct {
	Dir string `mapstructure:"dir"`
}

type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type CheckpointConfig struct {
	Type string `mapstructure:"type"`
}

type LambdaConfig struct {
	ReportItemFailures bool `mapstructure:"report_item_failures"`
}

type KinesisConfig struct {
	StreamName        string        `mapstructure:"stream_name"`
	MaxRecords        int32         `mapstructure:"max_records"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	FailureBackoff    time.Duration `mapstructure:"failure_backoff"`
	ShardSyncInterval time.Duration `mapstructure:"shard_sync_interval"`
}

type KafkaConfig struct {
	Brokers        []string       `mapstructure:"brokers"`
	Topics         []string       `mapstructure:"topics"`
	GroupID        string         `mapstructure:"group_id"`
	ClientID       string         `mapstructure:"client_id"`
	MaxPollRecords int            `mapstructure:"max_poll_records"`
	TLS            KafkaTLSConfig `mapstructure:"tls"`
}

type KafkaTLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type AlertsConfig struct {
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type RabbitMQConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	URL        string            `mapstructure:"url"`
	Endpoints  []string          `mapstructure:"endpoints"`
	Exchange   string            `mapstructure:"exchange"`
	RoutingKey string            `mapstructure:"routing_key"`
	Username   string            `mapstructure:"username"`
	Password   string            `mapstructure:"password"`
	TLS        RabbitMQTLSConfig `mapstructure:"tls"`
}

type RabbitMQTLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

// legacyEnv maps keys to the variable names the function was first deployed
// with. The prefixed name wins when both are set.
var legacyEnv = map[string]string{
	"pipeline.tables":            "QLDB_TABLE_NAME",
	"sink.dynamodb.table":        "DDB_TABLE_NAME",
	"pipeline.ttl_attribute":     "TTL_ATTRIBUTE",
	"pipeline.expire_after_days": "EXPIRE_AFTER_DAYS",
	"log.level":                  "LOG_LEVEL",
}

// Load reads path (optional; an empty path means environment only) and
// applies LEDGERSTREAM_* overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ledgerstream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, legacy := range legacyEnv {
		prefixed := "LEDGERSTREAM_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeLambda)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("pipeline.identity_fields", []string{"accountId"})
	v.SetDefault("pipeline.record_timeout", 10*time.Second)
	v.SetDefault("sink.type", StoreDynamoDB)
	v.SetDefault("sink.sqlite.dir", "data")
	v.SetDefault("sink.postgres.table", "ledger_revisions")
	v.SetDefault("checkpoint.type", StoreMemory)
	v.SetDefault("kinesis.max_records", 1000)
	v.SetDefault("kinesis.poll_interval", time.Second)
	v.SetDefault("kinesis.failure_backoff", 5*time.Second)
	v.SetDefault("kinesis.shard_sync_interval", 30*time.Second)
	v.SetDefault("alerts.rabbitmq.routing_key", "ledgerstream.batch.failed")
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeLambda:
	case ModeKinesis:
		if c.Kinesis.StreamName == "" {
			return fmt.Errorf("kinesis.stream_name is required in kinesis mode")
		}
		if c.Checkpoint.Type == StoreMemory {
			return fmt.Errorf("checkpoint.type=memory loses progress on restart; use dynamodb or sqlite in kinesis mode")
		}
	case ModeKafka:
		if len(c.Kafka.Brokers) == 0 || len(c.Kafka.Topics) == 0 || c.Kafka.GroupID == "" {
			return fmt.Errorf("kafka.brokers, kafka.topics and kafka.group_id are required in kafka mode")
		}
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}

	switch c.Sink.Type {
	case StoreDynamoDB:
		if c.Sink.DynamoDB.Table == "" {
			return fmt.Errorf("sink.dynamodb.table is required")
		}
	case StoreSQLite, StoreMemory:
	case StorePostgres:
		if c.Sink.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unsupported sink type %q", c.Sink.Type)
	}

	switch c.Checkpoint.Type {
	case StoreDynamoDB:
		if c.Sink.DynamoDB.CheckpointTable == "" {
			return fmt.Errorf("sink.dynamodb.checkpoint_table is required for dynamodb checkpoints")
		}
	case StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("unsupported checkpoint type %q", c.Checkpoint.Type)
	}

	if c.Pipeline.ExpireAfterDays != nil && *c.Pipeline.ExpireAfterDays < 0 {
		return fmt.Errorf("pipeline.expire_after_days must be >= 0")
	}
	if len(c.Pipeline.IdentityFields) == 0 {
		return fmt.Errorf("pipeline.identity_fields must not be empty")
	}
	if c.Alerts.RabbitMQ.Enabled && c.Alerts.RabbitMQ.Exchange == "" {
		return fmt.Errorf("alerts.rabbitmq.exchange is required")
	}
	return nil
}
