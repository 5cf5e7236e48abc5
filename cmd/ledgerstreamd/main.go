package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ledgerstream/internal/alert"
	"ledgerstream/internal/alert/rabbitmq"
	"ledgerstream/internal/config"
	"ledgerstream/internal/ingest/kafka"
	"ledgerstream/internal/ingest/kinesis"
	"ledgerstream/internal/ingest/lambda"
	"ledgerstream/internal/logging"
	"ledgerstream/internal/pipeline"
	"ledgerstream/internal/projection"
	"ledgerstream/internal/revision"
	"ledgerstream/internal/storage"
	"ledgerstream/internal/storage/dynamo"
	"ledgerstream/internal/storage/memory"
	"ledgerstream/internal/storage/postgres"
	"ledgerstream/internal/storage/sqlite"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/sirupsen/logrus"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional)")
	mode := flag.String("mode", "", "override mode: lambda, kinesis or kafka")
	flag.Parse()

	if *mode != "" {
		if err := os.Setenv("LEDGERSTREAM_MODE", *mode); err != nil {
			log.Fatalf("set mode: %v", err)
		}
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("ledgerstreamd stopped")
	}
	logger.Info("ledgerstreamd stopped")
}

type deps struct {
	sink        storage.Sink
	checkpoints storage.CheckpointStore
	notifier    alert.Notifier
	closers     []io.Closer
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i].Close()
	}
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"mode":       cfg.Mode,
		"sink":       cfg.Sink.Type,
		"checkpoint": cfg.Checkpoint.Type,
		"tables":     cfg.Pipeline.Tables,
	}).Info("ledgerstreamd starting")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, func(o *awsconfig.LoadOptions) error {
		if cfg.AWS.Region != "" {
			o.Region = cfg.AWS.Region
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	d, err := buildDeps(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	writer := projection.NewWriter(d.sink, projection.Options{
		IdentityFields:  cfg.Pipeline.IdentityFields,
		TTLAttribute:    cfg.Pipeline.TTLAttribute,
		ExpireAfterDays: cfg.Pipeline.ExpireAfterDays,
	}, cfg.Pipeline.RecordTimeout, logger)
	coord, err := pipeline.New(pipeline.Deps{
		Filter: revision.NewFilter(cfg.Pipeline.Tables...),
		Writer: writer,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	switch cfg.Mode {
	case config.ModeLambda:
		h, err := lambda.NewHandler(lambda.Config{ReportItemFailures: cfg.Lambda.ReportItemFailures}, coord, d.notifier, logger)
		if err != nil {
			return err
		}
		h.Start()
		return nil
	case config.ModeKinesis:
		client := awskinesis.NewFromConfig(awsCfg, func(o *awskinesis.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		c, err := kinesis.NewConsumer(kinesis.Config{
			Enabled:           true,
			StreamName:        cfg.Kinesis.StreamName,
			MaxRecords:        cfg.Kinesis.MaxRecords,
			PollInterval:      cfg.Kinesis.PollInterval,
			FailureBackoff:    cfg.Kinesis.FailureBackoff,
			ShardSyncInterval: cfg.Kinesis.ShardSyncInterval,
		}, client, coord, d.checkpoints, d.notifier, logger)
		if err != nil {
			return err
		}
		return c.Start(ctx)
	case config.ModeKafka:
		a, err := kafka.NewAdapter(kafka.Config{
			Enabled:        true,
			Brokers:        cfg.Kafka.Brokers,
			Topics:         cfg.Kafka.Topics,
			GroupID:        cfg.Kafka.GroupID,
			ClientID:       cfg.Kafka.ClientID,
			MaxPollRecords: cfg.Kafka.MaxPollRecords,
			TLS:            kafka.TLSConfig{Enabled: cfg.Kafka.TLS.Enabled, InsecureSkipVerify: cfg.Kafka.TLS.InsecureSkipVerify},
		}, coord, d.notifier, logger)
		if err != nil {
			return err
		}
		return a.Start(ctx)
	}
	return fmt.Errorf("unsupported mode %q", cfg.Mode)
}

func buildDeps(ctx context.Context, cfg config.Config, awsCfg aws.Config, logger logrus.FieldLogger) (*deps, error) {
	d := &deps{notifier: alert.Nop{}}

	var ddb *dynamo.Store
	if cfg.Sink.Type == config.StoreDynamoDB || cfg.Checkpoint.Type == config.StoreDynamoDB {
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		store, err := dynamo.NewStore(client, dynamo.Config{Table: cfg.Sink.DynamoDB.Table, CheckpointTable: cfg.Sink.DynamoDB.CheckpointTable})
		if err != nil {
			return nil, err
		}
		ddb = store
	}
	var lite *sqlite.Store
	if cfg.Sink.Type == config.StoreSQLite || cfg.Checkpoint.Type == config.StoreSQLite {
		store, err := sqlite.NewStore(cfg.Sink.SQLite.Dir)
		if err != nil {
			return nil, err
		}
		lite = store
		d.closers = append(d.closers, store)
	}
	mem := memory.NewStore()

	switch cfg.Sink.Type {
	case config.StoreDynamoDB:
		d.sink = ddb
	case config.StoreSQLite:
		d.sink = lite
	case config.StorePostgres:
		pool, err := postgres.Open(ctx, cfg.Sink.Postgres.DSN)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, closerFunc(func() error { pool.Close(); return nil }))
		store, err := postgres.NewStore(ctx, pool, postgres.Config{Table: cfg.Sink.Postgres.Table})
		if err != nil {
			d.Close()
			return nil, err
		}
		d.sink = store
	case config.StoreMemory:
		logger.Warn("memory sink selected; projected revisions are not persisted")
		d.sink = mem
	}

	switch cfg.Checkpoint.Type {
	case config.StoreDynamoDB:
		d.checkpoints = ddb
	case config.StoreSQLite:
		d.checkpoints = lite
	default:
		d.checkpoints = mem
	}

	if rc := cfg.Alerts.RabbitMQ; rc.Enabled {
		p, err := rabbitmq.NewPublisher(rabbitmq.Config{
			Enabled:    true,
			URL:        rc.URL,
			Endpoints:  rc.Endpoints,
			Exchange:   rc.Exchange,
			RoutingKey: rc.RoutingKey,
			Auth:       rabbitmq.AuthConfig{Username: rc.Username, Password: rc.Password},
			TLS: rabbitmq.TLSConfig{
				Enabled:            rc.TLS.Enabled,
				InsecureSkipVerify: rc.TLS.InsecureSkipVerify,
				ServerName:         rc.TLS.ServerName,
				CAFile:             rc.TLS.CAFile,
				CertFile:           rc.TLS.CertFile,
				KeyFile:            rc.TLS.KeyFile,
			},
		})
		if err != nil {
			d.Close()
			return nil, err
		}
		if err := p.Connect(ctx); err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, p)
		d.notifier = p
	}
	return d, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
