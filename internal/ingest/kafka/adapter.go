// Package kafka consumes a ledger stream mirrored onto Kafka topics. Each
// fetched topic partition is one batch.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ledgerstream/internal/alert"
	"ledgerstream/internal/domain"
	"ledgerstream/internal/pipeline"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

const transportName = "kafka"

type Processor interface {
	Process(ctx context.Context, records []domain.StreamRecord) pipeline.Outcome
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	MaxPollRecords int
	TLS            TLSConfig
	Fetch          FetchConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ClientID == "" {
		c.ClientID = "ledgerstream-" + uuid.NewString()
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

type Adapter struct {
	cfg      Config
	client   *kgo.Client
	proc     Processor
	notifier alert.Notifier
	logger   logrus.FieldLogger

	markCommit   func(...*kgo.Record)
	commitMarked func(context.Context) error
}

func NewAdapter(cfg Config, proc Processor, notifier alert.Notifier, logger logrus.FieldLogger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	if notifier == nil {
		notifier = alert.Nop{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ClientID(cfg.ClientID),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	a := &Adapter{cfg: cfg, client: cl, proc: proc, notifier: notifier, logger: logger}
	a.markCommit = func(rs ...*kgo.Record) { cl.MarkCommitRecords(rs...) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	return a, nil
}

// Start consumes until ctx is done or a batch fails. After a failure the
// offsets of completed records are committed, so a restart resumes at the
// failing record.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs[0].Err
		}
		var parts []kgo.FetchTopicPartition
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) > 0 {
				parts = append(parts, p)
			}
		})
		err := a.processPartitions(ctx, parts)
		if cerr := a.commitMarked(ctx); cerr != nil && err == nil {
			err = fmt.Errorf("commit offsets: %w", cerr)
		}
		a.client.AllowRebalance()
		if err != nil {
			return err
		}
	}
}

// processPartitions runs partitions concurrently; records inside a partition
// stay in order.
func (a *Adapter) processPartitions(ctx context.Context, parts []kgo.FetchTopicPartition) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range parts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.processPartition(ctx, p.Topic, p.Partition, p.Records); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (a *Adapter) processPartition(ctx context.Context, topic string, partition int32, recs []*kgo.Record) error {
	shard := fmt.Sprintf("%s/%d", topic, partition)
	out := a.proc.Process(ctx, StreamRecords(recs))
	if out.State == pipeline.StateCompleted {
		a.markCommit(recs...)
		return nil
	}
	if n := completedPrefix(recs, out.LastCompletedSequence); n > 0 {
		a.markCommit(recs[:n]...)
	}
	alert.Report(ctx, a.notifier, a.logger, transportName, shard, out)
	return fmt.Errorf("partition %s: %w", shard, out.Err())
}

// completedPrefix counts the records up to and including the one whose offset
// is seq.
func completedPrefix(recs []*kgo.Record, seq string) int {
	if seq == "" {
		return 0
	}
	for i, r := range recs {
		if strconv.FormatInt(r.Offset, 10) == seq {
			return i + 1
		}
	}
	return 0
}

// StreamRecords maps Kafka records onto stream records: the record key is
// the partition key and the offset is the sequence number.
func StreamRecords(recs []*kgo.Record) []domain.StreamRecord {
	out := make([]domain.StreamRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.StreamRecord{
			ShardPartitionKey: string(r.Key),
			SequenceNumber:    strconv.FormatInt(r.Offset, 10),
			Data:              r.Value,
			ArrivalTime:       r.Timestamp.UTC(),
		})
	}
	return out
}
