// Package kinesis polls the ledger stream directly, one goroutine per shard,
// checkpointing progress in a CheckpointStore.
package kinesis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledgerstream/internal/alert"
	"ledgerstream/internal/domain"
	"ledgerstream/internal/pipeline"
	"ledgerstream/internal/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

const transportName = "kinesis"

// API is the subset of the Kinesis client the consumer uses.
type API interface {
	ListShards(ctx context.Context, in *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

type Processor interface {
	Process(ctx context.Context, records []domain.StreamRecord) pipeline.Outcome
}

type Config struct {
	Enabled           bool
	StreamName        string
	MaxRecords        int32
	PollInterval      time.Duration
	FailureBackoff    time.Duration
	ShardSyncInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 1000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = 5 * time.Second
	}
	if c.ShardSyncInterval <= 0 {
		c.ShardSyncInterval = 30 * time.Second
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.StreamName == "" {
		return errors.New("kinesis.stream_name is required")
	}
	if c.MaxRecords > 10000 {
		return fmt.Errorf("kinesis.max_records %d exceeds 10000", c.MaxRecords)
	}
	return nil
}

type Consumer struct {
	cfg         Config
	api         API
	proc        Processor
	checkpoints storage.CheckpointStore
	notifier    alert.Notifier
	logger      logrus.FieldLogger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup

	sleep func(context.Context, time.Duration) bool
}

func NewConsumer(cfg Config, api API, proc Processor, checkpoints storage.CheckpointStore, notifier alert.Notifier, logger logrus.FieldLogger) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if api == nil || proc == nil || checkpoints == nil {
		return nil, errors.New("kinesis client, processor and checkpoint store are required")
	}
	if notifier == nil {
		notifier = alert.Nop{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Consumer{
		cfg:         cfg,
		api:         api,
		proc:        proc,
		checkpoints: checkpoints,
		notifier:    notifier,
		logger:      logger.WithField("stream", cfg.StreamName),
		running:     map[string]bool{},
		sleep:       sleepCtx,
	}, nil
}

// Start consumes until ctx is done. Shards are re-listed periodically so that
// children of a resharded parent are picked up once the parent is finished.
func (c *Consumer) Start(ctx context.Context) error {
	defer c.wg.Wait()
	for {
		if err := c.syncShards(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithError(err).Error("list shards failed")
		}
		if !c.sleep(ctx, c.cfg.ShardSyncInterval) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) syncShards(ctx context.Context) error {
	shards, err := c.listShards(ctx)
	if err != nil {
		return err
	}
	listed := make(map[string]bool, len(shards))
	for _, s := range shards {
		listed[aws.ToString(s.ShardId)] = true
	}
	for _, s := range shards {
		id := aws.ToString(s.ShardId)
		if c.isRunning(id) {
			continue
		}
		cp, ok, err := c.checkpoints.GetCheckpoint(ctx, id)
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", id, err)
		}
		if ok && cp.SequenceNumber == domain.ShardEnd {
			continue
		}
		if parent := aws.ToString(s.ParentShardId); parent != "" && listed[parent] {
			pcp, ok, err := c.checkpoints.GetCheckpoint(ctx, parent)
			if err != nil {
				return fmt.Errorf("checkpoint %s: %w", parent, err)
			}
			if !ok || pcp.SequenceNumber != domain.ShardEnd {
				continue
			}
		}
		c.startShard(ctx, id)
	}
	return nil
}

func (c *Consumer) listShards(ctx context.Context) ([]types.Shard, error) {
	var shards []types.Shard
	in := &kinesis.ListShardsInput{StreamName: aws.String(c.cfg.StreamName)}
	for {
		out, err := c.api.ListShards(ctx, in)
		if err != nil {
			return nil, err
		}
		shards = append(shards, out.Shards...)
		if out.NextToken == nil {
			return shards, nil
		}
		in = &kinesis.ListShardsInput{NextToken: out.NextToken}
	}
}

func (c *Consumer) isRunning(shardID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[shardID]
}

func (c *Consumer) startShard(ctx context.Context, shardID string) {
	c.mu.Lock()
	c.running[shardID] = true
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		finished := c.consumeShard(ctx, shardID)
		c.mu.Lock()
		defer c.mu.Unlock()
		if !finished {
			delete(c.running, shardID)
		}
	}()
}

// consumeShard reads one shard in order. It returns true once the shard is
// closed and fully processed.
func (c *Consumer) consumeShard(ctx context.Context, shardID string) bool {
	log := c.logger.WithField("shard", shardID)
	cp, _, err := c.checkpoints.GetCheckpoint(ctx, shardID)
	if err != nil {
		log.WithError(err).Error("read checkpoint failed")
		return false
	}
	last := cp.SequenceNumber
	iter, err := c.iterator(ctx, shardID, last)
	if err != nil {
		log.WithError(err).Error("get shard iterator failed")
		return false
	}
	log.WithField("checkpoint", last).Info("shard consumer started")

	for {
		if ctx.Err() != nil {
			return false
		}
		out, err := c.api.GetRecords(ctx, &kinesis.GetRecordsInput{ShardIterator: iter, Limit: aws.Int32(c.cfg.MaxRecords)})
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			var expired *types.ExpiredIteratorException
			if !errors.As(err, &expired) {
				logAPIError(log, err, "get records failed")
				if !c.sleep(ctx, c.cfg.FailureBackoff) {
					return false
				}
			}
			if iter, err = c.iterator(ctx, shardID, last); err != nil {
				log.WithError(err).Error("get shard iterator failed")
				return false
			}
			continue
		}

		if records := streamRecords(out.Records); len(records) > 0 {
			outcome := c.proc.Process(ctx, records)
			if outcome.State != pipeline.StateCompleted {
				if outcome.Failure != nil && outcome.Failure.Stage == pipeline.StageCancelled {
					return false
				}
				alert.Report(ctx, c.notifier, log, transportName, shardID, outcome)
				if outcome.LastCompletedSequence != "" {
					last = outcome.LastCompletedSequence
					c.checkpoint(ctx, log, shardID, last)
				}
				if !c.sleep(ctx, c.cfg.FailureBackoff) {
					return false
				}
				if iter, err = c.iterator(ctx, shardID, last); err != nil {
					log.WithError(err).Error("get shard iterator failed")
					return false
				}
				continue
			}
			last = records[len(records)-1].SequenceNumber
			c.checkpoint(ctx, log, shardID, last)
		}

		if out.NextShardIterator == nil {
			c.checkpoint(ctx, log, shardID, domain.ShardEnd)
			log.Info("shard closed and fully processed")
			return true
		}
		iter = out.NextShardIterator
		if len(out.Records) == 0 || aws.ToInt64(out.MillisBehindLatest) == 0 {
			if !c.sleep(ctx, c.cfg.PollInterval) {
				return false
			}
		}
	}
}

func (c *Consumer) iterator(ctx context.Context, shardID, after string) (*string, error) {
	in := &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(c.cfg.StreamName),
		ShardId:           aws.String(shardID),
		ShardIteratorType: types.ShardIteratorTypeTrimHorizon,
	}
	if after != "" {
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = aws.String(after)
	}
	out, err := c.api.GetShardIterator(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.ShardIterator, nil
}

func (c *Consumer) checkpoint(ctx context.Context, log logrus.FieldLogger, shardID, seq string) {
	if err := c.checkpoints.PutCheckpoint(ctx, domain.Checkpoint{ShardID: shardID, SequenceNumber: seq}); err != nil {
		log.WithError(err).WithField("sequence_number", seq).Error("checkpoint failed")
	}
}

func streamRecords(in []types.Record) []domain.StreamRecord {
	out := make([]domain.StreamRecord, 0, len(in))
	for _, r := range in {
		rec := domain.StreamRecord{
			ShardPartitionKey: aws.ToString(r.PartitionKey),
			SequenceNumber:    aws.ToString(r.SequenceNumber),
			Data:              r.Data,
		}
		if r.ApproximateArrivalTimestamp != nil {
			rec.ArrivalTime = r.ApproximateArrivalTimestamp.UTC()
		}
		out = append(out, rec)
	}
	return out
}

func logAPIError(log logrus.FieldLogger, err error, msg string) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		log = log.WithField("error_code", apiErr.ErrorCode())
	}
	log.WithError(err).Warn(msg)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
