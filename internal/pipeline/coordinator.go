// Package pipeline drives batches of stream records through deaggregation,
// decoding, filtering and projection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgerstream/internal/deagg"
	"ledgerstream/internal/domain"
	"ledgerstream/internal/projection"
	"ledgerstream/internal/revision"
	"ledgerstream/internal/storage"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateIdle State = iota
	StateProcessing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Stage string

const (
	StageFraming   Stage = "framing"
	StageDecode    Stage = "decode"
	StageExtract   Stage = "extract"
	StageSink      Stage = "sink"
	StageCancelled Stage = "cancelled"
)

// BatchError identifies the record that stopped a batch.
type BatchError struct {
	Stage             Stage
	ShardPartitionKey string
	SequenceNumber    string
	SubSequence       int
	Record            string
	Identity          string
	ArrivalTime       time.Time
	Err               error
}

func (e *BatchError) Error() string {
	at := e.Record
	if at == "" {
		at = e.SequenceNumber
	}
	return fmt.Sprintf("batch failed at %s (%s): %v", at, e.Stage, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Outcome reports how a batch ended. LastCompletedSequence is the sequence
// number of the last physical record whose logical records were all handled.
type Outcome struct {
	State                 State
	Records               int
	Applied               int
	Skipped               int
	LastCompletedSequence string
	Failure               *BatchError
}

func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Writer projects and stores one extracted revision; *projection.Writer is the
// production implementation.
type Writer interface {
	Apply(ctx context.Context, ex revision.Extracted) (storage.SinkRecord, error)
}

var _ Writer = (*projection.Writer)(nil)

type Deps struct {
	Decoder *revision.Decoder
	Filter  revision.Filter
	Writer  Writer
	Logger  logrus.FieldLogger
}

// Coordinator processes one batch at a time, in arrival order, and stops on
// the first fatal error. It holds no per-batch state, so each shard may use
// its own instance or share one.
type Coordinator struct {
	decoder *revision.Decoder
	filter  revision.Filter
	writer  Writer
	logger  logrus.FieldLogger
}

func New(deps Deps) (*Coordinator, error) {
	if deps.Writer == nil {
		return nil, errors.New("pipeline: writer is required")
	}
	if deps.Decoder == nil {
		deps.Decoder = revision.NewDecoder()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Coordinator{decoder: deps.Decoder, filter: deps.Filter, writer: deps.Writer, logger: deps.Logger}, nil
}

// Process runs the batch to completion or to the first failure. Upserts made
// before a failure stay applied; replaying the batch re-applies them with the
// same result.
func (c *Coordinator) Process(ctx context.Context, records []domain.StreamRecord) Outcome {
	b := &batch{c: c, state: StateIdle, records: records}
	return b.run(ctx, records)
}

type batch struct {
	c       *Coordinator
	state   State
	outcome Outcome
	records []domain.StreamRecord
	pos     int
}

// arrival returns the arrival time of the physical record seq. Records are
// visited in order, so the scan resumes where the previous lookup stopped.
func (b *batch) arrival(seq string) time.Time {
	for i := b.pos; i < len(b.records); i++ {
		if b.records[i].SequenceNumber == seq {
			b.pos = i
			return b.records[i].ArrivalTime
		}
	}
	return time.Time{}
}

func (b *batch) run(ctx context.Context, records []domain.StreamRecord) Outcome {
	b.state = StateProcessing
	log := b.c.logger.WithField("records", len(records))
	if len(records) > 0 {
		log = log.WithField("shard_partition_key", records[0].ShardPartitionKey)
	}
	log.Debug("batch started")

	current := ""
	for lr, err := range deagg.Records(records) {
		if err != nil {
			var fe *deagg.FrameError
			seq := ""
			if errors.As(err, &fe) {
				seq = fe.SequenceNumber
			}
			if current != "" {
				b.outcome.LastCompletedSequence = current
			}
			return b.fail(log, &BatchError{Stage: StageFraming, SequenceNumber: seq, Record: seq, ArrivalTime: b.arrival(seq), Err: err})
		}
		if lr.SequenceNumber != current {
			if current != "" {
				b.outcome.LastCompletedSequence = current
			}
			current = lr.SequenceNumber
		}
		if err := ctx.Err(); err != nil {
			return b.fail(log, b.recordErr(StageCancelled, lr, err))
		}
		b.outcome.Records++
		if berr := b.handle(ctx, lr); berr != nil {
			return b.fail(log, berr)
		}
	}
	if current != "" {
		b.outcome.LastCompletedSequence = current
	}
	b.state = StateCompleted
	b.outcome.State = b.state
	log.WithFields(logrus.Fields{"applied": b.outcome.Applied, "skipped": b.outcome.Skipped}).Info("batch completed")
	return b.outcome
}

func (b *batch) handle(ctx context.Context, lr domain.LogicalRecord) *BatchError {
	log := b.c.logger.WithFields(logrus.Fields{
		"shard_partition_key": lr.PartitionKey,
		"record":              lr.Ref(),
	})
	env, err := b.c.decoder.Decode(lr.Data)
	if err != nil {
		return b.recordErr(StageDecode, lr, err)
	}
	log.WithField("record_type", env.RecordType()).Debug("decoded ledger record")

	ex, ok, err := b.c.filter.Extract(env)
	if err != nil {
		return b.recordErr(StageExtract, lr, err)
	}
	if !ok {
		b.outcome.Skipped++
		return nil
	}
	rec, err := b.c.writer.Apply(ctx, ex)
	if err != nil {
		berr := b.recordErr(StageSink, lr, err)
		berr.Identity = rec.Key.String()
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			berr.Stage = StageCancelled
		}
		return berr
	}
	b.outcome.Applied++
	log.WithField("identity", rec.Key.String()).Debug("revision applied")
	return nil
}

func (b *batch) recordErr(stage Stage, lr domain.LogicalRecord, err error) *BatchError {
	return &BatchError{
		Stage:             stage,
		ShardPartitionKey: lr.PartitionKey,
		SequenceNumber:    lr.SequenceNumber,
		SubSequence:       lr.SubSequence,
		Record:            lr.Ref(),
		ArrivalTime:       b.arrival(lr.SequenceNumber),
		Err:               err,
	}
}

func (b *batch) fail(log logrus.FieldLogger, berr *BatchError) Outcome {
	b.state = StateFailed
	b.outcome.State = b.state
	b.outcome.Failure = berr
	fields := logrus.Fields{
		"stage":           berr.Stage,
		"record":          berr.Record,
		"sequence_number": berr.SequenceNumber,
		"applied":         b.outcome.Applied,
	}
	if berr.Identity != "" {
		fields["identity"] = berr.Identity
	}
	if !berr.ArrivalTime.IsZero() {
		fields["arrival_time"] = berr.ArrivalTime
		fields["age"] = time.Since(berr.ArrivalTime).Round(time.Millisecond).String()
	}
	log.WithFields(fields).WithError(berr.Err).Error("batch failed")
	return b.outcome
}
