// Package lambda runs the pipeline as a Kinesis-triggered AWS Lambda function.
package lambda

import (
	"context"
	"errors"
	"strings"

	"ledgerstream/internal/alert"
	"ledgerstream/internal/domain"
	"ledgerstream/internal/pipeline"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"
)

const transportName = "lambda"

type Processor interface {
	Process(ctx context.Context, records []domain.StreamRecord) pipeline.Outcome
}

type Config struct {
	// ReportItemFailures returns the failing sequence number to the trigger
	// instead of an invocation error, so the retry starts at that record.
	ReportItemFailures bool
}

type Handler struct {
	cfg      Config
	proc     Processor
	notifier alert.Notifier
	logger   logrus.FieldLogger
}

func NewHandler(cfg Config, proc Processor, notifier alert.Notifier, logger logrus.FieldLogger) (*Handler, error) {
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	if notifier == nil {
		notifier = alert.Nop{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{cfg: cfg, proc: proc, notifier: notifier, logger: logger}, nil
}

// Start hands the handler to the Lambda runtime. It does not return.
func (h *Handler) Start() {
	awslambda.Start(h.Handle)
}

// Handle processes one invocation. All records of an invocation come from a
// single shard.
func (h *Handler) Handle(ctx context.Context, ev events.KinesisEvent) (events.KinesisEventResponse, error) {
	records := StreamRecords(ev)
	shard := ""
	if len(ev.Records) > 0 {
		shard = ShardID(ev.Records[0].EventID)
	}
	log := h.logger.WithFields(logrus.Fields{"shard": shard, "records": len(records)})

	out := h.proc.Process(ctx, records)
	if out.State == pipeline.StateCompleted {
		log.WithField("applied", out.Applied).Debug("invocation completed")
		return events.KinesisEventResponse{}, nil
	}
	alert.Report(ctx, h.notifier, h.logger, transportName, shard, out)
	if !h.cfg.ReportItemFailures {
		return events.KinesisEventResponse{}, out.Err()
	}
	seq := failedSequence(records, out)
	log.WithField("item_identifier", seq).Warn("reporting batch item failure")
	return events.KinesisEventResponse{
		BatchItemFailures: []events.KinesisBatchItemFailure{{ItemIdentifier: seq}},
	}, nil
}

// failedSequence is the first physical record the retry must include.
func failedSequence(records []domain.StreamRecord, out pipeline.Outcome) string {
	if out.Failure != nil && out.Failure.SequenceNumber != "" {
		return out.Failure.SequenceNumber
	}
	if out.LastCompletedSequence == "" {
		if len(records) > 0 {
			return records[0].SequenceNumber
		}
		return ""
	}
	for i, r := range records {
		if r.SequenceNumber == out.LastCompletedSequence && i+1 < len(records) {
			return records[i+1].SequenceNumber
		}
	}
	return out.LastCompletedSequence
}

func StreamRecords(ev events.KinesisEvent) []domain.StreamRecord {
	out := make([]domain.StreamRecord, 0, len(ev.Records))
	for _, r := range ev.Records {
		out = append(out, domain.StreamRecord{
			ShardPartitionKey: r.Kinesis.PartitionKey,
			SequenceNumber:    r.Kinesis.SequenceNumber,
			Data:              r.Kinesis.Data,
			ArrivalTime:       r.Kinesis.ApproximateArrivalTimestamp.UTC(),
		})
	}
	return out
}

// ShardID extracts the shard from an event id of the form
// "shardId-000000000000:49545115243490985018280067714973144582180062593244200961".
func ShardID(eventID string) string {
	shard, _, _ := strings.Cut(eventID, ":")
	return shard
}
