// Package alert tells operators that a batch stopped.
package alert

import (
	"context"
	"time"

	"ledgerstream/internal/pipeline"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Notice struct {
	ID             string    `json:"id"`
	Transport      string    `json:"transport"`
	Shard          string    `json:"shard"`
	SequenceNumber string    `json:"sequence_number"`
	SubSequence    int       `json:"sub_sequence"`
	Record         string    `json:"record"`
	Stage          string    `json:"stage"`
	Identity       string    `json:"identity,omitempty"`
	Error          string    `json:"error"`
	Applied        int       `json:"applied"`
	At             time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Notice) error { return nil }

// FromOutcome builds a notice for a failed batch; ok is false when the batch
// did not fail.
func FromOutcome(transport, shard string, out pipeline.Outcome) (Notice, bool) {
	if out.Failure == nil {
		return Notice{}, false
	}
	f := out.Failure
	return Notice{
		ID:             uuid.NewString(),
		Transport:      transport,
		Shard:          shard,
		SequenceNumber: f.SequenceNumber,
		SubSequence:    f.SubSequence,
		Record:         f.Record,
		Stage:          string(f.Stage),
		Identity:       f.Identity,
		Error:          f.Err.Error(),
		Applied:        out.Applied,
		At:             time.Now().UTC(),
	}, true
}

// Report sends a notice for a failed outcome. Delivery errors are logged and
// otherwise ignored.
func Report(ctx context.Context, n Notifier, logger logrus.FieldLogger, transport, shard string, out pipeline.Outcome) {
	if n == nil {
		return
	}
	notice, ok := FromOutcome(transport, shard, out)
	if !ok {
		return
	}
	if err := n.Notify(ctx, notice); err != nil {
		logger.WithFields(logrus.Fields{"alert_id": notice.ID, "shard": shard, "record": notice.Record}).WithError(err).Warn("failed to publish batch failure alert")
	}
}
