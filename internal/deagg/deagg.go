// Package deagg expands Kinesis Producer Library aggregated containers into
// their logical records.
package deagg

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"iter"

	"ledgerstream/internal/domain"

	"github.com/golang/protobuf/proto"
)

var (
	// Magic prefixes every aggregated container.
	Magic = []byte{0xF3, 0x89, 0x9A, 0xC2}

	ErrCorruptContainer = errors.New("corrupt aggregated container")
)

const digestSize = md5.Size

// FrameError reports a container that carries the aggregation magic but fails
// validation. It is fatal for the batch.
type FrameError struct {
	SequenceNumber string
	Reason         string
	Err            error
}

func (e *FrameError) Error() string {
	msg := fmt.Sprintf("deaggregate record %s: %s", e.SequenceNumber, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FrameError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorruptContainer, e.Err}
	}
	return []error{ErrCorruptContainer}
}

// IsAggregated reports whether data starts with the aggregation magic.
func IsAggregated(data []byte) bool {
	return bytes.HasPrefix(data, Magic)
}

// Records lazily yields the logical records of in, in order. Iteration stops
// after the first framing error, which is yielded with a zero record. The
// sequence can be ranged over again to restart from the first record.
func Records(in []domain.StreamRecord) iter.Seq2[domain.LogicalRecord, error] {
	return func(yield func(domain.LogicalRecord, error) bool) {
		for _, rec := range in {
			if !IsAggregated(rec.Data) {
				lr := domain.LogicalRecord{
					PartitionKey:   rec.ShardPartitionKey,
					SequenceNumber: rec.SequenceNumber,
					Data:           rec.Data,
				}
				if !yield(lr, nil) {
					return
				}
				continue
			}
			subs, err := Expand(rec)
			if err != nil {
				yield(domain.LogicalRecord{}, err)
				return
			}
			for _, lr := range subs {
				if !yield(lr, nil) {
					return
				}
			}
		}
	}
}

// Expand validates and unpacks one aggregated container.
func Expand(rec domain.StreamRecord) ([]domain.LogicalRecord, error) {
	body := rec.Data[len(Magic):]
	if len(body) < digestSize {
		return nil, &FrameError{SequenceNumber: rec.SequenceNumber, Reason: fmt.Sprintf("container too short (%d bytes)", len(rec.Data))}
	}
	msg, digest := body[:len(body)-digestSize], body[len(body)-digestSize:]
	sum := md5.Sum(msg)
	if !bytes.Equal(sum[:], digest) {
		return nil, &FrameError{SequenceNumber: rec.SequenceNumber, Reason: "checksum mismatch"}
	}

	var agg AggregatedRecord
	if err := proto.Unmarshal(msg, &agg); err != nil {
		return nil, &FrameError{SequenceNumber: rec.SequenceNumber, Reason: "unmarshal aggregated record", Err: err}
	}

	out := make([]domain.LogicalRecord, 0, len(agg.Records))
	for i, sub := range agg.Records {
		if sub == nil || sub.PartitionKeyIndex == nil {
			return nil, &FrameError{SequenceNumber: rec.SequenceNumber, Reason: fmt.Sprintf("sub-record %d has no partition key index", i)}
		}
		pk := *sub.PartitionKeyIndex
		if pk >= uint64(len(agg.PartitionKeyTable)) {
			return nil, &FrameError{SequenceNumber: rec.SequenceNumber, Reason: fmt.Sprintf("sub-record %d partition key index %d out of range", i, pk)}
		}
		lr := domain.LogicalRecord{
			PartitionKey:   agg.PartitionKeyTable[pk],
			SequenceNumber: rec.SequenceNumber,
			SubSequence:    i,
			Aggregated:     true,
			Data:           sub.Data,
		}
		if sub.ExplicitHashKeyIndex != nil {
			eh := *sub.ExplicitHashKeyIndex
			if eh >= uint64(len(agg.ExplicitHashKeyTable)) {
				return nil, &FrameError{SequenceNumber: rec.SequenceNumber, Reason: fmt.Sprintf("sub-record %d explicit hash key index %d out of range", i, eh)}
			}
			lr.ExplicitHashKey = agg.ExplicitHashKeyTable[eh]
		}
		out = append(out, lr)
	}
	return out, nil
}

// Aggregate packs payloads under one partition key into a container.
func Aggregate(partitionKey string, payloads ...[]byte) ([]byte, error) {
	agg := AggregatedRecord{PartitionKeyTable: []string{partitionKey}}
	for _, p := range payloads {
		idx := uint64(0)
		agg.Records = append(agg.Records, &Record{PartitionKeyIndex: &idx, Data: p})
	}
	msg, err := proto.Marshal(&agg)
	if err != nil {
		return nil, fmt.Errorf("marshal aggregated record: %w", err)
	}
	sum := md5.Sum(msg)
	out := make([]byte, 0, len(Magic)+len(msg)+digestSize)
	out = append(out, Magic...)
	out = append(out, msg...)
	return append(out, sum[:]...), nil
}
