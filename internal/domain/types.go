package domain

import (
	"fmt"
	"time"
)

// ShardEnd is checkpointed once a closed shard has been fully consumed.
const ShardEnd = "SHARD_END"

// StreamRecord is one physical record as delivered by a transport. It may
// carry an aggregated container of several logical records.
type StreamRecord struct {
	ShardPartitionKey string
	SequenceNumber    string
	Data              []byte
	ArrivalTime       time.Time
}

// LogicalRecord is one un-multiplexed unit after deaggregation.
type LogicalRecord struct {
	PartitionKey    string
	ExplicitHashKey string
	SequenceNumber  string
	SubSequence     int
	Aggregated      bool
	Data            []byte
}

// Ref identifies the record in logs and failure reports.
func (r LogicalRecord) Ref() string {
	return fmt.Sprintf("%s/%d", r.SequenceNumber, r.SubSequence)
}

type Checkpoint struct {
	ShardID        string
	SequenceNumber string
	UpdatedAt      time.Time
}
