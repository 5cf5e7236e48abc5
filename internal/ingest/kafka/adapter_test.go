package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ledgerstream/internal/alert"
	"ledgerstream/internal/domain"
	"ledgerstream/internal/pipeline"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

type stubProcessor struct {
	mu  sync.Mutex
	got [][]domain.StreamRecord
	fn  func([]domain.StreamRecord) pipeline.Outcome
}

func (s *stubProcessor) Process(_ context.Context, recs []domain.StreamRecord) pipeline.Outcome {
	s.mu.Lock()
	s.got = append(s.got, recs)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(recs)
	}
	return pipeline.Outcome{State: pipeline.StateCompleted, LastCompletedSequence: recs[len(recs)-1].SequenceNumber}
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify(context.Context, alert.Notice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func newTestAdapter(proc Processor, notifier alert.Notifier) (*Adapter, *[]int64) {
	var marked []int64
	var mu sync.Mutex
	a := &Adapter{proc: proc, notifier: notifier, logger: logrus.New()}
	a.markCommit = func(rs ...*kgo.Record) {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range rs {
			marked = append(marked, r.Offset)
		}
	}
	a.commitMarked = func(context.Context) error { return nil }
	return a, &marked
}

func kafkaRecords(offsets ...int64) []*kgo.Record {
	out := make([]*kgo.Record, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, &kgo.Record{Topic: "ledger", Partition: 0, Offset: o, Key: []byte("acct"), Value: []byte(`{recordType: "CONTROL"}`)})
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"ledger"}, GroupID: "g1"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ClientID == "" || cfg.MaxPollRecords != 500 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := (Config{Enabled: true, Brokers: []string{"b"}}).Validate(); err == nil {
		t.Fatalf("expected topics validation error")
	}
}

func TestStreamRecordsUsesKeyAndOffset(t *testing.T) {
	recs := StreamRecords(kafkaRecords(7))
	if len(recs) != 1 || recs[0].ShardPartitionKey != "acct" || recs[0].SequenceNumber != "7" {
		t.Fatalf("unexpected mapping: %+v", recs)
	}
}

func TestCompletedPartitionIsMarked(t *testing.T) {
	a, marked := newTestAdapter(&stubProcessor{}, alert.Nop{})
	if err := a.processPartition(context.Background(), "ledger", 0, kafkaRecords(1, 2, 3)); err != nil {
		t.Fatal(err)
	}
	if len(*marked) != 3 {
		t.Fatalf("expected all offsets marked, got %v", *marked)
	}
}

func TestFailedPartitionMarksCompletedPrefixOnly(t *testing.T) {
	proc := &stubProcessor{fn: func([]domain.StreamRecord) pipeline.Outcome {
		return pipeline.Outcome{
			State:                 pipeline.StateFailed,
			LastCompletedSequence: "11",
			Failure:               &pipeline.BatchError{Stage: pipeline.StageDecode, SequenceNumber: "12", Err: errors.New("bad ion")},
		}
	}}
	notifier := &countingNotifier{}
	a, marked := newTestAdapter(proc, notifier)

	err := a.processPartition(context.Background(), "ledger", 0, kafkaRecords(10, 11, 12, 13))
	var berr *pipeline.BatchError
	if !errors.As(err, &berr) || berr.SequenceNumber != "12" {
		t.Fatalf("expected batch error at 12, got %v", err)
	}
	if len(*marked) != 2 || (*marked)[1] != 11 {
		t.Fatalf("expected offsets 10 and 11 marked, got %v", *marked)
	}
	if notifier.n != 1 {
		t.Fatalf("expected one alert, got %d", notifier.n)
	}
}

func TestFailureBeforeAnyCompletionMarksNothing(t *testing.T) {
	proc := &stubProcessor{fn: func([]domain.StreamRecord) pipeline.Outcome {
		return pipeline.Outcome{State: pipeline.StateFailed, Failure: &pipeline.BatchError{Err: errors.New("x")}}
	}}
	a, marked := newTestAdapter(proc, nil)
	a.notifier = alert.Nop{}
	if err := a.processPartition(context.Background(), "ledger", 0, kafkaRecords(10)); err == nil {
		t.Fatalf("expected error")
	}
	if len(*marked) != 0 {
		t.Fatalf("expected nothing marked, got %v", *marked)
	}
}

func TestPartitionsProcessedIndependently(t *testing.T) {
	proc := &stubProcessor{fn: func(recs []domain.StreamRecord) pipeline.Outcome {
		if recs[0].SequenceNumber == "100" {
			return pipeline.Outcome{State: pipeline.StateFailed, Failure: &pipeline.BatchError{Err: errors.New("x")}}
		}
		return pipeline.Outcome{State: pipeline.StateCompleted}
	}}
	a, marked := newTestAdapter(proc, alert.Nop{})
	parts := []kgo.FetchTopicPartition{
		{Topic: "ledger", FetchPartition: kgo.FetchPartition{Partition: 0, Records: kafkaRecords(1, 2)}},
		{Topic: "ledger", FetchPartition: kgo.FetchPartition{Partition: 1, Records: kafkaRecords(100)}},
	}
	if err := a.processPartitions(context.Background(), parts); err == nil {
		t.Fatalf("expected joined error")
	}
	if len(*marked) != 2 {
		t.Fatalf("expected healthy partition committed, got %v", *marked)
	}
}
