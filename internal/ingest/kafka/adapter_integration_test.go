package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ledgerstream/internal/pipeline"
	"ledgerstream/internal/projection"
	"ledgerstream/internal/revision"
	"ledgerstream/internal/storage/memory"

	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestKafkaContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("ledger"), kgo.AllowAutoTopicCreation())
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	body := []byte(`{recordType: "REVISION_DETAILS", payload: {tableInfo: {tableName: "Wallet"}, revision: {data: {accountId: "a1", balance: 3}, metadata: {txTime: 2021-05-04T10:15:30Z, txId: "tx1"}}}}`)
	if err := producer.ProduceSync(ctx, &kgo.Record{Topic: "ledger", Key: []byte("a1"), Value: body}).FirstErr(); err != nil {
		t.Fatalf("produce: %v", err)
	}

	logger := logrus.New()
	store := memory.NewStore()
	c, err := pipeline.New(pipeline.Deps{
		Filter: revision.NewFilter("Wallet"),
		Writer: projection.NewWriter(store, projection.Options{}, time.Second, logger),
		Logger: logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	adapter, err := NewAdapter(Config{Enabled: true, Brokers: []string{broker}, Topics: []string{"ledger"}, GroupID: "ledgerstream-it"}, c, nil, logger, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	consumeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	go func() { _ = adapter.Start(consumeCtx) }()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-consumeCtx.Done():
			t.Fatalf("timed out waiting for projected revision")
		case <-ticker.C:
			if store.Writes() > 0 {
				return
			}
		}
	}
}
