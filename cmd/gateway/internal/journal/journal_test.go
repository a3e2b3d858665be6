package journal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/journal"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/testutils"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

func TestJournal_Record(t *testing.T) {
	writer := &testutils.MockKafkaWriter{}
	j := journal.New(zap.NewNop(), writer)
	at := time.Unix(1700000000, 0).UTC()

	if err := j.Record(context.Background(), models.Tick{Symbol: "BTCUSDT", LastPrice: 50000, EventTime: at}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(writer.Messages) != 1 {
		t.Fatalf("Expected one message, got %d", len(writer.Messages))
	}
	msg := writer.Messages[0]
	if string(msg.Key) != "BTCUSDT" {
		t.Errorf("Expected symbol key, got %s", msg.Key)
	}
	var got models.Tick
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("Journal wrote invalid JSON: %v", err)
	}
	if got.LastPrice != 50000 || !got.EventTime.Equal(at) {
		t.Errorf("Unexpected payload %+v", got)
	}

	j.Close()
	if !writer.Closed {
		t.Errorf("Close should close the writer")
	}
}

func TestJournal_RecordError(t *testing.T) {
	writer := &testutils.MockKafkaWriter{ShouldFail: true}
	j := journal.New(zap.NewNop(), writer)

	if err := j.Record(context.Background(), models.Tick{Symbol: "BTCUSDT"}); err == nil {
		t.Error("Expected writer error to be returned")
	}
}

func topic(name string) journal.TopicSpec {
	return journal.TopicSpec{Name: name, Partitions: 4, Replication: 1, PollInterval: time.Millisecond}
}

func TestEnsureTopic(t *testing.T) {
	dialer := &testutils.MockKafkaDialer{}

	if err := journal.EnsureTopic(context.Background(), dialer.Dial, []string{"broker:9092"}, topic("market_ticks")); err != nil {
		t.Fatalf("Expected topic to become ready: %v", err)
	}
	if dialer.ConnSpy == nil || len(dialer.ConnSpy.CreatedTopics) != 1 {
		t.Fatal("No topic created")
	}
	if dialer.ConnSpy.CreatedTopics[0] != "market_ticks" {
		t.Errorf("Expected topic market_ticks, got %s", dialer.ConnSpy.CreatedTopics[0])
	}
	if len(dialer.Dials) != 2 || dialer.Dials[1] != "localhost:9092" {
		t.Errorf("Expected broker then controller dial, got %v", dialer.Dials)
	}
}

func TestEnsureTopic_AlreadyExists(t *testing.T) {
	dialer := &testutils.MockKafkaDialer{ConnSpy: &testutils.MockKafkaConn{Exists: true}}
	if err := journal.EnsureTopic(context.Background(), dialer.Dial, []string{"a:9092"}, topic("t")); err != nil {
		t.Errorf("Existing topic should be ready, got %v", err)
	}
}

func TestEnsureTopic_Failures(t *testing.T) {
	dialer := &testutils.MockKafkaDialer{Fail: true}
	err := journal.EnsureTopic(context.Background(), dialer.Dial, []string{"a:9092", "b:9092"}, topic("t"))
	if err == nil {
		t.Error("Unreachable brokers should fail")
	}
	if len(dialer.Dials) != 2 {
		t.Errorf("Expected every broker tried, got %v", dialer.Dials)
	}

	if err := journal.EnsureTopic(context.Background(), dialer.Dial, nil, topic("t")); err == nil {
		t.Error("No brokers should fail")
	}

	dialer = &testutils.MockKafkaDialer{ConnSpy: &testutils.MockKafkaConn{NoPartitions: true}}
	err = journal.EnsureTopic(context.Background(), dialer.Dial, []string{"a:9092"}, topic("t"))
	if !errors.Is(err, journal.ErrTopicNotReady) {
		t.Errorf("Topic without partitions should time out, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dialer = &testutils.MockKafkaDialer{ConnSpy: &testutils.MockKafkaConn{NoPartitions: true}}
	spec := topic("t")
	spec.PollInterval = time.Hour
	if err := journal.EnsureTopic(ctx, dialer.Dial, []string{"a:9092"}, spec); !errors.Is(err, context.Canceled) {
		t.Errorf("Cancelled bootstrap should return the context error, got %v", err)
	}
}
