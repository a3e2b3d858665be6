// Package journal appends every applied tick to a Kafka topic so downstream
// consumers (analytics, backfills) can replay the market history.
package journal

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

type Journal struct {
	logger *zap.Logger
	writer Writer
}

func New(logger *zap.Logger, writer Writer) *Journal {
	return &Journal{logger: logger.With(zap.String("component", "journal")), writer: writer}
}

// NewWriter builds the batching async writer used in production.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
}

// Record writes t keyed by symbol, which keeps per-symbol ordering within a
// partition.
func (j *Journal) Record(ctx context.Context, t models.Tick) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	err = j.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.Symbol),
		Value: payload,
		Time:  t.EventTime,
	})
	if err != nil {
		j.logger.Error("Kafka Write Error", zap.String("symbol", t.Symbol), zap.Error(err))
		return err
	}
	return nil
}

// Close flushes buffered messages.
func (j *Journal) Close() error {
	return j.writer.Close()
}
