package journal

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Writer is the part of *kafka.Writer the journal uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Conn is satisfied by *kafka.Conn.
type Conn interface {
	Controller() (kafka.Broker, error)
	CreateTopics(topics ...kafka.TopicConfig) error
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	Close() error
}

// DialFunc opens a connection to one broker.
type DialFunc func(ctx context.Context, addr string) (Conn, error)

// Dial adapts a kafka dialer.
func Dial(d *kafka.Dialer) DialFunc {
	return func(ctx context.Context, addr string) (Conn, error) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
