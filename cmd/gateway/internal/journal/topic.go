package journal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrTopicNotReady means the topic still had no partitions after polling.
var ErrTopicNotReady = errors.New("topic not ready")

type TopicSpec struct {
	Name         string
	Partitions   int
	Replication  int
	PollInterval time.Duration
	PollAttempts int
}

// EnsureTopic creates the journal topic through the cluster controller and
// waits until its partitions are readable. An existing topic is fine.
func EnsureTopic(ctx context.Context, dial DialFunc, brokers []string, spec TopicSpec) error {
	if spec.PollInterval <= 0 {
		spec.PollInterval = 200 * time.Millisecond
	}
	if spec.PollAttempts <= 0 {
		spec.PollAttempts = 5
	}

	conn, err := dialAny(ctx, dial, brokers)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller lookup: %w", err)
	}
	cc, err := dial(ctx, net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             spec.Name,
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.Replication,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", spec.Name, err)
	}

	ticker := time.NewTicker(spec.PollInterval)
	defer ticker.Stop()
	for i := 0; i < spec.PollAttempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if parts, err := conn.ReadPartitions(spec.Name); err == nil && len(parts) > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTopicNotReady, spec.Name)
}

func dialAny(ctx context.Context, dial DialFunc, brokers []string) (Conn, error) {
	err := errors.New("no brokers configured")
	for _, addr := range brokers {
		conn, dialErr := dial(ctx, addr)
		if dialErr == nil {
			return conn, nil
		}
		err = dialErr
	}
	return nil, fmt.Errorf("dial brokers: %w", err)
}
