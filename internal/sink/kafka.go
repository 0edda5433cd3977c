package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/segmentio/kafka-go"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// KafkaPublisher writes one message per event, keyed by the row key so the changes of a
// row stay in order on one partition. Tombstones have a nil value so compacted topics
// drop the key.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
	log    hclog.Logger
}

func NewKafkaPublisher(brokers []string, topicPrefix string, logger hclog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink needs at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
			Compression:            kafka.Snappy,
		},
		prefix: topicPrefix,
		log:    logger.Named("kafka"),
	}, nil
}

// PublishChanges writes the batch and waits for every acknowledgement
func (p *KafkaPublisher) PublishChanges(ctx context.Context, events []cdc.ChangeEvent) (<-chan bool, error) {
	if len(events) == 0 {
		return done(true), nil
	}
	msgs, err := kafkaMessages(p.prefix, events)
	if err != nil {
		return nil, err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.log.Error("Failed to publish batch", "error", err, "changeCount", len(events))
		return done(false), nil
	}
	p.log.Debug("Published batch", "changeCount", len(events))
	return done(true), nil
}

func kafkaMessages(prefix string, events []cdc.ChangeEvent) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		msg := kafka.Message{
			Topic: destination(prefix, e),
			Time:  time.UnixMilli(e.Source.Timestamp),
		}
		switch {
		case e.Key != nil:
			key, err := json.Marshal(e.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to encode key of %s event on %s: %w", e.Op, e.Table, err)
			}
			msg.Key = key
		case e.Op == cdc.OpSchemaChange:
			// schema changes of one database stay ordered on one partition
			msg.Key = []byte(e.Source.Database)
		default:
			msg.Key = []byte(e.Table.String())
		}
		if e.Op != cdc.OpTombstone {
			value, err := json.Marshal(e)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s event on %s: %w", e.Op, e.Table, err)
			}
			msg.Value = value
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
