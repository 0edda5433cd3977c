package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// NATSPublisher publishes events as JSON to JetStream. Every message carries a message
// id derived from the event offset, so a batch published again after a restart is
// de-duplicated by the stream.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
	log    hclog.Logger
}

func NewNATSPublisher(ctx context.Context, url, subjectPrefix string, logger hclog.Logger) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("dstream-capture"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	if _, err := js.AccountInfo(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream is not available: %w", err)
	}
	return &NATSPublisher{conn: nc, js: js, prefix: subjectPrefix, log: logger.Named("nats")}, nil
}

// PublishChanges publishes the batch asynchronously and waits for every ack
func (p *NATSPublisher) PublishChanges(ctx context.Context, events []cdc.ChangeEvent) (<-chan bool, error) {
	msgs, err := natsMessages(p.prefix, events)
	if err != nil {
		return nil, err
	}

	futures := make([]jetstream.PubAckFuture, 0, len(msgs))
	for _, msg := range msgs {
		f, err := p.js.PublishMsgAsync(msg)
		if err != nil {
			p.log.Error("Failed to publish event", "subject", msg.Subject, "error", err)
			return done(false), nil
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		select {
		case <-f.Ok():
		case err := <-f.Err():
			p.log.Error("Event not acknowledged", "subject", f.Msg().Subject, "error", err)
			return done(false), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.log.Debug("Published batch", "changeCount", len(events))
	return done(true), nil
}

func natsMessages(prefix string, events []cdc.ChangeEvent) ([]*nats.Msg, error) {
	msgs := make([]*nats.Msg, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s event on %s: %w", e.Op, e.Table, err)
		}
		msg := nats.NewMsg(destination(prefix, e))
		msg.Data = data
		msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s|%s|%s|%s", e.Source.Server, e.Offset, e.Table, e.Op))
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
