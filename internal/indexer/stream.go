package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

// NATS publishes documents on a subject.
type NATS struct {
	nc      *nats.Conn
	subject string
}

// NewNATS connects to url. An unreachable server is retried in the
// background; publishes are buffered until it answers.
func NewNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name(tokenIssuer),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{nc: nc, subject: subject}, nil
}

func (n *NATS) Index(ctx context.Context, doc Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject, b); err != nil {
		return err
	}
	// Flush so a dead connection surfaces here instead of dropping silently.
	return n.nc.FlushWithContext(ctx)
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}

// Kafka writes documents to a topic keyed by conversation, so one
// conversation's documents stay ordered within a partition.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *Kafka) Index(ctx context.Context, doc Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(doc.ConversationID),
		Value: b,
		Time:  time.UnixMilli(doc.Timestamp),
	})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
