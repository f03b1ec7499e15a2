// Package indexer pushes sent messages to an outbound search index. Indexing
// is best effort: callers fire it in the background and only log failures.
package indexer

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/model"
)

// Document is the JSON body sent to every sink.
type Document struct {
	MessageID      string `json:"messageID"`
	ConversationID string `json:"conversationID"`
	Text           string `json:"text"`
	SenderID       string `json:"senderID"`
	SenderName     string `json:"senderName"`
	Timestamp      int64  `json:"timestamp"`
}

// FromMessage builds the document for m. Timestamp is in milliseconds.
func FromMessage(m model.Message) Document {
	return Document{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Text:           m.Text,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Timestamp:      m.CreatedAt.UnixMilli(),
	}
}

// Indexer delivers documents to a sink.
type Indexer interface {
	Index(ctx context.Context, doc Document) error
	Close() error
}

// Nop discards documents. It is used when no sink is configured.
type Nop struct{}

func (Nop) Index(context.Context, Document) error { return nil }
func (Nop) Close() error                          { return nil }

// New builds the sink selected by cfg.Kind.
func New(cfg config.Indexer) (Indexer, error) {
	switch cfg.Kind {
	case "":
		return Nop{}, nil
	case "webhook":
		return NewWebhook(WebhookOptions{
			Endpoint:      cfg.Endpoint,
			Token:         cfg.Token,
			SigningSecret: cfg.SigningSecret,
			Timeout:       cfg.Timeout.D(),
		}), nil
	case "nats":
		return NewNATS(cfg.NATSURL, cfg.Subject)
	case "kafka":
		return NewKafka(cfg.KafkaBrokers, cfg.Topic), nil
	}
	return nil, fmt.Errorf("unknown indexer kind %q", cfg.Kind)
}
