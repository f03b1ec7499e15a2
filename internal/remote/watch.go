package remote

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/model"
)

type changeEvent struct {
	OperationType string      `bson:"operationType"`
	FullDocument  *messageDoc `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// Watch subscribes to a conversation. The change stream is opened before the
// initial page is read so nothing written in between is missed; duplicates
// are harmless because consumers key by message ID. The first batch is the
// newest pageSize messages. The channel is closed when ctx is done or the
// stream fails.
func (s *Mongo) Watch(ctx context.Context, conversationID string, pageSize int) (<-chan Batch, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.messages.Watch(ctx, watchPipeline(conversationID), opts)
	if err != nil {
		return nil, fmt.Errorf("open change stream: %w", err)
	}

	initial, err := s.Messages(ctx, conversationID, time.Time{}, pageSize)
	if err != nil {
		_ = cs.Close(context.Background())
		return nil, fmt.Errorf("initial page: %w", err)
	}

	out := make(chan Batch, 16)
	go func() {
		defer close(out)
		defer func() { _ = cs.Close(context.Background()) }()

		first := Batch{Initial: true, Changes: make([]Change, 0, len(initial))}
		for _, m := range initial {
			first.Changes = append(first.Changes, Change{Kind: Added, Message: m})
		}
		if !send(ctx, out, first) {
			return
		}

		for cs.Next(ctx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				s.logger.Warn("decode change event", zap.Error(err))
				continue
			}
			ch, ok := changeFromEvent(ev)
			if !ok {
				continue
			}
			if !send(ctx, out, Batch{Changes: []Change{ch}}) {
				return
			}
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.logger.Warn("change stream ended", zap.String("conversation", conversationID), zap.Error(err))
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Batch, b Batch) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

// watchPipeline filters the collection stream down to one conversation.
// Deletes carry no document, so they all pass; removing an unknown ID is a no-op downstream.
func watchPipeline(conversationID string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"fullDocument.conversationId": conversationID},
			bson.M{"operationType": "delete"},
		}}}},
	}
}

func changeFromEvent(ev changeEvent) (Change, bool) {
	switch ev.OperationType {
	case "insert":
		if ev.FullDocument == nil {
			return Change{}, false
		}
		return Change{Kind: Added, Message: fromMessageDoc(*ev.FullDocument)}, true
	case "update", "replace":
		if ev.FullDocument == nil {
			// Deleted before the lookup ran; the delete event follows.
			return Change{}, false
		}
		return Change{Kind: Modified, Message: fromMessageDoc(*ev.FullDocument)}, true
	case "delete":
		return Change{Kind: Removed, Message: model.Message{ID: ev.DocumentKey.ID}}, true
	}
	return Change{}, false
}
