package remote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
)

const (
	messagesCollection      = "messages"
	conversationsCollection = "conversations"

	opTimeout = 5 * time.Second
)

// Mongo is the remote conversation/message store.
type Mongo struct {
	client   *mongo.Client
	messages *mongo.Collection
	convs    *mongo.Collection
	logger   *zap.Logger
}

// Connect creates a client for uri. The driver connects lazily, so an
// unreachable server surfaces as errors on individual operations instead.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	db := client.Database(database)
	return &Mongo{
		client:   client,
		messages: db.Collection(messagesCollection),
		convs:    db.Collection(conversationsCollection),
		logger:   logging.OrNop(logger).With(zap.String("component", "remote")),
	}, nil
}

// Close disconnects the client.
func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping checks that the server is reachable.
func (s *Mongo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// EnsureIndexes creates the indexes queries rely on.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	_, err = s.convs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updatedAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create conversation indexes: %w", err)
	}
	return nil
}

// Messages returns up to limit messages of a conversation created strictly
// before before (zero means newest), in ascending order.
func (s *Mongo) Messages(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{"conversationId": conversationID}
	if !before.IsZero() {
		filter["createdAt"] = bson.M{"$lt": before.UTC()}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(docs))
	for _, d := range slices.Backward(docs) {
		out = append(out, fromMessageDoc(d))
	}
	return out, nil
}

// MessagesByID returns the stored copies of the given messages. Missing IDs are skipped.
func (s *Mongo) MessagesByID(ctx context.Context, ids []string) ([]model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.messagesByID(ctx, ids)
}

func (s *Mongo) messagesByID(ctx context.Context, ids []string) ([]model.Message, error) {
	cur, err := s.messages.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromMessageDoc(d))
	}
	model.SortMessages(out)
	return out, nil
}

// PutMessage upserts m by ID. Content fields are overwritten; delivery state
// is only initialised on insert so receipts written by other devices survive.
// The first insert also updates the conversation preview and unread counters.
func (s *Mongo) PutMessage(ctx context.Context, m model.Message) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	d := toMessageDoc(m)
	set := bson.M{
		"conversationId": d.ConversationID,
		"senderId":       d.SenderID,
		"senderName":     d.SenderName,
		"text":           d.Text,
		"createdAt":      d.CreatedAt,
	}
	if d.Attachment != nil {
		set["attachment"] = d.Attachment
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"status":     string(model.Sent),
			"statusRank": model.Sent.Rank(),
			"readBy":     []string{},
		},
	}
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": d.ID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	if res.UpsertedCount == 0 {
		return nil
	}
	if err := s.bumpConversation(ctx, m); err != nil {
		s.logger.Warn("conversation bookkeeping failed", zap.String("conversation", m.ConversationID), zap.Error(err))
	}
	return nil
}

func (s *Mongo) bumpConversation(ctx context.Context, m model.Message) error {
	var conv conversationDoc
	err := s.convs.FindOne(ctx, bson.M{"_id": m.ConversationID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.convs.UpdateByID(ctx, m.ConversationID, conversationBump(fromConversationDoc(conv), m))
	return err
}

// conversationBump builds the update applied to a conversation when a new message lands.
func conversationBump(c model.Conversation, m model.Message) bson.M {
	inc := bson.M{}
	for _, p := range c.Others(m.SenderID) {
		inc["unread."+p] = 1
	}
	update := bson.M{
		"$set": bson.M{
			"lastMessage": lastMessageDoc{Text: preview(m), SenderID: m.SenderID, At: m.CreatedAt.UTC()},
			"updatedAt":   time.Now().UTC(),
		},
	}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	return update
}

// Conversation returns a conversation, or model.ErrNotFound.
func (s *Mongo) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var d conversationDoc
	if err := s.convs.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Conversation{}, model.ErrNotFound
		}
		return model.Conversation{}, err
	}
	return fromConversationDoc(d), nil
}

// Conversations lists the conversations userID participates in, most recent first.
func (s *Mongo) Conversations(ctx context.Context, userID string, limit int) ([]model.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.convs.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromConversationDoc(d))
	}
	return out, nil
}

// PutConversation creates a conversation if it does not exist yet.
func (s *Mongo) PutConversation(ctx context.Context, c model.Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.convs.UpdateByID(ctx, c.ID, bson.M{"$setOnInsert": toConversationDoc(c)}, options.Update().SetUpsert(true))
	return err
}

// ResetUnread zeroes userID's unread counter in a conversation.
func (s *Mongo) ResetUnread(ctx context.Context, conversationID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.convs.UpdateByID(ctx, conversationID, bson.M{"$set": bson.M{"unread." + userID: 0}})
	return err
}

// ApplyReceipts adds every receipt's reader to its message and escalates the
// status in one transaction. Status and readBy are computed by the server
// from the stored document, so concurrent receipts from several devices
// cannot lose readers or move a status backwards. Returns the updated messages.
func (s *Mongo) ApplyReceipts(ctx context.Context, receipts []Receipt) ([]model.Message, error) {
	if len(receipts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	models := make([]mongo.WriteModel, 0, len(receipts))
	ids := make([]string, 0, len(receipts))
	for _, r := range receipts {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": r.MessageID}).
			SetUpdate(receiptPipeline(r)))
		ids = append(ids, r.MessageID)
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	out, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := s.messages.BulkWrite(sc, models, options.BulkWrite().SetOrdered(true)); err != nil {
			return nil, err
		}
		return s.messagesByID(sc, ids)
	})
	if err != nil {
		return nil, fmt.Errorf("apply receipts: %w", err)
	}
	return out.([]model.Message), nil
}

// receiptPipeline is the update pipeline for one receipt. It mirrors
// delivery.Apply: readers other than the sender are counted, Read needs all
// of them, Delivered needs one, and the rank only ever grows.
func receiptPipeline(r Receipt) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"readBy": bson.M{"$setUnion": bson.A{bson.M{"$ifNull": bson.A{"$readBy", bson.A{}}}, bson.A{r.ReaderID}}},
		}}},
		{{Key: "$set", Value: bson.M{
			"_readers": bson.M{"$size": bson.M{"$setDifference": bson.A{"$readBy", bson.A{"$senderId"}}}},
			"_rank":    bson.M{"$ifNull": bson.A{"$statusRank", model.Sent.Rank()}},
		}}},
		{{Key: "$set", Value: bson.M{
			"statusRank": bson.M{"$switch": bson.M{
				"branches": bson.A{
					bson.M{"case": bson.M{"$lt": bson.A{"$_rank", model.Sent.Rank()}}, "then": "$_rank"},
					bson.M{"case": bson.M{"$gte": bson.A{"$_readers", r.Required}}, "then": bson.M{"$max": bson.A{"$_rank", model.Read.Rank()}}},
					bson.M{"case": bson.M{"$gt": bson.A{"$_readers", 0}}, "then": bson.M{"$max": bson.A{"$_rank", model.Delivered.Rank()}}},
				},
				"default": "$_rank",
			}},
		}}},
		{{Key: "$set", Value: bson.M{
			"status": bson.M{"$switch": bson.M{
				"branches": bson.A{
					bson.M{"case": bson.M{"$eq": bson.A{"$statusRank", model.Read.Rank()}}, "then": string(model.Read)},
					bson.M{"case": bson.M{"$eq": bson.A{"$statusRank", model.Delivered.Rank()}}, "then": string(model.Delivered)},
				},
				"default": "$status",
			}},
		}}},
		{{Key: "$unset", Value: bson.A{"_readers", "_rank"}}},
	}
}
