package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matheus3301/chatsync/internal/model"
)

// RedisStore keeps presence in Redis:
//
//	<prefix>:presence:<user>        hash {status, last_seen, last_heartbeat} (ms)
//	<prefix>:presence:<user>:lease  string with TTL, alive while the owner heartbeats
//	<prefix>:presence:<user>        pubsub channel carrying the hash after every write
//	<prefix>:typing:<conv>:<user>   string with TTL while the user types
//
// The lease is the on-disconnect fallback: once it expires an online claim
// resolves to offline on read.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a client for redisURL. Connections are made on
// demand, so an unreachable server only fails individual calls.
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if prefix == "" {
		prefix = "chatsync"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Ping checks that the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userID)
}

func (s *RedisStore) leaseKey(userID string) string {
	return s.presenceKey(userID) + ":lease"
}

func (s *RedisStore) typingKey(conversationID, userID string) string {
	return fmt.Sprintf("%s:typing:%s:%s", s.prefix, conversationID, userID)
}

func (s *RedisStore) SetFallback(ctx context.Context, userID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.leaseKey(userID), "1", ttl).Err()
}

func (s *RedisStore) CancelFallback(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.leaseKey(userID)).Err()
}

func (s *RedisStore) Write(ctx context.Context, userID string, rec model.PresenceRecord) error {
	fields := recordFields(rec)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.presenceKey(userID),
			"status", fields["status"], "last_seen", fields["last_seen"], "last_heartbeat", fields["last_heartbeat"])
		p.Publish(ctx, s.presenceKey(userID), encodeFields(fields))
		return nil
	})
	return err
}

func (s *RedisStore) Heartbeat(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	ms := strconv.FormatInt(at.UnixMilli(), 10)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.presenceKey(userID), "last_heartbeat", ms)
		p.Expire(ctx, s.leaseKey(userID), ttl)
		return nil
	})
	return err
}

func (s *RedisStore) Read(ctx context.Context, userID string) (model.PresenceRecord, error) {
	var fields *redis.MapStringStringCmd
	var lease *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, s.presenceKey(userID))
		lease = p.Exists(ctx, s.leaseKey(userID))
		return nil
	})
	if err != nil {
		return model.PresenceRecord{}, err
	}
	if len(fields.Val()) == 0 {
		return model.PresenceRecord{}, model.ErrNotFound
	}
	return resolveRecord(fields.Val(), lease.Val() > 0), nil
}

func (s *RedisStore) Subscribe(ctx context.Context, userID string) (<-chan model.PresenceRecord, error) {
	sub := s.client.Subscribe(ctx, s.presenceKey(userID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	out := make(chan model.PresenceRecord, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				fields, err := decodeFields(msg.Payload)
				if err != nil {
					continue
				}
				// Pushes only follow writes, and every write carries the lease state.
				select {
				case out <- resolveRecord(fields, true):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SetTyping marks userID as typing in a conversation for ttl, or clears it.
func (s *RedisStore) SetTyping(ctx context.Context, conversationID, userID string, typing bool, ttl time.Duration) error {
	key := s.typingKey(conversationID, userID)
	if typing {
		return s.client.Set(ctx, key, "1", ttl).Err()
	}
	return s.client.Del(ctx, key).Err()
}

// RefreshTyping extends the TTL of a set typing key. A cleared key stays
// cleared.
func (s *RedisStore) RefreshTyping(ctx context.Context, conversationID, userID string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.typingKey(conversationID, userID), ttl).Err()
}

func recordFields(rec model.PresenceRecord) map[string]string {
	return map[string]string{
		"status":         string(rec.Status),
		"last_seen":      strconv.FormatInt(rec.LastSeen.UnixMilli(), 10),
		"last_heartbeat": strconv.FormatInt(rec.LastHeartbeat.UnixMilli(), 10),
	}
}

// resolveRecord turns stored fields into a record. Without a live lease an
// online or away claim is the fallback's offline, last seen at its final heartbeat.
func resolveRecord(fields map[string]string, leaseAlive bool) model.PresenceRecord {
	rec := model.PresenceRecord{
		Status:        model.PresenceStatus(fields["status"]),
		LastSeen:      millis(fields["last_seen"]),
		LastHeartbeat: millis(fields["last_heartbeat"]),
	}
	switch rec.Status {
	case model.Online, model.Away:
		if !leaseAlive {
			rec.Status = model.Offline
			if rec.LastHeartbeat.After(rec.LastSeen) {
				rec.LastSeen = rec.LastHeartbeat
			}
		}
	case model.Offline:
	default:
		rec.Status = model.Offline
	}
	return rec
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeFields(fields map[string]string) string {
	b, _ := json.Marshal(fields)
	return string(b)
}

func decodeFields(payload string) (map[string]string, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("decode presence payload: %w", err)
	}
	return fields, nil
}
