package sync

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

func lastSeenKey(conversationID string) string {
	return "last_seen:" + conversationID
}

// notifier announces messages from other senders exactly once. The processed
// set suppresses stream redeliveries; the last_seen checkpoint keeps a
// restart from announcing what an earlier process already did.
type notifier struct {
	e         *Engine
	convID    string
	processed map[string]struct{}
	lastSeen  time.Time
}

func newNotifier(ctx context.Context, e *Engine, conversationID string) *notifier {
	n := &notifier{e: e, convID: conversationID, processed: make(map[string]struct{})}
	raw, err := e.cache.Checkpoint(ctx, lastSeenKey(conversationID))
	if err != nil {
		e.health.Fail("load checkpoint", err)
		return n
	}
	if raw == "" {
		return n
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logger.Warn("ignoring bad checkpoint", zap.String("conversation", conversationID), zap.String("value", raw))
		return n
	}
	n.lastSeen = time.UnixMilli(ms).UTC()
	return n
}

// observe handles the messages a batch added. On the initial batch every
// message is recorded as processed and only those newer than the checkpoint
// are announced. Runs on the view loop.
func (n *notifier) observe(ctx context.Context, initial bool, added []model.Message) {
	newest := n.lastSeen
	for _, m := range added {
		if _, dup := n.processed[m.ID]; dup {
			if !initial {
				n.e.metrics.Duplicate()
			}
			continue
		}
		n.processed[m.ID] = struct{}{}
		if m.SenderID == n.e.opts.UserID {
			continue
		}
		if initial && !m.CreatedAt.After(n.lastSeen) {
			continue
		}
		n.e.emit(bus.MessageReceived, Received{Message: m.Clone()})
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	if !newest.After(n.lastSeen) {
		return
	}
	n.lastSeen = newest
	if err := n.e.cache.SetCheckpoint(ctx, lastSeenKey(n.convID), strconv.FormatInt(newest.UnixMilli(), 10)); err != nil {
		n.e.health.Fail("save checkpoint", err)
	}
}
