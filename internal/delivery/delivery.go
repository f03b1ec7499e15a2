// Package delivery turns read receipts into message status.
package delivery

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Required is the number of distinct readers other than sender a message
// needs before it is read by everyone.
func Required(participants []string, sender string) int {
	n := 0
	for _, p := range model.NormalizeReaders(participants) {
		if p != sender {
			n++
		}
	}
	return n
}

// Escalate computes the status m reaches given its current readers. Only
// messages the remote store has acknowledged move, and a status never goes
// back.
func Escalate(m model.Message, participants []string) model.Status {
	if m.Status.Rank() < model.Sent.Rank() {
		return m.Status
	}
	readers := 0
	for _, r := range m.ReadBy {
		if r != m.SenderID {
			readers++
		}
	}
	next := m.Status
	switch {
	case readers >= Required(participants, m.SenderID):
		next = model.Read
	case readers > 0:
		next = model.Delivered
	}
	if next.Rank() < m.Status.Rank() {
		return m.Status
	}
	return next
}

// Apply adds reader to m and recomputes its status. The reader is added even
// while the message is still locally owned so the receipt is not lost.
func Apply(m model.Message, participants []string, reader string) model.Message {
	out := m.Clone()
	out.ReadBy = model.NormalizeReaders(out.ReadBy)
	out.AddReader(reader)
	out.Status = Escalate(out, participants)
	return out
}

// Remote is the part of the remote store the tracker writes through.
type Remote interface {
	Conversation(ctx context.Context, id string) (model.Conversation, error)
	MessagesByID(ctx context.Context, ids []string) ([]model.Message, error)
	ApplyReceipts(ctx context.Context, receipts []remote.Receipt) ([]model.Message, error)
	ResetUnread(ctx context.Context, conversationID, userID string) error
}

// Tracker applies read receipts. Calls for the same conversation are
// serialized so status events leave in the order the store applied them.
type Tracker struct {
	remote  Remote
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTracker(r Remote, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		remote:  r,
		bus:     b,
		logger:  logging.OrNop(logger).With(zap.String("component", "delivery")),
		metrics: m,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) lock(conversationID string) func() {
	t.mu.Lock()
	l, ok := t.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[conversationID] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// MarkRead records that reader has read messageIDs in a conversation and
// resets the reader's unread counter. Messages the reader authored, already
// read by them, or from another conversation are skipped. It returns the
// messages whose receipts were applied.
func (t *Tracker) MarkRead(ctx context.Context, conversationID string, messageIDs []string, reader string) ([]model.Message, error) {
	if reader == "" {
		return nil, fmt.Errorf("%w: missing reader", model.ErrInvalidMessage)
	}
	unlock := t.lock(conversationID)
	defer unlock()

	conv, err := t.remote.Conversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !conv.Has(reader) {
		return nil, fmt.Errorf("%w: %s is not a participant of %s", model.ErrInvalidConversation, reader, conversationID)
	}

	current, err := t.remote.MessagesByID(ctx, slices.Compact(slices.Sorted(slices.Values(messageIDs))))
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	before := make(map[string]model.Status, len(current))
	var receipts []remote.Receipt
	for _, m := range current {
		if m.ConversationID != conversationID || m.SenderID == reader || m.HasReader(reader) {
			continue
		}
		before[m.ID] = m.Status
		receipts = append(receipts, remote.Receipt{
			MessageID: m.ID,
			ReaderID:  reader,
			Required:  Required(conv.Participants, m.SenderID),
		})
	}

	var updated []model.Message
	if len(receipts) > 0 {
		updated, err = t.remote.ApplyReceipts(ctx, receipts)
		if err != nil {
			return nil, err
		}
		t.metrics.Receipts(len(receipts))
	}

	if err := t.remote.ResetUnread(ctx, conversationID, reader); err != nil {
		t.logger.Warn("reset unread failed", zap.String("conversation", conversationID), zap.Error(err))
	}

	for _, m := range updated {
		from := before[m.ID]
		if from == m.Status {
			continue
		}
		t.logger.Debug("status escalated",
			zap.String("message", m.ID), zap.String("from", string(from)), zap.String("to", string(m.Status)))
		if t.bus != nil {
			t.bus.Emit(bus.MessageStatus, model.StatusChange{
				ConversationID: conversationID,
				MessageID:      m.ID,
				From:           from,
				To:             m.Status,
			})
		}
	}
	return updated, nil
}
