// Package sync merges the locally authored message stream with the remote
// realtime stream and drives the optimistic send pipeline.
package sync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/attachment"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/indexer"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// Cache is the durable local cache.
type Cache interface {
	SaveMessage(ctx context.Context, m model.Message) error
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	UnsyncedMessages(ctx context.Context) ([]model.Message, error)
	Checkpoint(ctx context.Context, key string) (string, error)
	SetCheckpoint(ctx context.Context, key, value string) error
}

// Remote is the remote conversation store.
type Remote interface {
	Messages(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error)
	PutMessage(ctx context.Context, m model.Message) error
	Watch(ctx context.Context, conversationID string, pageSize int) (<-chan remote.Batch, error)
}

// Uploads is the attachment upload coordinator.
type Uploads interface {
	Cache(ctx context.Context, messageID string, meta attachment.Meta, data []byte)
	Upload(ctx context.Context, messageID string) (string, bool)
	Retry(ctx context.Context, messageID string) (string, bool)
	State(messageID string) attachment.State
	Active(messageID string) bool
	MaxAttempts() int
	Forget(ctx context.Context, messageID string)
	Discard(ctx context.Context, messageID string)
	Conversations() []string
}

// Connectivity reports the current online decision.
type Connectivity interface {
	Online() bool
}

// Changed is published as bus.MessageChanged with a view's merged list.
type Changed struct {
	ConversationID string
	Messages       []model.Message
}

// Received is published as bus.MessageReceived, once per message from
// another sender.
type Received struct {
	Message model.Message
}

// Options configures an Engine.
type Options struct {
	UserID   string
	UserName string
	PageSize int
	// MaxAutoRetries bounds reconnect retries of messages whose attachment failed.
	MaxAutoRetries int
	IndexTimeout   time.Duration
}

// Engine owns one View per open conversation.
type Engine struct {
	opts    Options
	cache   Cache
	remote  Remote
	uploads Uploads
	conn    Connectivity
	indexer indexer.Indexer
	health  *store.Health
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	// ctx outlives views: I/O already issued by a closed view completes on it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	views  map[string]*View
	closed bool
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Cache   Cache
	Remote  Remote
	Uploads Uploads
	Conn    Connectivity
	Indexer indexer.Indexer
	Health  *store.Health
	Bus     *bus.Bus
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func NewEngine(opts Options, d Deps) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MaxAutoRetries <= 0 {
		opts.MaxAutoRetries = 2
	}
	if opts.IndexTimeout <= 0 {
		opts.IndexTimeout = 10 * time.Second
	}
	if d.Indexer == nil {
		d.Indexer = indexer.Nop{}
	}
	if d.Health == nil {
		d.Health = store.NewHealth(d.Bus, d.Logger, d.Metrics)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:    opts,
		cache:   d.Cache,
		remote:  d.Remote,
		uploads: d.Uploads,
		conn:    d.Conn,
		indexer: d.Indexer,
		health:  d.Health,
		bus:     d.Bus,
		logger:  logging.OrNop(d.Logger).With(zap.String("component", "sync")),
		metrics: d.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		views:   make(map[string]*View),
	}
}

// Open returns the view of a conversation, creating it if needed. Opening
// works offline: the view starts from the local cache and subscribes to the
// remote stream as soon as it can.
func (e *Engine) Open(ctx context.Context, conversationID string) (*View, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", model.ErrInvalidMessage)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, model.ErrViewClosed
	}
	if v, ok := e.views[conversationID]; ok {
		return v, nil
	}
	v := newView(ctx, e, conversationID)
	e.views[conversationID] = v
	e.logger.Info("conversation opened", zap.String("conversation", conversationID), zap.Int("cached", len(v.messages)))
	return v, nil
}

// View returns an open view.
func (e *Engine) View(conversationID string) (*View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[conversationID]
	return v, ok
}

// Views returns every open view ordered by conversation ID.
func (e *Engine) Views() []*View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*View, 0, len(e.views))
	for _, v := range e.views {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *View) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// Close tears down a conversation view. The realtime subscription ends
// immediately; sends already in flight finish without touching the view.
func (e *Engine) Close(conversationID string) {
	e.mu.Lock()
	v, ok := e.views[conversationID]
	delete(e.views, conversationID)
	e.mu.Unlock()
	if ok {
		v.close()
		e.logger.Info("conversation closed", zap.String("conversation", conversationID))
	}
}

// Resume opens a view for every conversation with unsent cached messages or
// unfinished attachments.
func (e *Engine) Resume(ctx context.Context) error {
	convs := make(map[string]struct{})
	unsynced, err := e.cache.UnsyncedMessages(ctx)
	if err != nil {
		e.health.Fail("load unsynced", err)
	}
	for _, m := range unsynced {
		convs[m.ConversationID] = struct{}{}
	}
	for _, id := range e.uploads.Conversations() {
		convs[id] = struct{}{}
	}
	for id := range convs {
		if _, err := e.Open(ctx, id); err != nil {
			return err
		}
	}
	if len(convs) > 0 {
		e.logger.Info("resumed conversations", zap.Int("count", len(convs)), zap.Int("unsynced", len(unsynced)))
	}
	return nil
}

// RetryAll runs the reconnect retry scan on every open view. Conversations
// retry in parallel, messages within one conversation in order. It returns
// the number of messages retried.
func (e *Engine) RetryAll(ctx context.Context) int {
	views := e.Views()
	counts := make([]int, len(views))
	var wg sync.WaitGroup
	for i, v := range views {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts[i] = v.RetryPending(ctx)
		}()
	}
	wg.Wait()
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

// Stop closes every view and waits for background sends and index calls.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.closed = true
	views := make([]*View, 0, len(e.views))
	for id, v := range e.views {
		views = append(views, v)
		delete(e.views, id)
	}
	e.mu.Unlock()

	for _, v := range views {
		v.close()
	}
	e.cancel()
	e.wg.Wait()
}

// goBackground runs fn on the engine's lifetime, tracked by Stop.
func (e *Engine) goBackground(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// index pushes a sent message to the indexer without waiting for it.
func (e *Engine) index(m model.Message) {
	e.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.IndexTimeout)
		defer cancel()
		err := e.indexer.Index(ctx, indexer.FromMessage(m))
		e.metrics.Indexed(err == nil)
		if err != nil {
			e.logger.Warn("indexing failed", zap.String("message", m.ID), zap.Error(err))
		}
	})
}

func (e *Engine) emit(kind string, payload any) {
	if e.bus != nil {
		e.bus.Emit(kind, payload)
	}
}
