// Package attachment runs the per-message upload lifecycle of binary attachments.
package attachment

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/objectstore"
	"github.com/matheus3301/chatsync/internal/store"
)

// Cache is the local byte and state store.
type Cache interface {
	SaveImage(ctx context.Context, messageID string, data []byte) error
	LoadImage(ctx context.Context, messageID string) ([]byte, error)
	DeleteImage(ctx context.Context, messageID string) error
	SaveUploadRecord(ctx context.Context, r model.UploadRecord) error
	UploadRecords(ctx context.Context) ([]model.UploadRecord, error)
	DeleteUploadRecord(ctx context.Context, messageID string) error
}

// ObjectStore writes bytes and returns their URL.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, key string, progress func(float64)) (string, error)
}

// Connectivity reports the current online decision.
type Connectivity interface {
	Online() bool
}

// StateChanged is published as bus.AttachmentState.
type StateChanged struct {
	MessageID string
	State     State
}

const (
	reasonTimedOut      = "timed out"
	reasonMissingBytes  = "local copy missing"
	defaultMaxAttempts  = 3
	progressReportDelta = 0.1
)

// Options configures a Coordinator.
type Options struct {
	// Category is the first path segment of object keys.
	Category string
	// MaxAttempts caps failed attempts; beyond it no network I/O is issued.
	MaxAttempts int
	// Health receives local cache failures. One is built from the bus when nil.
	Health *store.Health
}

// Coordinator tracks upload state per message ID and guarantees at most one
// upload in flight per message.
type Coordinator struct {
	cache   Cache
	objects ObjectStore
	conn    Connectivity
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu     sync.Mutex
	states map[string]State
	meta   map[string]Meta
	active map[string]struct{}

	// mem holds bytes the local cache refused so the session can still upload them.
	mem map[string][]byte
}

func New(opts Options, cache Cache, objects ObjectStore, conn Connectivity, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Category == "" {
		opts.Category = "chat_media"
	}
	if opts.Health == nil {
		opts.Health = store.NewHealth(b, logger, m)
	}
	return &Coordinator{
		cache:   cache,
		objects: objects,
		conn:    conn,
		bus:     b,
		logger:  logging.OrNop(logger).With(zap.String("component", "attachment")),
		metrics: m,
		opts:    opts,
		states:  make(map[string]State),
		meta:    make(map[string]Meta),
		active:  make(map[string]struct{}),
		mem:     make(map[string][]byte),
	}
}

// MaxAttempts returns the hard cap on failed attempts.
func (c *Coordinator) MaxAttempts() int { return c.opts.MaxAttempts }

// Load restores persisted states. Run Sweep afterwards to repair uploads a
// previous process left in flight.
func (c *Coordinator) Load(ctx context.Context) error {
	recs, err := c.cache.UploadRecords(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range recs {
		st, meta, err := fromRecord(r)
		if err != nil {
			c.logger.Warn("skipping upload record", zap.String("message", r.MessageID), zap.Error(err))
			continue
		}
		c.states[r.MessageID] = st
		c.meta[r.MessageID] = meta
	}
	return nil
}

// State returns the state of a message's attachment, NotStarted if unknown.
func (c *Coordinator) State(messageID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[messageID]; ok {
		return st
	}
	return NotStarted{}
}

// Conversations returns the conversations that still hold attachment state,
// so their views can finish the uploads after a restart.
func (c *Coordinator) Conversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for id := range c.states {
		conv := c.meta[id].ConversationID
		if _, dup := seen[conv]; dup || conv == "" {
			continue
		}
		seen[conv] = struct{}{}
		out = append(out, conv)
	}
	slices.Sort(out)
	return out
}

// Active reports whether an upload for messageID is in flight.
func (c *Coordinator) Active(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[messageID]
	return ok
}

// Cache stores the bytes locally and moves the state to Cached. When the
// local cache is unavailable the bytes are kept in memory for this session.
func (c *Coordinator) Cache(ctx context.Context, messageID string, meta Meta, data []byte) {
	err := c.cache.SaveImage(ctx, messageID, data)
	c.mu.Lock()
	c.meta[messageID] = meta
	if err != nil {
		c.mem[messageID] = data
	}
	c.mu.Unlock()
	if err != nil {
		c.cacheError("save image", err)
	}
	c.set(ctx, messageID, Cached{Ref: messageID}, true)
}

// Upload uploads the cached bytes of messageID. It returns ("", false) without
// side effects when offline, when another upload for the same message is in
// flight, or when the attempt cap is exhausted.
func (c *Coordinator) Upload(ctx context.Context, messageID string) (string, bool) {
	return c.attempt(ctx, messageID)
}

// Retry restarts an upload from Failed, Cached or NotStarted by reloading the
// bytes from the local cache. The attempt cap applies.
func (c *Coordinator) Retry(ctx context.Context, messageID string) (string, bool) {
	return c.attempt(ctx, messageID)
}

func (c *Coordinator) attempt(ctx context.Context, messageID string) (string, bool) {
	if c.conn != nil && !c.conn.Online() {
		return "", false
	}

	c.mu.Lock()
	if _, busy := c.active[messageID]; busy {
		c.mu.Unlock()
		return "", false
	}
	prevFailures := 0
	switch st := c.stateLocked(messageID).(type) {
	case Uploaded:
		c.mu.Unlock()
		return st.URL, true
	case Uploading:
		// Not active, so the previous process died mid-upload; Sweep repairs it first.
		c.mu.Unlock()
		return "", false
	case Failed:
		if st.RetryCount >= c.opts.MaxAttempts {
			c.mu.Unlock()
			return "", false
		}
		prevFailures = st.RetryCount
	case Cached, NotStarted:
	}
	c.active[messageID] = struct{}{}
	meta := c.meta[messageID]
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.active, messageID)
		c.mu.Unlock()
	}()

	return c.perform(ctx, messageID, meta, prevFailures)
}

func (c *Coordinator) perform(ctx context.Context, messageID string, meta Meta, prevFailures int) (string, bool) {
	data, err := c.load(ctx, messageID)
	if err != nil {
		failures := prevFailures + 1
		reason := err.Error()
		if errors.Is(err, model.ErrNotFound) {
			// Nothing left to upload, so further attempts are pointless.
			failures, reason = c.opts.MaxAttempts, reasonMissingBytes
		}
		c.set(ctx, messageID, Failed{Reason: reason, RetryCount: failures}, true)
		return "", false
	}

	c.set(ctx, messageID, Uploading{Progress: 0}, true)

	var lastReported float64
	progress := func(p float64) {
		if p-lastReported < progressReportDelta && p < 1 {
			return
		}
		lastReported = p
		c.set(ctx, messageID, Uploading{Progress: p}, false)
	}

	key := objectstore.Key(c.opts.Category, meta.ConversationID, meta.Ext)
	url, err := c.objects.Put(ctx, data, key, progress)
	c.metrics.Upload(err == nil)
	if err != nil {
		failures := prevFailures + 1
		c.logger.Warn("upload failed",
			zap.String("message", messageID), zap.Int("attempt", failures), zap.Error(err))
		c.set(ctx, messageID, Failed{Reason: err.Error(), RetryCount: failures}, true)
		return "", false
	}

	c.set(ctx, messageID, Uploaded{URL: url}, true)
	c.purge(ctx, messageID)
	c.logger.Info("upload finished", zap.String("message", messageID), zap.String("url", url))
	return url, true
}

// Sweep marks every Uploading state with no upload in flight as
// Failed("timed out", 0). It returns the repaired message IDs.
func (c *Coordinator) Sweep(ctx context.Context) []string {
	c.mu.Lock()
	var stuck []string
	for id, st := range c.states {
		if _, ok := st.(Uploading); !ok {
			continue
		}
		if _, running := c.active[id]; running {
			continue
		}
		stuck = append(stuck, id)
	}
	c.mu.Unlock()

	for _, id := range stuck {
		c.logger.Warn("repairing stuck upload", zap.String("message", id))
		c.set(ctx, id, Failed{Reason: reasonTimedOut, RetryCount: 0}, true)
	}
	return stuck
}

// Forget drops the state once the attachment URL is durably attached to its message.
func (c *Coordinator) Forget(ctx context.Context, messageID string) {
	c.mu.Lock()
	delete(c.states, messageID)
	delete(c.meta, messageID)
	c.mu.Unlock()
	if err := c.cache.DeleteUploadRecord(ctx, messageID); err != nil {
		c.cacheError("delete upload record", err)
	}
}

// Discard drops the state and the cached bytes of a discarded message.
func (c *Coordinator) Discard(ctx context.Context, messageID string) {
	c.Forget(ctx, messageID)
	c.purge(ctx, messageID)
}

func (c *Coordinator) load(ctx context.Context, messageID string) ([]byte, error) {
	c.mu.Lock()
	data, ok := c.mem[messageID]
	c.mu.Unlock()
	if ok {
		return data, nil
	}
	return c.cache.LoadImage(ctx, messageID)
}

func (c *Coordinator) purge(ctx context.Context, messageID string) {
	c.mu.Lock()
	delete(c.mem, messageID)
	c.mu.Unlock()
	if err := c.cache.DeleteImage(ctx, messageID); err != nil {
		c.cacheError("delete image", err)
	}
}

func (c *Coordinator) stateLocked(messageID string) State {
	if st, ok := c.states[messageID]; ok {
		return st
	}
	return NotStarted{}
}

func (c *Coordinator) set(ctx context.Context, messageID string, st State, persist bool) {
	c.mu.Lock()
	c.states[messageID] = st
	meta := c.meta[messageID]
	c.mu.Unlock()

	if persist {
		if err := c.cache.SaveUploadRecord(ctx, toRecord(messageID, meta, st)); err != nil {
			c.cacheError("save upload record", err)
		} else {
			c.opts.Health.OK()
		}
	}
	if c.bus != nil {
		c.bus.Emit(bus.AttachmentState, StateChanged{MessageID: messageID, State: st})
	}
}

func (c *Coordinator) cacheError(op string, err error) {
	c.opts.Health.Fail(op, err)
}
