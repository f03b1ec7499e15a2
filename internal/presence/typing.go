package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/logging"
)

const typingWriteTimeout = 2 * time.Second

// TypingStore records typing indicators.
type TypingStore interface {
	SetTyping(ctx context.Context, conversationID, userID string, typing bool, ttl time.Duration) error
	// RefreshTyping extends a set indicator without rewriting it.
	RefreshTyping(ctx context.Context, conversationID, userID string, ttl time.Duration) error
}

// Typing debounces one user's input in one conversation into indicator
// writes: true once per burst, false when the input goes quiet for the
// timeout or is cleared. A long burst refreshes the indicator's TTL at most
// once per timeout.
type Typing struct {
	store          TypingStore
	conversationID string
	userID         string
	timeout        time.Duration
	logger         *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	active  bool
	written time.Time
}

func NewTyping(store TypingStore, conversationID, userID string, timeout time.Duration, logger *zap.Logger) *Typing {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Typing{
		store:          store,
		conversationID: conversationID,
		userID:         userID,
		timeout:        timeout,
		logger:         logging.OrNop(logger),
	}
}

// Input reports the current content of the compose box.
func (t *Typing) Input(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if strings.TrimSpace(text) == "" {
		if t.active {
			t.active = false
			t.write(false)
		}
		return
	}
	if !t.active {
		t.active = true
		t.write(true)
	} else if time.Since(t.written) >= t.timeout {
		t.refresh()
	}
	gen := t.gen
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(gen) })
}

// Stop clears the indicator if it is set.
func (t *Typing) Stop() {
	t.Input("")
}

func (t *Typing) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A later keystroke owns the timer now.
	if gen != t.gen || !t.active {
		return
	}
	t.active = false
	t.timer = nil
	t.write(false)
}

// write runs under mu so indicator writes keep keystroke order.
func (t *Typing) write(typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), typingWriteTimeout)
	defer cancel()
	t.written = time.Now()
	if err := t.store.SetTyping(ctx, t.conversationID, t.userID, typing, 2*t.timeout); err != nil {
		t.logger.Warn("typing indicator write failed",
			zap.String("conversation", t.conversationID), zap.Bool("typing", typing), zap.Error(err))
	}
}

func (t *Typing) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), typingWriteTimeout)
	defer cancel()
	t.written = time.Now()
	if err := t.store.RefreshTyping(ctx, t.conversationID, t.userID, 2*t.timeout); err != nil {
		t.logger.Warn("typing indicator refresh failed",
			zap.String("conversation", t.conversationID), zap.Error(err))
	}
}

// Typers keeps one debouncer per conversation for the local user.
type Typers struct {
	store   TypingStore
	userID  string
	timeout time.Duration
	logger  *zap.Logger

	mu sync.Mutex
	m  map[string]*Typing
}

func NewTypers(store TypingStore, userID string, timeout time.Duration, logger *zap.Logger) *Typers {
	return &Typers{
		store:   store,
		userID:  userID,
		timeout: timeout,
		logger:  logging.OrNop(logger).With(zap.String("component", "typing")),
		m:       make(map[string]*Typing),
	}
}

// Input forwards compose box content for conversationID.
func (t *Typers) Input(conversationID, text string) {
	t.mu.Lock()
	ty, ok := t.m[conversationID]
	if !ok {
		ty = NewTyping(t.store, conversationID, t.userID, t.timeout, t.logger)
		t.m[conversationID] = ty
	}
	t.mu.Unlock()
	ty.Input(text)
}

// Stop clears every indicator.
func (t *Typers) Stop() {
	t.mu.Lock()
	all := make([]*Typing, 0, len(t.m))
	for _, ty := range t.m {
		all = append(all, ty)
	}
	t.mu.Unlock()
	for _, ty := range all {
		ty.Stop()
	}
}
