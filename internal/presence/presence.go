// Package presence publishes this user's heartbeat and infers other users'
// status at read time.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
)

// Store is the shared presence store.
type Store interface {
	// SetFallback registers the mutation the server applies if this client
	// stops heartbeating: the user reads as offline once ttl passes.
	SetFallback(ctx context.Context, userID string, ttl time.Duration) error
	CancelFallback(ctx context.Context, userID string) error
	Write(ctx context.Context, userID string, rec model.PresenceRecord) error
	// Heartbeat refreshes the heartbeat timestamp and the fallback lease.
	Heartbeat(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
	Read(ctx context.Context, userID string) (model.PresenceRecord, error)
	// Subscribe pushes the stored record whenever it is written. The channel
	// closes when ctx ends.
	Subscribe(ctx context.Context, userID string) (<-chan model.PresenceRecord, error)
}

// View is what a reader displays for a user.
type View struct {
	UserID   string
	Status   model.PresenceStatus
	LastSeen time.Time
}

// Changed is published as bus.PresenceChanged.
type Changed struct {
	UserID string
	View   View
}

// Options configures a Coordinator.
type Options struct {
	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
}

// Coordinator runs heartbeats for local users and observes remote ones.
type Coordinator struct {
	store   Store
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time

	mu    sync.Mutex
	beats map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func New(opts Options, store Store, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.StalenessThreshold <= 0 {
		opts.StalenessThreshold = 120 * time.Second
	}
	return &Coordinator{
		store:   store,
		bus:     b,
		logger:  logging.OrNop(logger).With(zap.String("component", "presence")),
		metrics: m,
		opts:    opts,
		now:     model.Now,
		beats:   make(map[string]context.CancelFunc),
	}
}

// SetOnline marks userID online and starts its heartbeat. The offline
// fallback is registered before the online write, so a crash in between
// still resolves to offline.
func (c *Coordinator) SetOnline(ctx context.Context, userID string) error {
	if err := c.store.SetFallback(ctx, userID, c.opts.StalenessThreshold); err != nil {
		return fmt.Errorf("register fallback: %w", err)
	}
	now := c.now()
	if err := c.store.Write(ctx, userID, model.PresenceRecord{Status: model.Online, LastSeen: now, LastHeartbeat: now}); err != nil {
		return fmt.Errorf("write online: %w", err)
	}

	c.mu.Lock()
	if cancel, ok := c.beats[userID]; ok {
		cancel()
	}
	beatCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.beats[userID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.heartbeat(beatCtx, userID)
	c.logger.Info("online", zap.String("user", userID))
	return nil
}

// SetOffline stops the heartbeat, writes offline and cancels the fallback.
func (c *Coordinator) SetOffline(ctx context.Context, userID string) error {
	c.mu.Lock()
	if cancel, ok := c.beats[userID]; ok {
		cancel()
		delete(c.beats, userID)
	}
	c.mu.Unlock()

	now := c.now()
	if err := c.store.Write(ctx, userID, model.PresenceRecord{Status: model.Offline, LastSeen: now, LastHeartbeat: now}); err != nil {
		return fmt.Errorf("write offline: %w", err)
	}
	if err := c.store.CancelFallback(ctx, userID); err != nil {
		return fmt.Errorf("cancel fallback: %w", err)
	}
	c.logger.Info("offline", zap.String("user", userID))
	return nil
}

func (c *Coordinator) heartbeat(ctx context.Context, userID string) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.store.Heartbeat(ctx, userID, c.now(), c.opts.StalenessThreshold)
			c.metrics.Heartbeat(err == nil)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("heartbeat failed", zap.String("user", userID), zap.Error(err))
			}
		}
	}
}

// Lookup reads userID's record and applies the staleness rule.
func (c *Coordinator) Lookup(ctx context.Context, userID string) (View, error) {
	rec, err := c.store.Read(ctx, userID)
	if err != nil {
		return View{}, err
	}
	return c.view(userID, rec), nil
}

func (c *Coordinator) view(userID string, rec model.PresenceRecord) View {
	v := View{UserID: userID, Status: rec.Effective(c.now(), c.opts.StalenessThreshold), LastSeen: rec.LastSeen}
	if v.Status == model.Offline && rec.LastHeartbeat.After(v.LastSeen) {
		v.LastSeen = rec.LastHeartbeat
	}
	return v
}

// Observe streams userID's view. A view is emitted on every stored change
// and when a claimed online status goes stale, and each one is also
// published on the bus. The channel closes when ctx ends.
func (c *Coordinator) Observe(ctx context.Context, userID string) (<-chan View, error) {
	pushes, err := c.store.Subscribe(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.Read(ctx, userID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		rec = model.PresenceRecord{Status: model.Offline}
	case err != nil:
		return nil, err
	}

	out := make(chan View, 1)
	go func() {
		defer close(out)
		// Re-evaluate often enough that a stale claim flips within a quarter threshold.
		ticker := time.NewTicker(c.opts.StalenessThreshold / 4)
		defer ticker.Stop()

		var last View
		emit := func() bool {
			v := c.view(userID, rec)
			if last.UserID != "" && v.Status == last.Status && v.LastSeen.Equal(last.LastSeen) {
				return true
			}
			last = v
			if c.bus != nil {
				c.bus.Emit(bus.PresenceChanged, Changed{UserID: userID, View: v})
			}
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-pushes:
				if !ok {
					return
				}
				rec = r
			case <-ticker.C:
				// Heartbeats are not pushed, so staleness is judged on a fresh read.
				if r, err := c.store.Read(ctx, userID); err == nil {
					rec = r
				}
			}
			if !emit() {
				return
			}
		}
	}()
	return out, nil
}

// Stop cancels every heartbeat and waits for the loops to exit. Users are
// not written offline; their fallbacks expire on the server.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	for id, cancel := range c.beats {
		cancel()
		delete(c.beats, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}
