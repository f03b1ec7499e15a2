// Package outbox drains unsent messages and unfinished attachments whenever
// the device comes back online.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
)

// Sweeper repairs attachment uploads left stuck by an earlier process.
type Sweeper interface {
	Sweep(ctx context.Context) []string
}

// Sender retries every eligible message of every open conversation.
type Sender interface {
	RetryAll(ctx context.Context) int
}

// Connectivity reports the current online decision.
type Connectivity interface {
	Online() bool
}

// Retrier runs the reconnect retry scan. Each pass sweeps stuck uploads
// first, so repaired attachments become eligible in the same pass.
type Retrier struct {
	sweeper  Sweeper
	sender   Sender
	conn     Connectivity
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetrier creates a retrier. interval is the periodic sweep interval;
// zero disables periodic sweeps. Messages are only retried on reconnect or
// Kick.
func NewRetrier(sweeper Sweeper, sender Sender, conn Connectivity, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Retrier {
	return &Retrier{
		sweeper:  sweeper,
		sender:   sender,
		conn:     conn,
		bus:      b,
		logger:   logging.OrNop(logger).With(zap.String("component", "outbox")),
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Start sweeps once and begins listening for reconnects.
func (r *Retrier) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	var reconnects <-chan bus.Event
	var unsub func()
	if r.bus != nil {
		reconnects, unsub = r.bus.Subscribe(bus.ConnectivityReconnected, 4)
	}
	go func() {
		if unsub != nil {
			defer unsub()
		}
		r.loop(ctx, reconnects)
	}()
}

// Stop stops the loop and waits for a running pass to finish.
func (r *Retrier) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Kick requests a pass without waiting for a reconnect.
func (r *Retrier) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Retrier) loop(ctx context.Context, reconnects <-chan bus.Event) {
	defer close(r.done)

	r.sweep(ctx)

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-reconnects:
			if !ok {
				reconnects = nil
				continue
			}
			r.logger.Info("reconnected, retrying pending messages")
			r.Pass(ctx)
		case <-r.kick:
			r.Pass(ctx)
		case <-tick:
			r.sweep(ctx)
		}
	}
}

// Pass sweeps stuck uploads and, when online, retries pending messages. It
// returns the number of messages retried.
func (r *Retrier) Pass(ctx context.Context) int {
	r.sweep(ctx)
	if r.conn != nil && !r.conn.Online() {
		return 0
	}
	n := r.sender.RetryAll(ctx)
	if n > 0 {
		r.logger.Info("retry pass finished", zap.Int("retried", n))
	}
	return n
}

func (r *Retrier) sweep(ctx context.Context) {
	if repaired := r.sweeper.Sweep(ctx); len(repaired) > 0 {
		r.logger.Warn("repaired stuck uploads", zap.Strings("messages", repaired))
	}
}
