// Package connectivity decides whether the device is online by racing
// short HEAD probes against independent endpoints.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
)

// Changed is published as bus.ConnectivityChanged whenever the decision flips,
// and once for the first decision.
type Changed struct {
	Online bool
}

// Reconnected is published as bus.ConnectivityReconnected on every offline to online transition.
type Reconnected struct {
	At time.Time
}

// Prober checks a single endpoint. A nil error means the endpoint answered.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber issues HEAD requests. Any response below 500 counts as reachable.
type HTTPProber struct {
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// Options controls probing.
type Options struct {
	URLs    []string
	Timeout time.Duration
	// OfflinePoll is the re-probe interval while offline.
	OfflinePoll time.Duration
	// OnlineInterval re-probes while online. Zero stops polling once online.
	OnlineInterval time.Duration
}

// Monitor owns the connectivity flag. The flag starts offline, so the first
// successful check is reported as a reconnect.
type Monitor struct {
	opts    Options
	prober  Prober
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	online  bool
	decided bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. It does nothing until Start or Check is called.
func New(opts Options, prober Prober, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.OfflinePoll <= 0 {
		opts.OfflinePoll = time.Second
	}
	if prober == nil {
		prober = HTTPProber{}
	}
	return &Monitor{
		opts:    opts,
		prober:  prober,
		bus:     b,
		logger:  logging.OrNop(logger).With(zap.String("component", "connectivity")),
		metrics: m,
		wake:    make(chan struct{}, 1),
	}
}

// Online returns the last decision.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check runs a probe race immediately, whatever the polling state, and
// applies its outcome.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.race(ctx)
	if ctx.Err() != nil {
		// The caller went away mid-race; the outcome says nothing about the network.
		return m.Online()
	}
	m.apply(online)
	return online
}

// race reports true as soon as any probe succeeds. Losing probes are left to
// finish on their own; the buffered channel means they never block.
func (m *Monitor) race(ctx context.Context) bool {
	if len(m.opts.URLs) == 0 {
		return false
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	results := make(chan error, len(m.opts.URLs))
	for _, u := range m.opts.URLs {
		go func(u string) {
			results <- m.prober.Probe(ctx, u)
		}(u)
	}

	var errs []error
	for range m.opts.URLs {
		select {
		case err := <-results:
			if err == nil {
				m.metrics.ProbeRace(true, time.Since(start))
				return true
			}
			errs = append(errs, err)
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			m.metrics.ProbeRace(false, time.Since(start))
			m.logger.Debug("probe race timed out", zap.Error(errors.Join(errs...)))
			return false
		}
	}
	m.metrics.ProbeRace(false, time.Since(start))
	m.logger.Debug("all probes failed", zap.Error(errors.Join(errs...)))
	return false
}

func (m *Monitor) apply(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, first := m.online, !m.decided
	m.online, m.decided = online, true

	if prev != online || first {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
		m.publish(bus.ConnectivityChanged, Changed{Online: online})
	}
	if !prev && online {
		m.metrics.Reconnected()
		m.publish(bus.ConnectivityReconnected, Reconnected{At: time.Now()})
	}
	if prev && !online {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

func (m *Monitor) publish(kind string, payload any) {
	if m.bus != nil {
		m.bus.Emit(kind, payload)
	}
}

// Start launches the polling loop: an immediate check, then every
// OfflinePoll while offline and every OnlineInterval (if any) while online.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop halts the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			// Went offline through a forced check; resume polling now.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.opts.OfflinePoll)
		case <-timer.C:
			if m.Check(ctx) {
				if m.opts.OnlineInterval > 0 {
					timer.Reset(m.opts.OnlineInterval)
				}
			} else {
				timer.Reset(m.opts.OfflinePoll)
			}
		}
	}
}
