package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
)

// recorder records the order of sweeps and retry passes.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	online atomic.Bool
	retry  int
}

func (r *recorder) Sweep(context.Context) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "sweep")
	return []string{"stuck"}
}

func (r *recorder) RetryAll(context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "retry")
	return r.retry
}

func (r *recorder) Online() bool { return r.online.Load() }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func waitCalls(t *testing.T, r *recorder, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls := r.snapshot()
		if len(calls) >= n {
			return calls
		}
		if time.Now().After(deadline) {
			t.Fatalf("got calls %v, want %d", calls, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetrierSweepsOnStart(t *testing.T) {
	rec := &recorder{}
	logger, _ := zap.NewDevelopment()
	r := NewRetrier(rec, rec, rec, bus.New(), logger, 0)
	r.Start(context.Background())
	defer r.Stop()

	calls := waitCalls(t, rec, 1)
	if calls[0] != "sweep" {
		t.Errorf("first call = %s, want sweep", calls[0])
	}
}

func TestRetrierRetriesOnReconnect(t *testing.T) {
	rec := &recorder{retry: 2}
	rec.online.Store(true)
	b := bus.New()
	r := NewRetrier(rec, rec, rec, b, nil, 0)
	r.Start(context.Background())
	defer r.Stop()
	waitCalls(t, rec, 1)

	b.Emit(bus.ConnectivityReconnected, nil)
	calls := waitCalls(t, rec, 3)
	want := []string{"sweep", "sweep", "retry"}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestRetrierSkipsRetryWhileOffline(t *testing.T) {
	rec := &recorder{}
	r := NewRetrier(rec, rec, rec, nil, nil, 0)
	if n := r.Pass(context.Background()); n != 0 {
		t.Errorf("Pass = %d, want 0", n)
	}
	if calls := rec.snapshot(); len(calls) != 1 || calls[0] != "sweep" {
		t.Errorf("calls = %v, want [sweep]", calls)
	}
}

func TestRetrierPeriodicSweepDoesNotRetry(t *testing.T) {
	rec := &recorder{}
	rec.online.Store(true)
	r := NewRetrier(rec, rec, rec, nil, nil, 10*time.Millisecond)
	r.Start(context.Background())
	defer r.Stop()

	calls := waitCalls(t, rec, 4)
	for _, c := range calls {
		if c != "sweep" {
			t.Fatalf("calls = %v, want sweeps only", calls)
		}
	}

	r.Kick()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var retried bool
		for _, c := range rec.snapshot() {
			retried = retried || c == "retry"
		}
		if retried {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("kick did not retry: %v", rec.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetrierKick(t *testing.T) {
	rec := &recorder{}
	rec.online.Store(true)
	r := NewRetrier(rec, rec, rec, nil, nil, 0)
	r.Start(context.Background())
	defer r.Stop()
	waitCalls(t, rec, 1)

	r.Kick()
	calls := waitCalls(t, rec, 3)
	if calls[2] != "retry" {
		t.Errorf("calls = %v", calls)
	}
}

func TestRetrierStopIsIdempotentBeforeStart(t *testing.T) {
	r := NewRetrier(&recorder{}, &recorder{}, nil, nil, nil, 0)
	r.Stop()
}
