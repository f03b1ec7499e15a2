package status

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connectivity"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Offline},
		{Booting, Online},
		{Booting, Degraded},
		{Offline, Online},
		{Online, Offline},
		{Online, Degraded},
		{Degraded, Online},
		{Degraded, Offline},
		{Online, Stopping},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(Stopping)
	if err := m.Transition(Online); err == nil {
		t.Error("Transition(STOPPING -> ONLINE) should fail")
	}
	if err := m.Transition(Booting); err == nil {
		t.Error("Transition(STOPPING -> BOOTING) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Offline); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.DaemonStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.DaemonStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Offline {
		t.Errorf("change = %v -> %v, want BOOTING -> OFFLINE", change.From, change.To)
	}
}

// TestDegradedIgnoresConnectivity verifies that connectivity flips do not pull
// the daemon out of DEGRADED; only Recover does, landing on the last decision.
func TestDegradedIgnoresConnectivity(t *testing.T) {
	m := NewMachine(nil)
	m.SetOnline(true)
	m.Degrade()
	m.SetOnline(false)
	m.SetOnline(true)
	if m.Current() != Degraded {
		t.Fatalf("state = %s, want DEGRADED", m.Current())
	}
	m.Recover()
	if m.Current() != Online {
		t.Errorf("state = %s, want ONLINE", m.Current())
	}
}

func TestSetOnlineIsIdempotent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	m.SetOnline(false)
	m.SetOnline(false)

	<-ch
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %+v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFollow(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Follow(ctx, b)
		close(done)
	}()

	waitState := func(want State) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if m.Current() == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("state = %s, want %s", m.Current(), want)
	}

	// Subscription is registered asynchronously; keep publishing until it lands.
	deadline := time.Now().Add(time.Second)
	for m.Current() != Online && time.Now().Before(deadline) {
		b.Emit(bus.ConnectivityChanged, connectivity.Changed{Online: true})
		time.Sleep(5 * time.Millisecond)
	}
	waitState(Online)

	b.Emit(bus.CacheDegraded, nil)
	waitState(Degraded)

	b.Emit(bus.ConnectivityChanged, connectivity.Changed{Online: false})
	b.Emit(bus.CacheRecovered, nil)
	waitState(Offline)

	cancel()
	<-done
}

func TestRecoverReturnsToConnectivityState(t *testing.T) {
	m := NewMachine(nil)
	m.SetOnline(true)
	m.Degrade()
	if got := m.Current(); got != Degraded {
		t.Fatalf("state = %s, want DEGRADED", got)
	}
	m.Recover()
	if got := m.Current(); got != Online {
		t.Errorf("state = %s, want ONLINE", got)
	}

	m.Recover()
	if got := m.Current(); got != Online {
		t.Errorf("recover outside DEGRADED changed state to %s", got)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:  {},
		Offline:  {Offline},
		Online:   {Online},
		Degraded: {Online, Degraded},
		Stopping: {Stopping},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
