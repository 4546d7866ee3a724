package agent

import (
	"testing"
	"time"

	"github.com/tillitis/tkey-fido/internal/tkey"
)

func TestDisconnectWhenNotConnectedIsNoOp(t *testing.T) {
	a := &Agent{devPath: "/nonexistent", Counters: NewMemoryCounterStore()}

	a.disconnect()
	a.disconnect()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disconnectTimer != nil {
		t.Fatalf("disconnect on an unconnected agent armed an idle timer")
	}
}

func TestIdleDisconnectFiresAndIsIdempotent(t *testing.T) {
	orig := idleDisconnect
	idleDisconnect = 10 * time.Millisecond
	defer func() { idleDisconnect = orig }()

	a := &Agent{devPath: "/nonexistent", Counters: NewMemoryCounterStore()}
	// A Client that never connected: Close on it is a no-op, so the
	// idle timer's teardown path runs without real hardware.
	a.tk = tkey.New("/nonexistent")
	a.connected = true

	a.disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for {
		a.mu.Lock()
		disconnected := !a.connected && a.disconnectTimer == nil
		a.mu.Unlock()
		if disconnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("idle timer never disconnected the agent")
		}
		time.Sleep(time.Millisecond)
	}

	// Further disconnects on the now-idle agent must be no-ops.
	a.disconnect()
	a.disconnect()
}

func TestDisconnectThenOperationCancelsIdleTimer(t *testing.T) {
	orig := idleDisconnect
	idleDisconnect = time.Hour // long enough to never fire during the test
	defer func() { idleDisconnect = orig }()

	a := &Agent{devPath: "/nonexistent/serial-port", Counters: NewMemoryCounterStore()}
	a.tk = tkey.New("/nonexistent/serial-port")
	a.connected = true

	a.disconnect()
	a.mu.Lock()
	armed := a.disconnectTimer != nil
	a.mu.Unlock()
	if !armed {
		t.Fatalf("disconnect did not arm the idle timer")
	}

	// The next operation's connect must cancel the pending idle timer
	// and reuse the still-open connection instead of opening a new one.
	if !a.connect() {
		t.Fatalf("connect did not reuse the still-connected client")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disconnectTimer != nil {
		t.Fatalf("connect left a stale idle timer armed")
	}
}
