package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xenbridge/xenvhost/internal/mem"
	"github.com/xenbridge/xenvhost/internal/virtio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubEngine struct {
	mu       sync.Mutex
	block    chan struct{} // Activate blocks until closed, nil = no block
	failWith error
	kicks    []int
	shutdown int
}

func (e *stubEngine) Activate(ctx context.Context, act Activation) error {
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.failWith
}

func (e *stubEngine) NotifyQueue(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kicks = append(e.kicks, index)
	return nil
}

func (e *stubEngine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown++
	return nil
}

func testType(t *testing.T) virtio.DeviceType {
	t.Helper()
	dt, ok := virtio.LookupType("rng")
	if !ok {
		t.Fatalf("rng device type missing")
	}
	return dt
}

func testActivation() Activation {
	return Activation{
		Features: virtio.FeatureVersion1,
		Queues: []QueueMemory{{
			Index: 0,
			Size:  256,
			Desc:  mem.NewView(0x1000, make([]byte, 16*256)),
			Avail: mem.NewView(0x2000, make([]byte, 4+2*256+2)),
			Used:  mem.NewView(0x3000, make([]byte, 4+8*256+2)),
		}},
		Interrupt: func() {},
	}
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("activation outcome never delivered")
		return nil
	}
}

func TestAdapterActivateSuccess(t *testing.T) {
	engine := &stubEngine{}
	factory := func(string, virtio.DeviceType) (Engine, error) { return engine, nil }
	a := NewAdapter("/run/test/rng.sock0", testType(t), factory, testLogger())

	done := make(chan error, 1)
	if err := a.Activate(testActivation(), func(err error) { done <- err }); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("activation outcome: %v", err)
	}
	if !a.Active() {
		t.Errorf("adapter not active after successful activation")
	}

	a.NotifyQueue(0)
	engine.mu.Lock()
	kicks := len(engine.kicks)
	engine.mu.Unlock()
	if kicks != 1 {
		t.Errorf("kick not forwarded: %d", kicks)
	}
}

func TestAdapterActivateDoesNotBlockCaller(t *testing.T) {
	engine := &stubEngine{block: make(chan struct{})}
	factory := func(string, virtio.DeviceType) (Engine, error) { return engine, nil }
	a := NewAdapter("/run/test/rng.sock0", testType(t), factory, testLogger())

	done := make(chan error, 1)
	start := time.Now()
	if err := a.Activate(testActivation(), func(err error) { done <- err }); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Activate blocked the caller for %v", elapsed)
	}

	// Kicks while the handshake is in flight are dropped, not queued.
	a.NotifyQueue(0)
	engine.mu.Lock()
	kicks := len(engine.kicks)
	engine.mu.Unlock()
	if kicks != 0 {
		t.Errorf("kick delivered before activation finished")
	}

	close(engine.block)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("activation outcome: %v", err)
	}
}

func TestAdapterConnectFailure(t *testing.T) {
	factory := func(string, virtio.DeviceType) (Engine, error) {
		return nil, fmt.Errorf("connection refused")
	}
	a := NewAdapter("/run/test/rng.sock0", testType(t), factory, testLogger())

	done := make(chan error, 1)
	if err := a.Activate(testActivation(), func(err error) { done <- err }); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := waitDone(t, done); err == nil {
		t.Fatalf("missing backend not reported")
	}
	if !a.Failed() {
		t.Errorf("adapter not failed after connect failure")
	}
	if a.Active() {
		t.Errorf("adapter active after connect failure")
	}

	// Failed devices swallow kicks instead of crashing.
	a.NotifyQueue(0)
}

func TestAdapterHandshakeFailureShutsEngineDown(t *testing.T) {
	engine := &stubEngine{failWith: fmt.Errorf("handshake rejected")}
	factory := func(string, virtio.DeviceType) (Engine, error) { return engine, nil }
	a := NewAdapter("/run/test/rng.sock0", testType(t), factory, testLogger())

	done := make(chan error, 1)
	if err := a.Activate(testActivation(), func(err error) { done <- err }); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := waitDone(t, done); err == nil {
		t.Fatalf("handshake failure not reported")
	}
	engine.mu.Lock()
	shutdown := engine.shutdown
	engine.mu.Unlock()
	if shutdown != 1 {
		t.Errorf("engine shutdown %d times after failed handshake, want 1", shutdown)
	}
}

func TestAdapterShutdownDuringActivation(t *testing.T) {
	engine := &stubEngine{block: make(chan struct{})}
	factory := func(string, virtio.DeviceType) (Engine, error) { return engine, nil }
	a := NewAdapter("/run/test/rng.sock0", testType(t), factory, testLogger())

	done := make(chan error, 1)
	if err := a.Activate(testActivation(), func(err error) { done <- err }); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Shutdown wins the race with the in-flight handshake.
	a.Shutdown()
	close(engine.block)

	if err := waitDone(t, done); err == nil {
		t.Fatalf("activation that raced a shutdown reported success")
	}
	if a.Active() {
		t.Errorf("adapter active after shutdown")
	}
	engine.mu.Lock()
	shutdown := engine.shutdown
	engine.mu.Unlock()
	if shutdown != 1 {
		t.Errorf("raced engine shut down %d times, want 1", shutdown)
	}
}

func TestAdapterRefusesSecondActivation(t *testing.T) {
	engine := &stubEngine{}
	factory := func(string, virtio.DeviceType) (Engine, error) { return engine, nil }
	a := NewAdapter("/run/test/rng.sock0", testType(t), factory, testLogger())

	done := make(chan error, 1)
	if err := a.Activate(testActivation(), func(err error) { done <- err }); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("activation outcome: %v", err)
	}
	if err := a.Activate(testActivation(), nil); err == nil {
		t.Errorf("second activation accepted")
	}
}

func TestAdapterShutdown(t *testing.T) {
	engine := &stubEngine{}
	factory := func(string, virtio.DeviceType) (Engine, error) { return engine, nil }
	a := NewAdapter("/run/test/rng.sock0", testType(t), factory, testLogger())

	done := make(chan error, 1)
	if err := a.Activate(testActivation(), func(err error) { done <- err }); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("activation outcome: %v", err)
	}

	a.Shutdown()
	a.Shutdown() // idempotent
	engine.mu.Lock()
	shutdown := engine.shutdown
	engine.mu.Unlock()
	if shutdown != 1 {
		t.Errorf("engine shutdown %d times, want 1", shutdown)
	}
	a.NotifyQueue(0)
	engine.mu.Lock()
	kicks := len(engine.kicks)
	engine.mu.Unlock()
	if kicks != 0 {
		t.Errorf("kick delivered after shutdown")
	}
}

func TestSocketPath(t *testing.T) {
	dt := testType(t)
	if got := SocketPath("/run/xenvhost", dt, 0); got != "/run/xenvhost/rng.sock0" {
		t.Errorf("SocketPath = %q", got)
	}
	if got := SocketPath("/run/xenvhost", dt, 3); got != "/run/xenvhost/rng.sock3" {
		t.Errorf("SocketPath = %q", got)
	}
}
