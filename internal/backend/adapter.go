package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xenbridge/xenvhost/internal/virtio"
)

type adapterState int

const (
	adapterIdle adapterState = iota
	adapterActivating
	adapterActive
	adapterFailed
	adapterShutdown
)

func (s adapterState) String() string {
	switch s {
	case adapterIdle:
		return "idle"
	case adapterActivating:
		return "activating"
	case adapterActive:
		return "active"
	case adapterFailed:
		return "failed"
	case adapterShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// DefaultActivateTimeout bounds how long a backend may take to accept an
// activation before the device is marked failed.
const DefaultActivateTimeout = 30 * time.Second

// Adapter hands a configured device off to an out-of-process backend.
// Activation runs on its own goroutine so the caller's dispatch loop never
// blocks on a slow or absent backend.
type Adapter struct {
	log        *slog.Logger
	socketPath string
	devType    virtio.DeviceType
	factory    EngineFactory
	timeout    time.Duration

	mu     sync.Mutex
	state  adapterState
	engine Engine
}

func NewAdapter(socketPath string, devType virtio.DeviceType, factory EngineFactory, log *slog.Logger) *Adapter {
	return &Adapter{
		log:        log,
		socketPath: socketPath,
		devType:    devType,
		factory:    factory,
		timeout:    DefaultActivateTimeout,
		state:      adapterIdle,
	}
}

// Activate starts backend activation in the background. done is invoked
// exactly once with the outcome; it may run on the activation goroutine.
// A second call while an activation is in flight or after one completed
// is refused.
func (a *Adapter) Activate(act Activation, done func(error)) error {
	a.mu.Lock()
	if a.state != adapterIdle {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("backend: activate in state %s", state)
	}
	a.state = adapterActivating
	a.mu.Unlock()

	go func() {
		engine, err := a.activate(act)

		// Install the engine and settle the state under one lock: a
		// Shutdown that raced the handshake must win, and the engine
		// it never saw must not outlive the adapter.
		var stale Engine
		a.mu.Lock()
		switch {
		case err != nil:
			if a.state == adapterActivating {
				a.state = adapterFailed
			}
		case a.state != adapterActivating:
			stale = engine
			err = fmt.Errorf("backend: %s shut down during activation", a.devType.Name)
		default:
			a.engine = engine
			a.state = adapterActive
		}
		a.mu.Unlock()
		if stale != nil {
			if serr := stale.Shutdown(); serr != nil {
				a.log.Debug("engine shutdown after raced activation", "error", serr)
			}
		}

		if err != nil {
			a.log.Warn("backend activation failed",
				"device", a.devType.Name,
				"socket", a.socketPath,
				"error", err)
		} else {
			a.log.Info("backend active",
				"device", a.devType.Name,
				"socket", a.socketPath)
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (a *Adapter) activate(act Activation) (Engine, error) {
	engine, err := a.factory(a.socketPath, a.devType)
	if err != nil {
		return nil, fmt.Errorf("backend: connect %s: %w", a.socketPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := engine.Activate(ctx, act); err != nil {
		if serr := engine.Shutdown(); serr != nil {
			a.log.Debug("engine shutdown after failed activation", "error", serr)
		}
		return nil, fmt.Errorf("backend: activate %s: %w", a.devType.Name, err)
	}
	return engine, nil
}

// NotifyQueue forwards a guest kick. Kicks that arrive before activation
// finished, or after a failure, are dropped; virtio drivers re-kick after
// the used ring stalls, so nothing is lost.
func (a *Adapter) NotifyQueue(index int) {
	a.mu.Lock()
	engine := a.engine
	active := a.state == adapterActive
	a.mu.Unlock()
	if !active || engine == nil {
		a.log.Debug("dropping queue notify", "device", a.devType.Name, "queue", index)
		return
	}
	if err := engine.NotifyQueue(index); err != nil {
		a.log.Warn("queue notify failed", "device", a.devType.Name, "queue", index, "error", err)
	}
}

// Shutdown tears down the backend connection. Safe to call in any state
// and more than once.
func (a *Adapter) Shutdown() {
	a.mu.Lock()
	engine := a.engine
	a.engine = nil
	a.state = adapterShutdown
	a.mu.Unlock()
	if engine != nil {
		if err := engine.Shutdown(); err != nil {
			a.log.Warn("engine shutdown", "device", a.devType.Name, "error", err)
		}
	}
}

func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == adapterActive
}

func (a *Adapter) Failed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == adapterFailed
}
