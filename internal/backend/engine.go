// Package backend hands fully negotiated devices over to their
// out-of-process vhost-user backends. The wire protocol itself lives in
// the external engine; this package only supplies the engine's inputs
// (queue memory, negotiated features) and propagates the activation
// outcome.
package backend

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/xenbridge/xenvhost/internal/mem"
	"github.com/xenbridge/xenvhost/internal/virtio"
)

// QueueMemory is one virtqueue resolved into process-local memory.
type QueueMemory struct {
	Index int
	Size  uint16

	Desc  mem.View
	Avail mem.View
	Used  mem.View
}

// Activation is everything the protocol engine needs to bring a device
// up: the negotiated feature bits, the resolved queues, and the callback
// it invokes to raise the guest's interrupt on used-buffer completion.
type Activation struct {
	Features uint64
	Queues   []QueueMemory

	// Interrupt raises the device's interrupt line towards the guest.
	// Called from the engine's own goroutines.
	Interrupt func()
}

// Engine drives the vhost-user negotiation and queue processing with a
// backend process over its own channel, independent of the guest-facing
// dispatch loop. Implementations are external to the bridge core.
type Engine interface {
	// Activate performs the backend handshake and starts the device.
	Activate(ctx context.Context, act Activation) error
	// NotifyQueue forwards a guest kick for one queue.
	NotifyQueue(index int) error
	// Shutdown stops the engine and closes its channel.
	Shutdown() error
}

// EngineFactory builds the engine for one device. The factory is the
// seam tests and alternative protocol libraries plug into.
type EngineFactory func(socketPath string, devType virtio.DeviceType) (Engine, error)

// SocketPath resolves the backend socket for a device instance:
// <type-name>.sock<index> under the configured socket directory.
func SocketPath(dir string, devType virtio.DeviceType, index uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s.sock%d", devType.Name, index))
}
