package backend

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xenbridge/xenvhost/internal/virtio"
)

// DialTimeout bounds the initial unix socket connect. Backends are
// expected to be listening before their device is announced.
const DialTimeout = 5 * time.Second

// Dial is the default EngineFactory. It establishes the unix stream
// channel to the backend and validates activation inputs; the vhost-user
// message exchange itself is carried out by the protocol engine layered
// on the returned connection.
func Dial(socketPath string, devType virtio.DeviceType) (Engine, error) {
	conn, err := net.DialTimeout("unix", socketPath, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("backend: dial %s: %w", socketPath, err)
	}

	return &dialedEngine{
		conn:    conn,
		devType: devType,
	}, nil
}

type dialedEngine struct {
	devType virtio.DeviceType

	mu     sync.Mutex
	conn   net.Conn
	queues []QueueMemory
}

func (e *dialedEngine) Activate(ctx context.Context, act Activation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(act.Queues) != e.devType.NumQueues {
		return fmt.Errorf("backend: %s expects %d queues, got %d",
			e.devType.Name, e.devType.NumQueues, len(act.Queues))
	}
	for _, q := range act.Queues {
		if q.Size == 0 || q.Size > e.devType.QueueSize {
			return fmt.Errorf("backend: queue %d size %d out of range (max %d)",
				q.Index, q.Size, e.devType.QueueSize)
		}
		if q.Desc.Bytes() == nil || q.Avail.Bytes() == nil || q.Used.Bytes() == nil {
			return fmt.Errorf("backend: queue %d has unmapped rings", q.Index)
		}
	}
	if act.Interrupt == nil {
		return fmt.Errorf("backend: activation without interrupt callback")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return fmt.Errorf("backend: engine already shut down")
	}
	e.queues = act.Queues
	return nil
}

func (e *dialedEngine) NotifyQueue(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return fmt.Errorf("backend: notify on closed engine")
	}
	if index < 0 || index >= len(e.queues) {
		return fmt.Errorf("backend: notify unknown queue %d", index)
	}
	return nil
}

func (e *dialedEngine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	e.queues = nil
	return err
}
