package backend

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/xenbridge/xenvhost/internal/mem"
	"github.com/xenbridge/xenvhost/internal/virtio"
)

func listenUnix(t *testing.T) (string, net.Listener) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rng.sock0")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 256)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()
	return path, l
}

func TestDialMissingSocket(t *testing.T) {
	dt := testType(t)
	if _, err := Dial(filepath.Join(t.TempDir(), "absent.sock0"), dt); err == nil {
		t.Fatalf("dial of missing socket succeeded")
	}
}

func TestDialActivateValidation(t *testing.T) {
	path, _ := listenUnix(t)
	dt := testType(t) // rng: 1 queue, size 256

	engine, err := Dial(path, dt)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer engine.Shutdown()

	ctx := context.Background()
	queue := func(size uint16) QueueMemory {
		return QueueMemory{
			Index: 0,
			Size:  size,
			Desc:  mem.NewView(0x1000, make([]byte, 16*int(size))),
			Avail: mem.NewView(0x2000, make([]byte, 4+2*int(size)+2)),
			Used:  mem.NewView(0x3000, make([]byte, 4+8*int(size)+2)),
		}
	}

	// Wrong queue count.
	err = engine.Activate(ctx, Activation{
		Features:  virtio.FeatureVersion1,
		Queues:    []QueueMemory{queue(256), queue(256)},
		Interrupt: func() {},
	})
	if err == nil {
		t.Errorf("activation with wrong queue count accepted")
	}

	// Oversized queue.
	err = engine.Activate(ctx, Activation{
		Features:  virtio.FeatureVersion1,
		Queues:    []QueueMemory{queue(1024)},
		Interrupt: func() {},
	})
	if err == nil {
		t.Errorf("activation with oversized queue accepted")
	}

	// Missing interrupt callback.
	err = engine.Activate(ctx, Activation{
		Features: virtio.FeatureVersion1,
		Queues:   []QueueMemory{queue(256)},
	})
	if err == nil {
		t.Errorf("activation without interrupt callback accepted")
	}

	// Well-formed activation.
	err = engine.Activate(ctx, Activation{
		Features:  virtio.FeatureVersion1,
		Queues:    []QueueMemory{queue(256)},
		Interrupt: func() {},
	})
	if err != nil {
		t.Errorf("valid activation rejected: %v", err)
	}

	if err := engine.NotifyQueue(0); err != nil {
		t.Errorf("NotifyQueue(0): %v", err)
	}
	if err := engine.NotifyQueue(5); err == nil {
		t.Errorf("NotifyQueue(5) accepted")
	}
}

func TestDialShutdown(t *testing.T) {
	path, _ := listenUnix(t)
	engine, err := Dial(path, testType(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := engine.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := engine.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := engine.NotifyQueue(0); err == nil {
		t.Errorf("NotifyQueue after Shutdown succeeded")
	}
}
