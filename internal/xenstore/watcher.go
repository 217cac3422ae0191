package xenstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/xenbridge/xenvhost/internal/virtio"
)

// Xenbus states, as stored in the "state" node of backend and frontend
// device entries.
const (
	StateUnknown      = 0
	StateInitialising = 1
	StateInitWait     = 2
	StateInitialised  = 3
	StateConnected    = 4
	StateClosing      = 5
	StateClosed       = 6
)

// DeviceEntry is one discovered virtio device of one guest, assembled
// from its backend node in the store.
type DeviceEntry struct {
	Domid uint16
	Devid int
	Type  virtio.DeviceType

	// BackendPath and FrontendPath are the device's state nodes, e.g.
	// backend/i2c/3/0 and /local/domain/3/device/i2c/0.
	BackendPath  string
	FrontendPath string

	Base uint64
	IRQ  uint32
}

// EventKind classifies discovery events.
type EventKind int

const (
	DeviceAdded EventKind = iota
	DeviceRemoved
)

func (k EventKind) String() string {
	switch k {
	case DeviceAdded:
		return "device-added"
	case DeviceRemoved:
		return "device-removed"
	default:
		return "unknown"
	}
}

// DeviceEvent is one discovery event delivered to the frontend.
type DeviceEvent struct {
	Kind  EventKind
	Entry DeviceEntry
}

// Watcher discovers virtio device entries in the store and runs the
// backend side of the xenbus handshake for them. One watch per
// supported device type, all demultiplexed on the client's event
// channel.
type Watcher struct {
	log    *slog.Logger
	client *Client
	types  []virtio.DeviceType

	known map[string]DeviceEntry
	out   chan DeviceEvent
}

// NewWatcher builds a watcher for the given device types.
func NewWatcher(client *Client, types []virtio.DeviceType, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		log:    log,
		client: client,
		types:  types,
		known:  make(map[string]DeviceEntry),
		out:    make(chan DeviceEvent, 16),
	}
}

// Events returns the discovery event channel. Closed when Run returns.
func (w *Watcher) Events() <-chan DeviceEvent { return w.out }

// Run registers the watches, rescans on every store change and emits
// the difference. Returns when the context is cancelled or the store
// connection dies.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.out)

	for _, dt := range w.types {
		root := "backend/" + dt.Name
		if err := w.client.Watch(root, root); err != nil {
			return fmt.Errorf("xenstore: watch %s: %w", root, err)
		}
	}
	// The store fires each watch once on registration, which doubles
	// as the initial scan.

	for {
		select {
		case <-ctx.Done():
			for _, dt := range w.types {
				root := "backend/" + dt.Name
				if err := w.client.Unwatch(root, root); err != nil {
					w.log.Debug("unwatch on shutdown", "path", root, "error", err)
				}
			}
			return ctx.Err()
		case ev, ok := <-w.client.Events():
			if !ok {
				return fmt.Errorf("xenstore: store connection lost")
			}
			w.rescan(ctx, ev.Token)
		}
	}
}

// emit delivers one event without blocking past cancellation. The
// consumer may be gone; a false return aborts the rescan.
func (w *Watcher) emit(ctx context.Context, ev DeviceEvent) bool {
	select {
	case w.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// rescan diffs the store subtree named by the watch token against the
// known devices and emits add and remove events.
func (w *Watcher) rescan(ctx context.Context, root string) {
	var dt virtio.DeviceType
	found := false
	for _, t := range w.types {
		if root == "backend/"+t.Name {
			dt, found = t, true
			break
		}
	}
	if !found {
		w.log.Debug("watch event for unknown token", "token", root)
		return
	}

	present := make(map[string]bool)
	domids, err := w.client.Directory(root)
	if err != nil {
		// The whole subtree is gone; every device of this type with it.
		domids = nil
	}
	for _, domStr := range domids {
		domid, err := strconv.ParseUint(domStr, 10, 16)
		if err != nil {
			w.log.Warn("non-numeric domid in store", "path", root, "entry", domStr)
			continue
		}
		devids, err := w.client.Directory(root + "/" + domStr)
		if err != nil {
			continue
		}
		for _, devStr := range devids {
			devid, err := strconv.Atoi(devStr)
			if err != nil {
				w.log.Warn("non-numeric devid in store", "path", root+"/"+domStr, "entry", devStr)
				continue
			}
			bePath := fmt.Sprintf("%s/%d/%d", root, domid, devid)
			present[bePath] = true
			if _, ok := w.known[bePath]; ok {
				continue
			}
			entry, err := w.connect(uint16(domid), devid, dt, bePath)
			if err != nil {
				w.log.Warn("device entry not ready", "path", bePath, "error", err)
				continue
			}
			w.known[bePath] = entry
			if !w.emit(ctx, DeviceEvent{Kind: DeviceAdded, Entry: entry}) {
				return
			}
		}
	}

	for bePath, entry := range w.known {
		if entry.Type.Name != dt.Name {
			continue
		}
		if !present[bePath] {
			delete(w.known, bePath)
			if !w.emit(ctx, DeviceEvent{Kind: DeviceRemoved, Entry: entry}) {
				return
			}
		}
	}
}

// connect runs the backend side of the xenbus handshake for one device
// entry and assembles its parameters.
func (w *Watcher) connect(domid uint16, devid int, dt virtio.DeviceType, bePath string) (DeviceEntry, error) {
	state, err := w.readInt(bePath + "/state")
	if err != nil {
		return DeviceEntry{}, err
	}
	if state != StateInitialising {
		return DeviceEntry{}, fmt.Errorf("backend state %d, want initialising", state)
	}
	if err := w.client.Write(bePath+"/state", strconv.Itoa(StateInitWait)); err != nil {
		return DeviceEntry{}, err
	}

	fePath, err := w.client.Read(bePath + "/frontend")
	if err != nil {
		return DeviceEntry{}, err
	}
	base, err := w.readInt(bePath + "/base")
	if err != nil {
		return DeviceEntry{}, err
	}
	irq, err := w.readInt(bePath + "/irq")
	if err != nil {
		return DeviceEntry{}, err
	}

	return DeviceEntry{
		Domid:        domid,
		Devid:        devid,
		Type:         dt,
		BackendPath:  bePath,
		FrontendPath: fePath,
		Base:         base,
		IRQ:          uint32(irq),
	}, nil
}

// SetConnected completes the handshake once the device is live.
func (w *Watcher) SetConnected(entry DeviceEntry) error {
	return w.client.Write(entry.BackendPath+"/state", strconv.Itoa(StateConnected))
}

// SetClosed marks the backend side closed during teardown. Missing
// nodes are fine; the guest may already be gone.
func (w *Watcher) SetClosed(entry DeviceEntry) {
	if err := w.client.Write(entry.BackendPath+"/state", strconv.Itoa(StateClosed)); err != nil {
		w.log.Debug("marking backend closed", "path", entry.BackendPath, "error", err)
	}
}

func (w *Watcher) readInt(path string) (uint64, error) {
	s, err := w.client.Read(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("xenstore: %s holds %q, want integer: %w", path, s, err)
	}
	return v, nil
}
