//go:build linux

// Package frontend assembles the per-guest runtime: it consumes device
// discovery events, opens the hypervisor handles for each guest, wires
// devices into the guest's bridge and runs the dispatch loops.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xenbridge/xenvhost/internal/backend"
	"github.com/xenbridge/xenvhost/internal/bridge"
	"github.com/xenbridge/xenvhost/internal/mem"
	"github.com/xenbridge/xenvhost/internal/virtio"
	"github.com/xenbridge/xenvhost/internal/xen"
	"github.com/xenbridge/xenvhost/internal/xenstore"
)

// Options configure the frontend.
type Options struct {
	// SocketDir is where backend sockets live, one per device.
	SocketDir string
	// Mode selects how guest memory is exposed to backends.
	Mode mem.Mode
	// GuestRAMBytes sizes the foreign mapping per guest. Unused in
	// grant mode.
	GuestRAMBytes uint64
	// Factory builds the backend engine per device. Defaults to
	// backend.Dial.
	Factory backend.EngineFactory
}

// guestRuntime bundles everything owned for one guest domain.
type guestRuntime struct {
	domid uint16

	dm      *xen.DeviceModel
	ev      *xen.EventChannel
	foreign *xen.ForeignMemory
	gnttab  *xen.GrantTable
	ram     *mem.Foreign

	guest   *bridge.Guest
	entries map[string]xenstore.DeviceEntry // backend path -> entry

	cancel context.CancelFunc
}

// Frontend owns all guest runtimes of the process.
type Frontend struct {
	log     *slog.Logger
	opts    Options
	watcher *xenstore.Watcher

	mu     sync.Mutex
	guests map[uint16]*guestRuntime

	group *errgroup.Group
}

// New builds a frontend consuming the watcher's discovery events.
func New(opts Options, watcher *xenstore.Watcher, log *slog.Logger) *Frontend {
	if log == nil {
		log = slog.Default()
	}
	if opts.Factory == nil {
		opts.Factory = backend.Dial
	}
	return &Frontend{
		log:     log,
		opts:    opts,
		watcher: watcher,
		guests:  make(map[uint16]*guestRuntime),
	}
}

// Run consumes discovery events until the context is cancelled, then
// tears every guest down.
func (f *Frontend) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	f.group = group

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-f.watcher.Events():
				if !ok {
					return fmt.Errorf("frontend: discovery stream ended")
				}
				f.handle(ctx, ev)
			}
		}
	})

	err := group.Wait()
	f.closeAll()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (f *Frontend) handle(ctx context.Context, ev xenstore.DeviceEvent) {
	switch ev.Kind {
	case xenstore.DeviceAdded:
		if err := f.addDevice(ctx, ev.Entry); err != nil {
			f.log.Error("adding device",
				"domid", ev.Entry.Domid, "device", ev.Entry.Type.Name, "error", err)
		}
	case xenstore.DeviceRemoved:
		if err := f.removeDevice(ev.Entry); err != nil {
			f.log.Error("removing device",
				"domid", ev.Entry.Domid, "device", ev.Entry.Type.Name, "error", err)
		}
	}
}

func (f *Frontend) addDevice(ctx context.Context, entry xenstore.DeviceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rt, ok := f.guests[entry.Domid]
	fresh := false
	if !ok {
		var err error
		rt, err = f.startGuest(ctx, entry.Domid)
		if err != nil {
			return err
		}
		f.guests[entry.Domid] = rt
		fresh = true
	}
	unwind := func() {
		if fresh && len(rt.entries) == 0 {
			delete(f.guests, entry.Domid)
			f.stopGuest(rt)
		}
	}

	mapper, err := f.newMapper(rt)
	if err != nil {
		unwind()
		return err
	}

	socket := backend.SocketPath(f.opts.SocketDir, entry.Type, uint32(entry.Devid))
	adapter := backend.NewAdapter(socket, entry.Type, f.opts.Factory, f.log)
	dev := bridge.NewDevice(bridge.DeviceConfig{
		Type: entry.Type,
		Base: entry.Base,
		IRQ:  entry.IRQ,
	}, mapper, adapter, rt.dm, f.log.With("domid", entry.Domid))

	if err := rt.guest.AddDevice(dev); err != nil {
		if cerr := mapper.Close(); cerr != nil {
			f.log.Warn("closing mapper after failed add", "error", cerr)
		}
		unwind()
		return err
	}
	rt.entries[entry.BackendPath] = entry

	if err := f.watcher.SetConnected(entry); err != nil {
		f.log.Warn("completing xenbus handshake", "path", entry.BackendPath, "error", err)
	}
	return nil
}

func (f *Frontend) removeDevice(entry xenstore.DeviceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rt, ok := f.guests[entry.Domid]
	if !ok {
		return fmt.Errorf("frontend: no runtime for domain %d", entry.Domid)
	}
	f.watcher.SetClosed(entry)
	if err := rt.guest.RemoveDevice(entry.Base); err != nil {
		return err
	}
	delete(rt.entries, entry.BackendPath)

	if len(rt.entries) == 0 {
		f.log.Info("last device removed, releasing guest", "domid", entry.Domid)
		delete(f.guests, entry.Domid)
		f.stopGuest(rt)
	}
	return nil
}

// startGuest opens the hypervisor handles for one guest and starts its
// dispatch loop.
func (f *Frontend) startGuest(ctx context.Context, domid uint16) (*guestRuntime, error) {
	dm, err := xen.OpenDeviceModel(domid)
	if err != nil {
		return nil, err
	}
	rt := &guestRuntime{domid: domid, dm: dm, entries: make(map[string]xenstore.DeviceEntry)}

	fail := func(err error) (*guestRuntime, error) {
		f.stopGuest(rt)
		return nil, err
	}

	if err := dm.CreateIoreqServer(); err != nil {
		return fail(err)
	}

	rt.foreign, err = xen.OpenForeignMemory()
	if err != nil {
		return fail(err)
	}
	page, err := rt.foreign.MapIoreqServer(domid, dm.ServerID(), dm.VCPUCount())
	if err != nil {
		return fail(err)
	}
	if err := dm.SetServerState(true); err != nil {
		return fail(err)
	}

	rt.ev, err = xen.OpenEventChannel()
	if err != nil {
		return fail(err)
	}
	if err := rt.ev.BindDomain(domid, page); err != nil {
		return fail(err)
	}

	switch f.opts.Mode {
	case mem.ModeGrant:
		rt.gnttab, err = xen.OpenGrantTable()
		if err != nil {
			return fail(err)
		}
	case mem.ModeForeign:
		rt.ram, err = mem.NewForeign(rt.foreign, domid, f.opts.GuestRAMBytes)
		if err != nil {
			return fail(err)
		}
	}

	rt.guest = bridge.NewGuest(domid, dm, rt.ev, page, f.log)

	var lctx context.Context
	lctx, rt.cancel = context.WithCancel(ctx)
	f.group.Go(func() error {
		// A failed dispatch loop is fatal for this guest only; the
		// runtime is released and the process keeps serving others.
		if err := rt.guest.Run(lctx); err != nil {
			f.log.Error("dispatch loop failed", "domid", domid, "error", err)
			f.releaseGuest(domid, rt)
		}
		return nil
	})

	f.log.Info("guest attached", "domid", domid, "vcpus", dm.VCPUCount(), "mode", f.opts.Mode.String())
	return rt, nil
}

func (f *Frontend) newMapper(rt *guestRuntime) (mem.Mapper, error) {
	switch f.opts.Mode {
	case mem.ModeForeign:
		return mem.Shared(rt.ram), nil
	case mem.ModeGrant:
		return mem.NewGrant(rt.gnttab, rt.domid, f.log), nil
	default:
		return nil, fmt.Errorf("frontend: unknown mapping mode %d", f.opts.Mode)
	}
}

// releaseGuest drops a runtime whose dispatch loop died. A runtime that
// was already replaced or torn down elsewhere is left alone.
func (f *Frontend) releaseGuest(domid uint16, rt *guestRuntime) {
	f.mu.Lock()
	cur, ok := f.guests[domid]
	if ok && cur == rt {
		delete(f.guests, domid)
	}
	f.mu.Unlock()
	if ok && cur == rt {
		f.stopGuest(rt)
	}
}

// stopGuest tears one guest runtime down in dependency order: dispatch
// loop first, devices with it, hypervisor handles last.
func (f *Frontend) stopGuest(rt *guestRuntime) {
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.guest != nil {
		if err := rt.guest.Close(); err != nil {
			f.log.Warn("closing guest", "domid", rt.domid, "error", err)
		}
	}
	if rt.ram != nil {
		if err := rt.ram.Close(); err != nil {
			f.log.Warn("unmapping guest ram", "domid", rt.domid, "error", err)
		}
	}
	if rt.gnttab != nil {
		if err := rt.gnttab.Close(); err != nil {
			f.log.Warn("closing grant table", "domid", rt.domid, "error", err)
		}
	}
	if rt.ev != nil {
		if err := rt.ev.Close(); err != nil {
			f.log.Warn("closing event channel", "domid", rt.domid, "error", err)
		}
	}
	if rt.foreign != nil {
		if err := rt.foreign.Close(); err != nil {
			f.log.Warn("closing foreign memory", "domid", rt.domid, "error", err)
		}
	}
	if rt.dm != nil {
		if err := rt.dm.Close(); err != nil {
			f.log.Warn("closing device model", "domid", rt.domid, "error", err)
		}
	}
}

func (f *Frontend) closeAll() {
	f.mu.Lock()
	guests := f.guests
	f.guests = make(map[uint16]*guestRuntime)
	f.mu.Unlock()
	for _, rt := range guests {
		f.stopGuest(rt)
	}
}

// SupportedTypes lists the device types the frontend emulates; the
// watcher is configured with it.
func SupportedTypes() []virtio.DeviceType {
	return virtio.Types()
}
