package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xenbridge/xenvhost/internal/virtio"
	"github.com/xenbridge/xenvhost/internal/xen"
)

// IoreqServer is the guest's trap plumbing: claiming MMIO ranges and
// driving IRQ lines. *xen.DeviceModel implements it.
type IoreqServer interface {
	IRQSink
	MapIORange(start, size uint64) error
	UnmapIORange(start, size uint64) error
}

// EventSource delivers I/O request notifications per vCPU and carries
// completions back. *xen.EventChannel implements it.
type EventSource interface {
	Wait() (port uint32, vcpu uint32, err error)
	Unmask(port uint32) error
	Notify(port uint32) error
	// Port returns the local port bound for a vCPU, for completions
	// delivered outside a Wait cycle.
	Port(vcpu uint32) (uint32, bool)
	Shutdown()
}

// Guest owns the bridge state for one guest domain: its dispatch table,
// its devices and the dispatch loop consuming trapped accesses from the
// shared I/O request page. Devices are added before Run and removed
// after the loop stopped.
type Guest struct {
	log   *slog.Logger
	domid uint16

	dm   IoreqServer
	ev   EventSource
	page *xen.SharedIOPage

	table   DispatchTable
	devices []*Device
}

// NewGuest assembles the bridge for one guest domain.
func NewGuest(domid uint16, dm IoreqServer, ev EventSource, page *xen.SharedIOPage, log *slog.Logger) *Guest {
	if log == nil {
		log = slog.Default()
	}
	return &Guest{
		log:   log.With("domid", domid),
		domid: domid,
		dm:    dm,
		ev:    ev,
		page:  page,
	}
}

// AddDevice claims the device's MMIO window with the hypervisor and
// registers it in the dispatch table.
func (g *Guest) AddDevice(d *Device) error {
	if err := g.table.Register(d.Base(), virtio.MMIOSize, d); err != nil {
		return err
	}
	if err := g.dm.MapIORange(d.Base(), virtio.MMIOSize); err != nil {
		if uerr := g.table.Unregister(d.Base()); uerr != nil {
			g.log.Warn("unwinding dispatch registration", "error", uerr)
		}
		return fmt.Errorf("bridge: claim mmio range %#x: %w", d.Base(), err)
	}
	g.devices = append(g.devices, d)
	g.log.Info("device added", "device", d.Type().Name, "base", fmt.Sprintf("%#x", d.Base()))
	return nil
}

// RemoveDevice tears one device down: the range is released with the
// hypervisor first so no further traps arrive for it.
func (g *Guest) RemoveDevice(base uint64) error {
	for i, d := range g.devices {
		if d.Base() != base {
			continue
		}
		if err := g.dm.UnmapIORange(base, virtio.MMIOSize); err != nil {
			g.log.Warn("releasing mmio range", "base", fmt.Sprintf("%#x", base), "error", err)
		}
		if err := g.table.Unregister(base); err != nil {
			return err
		}
		g.devices = append(g.devices[:i], g.devices[i+1:]...)
		return d.Close()
	}
	return fmt.Errorf("bridge: no device at %#x", base)
}

// Devices returns the guest's current devices.
func (g *Guest) Devices() []*Device { return g.devices }

// Run consumes trapped accesses until the event source is shut down or
// the context is cancelled. It is the only goroutine touching the
// dispatch table and the device register files.
func (g *Guest) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, g.ev.Shutdown)
	defer stop()

	g.log.Info("dispatch loop running", "vcpus", g.page.VCPUs())
	for {
		port, vcpu, err := g.ev.Wait()
		if errors.Is(err, xen.ErrClosed) {
			g.drain()
			return nil
		}
		if err != nil {
			return fmt.Errorf("bridge: guest %d event wait: %w", g.domid, err)
		}
		if err := g.ev.Unmask(port); err != nil {
			g.log.Warn("unmasking event port", "port", port, "error", err)
		}

		slot, err := g.page.Slot(vcpu)
		if err != nil {
			g.log.Warn("event for unknown vcpu", "vcpu", vcpu, "error", err)
			continue
		}
		if slot.State() != xen.IoreqStateReady {
			// Spurious wakeup or a request another notification
			// already covered.
			continue
		}
		slot.SetState(xen.IoreqStateInProcess)
		g.handle(slot)
		slot.SetState(xen.IoreqStateRespReady)

		if err := g.ev.Notify(port); err != nil {
			g.log.Warn("notifying completion", "port", port, "error", err)
		}
	}
}

// drain completes requests that were already delivered when the event
// channel went away. A vCPU left waiting on an unanswered request would
// stall for good.
func (g *Guest) drain() {
	for vcpu := uint32(0); int(vcpu) < g.page.VCPUs(); vcpu++ {
		slot, err := g.page.Slot(vcpu)
		if err != nil {
			continue
		}
		if slot.State() != xen.IoreqStateReady {
			continue
		}
		slot.SetState(xen.IoreqStateInProcess)
		g.handle(slot)
		slot.SetState(xen.IoreqStateRespReady)
		if port, ok := g.ev.Port(vcpu); ok {
			if err := g.ev.Notify(port); err != nil {
				g.log.Debug("notifying completion during drain", "port", port, "error", err)
			}
		}
	}
}

// handle routes one I/O request. Every request is completed, claimed or
// not; an unhandled request would wedge the issuing vCPU.
func (g *Guest) handle(slot xen.Slot) {
	switch slot.Type() {
	case xen.IoreqTypeCopy:
	case xen.IoreqTypeTimeoffset, xen.IoreqTypeInvalidate:
		return
	default:
		g.log.Warn("unsupported ioreq type", "type", slot.Type())
		if slot.IsRead() {
			slot.SetData(0)
		}
		return
	}

	addr := slot.Addr()
	if slot.DataIsPtr() || slot.Count() != 1 {
		g.log.Warn("unsupported ioreq shape",
			"addr", fmt.Sprintf("%#x", addr), "count", slot.Count(), "data_is_ptr", slot.DataIsPtr())
		if slot.IsRead() {
			slot.SetData(0)
		}
		return
	}

	h, base, ok := g.table.Lookup(addr)
	if !ok {
		g.log.Warn("access outside any device window", "addr", fmt.Sprintf("%#x", addr))
		if slot.IsRead() {
			slot.SetData(0)
		}
		return
	}

	if slot.IsRead() {
		slot.SetData(h.MMIORead(addr-base, slot.Size()))
	} else {
		h.MMIOWrite(addr-base, slot.Size(), uint32(slot.Data()))
	}
}

// Close tears the guest down after Run returned: every device is
// removed and its backend shut down. The hypervisor handles themselves
// belong to the caller.
func (g *Guest) Close() error {
	g.ev.Shutdown()
	var firstErr error
	for len(g.devices) > 0 {
		if err := g.RemoveDevice(g.devices[0].Base()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
