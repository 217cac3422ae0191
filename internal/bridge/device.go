package bridge

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xenbridge/xenvhost/internal/backend"
	"github.com/xenbridge/xenvhost/internal/mem"
	"github.com/xenbridge/xenvhost/internal/virtio"
	"github.com/xenbridge/xenvhost/internal/xen"
)

// IRQSink raises and lowers a guest's virtual interrupt lines.
// *xen.DeviceModel implements it.
type IRQSink interface {
	SetIRQLevel(irq uint32, level uint32) error
}

const configSize = virtio.MMIOSize - virtio.RegConfig

// Device is one virtio-mmio device instance of one guest: the register
// emulator, the memory mapper resolving its rings, and the adapter
// owning its backend. Register accesses arrive on the guest's dispatch
// goroutine; the adapter's goroutines enter only through the interrupt
// callback and the activation-outcome callback, both serialized below.
type Device struct {
	log     *slog.Logger
	emu     *virtio.Emulator
	mapper  mem.Mapper
	adapter *backend.Adapter
	irqs    IRQSink

	base uint64
	irq  uint32

	// irqMu orders interrupt-status reads against IRQ line changes so
	// an ack on the dispatch goroutine cannot lower the line under a
	// raise the backend just delivered.
	irqMu sync.Mutex

	// Device config space. Zero until a backend supplies content
	// through UpdateConfig.
	config [configSize]byte

	// viewsMu serializes ring-view ownership and mapper access between
	// the dispatch goroutine and the activation-outcome callback.
	viewsMu sync.Mutex
	views   []mem.View
}

// DeviceConfig describes one device instance to construct.
type DeviceConfig struct {
	Type virtio.DeviceType
	Base uint64
	IRQ  uint32
}

// NewDevice wires a device's emulator to its mapper, backend adapter
// and IRQ line.
func NewDevice(cfg DeviceConfig, mapper mem.Mapper, adapter *backend.Adapter, irqs IRQSink, log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		log:     log.With("device", cfg.Type.Name, "base", fmt.Sprintf("%#x", cfg.Base)),
		emu:     virtio.NewEmulator(cfg.Type, log),
		mapper:  mapper,
		adapter: adapter,
		irqs:    irqs,
		base:    cfg.Base,
		irq:     cfg.IRQ,
	}
	d.emu.ReadConfig = d.readConfig
	d.emu.WriteConfig = d.writeConfig
	return d
}

// Type returns the emulated device type.
func (d *Device) Type() virtio.DeviceType { return d.emu.Type() }

// Base returns the device's MMIO base address.
func (d *Device) Base() uint64 { return d.base }

// Emulator exposes the register file, for tests and status reporting.
func (d *Device) Emulator() *virtio.Emulator { return d.emu }

// MMIORead handles a trapped guest read of this device's window.
func (d *Device) MMIORead(offset uint64, size uint32) uint64 {
	return d.emu.ReadRegister(offset, size)
}

// MMIOWrite handles a trapped guest write of this device's window.
func (d *Device) MMIOWrite(offset uint64, size uint32, value uint32) {
	action, arg := d.emu.WriteRegister(offset, size, value)
	switch action {
	case virtio.ActionNotify:
		d.adapter.NotifyQueue(arg)
	case virtio.ActionActivate:
		d.activate()
	case virtio.ActionReset:
		d.log.Info("device reset by guest")
		d.teardownBackend()
	}

	if offset == virtio.RegInterruptAck {
		d.irqMu.Lock()
		if d.emu.InterruptStatus() == 0 {
			if err := d.irqs.SetIRQLevel(d.irq, xen.IRQLow); err != nil {
				d.log.Warn("lowering irq", "irq", d.irq, "error", err)
			}
		}
		d.irqMu.Unlock()
	}
}

// activate resolves the negotiated rings into local memory and hands
// the device to its backend. The handoff itself runs on the adapter's
// goroutine; a slow backend never stalls the dispatch loop.
func (d *Device) activate() {
	queues := d.emu.Queues()
	qmem := make([]backend.QueueMemory, 0, len(queues))
	var views []mem.View

	release := func() {
		d.viewsMu.Lock()
		defer d.viewsMu.Unlock()
		for _, v := range views {
			if err := d.mapper.Release(v); err != nil {
				d.log.Warn("releasing ring view", "error", err)
			}
		}
	}

	for _, q := range queues {
		desc, err := d.mapper.Translate(q.DescAddr(), q.DescBytes())
		if err != nil {
			d.log.Error("mapping descriptor ring", "queue", q.Index(), "error", err)
			release()
			return
		}
		views = append(views, desc)
		avail, err := d.mapper.Translate(q.AvailAddr(), q.AvailBytes())
		if err != nil {
			d.log.Error("mapping avail ring", "queue", q.Index(), "error", err)
			release()
			return
		}
		views = append(views, avail)
		used, err := d.mapper.Translate(q.UsedAddr(), q.UsedBytes())
		if err != nil {
			d.log.Error("mapping used ring", "queue", q.Index(), "error", err)
			release()
			return
		}
		views = append(views, used)

		qmem = append(qmem, backend.QueueMemory{
			Index: q.Index(),
			Size:  q.Size(),
			Desc:  desc,
			Avail: avail,
			Used:  used,
		})
	}

	act := backend.Activation{
		Features:  d.emu.NegotiatedFeatures(),
		Queues:    qmem,
		Interrupt: d.interrupt,
	}

	d.viewsMu.Lock()
	d.views = views
	d.viewsMu.Unlock()
	err := d.adapter.Activate(act, func(err error) {
		if err != nil {
			d.log.Error("device activation failed", "error", err)
			d.releaseViews()
		}
	})
	if err != nil {
		d.log.Error("device activation refused", "error", err)
		d.releaseViews()
	}
}

// interrupt is the backend's used-buffer completion callback. It runs
// on the backend's goroutines.
func (d *Device) interrupt() {
	d.irqMu.Lock()
	defer d.irqMu.Unlock()
	d.emu.RaiseInterrupt(virtio.InterruptVRing)
	if err := d.irqs.SetIRQLevel(d.irq, xen.IRQHigh); err != nil {
		d.log.Warn("raising irq", "irq", d.irq, "error", err)
	}
}

// releaseViews returns the ring views to the mapper. The reset path on
// the dispatch goroutine and the activation-failure callback may both
// get here; whoever takes the slice releases it exactly once.
func (d *Device) releaseViews() {
	d.viewsMu.Lock()
	defer d.viewsMu.Unlock()
	for _, v := range d.views {
		if err := d.mapper.Release(v); err != nil {
			d.log.Warn("releasing ring view", "error", err)
		}
	}
	d.views = nil
}

func (d *Device) teardownBackend() {
	d.adapter.Shutdown()
	d.releaseViews()
}

// Close shuts the backend down and releases everything the device holds.
func (d *Device) Close() error {
	d.teardownBackend()
	d.viewsMu.Lock()
	defer d.viewsMu.Unlock()
	return d.mapper.Close()
}

// UpdateConfig replaces the device config space, bumps the config
// generation and flags a config interrupt towards the guest. Call it
// from the guest's dispatch goroutine or before the loop starts.
func (d *Device) UpdateConfig(data []byte) {
	n := copy(d.config[:], data)
	for i := n; i < len(d.config); i++ {
		d.config[i] = 0
	}
	d.emu.ConfigChanged()
	d.irqMu.Lock()
	defer d.irqMu.Unlock()
	if err := d.irqs.SetIRQLevel(d.irq, xen.IRQHigh); err != nil {
		d.log.Warn("raising irq for config change", "irq", d.irq, "error", err)
	}
}

func (d *Device) readConfig(offset uint64, size uint32) uint32 {
	if offset+uint64(size) > uint64(len(d.config)) {
		return 0
	}
	switch size {
	case 1:
		return uint32(d.config[offset])
	case 2:
		return uint32(binary.LittleEndian.Uint16(d.config[offset:]))
	case 4:
		return binary.LittleEndian.Uint32(d.config[offset:])
	default:
		return 0
	}
}

func (d *Device) writeConfig(offset uint64, size uint32, value uint32) {
	if offset+uint64(size) > uint64(len(d.config)) {
		return
	}
	switch size {
	case 1:
		d.config[offset] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(d.config[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(d.config[offset:], value)
	}
}
