//go:build linux

package xen

import (
	"fmt"

	"github.com/xenbridge/xenvhost/internal/xen/bindings"
)

// DeviceModel owns one guest's connection to the hypervisor device-model
// interface: the ioreq server trapping MMIO accesses and the virtual IRQ
// lines. One DeviceModel per guest; never shared.
type DeviceModel struct {
	h     uintptr
	domid uint16
	vcpus uint32

	serverID  uint16
	hasServer bool
}

// OpenDeviceModel opens the device-model interface for one guest domain.
func OpenDeviceModel(domid uint16) (*DeviceModel, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("xen: load toolstack: %w", err)
	}
	h := bindings.XendevicemodelOpen()
	if h == 0 {
		return nil, fmt.Errorf("xen: xendevicemodel_open failed")
	}
	d := &DeviceModel{h: h, domid: domid}
	if ret := bindings.XendevicemodelNrVcpus(h, domid, &d.vcpus); ret < 0 {
		d.Close()
		return nil, fmt.Errorf("xen: nr_vcpus for domain %d: %w", domid, ErrDomainGone)
	}
	return d, nil
}

// VCPUCount returns the guest's vCPU count, one ioreq slot each.
func (d *DeviceModel) VCPUCount() int { return int(d.vcpus) }

// ServerID returns the ioreq server identifier.
func (d *DeviceModel) ServerID() uint16 { return d.serverID }

// CreateIoreqServer creates the guest's ioreq server with buffered
// ioreqs disabled; the bridge only serves synchronous MMIO traps.
func (d *DeviceModel) CreateIoreqServer() error {
	var id uint16
	ret := bindings.XendevicemodelCreateIoreqServer(d.h, d.domid, bindings.IoreqServerBufioreqOff, &id)
	if ret < 0 {
		return fmt.Errorf("xen: create ioreq server for domain %d failed (%d)", d.domid, ret)
	}
	d.serverID = id
	d.hasServer = true
	return nil
}

// SetServerState enables or disables ioreq delivery.
func (d *DeviceModel) SetServerState(enabled bool) error {
	var e int32
	if enabled {
		e = 1
	}
	if ret := bindings.XendevicemodelSetIoreqServerState(d.h, d.domid, d.serverID, e); ret < 0 {
		return fmt.Errorf("xen: set ioreq server state for domain %d failed (%d)", d.domid, ret)
	}
	return nil
}

// MapIORange registers [start, start+size) as an MMIO range trapped by
// the guest's ioreq server.
func (d *DeviceModel) MapIORange(start, size uint64) error {
	end := start + size - 1
	if ret := bindings.XendevicemodelMapIoRangeToIoreqServer(d.h, d.domid, d.serverID, 1, start, end); ret < 0 {
		return fmt.Errorf("xen: map io range %#x-%#x for domain %d failed (%d)", start, end, d.domid, ret)
	}
	return nil
}

// UnmapIORange removes a previously registered MMIO range.
func (d *DeviceModel) UnmapIORange(start, size uint64) error {
	end := start + size - 1
	if ret := bindings.XendevicemodelUnmapIoRangeFromIoreqServer(d.h, d.domid, d.serverID, 1, start, end); ret < 0 {
		return fmt.Errorf("xen: unmap io range %#x-%#x for domain %d failed (%d)", start, end, d.domid, ret)
	}
	return nil
}

// SetIRQLevel drives a guest interrupt line.
func (d *DeviceModel) SetIRQLevel(irq uint32, level uint32) error {
	if ret := bindings.XendevicemodelSetIrqLevel(d.h, d.domid, irq, level); ret < 0 {
		return fmt.Errorf("xen: set irq %d level %d for domain %d failed (%d)", irq, level, d.domid, ret)
	}
	return nil
}

// Close disables and destroys the ioreq server and releases the handle.
// Errors are collected best effort; the domain may already be gone.
func (d *DeviceModel) Close() error {
	var firstErr error
	if d.hasServer {
		if err := d.SetServerState(false); err != nil && firstErr == nil {
			firstErr = err
		}
		if ret := bindings.XendevicemodelDestroyIoreqServer(d.h, d.domid, d.serverID); ret < 0 && firstErr == nil {
			firstErr = fmt.Errorf("xen: destroy ioreq server for domain %d failed (%d)", d.domid, ret)
		}
		d.hasServer = false
	}
	if d.h != 0 {
		bindings.XendevicemodelClose(d.h)
		d.h = 0
	}
	return firstErr
}
