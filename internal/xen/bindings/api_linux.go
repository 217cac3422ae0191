//go:build linux

package bindings

import "unsafe"

// This file exposes the bound symbols as regular Go functions.
// All functions call MustLoad() before invoking the underlying symbol.

// XENMEM resource types for xenforeignmemory_map_resource.
const (
	ResourceIoreqServer = 0
	ResourceGrantTable  = 1
)

// Frames of the ioreq-server resource. Frame 0 is the buffered ioreq
// page, frame 1 the synchronous ioreq page the bridge serves.
const (
	IoreqServerFrameBufioreq = 0
	IoreqServerFrameIoreq    = 1
)

// HVM_IOREQSRV_BUFIOREQ_OFF disables the buffered ioreq page.
const IoreqServerBufioreqOff = 0

// ---- Device model ----

func XendevicemodelOpen() uintptr {
	MustLoad()
	return xendevicemodel_open(0, 0)
}

func XendevicemodelClose(h uintptr) int32 {
	MustLoad()
	return xendevicemodel_close(h)
}

func XendevicemodelCreateIoreqServer(h uintptr, domid uint16, handleBufioreq int32, id *uint16) int32 {
	MustLoad()
	return xendevicemodel_create_ioreq_server(h, domid, handleBufioreq, id)
}

func XendevicemodelDestroyIoreqServer(h uintptr, domid uint16, id uint16) int32 {
	MustLoad()
	return xendevicemodel_destroy_ioreq_server(h, domid, id)
}

func XendevicemodelSetIoreqServerState(h uintptr, domid uint16, id uint16, enabled int32) int32 {
	MustLoad()
	return xendevicemodel_set_ioreq_server_state(h, domid, id, enabled)
}

func XendevicemodelMapIoRangeToIoreqServer(h uintptr, domid uint16, id uint16, isMMIO int32, start, end uint64) int32 {
	MustLoad()
	return xendevicemodel_map_io_range_to_ioreq_server(h, domid, id, isMMIO, start, end)
}

func XendevicemodelUnmapIoRangeFromIoreqServer(h uintptr, domid uint16, id uint16, isMMIO int32, start, end uint64) int32 {
	MustLoad()
	return xendevicemodel_unmap_io_range_from_ioreq_server(h, domid, id, isMMIO, start, end)
}

func XendevicemodelSetIrqLevel(h uintptr, domid uint16, irq uint32, level uint32) int32 {
	MustLoad()
	return xendevicemodel_set_irq_level(h, domid, irq, level)
}

func XendevicemodelNrVcpus(h uintptr, domid uint16, vcpus *uint32) int32 {
	MustLoad()
	return xendevicemodel_nr_vcpus(h, domid, vcpus)
}

// ---- Event channels ----

func XenevtchnOpen() uintptr {
	MustLoad()
	return xenevtchn_open(0, 0)
}

func XenevtchnClose(h uintptr) int32 {
	MustLoad()
	return xenevtchn_close(h)
}

func XenevtchnFd(h uintptr) int32 {
	MustLoad()
	return xenevtchn_fd(h)
}

func XenevtchnBindInterdomain(h uintptr, domid uint32, remotePort uint32) int32 {
	MustLoad()
	return xenevtchn_bind_interdomain(h, domid, remotePort)
}

func XenevtchnUnbind(h uintptr, port uint32) int32 {
	MustLoad()
	return xenevtchn_unbind(h, port)
}

func XenevtchnPending(h uintptr) int32 {
	MustLoad()
	return xenevtchn_pending(h)
}

func XenevtchnUnmask(h uintptr, port uint32) int32 {
	MustLoad()
	return xenevtchn_unmask(h, port)
}

func XenevtchnNotify(h uintptr, port uint32) int32 {
	MustLoad()
	return xenevtchn_notify(h, port)
}

// ---- Foreign memory ----

func XenforeignmemoryOpen() uintptr {
	MustLoad()
	return xenforeignmemory_open(0, 0)
}

func XenforeignmemoryClose(h uintptr) int32 {
	MustLoad()
	return xenforeignmemory_close(h)
}

func XenforeignmemoryMap(h uintptr, domid uint32, prot int32, pfns []uint64, errs []int32) unsafe.Pointer {
	MustLoad()
	if len(pfns) == 0 {
		return nil
	}
	var errp *int32
	if len(errs) > 0 {
		errp = &errs[0]
	}
	return xenforeignmemory_map(h, domid, prot, uintptr(len(pfns)), &pfns[0], errp)
}

func XenforeignmemoryUnmap(h uintptr, addr unsafe.Pointer, pages uintptr) int32 {
	MustLoad()
	return xenforeignmemory_unmap(h, addr, pages)
}

func XenforeignmemoryMapResource(h uintptr, domid uint16, typ uint32, id uint32, frame, nrFrames uintptr, addr *unsafe.Pointer, prot int32, flags int32) uintptr {
	MustLoad()
	return xenforeignmemory_map_resource(h, domid, typ, id, frame, nrFrames, addr, prot, flags)
}

func XenforeignmemoryUnmapResource(h uintptr, res uintptr) int32 {
	MustLoad()
	return xenforeignmemory_unmap_resource(h, res)
}

// ---- Grant tables ----

func XengnttabOpen() uintptr {
	MustLoad()
	return xengnttab_open(0, 0)
}

func XengnttabClose(h uintptr) int32 {
	MustLoad()
	return xengnttab_close(h)
}

func XengnttabMapGrantRefs(h uintptr, domids []uint32, refs []uint32, prot int32) unsafe.Pointer {
	MustLoad()
	if len(refs) == 0 || len(domids) != len(refs) {
		return nil
	}
	return xengnttab_map_grant_refs(h, uint32(len(refs)), &domids[0], &refs[0], prot)
}

func XengnttabUnmap(h uintptr, start unsafe.Pointer, count uint32) int32 {
	MustLoad()
	return xengnttab_unmap(h, start, count)
}
