//go:build linux

// Package bindings exposes the Xen toolstack libraries (xendevicemodel,
// xenevtchn, xenforeignmemory, xengnttab) through purego so the bridge
// links against whatever toolstack the host carries at runtime.
//
// This package intentionally provides very low-level bindings; safety
// and ergonomics belong in `internal/xen`.
package bindings

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	loadOnce sync.Once
	loadErr  error

	devicemodelLib   uintptr
	evtchnLib        uintptr
	foreignmemoryLib uintptr
	gnttabLib        uintptr
)

func dlopen(names ...string) (uintptr, error) {
	var lastErr error
	for _, name := range names {
		lib, err := purego.Dlopen(name, purego.RTLD_GLOBAL|purego.RTLD_LAZY)
		if err == nil {
			return lib, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// Load loads the four toolstack libraries and binds every symbol the
// bridge uses. Versioned sonames are preferred so the package works on
// hosts without the -dev packages installed.
func Load() error {
	loadOnce.Do(func() {
		libs := []struct {
			dst   *uintptr
			names []string
		}{
			{&devicemodelLib, []string{"libxendevicemodel.so.1", "libxendevicemodel.so"}},
			{&evtchnLib, []string{"libxenevtchn.so.1", "libxenevtchn.so"}},
			{&foreignmemoryLib, []string{"libxenforeignmemory.so.1", "libxenforeignmemory.so"}},
			{&gnttabLib, []string{"libxengnttab.so.1", "libxengnttab.so"}},
		}
		for _, l := range libs {
			lib, err := dlopen(l.names...)
			if err != nil {
				loadErr = fmt.Errorf("purego dlopen %s: %w", l.names[0], err)
				return
			}
			*l.dst = lib
		}

		// Device model
		purego.RegisterLibFunc(&xendevicemodel_open, devicemodelLib, "xendevicemodel_open")
		purego.RegisterLibFunc(&xendevicemodel_close, devicemodelLib, "xendevicemodel_close")
		purego.RegisterLibFunc(&xendevicemodel_create_ioreq_server, devicemodelLib, "xendevicemodel_create_ioreq_server")
		purego.RegisterLibFunc(&xendevicemodel_destroy_ioreq_server, devicemodelLib, "xendevicemodel_destroy_ioreq_server")
		purego.RegisterLibFunc(&xendevicemodel_set_ioreq_server_state, devicemodelLib, "xendevicemodel_set_ioreq_server_state")
		purego.RegisterLibFunc(&xendevicemodel_map_io_range_to_ioreq_server, devicemodelLib, "xendevicemodel_map_io_range_to_ioreq_server")
		purego.RegisterLibFunc(&xendevicemodel_unmap_io_range_from_ioreq_server, devicemodelLib, "xendevicemodel_unmap_io_range_from_ioreq_server")
		purego.RegisterLibFunc(&xendevicemodel_set_irq_level, devicemodelLib, "xendevicemodel_set_irq_level")
		purego.RegisterLibFunc(&xendevicemodel_nr_vcpus, devicemodelLib, "xendevicemodel_nr_vcpus")

		// Event channels
		purego.RegisterLibFunc(&xenevtchn_open, evtchnLib, "xenevtchn_open")
		purego.RegisterLibFunc(&xenevtchn_close, evtchnLib, "xenevtchn_close")
		purego.RegisterLibFunc(&xenevtchn_fd, evtchnLib, "xenevtchn_fd")
		purego.RegisterLibFunc(&xenevtchn_bind_interdomain, evtchnLib, "xenevtchn_bind_interdomain")
		purego.RegisterLibFunc(&xenevtchn_unbind, evtchnLib, "xenevtchn_unbind")
		purego.RegisterLibFunc(&xenevtchn_pending, evtchnLib, "xenevtchn_pending")
		purego.RegisterLibFunc(&xenevtchn_unmask, evtchnLib, "xenevtchn_unmask")
		purego.RegisterLibFunc(&xenevtchn_notify, evtchnLib, "xenevtchn_notify")

		// Foreign memory
		purego.RegisterLibFunc(&xenforeignmemory_open, foreignmemoryLib, "xenforeignmemory_open")
		purego.RegisterLibFunc(&xenforeignmemory_close, foreignmemoryLib, "xenforeignmemory_close")
		purego.RegisterLibFunc(&xenforeignmemory_map, foreignmemoryLib, "xenforeignmemory_map")
		purego.RegisterLibFunc(&xenforeignmemory_unmap, foreignmemoryLib, "xenforeignmemory_unmap")
		purego.RegisterLibFunc(&xenforeignmemory_map_resource, foreignmemoryLib, "xenforeignmemory_map_resource")
		purego.RegisterLibFunc(&xenforeignmemory_unmap_resource, foreignmemoryLib, "xenforeignmemory_unmap_resource")

		// Grant tables
		purego.RegisterLibFunc(&xengnttab_open, gnttabLib, "xengnttab_open")
		purego.RegisterLibFunc(&xengnttab_close, gnttabLib, "xengnttab_close")
		purego.RegisterLibFunc(&xengnttab_map_grant_refs, gnttabLib, "xengnttab_map_grant_refs")
		purego.RegisterLibFunc(&xengnttab_unmap, gnttabLib, "xengnttab_unmap")
	})
	return loadErr
}

// MustLoad panics if the toolstack libraries cannot be loaded. Callers
// reaching this point already depend on running on a Xen dom0/driver
// domain, so a missing toolstack is a process-scoped failure.
func MustLoad() {
	if err := Load(); err != nil {
		panic(err)
	}
}

var (
	// Device model
	xendevicemodel_open                             func(logger uintptr, flags uint32) uintptr
	xendevicemodel_close                            func(h uintptr) int32
	xendevicemodel_create_ioreq_server              func(h uintptr, domid uint16, handleBufioreq int32, id *uint16) int32
	xendevicemodel_destroy_ioreq_server             func(h uintptr, domid uint16, id uint16) int32
	xendevicemodel_set_ioreq_server_state           func(h uintptr, domid uint16, id uint16, enabled int32) int32
	xendevicemodel_map_io_range_to_ioreq_server     func(h uintptr, domid uint16, id uint16, isMMIO int32, start uint64, end uint64) int32
	xendevicemodel_unmap_io_range_from_ioreq_server func(h uintptr, domid uint16, id uint16, isMMIO int32, start uint64, end uint64) int32
	xendevicemodel_set_irq_level                    func(h uintptr, domid uint16, irq uint32, level uint32) int32
	xendevicemodel_nr_vcpus                         func(h uintptr, domid uint16, vcpus *uint32) int32

	// Event channels
	xenevtchn_open             func(logger uintptr, flags uint32) uintptr
	xenevtchn_close            func(h uintptr) int32
	xenevtchn_fd               func(h uintptr) int32
	xenevtchn_bind_interdomain func(h uintptr, domid uint32, remotePort uint32) int32
	xenevtchn_unbind           func(h uintptr, port uint32) int32
	xenevtchn_pending          func(h uintptr) int32
	xenevtchn_unmask           func(h uintptr, port uint32) int32
	xenevtchn_notify           func(h uintptr, port uint32) int32

	// Foreign memory
	xenforeignmemory_open           func(logger uintptr, flags uint32) uintptr
	xenforeignmemory_close          func(h uintptr) int32
	xenforeignmemory_map            func(h uintptr, domid uint32, prot int32, pages uintptr, pfns *uint64, errs *int32) unsafe.Pointer
	xenforeignmemory_unmap          func(h uintptr, addr unsafe.Pointer, pages uintptr) int32
	xenforeignmemory_map_resource   func(h uintptr, domid uint16, typ uint32, id uint32, frame uintptr, nrFrames uintptr, addr *unsafe.Pointer, prot int32, flags int32) uintptr
	xenforeignmemory_unmap_resource func(h uintptr, res uintptr) int32

	// Grant tables
	xengnttab_open           func(logger uintptr, flags uint32) uintptr
	xengnttab_close          func(h uintptr) int32
	xengnttab_map_grant_refs func(h uintptr, count uint32, domids *uint32, refs *uint32, prot int32) unsafe.Pointer
	xengnttab_unmap          func(h uintptr, start unsafe.Pointer, count uint32) int32
)
