//go:build linux

package xen

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xenbridge/xenvhost/internal/xen/bindings"
)

// ForeignMemory maps another domain's memory into this process: the
// shared ioreq page of a guest's ioreq server and, in foreign mapping
// mode, whole runs of guest RAM.
type ForeignMemory struct {
	h   uintptr
	res uintptr // ioreq-server resource handle, 0 when unmapped

	// live whole-range mappings, keyed by base pointer
	maps map[uintptr]uintptr // addr -> pages
}

// OpenForeignMemory opens the foreign-memory interface.
func OpenForeignMemory() (*ForeignMemory, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("xen: load toolstack: %w", err)
	}
	h := bindings.XenforeignmemoryOpen()
	if h == 0 {
		return nil, fmt.Errorf("xen: xenforeignmemory_open failed")
	}
	return &ForeignMemory{h: h, maps: make(map[uintptr]uintptr)}, nil
}

// MapIoreqServer maps the synchronous ioreq page of a guest's ioreq
// server and returns the per-vCPU slot view over it.
func (f *ForeignMemory) MapIoreqServer(domid uint16, serverID uint16, vcpus int) (*SharedIOPage, error) {
	var addr unsafe.Pointer
	res := bindings.XenforeignmemoryMapResource(
		f.h, domid, bindings.ResourceIoreqServer, uint32(serverID),
		bindings.IoreqServerFrameIoreq, 1,
		&addr, unix.PROT_READ|unix.PROT_WRITE, 0)
	if res == 0 || addr == nil {
		return nil, fmt.Errorf("xen: map ioreq server resource for domain %d: %w", domid, ErrDomainGone)
	}
	f.res = res
	return NewSharedIOPage(unsafe.Slice((*byte)(addr), PageSize), vcpus)
}

// MapDomain maps [base, base+size) of the guest's physical address space
// into the process. size is rounded up to whole pages.
func (f *ForeignMemory) MapDomain(domid uint16, base, size uint64) ([]byte, error) {
	pages := (size + PageSize - 1) >> PageShift
	if pages == 0 {
		return nil, fmt.Errorf("xen: cannot map zero pages of domain %d", domid)
	}

	pfns := make([]uint64, pages)
	for i := range pfns {
		pfns[i] = (base >> PageShift) + uint64(i)
	}
	errs := make([]int32, pages)

	addr := bindings.XenforeignmemoryMap(f.h, uint32(domid), unix.PROT_READ|unix.PROT_WRITE, pfns, errs)
	if addr == nil {
		return nil, fmt.Errorf("xen: foreign map %#x+%#x of domain %d failed: %w", base, size, domid, ErrDomainGone)
	}
	for i, e := range errs {
		if e != 0 {
			bindings.XenforeignmemoryUnmap(f.h, addr, uintptr(pages))
			return nil, fmt.Errorf("xen: foreign map of domain %d: page %d (pfn %#x) failed (%d)",
				domid, i, pfns[i], e)
		}
	}

	f.maps[uintptr(addr)] = uintptr(pages)
	return unsafe.Slice((*byte)(addr), pages<<PageShift), nil
}

// Unmap releases a mapping previously returned by MapDomain.
func (f *ForeignMemory) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	pages, ok := f.maps[addr]
	if !ok {
		return fmt.Errorf("xen: unmap of unknown foreign mapping %#x", addr)
	}
	delete(f.maps, addr)
	if ret := bindings.XenforeignmemoryUnmap(f.h, unsafe.Pointer(addr), pages); ret < 0 {
		return fmt.Errorf("xen: foreign unmap %#x (%d pages) failed (%d)", addr, pages, ret)
	}
	return nil
}

// Close releases every live mapping, the ioreq-server resource and the
// handle. Unmap failures against a dying domain are logged, not fatal.
func (f *ForeignMemory) Close() error {
	for addr, pages := range f.maps {
		if ret := bindings.XenforeignmemoryUnmap(f.h, unsafe.Pointer(addr), pages); ret < 0 {
			slog.Warn("xen: failed to release foreign mapping", "addr", fmt.Sprintf("%#x", addr), "pages", pages, "ret", ret)
		}
	}
	f.maps = make(map[uintptr]uintptr)
	if f.res != 0 {
		if ret := bindings.XenforeignmemoryUnmapResource(f.h, f.res); ret < 0 {
			slog.Warn("xen: failed to release ioreq server resource", "ret", ret)
		}
		f.res = 0
	}
	if f.h != 0 {
		bindings.XenforeignmemoryClose(f.h)
		f.h = 0
	}
	return nil
}
