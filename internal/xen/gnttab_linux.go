//go:build linux

package xen

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xenbridge/xenvhost/internal/xen/bindings"
)

// GrantTable maps guest pages by grant reference. Unlike foreign
// mappings this requires the guest's cooperation per page: a revoked or
// never-issued reference fails the map call, it never maps stale memory.
type GrantTable struct {
	h uintptr
}

// OpenGrantTable opens the grant-table device.
func OpenGrantTable() (*GrantTable, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("xen: load toolstack: %w", err)
	}
	h := bindings.XengnttabOpen()
	if h == 0 {
		return nil, fmt.Errorf("xen: xengnttab_open failed")
	}
	return &GrantTable{h: h}, nil
}

// MapRefs maps a run of grant references from one domain into a single
// contiguous read/write view, one page per reference.
func (g *GrantTable) MapRefs(domid uint16, refs []uint32) ([]byte, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("xen: cannot map zero grant refs")
	}
	domids := make([]uint32, len(refs))
	for i := range domids {
		domids[i] = uint32(domid)
	}
	addr := bindings.XengnttabMapGrantRefs(g.h, domids, refs, unix.PROT_READ|unix.PROT_WRITE)
	if addr == nil {
		return nil, fmt.Errorf("xen: map grant refs %v of domain %d failed (revoked or invalid)", refs, domid)
	}
	return unsafe.Slice((*byte)(addr), len(refs)<<PageShift), nil
}

// Unmap releases a view returned by MapRefs.
func (g *GrantTable) Unmap(mem []byte) error {
	if len(mem) == 0 || len(mem)%PageSize != 0 {
		return fmt.Errorf("xen: grant unmap needs a whole-page view, got %d bytes", len(mem))
	}
	if ret := bindings.XengnttabUnmap(g.h, unsafe.Pointer(&mem[0]), uint32(len(mem)>>PageShift)); ret < 0 {
		return fmt.Errorf("xen: grant unmap of %d pages failed (%d)", len(mem)>>PageShift, ret)
	}
	return nil
}

// Close releases the grant-table handle.
func (g *GrantTable) Close() error {
	if g.h != 0 {
		bindings.XengnttabClose(g.h)
		g.h = 0
	}
	return nil
}
