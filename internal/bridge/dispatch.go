// Package bridge connects the hypervisor's I/O request delivery to the
// virtio-mmio device model: it owns the per-guest dispatch loop, routes
// trapped accesses to the device claiming the address, and drives the
// backend handoff when a device finishes negotiation.
package bridge

import (
	"fmt"
	"sort"
)

// MMIOHandler receives guest accesses for one claimed address range.
// Offsets are relative to the range base.
type MMIOHandler interface {
	MMIORead(offset uint64, size uint32) uint64
	MMIOWrite(offset uint64, size uint32, value uint32)
}

type mmioRange struct {
	base    uint64
	size    uint64
	handler MMIOHandler
}

// DispatchTable maps guest-physical address ranges to handlers. It is
// only touched from the guest's dispatch goroutine and during guest
// setup and teardown, which never overlap.
type DispatchTable struct {
	ranges []mmioRange
}

// Register claims [base, base+size) for a handler. Ranges must not
// overlap an existing registration.
func (t *DispatchTable) Register(base, size uint64, h MMIOHandler) error {
	if size == 0 {
		return fmt.Errorf("bridge: register zero-sized range at %#x", base)
	}
	for _, r := range t.ranges {
		if base < r.base+r.size && r.base < base+size {
			return fmt.Errorf("bridge: range [%#x, %#x) overlaps registered [%#x, %#x)",
				base, base+size, r.base, r.base+r.size)
		}
	}
	t.ranges = append(t.ranges, mmioRange{base: base, size: size, handler: h})
	sort.Slice(t.ranges, func(i, j int) bool { return t.ranges[i].base < t.ranges[j].base })
	return nil
}

// Unregister drops the range starting at base.
func (t *DispatchTable) Unregister(base uint64) error {
	for i, r := range t.ranges {
		if r.base == base {
			t.ranges = append(t.ranges[:i], t.ranges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("bridge: no range registered at %#x", base)
}

// Lookup finds the handler claiming addr, along with its range base.
func (t *DispatchTable) Lookup(addr uint64) (MMIOHandler, uint64, bool) {
	i := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].base+t.ranges[i].size > addr
	})
	if i < len(t.ranges) && addr >= t.ranges[i].base {
		return t.ranges[i].handler, t.ranges[i].base, true
	}
	return nil, 0, false
}

// Len returns the number of registered ranges.
func (t *DispatchTable) Len() int { return len(t.ranges) }
