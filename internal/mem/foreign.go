package mem

import (
	"fmt"
)

// Guest RAM bank layout. Bank 0 carries up to 3 GiB of low RAM at 1 GiB;
// anything beyond spills into bank 1.
const (
	GuestRAM0Base = 0x40000000
	GuestRAM0Size = 0xc0000000
	GuestRAM1Base = 0x0200000000
)

// ForeignSource is the hypervisor primitive foreign mapping consumes.
// *xen.ForeignMemory implements it.
type ForeignSource interface {
	MapDomain(domid uint16, base, size uint64) ([]byte, error)
	Unmap(mem []byte) error
}

type foreignBank struct {
	base uint64
	mem  []byte
}

// Foreign maps the guest's whole physical address space at construction;
// Translate never calls back into the hypervisor.
type Foreign struct {
	src    ForeignSource
	domid  uint16
	banks  []foreignBank
	closed bool
}

// NewForeign maps ramSize bytes of guest RAM across the standard banks.
// Failing to map is a device-construction failure; the caller isolates
// it to the affected device.
func NewForeign(src ForeignSource, domid uint16, ramSize uint64) (*Foreign, error) {
	if ramSize == 0 {
		return nil, fmt.Errorf("mem: foreign mapping of domain %d: zero RAM size", domid)
	}

	type bankSpec struct{ base, size uint64 }
	specs := []bankSpec{{GuestRAM0Base, min(ramSize, GuestRAM0Size)}}
	if ramSize > GuestRAM0Size {
		specs = append(specs, bankSpec{GuestRAM1Base, ramSize - GuestRAM0Size})
	}

	f := &Foreign{src: src, domid: domid}
	for _, s := range specs {
		mem, err := src.MapDomain(domid, s.base, s.size)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("mem: foreign map bank %#x+%#x of domain %d: %w", s.base, s.size, domid, err)
		}
		f.banks = append(f.banks, foreignBank{base: s.base, mem: mem})
	}
	return f, nil
}

// Translate is a pure offset computation into the mapped banks.
func (f *Foreign) Translate(addr, length uint64) (View, error) {
	if length == 0 {
		return View{}, errZeroLength
	}
	if f.closed {
		return View{}, fmt.Errorf("mem: translate on closed foreign mapping")
	}
	for _, b := range f.banks {
		if addr >= b.base && addr+length <= b.base+uint64(len(b.mem)) {
			off := addr - b.base
			return View{addr: addr, data: b.mem[off : off+length : off+length]}, nil
		}
	}
	return View{}, fmt.Errorf("mem: address %#x+%#x outside mapped RAM of domain %d", addr, length, f.domid)
}

// Release is a no-op; the single whole-space mapping outlives all views.
func (f *Foreign) Release(View) error { return nil }

// Close unmaps the banks exactly once.
func (f *Foreign) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	var firstErr error
	for _, b := range f.banks {
		if err := f.src.Unmap(b.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.banks = nil
	return firstErr
}
