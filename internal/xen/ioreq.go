package xen

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Ioreq slot states. The hypervisor writes READY, the emulator moves the
// slot through INPROCESS to RESP_READY and notifies the event channel,
// which resumes the trapped vCPU.
const (
	IoreqStateNone      = 0
	IoreqStateReady     = 1
	IoreqStateInProcess = 2
	IoreqStateRespReady = 3
)

// Ioreq access directions.
const (
	IoreqWrite = 0
	IoreqRead  = 1
)

// Ioreq types. The bridge only emulates MMIO, so everything except COPY
// is completed with a default value and logged.
const (
	IoreqTypePIO        = 0
	IoreqTypeCopy       = 1
	IoreqTypeTimeoffset = 7
	IoreqTypeInvalidate = 8
)

// SlotSize is the size of one ioreq descriptor in the shared ioreq page.
const SlotSize = 32

// Layout of struct ioreq (xen/include/public/hvm/ioreq.h):
//
//	0  uint64 addr
//	8  uint64 data
//	16 uint32 count
//	20 uint32 size
//	24 uint32 vp_eport
//	28 uint16 _pad0
//	30 uint8  state:4, data_is_ptr:1, dir:1, df:1, _pad:1
//	31 uint8  type
const (
	ioreqOffAddr  = 0
	ioreqOffData  = 8
	ioreqOffCount = 16
	ioreqOffSize  = 20
	// The flags byte shares a 32-bit word with _pad0 and type. All
	// state transitions go through atomics on that word, which also
	// provides the ordering the shared page protocol needs.
	ioreqOffFlagsWord = 28

	flagsStateShift     = 16
	flagsStateMask      = uint32(0xf) << flagsStateShift
	flagsDataIsPtrShift = 20
	flagsDirShift       = 21
	flagsTypeShift      = 24
)

// Slot is a view over one ioreq descriptor in the shared ioreq page. It
// is also usable over a plain byte buffer, which is how the dispatch
// tests drive the loop without a hypervisor.
type Slot struct {
	b []byte
}

// NewSlot wraps a 32-byte ioreq descriptor. The buffer must be 4-byte
// aligned; the shared ioreq page and Go-allocated arrays both are.
func NewSlot(b []byte) (Slot, error) {
	if len(b) < SlotSize {
		return Slot{}, fmt.Errorf("xen: ioreq slot needs %d bytes, got %d", SlotSize, len(b))
	}
	if uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return Slot{}, fmt.Errorf("xen: ioreq slot buffer is not 4-byte aligned")
	}
	return Slot{b: b[:SlotSize]}, nil
}

func (s Slot) flagsWord() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.b[ioreqOffFlagsWord]))
}

// State returns the slot's current lifecycle state.
func (s Slot) State() uint8 {
	return uint8((s.flagsWord().Load() & flagsStateMask) >> flagsStateShift)
}

// SetState publishes a new lifecycle state. The atomic update orders the
// state change after any preceding data write, matching the barriers the
// shared-page protocol requires.
func (s Slot) SetState(state uint8) {
	w := s.flagsWord()
	for {
		old := w.Load()
		next := (old &^ flagsStateMask) | (uint32(state) << flagsStateShift & flagsStateMask)
		if w.CompareAndSwap(old, next) {
			return
		}
	}
}

// Addr is the trapped guest-physical address.
func (s Slot) Addr() uint64 { return binary.LittleEndian.Uint64(s.b[ioreqOffAddr:]) }

// Data carries the written value (writes) or the completion value (reads).
func (s Slot) Data() uint64 { return binary.LittleEndian.Uint64(s.b[ioreqOffData:]) }

// SetData writes the completion value for a read access. Callers must
// publish it with SetState(IoreqStateRespReady) afterwards.
func (s Slot) SetData(v uint64) { binary.LittleEndian.PutUint64(s.b[ioreqOffData:], v) }

// Size is the access width in bytes (1, 2, 4 or 8).
func (s Slot) Size() uint32 { return binary.LittleEndian.Uint32(s.b[ioreqOffSize:]) }

// Count is the repeat count; always 1 for the MMIO accesses we serve.
func (s Slot) Count() uint32 { return binary.LittleEndian.Uint32(s.b[ioreqOffCount:]) }

// VPEport is the per-vCPU event channel port for completion notification.
func (s Slot) VPEport() uint32 { return binary.LittleEndian.Uint32(s.b[24:]) }

// IsRead reports whether the access is a read (device to guest).
func (s Slot) IsRead() bool {
	return s.flagsWord().Load()&(1<<flagsDirShift) != 0
}

// DataIsPtr reports whether Data holds a pointer rather than a value.
// Never set for the accesses an MMIO ioreq server receives.
func (s Slot) DataIsPtr() bool {
	return s.flagsWord().Load()&(1<<flagsDataIsPtrShift) != 0
}

// Type returns the ioreq type (IoreqTypeCopy for MMIO).
func (s Slot) Type() uint8 {
	return uint8(s.flagsWord().Load() >> flagsTypeShift)
}

// The setters below exist for the hypervisor side of the protocol; in
// this process they are only exercised by tests standing in for it.

func (s Slot) SetAddr(v uint64)  { binary.LittleEndian.PutUint64(s.b[ioreqOffAddr:], v) }
func (s Slot) SetSize(v uint32)  { binary.LittleEndian.PutUint32(s.b[ioreqOffSize:], v) }
func (s Slot) SetCount(v uint32) { binary.LittleEndian.PutUint32(s.b[ioreqOffCount:], v) }

func (s Slot) SetRead(read bool) {
	s.setFlagBit(flagsDirShift, read)
}

func (s Slot) SetType(t uint8) {
	w := s.flagsWord()
	for {
		old := w.Load()
		next := (old &^ (uint32(0xff) << flagsTypeShift)) | uint32(t)<<flagsTypeShift
		if w.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s Slot) setFlagBit(shift uint, set bool) {
	w := s.flagsWord()
	for {
		old := w.Load()
		next := old &^ (1 << shift)
		if set {
			next |= 1 << shift
		}
		if w.CompareAndSwap(old, next) {
			return
		}
	}
}

// SharedIOPage is the mapped ioreq page of a guest's ioreq server, one
// slot per vCPU.
type SharedIOPage struct {
	mem   []byte
	vcpus int
}

// NewSharedIOPage wraps a mapped ioreq page for a guest with the given
// number of vCPUs.
func NewSharedIOPage(mem []byte, vcpus int) (*SharedIOPage, error) {
	if vcpus <= 0 {
		return nil, fmt.Errorf("xen: shared ioreq page needs at least one vcpu")
	}
	if len(mem) < vcpus*SlotSize {
		return nil, fmt.Errorf("xen: shared ioreq page too small for %d vcpus", vcpus)
	}
	return &SharedIOPage{mem: mem, vcpus: vcpus}, nil
}

// VCPUs returns the number of ioreq slots on the page.
func (p *SharedIOPage) VCPUs() int { return p.vcpus }

// Slot returns the ioreq slot for one vCPU.
func (p *SharedIOPage) Slot(vcpu uint32) (Slot, error) {
	if int(vcpu) >= p.vcpus {
		return Slot{}, fmt.Errorf("xen: no ioreq slot for vcpu %d (have %d)", vcpu, p.vcpus)
	}
	return NewSlot(p.mem[int(vcpu)*SlotSize:])
}
