package virtio

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// MMIOSize is the size of the virtio-mmio register window.
const MMIOSize = 0x200

// Register offsets (virtio-mmio version 2).
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100

	regQueuePFNLegacy = 0x040
)

const (
	magicValue  = 0x74726976 // "virt"
	vendorID    = 0x58454e56 // "XENV"
	mmioVersion = 2
)

// Device status bits.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

// Interrupt status bits.
const (
	InterruptVRing  = 1 << 0
	InterruptConfig = 1 << 1
)

// FeatureVersion1 is the virtio 1.0 feature bit, always offered.
const FeatureVersion1 = uint64(1) << 32

// State is the top-level device lifecycle state, advanced only by guest
// status-register writes.
type State int

const (
	StateReset State = iota
	StateAcknowledged
	StateDriverPresent
	StateFeaturesNegotiated
	StateQueuesConfiguring
	StateDriverOK
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateAcknowledged:
		return "acknowledged"
	case StateDriverPresent:
		return "driver-present"
	case StateFeaturesNegotiated:
		return "features-negotiated"
	case StateQueuesConfiguring:
		return "queues-configuring"
	case StateDriverOK:
		return "driver-ok"
	default:
		return "invalid"
	}
}

// Action tells the caller what a register write set in motion beyond
// updating the register file.
type Action int

const (
	// ActionNone: register file updated (or the write was ignored).
	ActionNone Action = iota
	// ActionNotify: the guest kicked a queue; forward to the backend.
	ActionNotify
	// ActionActivate: negotiation reached its terminal condition; hand
	// the queues to the backend. Emitted exactly once per reset cycle.
	ActionActivate
	// ActionReset: the guest reset the device; tear down backend state.
	ActionReset
)

// Emulator is the per-device virtio-mmio register file and negotiation
// state machine. All register accesses for one guest arrive on that
// guest's dispatch goroutine, so no locking is needed except for the
// interrupt status, which the backend's completion path also touches.
type Emulator struct {
	log *slog.Logger

	devType  DeviceType
	features uint64 // offered device features

	status           uint32
	queueSel         uint32
	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   [2]uint32
	configGeneration uint32
	interruptStatus  atomic.Uint32

	queues    []Queue
	activated bool

	// Device config space access, forwarded to the backend's config.
	// Nil handlers read zero and discard writes.
	ReadConfig  func(offset uint64, size uint32) uint32
	WriteConfig func(offset uint64, size uint32, value uint32)
}

// NewEmulator builds the register file for one device of the given type.
func NewEmulator(devType DeviceType, log *slog.Logger) *Emulator {
	if log == nil {
		log = slog.Default()
	}
	e := &Emulator{
		log:      log.With("device", devType.Name),
		devType:  devType,
		features: FeatureVersion1,
		queues:   make([]Queue, devType.NumQueues),
	}
	for i := range e.queues {
		e.queues[i].index = i
		e.queues[i].maxSize = devType.QueueSize
	}
	return e
}

// Type returns the emulated device type.
func (e *Emulator) Type() DeviceType { return e.devType }

// State derives the top-level lifecycle state from the status register
// and queue progress.
func (e *Emulator) State() State {
	switch {
	case e.status&StatusDriverOK != 0:
		return StateDriverOK
	case e.status&StatusFeaturesOK != 0:
		for i := range e.queues {
			if e.queues[i].SubState() != QueueSelected {
				return StateQueuesConfiguring
			}
		}
		return StateFeaturesNegotiated
	case e.status&StatusDriver != 0:
		return StateDriverPresent
	case e.status&StatusAcknowledge != 0:
		return StateAcknowledged
	default:
		return StateReset
	}
}

// Queues returns the device's queues. The slice is owned by the
// emulator; callers must not retain it across a reset.
func (e *Emulator) Queues() []*Queue {
	qs := make([]*Queue, len(e.queues))
	for i := range e.queues {
		qs[i] = &e.queues[i]
	}
	return qs
}

// NegotiatedFeatures returns the feature bits the driver acknowledged.
func (e *Emulator) NegotiatedFeatures() uint64 {
	return uint64(e.driverFeatures[0]) | uint64(e.driverFeatures[1])<<32
}

// Activated reports whether the backend handoff already happened.
func (e *Emulator) Activated() bool { return e.activated }

// RaiseInterrupt sets interrupt-status bits. Safe to call from the
// backend's completion goroutine.
func (e *Emulator) RaiseInterrupt(mask uint32) {
	e.interruptStatus.Or(mask)
}

// InterruptStatus returns the current interrupt-status bits.
func (e *Emulator) InterruptStatus() uint32 {
	return e.interruptStatus.Load()
}

// ConfigChanged advances the config generation and flags a config
// interrupt. Must not race guest register accesses; call it from the
// same goroutine that delivers them.
func (e *Emulator) ConfigChanged() {
	e.configGeneration++
	e.interruptStatus.Or(InterruptConfig)
}

func (e *Emulator) selectedQueue() *Queue {
	if int(e.queueSel) >= len(e.queues) {
		return nil
	}
	return &e.queues[e.queueSel]
}

func (e *Emulator) allQueuesReady() bool {
	for i := range e.queues {
		if !e.queues[i].ready {
			return false
		}
	}
	return true
}

// violation logs a tolerated guest protocol violation. The register file
// stays unchanged and the access still completes normally.
func (e *Emulator) violation(msg string, args ...any) {
	e.log.Warn("virtio-mmio: "+msg, args...)
}

// ReadRegister handles a guest read. Reads never change device state.
func (e *Emulator) ReadRegister(offset uint64, size uint32) uint64 {
	switch offset {
	case RegMagicValue:
		return magicValue
	case RegVersion:
		return mmioVersion
	case RegDeviceID:
		return uint64(e.devType.ID)
	case RegVendorID:
		return vendorID
	case RegDeviceFeatures:
		if e.deviceFeatureSel > 1 {
			return 0
		}
		return (e.features >> (32 * e.deviceFeatureSel)) & 0xffffffff
	case RegDeviceFeaturesSel:
		return uint64(e.deviceFeatureSel)
	case RegDriverFeatures:
		if e.driverFeatureSel > 1 {
			return 0
		}
		return uint64(e.driverFeatures[e.driverFeatureSel])
	case RegDriverFeaturesSel:
		return uint64(e.driverFeatureSel)
	case RegQueueSel:
		return uint64(e.queueSel)
	case RegQueueNumMax:
		if q := e.selectedQueue(); q != nil {
			return uint64(q.maxSize)
		}
		return 0
	case RegQueueNum:
		if q := e.selectedQueue(); q != nil {
			return uint64(q.size)
		}
		return 0
	case RegQueueReady:
		if q := e.selectedQueue(); q != nil && q.ready {
			return 1
		}
		return 0
	case RegQueueDescLow, RegQueueDescHigh, RegQueueAvailLow, RegQueueAvailHigh, RegQueueUsedLow, RegQueueUsedHigh:
		q := e.selectedQueue()
		if q == nil {
			return 0
		}
		var addr uint64
		switch offset {
		case RegQueueDescLow, RegQueueDescHigh:
			addr = q.descAddr
		case RegQueueAvailLow, RegQueueAvailHigh:
			addr = q.availAddr
		default:
			addr = q.usedAddr
		}
		if offset == RegQueueDescHigh || offset == RegQueueAvailHigh || offset == RegQueueUsedHigh {
			return addr >> 32
		}
		return addr & 0xffffffff
	case RegInterruptStatus:
		return uint64(e.interruptStatus.Load())
	case RegStatus:
		return uint64(e.status)
	case RegConfigGeneration:
		return uint64(e.configGeneration)
	default:
		if offset >= RegConfig && offset < MMIOSize {
			if e.ReadConfig != nil {
				return uint64(e.ReadConfig(offset-RegConfig, size))
			}
			return 0
		}
		e.violation("read of unknown register", "offset", fmt.Sprintf("%#x", offset))
		return 0
	}
}

// WriteRegister handles a guest write and reports what it set in motion.
// Writes invalid for the current state are ignored and logged; the
// register file is left unchanged.
func (e *Emulator) WriteRegister(offset uint64, size uint32, value uint32) (Action, int) {
	switch offset {
	case RegDeviceFeaturesSel:
		e.deviceFeatureSel = value
	case RegDriverFeaturesSel:
		e.driverFeatureSel = value
	case RegDriverFeatures:
		if e.status&StatusFeaturesOK != 0 {
			e.violation("driver features written after FEATURES_OK", "value", fmt.Sprintf("%#x", value))
			return ActionNone, 0
		}
		if e.driverFeatureSel > 1 {
			e.violation("driver features written with invalid selector", "sel", e.driverFeatureSel)
			return ActionNone, 0
		}
		e.driverFeatures[e.driverFeatureSel] = value
	case RegQueueSel:
		if int(value) >= len(e.queues) {
			e.violation("queue selector out of range", "sel", value, "queues", len(e.queues))
			return ActionNone, 0
		}
		e.queueSel = value
	case RegQueueNum:
		q := e.selectedQueue()
		if q == nil {
			return ActionNone, 0
		}
		if q.ready {
			e.violation("queue size written to ready queue", "queue", q.index)
			return ActionNone, 0
		}
		if value == 0 || value > uint32(q.maxSize) {
			e.violation("invalid queue size", "queue", q.index, "size", value, "max", q.maxSize)
			return ActionNone, 0
		}
		q.size = uint16(value)
	case RegQueueDescLow, RegQueueDescHigh, RegQueueAvailLow, RegQueueAvailHigh, RegQueueUsedLow, RegQueueUsedHigh:
		q := e.selectedQueue()
		if q == nil {
			return ActionNone, 0
		}
		if q.ready {
			e.violation("ring address written to ready queue", "queue", q.index)
			return ActionNone, 0
		}
		e.writeQueueAddr(q, offset, value)
	case RegQueueReady:
		return e.writeQueueReady(value)
	case RegQueueNotify:
		if int(value) >= len(e.queues) || !e.queues[value].ready {
			e.violation("notify for unready queue", "queue", value)
			return ActionNone, 0
		}
		return ActionNotify, int(value)
	case RegInterruptAck:
		e.interruptStatus.And(^value)
	case RegStatus:
		return e.writeStatus(value)
	case regQueuePFNLegacy:
		e.violation("legacy queue PFN write; only virtio-mmio version 2 is offered", "value", fmt.Sprintf("%#x", value))
	default:
		if offset >= RegConfig && offset < MMIOSize {
			if e.WriteConfig != nil {
				e.WriteConfig(offset-RegConfig, size, value)
				e.configGeneration++
			}
			return ActionNone, 0
		}
		e.violation("write to unknown register", "offset", fmt.Sprintf("%#x", offset), "value", fmt.Sprintf("%#x", value))
	}
	return ActionNone, 0
}

func (e *Emulator) writeQueueAddr(q *Queue, offset uint64, value uint32) {
	set := func(addr *uint64, high bool) {
		if high {
			*addr = (*addr &^ (uint64(0xffffffff) << 32)) | uint64(value)<<32
		} else {
			*addr = (*addr &^ uint64(0xffffffff)) | uint64(value)
		}
	}
	switch offset {
	case RegQueueDescLow:
		set(&q.descAddr, false)
	case RegQueueDescHigh:
		set(&q.descAddr, true)
	case RegQueueAvailLow:
		set(&q.availAddr, false)
	case RegQueueAvailHigh:
		set(&q.availAddr, true)
	case RegQueueUsedLow:
		set(&q.usedAddr, false)
	case RegQueueUsedHigh:
		set(&q.usedAddr, true)
	}
}

func (e *Emulator) writeQueueReady(value uint32) (Action, int) {
	q := e.selectedQueue()
	if q == nil {
		return ActionNone, 0
	}
	if value&1 == 0 {
		if e.status&StatusDriverOK != 0 {
			e.violation("queue un-readied after DRIVER_OK", "queue", q.index)
			return ActionNone, 0
		}
		q.reset()
		return ActionNone, 0
	}
	if e.status&StatusDriverOK != 0 {
		e.violation("queue readied after DRIVER_OK", "queue", q.index)
		return ActionNone, 0
	}
	if q.SubState() != QueueAddressSet {
		e.violation("queue readied before size and ring addresses were set",
			"queue", q.index, "substate", q.SubState().String())
		return ActionNone, 0
	}
	q.ready = true
	return ActionNone, 0
}

func (e *Emulator) writeStatus(value uint32) (Action, int) {
	if value == 0 {
		wasActive := e.activated
		e.resetState()
		if wasActive {
			return ActionReset, 0
		}
		return ActionNone, 0
	}

	// Bits only accumulate; anything else is a violation.
	if value&e.status != e.status {
		e.violation("status write clears bits without reset",
			"old", fmt.Sprintf("%#x", e.status), "new", fmt.Sprintf("%#x", value))
		return ActionNone, 0
	}
	added := value &^ e.status

	if added&StatusDriver != 0 && value&StatusAcknowledge == 0 {
		e.violation("DRIVER set before ACKNOWLEDGE")
		return ActionNone, 0
	}
	if added&StatusFeaturesOK != 0 && value&StatusDriver == 0 {
		e.violation("FEATURES_OK set before DRIVER")
		return ActionNone, 0
	}
	if added&StatusFeaturesOK != 0 {
		// Reject feature sets we never offered; the driver re-reads
		// status, sees FEATURES_OK clear and fails cleanly.
		if e.NegotiatedFeatures()&^e.features != 0 {
			e.violation("driver acknowledged unoffered features",
				"driver", fmt.Sprintf("%#x", e.NegotiatedFeatures()),
				"offered", fmt.Sprintf("%#x", e.features))
			return ActionNone, 0
		}
	}
	if added&StatusDriverOK != 0 {
		if value&StatusFeaturesOK == 0 {
			e.violation("DRIVER_OK set before FEATURES_OK")
			return ActionNone, 0
		}
		if !e.allQueuesReady() {
			e.violation("DRIVER_OK set with unready queues")
			return ActionNone, 0
		}
	}

	e.status = value

	if e.status&StatusDriverOK != 0 && e.allQueuesReady() && !e.activated {
		e.activated = true
		return ActionActivate, 0
	}
	return ActionNone, 0
}

func (e *Emulator) resetState() {
	e.status = 0
	e.queueSel = 0
	e.deviceFeatureSel = 0
	e.driverFeatureSel = 0
	e.driverFeatures = [2]uint32{}
	e.configGeneration = 0
	e.interruptStatus.Store(0)
	e.activated = false
	for i := range e.queues {
		e.queues[i].reset()
	}
}
