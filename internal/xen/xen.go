// Package xen wraps the Xen toolstack primitives the bridge consumes:
// the device model (ioreq servers), inter-domain event channels, foreign
// memory mappings and grant-table mappings. The C libraries are loaded
// at runtime through purego, so the package builds without Xen headers.
package xen

import "errors"

const (
	// PageShift is the Xen page shift. All mapping primitives operate on
	// 4 KiB pages regardless of the guest's own page size.
	PageShift = 12
	PageSize  = 1 << PageShift
)

var (
	// ErrClosed is returned by EventChannel.Wait after Close has been
	// called or the channel's exit event has fired.
	ErrClosed = errors.New("xen: event channel closed")

	// ErrDomainGone reports a primitive failure that is scoped to a
	// single guest domain. Callers tear down the guest and continue.
	ErrDomainGone = errors.New("xen: domain no longer exists")
)

// IRQ levels for DeviceModel.SetIRQLevel.
const (
	IRQLow  = 0
	IRQHigh = 1
)

// GrantRefBit marks a guest "physical" address as a grant-DMA address.
// Guests using grant mappings encode buffer addresses as
// (ref << PageShift) | offset with this bit set.
const GrantRefBit = uint64(1) << 63

// GrantRef extracts the grant reference from a grant-DMA address.
func GrantRef(addr uint64) uint32 {
	return uint32((addr &^ GrantRefBit) >> PageShift)
}

// IsGrantAddr reports whether addr is a grant-DMA address.
func IsGrantAddr(addr uint64) bool {
	return addr&GrantRefBit != 0
}
