// Package virtio implements the virtio-mmio transport as observed by a
// guest: the register file, feature negotiation and queue configuration
// state machine. It emulates the registers only; moving buffers through
// the rings is the backend's job once a device is activated.
package virtio

import (
	"fmt"
	"strings"
)

// DeviceType describes one supported virtio device type: its designated
// virtio device ID and the queue topology the backend expects. Adding a
// device type is purely a table addition.
type DeviceType struct {
	Name      string
	ID        uint32
	NumQueues int
	QueueSize uint16
}

var deviceTypes = []DeviceType{
	{Name: "net", ID: 1, NumQueues: 2, QueueSize: 256},
	{Name: "blk", ID: 2, NumQueues: 1, QueueSize: 256},
	{Name: "console", ID: 3, NumQueues: 2, QueueSize: 128},
	{Name: "rng", ID: 4, NumQueues: 1, QueueSize: 256},
	{Name: "i2c", ID: 22, NumQueues: 1, QueueSize: 1024},
	{Name: "gpio", ID: 29, NumQueues: 2, QueueSize: 256},
}

// Types returns all supported device types.
func Types() []DeviceType {
	out := make([]DeviceType, len(deviceTypes))
	copy(out, deviceTypes)
	return out
}

// LookupType finds a device type by name ("i2c", "gpio", ...).
func LookupType(name string) (DeviceType, bool) {
	for _, dt := range deviceTypes {
		if dt.Name == name {
			return dt, true
		}
	}
	return DeviceType{}, false
}

// LookupCompatible finds a device type by the compatible string used in
// the configuration store, "virtio,device<id>".
func LookupCompatible(compat string) (DeviceType, bool) {
	id, ok := strings.CutPrefix(compat, "virtio,device")
	if !ok {
		return DeviceType{}, false
	}
	for _, dt := range deviceTypes {
		if fmt.Sprint(dt.ID) == id {
			return dt, true
		}
	}
	return DeviceType{}, false
}

// Compatible returns the configuration-store compatible string for the
// device type.
func (dt DeviceType) Compatible() string {
	return fmt.Sprintf("virtio,device%d", dt.ID)
}
