package virtio

import "testing"

func TestLookupType(t *testing.T) {
	tests := []struct {
		name      string
		id        uint32
		numQueues int
		queueSize uint16
	}{
		{"net", 1, 2, 256},
		{"blk", 2, 1, 256},
		{"console", 3, 2, 128},
		{"rng", 4, 1, 256},
		{"i2c", 22, 1, 1024},
		{"gpio", 29, 2, 256},
	}
	for _, tt := range tests {
		dt, ok := LookupType(tt.name)
		if !ok {
			t.Errorf("LookupType(%q) not found", tt.name)
			continue
		}
		if dt.ID != tt.id || dt.NumQueues != tt.numQueues || dt.QueueSize != tt.queueSize {
			t.Errorf("LookupType(%q) = %+v", tt.name, dt)
		}
	}

	if _, ok := LookupType("scsi"); ok {
		t.Errorf("LookupType(scsi) unexpectedly found")
	}
}

func TestLookupCompatible(t *testing.T) {
	dt, ok := LookupCompatible("virtio,device22")
	if !ok || dt.Name != "i2c" {
		t.Errorf("LookupCompatible(virtio,device22) = %+v, %v", dt, ok)
	}
	if _, ok := LookupCompatible("virtio,device999"); ok {
		t.Errorf("unknown device id matched")
	}
	if _, ok := LookupCompatible("pci,device22"); ok {
		t.Errorf("non-virtio compatible matched")
	}
}

func TestCompatibleRoundTrip(t *testing.T) {
	for _, dt := range Types() {
		got, ok := LookupCompatible(dt.Compatible())
		if !ok || got.Name != dt.Name {
			t.Errorf("LookupCompatible(%q) = %+v, %v", dt.Compatible(), got, ok)
		}
	}
}
