package mem

import (
	"fmt"
	"testing"
)

// fakeForeignSource hands out plain buffers and records mapping calls.
type fakeForeignSource struct {
	maps    []struct{ base, size uint64 }
	unmaps  int
	failAt  int // fail the nth MapDomain call, 0 = never
	mapping map[*byte]bool
}

func newFakeForeignSource() *fakeForeignSource {
	return &fakeForeignSource{mapping: make(map[*byte]bool)}
}

func (f *fakeForeignSource) MapDomain(domid uint16, base, size uint64) ([]byte, error) {
	f.maps = append(f.maps, struct{ base, size uint64 }{base, size})
	if f.failAt > 0 && len(f.maps) == f.failAt {
		return nil, fmt.Errorf("injected map failure")
	}
	mem := make([]byte, size)
	f.mapping[&mem[0]] = true
	return mem, nil
}

func (f *fakeForeignSource) Unmap(mem []byte) error {
	f.unmaps++
	delete(f.mapping, &mem[0])
	return nil
}

func TestForeignSingleBank(t *testing.T) {
	src := newFakeForeignSource()
	f, err := NewForeign(src, 3, 512<<20)
	if err != nil {
		t.Fatalf("NewForeign: %v", err)
	}
	defer f.Close()

	if len(src.maps) != 1 {
		t.Fatalf("mapped %d banks, want 1", len(src.maps))
	}
	if src.maps[0].base != GuestRAM0Base || src.maps[0].size != 512<<20 {
		t.Errorf("bank 0 = %#x+%#x", src.maps[0].base, src.maps[0].size)
	}
}

func TestForeignTwoBanks(t *testing.T) {
	src := newFakeForeignSource()
	ram := uint64(GuestRAM0Size) + (256 << 20)
	f, err := NewForeign(src, 3, ram)
	if err != nil {
		t.Fatalf("NewForeign: %v", err)
	}
	defer f.Close()

	if len(src.maps) != 2 {
		t.Fatalf("mapped %d banks, want 2", len(src.maps))
	}
	if src.maps[1].base != GuestRAM1Base || src.maps[1].size != 256<<20 {
		t.Errorf("bank 1 = %#x+%#x", src.maps[1].base, src.maps[1].size)
	}

	// Translation into the high bank.
	v, err := f.Translate(GuestRAM1Base+0x1000, 64)
	if err != nil {
		t.Fatalf("Translate high bank: %v", err)
	}
	if len(v.Bytes()) != 64 {
		t.Errorf("view length = %d", len(v.Bytes()))
	}
}

func TestForeignTranslateOffsets(t *testing.T) {
	src := newFakeForeignSource()
	f, err := NewForeign(src, 3, 1<<20)
	if err != nil {
		t.Fatalf("NewForeign: %v", err)
	}
	defer f.Close()

	v, err := f.Translate(GuestRAM0Base+0x100, 16)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	v.Bytes()[0] = 0xaa

	// A second view of the same address sees the same memory.
	v2, err := f.Translate(GuestRAM0Base+0x100, 16)
	if err != nil {
		t.Fatalf("second Translate: %v", err)
	}
	if v2.Bytes()[0] != 0xaa {
		t.Errorf("views of the same address do not alias")
	}
	if v.GuestAddr() != GuestRAM0Base+0x100 {
		t.Errorf("guest addr = %#x", v.GuestAddr())
	}
}

func TestForeignTranslateOutOfRange(t *testing.T) {
	src := newFakeForeignSource()
	f, err := NewForeign(src, 3, 1<<20)
	if err != nil {
		t.Fatalf("NewForeign: %v", err)
	}
	defer f.Close()

	cases := []struct{ addr, length uint64 }{
		{0x1000, 16},                        // below bank 0
		{GuestRAM0Base + (1 << 20), 16},     // past the mapping
		{GuestRAM0Base + (1 << 20) - 8, 16}, // straddles the end
		{GuestRAM0Base, 0},                  // zero length
	}
	for _, tc := range cases {
		if _, err := f.Translate(tc.addr, tc.length); err == nil {
			t.Errorf("Translate(%#x, %d) succeeded", tc.addr, tc.length)
		}
	}
}

func TestForeignMapFailureRollsBack(t *testing.T) {
	src := newFakeForeignSource()
	src.failAt = 2
	ram := uint64(GuestRAM0Size) + (256 << 20)
	if _, err := NewForeign(src, 3, ram); err == nil {
		t.Fatalf("NewForeign succeeded despite bank failure")
	}
	if len(src.mapping) != 0 {
		t.Errorf("%d mappings leaked after construction failure", len(src.mapping))
	}
}

func TestForeignCloseOnce(t *testing.T) {
	src := newFakeForeignSource()
	f, err := NewForeign(src, 3, 1<<20)
	if err != nil {
		t.Fatalf("NewForeign: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if src.unmaps != 1 {
		t.Errorf("unmapped %d times, want 1", src.unmaps)
	}
	if _, err := f.Translate(GuestRAM0Base, 16); err == nil {
		t.Errorf("Translate succeeded after Close")
	}
}

func TestSharedMapperCloseIsNoop(t *testing.T) {
	src := newFakeForeignSource()
	f, err := NewForeign(src, 3, 1<<20)
	if err != nil {
		t.Fatalf("NewForeign: %v", err)
	}
	s := Shared(f)
	if err := s.Close(); err != nil {
		t.Fatalf("shared Close: %v", err)
	}
	if _, err := f.Translate(GuestRAM0Base, 16); err != nil {
		t.Errorf("underlying mapper closed through shared wrapper: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("owner Close: %v", err)
	}
}
