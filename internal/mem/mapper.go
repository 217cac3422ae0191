// Package mem translates guest-physical addresses into process-local
// memory views for the backend handoff. Two mutually exclusive
// strategies exist, chosen once at process start: foreign mapping (map
// the whole guest address space up front) and grant mapping (map pages
// on demand through guest-issued grant references).
package mem

import "fmt"

// Mode selects the mapping strategy for the whole process lifetime.
type Mode int

const (
	// ModeGrant maps guest pages on demand by grant reference. The
	// guest must cooperate per buffer; nothing else is exposed.
	ModeGrant Mode = iota
	// ModeForeign maps the entire guest address space at device
	// construction; translation is pure offset arithmetic afterwards.
	ModeForeign
)

func (m Mode) String() string {
	switch m {
	case ModeGrant:
		return "grant"
	case ModeForeign:
		return "foreign"
	default:
		return "invalid"
	}
}

// View is a process-local window over guest memory. Its bounds match
// exactly the requested [addr, addr+len) range.
type View struct {
	addr  uint64
	data  []byte
	ref   uint32 // grant bookkeeping key, grant mode only
	grant bool
}

// Bytes returns the mapped memory. Valid until the view is released or
// the mapper closed.
func (v View) Bytes() []byte { return v.data }

// GuestAddr returns the guest-physical address the view was mapped for.
func (v View) GuestAddr() uint64 { return v.addr }

// Mapper resolves guest-physical ranges to local memory. Implementations
// are not safe for concurrent use; all calls for one device arrive on
// its guest's dispatch goroutine or the device's activation goroutine,
// never both at once.
type Mapper interface {
	// Translate maps [addr, addr+length) and returns a view of exactly
	// that size.
	Translate(addr, length uint64) (View, error)
	// Release returns a view obtained from Translate. Grant mode
	// requires exactly one Release per Translate; double release is a
	// reported defect.
	Release(v View) error
	// Close releases whatever the mapper still holds. Leaked grant
	// mappings are reported, not silently dropped.
	Close() error
}

var errZeroLength = fmt.Errorf("mem: zero-length translation")

// NewView wraps an existing buffer as a view. Engine fakes and tests
// build their queue memory with it; the real mappers construct views
// internally.
func NewView(addr uint64, data []byte) View {
	return View{addr: addr, data: data}
}

// Shared wraps a mapper whose lifetime is owned elsewhere: Close
// becomes a no-op so several devices can hand out the same underlying
// mapping without tearing it down for each other.
func Shared(m Mapper) Mapper { return sharedMapper{m} }

type sharedMapper struct{ Mapper }

func (sharedMapper) Close() error { return nil }
