package mem

import (
	"fmt"
	"log/slog"

	"github.com/xenbridge/xenvhost/internal/xen"
)

// GrantSource is the hypervisor primitive grant mapping consumes.
// *xen.GrantTable implements it.
type GrantSource interface {
	MapRefs(domid uint16, refs []uint32) ([]byte, error)
	Unmap(mem []byte) error
}

type grantMapping struct {
	mem   []byte
	pages int
	users int
}

// Grant maps guest pages on demand. Buffer addresses carry the grant
// reference (ref<<12 | offset with the grant bit set); each translation
// consumes the covered references and must be matched by exactly one
// Release. Mappings are cached by leading reference while in use.
type Grant struct {
	src    GrantSource
	log    *slog.Logger
	domid  uint16
	active map[uint32]*grantMapping
	closed bool
}

// NewGrant builds a grant-mode mapper for one device of one guest.
func NewGrant(src GrantSource, domid uint16, log *slog.Logger) *Grant {
	if log == nil {
		log = slog.Default()
	}
	return &Grant{
		src:    src,
		log:    log.With("domid", domid),
		domid:  domid,
		active: make(map[uint32]*grantMapping),
	}
}

// Translate maps the grant references covering [addr, addr+length).
// A reference already mapped is shared and refcounted, but a request
// needing more pages than the live mapping covers is surfaced as an
// error rather than silently remapped while in use.
func (g *Grant) Translate(addr, length uint64) (View, error) {
	if length == 0 {
		return View{}, errZeroLength
	}
	if g.closed {
		return View{}, fmt.Errorf("mem: translate on closed grant mapper")
	}
	if !xen.IsGrantAddr(addr) {
		return View{}, fmt.Errorf("mem: %#x is not a grant address; guest negotiated grant mapping", addr)
	}

	ref := xen.GrantRef(addr)
	off := addr & (xen.PageSize - 1)
	pages := int((off + length + xen.PageSize - 1) >> xen.PageShift)

	m, ok := g.active[ref]
	switch {
	case ok && m.pages >= pages:
		m.users++
	case ok:
		return View{}, fmt.Errorf("mem: grant ref %d of domain %d already mapped for %d pages, %d requested while in use",
			ref, g.domid, m.pages, pages)
	default:
		refs := make([]uint32, pages)
		for i := range refs {
			refs[i] = ref + uint32(i)
		}
		mapped, err := g.src.MapRefs(g.domid, refs)
		if err != nil {
			return View{}, fmt.Errorf("mem: map grant ref %d (+%d) of domain %d: %w", ref, pages-1, g.domid, err)
		}
		m = &grantMapping{mem: mapped, pages: pages, users: 1}
		g.active[ref] = m
	}

	return View{
		addr:  addr,
		data:  m.mem[off : off+length : off+length],
		ref:   ref,
		grant: true,
	}, nil
}

// Release drops one user of the view's grant mapping and unmaps it when
// the last user is gone. Releasing a view that was never translated, or
// twice, is a defect and reported.
func (g *Grant) Release(v View) error {
	if !v.grant {
		return fmt.Errorf("mem: release of a non-grant view")
	}
	m, ok := g.active[v.ref]
	if !ok {
		return fmt.Errorf("mem: release of grant ref %d without a live mapping (double release?)", v.ref)
	}
	m.users--
	if m.users > 0 {
		return nil
	}
	delete(g.active, v.ref)
	if err := g.src.Unmap(m.mem); err != nil {
		return fmt.Errorf("mem: unmap grant ref %d of domain %d: %w", v.ref, g.domid, err)
	}
	return nil
}

// ActiveMappings returns the number of live grant mappings.
func (g *Grant) ActiveMappings() int { return len(g.active) }

// Close unmaps anything still held. Live mappings at teardown are leaks:
// each is logged and released best effort, and an error is returned so
// the caller can surface the defect.
func (g *Grant) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	leaked := len(g.active)
	for ref, m := range g.active {
		g.log.Warn("mem: leaked grant mapping at teardown", "ref", ref, "pages", m.pages, "users", m.users)
		if err := g.src.Unmap(m.mem); err != nil {
			g.log.Warn("mem: best-effort unmap of leaked grant mapping failed", "ref", ref, "error", err)
		}
	}
	g.active = make(map[uint32]*grantMapping)
	if leaked > 0 {
		return fmt.Errorf("mem: %d grant mappings of domain %d leaked at teardown", leaked, g.domid)
	}
	return nil
}
