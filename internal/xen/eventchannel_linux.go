//go:build linux

package xen

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/xenbridge/xenvhost/internal/xen/bindings"
)

// EventChannel multiplexes a guest's per-vCPU ioreq notification ports.
// Wait blocks until the guest raises an event or Shutdown is called, so
// the dispatch loop can be stopped from the discovery side without a
// stuck epoll.
type EventChannel struct {
	h      uintptr
	ports  []uint32 // local port per vCPU, index == vCPU id
	epfd   int
	exitfd int
	closed atomic.Bool
}

// OpenEventChannel opens an event-channel handle and the epoll/eventfd
// pair Wait multiplexes over.
func OpenEventChannel() (*EventChannel, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("xen: load toolstack: %w", err)
	}
	h := bindings.XenevtchnOpen()
	if h == 0 {
		return nil, fmt.Errorf("xen: xenevtchn_open failed")
	}

	c := &EventChannel{h: h, epfd: -1, exitfd: -1}

	exitfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("xen: eventfd: %w", err)
	}
	c.exitfd = exitfd

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("xen: epoll_create1: %w", err)
	}
	c.epfd = epfd

	for _, fd := range []int{int(bindings.XenevtchnFd(h)), exitfd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			c.Close()
			return nil, fmt.Errorf("xen: epoll_ctl add %d: %w", fd, err)
		}
	}

	return c, nil
}

// BindDomain binds one interdomain port per vCPU, taking the remote port
// from each ioreq slot on the guest's shared ioreq page.
func (c *EventChannel) BindDomain(domid uint16, page *SharedIOPage) error {
	for vcpu := 0; vcpu < page.VCPUs(); vcpu++ {
		slot, err := page.Slot(uint32(vcpu))
		if err != nil {
			return err
		}
		port := bindings.XenevtchnBindInterdomain(c.h, uint32(domid), slot.VPEport())
		if port < 0 {
			return fmt.Errorf("xen: bind interdomain port for domain %d vcpu %d failed (%d): %w",
				domid, vcpu, port, ErrDomainGone)
		}
		c.ports = append(c.ports, uint32(port))
	}
	return nil
}

// Wait blocks until a notification is pending and returns the local port
// plus the vCPU it belongs to. Returns ErrClosed once Shutdown or Close
// has been called.
func (c *EventChannel) Wait() (port uint32, vcpu uint32, err error) {
	var events [2]unix.EpollEvent
	for {
		if c.closed.Load() {
			return 0, 0, ErrClosed
		}
		n, err := unix.EpollWait(c.epfd, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("xen: epoll_wait: %w", err)
		}
		for _, ev := range events[:n] {
			if int(ev.Fd) == c.exitfd {
				return 0, 0, ErrClosed
			}
		}
		if n == 0 {
			continue
		}

		p := bindings.XenevtchnPending(c.h)
		if p < 0 {
			return 0, 0, fmt.Errorf("xen: evtchn pending failed (%d)", p)
		}
		for i, lp := range c.ports {
			if lp == uint32(p) {
				return uint32(p), uint32(i), nil
			}
		}
		return 0, 0, fmt.Errorf("xen: pending port %d not bound to any vcpu", p)
	}
}

// Port returns the local port bound for a vCPU.
func (c *EventChannel) Port(vcpu uint32) (uint32, bool) {
	if int(vcpu) >= len(c.ports) {
		return 0, false
	}
	return c.ports[vcpu], true
}

// Unmask re-enables delivery on a port after a pending event was taken.
func (c *EventChannel) Unmask(port uint32) error {
	if ret := bindings.XenevtchnUnmask(c.h, port); ret < 0 {
		return fmt.Errorf("xen: unmask port %d failed (%d)", port, ret)
	}
	return nil
}

// Notify signals the remote end, resuming the vCPU waiting on its ioreq.
func (c *EventChannel) Notify(port uint32) error {
	if ret := bindings.XenevtchnNotify(c.h, port); ret < 0 {
		return fmt.Errorf("xen: notify port %d failed (%d)", port, ret)
	}
	return nil
}

// Shutdown wakes any blocked Wait; safe to call more than once.
func (c *EventChannel) Shutdown() {
	if c.closed.CompareAndSwap(false, true) && c.exitfd >= 0 {
		var one = [8]byte{1}
		if _, err := unix.Write(c.exitfd, one[:]); err != nil {
			slog.Warn("xen: event channel shutdown wakeup failed", "error", err)
		}
	}
}

// Close unbinds all ports and releases the handle and fds.
func (c *EventChannel) Close() error {
	c.Shutdown()
	for _, port := range c.ports {
		if ret := bindings.XenevtchnUnbind(c.h, port); ret < 0 {
			slog.Warn("xen: failed to unbind event channel port", "port", port, "ret", ret)
		}
	}
	c.ports = nil
	if c.epfd >= 0 {
		unix.Close(c.epfd)
		c.epfd = -1
	}
	if c.exitfd >= 0 {
		unix.Close(c.exitfd)
		c.exitfd = -1
	}
	if c.h != 0 {
		bindings.XenevtchnClose(c.h)
		c.h = 0
	}
	return nil
}
