package xenstore

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is the daemon side of a piped connection.
type fakeStore struct {
	t    *testing.T
	conn net.Conn
}

func newTestClient(t *testing.T) (*Client, *fakeStore) {
	t.Helper()
	client, server := net.Pipe()
	c := NewClient(client, testLogger())
	t.Cleanup(func() { c.Close() })
	return c, &fakeStore{t: t, conn: server}
}

// readRequest consumes one request from the client.
func (s *fakeStore) readRequest() (op, reqID uint32, payload []byte) {
	s.t.Helper()
	var hdr [headerSize]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		s.t.Fatalf("read request header: %v", err)
	}
	op = binary.LittleEndian.Uint32(hdr[0:])
	reqID = binary.LittleEndian.Uint32(hdr[4:])
	length := binary.LittleEndian.Uint32(hdr[12:])
	payload = make([]byte, length)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		s.t.Fatalf("read request payload: %v", err)
	}
	return op, reqID, payload
}

func (s *fakeStore) send(op, reqID uint32, payload string) {
	s.t.Helper()
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], op)
	binary.LittleEndian.PutUint32(hdr[4:], reqID)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(payload)))
	if _, err := s.conn.Write(append(hdr[:], payload...)); err != nil {
		s.t.Fatalf("write reply: %v", err)
	}
}

func TestClientRead(t *testing.T) {
	c, srv := newTestClient(t)

	go func() {
		op, id, payload := srv.readRequest()
		if op != opRead || string(payload) != "backend/i2c/3/0/state\x00" {
			srv.send(opError, id, "EINVAL\x00")
			return
		}
		srv.send(opRead, id, "1\x00")
	}()

	got, err := c.Read("backend/i2c/3/0/state")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "1" {
		t.Errorf("Read = %q, want 1", got)
	}
}

func TestClientReadError(t *testing.T) {
	c, srv := newTestClient(t)

	go func() {
		_, id, _ := srv.readRequest()
		srv.send(opError, id, "ENOENT\x00")
	}()

	if _, err := c.Read("backend/i2c/9/9/state"); err == nil {
		t.Fatalf("missing node read succeeded")
	}
}

func TestClientWrite(t *testing.T) {
	c, srv := newTestClient(t)

	got := make(chan string, 1)
	go func() {
		op, id, payload := srv.readRequest()
		if op != opWrite {
			srv.send(opError, id, "EINVAL\x00")
			return
		}
		got <- string(payload)
		srv.send(opWrite, id, "OK\x00")
	}()

	if err := c.Write("backend/i2c/3/0/state", "2"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if payload := <-got; payload != "backend/i2c/3/0/state\x002\x00" {
		t.Errorf("write payload = %q", payload)
	}
}

func TestClientDirectory(t *testing.T) {
	c, srv := newTestClient(t)

	go func() {
		_, id, _ := srv.readRequest()
		srv.send(opDirectory, id, "1\x003\x007\x00")
	}()

	entries, err := c.Directory("backend/i2c")
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}
	want := []string{"1", "3", "7"}
	if len(entries) != len(want) {
		t.Fatalf("Directory = %v", entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, entries[i], want[i])
		}
	}
}

func TestClientDirectoryEmpty(t *testing.T) {
	c, srv := newTestClient(t)

	go func() {
		_, id, _ := srv.readRequest()
		srv.send(opDirectory, id, "")
	}()

	entries, err := c.Directory("backend/i2c")
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Directory = %v, want empty", entries)
	}
}

func TestClientWatchEventDemux(t *testing.T) {
	c, srv := newTestClient(t)

	go func() {
		op, id, _ := srv.readRequest()
		if op != opWatch {
			srv.send(opError, id, "EINVAL\x00")
			return
		}
		srv.send(opWatch, id, "OK\x00")
		// An unsolicited event follows the ack.
		srv.send(opWatchEvent, 0, "backend/i2c/3/0\x00backend/i2c\x00")
	}()

	if err := c.Watch("backend/i2c", "backend/i2c"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	select {
	case ev := <-c.Events():
		if ev.Path != "backend/i2c/3/0" || ev.Token != "backend/i2c" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch event never delivered")
	}
}

func TestClientConnectionLossFailsPending(t *testing.T) {
	c, srv := newTestClient(t)

	go func() {
		srv.readRequest()
		srv.conn.Close()
	}()

	if _, err := c.Read("backend/i2c"); err == nil {
		t.Fatalf("read survived connection loss")
	}

	// The event channel closes with the connection.
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Errorf("unexpected event after connection loss")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("event channel not closed after connection loss")
	}

	if _, err := c.Read("backend/i2c"); err == nil {
		t.Errorf("read on dead client succeeded")
	}
}
