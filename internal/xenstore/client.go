// Package xenstore speaks the xenstore wire protocol over the daemon's
// unix socket. The bridge uses it to discover guests and their virtio
// device entries and to run the xenbus state handshake with the guest's
// drivers.
package xenstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
)

// Wire operation codes.
const (
	opDirectory  = 1
	opRead       = 2
	opWatch      = 4
	opUnwatch    = 5
	opWrite      = 11
	opMkdir      = 12
	opRm         = 13
	opWatchEvent = 15
	opError      = 16
)

// DefaultSocketPath is where xenstored listens in dom0.
const DefaultSocketPath = "/run/xenstored/socket"

const headerSize = 16

// maxPayload mirrors XENSTORE_PAYLOAD_MAX.
const maxPayload = 4096

// WatchEvent is one firing of a registered watch: the path that changed
// and the token the watch was registered with.
type WatchEvent struct {
	Path  string
	Token string
}

type reply struct {
	op      uint32
	payload []byte
	err     error
}

// Client is a xenstore connection. One reader goroutine demultiplexes
// replies to their issuing request and watch events to the watch
// channel. Safe for concurrent use.
type Client struct {
	log  *slog.Logger
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan reply
	closed  bool
	readErr error

	events chan WatchEvent
}

// Dial connects to xenstored at path.
func Dial(path string, log *slog.Logger) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("xenstore: dial %s: %w", path, err)
	}
	return NewClient(conn, log), nil
}

// NewClient wraps an established connection. Used directly by tests
// over a pipe.
func NewClient(conn net.Conn, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		log:     log,
		conn:    conn,
		pending: make(map[uint32]chan reply),
		events:  make(chan WatchEvent, 64),
	}
	go c.readLoop()
	return c
}

// Events returns the channel watch events arrive on. Closed when the
// connection dies.
func (c *Client) Events() <-chan WatchEvent { return c.events }

func (c *Client) readLoop() {
	defer c.fail(io.EOF)
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			c.fail(err)
			return
		}
		op := binary.LittleEndian.Uint32(hdr[0:])
		reqID := binary.LittleEndian.Uint32(hdr[4:])
		length := binary.LittleEndian.Uint32(hdr[12:])
		if length > maxPayload {
			c.fail(fmt.Errorf("xenstore: oversized reply payload %d", length))
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.fail(err)
			return
		}

		if op == opWatchEvent {
			parts := splitNul(payload)
			if len(parts) < 2 {
				c.log.Warn("malformed watch event", "payload", string(payload))
				continue
			}
			select {
			case c.events <- WatchEvent{Path: parts[0], Token: parts[1]}:
			default:
				c.log.Warn("watch event dropped, consumer too slow", "path", parts[0])
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[reqID]
		delete(c.pending, reqID)
		c.mu.Unlock()
		if !ok {
			c.log.Warn("reply for unknown request", "req_id", reqID, "op", op)
			continue
		}
		ch <- reply{op: op, payload: payload}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.readErr = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: fmt.Errorf("xenstore: connection lost: %w", err)}
	}
	close(c.events)
}

// request issues one operation and waits for its reply.
func (c *Client) request(op uint32, parts ...string) ([]byte, error) {
	payload := joinNul(parts)
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("xenstore: payload exceeds %d bytes", maxPayload)
	}

	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("xenstore: request on closed client: %w", err)
	}
	c.nextID++
	reqID := c.nextID
	ch := make(chan reply, 1)
	c.pending[reqID] = ch
	c.mu.Unlock()

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], op)
	binary.LittleEndian.PutUint32(hdr[4:], reqID)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(payload)))

	c.writeMu.Lock()
	_, err := c.conn.Write(append(hdr[:], payload...))
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, fmt.Errorf("xenstore: write request: %w", err)
	}

	r := <-ch
	if r.err != nil {
		return nil, r.err
	}
	if r.op == opError {
		return nil, fmt.Errorf("xenstore: %s", strings.TrimRight(string(r.payload), "\x00"))
	}
	return r.payload, nil
}

// Read returns the value at path.
func (c *Client) Read(path string) (string, error) {
	p, err := c.request(opRead, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimRight(string(p), "\x00"), nil
}

// Write stores value at path.
func (c *Client) Write(path, value string) error {
	if _, err := c.request(opWrite, path+"\x00"+value); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Directory lists the children of path.
func (c *Client) Directory(path string) ([]string, error) {
	p, err := c.request(opDirectory, path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	return splitNul(p), nil
}

// Mkdir creates path if it does not exist.
func (c *Client) Mkdir(path string) error {
	if _, err := c.request(opMkdir, path); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// Rm removes path and everything below it.
func (c *Client) Rm(path string) error {
	if _, err := c.request(opRm, path); err != nil {
		return fmt.Errorf("rm %s: %w", path, err)
	}
	return nil
}

// Watch registers for change events under path. Events carry the token
// on the Events channel.
func (c *Client) Watch(path, token string) error {
	if _, err := c.request(opWatch, path, token); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	return nil
}

// Unwatch removes a watch registered with Watch.
func (c *Client) Unwatch(path, token string) error {
	if _, err := c.request(opUnwatch, path, token); err != nil {
		return fmt.Errorf("unwatch %s: %w", path, err)
	}
	return nil
}

// Close shuts the connection down. Pending requests fail.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(net.ErrClosed)
	return err
}

// splitNul splits a NUL-separated payload, dropping the trailing empty
// element a terminating NUL produces.
func splitNul(p []byte) []string {
	s := strings.TrimRight(string(p), "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

// joinNul builds a request payload with every part NUL-terminated.
func joinNul(parts []string) []byte {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p)
		b.WriteByte(0)
	}
	return []byte(b.String())
}
