// Package lineconn implements the line-oriented TCP connection to a
// single Global Caché gateway endpoint: CR-terminated framing, a
// background reader pushing into a bounded FIFO, and backoff
// reconnection. It is the "Line Connection" component of the dispatch
// core (C1).
package lineconn

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gc-ir/dispatch/internal/gcerr"
	"github.com/gc-ir/dispatch/internal/gclog"
)

const (
	dialTimeout       = 3 * time.Second
	lineBufferCap     = 1000
	defaultWaitTime   = 30 * time.Second
	reconnectStart    = 1 * time.Second
	reconnectMax      = 30 * time.Second
	reconnectMultiple = 2
	closeQuiesce      = 1 * time.Second
)

var nextID int64

// Connection owns one TCP socket to a gateway. It frames CR-terminated
// ASCII lines, exposes WriteLine/WaitForLine for request/response
// pairing, and self-heals via exponential backoff.
type Connection struct {
	id   int64
	addr string
	log  *gclog.Logger

	mu      sync.Mutex
	netConn net.Conn
	closed  bool

	lines chan string

	readerExited chan struct{}
}

// Dial opens a TCP connection to addr ("host:port") with a 3-second
// connect timeout and starts its background reader. On failure it
// returns an error wrapping gcerr.ErrDeviceUnavailable.
func Dial(addr string) (*Connection, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, &wrapErr{gcerr.ErrDeviceUnavailable, err}
	}
	c := &Connection{
		id:           atomic.AddInt64(&nextID, 1),
		addr:         addr,
		log:          gclog.New("lineconn"),
		netConn:      nc,
		lines:        make(chan string, lineBufferCap),
		readerExited: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ID returns a process-wide monotonic identifier assigned at creation,
// used only for log correlation (not wire-visible).
func (c *Connection) ID() int64 { return c.id }

func (c *Connection) String() string {
	return "Connection(" + c.addr + ", index=" + strconv.FormatInt(c.id, 10) + ")"
}

// WriteLine appends "\r" to s and writes it to the socket. It returns
// gcerr.ErrConnectionClosed if the connection has been closed.
func (c *Connection) WriteLine(s string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return gcerr.ErrConnectionClosed
	}
	nc := c.netConn
	c.mu.Unlock()

	c.log.Printf("%s: write %q", c, s)
	_, err := nc.Write([]byte(s + "\r"))
	return err
}

// WaitForLine pops the next received line from the FIFO, blocking up
// to timeout. Returns gcerr.ErrTimeout if none arrives in time.
func (c *Connection) WaitForLine(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultWaitTime
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case line := <-c.lines:
		return line, nil
	case <-t.C:
		return "", gcerr.ErrTimeout
	}
}

// ClearLineBuffer drains the FIFO without blocking.
func (c *Connection) ClearLineBuffer() {
	for {
		select {
		case <-c.lines:
		default:
			return
		}
	}
}

// JoinedLineBuffer drains the FIFO and joins its contents with "\n",
// for diagnostics when an unexpected line is seen.
func (c *Connection) JoinedLineBuffer() string {
	var lines []string
	for {
		select {
		case l := <-c.lines:
			lines = append(lines, l)
		default:
			return strings.Join(lines, "\n")
		}
	}
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close marks the connection closed, interrupts the reader, waits
// briefly for it to quiesce, and closes the socket. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	nc := c.netConn
	c.mu.Unlock()

	// Unblock a pending Read so the reader observes closed and exits.
	nc.SetReadDeadline(time.Now())

	select {
	case <-c.readerExited:
	case <-time.After(closeQuiesce):
	}
	return nc.Close()
}

func (c *Connection) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netConn
}

// swapConn installs nc as the connection's active socket and closes
// whatever socket it replaces, so a successful reconnect never leaks
// the old file descriptor (mirrors gcdevice.py's reconnect(), which
// closes self.writer before redialing).
func (c *Connection) swapConn(nc net.Conn) {
	c.mu.Lock()
	old := c.netConn
	c.netConn = nc
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// readLoop continuously reads CR-terminated lines and pushes them into
// the bounded FIFO, reconnecting with backoff on transport failure.
func (c *Connection) readLoop() {
	defer close(c.readerExited)
	backoff := reconnectStart
	r := bufio.NewReader(c.currentConn())
	for {
		// Clear any deadline left over from a prior Close attempt that
		// turned out to race a successful read.
		c.currentConn().SetReadDeadline(time.Time{})

		raw, err := r.ReadString('\r')
		if err != nil {
			if c.Closed() {
				return
			}
			// Any read failure on an established TCP socket (EOF,
			// connection reset, incomplete frame) is transport-level
			// and recoverable via reconnect.
			c.log.Printf("%s: read error, reconnecting: %v", c, err)
			var ok bool
			backoff, ok = c.reconnectWithBackoff(backoff)
			if !ok {
				return
			}
			r = bufio.NewReader(c.currentConn())
			continue
		}
		backoff = reconnectStart
		line := strings.TrimRight(raw, "\r\n \t")
		line = strings.ToValidUTF8(line, "�")
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		default:
			// FIFO full: drop the line rather than block the reader.
			c.log.Printf("%s: line buffer full, dropping %q", c, line)
		}
	}
}

// reconnectWithBackoff sleeps the current backoff, attempts one
// redial, and returns the next backoff to use plus whether the
// connection remains usable. On redial failure the connection is
// closed permanently.
func (c *Connection) reconnectWithBackoff(backoff time.Duration) (time.Duration, bool) {
	c.log.Printf("%s: will try to reconnect in %s", c, backoff)
	time.Sleep(backoff)

	next := backoff * reconnectMultiple
	if next > reconnectMax {
		next = reconnectMax
	}

	nc, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		c.log.Printf("%s: reconnect failed, closing permanently: %v", c, err)
		c.forceClose()
		return next, false
	}
	c.swapConn(nc)
	if c.Closed() {
		// Close ran while we were redialing: don't keep the new socket.
		nc.Close()
		return next, false
	}
	c.log.Printf("%s: reconnect successful", c)
	return next, true
}

// forceClose closes the socket without waiting for the reader (called
// from within the reader goroutine itself).
func (c *Connection) forceClose() {
	c.mu.Lock()
	c.closed = true
	nc := c.netConn
	c.mu.Unlock()
	nc.Close()
}

type wrapErr struct {
	kind error
	err  error
}

func (w *wrapErr) Error() string { return w.kind.Error() + ": " + w.err.Error() }
func (w *wrapErr) Unwrap() error { return w.kind }
