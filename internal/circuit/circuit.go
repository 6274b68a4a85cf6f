// Package circuit tracks the per-connection state multiplexed over one
// control connection.
package circuit

import (
	"io"
	"net"
	"time"

	"github.com/1ureka/rtunnel/internal/transport"
)

// MaxChunkSize caps the bytes read from a local transport per DATA packet.
const MaxChunkSize = 16 * 1024

// State is the lifecycle of a circuit.
type State int

const (
	// Pending circuits hold outbound bytes until the peer confirms.
	Pending State = iota
	// Created circuits forward bytes immediately.
	Created
	// Closed circuits accept nothing.
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Created:
		return "created"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Circuit is one logical connection tunneled over the control connection.
// It is owned by a single session goroutine and is not safe for concurrent
// use; only its local writer runs on its own goroutine.
type Circuit struct {
	ID string

	state  State
	opened time.Time

	// queue holds local bytes produced before the peer confirmed the circuit.
	queue [][]byte
	// early holds peer bytes that arrived before the local transport was attached.
	early [][]byte
	// lingering is set when the local reader ended while queue was non-empty.
	lingering bool

	conn net.Conn
	out  *transport.Writer
}

// New returns a Pending circuit with no local transport.
func New(id string) *Circuit {
	return &Circuit{ID: id, opened: time.Now()}
}

func (c *Circuit) State() State { return c.state }

// Conn returns the local transport, or nil until Attach.
func (c *Circuit) Conn() net.Conn { return c.conn }

// Age is the time since the circuit was registered.
func (c *Circuit) Age() time.Duration { return time.Since(c.opened) }

// Queued returns the number of chunks held for the peer.
func (c *Circuit) Queued() int { return len(c.queue) }

// Enqueue holds a chunk of local bytes until MarkCreated.
func (c *Circuit) Enqueue(p []byte) {
	if c.state != Pending {
		return
	}
	c.queue = append(c.queue, p)
}

// MarkCreated moves a Pending circuit to Created and hands back the held
// chunks in arrival order. It reports false if the circuit was not Pending.
func (c *Circuit) MarkCreated() ([][]byte, bool) {
	if c.state != Pending {
		return nil, false
	}
	c.state = Created
	queued := c.queue
	c.queue = nil
	return queued, true
}

// Linger keeps a Pending circuit whose local reader has ended so its held
// chunks can still reach the peer once it confirms. It reports false, and
// changes nothing, unless the circuit is Pending with chunks queued.
func (c *Circuit) Linger() bool {
	if c.state != Pending || len(c.queue) == 0 {
		return false
	}
	c.lingering = true
	return true
}

// Lingering reports whether the circuit must be closed right after its
// queue is flushed.
func (c *Circuit) Lingering() bool { return c.lingering }

// Attach binds the local transport and starts its writer. Bytes the peer
// sent before Attach are written first.
func (c *Circuit) Attach(conn net.Conn) {
	if c.conn != nil {
		return
	}
	c.conn = conn
	c.out = transport.NewWriter(conn, func(error) { conn.Close() })

	if c.state == Closed {
		c.out.Close()
		return
	}
	for _, p := range c.early {
		c.out.Send(p)
	}
	c.early = nil
}

// Send writes peer bytes to the local transport, or holds them until Attach.
func (c *Circuit) Send(p []byte) {
	if c.state == Closed {
		return
	}
	if c.out == nil {
		c.early = append(c.early, p)
		return
	}
	c.out.Send(p)
}

// Shutdown closes the local transport after every accepted write has been
// flushed. The circuit stays registered until its reader reports the close.
func (c *Circuit) Shutdown() {
	if c.out != nil {
		c.out.Close()
	}
}

// Close discards held bytes and closes the local transport at once.
func (c *Circuit) Close() {
	c.state = Closed
	c.queue = nil
	c.early = nil
	if c.out != nil {
		c.out.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// Sink receives what a local transport produces. Implementations hand the
// events to their session and report false once the session is gone.
type Sink interface {
	LocalData(id string, p []byte) bool
	LocalClosed(id string, err error)
}

// Pump reads r until it fails and forwards every chunk to sink. Each chunk
// is a fresh slice. The final read error (io.EOF on a clean close) is
// reported through LocalClosed unless the sink already went away.
func Pump(id string, r io.Reader, sink Sink) {
	buf := make([]byte, MaxChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			if !sink.LocalData(id, p) {
				return
			}
		}
		if err != nil {
			sink.LocalClosed(id, err)
			return
		}
	}
}
