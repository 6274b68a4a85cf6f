// Package transport carries protocol packets over a control connection and
// serializes writes to any byte stream.
package transport

import (
	"net"
	"sync"

	"github.com/1ureka/rtunnel/internal/metrics"
	"github.com/1ureka/rtunnel/internal/protocol"
	"github.com/1ureka/rtunnel/internal/util"
)

const readBufferSize = 32 * 1024

// Control is one control connection between the relay and an agent. Reads
// are framed by a protocol.Reassembler; writes go through a Writer so any
// goroutine may Send.
type Control struct {
	conn net.Conn
	role string
	out  *Writer

	closeOnce sync.Once
}

// NewControl wraps conn. role is the metrics label of the local side
// (metrics.RoleRelay or metrics.RoleAgent).
func NewControl(conn net.Conn, role string) *Control {
	c := &Control{conn: conn, role: role}
	c.out = NewWriter(conn, func(err error) {
		if err != nil {
			conn.Close()
		}
	})
	return c
}

// Send encodes one packet and queues it for writing. The id and other
// additional fields come from fields; payload may be nil.
func (c *Control) Send(action string, fields map[string]string, payload []byte) error {
	data, err := protocol.Encode(protocol.Header{
		Version:    protocol.Version,
		Action:     action,
		Additional: fields,
	}, payload)
	if err != nil {
		return err
	}

	if !c.out.Send(data) {
		if err := c.out.Err(); err != nil {
			return err
		}
		return ErrClosed
	}

	util.Stats.AddSent(len(data))
	metrics.ControlBytes.WithLabelValues(c.role, metrics.DirOut).Add(float64(len(data)))
	metrics.Packets.WithLabelValues(c.role, metrics.DirOut, action).Inc()
	return nil
}

// Serve reads the connection and calls handle for each complete packet, in
// arrival order. It returns nil once handle returns false, the framing error
// that poisoned the stream, or the read error that ended it.
func (c *Control) Serve(handle func(*protocol.Packet) bool) error {
	r := protocol.NewReassembler()
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			util.Stats.AddRecv(n)
			metrics.ControlBytes.WithLabelValues(c.role, metrics.DirIn).Add(float64(n))

			for pkt, ferr := range r.Feed(buf[:n]) {
				if ferr != nil {
					return ferr
				}
				metrics.Packets.WithLabelValues(c.role, metrics.DirIn, pkt.Action).Inc()
				if !handle(pkt) {
					return nil
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// Close drops any unsent packets and closes the connection.
func (c *Control) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.out.Close()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *Control) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
