// Package tunneltest provides helpers for exercising relay and agent
// sessions over loopback connections.
package tunneltest

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/1ureka/rtunnel/internal/protocol"
	"github.com/1ureka/rtunnel/internal/transport"
)

// Timeout bounds every wait in this package.
const Timeout = 3 * time.Second

// Peer drives one end of a control connection by hand.
type Peer struct {
	t      testing.TB
	ctrl   *transport.Control
	pkts   chan *protocol.Packet
	closed chan struct{}
}

// NewPeer wraps conn and starts reading packets from it. The connection is
// closed when the test ends.
func NewPeer(t testing.TB, conn net.Conn, role string) *Peer {
	t.Helper()
	p := &Peer{
		t:      t,
		ctrl:   transport.NewControl(conn, role),
		pkts:   make(chan *protocol.Packet, 1024),
		closed: make(chan struct{}),
	}
	go func() {
		defer close(p.closed)
		p.ctrl.Serve(func(pkt *protocol.Packet) bool {
			p.pkts <- pkt
			return true
		})
	}()
	t.Cleanup(func() { p.ctrl.Close() })
	return p
}

// Dial connects to addr and returns a Peer on the new connection.
func Dial(t testing.TB, addr, role string) *Peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, Timeout)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return NewPeer(t, conn, role)
}

func (p *Peer) Send(action string, fields map[string]string, payload []byte) {
	p.t.Helper()
	if err := p.ctrl.Send(action, fields, payload); err != nil {
		p.t.Fatalf("send %s: %v", action, err)
	}
}

// Expect waits for the next packet and fails the test unless its action is action.
func (p *Peer) Expect(action string) *protocol.Packet {
	p.t.Helper()
	select {
	case pkt := <-p.pkts:
		if pkt.Action != action {
			p.t.Fatalf("got %s (id=%q), want %s", pkt.Action, pkt.ID(), action)
		}
		return pkt
	case <-p.closed:
		select {
		case pkt := <-p.pkts:
			if pkt.Action != action {
				p.t.Fatalf("got %s (id=%q), want %s", pkt.Action, pkt.ID(), action)
			}
			return pkt
		default:
		}
		p.t.Fatalf("connection closed while waiting for %s", action)
	case <-time.After(Timeout):
		p.t.Fatalf("timed out waiting for %s", action)
	}
	return nil
}

// ExpectClosed waits for the remote end to close, discarding packets.
func (p *Peer) ExpectClosed() {
	p.t.Helper()
	deadline := time.After(Timeout)
	for {
		select {
		case <-p.pkts:
		case <-p.closed:
			return
		case <-deadline:
			p.t.Fatal("connection still open")
		}
	}
}

// ExpectSilence fails the test if a packet arrives or the connection closes within d.
func (p *Peer) ExpectSilence(d time.Duration) {
	p.t.Helper()
	select {
	case pkt := <-p.pkts:
		p.t.Fatalf("unexpected %s (id=%q)", pkt.Action, pkt.ID())
	case <-p.closed:
		p.t.Fatal("connection closed unexpectedly")
	case <-time.After(d):
	}
}

// Close closes the peer's end.
func (p *Peer) Close() { p.ctrl.Close() }

// ID builds the additional fields of a circuit packet.
func ID(id string) map[string]string {
	return map[string]string{protocol.KeyID: id}
}

// Listen opens a loopback listener closed at the end of the test.
func Listen(t testing.TB) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// EchoServer starts a TCP echo server. If greeting is non-empty it is written
// to every connection before echoing. It returns the server address.
func EchoServer(t testing.TB, greeting string) string {
	t.Helper()
	ln := Listen(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if greeting != "" {
					if _, err := conn.Write([]byte(greeting)); err != nil {
						return
					}
				}
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// HangUpServer starts a loopback service that writes greeting to every
// connection and closes it, returning its address.
func HangUpServer(t testing.TB, greeting string) string {
	t.Helper()
	ln := Listen(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte(greeting))
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

// ClosedAddr returns a loopback address with nothing listening on it.
func ClosedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// WaitFor polls cond until it holds or Timeout passes.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(Timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ReadFull reads exactly n bytes from conn or fails the test.
func ReadFull(t testing.TB, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(Timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

// ExpectEOF fails the test unless conn is closed by the other side.
func ExpectEOF(t testing.TB, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(Timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1024)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Fatal("connection still open")
		}
		return
	}
}
