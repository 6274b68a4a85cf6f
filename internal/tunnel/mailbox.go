// Package tunnel holds the plumbing shared by relay and agent sessions: the
// event mailbox feeding a session loop and the accept loop for listeners.
package tunnel

import (
	"sync"

	"github.com/1ureka/rtunnel/internal/protocol"
	"github.com/1ureka/rtunnel/internal/transport"
)

// MailboxSize is the capacity of a session's event channel.
const MailboxSize = 256

// Events posted by goroutines that feed a session loop.
type (
	// Inbound is a packet read from the control connection.
	Inbound struct{ Packet *protocol.Packet }
	// ControlEnded reports that the control reader stopped.
	ControlEnded struct{ Err error }
	// LocalData is a chunk read from a circuit's local transport.
	LocalData struct {
		ID      string
		Payload []byte
	}
	// LocalClosed reports that a circuit's local transport ended.
	LocalClosed struct {
		ID  string
		Err error
	}
)

// Mailbox is the single entry point into a session loop. Any goroutine may
// Post; only the loop receives. After Close, Post fails and the caller keeps
// ownership of whatever it tried to hand over.
type Mailbox struct {
	events chan any
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		events: make(chan any, MailboxSize),
		done:   make(chan struct{}),
	}
}

// Post delivers ev to the loop. It blocks while the mailbox is full and
// reports false once the mailbox is closed.
func (m *Mailbox) Post(ev any) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// Events is the receive side, read only by the session loop.
func (m *Mailbox) Events() <-chan any { return m.events }

// Done is closed when the mailbox is closed.
func (m *Mailbox) Done() <-chan struct{} { return m.done }

// Close stops delivery and returns the events that were posted but never
// received, so the loop can release resources they carry.
func (m *Mailbox) Close() []any {
	select {
	case <-m.done:
		return nil
	default:
	}
	close(m.done)

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var rest []any
	for {
		select {
		case ev := <-m.events:
			rest = append(rest, ev)
		default:
			return rest
		}
	}
}

// LocalData posts a chunk from circuit id.
func (m *Mailbox) LocalData(id string, p []byte) bool {
	return m.Post(LocalData{ID: id, Payload: p})
}

// LocalClosed posts the end of circuit id's local transport.
func (m *Mailbox) LocalClosed(id string, err error) {
	m.Post(LocalClosed{ID: id, Err: err})
}

// ReadControl feeds every packet from ctrl into m and posts ControlEnded
// when the reader stops. It returns when either side goes away.
func ReadControl(ctrl *transport.Control, m *Mailbox) {
	err := ctrl.Serve(func(pkt *protocol.Packet) bool {
		return m.Post(Inbound{Packet: pkt})
	})
	m.Post(ControlEnded{Err: err})
}
