package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/rtunnel/internal/circuit"
	"github.com/1ureka/rtunnel/internal/config"
	"github.com/1ureka/rtunnel/internal/metrics"
	"github.com/1ureka/rtunnel/internal/protocol"
	"github.com/1ureka/rtunnel/internal/transport"
	"github.com/1ureka/rtunnel/internal/tunnel"
	"github.com/1ureka/rtunnel/internal/util"
)

type state int

const (
	awaitingHandshake state = iota
	authorized
	terminated
)

// accepted carries a public client from the forward listener into the loop.
type accepted struct{ conn net.Conn }

// Session is one control connection and the circuits multiplexed over it.
// All protocol state is owned by the run loop; the exported accessors are
// safe from any goroutine.
type Session struct {
	id   string
	cfg  *config.Relay
	ctrl *transport.Control
	mb   *tunnel.Mailbox
	log  util.Logger

	authorized atomic.Bool
	circuits   atomic.Int32
	done       chan struct{}

	// owned by run
	state    state
	table    *circuit.Table
	deadline *time.Timer // handshake deadline, then heartbeat deadline
	pinger   *time.Ticker
	pingSent time.Time
	err      error
}

func newSession(cfg *config.Relay, conn net.Conn) *Session {
	id := uuid.NewString()[:8]
	return &Session{
		id:    id,
		cfg:   cfg,
		ctrl:  transport.NewControl(conn, metrics.RoleRelay),
		mb:    tunnel.NewMailbox(),
		log:   util.With("session", id, "remote", conn.RemoteAddr().String()),
		done:  make(chan struct{}),
		table: circuit.NewTable(),
	}
}

// ID is a short random tag used in logs.
func (s *Session) ID() string { return s.id }

// Authorized reports whether the agent completed the handshake and the
// session is still running.
func (s *Session) Authorized() bool { return s.authorized.Load() }

// Circuits returns the number of registered circuits.
func (s *Session) Circuits() int { return int(s.circuits.Load()) }

// Done is closed after the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended. Valid after Done is closed.
func (s *Session) Err() error { return s.err }

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	s.log.Info("control connection opened")
	go tunnel.ReadControl(s.ctrl, s.mb)

	if t := s.cfg.HandshakeTimeout.Std(); t > 0 {
		s.deadline = time.NewTimer(t)
	}

	for s.state != terminated {
		select {
		case ev := <-s.mb.Events():
			s.handle(ev)
		case <-timerC(s.deadline):
			if s.state == authorized {
				s.terminate(ErrHeartbeatTimeout)
			} else {
				s.terminate(ErrHandshakeTimeout)
			}
		case <-tickerC(s.pinger):
			s.pingSent = time.Now()
			s.send(protocol.ActionPing, nil, nil)
		case <-ctx.Done():
			s.terminate(ErrShutdown)
		}
	}

	s.teardown()
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case tunnel.Inbound:
		s.handlePacket(ev.Packet)
	case tunnel.ControlEnded:
		err := ev.Err
		if err == nil {
			err = io.EOF
		}
		s.terminate(err)
	case accepted:
		s.open(ev.conn)
	case tunnel.LocalData:
		s.forward(ev.ID, ev.Payload)
	case tunnel.LocalClosed:
		s.localClosed(ev.ID)
	}
}

func (s *Session) handlePacket(pkt *protocol.Packet) {
	if s.state == awaitingHandshake {
		s.handshake(pkt)
		return
	}

	switch pkt.Action {
	case protocol.ActionHandshake:
		s.log.Debug("ignoring repeated HANDSHAKE")

	case protocol.ActionPing:
		s.send(protocol.ActionPong, nil, nil)

	case protocol.ActionPong:
		if !s.pingSent.IsZero() {
			rtt := time.Since(s.pingSent)
			s.pingSent = time.Time{}
			metrics.PingRTT.WithLabelValues(metrics.RoleRelay).Observe(rtt.Seconds())
			s.log.Debug("agent round trip %v", rtt)
		}

	case protocol.ActionHeartbeat:
		s.deadline.Reset(s.cfg.HeartbeatDeadline())
		s.send(protocol.ActionHeartbeatAck, nil, nil)

	case protocol.ActionConnectionCreated:
		id, ok := s.requireID(pkt)
		if !ok {
			return
		}
		c, ok := s.table.Lookup(id)
		if !ok {
			return
		}
		queued, ok := c.MarkCreated()
		if !ok {
			return
		}
		s.send(protocol.ActionConnectionCreatedAck, idField(id), nil)
		for _, p := range queued {
			s.send(protocol.ActionData, idField(id), p)
		}
		s.log.Debug("[%s] created, flushed %d queued chunks", id, len(queued))
		if c.Lingering() {
			s.closeCircuit(id)
		}

	case protocol.ActionData:
		id, ok := s.requireID(pkt)
		if !ok {
			return
		}
		if c, ok := s.table.Lookup(id); ok {
			c.Send(pkt.Payload)
		}

	case protocol.ActionClose:
		id, ok := s.requireID(pkt)
		if !ok {
			return
		}
		c, ok := s.table.Lookup(id)
		switch {
		case !ok:
		case c.Lingering():
			// The public reader is already gone and will not report again.
			s.closeCircuit(id)
		default:
			c.Shutdown()
		}

	default:
		s.log.Debug("ignoring %s", pkt.Action)
	}
}

func (s *Session) handshake(pkt *protocol.Packet) {
	if pkt.Action != protocol.ActionHandshake {
		s.terminate(fmt.Errorf("%w: %s before HANDSHAKE", ErrHandshakeFailed, pkt.Action))
		return
	}
	if !s.checkSecret(pkt.Get(protocol.KeyAuthorization)) {
		s.terminate(fmt.Errorf("%w: bad authorization", ErrHandshakeFailed))
		return
	}

	s.state = authorized
	s.authorized.Store(true)
	metrics.ControlSessions.WithLabelValues(metrics.RoleRelay).Inc()

	interval := s.cfg.HeartbeatInterval.Std()
	s.send(protocol.ActionHello, map[string]string{
		protocol.KeyHeartbeatInterval: strconv.FormatInt(interval.Milliseconds(), 10),
	}, nil)

	if s.deadline == nil {
		s.deadline = time.NewTimer(s.cfg.HeartbeatDeadline())
	} else {
		s.deadline.Reset(s.cfg.HeartbeatDeadline())
	}
	if p := s.cfg.PingInterval.Std(); p > 0 {
		s.pinger = time.NewTicker(p)
	}

	s.log.Info("agent authorized, heartbeat every %v", interval)
}

func (s *Session) checkSecret(got string) bool {
	if s.cfg.Authorization == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Authorization)) == 1
}

func (s *Session) requireID(pkt *protocol.Packet) (string, bool) {
	id := pkt.ID()
	if id == "" {
		s.terminate(fmt.Errorf("%w: %s without id", ErrProtocolViolation, pkt.Action))
		return "", false
	}
	return id, true
}

// open registers a circuit for a public client and announces it to the agent.
func (s *Session) open(conn net.Conn) {
	c := s.table.Open()
	c.Attach(conn)
	s.circuits.Store(int32(s.table.Len()))

	util.Stats.AddCircuit()
	metrics.CircuitsOpened.WithLabelValues(metrics.RoleRelay).Inc()
	metrics.CircuitsActive.WithLabelValues(metrics.RoleRelay).Inc()
	s.log.Debug("[%s] public connection from %s", c.ID, conn.RemoteAddr())

	go circuit.Pump(c.ID, conn, s.mb)
	s.send(protocol.ActionNewConnection, idField(c.ID), nil)
}

// forward sends public bytes to the agent, or holds them until the circuit
// is Created.
func (s *Session) forward(id string, p []byte) {
	c, ok := s.table.Lookup(id)
	if !ok {
		return
	}
	if c.State() == circuit.Created {
		s.send(protocol.ActionData, idField(id), p)
		return
	}
	c.Enqueue(p)
}

// localClosed handles the end of a public reader. A circuit still waiting
// for the agent keeps its held bytes and is closed once they are flushed.
func (s *Session) localClosed(id string) {
	c, ok := s.table.Lookup(id)
	if !ok {
		return
	}
	if c.Linger() {
		s.log.Debug("[%s] public side closed, holding %d chunks until created", id, c.Queued())
		return
	}
	s.closeCircuit(id)
}

// closeCircuit removes a circuit whose public side ended and tells the agent.
// Unknown ids are ignored, so CLOSE goes out at most once per circuit.
func (s *Session) closeCircuit(id string) {
	c, ok := s.table.Remove(id)
	if !ok {
		return
	}
	c.Close()
	s.circuits.Store(int32(s.table.Len()))

	util.Stats.RemoveCircuit()
	metrics.CircuitsActive.WithLabelValues(metrics.RoleRelay).Dec()
	s.log.Debug("[%s] closed after %v", id, c.Age().Round(time.Millisecond))

	s.send(protocol.ActionClose, idField(id), nil)
}

func (s *Session) send(action string, fields map[string]string, payload []byte) {
	if err := s.ctrl.Send(action, fields, payload); err != nil {
		s.log.Debug("send %s: %v", action, err)
	}
}

// terminate records the first error and stops the loop.
func (s *Session) terminate(err error) {
	if s.state == terminated {
		return
	}
	s.err = err
	s.state = terminated
}

func (s *Session) teardown() {
	wasAuthorized := s.authorized.Swap(false)

	if s.deadline != nil {
		s.deadline.Stop()
	}
	if s.pinger != nil {
		s.pinger.Stop()
	}
	s.ctrl.Close()

	drained := s.table.Drain()
	for _, c := range drained {
		c.Close()
		util.Stats.RemoveCircuit()
	}
	metrics.CircuitsActive.WithLabelValues(metrics.RoleRelay).Sub(float64(len(drained)))
	s.circuits.Store(0)

	for _, ev := range s.mb.Close() {
		if a, ok := ev.(accepted); ok {
			a.conn.Close()
		}
	}

	if wasAuthorized {
		metrics.ControlSessions.WithLabelValues(metrics.RoleRelay).Dec()
	}
	metrics.ControlClosed.WithLabelValues(metrics.RoleRelay, closeReason(s.err)).Inc()

	if errors.Is(s.err, io.EOF) || errors.Is(s.err, ErrShutdown) {
		s.log.Info("control connection closed, %d circuits dropped", len(drained))
	} else {
		s.log.Warn("control connection closed: %v (%d circuits dropped)", s.err, len(drained))
	}
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, ErrHandshakeFailed):
		return "handshake_failed"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.Is(err, protocol.ErrMalformedHeader),
		errors.Is(err, protocol.ErrHeaderTooLarge),
		errors.Is(err, protocol.ErrPayloadTooLarge):
		return "framing"
	default:
		return "error"
	}
}

func idField(id string) map[string]string {
	return map[string]string{protocol.KeyID: id}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
