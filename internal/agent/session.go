package agent

import (
	"context"
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
	handshaking state = iota
	ready
	terminated
)

// dialed reports the outcome of a local dial back to the loop.
type dialed struct {
	id   string
	conn net.Conn
	err  error
}

// Session is one control connection to the relay. Protocol state is owned
// by the run loop; local dials run on their own goroutines and report back
// through the mailbox.
type Session struct {
	id   string
	cfg  *config.Agent
	ctrl *transport.Control
	mb   *tunnel.Mailbox
	log  util.Logger
	dial func(context.Context) (net.Conn, error)

	ready    atomic.Bool
	circuits atomic.Int32
	done     chan struct{}

	// owned by run
	ctx       context.Context // cancelled on teardown; bounds local dials
	cancel    context.CancelFunc
	state     state
	table     *circuit.Table
	interval  time.Duration
	heartbeat *time.Timer
	pinger    *time.Ticker
	pingSent  time.Time
	err       error
}

func newSession(cfg *config.Agent, conn net.Conn, dial func(context.Context) (net.Conn, error)) *Session {
	id := uuid.NewString()[:8]
	return &Session{
		id:    id,
		cfg:   cfg,
		ctrl:  transport.NewControl(conn, metrics.RoleAgent),
		mb:    tunnel.NewMailbox(),
		log:   util.With("session", id, "relay", conn.RemoteAddr().String()),
		dial:  dial,
		done:  make(chan struct{}),
		table: circuit.NewTable(),
	}
}

func (s *Session) ID() string { return s.id }

// Ready reports whether HELLO has been received and the session is running.
func (s *Session) Ready() bool { return s.ready.Load() }

// Circuits returns the number of registered circuits.
func (s *Session) Circuits() int { return int(s.circuits.Load()) }

// Done is closed after the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended. Valid after Done is closed.
func (s *Session) Err() error { return s.err }

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.log.Info("connected to relay")
	go tunnel.ReadControl(s.ctrl, s.mb)

	var fields map[string]string
	if s.cfg.Authorization != "" {
		fields = map[string]string{protocol.KeyAuthorization: s.cfg.Authorization}
	}
	s.send(protocol.ActionHandshake, fields, nil)

	for s.state != terminated {
		select {
		case ev := <-s.mb.Events():
			s.handle(ev)
		case <-timerC(s.heartbeat):
			// Rearmed by HEARTBEAT_ACK.
			s.send(protocol.ActionHeartbeat, nil, nil)
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
	case dialed:
		s.attach(ev)
	case tunnel.LocalData:
		s.forward(ev.ID, ev.Payload)
	case tunnel.LocalClosed:
		s.localClosed(ev.ID)
	}
}

func (s *Session) handlePacket(pkt *protocol.Packet) {
	switch pkt.Action {
	case protocol.ActionPing:
		s.send(protocol.ActionPong, nil, nil)
		return
	case protocol.ActionPong:
		if !s.pingSent.IsZero() {
			rtt := time.Since(s.pingSent)
			s.pingSent = time.Time{}
			metrics.PingRTT.WithLabelValues(metrics.RoleAgent).Observe(rtt.Seconds())
			s.log.Debug("relay round trip %v", rtt)
		}
		return
	}

	if s.state == handshaking {
		if pkt.Action != protocol.ActionHello {
			s.terminate(fmt.Errorf("%w: %s before HELLO", ErrProtocolViolation, pkt.Action))
			return
		}
		s.hello(pkt)
		return
	}

	switch pkt.Action {
	case protocol.ActionHello:
		s.log.Debug("ignoring repeated HELLO")

	case protocol.ActionHeartbeatAck:
		s.heartbeat.Reset(s.interval)

	case protocol.ActionNewConnection:
		id, ok := s.requireID(pkt)
		if !ok {
			return
		}
		s.open(id)

	case protocol.ActionConnectionCreatedAck:
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
		if !ok {
			return
		}
		if c.Conn() == nil || c.Lingering() {
			// Either the dial is still in flight and its result is discarded
			// on arrival, or the local reader has already reported its end.
			s.closeCircuit(id)
			return
		}
		c.Shutdown()

	default:
		s.log.Debug("ignoring %s", pkt.Action)
	}
}

func (s *Session) hello(pkt *protocol.Packet) {
	ms, err := strconv.Atoi(pkt.Get(protocol.KeyHeartbeatInterval))
	if err != nil || ms <= 0 {
		s.terminate(fmt.Errorf("%w: HELLO without a valid heartbeat interval", ErrProtocolViolation))
		return
	}

	s.state = ready
	s.ready.Store(true)
	s.interval = time.Duration(ms) * time.Millisecond
	s.heartbeat = time.NewTimer(s.interval)
	if p := s.cfg.PingInterval.Std(); p > 0 {
		s.pinger = time.NewTicker(p)
	}
	metrics.ControlSessions.WithLabelValues(metrics.RoleAgent).Inc()

	s.log.Info("relay accepted the handshake, heartbeat every %v", s.interval)
}

func (s *Session) requireID(pkt *protocol.Packet) (string, bool) {
	id := pkt.ID()
	if id == "" {
		s.terminate(fmt.Errorf("%w: %s without id", ErrProtocolViolation, pkt.Action))
		return "", false
	}
	return id, true
}

// open registers a circuit announced by the relay and dials the local
// service for it.
func (s *Session) open(id string) {
	if _, err := s.table.Register(id); err != nil {
		s.log.Warn("[%s] ignoring NEW_CONNECTION: %v", id, err)
		return
	}
	s.circuits.Store(int32(s.table.Len()))

	util.Stats.AddCircuit()
	metrics.CircuitsOpened.WithLabelValues(metrics.RoleAgent).Inc()
	metrics.CircuitsActive.WithLabelValues(metrics.RoleAgent).Inc()

	ctx := s.ctx
	go func() {
		conn, err := s.dial(ctx)
		if !s.mb.Post(dialed{id: id, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

// attach binds a finished local dial to its circuit.
func (s *Session) attach(d dialed) {
	c, ok := s.table.Lookup(d.id)
	if !ok {
		if d.conn != nil {
			d.conn.Close()
		}
		return
	}
	if d.err != nil {
		s.log.Warn("[%s] dial local service: %v", d.id, d.err)
		s.closeCircuit(d.id)
		return
	}

	c.Attach(d.conn)
	go circuit.Pump(d.id, d.conn, s.mb)
	s.send(protocol.ActionConnectionCreated, idField(d.id), nil)
	s.log.Debug("[%s] connected to %s", d.id, d.conn.RemoteAddr())
}

// forward sends local bytes to the relay, or holds them until the relay
// acknowledges the circuit.
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

// localClosed handles the end of a local reader. Bytes the service wrote
// before the relay acknowledged the circuit are still delivered.
func (s *Session) localClosed(id string) {
	c, ok := s.table.Lookup(id)
	if !ok {
		return
	}
	if c.Linger() {
		s.log.Debug("[%s] local service closed, holding %d chunks until acknowledged", id, c.Queued())
		return
	}
	s.closeCircuit(id)
}

// closeCircuit removes a circuit and tells the relay. Unknown ids are
// ignored, so CLOSE goes out at most once per circuit.
func (s *Session) closeCircuit(id string) {
	c, ok := s.table.Remove(id)
	if !ok {
		return
	}
	c.Close()
	s.circuits.Store(int32(s.table.Len()))

	util.Stats.RemoveCircuit()
	metrics.CircuitsActive.WithLabelValues(metrics.RoleAgent).Dec()
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
	wasReady := s.ready.Swap(false)
	s.cancel()

	if s.heartbeat != nil {
		s.heartbeat.Stop()
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
	metrics.CircuitsActive.WithLabelValues(metrics.RoleAgent).Sub(float64(len(drained)))
	s.circuits.Store(0)

	for _, ev := range s.mb.Close() {
		if d, ok := ev.(dialed); ok && d.conn != nil {
			d.conn.Close()
		}
	}

	if wasReady {
		metrics.ControlSessions.WithLabelValues(metrics.RoleAgent).Dec()
	}
	metrics.ControlClosed.WithLabelValues(metrics.RoleAgent, closeReason(s.err)).Inc()

	if errors.Is(s.err, ErrShutdown) {
		s.log.Info("disconnected from relay, %d circuits dropped", len(drained))
	} else {
		s.log.Warn("disconnected from relay: %v (%d circuits dropped)", s.err, len(drained))
	}
}

func closeReason(err error) string {
	switch {
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
