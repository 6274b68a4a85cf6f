package agent

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/1ureka/rtunnel/internal/config"
	"github.com/1ureka/rtunnel/internal/metrics"
	"github.com/1ureka/rtunnel/internal/protocol"
	"github.com/1ureka/rtunnel/internal/tunnel/tunneltest"
)

const testSecret = "secret"

// fakeRelay accepts agent connections and hands each to the test as a Peer.
type fakeRelay struct {
	ln    net.Listener
	peers chan *tunneltest.Peer
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{ln: tunneltest.Listen(t), peers: make(chan *tunneltest.Peer, 4)}
	go func() {
		for {
			conn, err := f.ln.Accept()
			if err != nil {
				return
			}
			f.peers <- tunneltest.NewPeer(t, conn, metrics.RoleRelay)
		}
	}()
	return f
}

func (f *fakeRelay) accept(t *testing.T) *tunneltest.Peer {
	t.Helper()
	select {
	case p := <-f.peers:
		return p
	case <-time.After(tunneltest.Timeout):
		t.Fatal("agent did not connect")
		return nil
	}
}

func agentConfig(t *testing.T, relayAddr, serverAddr string) *config.Agent {
	t.Helper()
	cfg := config.DefaultAgent()
	cfg.Authorization = testSecret
	cfg.DialTimeout = config.Duration(time.Second)

	host, port, _ := net.SplitHostPort(relayAddr)
	cfg.RelayHost = host
	cfg.RelayPort, _ = strconv.Atoi(port)

	host, port, _ = net.SplitHostPort(serverAddr)
	cfg.ServerHost = host
	cfg.ServerPort, _ = strconv.Atoi(port)
	return cfg
}

// startAgent runs an agent until the test ends. The returned channel
// yields Run's result.
func startAgent(t *testing.T, cfg *config.Agent) (*Agent, <-chan error) {
	t.Helper()
	a := New(cfg)
	return a, runAgent(t, a)
}

func runAgent(t *testing.T, a *Agent) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- a.Run(ctx)
		close(stopped)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(tunneltest.Timeout):
			t.Error("agent did not stop")
		}
	})
	return done
}

// handshake consumes the agent's HANDSHAKE and replies HELLO.
func handshake(t *testing.T, relay *tunneltest.Peer, intervalMs int) {
	t.Helper()
	pkt := relay.Expect(protocol.ActionHandshake)
	if got := pkt.Get(protocol.KeyAuthorization); got != testSecret {
		t.Fatalf("authorization = %q, want %q", got, testSecret)
	}
	relay.Send(protocol.ActionHello, map[string]string{
		protocol.KeyHeartbeatInterval: strconv.Itoa(intervalMs),
	}, nil)
}

func TestHeartbeatSchedule(t *testing.T) {
	fr := newFakeRelay(t)
	startAgent(t, agentConfig(t, fr.ln.Addr().String(), tunneltest.ClosedAddr(t)))

	relay := fr.accept(t)
	handshake(t, relay, 50)

	relay.Expect(protocol.ActionHeartbeat)
	// No second heartbeat until the first is acknowledged.
	relay.ExpectSilence(150 * time.Millisecond)

	relay.Send(protocol.ActionHeartbeatAck, nil, nil)
	relay.Expect(protocol.ActionHeartbeat)
}

func TestHelloValidation(t *testing.T) {
	tests := []struct {
		name  string
		field map[string]string
	}{
		{"missing interval", nil},
		{"zero interval", map[string]string{protocol.KeyHeartbeatInterval: "0"}},
		{"non-numeric interval", map[string]string{protocol.KeyHeartbeatInterval: "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := newFakeRelay(t)
			_, done := startAgent(t, agentConfig(t, fr.ln.Addr().String(), tunneltest.ClosedAddr(t)))

			relay := fr.accept(t)
			relay.Expect(protocol.ActionHandshake)
			relay.Send(protocol.ActionHello, tt.field, nil)
			relay.ExpectClosed()

			select {
			case err := <-done:
				if !errors.Is(err, ErrProtocolViolation) {
					t.Errorf("Run = %v, want ErrProtocolViolation", err)
				}
			case <-time.After(tunneltest.Timeout):
				t.Fatal("Run did not return")
			}
		})
	}
}

func TestMessageBeforeHelloTerminates(t *testing.T) {
	fr := newFakeRelay(t)
	startAgent(t, agentConfig(t, fr.ln.Addr().String(), tunneltest.ClosedAddr(t)))

	relay := fr.accept(t)
	relay.Expect(protocol.ActionHandshake)

	// PING is answered before HELLO; NEW_CONNECTION is not allowed.
	relay.Send(protocol.ActionPing, nil, nil)
	relay.Expect(protocol.ActionPong)
	relay.Send(protocol.ActionNewConnection, tunneltest.ID("aaaaaaaaaaaaaaaaaaaa"), nil)
	relay.ExpectClosed()
}

func TestCircuitLifecycle(t *testing.T) {
	fr := newFakeRelay(t)
	server := tunneltest.EchoServer(t, "banner")
	a, _ := startAgent(t, agentConfig(t, fr.ln.Addr().String(), server))

	relay := fr.accept(t)
	handshake(t, relay, 10000)

	const id = "circuit0000000000001"
	relay.Send(protocol.ActionNewConnection, tunneltest.ID(id), nil)
	if pkt := relay.Expect(protocol.ActionConnectionCreated); pkt.ID() != id {
		t.Fatalf("CONNECTION_CREATED for %q", pkt.ID())
	}

	// The banner is held until the relay acknowledges.
	relay.ExpectSilence(100 * time.Millisecond)
	relay.Send(protocol.ActionConnectionCreatedAck, tunneltest.ID(id), nil)
	if pkt := relay.Expect(protocol.ActionData); string(pkt.Payload) != "banner" {
		t.Fatalf("DATA = %q, want banner", pkt.Payload)
	}

	relay.Send(protocol.ActionData, tunneltest.ID(id), []byte("echo me"))
	if pkt := relay.Expect(protocol.ActionData); string(pkt.Payload) != "echo me" {
		t.Fatalf("DATA = %q, want %q", pkt.Payload, "echo me")
	}

	relay.Send(protocol.ActionClose, tunneltest.ID(id), nil)
	if pkt := relay.Expect(protocol.ActionClose); pkt.ID() != id {
		t.Fatalf("CLOSE for %q", pkt.ID())
	}
	tunneltest.WaitFor(t, "circuit removed", func() bool {
		s := a.Session()
		return s != nil && s.Circuits() == 0
	})
}

func TestLocalCloseBeforeAckFlushesQueue(t *testing.T) {
	fr := newFakeRelay(t)
	a, _ := startAgent(t, agentConfig(t, fr.ln.Addr().String(), tunneltest.HangUpServer(t, "goodbye")))

	relay := fr.accept(t)
	handshake(t, relay, 10000)

	const id = "circuit0000000000007"
	relay.Send(protocol.ActionNewConnection, tunneltest.ID(id), nil)
	relay.Expect(protocol.ActionConnectionCreated)

	// The service has already hung up; the circuit waits for the ack.
	relay.ExpectSilence(200 * time.Millisecond)
	if n := a.Session().Circuits(); n != 1 {
		t.Fatalf("Circuits = %d before ack, want 1", n)
	}

	relay.Send(protocol.ActionConnectionCreatedAck, tunneltest.ID(id), nil)
	if pkt := relay.Expect(protocol.ActionData); pkt.ID() != id || string(pkt.Payload) != "goodbye" {
		t.Fatalf("DATA %q for %q, want goodbye for %q", pkt.Payload, pkt.ID(), id)
	}
	if pkt := relay.Expect(protocol.ActionClose); pkt.ID() != id {
		t.Fatalf("CLOSE for %q", pkt.ID())
	}
	relay.ExpectSilence(100 * time.Millisecond)
	tunneltest.WaitFor(t, "circuit removed", func() bool { return a.Session().Circuits() == 0 })
}

func TestDuplicateNewConnectionIgnored(t *testing.T) {
	fr := newFakeRelay(t)
	a, _ := startAgent(t, agentConfig(t, fr.ln.Addr().String(), tunneltest.EchoServer(t, "")))

	relay := fr.accept(t)
	handshake(t, relay, 10000)

	const id = "circuit0000000000002"
	relay.Send(protocol.ActionNewConnection, tunneltest.ID(id), nil)
	relay.Expect(protocol.ActionConnectionCreated)
	relay.Send(protocol.ActionNewConnection, tunneltest.ID(id), nil)

	relay.Send(protocol.ActionPing, nil, nil)
	relay.Expect(protocol.ActionPong)
	if n := a.Session().Circuits(); n != 1 {
		t.Errorf("Circuits = %d, want 1", n)
	}
}

func TestLocalDialFailureSendsClose(t *testing.T) {
	fr := newFakeRelay(t)
	startAgent(t, agentConfig(t, fr.ln.Addr().String(), tunneltest.ClosedAddr(t)))

	relay := fr.accept(t)
	handshake(t, relay, 10000)

	const id = "circuit0000000000003"
	relay.Send(protocol.ActionNewConnection, tunneltest.ID(id), nil)
	if pkt := relay.Expect(protocol.ActionClose); pkt.ID() != id {
		t.Fatalf("CLOSE for %q, want %q", pkt.ID(), id)
	}
}

func TestCloseBeforeDialCompletes(t *testing.T) {
	fr := newFakeRelay(t)
	a := New(agentConfig(t, fr.ln.Addr().String(), tunneltest.EchoServer(t, "")))

	// Hold the local dial until CLOSE has been processed.
	release := make(chan struct{})
	late := make(chan net.Conn, 1)
	a.local = func(ctx context.Context) (net.Conn, error) {
		<-release
		conn, err := a.dialLocal(ctx)
		if err == nil {
			late <- conn
		}
		return conn, err
	}
	runAgent(t, a)

	relay := fr.accept(t)
	handshake(t, relay, 10000)

	const id = "circuit0000000000004"
	relay.Send(protocol.ActionNewConnection, tunneltest.ID(id), nil)
	relay.Send(protocol.ActionClose, tunneltest.ID(id), nil)
	if pkt := relay.Expect(protocol.ActionClose); pkt.ID() != id {
		t.Fatalf("CLOSE for %q", pkt.ID())
	}
	close(release)

	// The late connection is closed without CONNECTION_CREATED.
	select {
	case conn := <-late:
		tunneltest.WaitFor(t, "late connection closed", func() bool {
			conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
			_, err := conn.Read(make([]byte, 1))
			var ne net.Error
			return err != nil && !(errors.As(err, &ne) && ne.Timeout())
		})
	case <-time.After(tunneltest.Timeout):
		t.Fatal("local dial never completed")
	}
	relay.ExpectSilence(100 * time.Millisecond)
	if n := a.Session().Circuits(); n != 0 {
		t.Errorf("Circuits = %d, want 0", n)
	}
}

func TestMissingCircuitIDTerminates(t *testing.T) {
	fr := newFakeRelay(t)
	startAgent(t, agentConfig(t, fr.ln.Addr().String(), tunneltest.ClosedAddr(t)))

	relay := fr.accept(t)
	handshake(t, relay, 10000)
	relay.Send(protocol.ActionNewConnection, nil, nil)
	relay.ExpectClosed()
}

func TestReconnect(t *testing.T) {
	fr := newFakeRelay(t)
	cfg := agentConfig(t, fr.ln.Addr().String(), tunneltest.ClosedAddr(t))
	cfg.ReconnectTimeout = config.Duration(50 * time.Millisecond)
	startAgent(t, cfg)

	first := fr.accept(t)
	first.Expect(protocol.ActionHandshake)
	first.Close()

	second := fr.accept(t)
	handshake(t, second, 10000)
	second.Send(protocol.ActionPing, nil, nil)
	second.Expect(protocol.ActionPong)
}

func TestNoReconnectReturns(t *testing.T) {
	fr := newFakeRelay(t)
	_, done := startAgent(t, agentConfig(t, fr.ln.Addr().String(), tunneltest.ClosedAddr(t)))

	relay := fr.accept(t)
	relay.Expect(protocol.ActionHandshake)
	relay.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run returned nil after the relay hung up")
		}
	case <-time.After(tunneltest.Timeout):
		t.Fatal("Run did not return")
	}
}
