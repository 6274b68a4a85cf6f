// Package relay implements the public side of the tunnel: it accepts one
// authorized agent on the control listener and multiplexes every public
// client from the forward listener over that agent's control connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/rtunnel/internal/config"
	"github.com/1ureka/rtunnel/internal/metrics"
	"github.com/1ureka/rtunnel/internal/transport"
	"github.com/1ureka/rtunnel/internal/tunnel"
	"github.com/1ureka/rtunnel/internal/util"
)

var (
	ErrHandshakeFailed   = errors.New("relay: handshake failed")
	ErrHandshakeTimeout  = errors.New("relay: handshake timed out")
	ErrHeartbeatTimeout  = errors.New("relay: heartbeat timed out")
	ErrProtocolViolation = errors.New("relay: protocol violation")
	ErrShutdown          = errors.New("relay: shutting down")
)

// Relay owns the single control-session slot. A Relay serves once.
type Relay struct {
	cfg     *config.Relay
	limiter *rate.Limiter // nil when public accepts are unlimited

	ctx    context.Context // cancelled when Serve returns
	cancel context.CancelFunc

	mu     sync.Mutex
	active *Session
	closed bool
	wg     sync.WaitGroup
}

func New(cfg *config.Relay) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{cfg: cfg, ctx: ctx, cancel: cancel}

	if cfg.ForwardRateLimit > 0 {
		burst := cfg.ForwardBurst
		if burst < 1 {
			burst = max(1, int(math.Ceil(cfg.ForwardRateLimit)))
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.ForwardRateLimit), burst)
	}
	return r
}

// ListenAndServe opens the control and forward listeners, plus the WebSocket
// control endpoint when one is configured, and serves until ctx is done.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	ctrl, err := net.Listen("tcp", r.cfg.ControlAddr())
	if err != nil {
		return fmt.Errorf("listen control: %w", err)
	}
	fwd, err := net.Listen("tcp", r.cfg.ForwardAddr())
	if err != nil {
		ctrl.Close()
		return fmt.Errorf("listen forward: %w", err)
	}
	util.LogInfo("control listener on %s", ctrl.Addr())
	util.LogInfo("forward listener on %s", fwd.Addr())

	if r.cfg.WebSocketAddr != "" {
		ln, err := net.Listen("tcp", r.cfg.WebSocketAddr)
		if err != nil {
			ctrl.Close()
			fwd.Close()
			return fmt.Errorf("listen websocket: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle(r.cfg.WebSocketPath, r.WebSocketHandler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.LogError("websocket endpoint: %v", err)
			}
		}()
		util.LogInfo("websocket control endpoint on ws://%s%s", ln.Addr(), r.cfg.WebSocketPath)
	}

	return r.Serve(ctx, ctrl, fwd)
}

// Serve accepts agents on ctrl and public clients on fwd until ctx is
// cancelled or a listener fails. On return both listeners are closed and the
// active session has been torn down.
func (r *Relay) Serve(ctx context.Context, ctrl, fwd net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- tunnel.Accept(ctx, ctrl, r.HandleControl) }()
	go func() { errc <- tunnel.Accept(ctx, fwd, r.handleForward) }()

	err := <-errc
	cancel()
	if err2 := <-errc; err == nil {
		err = err2
	}

	r.mu.Lock()
	r.closed = true
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	return err
}

// HandleControl takes ownership of an inbound control connection. A session
// starts only when conn comes from the allowed host and the slot is free;
// otherwise conn is closed without a reply.
func (r *Relay) HandleControl(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if !r.allowed(remote) {
		util.LogWarning("rejected control connection from %s: address not allowed", remote)
		metrics.ControlRejected.WithLabelValues("address").Inc()
		conn.Close()
		return
	}

	r.mu.Lock()
	if r.closed || r.active != nil {
		r.mu.Unlock()
		util.LogWarning("rejected control connection from %s: a session is already active", remote)
		metrics.ControlRejected.WithLabelValues("busy").Inc()
		conn.Close()
		return
	}
	s := newSession(r.cfg, conn)
	r.active = s
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		s.run(r.ctx)

		r.mu.Lock()
		if r.active == s {
			r.active = nil
		}
		r.mu.Unlock()
	}()
}

// WebSocketHandler serves control connections carried over WebSocket. The
// upgraded stream is handled exactly like a TCP control connection.
func (r *Relay) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allowed(req.RemoteAddr) || r.busy() {
			metrics.ControlRejected.WithLabelValues("websocket").Inc()
			hangUp(w)
			return
		}

		conn, err := transport.UpgradeWebSocket(w, req)
		if err != nil {
			util.LogDebug("websocket upgrade from %s: %v", req.RemoteAddr, err)
			return
		}
		r.HandleControl(conn)
	})
}

// Active returns the session holding the slot, or nil.
func (r *Relay) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Relay) busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed || r.active != nil
}

func (r *Relay) handleForward(conn net.Conn) {
	if r.limiter != nil && !r.limiter.Allow() {
		metrics.ForwardThrottled.Inc()
		util.LogDebug("dropped public connection from %s: rate limited", conn.RemoteAddr())
		conn.Close()
		return
	}

	s := r.Active()
	if s == nil || !s.Authorized() {
		util.LogDebug("dropped public connection from %s: no agent connected", conn.RemoteAddr())
		conn.Close()
		return
	}
	if !s.mb.Post(accepted{conn: conn}) {
		conn.Close()
	}
}

// allowed reports whether remote (host:port) may open a control connection.
// IPv4-mapped IPv6 addresses match their IPv4 form.
func (r *Relay) allowed(remote string) bool {
	want := r.cfg.ServerHost
	if want == "" {
		return true
	}

	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}

	wantIP, err1 := netip.ParseAddr(want)
	gotIP, err2 := netip.ParseAddr(host)
	if err1 == nil && err2 == nil {
		return wantIP.Unmap().WithZone("") == gotIP.Unmap().WithZone("")
	}
	return host == want
}

// hangUp drops an HTTP client without writing a response.
func hangUp(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	w.WriteHeader(http.StatusForbidden)
}
