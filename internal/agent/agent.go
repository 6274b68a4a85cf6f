// Package agent implements the private side of the tunnel: it keeps one
// control connection to the relay and dials the protected local service for
// every circuit the relay opens.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/1ureka/rtunnel/internal/config"
	"github.com/1ureka/rtunnel/internal/metrics"
	"github.com/1ureka/rtunnel/internal/transport"
	"github.com/1ureka/rtunnel/internal/util"
)

var (
	ErrProtocolViolation = errors.New("agent: protocol violation")
	ErrShutdown          = errors.New("agent: shutting down")
)

type Agent struct {
	cfg    *config.Agent
	dialer net.Dialer
	local  func(context.Context) (net.Conn, error)

	mu      sync.Mutex
	current *Session
}

func New(cfg *config.Agent) *Agent {
	a := &Agent{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout.Std()},
	}
	a.local = a.dialLocal
	return a
}

// Run connects to the relay and serves one session at a time until ctx is
// done. When the session ends and a reconnect delay is configured, Run waits
// that fixed delay and dials again; otherwise it returns why the session ended.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := a.cfg.ReconnectTimeout.Std()
		if delay <= 0 {
			return err
		}

		util.LogWarning("%v; reconnecting in %v", err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		metrics.Reconnects.Inc()
	}
}

// Session returns the running session, or nil between sessions.
func (a *Agent) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Agent) runSession(ctx context.Context) error {
	conn, err := a.dialRelay(ctx)
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}

	s := newSession(a.cfg, conn, a.local)
	a.mu.Lock()
	a.current = s
	a.mu.Unlock()

	s.run(ctx)

	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
	return fmt.Errorf("session %s: %w", s.ID(), s.Err())
}

func (a *Agent) dialRelay(ctx context.Context) (net.Conn, error) {
	if a.cfg.RelayURL != "" {
		if t := a.cfg.DialTimeout.Std(); t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		return transport.DialWebSocket(ctx, a.cfg.RelayURL)
	}
	return a.dialer.DialContext(ctx, "tcp", a.cfg.RelayAddr())
}

func (a *Agent) dialLocal(ctx context.Context) (net.Conn, error) {
	return a.dialer.DialContext(ctx, "tcp", a.cfg.ServerAddr())
}
