package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/rtunnel/internal/util"
)

// Accept runs ln's accept loop, handing each connection to handle on the
// accepting goroutine. handle must not block. Accept returns nil once ctx is
// cancelled, or the error that broke the listener.
func Accept(ctx context.Context, ln net.Listener, handle func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				util.LogWarning("accept on %s: %v; retrying in %v", ln.Addr(), err, backoff)
				time.Sleep(backoff)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		backoff = 0
		handle(conn)
	}
}
