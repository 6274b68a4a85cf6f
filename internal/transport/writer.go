package transport

import (
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned when writing to a stream whose writer has stopped.
var ErrClosed = errors.New("transport: writer closed")

// Writer is a single-writer goroutine that serializes all writes to one
// stream. Queued chunks are unbounded so callers never block on a slow
// reader; ordering is preserved.
type Writer struct {
	w      io.Writer
	onExit func(error)

	mu      sync.Mutex
	queue   [][]byte
	closing bool
	err     error

	wake chan struct{}
	done chan struct{}
}

// NewWriter starts the write loop for w. onExit, if non-nil, runs once on the
// writer goroutine after the loop stops: with nil after a graceful Close that
// flushed every queued chunk, or with the write error that stopped it.
func NewWriter(w io.Writer, onExit func(error)) *Writer {
	wr := &Writer{
		w:      w,
		onExit: onExit,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go wr.loop()
	return wr
}

// Send queues p for writing. It reports false once the writer is closing or
// has failed; p is then dropped.
func (w *Writer) Send(p []byte) bool {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, p)
	w.mu.Unlock()

	w.signal()
	return true
}

// Close stops accepting chunks. Chunks already queued are still written
// before the loop exits.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()
	w.signal()
}

// Done is closed when the write loop has exited.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Err returns the write error that stopped the loop, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) loop() {
	var exitErr error
	defer func() {
		close(w.done)
		if w.onExit != nil {
			w.onExit(exitErr)
		}
	}()

	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closing := w.closing
		w.mu.Unlock()

		for _, p := range batch {
			if _, err := w.w.Write(p); err != nil {
				w.mu.Lock()
				w.err = err
				w.closing = true
				w.queue = nil
				w.mu.Unlock()
				exitErr = err
				return
			}
		}

		if len(batch) == 0 {
			if closing {
				return
			}
			<-w.wake
		}
	}
}
