package circuit

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCircuitQueueUntilCreated(t *testing.T) {
	c := New("abc")
	if c.State() != Pending {
		t.Fatalf("new circuit state = %v, want pending", c.State())
	}

	c.Enqueue([]byte("one"))
	c.Enqueue([]byte("two"))
	if c.Queued() != 2 {
		t.Fatalf("Queued = %d, want 2", c.Queued())
	}

	queued, ok := c.MarkCreated()
	if !ok {
		t.Fatal("MarkCreated = false on pending circuit")
	}
	if len(queued) != 2 || string(queued[0]) != "one" || string(queued[1]) != "two" {
		t.Fatalf("queued = %q, want [one two]", queued)
	}
	if c.State() != Created || c.Queued() != 0 {
		t.Fatalf("after MarkCreated: state=%v queued=%d", c.State(), c.Queued())
	}

	if _, ok := c.MarkCreated(); ok {
		t.Error("second MarkCreated = true")
	}
	c.Enqueue([]byte("ignored"))
	if c.Queued() != 0 {
		t.Error("Enqueue on created circuit was held")
	}
}

func TestCircuitLinger(t *testing.T) {
	c := New("abc")
	if c.Linger() {
		t.Fatal("Linger on an empty pending circuit reported true")
	}

	c.Enqueue([]byte("request"))
	if !c.Linger() || !c.Lingering() {
		t.Fatal("Linger with queued bytes did not mark the circuit")
	}
	c.Enqueue([]byte(" tail"))

	queued, ok := c.MarkCreated()
	if !ok {
		t.Fatal("MarkCreated on a lingering circuit failed")
	}
	if len(queued) != 2 || string(queued[0])+string(queued[1]) != "request tail" {
		t.Errorf("flushed %q, want request and tail", queued)
	}
	if !c.Lingering() {
		t.Error("Lingering cleared by MarkCreated")
	}

	created := New("def")
	created.Enqueue([]byte("x"))
	created.MarkCreated()
	if created.Linger() {
		t.Error("Linger on a created circuit reported true")
	}
}

func TestCircuitEarlyBytesFlushedOnAttach(t *testing.T) {
	c := New("abc")
	c.Send([]byte("early "))
	c.Send([]byte("bytes"))

	local, remote := net.Pipe()
	defer remote.Close()
	c.Attach(local)
	c.Shutdown()

	got, err := io.ReadAll(remote)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "early bytes" {
		t.Errorf("local received %q, want %q", got, "early bytes")
	}
}

func TestCircuitShutdownFlushesBeforeClose(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	c := New("abc")
	c.Attach(local)
	for i := 0; i < 10; i++ {
		c.Send([]byte("x"))
	}
	c.Shutdown()

	got, err := io.ReadAll(remote)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if want := strings.Repeat("x", 10); string(got) != want {
		t.Errorf("local received %q, want %q", got, want)
	}
}

func TestCircuitClose(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	c := New("abc")
	c.Attach(local)
	c.Enqueue([]byte("held"))
	c.Close()

	if c.State() != Closed || c.Queued() != 0 {
		t.Fatalf("after Close: state=%v queued=%d", c.State(), c.Queued())
	}

	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := remote.Read(make([]byte, 1)); err == nil {
		t.Error("remote read succeeded after Close")
	}

	// Sends after Close are dropped silently.
	c.Send([]byte("late"))
}

func TestCircuitAttachAfterClose(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	c := New("abc")
	c.Close()
	c.Attach(local)

	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := remote.Read(make([]byte, 1)); err == nil {
		t.Error("conn attached to a closed circuit stayed open")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	data   []string
	closed chan error
}

func (s *recordingSink) LocalData(id string, p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, string(p))
	return true
}

func (s *recordingSink) LocalClosed(id string, err error) { s.closed <- err }

func TestPump(t *testing.T) {
	sink := &recordingSink{closed: make(chan error, 1)}
	r := strings.NewReader(strings.Repeat("a", MaxChunkSize+10))

	go Pump("abc", r, sink)

	select {
	case err := <-sink.closed:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("LocalClosed err = %v, want EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not finish")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	total := 0
	for _, d := range sink.data {
		if len(d) > MaxChunkSize {
			t.Errorf("chunk of %d bytes exceeds MaxChunkSize", len(d))
		}
		total += len(d)
	}
	if total != MaxChunkSize+10 {
		t.Errorf("pumped %d bytes, want %d", total, MaxChunkSize+10)
	}
}

type goneSink struct{ closedCalled bool }

func (s *goneSink) LocalData(string, []byte) bool { return false }
func (s *goneSink) LocalClosed(string, error)     { s.closedCalled = true }

func TestPumpStopsWhenSinkGone(t *testing.T) {
	sink := &goneSink{}
	Pump("abc", strings.NewReader("data"), sink)
	if sink.closedCalled {
		t.Error("LocalClosed called after the sink went away")
	}
}
