package protocol

import (
	"bytes"
	"iter"
)

var separator = []byte(Separator)

// Reassembler turns the chunks read from one byte stream into complete
// packets. Bytes that do not yet form a whole packet are carried over to the
// next Feed. It is goroutine-local (owned by the stream's reader) and needs
// no locking.
//
// A framing error is sticky: once a header block fails to decode, every
// later Feed yields the same error and no further packets.
type Reassembler struct {
	buf []byte
	err error
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends chunk to the carry-over buffer and returns the packets that
// are now complete, in arrival order. The sequence is lazy: packets are cut
// from the buffer as the caller ranges over it, and stopping early leaves
// the rest buffered for the next call. A framing error is yielded as the
// last element.
func (r *Reassembler) Feed(chunk []byte) iter.Seq2[*Packet, error] {
	if r.err == nil {
		r.buf = append(r.buf, chunk...)
	}

	return func(yield func(*Packet, error) bool) {
		for {
			if r.err != nil {
				yield(nil, r.err)
				return
			}

			pkt, err := r.next()
			if err != nil {
				r.err = err
				r.buf = nil
				continue
			}
			if pkt == nil {
				return
			}
			if !yield(pkt, nil) {
				return
			}
		}
	}
}

// Buffered returns the number of carried-over bytes.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// next cuts one packet off the front of the buffer. It returns (nil, nil)
// when more bytes are needed.
func (r *Reassembler) next() (*Packet, error) {
	idx := bytes.Index(r.buf, separator)
	if idx < 0 {
		if len(r.buf) > MaxHeaderSize {
			return nil, ErrHeaderTooLarge
		}
		return nil, nil
	}
	if idx > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	h, err := DecodeHeader(string(r.buf[:idx]))
	if err != nil {
		return nil, err
	}

	start := idx + len(separator)
	total := start + h.DataLength
	if len(r.buf) < total {
		return nil, nil
	}

	payload := make([]byte, h.DataLength)
	copy(payload, r.buf[start:total])

	r.buf = r.buf[total:]
	if len(r.buf) == 0 {
		r.buf = nil
	}

	return &Packet{Header: h, Payload: payload}, nil
}
